package murf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/resilience"
)

const maxAudioDownload = 50 << 20

type RESTConfig struct {
	APIBase        string
	APIKey         string
	TTSURL         string
	DefaultVoiceID string
}

// Client calls the request/response synthesis and catalog endpoints.
type Client struct {
	cfg  RESTConfig
	http *http.Client
}

func NewClient(cfg RESTConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.DefaultVoiceID == "" {
		cfg.DefaultVoiceID = "en-US-natalie"
	}
	if cfg.TTSURL == "" {
		cfg.TTSURL = cfg.APIBase + "/v1/speech/generate"
	}
	return &Client{cfg: cfg, http: httpClient}
}

func (c *Client) Name() string { return "murf_rest" }

type generateRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
	Format  string `json:"format"`
}

// Synthesize issues one synthesis request. Rate limiting is reported as
// resilience.RateLimitError so callers can trip a breaker.
func (c *Client) Synthesize(ctx context.Context, req tts.SynthesisRequest) (tts.SynthesisResult, error) {
	body := generateRequest{Text: req.Text, VoiceID: req.VoiceID, Format: req.Format}
	if body.VoiceID == "" {
		body.VoiceID = c.cfg.DefaultVoiceID
	}
	if body.Format == "" {
		body.Format = "mp3"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return tts.SynthesisResult{}, errorsx.Wrap(err, errorsx.ReasonRESTRequest)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TTSURL, bytes.NewReader(payload))
	if err != nil {
		return tts.SynthesisResult{}, errorsx.Wrap(fmt.Errorf("build synthesis request: %w", err), errorsx.ReasonRESTRequest)
	}
	httpReq.Header.Set("api-key", c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return tts.SynthesisResult{}, errorsx.Wrap(fmt.Errorf("synthesize: %w", err), errorsx.ReasonRESTRequest)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioDownload))
	if err != nil {
		return tts.SynthesisResult{}, errorsx.Wrap(fmt.Errorf("read synthesis response: %w", err), errorsx.ReasonRESTRequest)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return tts.SynthesisResult{}, errorsx.Wrap(resilience.RateLimitError{Provider: "murf", Message: describeAPIError(respBody)}, errorsx.ReasonRESTStatus)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return tts.SynthesisResult{}, errorsx.Wrap(
			fmt.Errorf("synthesize: status %d: %s", resp.StatusCode, describeAPIError(respBody)),
			errorsx.ReasonRESTStatus,
		)
	}
	return ParseSynthesisResponse(respBody)
}

// Download fetches audio referenced by a synthesis result.
func (c *Client) Download(ctx context.Context, audioURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("build download request: %w", err), errorsx.ReasonRESTDownload)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("download audio: %w", err), errorsx.ReasonRESTDownload)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorsx.New(errorsx.ReasonRESTDownload, fmt.Sprintf("download audio: status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioDownload))
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("read audio: %w", err), errorsx.ReasonRESTDownload)
	}
	if len(data) == 0 {
		return nil, errorsx.New(errorsx.ReasonRESTDownload, "download audio: empty body")
	}
	return data, nil
}

// Voices fetches the provider voice catalog. The body is returned verbatim
// along with the upstream status code.
func (c *Client) Voices(ctx context.Context) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBase+"/v1/speech/voices", nil)
	if err != nil {
		return 0, nil, errorsx.Wrap(err, errorsx.ReasonRESTRequest)
	}
	req.Header.Set("api-key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errorsx.Wrap(fmt.Errorf("fetch voices: %w", err), errorsx.ReasonRESTRequest)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, errorsx.Wrap(fmt.Errorf("read voices: %w", err), errorsx.ReasonRESTRequest)
	}
	return resp.StatusCode, body, nil
}

var _ tts.Synthesizer = (*Client)(nil)
