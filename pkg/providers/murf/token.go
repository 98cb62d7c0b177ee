package murf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// TokenSafetyMargin is how long before expiry a cached token stops being served.
const TokenSafetyMargin = 60 * time.Second

// Credential is a short-lived bearer token and its absolute expiry.
type Credential struct {
	Token  string
	Expiry time.Time
}

// Fresh reports whether the credential may still be handed out at now.
func (c Credential) Fresh(now time.Time) bool {
	return c.Token != "" && now.Before(c.Expiry.Add(-TokenSafetyMargin))
}

type TokenConfig struct {
	APIBase string
	APIKey  string
}

// TokenSource caches the provider bearer token for the whole process.
// Concurrent misses share one fetch.
type TokenSource struct {
	cfg      TokenConfig
	client   *http.Client
	now      func() time.Time
	log      *slog.Logger
	observer metrics.Observer

	mu     sync.RWMutex
	cached Credential
	group  singleflight.Group
}

func NewTokenSource(cfg TokenConfig, client *http.Client, log *slog.Logger) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &TokenSource{
		cfg:      cfg,
		client:   client,
		now:      time.Now,
		log:      log,
		observer: metrics.NoopObserver{},
	}
}

// WithClock replaces the time source used for expiry checks.
func (s *TokenSource) WithClock(now func() time.Time) *TokenSource {
	s.now = now
	return s
}

func (s *TokenSource) WithObserver(obs metrics.Observer) *TokenSource {
	if obs != nil {
		s.observer = obs
	}
	return s
}

const tokenFetchTimeout = 15 * time.Second

// Token returns a bearer token that is not within the safety margin of expiry.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()
	if cached.Fresh(s.now()) {
		return cached.Token, nil
	}

	v, err, _ := s.group.Do("token", func() (any, error) {
		// Another caller may have refreshed while this one waited.
		s.mu.RLock()
		cached := s.cached
		s.mu.RUnlock()
		if cached.Fresh(s.now()) {
			return cached, nil
		}
		// The flight is shared, so one caller leaving must not fail the rest.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenFetchTimeout)
		defer cancel()
		cred, err := s.fetch(fetchCtx)
		if err != nil {
			metrics.Record(s.observer, metrics.EventTokenRefresh, 1, map[string]string{"outcome": "error"})
			return Credential{}, err
		}
		s.mu.Lock()
		s.cached = cred
		s.mu.Unlock()
		metrics.Record(s.observer, metrics.EventTokenRefresh, 1, map[string]string{"outcome": "ok"})
		s.log.Info("murf_token_cached", slog.Time("expires_at", cred.Expiry))
		return cred, nil
	})
	if err != nil {
		return "", err
	}
	return v.(Credential).Token, nil
}

// Cached returns the current cache entry, if any.
func (s *TokenSource) Cached() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached, s.cached.Token != ""
}

type tokenResponse struct {
	Token               string `json:"token"`
	ExpiryInEpochMillis int64  `json:"expiryInEpochMillis"`
}

type apiError struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorCode    any    `json:"errorCode"`
}

func (s *TokenSource) fetch(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.APIBase+"/v1/auth/token", nil)
	if err != nil {
		return Credential{}, errorsx.Wrap(fmt.Errorf("build token request: %w", err), errorsx.ReasonAuthFetch)
	}
	req.Header.Set("api-key", s.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Credential{}, errorsx.Wrap(fmt.Errorf("fetch token: %w", err), errorsx.ReasonAuthFetch)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Credential{}, errorsx.Wrap(fmt.Errorf("read token response: %w", err), errorsx.ReasonAuthFetch)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credential{}, errorsx.Wrap(
			fmt.Errorf("fetch token: status %d: %s", resp.StatusCode, describeAPIError(body)),
			errorsx.ReasonAuthFetch,
		)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, errorsx.Wrap(fmt.Errorf("decode token response: %w", err), errorsx.ReasonAuthParse)
	}
	if strings.TrimSpace(tr.Token) == "" || tr.ExpiryInEpochMillis <= 0 {
		return Credential{}, errorsx.New(errorsx.ReasonAuthParse, "token response missing token or expiry")
	}
	cred := Credential{Token: tr.Token, Expiry: time.UnixMilli(tr.ExpiryInEpochMillis)}
	if !cred.Fresh(s.now()) {
		return Credential{}, errorsx.New(errorsx.ReasonAuthExpired,
			fmt.Sprintf("token already within %s of expiry (%s)", TokenSafetyMargin, cred.Expiry.UTC().Format(time.RFC3339)))
	}
	return cred, nil
}

// describeAPIError summarizes a provider error body for logs and errors.
func describeAPIError(body []byte) string {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.ErrorMessage != "" {
		if ae.ErrorCode != nil {
			return fmt.Sprintf("%s (code %v)", ae.ErrorMessage, ae.ErrorCode)
		}
		return ae.ErrorMessage
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		text = text[:256]
	}
	if text == "" {
		return "empty body"
	}
	return text
}
