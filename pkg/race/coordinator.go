package race

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/protocol"
	"github.com/harunnryd/voxrelay/pkg/redact"
	"github.com/harunnryd/voxrelay/pkg/resilience"
)

// Race is the state of one speech request.
type Race struct {
	ID        string
	SessionID string
	Text      string
	// Voice is fixed when the request is issued; later voice_config
	// messages only affect later requests.
	Voice   protocol.VoiceConfig
	Started time.Time

	gate Gate
}

// Delivered reports whether any source has delivered audio.
func (r *Race) Delivered() bool {
	_, ok := r.gate.Winner()
	return ok
}

// Winner returns the source whose audio reached the client.
func (r *Race) Winner() (Source, bool) {
	return r.gate.Winner()
}

func (r *Race) tags(extra ...string) map[string]string {
	tags := map[string]string{"session_id": r.SessionID, "race_id": r.ID}
	for i := 0; i+1 < len(extra); i += 2 {
		tags[extra[i]] = extra[i+1]
	}
	return tags
}

// Result is audio produced by the REST source.
type Result struct {
	Race        *Race
	AudioBase64 string
}

type Config struct {
	Watchdog       time.Duration
	DefaultVoiceID string
	RESTEnabled    bool
}

func (c Config) withDefaults() Config {
	if c.Watchdog <= 0 {
		c.Watchdog = 2 * time.Second
	}
	if c.DefaultVoiceID == "" {
		c.DefaultVoiceID = "en-US-natalie"
	}
	return c
}

// Coordinator starts races and arbitrates deliveries. One Coordinator is
// shared by every session; it holds no per-session state.
type Coordinator struct {
	cfg      Config
	synth    tts.Synthesizer
	breaker  *resilience.CircuitBreaker
	log      *slog.Logger
	observer metrics.Observer
	now      func() time.Time
}

func NewCoordinator(cfg Config, synth tts.Synthesizer, breaker *resilience.CircuitBreaker, log *slog.Logger, observer metrics.Observer) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		synth:    synth,
		breaker:  breaker,
		log:      log,
		observer: observer,
		now:      time.Now,
	}
}

// Begin opens a new race. The caller replaces its previous race, which resets
// the delivery gate for the new request.
func (c *Coordinator) Begin(sessionID string, seq uint64, text string, voice protocol.VoiceConfig) *Race {
	r := &Race{
		ID:        sessionID + "-" + strconv.FormatUint(seq, 10),
		SessionID: sessionID,
		Text:      text,
		Voice:     voice.WithDefaults(),
		Started:   c.now(),
	}
	metrics.Record(c.observer, metrics.EventSpeakRequest, float64(len(text)), r.tags())
	return r
}

// Admit passes audio from src through the race gate and reports whether it
// may be forwarded.
func (c *Coordinator) Admit(r *Race, src Source) bool {
	ok, first := r.gate.claim(src)
	if !ok {
		metrics.Record(c.observer, metrics.EventAudioDropped, 1, r.tags("source", string(src)))
		c.log.Debug("race_audio_dropped", slog.String("race_id", r.ID), slog.String("source", string(src)))
		return false
	}
	if first {
		latency := c.now().Sub(r.Started)
		metrics.Record(c.observer, metrics.EventRaceWon, float64(latency.Milliseconds()), r.tags("source", string(src)))
		c.log.Info("race_won",
			slog.String("race_id", r.ID),
			slog.String("source", string(src)),
			slog.Duration("after", latency))
	}
	metrics.Record(c.observer, metrics.EventAudioChunk, 1, r.tags("source", string(src)))
	return true
}

// RESTEnabled reports whether races include the REST source.
func (c *Coordinator) RESTEnabled() bool {
	return c.cfg.RESTEnabled && c.synth != nil
}

// RunREST synthesizes r over the REST API in its own goroutine and calls
// deliver with the audio. Failures are logged and never delivered. The call
// runs to completion even if the streaming source wins first.
func (c *Coordinator) RunREST(ctx context.Context, r *Race, deliver func(Result)) {
	if !c.RESTEnabled() {
		return
	}
	go func() {
		b64, err := c.synthesize(ctx, r)
		if err != nil {
			metrics.Record(c.observer, metrics.EventRESTResult, 1, r.tags("outcome", string(errorsx.Reason(err))))
			c.log.Warn("race_rest_failed",
				slog.String("race_id", r.ID),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", redact.Text(err.Error())))
			return
		}
		metrics.Record(c.observer, metrics.EventRESTResult, 1, r.tags("outcome", "ok"))
		deliver(Result{Race: r, AudioBase64: b64})
	}()
}

func (c *Coordinator) synthesize(ctx context.Context, r *Race) (string, error) {
	if !c.breaker.Allow() {
		return "", errorsx.New(errorsx.ReasonRESTCircuitOpen,
			fmt.Sprintf("rest synthesis paused until %s", c.breaker.OpenUntil().Format(time.RFC3339)))
	}
	voiceID := r.Voice.VoiceOr(c.cfg.DefaultVoiceID)
	c.log.Debug("race_rest_start", slog.String("race_id", r.ID), slog.String("voice_id", voiceID), slog.String("format", string(r.Voice.Format)))

	res, err := c.synth.Synthesize(ctx, tts.SynthesisRequest{
		Text:     r.Text,
		VoiceID:  voiceID,
		Format:   string(r.Voice.Format),
		Language: r.Voice.Language,
	})
	if err != nil {
		c.breaker.OnError(err)
		return "", err
	}
	c.breaker.OnSuccess()

	if res.AudioBase64 != "" {
		return res.AudioBase64, nil
	}
	if res.AudioURL == "" {
		return "", errorsx.New(errorsx.ReasonRESTShape, "rest response carried no audio")
	}
	data, err := c.synth.Download(ctx, res.AudioURL)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonRESTDownload)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Watch arms the diagnostic watchdog for r. It only logs; the returned timer
// may be stopped when the session ends.
func (c *Coordinator) Watch(r *Race) *time.Timer {
	return time.AfterFunc(c.cfg.Watchdog, func() {
		if r.Delivered() {
			return
		}
		metrics.Record(c.observer, metrics.EventRaceWatchdog, 1, r.tags())
		c.log.Warn("race_watchdog_no_audio",
			slog.String("race_id", r.ID),
			slog.Duration("after", c.cfg.Watchdog))
	})
}
