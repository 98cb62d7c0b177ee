package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the proxy.
const (
	EventSessionOpen   = "session_open"
	EventSessionClose  = "session_close"
	EventUpstreamOpen  = "upstream_open"
	EventUpstreamClose = "upstream_close"
	EventUpstreamError = "upstream_error"
	EventSpeakRequest  = "speak_request"
	EventRaceWon       = "race_won"
	EventRaceWatchdog  = "race_watchdog"
	EventAudioChunk    = "audio_chunk"
	EventAudioDropped  = "audio_dropped"
	EventRESTResult    = "rest_result"
	EventVariantFailed = "variant_send_failed"
	EventTokenRefresh  = "token_refresh"
	EventClientQueued  = "client_queued"
)

// Record emits an event stamped with the current time. A nil observer is ignored.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}
