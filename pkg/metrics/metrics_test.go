package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusObserverCountsEvents(t *testing.T) {
	p := NewPrometheusObserver("voxrelay")

	p.RecordEvent(MetricsEvent{Name: EventSessionOpen})
	p.RecordEvent(MetricsEvent{Name: EventSessionOpen})
	p.RecordEvent(MetricsEvent{Name: EventSessionClose})
	p.RecordEvent(MetricsEvent{Name: EventRaceWon, Value: 420, Tags: map[string]string{"source": "stream"}})
	p.RecordEvent(MetricsEvent{Name: EventAudioDropped, Tags: map[string]string{"source": "rest"}})

	body := scrape(t, p)
	assert.Contains(t, body, "voxrelay_sessions_active 1")
	assert.Contains(t, body, "voxrelay_sessions_total 2")
	assert.Contains(t, body, `voxrelay_race_wins_total{source="stream"} 1`)
	assert.Contains(t, body, `voxrelay_audio_dropped_total{source="rest"} 1`)
	assert.Contains(t, body, `voxrelay_time_to_first_audio_seconds_count{source="stream"} 1`)
}

func scrape(t *testing.T, p *PrometheusObserver) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestPrometheusObserverHandlerExposesMetrics(t *testing.T) {
	p := NewPrometheusObserver("voxrelay")
	p.RecordEvent(MetricsEvent{Name: EventSpeakRequest})

	assert.True(t, strings.Contains(scrape(t, p), "voxrelay_speak_requests_total 1"))
}

func TestSamplingObserverOnlySamplesNamedEvents(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.5, EventAudioChunk)
	for i := 0; i < 4; i++ {
		s.RecordEvent(MetricsEvent{Name: EventAudioChunk})
	}
	s.RecordEvent(MetricsEvent{Name: EventRaceWon})

	assert.Len(t, mem.Named(EventAudioChunk), 2)
	assert.Len(t, mem.Named(EventRaceWon), 1)
}

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 8)
	Record(a, EventSpeakRequest, 1, nil)
	Record(a, EventSpeakRequest, 1, nil)
	a.Close()

	assert.Len(t, mem.Named(EventSpeakRequest), 2)
	Record(a, EventSpeakRequest, 1, nil)
	assert.Len(t, mem.Named(EventSpeakRequest), 2)
}

func TestRecordIgnoresNilObserver(t *testing.T) {
	Record(nil, EventSpeakRequest, 1, nil)
}
