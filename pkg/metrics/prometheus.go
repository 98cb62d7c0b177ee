package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver maps proxy events onto Prometheus collectors held in a
// dedicated registry.
type PrometheusObserver struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	upstreamEvents  *prometheus.CounterVec
	speakRequests   prometheus.Counter
	raceWins        *prometheus.CounterVec
	firstAudio      *prometheus.HistogramVec
	watchdogFires   prometheus.Counter
	audioChunks     *prometheus.CounterVec
	audioDropped    *prometheus.CounterVec
	restResults     *prometheus.CounterVec
	variantFailures *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	clientQueued    prometheus.Counter
}

func NewPrometheusObserver(namespace string) *PrometheusObserver {
	p := &PrometheusObserver{
		registry: prometheus.NewRegistry(),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Client sessions currently connected",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Client sessions accepted",
		}),
		upstreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Upstream connection lifecycle events",
		}, []string{"event"}),
		speakRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speak_requests_total",
			Help:      "Text-to-speech requests received from clients",
		}),
		raceWins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "race_wins_total",
			Help:      "Requests whose first audio came from the given source",
		}, []string{"source"}),
		firstAudio: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_audio_seconds",
			Help:      "Time from speak request to first delivered audio",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10},
		}, []string{"source"}),
		watchdogFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "race_watchdog_fires_total",
			Help:      "Requests with no audio when the watchdog fired",
		}),
		audioChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Audio chunks forwarded to clients",
		}, []string{"source"}),
		audioDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_dropped_total",
			Help:      "Audio results discarded by the first-write-wins gate",
		}, []string{"source"}),
		restResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rest_results_total",
			Help:      "REST synthesis outcomes",
		}, []string{"outcome"}),
		variantFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variant_send_failures_total",
			Help:      "Schema variant frames that failed to send upstream",
		}, []string{"kind"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Bearer token fetches",
		}, []string{"outcome"}),
		clientQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_queued_total",
			Help:      "Client frames queued while the upstream was not open",
		}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.sessionsActive,
		p.sessionsTotal,
		p.upstreamEvents,
		p.speakRequests,
		p.raceWins,
		p.firstAudio,
		p.watchdogFires,
		p.audioChunks,
		p.audioDropped,
		p.restResults,
		p.variantFailures,
		p.tokenRefreshes,
		p.clientQueued,
	)
	return p
}

// Registry exposes the underlying registry, mainly for tests.
func (p *PrometheusObserver) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	tag := func(key string) string {
		if v := ev.Tags[key]; v != "" {
			return v
		}
		return "unknown"
	}
	switch ev.Name {
	case EventSessionOpen:
		p.sessionsTotal.Inc()
		p.sessionsActive.Inc()
	case EventSessionClose:
		p.sessionsActive.Dec()
	case EventUpstreamOpen:
		p.upstreamEvents.WithLabelValues("open").Inc()
	case EventUpstreamClose:
		p.upstreamEvents.WithLabelValues("close").Inc()
	case EventUpstreamError:
		p.upstreamEvents.WithLabelValues("error").Inc()
	case EventSpeakRequest:
		p.speakRequests.Inc()
	case EventRaceWon:
		p.raceWins.WithLabelValues(tag("source")).Inc()
		p.firstAudio.WithLabelValues(tag("source")).Observe(ev.Value / 1000)
	case EventRaceWatchdog:
		p.watchdogFires.Inc()
	case EventAudioChunk:
		p.audioChunks.WithLabelValues(tag("source")).Inc()
	case EventAudioDropped:
		p.audioDropped.WithLabelValues(tag("source")).Inc()
	case EventRESTResult:
		p.restResults.WithLabelValues(tag("outcome")).Inc()
	case EventVariantFailed:
		p.variantFailures.WithLabelValues(tag("kind")).Inc()
	case EventTokenRefresh:
		p.tokenRefreshes.WithLabelValues(tag("outcome")).Inc()
	case EventClientQueued:
		p.clientQueued.Inc()
	}
}
