package main

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/harunnryd/voxrelay/pkg/config"
	"github.com/harunnryd/voxrelay/pkg/httpapi"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/observers"
	"github.com/harunnryd/voxrelay/pkg/providers/murf"
	"github.com/harunnryd/voxrelay/pkg/proxy"
	"github.com/harunnryd/voxrelay/pkg/race"
	"github.com/harunnryd/voxrelay/pkg/resilience"
)

type app struct {
	Handler  http.Handler
	Sessions *proxy.Registry
	observer *metrics.AsyncObserver
}

func (a *app) Close() {
	if a.observer != nil {
		a.observer.Close()
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// newApp wires providers, the race coordinator, the session proxy and the
// HTTP surface from cfg.
func newApp(cfg config.Config, logger *slog.Logger) *app {
	sinks := []metrics.Observer{
		observers.NewLoggerObserver(logging.NewComponentLogger(logger, "metrics")),
		observers.NewLatencyObserver(logging.NewComponentLogger(logger, "latency")),
	}
	var prom *metrics.PrometheusObserver
	if cfg.Observability.MetricsEnabled {
		prom = metrics.NewPrometheusObserver("voxrelay")
		sinks = append(sinks, prom)
	}
	async := metrics.NewAsyncObserver(observers.NewMultiObserver(sinks...), cfg.Observability.MetricsBuffer)
	observer := metrics.NewSamplingObserver(async, cfg.Observability.MetricsSampleRate, metrics.EventAudioChunk)

	httpClient := newHTTPClient(cfg.Provider.HTTPTimeout())
	tokens := murf.NewTokenSource(murf.TokenConfig{
		APIBase: cfg.Provider.APIBase,
		APIKey:  cfg.Provider.APIKey,
	}, httpClient, logging.NewComponentLogger(logger, "murf_token")).WithObserver(observer)

	connector := murf.NewConnector(murf.StreamConfig{
		URL:               cfg.Provider.WSURL,
		APIKey:            cfg.Provider.APIKey,
		TokenHeader:       cfg.Provider.TokenHeader,
		KeepaliveInterval: cfg.Session.KeepaliveInterval(),
		HandshakeTimeout:  cfg.Session.HandshakeTimeout(),
	}, tokens, logging.NewComponentLogger(logger, "murf_stream"))

	rest := murf.NewClient(murf.RESTConfig{
		APIBase:        cfg.Provider.APIBase,
		APIKey:         cfg.Provider.APIKey,
		TTSURL:         cfg.Provider.RESTTTSURL,
		DefaultVoiceID: cfg.Session.DefaultVoiceID,
	}, httpClient)

	breaker := resilience.NewCircuitBreaker(cfg.Resilience.RESTBreakerThreshold, cfg.Resilience.RESTBreakerCooldown())
	coordinator := race.NewCoordinator(race.Config{
		Watchdog:       cfg.Session.Watchdog(),
		DefaultVoiceID: cfg.Session.DefaultVoiceID,
		RESTEnabled:    cfg.Session.RESTFallback,
	}, rest, breaker, logging.NewComponentLogger(logger, "race"), observer)

	registry := proxy.NewRegistry(logging.NewComponentLogger(logger, "sessions"))
	sessions := proxy.NewHandler(proxy.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ClientBuffer:   cfg.Session.ClientBuffer,
	}, proxy.Deps{
		Dialer:      connector,
		Coordinator: coordinator,
		Observer:    observer,
		Reporter:    observers.SentryReporter{},
		Log:         logging.NewComponentLogger(logger, "proxy"),
	}, registry)

	deps := httpapi.Deps{
		Tokens:   tokens,
		Catalog:  rest,
		Synth:    rest,
		Sessions: sessions,
		Log:      logging.NewComponentLogger(logger, "http"),
	}
	if prom != nil {
		deps.Metrics = prom.Handler()
	}
	handler := httpapi.NewRouter(httpapi.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WSPath:         cfg.Server.WSPath,
		MaxUploadMB:    cfg.Dub.MaxUploadMB,
	}, deps)

	return &app{Handler: handler, Sessions: registry, observer: async}
}
