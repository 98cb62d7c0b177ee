// Package httpapi serves the HTTP surface around the session proxy: health,
// token diagnostics, voice listings, one-shot dubbing and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/providers/murf"
	"github.com/harunnryd/voxrelay/pkg/proxy"
)

type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Cached() (murf.Credential, bool)
}

// VoiceCatalog returns the provider's voice list as raw JSON with the
// provider's status code.
type VoiceCatalog interface {
	Voices(ctx context.Context) (int, []byte, error)
}

type RouterConfig struct {
	AllowedOrigins []string
	WSPath         string
	MaxUploadMB    int
}

type Deps struct {
	Tokens   TokenSource
	Catalog  VoiceCatalog
	Synth    tts.Synthesizer
	Sessions http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Log     *slog.Logger
}

type Router struct {
	cfg  RouterConfig
	deps Deps
	log  *slog.Logger
}

func NewRouter(cfg RouterConfig, deps Deps) http.Handler {
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws/tts"
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 50
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	rt := &Router{cfg: cfg, deps: deps, log: log}

	origins := proxy.NewOriginPolicy(cfg.AllowedOrigins)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.accessLog)
	r.Use(withSentryRecovery)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  func(_ *http.Request, origin string) bool { return origins.Allow(origin) },
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", rt.handleHealth)
	if deps.Sessions != nil {
		r.Get(cfg.WSPath, deps.Sessions.ServeHTTP)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/token/debug", rt.handleTokenDebug)
		r.Get("/voices", rt.handleVoices)
		r.Get("/voices/presets", rt.handlePresets)
		r.Get("/dub", rt.handleDubInfo)
		r.Post("/dub", rt.handleDub)
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	return r
}

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, req)
		rt.log.Info("http_request",
			slog.String("request_id", middleware.GetReqID(req.Context())),
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, detail any) {
	body := map[string]any{"error": msg}
	if detail != nil {
		body["detail"] = detail
	}
	writeJSON(w, status, body)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				writeError(w, http.StatusInternalServerError, "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context.
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
