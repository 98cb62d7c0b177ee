// Package proxy bridges browser WebSocket sessions to the provider's
// streaming endpoint, racing each speech request against the REST API.
package proxy

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/race"
)

// ErrorReporter forwards terminal session failures to an error tracker.
type ErrorReporter interface {
	Report(err error, tags map[string]string)
}

type Config struct {
	AllowedOrigins []string
	// ClientBuffer bounds queued outbound browser frames.
	ClientBuffer int
	// MaxQueue bounds client frames held while the provider connects.
	MaxQueue  int
	ReadLimit int64
}

func (c Config) withDefaults() Config {
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = 256
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 1024
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

type Deps struct {
	Dialer      tts.StreamDialer
	Coordinator *race.Coordinator
	Observer    metrics.Observer
	Reporter    ErrorReporter
	Log         *slog.Logger
}

// Handler upgrades browser connections and runs one Session per socket.
type Handler struct {
	cfg      Config
	deps     Deps
	origins  OriginPolicy
	upgrader websocket.Upgrader
	registry *Registry
}

func NewHandler(cfg Config, deps Deps, registry *Registry) *Handler {
	cfg = cfg.withDefaults()
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if registry == nil {
		registry = NewRegistry(deps.Log)
	}
	h := &Handler{
		cfg:      cfg,
		deps:     deps,
		origins:  NewOriginPolicy(cfg.AllowedOrigins),
		registry: registry,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.origins.CheckRequest,
	}
	return h
}

func (h *Handler) Registry() *Registry { return h.registry }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.registry.Draining() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if !h.origins.CheckRequest(r) {
		h.deps.Log.Warn("ws_origin_rejected", slog.String("origin", r.Header.Get("Origin")))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Log.Warn("ws_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	s := newSession(uuid.NewString(), conn, h.cfg, h.deps)
	if !h.registry.add(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reasonShuttingDown), deadlineSoon())
		_ = conn.Close()
		return
	}
	defer h.registry.remove(s)
	s.Run(r.Context())
}
