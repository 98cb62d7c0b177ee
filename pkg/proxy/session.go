package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/protocol"
	"github.com/harunnryd/voxrelay/pkg/race"
	"github.com/harunnryd/voxrelay/pkg/redact"
)

// Close reasons sent to the provider and the browser.
const (
	reasonClientDisconnected = "client disconnected"
	reasonClientError        = "client error"
	reasonUpstreamClosed     = "upstream closed"
	reasonUpstreamError      = "upstream error"
	reasonProxyInitFailed    = "proxy init failed"
	reasonShuttingDown       = "server shutting down"
)

type sessionEvent interface{ isSessionEvent() }

type (
	clientFrameEvent struct {
		messageType int
		data        []byte
	}
	clientGoneEvent     struct{ err error }
	upstreamOpenEvent   struct{ stream tts.Stream }
	dialFailedEvent     struct{ err error }
	upstreamAudioEvent  struct{ data []byte }
	upstreamTextEvent   struct{ data []byte }
	upstreamClosedEvent struct {
		code   int
		reason string
	}
	upstreamErrorEvent struct{ err error }
	restResultEvent    struct{ result race.Result }
	shutdownEvent      struct{}
)

func (clientFrameEvent) isSessionEvent()    {}
func (clientGoneEvent) isSessionEvent()     {}
func (upstreamOpenEvent) isSessionEvent()   {}
func (dialFailedEvent) isSessionEvent()     {}
func (upstreamAudioEvent) isSessionEvent()  {}
func (upstreamTextEvent) isSessionEvent()   {}
func (upstreamClosedEvent) isSessionEvent() {}
func (upstreamErrorEvent) isSessionEvent()  {}
func (restResultEvent) isSessionEvent()     {}
func (shutdownEvent) isSessionEvent()       {}

// ending records how the session terminates. A zero upstreamCode means the
// upstream socket is already gone.
type ending struct {
	clientCode     int
	clientReason   string
	clientGone     bool
	upstreamCode   int
	upstreamReason string
}

// Session pairs one browser socket with one provider stream. All session
// state is owned by the goroutine running Run; other goroutines only post
// events.
type Session struct {
	id     string
	cfg    Config
	deps   Deps
	log    *slog.Logger
	conn   *websocket.Conn
	client *clientWriter

	events   chan sessionEvent
	done     chan struct{}
	released chan struct{}
	postMu   sync.RWMutex
	sealed   bool

	upstream     tts.Stream
	upstreamOpen bool
	opens        int
	queue        []clientFrameEvent
	lastConfig   *protocol.VoiceConfig
	voice        protocol.VoiceConfig
	current      *race.Race
	seq          uint64
	watchdog     *time.Timer
	end          *ending
}

func newSession(id string, conn *websocket.Conn, cfg Config, deps Deps) *Session {
	log := logging.NewSessionLogger(deps.Log, id)
	return &Session{
		id:       id,
		cfg:      cfg,
		deps:     deps,
		log:      log,
		conn:     conn,
		client:   newClientWriter(conn, cfg.ClientBuffer, log),
		events:   make(chan sessionEvent, 64),
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Shutdown asks the session to close both sockets. It does not wait.
func (s *Session) Shutdown() {
	s.post(shutdownEvent{})
}

// Done is closed once the session has released both sockets.
func (s *Session) Done() <-chan struct{} { return s.released }

// post hands ev to the event loop. It reports false once the loop has
// exited; events accepted before that are drained by cleanup.
func (s *Session) post(ev sessionEvent) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.sealed {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// seal stops further posts and waits for in-flight ones. Call after done is
// closed so blocked senders can give up.
func (s *Session) seal() {
	s.postMu.Lock()
	s.sealed = true
	s.postMu.Unlock()
}

// drainLeftovers releases resources carried by events the loop never saw.
func (s *Session) drainLeftovers() {
	for {
		select {
		case ev := <-s.events:
			if e, ok := ev.(upstreamOpenEvent); ok {
				s.log.Debug("upstream_open_after_session_end")
				_ = e.stream.Close(websocket.CloseNormalClosure, reasonClientDisconnected)
			}
		default:
			return
		}
	}
}

// Run serves the session until either side ends it.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	s.record(metrics.EventSessionOpen, 1, nil)
	s.log.Info("session_open")

	go s.client.loop()
	go s.readClient()
	go s.dial(ctx)

	for s.end == nil {
		select {
		case ev := <-s.events:
			s.handle(ctx, ev)
		case <-ctx.Done():
			s.finish(ending{
				clientCode:     websocket.CloseGoingAway,
				clientReason:   reasonShuttingDown,
				upstreamCode:   websocket.CloseNormalClosure,
				upstreamReason: reasonShuttingDown,
			})
		}
	}

	cancel()
	s.cleanup()
	s.record(metrics.EventSessionClose, float64(time.Since(started).Milliseconds()), nil)
	s.log.Info("session_close",
		slog.Int("client_code", s.end.clientCode),
		slog.String("client_reason", s.end.clientReason),
		slog.Duration("duration", time.Since(started)))
	close(s.released)
}

func (s *Session) readClient() {
	if s.cfg.ReadLimit > 0 {
		s.conn.SetReadLimit(s.cfg.ReadLimit)
	}
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.post(clientGoneEvent{err: err})
			return
		}
		if !s.post(clientFrameEvent{messageType: mt, data: data}) {
			return
		}
	}
}

func (s *Session) dial(ctx context.Context) {
	stream, err := s.deps.Dialer.Dial(ctx, streamHandler{s})
	if err != nil {
		s.post(dialFailedEvent{err: err})
		return
	}
	if !s.post(upstreamOpenEvent{stream: stream}) {
		_ = stream.Close(websocket.CloseNormalClosure, reasonClientDisconnected)
	}
}

func (s *Session) handle(ctx context.Context, ev sessionEvent) {
	switch e := ev.(type) {
	case clientFrameEvent:
		s.onClientFrame(ctx, e)
	case clientGoneEvent:
		s.onClientGone(e.err)
	case upstreamOpenEvent:
		s.onUpstreamOpen(ctx, e.stream)
	case dialFailedEvent:
		s.onDialFailed(e.err)
	case upstreamAudioEvent:
		s.deliverStream(base64.StdEncoding.EncodeToString(e.data), false)
	case upstreamTextEvent:
		s.onUpstreamText(e.data)
	case upstreamClosedEvent:
		s.onUpstreamClosed(e.code, e.reason)
	case upstreamErrorEvent:
		s.onUpstreamError(e.err)
	case restResultEvent:
		s.onRESTResult(e.result)
	case shutdownEvent:
		s.finish(ending{
			clientCode:     websocket.CloseGoingAway,
			clientReason:   reasonShuttingDown,
			upstreamCode:   websocket.CloseNormalClosure,
			upstreamReason: reasonShuttingDown,
		})
	}
}

func (s *Session) onClientFrame(ctx context.Context, f clientFrameEvent) {
	if s.upstreamOpen {
		s.translate(ctx, f)
		return
	}
	if s.cfg.MaxQueue > 0 && len(s.queue) >= s.cfg.MaxQueue {
		s.log.Warn("client_queue_full", slog.Int("limit", s.cfg.MaxQueue))
	} else {
		s.queue = append(s.queue, f)
		s.record(metrics.EventClientQueued, 1, nil)
	}
	s.client.sendEvent(protocol.Error(protocol.MsgUpstreamNotOpen, ""))
}

// translate turns one client frame into zero or more provider frames.
func (s *Session) translate(ctx context.Context, f clientFrameEvent) {
	if f.messageType == websocket.BinaryMessage {
		s.sendUpstream("binary", f.data, true)
		return
	}
	msg, ok := protocol.ParseClientMessage(f.data)
	if !ok {
		s.sendUpstream("raw", f.data, false)
		return
	}
	switch {
	case msg.IsSpeech():
		s.speak(ctx, msg)
	case msg.Type == protocol.TypeVoiceConfig:
		s.applyVoiceConfig(msg)
	case msg.Type == protocol.TypePing:
		s.client.sendEvent(protocol.Status(protocol.MsgPong))
	default:
		s.sendUpstream("passthrough", f.data, false)
	}
}

func (s *Session) applyVoiceConfig(msg protocol.ClientMessage) {
	fields := msg.VoiceConfigFields()
	cfg, err := protocol.DecodeVoiceConfig(fields)
	if err != nil {
		s.log.Warn("voice_config_rejected", slog.String("error", err.Error()))
		s.client.sendEvent(protocol.Error(protocol.MsgInvalidVoiceConfig, err.Error()))
		return
	}
	if unknown := protocol.UnknownVoiceKeys(fields); len(unknown) > 0 {
		s.log.Debug("voice_config_unknown_keys", slog.Any("keys", unknown))
	}
	if cfg.Format != "" && !cfg.Format.Known() {
		s.log.Debug("voice_config_unknown_format", slog.String("format", string(cfg.Format)))
	}
	s.lastConfig = &cfg
	s.voice = cfg
	s.sendVariants(protocol.ConfigVariants(cfg))
}

func (s *Session) speak(ctx context.Context, msg protocol.ClientMessage) {
	text, ok := msg.SpeakText()
	if !ok {
		s.client.sendEvent(protocol.Error(protocol.MsgEmptyText, ""))
		return
	}
	s.sendVariants(protocol.SpeakVariants(text))

	s.seq++
	r := s.deps.Coordinator.Begin(s.id, s.seq, text, s.voice)
	s.current = r
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.watchdog = s.deps.Coordinator.Watch(r)
	// REST outlives the session context so an in-flight request is never
	// cancelled by the stream winning.
	s.deps.Coordinator.RunREST(context.WithoutCancel(ctx), r, func(res race.Result) {
		s.post(restResultEvent{result: res})
	})
}

func (s *Session) sendVariants(variants []protocol.Variant) {
	for _, v := range variants {
		s.sendUpstream(v.Name, v.Payload, false)
	}
}

// sendUpstream logs and records send failures. They are never terminal on
// their own; a dead socket reports through the read side.
func (s *Session) sendUpstream(kind string, payload []byte, binary bool) {
	if s.upstream == nil {
		return
	}
	var err error
	if binary {
		err = s.upstream.SendBinary(payload)
	} else {
		err = s.upstream.Send(payload)
	}
	if err != nil {
		s.record(metrics.EventVariantFailed, 1, map[string]string{"kind": kind})
		s.log.Warn("upstream_send_failed",
			slog.String("kind", kind),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", redact.Text(err.Error())))
	}
}

func (s *Session) onUpstreamOpen(ctx context.Context, stream tts.Stream) {
	s.upstream = stream
	s.upstreamOpen = true
	s.opens++
	s.record(metrics.EventUpstreamOpen, 1, nil)
	s.log.Info("upstream_open", slog.Int("opens", s.opens), slog.Int("queued", len(s.queue)))

	queued := s.queue
	s.queue = nil
	for _, f := range queued {
		s.translate(ctx, f)
	}
	// Each session dials once, so this only matters if reconnection is added.
	if s.opens > 1 && s.lastConfig != nil {
		s.sendVariants(protocol.ConfigVariants(*s.lastConfig))
	}
	s.client.sendEvent(protocol.Status(protocol.MsgConnected))
}

func (s *Session) onDialFailed(err error) {
	s.record(metrics.EventUpstreamError, 1, map[string]string{"reason_code": string(errorsx.Reason(err))})
	s.log.Error("upstream_dial_failed",
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", redact.Text(err.Error())))
	s.report(err, "dial")
	s.client.sendEvent(protocol.Error(protocol.MsgProxyInitFailed, redact.Text(err.Error())))
	s.finish(ending{clientCode: websocket.CloseInternalServerErr, clientReason: reasonProxyInitFailed})
}

func (s *Session) onUpstreamText(raw []byte) {
	frame := protocol.ClassifyUpstreamText(raw)
	switch frame.Kind {
	case protocol.UpstreamAudio:
		s.deliverStream(frame.Audio, frame.Final)
	case protocol.UpstreamPassThrough:
		s.client.sendText(frame.Raw)
	default:
		s.log.Debug("upstream_frame_dropped", slog.Int("bytes", len(raw)))
	}
}

// deliverStream forwards stream audio subject to the current race. Audio
// arriving before any request is forwarded as-is.
func (s *Session) deliverStream(b64 string, final bool) {
	if s.current != nil && !s.deps.Coordinator.Admit(s.current, race.SourceStream) {
		return
	}
	ev := protocol.Audio(b64)
	ev.Final = final
	s.client.sendEvent(ev)
}

func (s *Session) onRESTResult(res race.Result) {
	if res.Race != s.current {
		s.record(metrics.EventAudioDropped, 1, map[string]string{"source": string(race.SourceREST), "race_id": res.Race.ID})
		s.log.Debug("rest_result_stale", slog.String("race_id", res.Race.ID))
		return
	}
	if !s.deps.Coordinator.Admit(res.Race, race.SourceREST) {
		return
	}
	s.client.sendEvent(protocol.Audio(res.AudioBase64))
}

func (s *Session) onUpstreamClosed(code int, reason string) {
	s.upstreamOpen = false
	s.record(metrics.EventUpstreamClose, 1, map[string]string{"code": closeCodeTag(code)})
	s.log.Info("upstream_closed", slog.Int("code", code), slog.String("reason", reason))
	s.client.sendEvent(protocol.Close(code, reason))
	s.finish(ending{clientCode: websocket.CloseNormalClosure, clientReason: reasonUpstreamClosed})
}

func (s *Session) onUpstreamError(err error) {
	s.upstreamOpen = false
	s.record(metrics.EventUpstreamError, 1, map[string]string{"reason_code": string(errorsx.Reason(err))})
	s.log.Error("upstream_error",
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", redact.Text(err.Error())))
	if errorsx.IsTerminal(err) {
		s.report(err, "upstream")
	}
	s.client.sendEvent(protocol.Error(protocol.MsgUpstreamError, redact.Text(err.Error())))
	s.finish(ending{clientCode: websocket.CloseInternalServerErr, clientReason: reasonUpstreamError})
}

func (s *Session) onClientGone(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		s.log.Info("client_closed", slog.Int("code", ce.Code))
		s.finish(ending{
			clientCode:     websocket.CloseNormalClosure,
			clientGone:     true,
			upstreamCode:   websocket.CloseNormalClosure,
			upstreamReason: reasonClientDisconnected,
		})
		return
	}
	s.log.Warn("client_error", slog.String("error", err.Error()))
	s.finish(ending{
		clientCode:     websocket.CloseInternalServerErr,
		clientGone:     true,
		upstreamCode:   websocket.CloseInternalServerErr,
		upstreamReason: reasonClientError,
	})
}

func (s *Session) finish(e ending) {
	if s.end != nil {
		return
	}
	s.end = &e
}

func (s *Session) cleanup() {
	close(s.done)
	s.seal()
	s.drainLeftovers()
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	if s.upstream != nil && s.upstreamOpen {
		code, reason := s.end.upstreamCode, s.end.upstreamReason
		if code == 0 {
			code, reason = websocket.CloseNormalClosure, reasonClientDisconnected
		}
		if err := s.upstream.Close(code, reason); err != nil {
			s.log.Debug("upstream_close_failed", slog.String("error", err.Error()))
		}
		s.upstreamOpen = false
	}
	if s.end.clientGone {
		s.client.abandon()
	} else {
		s.client.close(s.end.clientCode, s.end.clientReason, time.Second)
	}
	_ = s.conn.Close()
}

func (s *Session) record(name string, value float64, tags map[string]string) {
	if tags == nil {
		tags = map[string]string{}
	}
	tags["session_id"] = s.id
	metrics.Record(s.deps.Observer, name, value, tags)
}

func (s *Session) report(err error, stage string) {
	if s.deps.Reporter == nil {
		return
	}
	s.deps.Reporter.Report(err, map[string]string{
		"session_id":  s.id,
		"stage":       stage,
		"reason_code": string(errorsx.Reason(err)),
	})
}

func closeCodeTag(code int) string {
	switch code {
	case websocket.CloseNormalClosure:
		return "1000"
	case websocket.ClosePolicyViolation:
		return "1008"
	case websocket.CloseInternalServerErr:
		return "1011"
	default:
		return "other"
	}
}

// streamHandler adapts provider callbacks into session events.
type streamHandler struct{ s *Session }

func (h streamHandler) OnAudio(data []byte) {
	h.s.post(upstreamAudioEvent{data: data})
}

func (h streamHandler) OnText(data []byte) {
	h.s.post(upstreamTextEvent{data: data})
}

func (h streamHandler) OnClose(code int, reason string) {
	h.s.post(upstreamClosedEvent{code: code, reason: reason})
}

func (h streamHandler) OnError(err error) {
	h.s.post(upstreamErrorEvent{err: err})
}
