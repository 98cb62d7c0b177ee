package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/protocol"
	"github.com/harunnryd/voxrelay/pkg/race"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	binary  bool
	payload []byte
}

type fakeStream struct {
	sent     chan sentFrame
	closed   chan int
	failSend atomic.Bool
}

func (f *fakeStream) Send(p []byte) error       { return f.write(false, p) }
func (f *fakeStream) SendBinary(p []byte) error { return f.write(true, p) }

func (f *fakeStream) write(binary bool, p []byte) error {
	if f.failSend.Load() {
		return errorsx.New(errorsx.ReasonUpstreamSend, "socket gone")
	}
	f.sent <- sentFrame{binary: binary, payload: p}
	return nil
}

func (f *fakeStream) Close(code int, _ string) error {
	select {
	case f.closed <- code:
	default:
	}
	return nil
}

// fakeDialer opens in-memory streams. With hold set, Dial blocks until
// release is called. With deaf set, it also ignores ctx while held.
type fakeDialer struct {
	hold    chan struct{}
	deaf    bool
	err     error
	opened  chan *fakeStream
	handler chan tts.StreamHandler
	once    sync.Once
}

func newFakeDialer(hold bool) *fakeDialer {
	d := &fakeDialer{
		opened:  make(chan *fakeStream, 4),
		handler: make(chan tts.StreamHandler, 4),
	}
	if hold {
		d.hold = make(chan struct{})
	}
	return d
}

func (d *fakeDialer) release() { d.once.Do(func() { close(d.hold) }) }

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) Dial(ctx context.Context, h tts.StreamHandler) (tts.Stream, error) {
	switch {
	case d.hold != nil && d.deaf:
		<-d.hold
	case d.hold != nil:
		select {
		case <-d.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	st := &fakeStream{sent: make(chan sentFrame, 64), closed: make(chan int, 1)}
	d.handler <- h
	d.opened <- st
	return st, nil
}

func (d *fakeDialer) next(t *testing.T) (*fakeStream, tts.StreamHandler) {
	t.Helper()
	select {
	case st := <-d.opened:
		return st, <-d.handler
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never dialed")
		return nil, nil
	}
}

// fakeSynth answers REST synthesis. Texts listed in gates block until their
// channel is closed. With echo set, the audio is "rest:" plus the text.
type fakeSynth struct {
	result tts.SynthesisResult
	err    error
	audio  []byte
	gates  map[string]chan struct{}
	echo   bool
	calls  atomic.Int32
}

func (f *fakeSynth) Name() string { return "fake" }

func (f *fakeSynth) Synthesize(_ context.Context, req tts.SynthesisRequest) (tts.SynthesisResult, error) {
	f.calls.Add(1)
	if gate, ok := f.gates[req.Text]; ok {
		<-gate
	}
	if f.echo {
		return tts.SynthesisResult{AudioBase64: restAudio(req.Text)}, f.err
	}
	return f.result, f.err
}

func restAudio(text string) string {
	return base64.StdEncoding.EncodeToString([]byte("rest:" + text))
}

// gated returns a gate map for texts and closes any still-open gate when the
// test ends.
func gated(t *testing.T, texts ...string) map[string]chan struct{} {
	t.Helper()
	gates := make(map[string]chan struct{}, len(texts))
	for _, text := range texts {
		gates[text] = make(chan struct{})
	}
	t.Cleanup(func() {
		for _, g := range gates {
			select {
			case <-g:
			default:
				close(g)
			}
		}
	})
	return gates
}

func (f *fakeSynth) Download(context.Context, string) ([]byte, error) {
	return f.audio, nil
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(err error, _ map[string]string) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type harness struct {
	srv      *httptest.Server
	handler  *Handler
	observer *metrics.MemoryObserver
	reporter *recordingReporter
}

func newHarness(t *testing.T, dialer tts.StreamDialer, synth tts.Synthesizer, origins ...string) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	obs := metrics.NewMemoryObserver()
	coord := race.NewCoordinator(race.Config{RESTEnabled: synth != nil, Watchdog: time.Minute}, synth, nil, log, obs)
	rep := &recordingReporter{}
	h := NewHandler(Config{AllowedOrigins: origins}, Deps{
		Dialer:      dialer,
		Coordinator: coord,
		Observer:    obs,
		Reporter:    rep,
		Log:         log,
	}, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, handler: h, observer: obs, reporter: rep}
}

func (h *harness) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.ServerEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev protocol.ServerEvent
	require.NoError(t, json.Unmarshal(data, &ev), string(data))
	return ev
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close, got %v", err)
	assert.Equal(t, code, ce.Code)
}

func drainSent(t *testing.T, st *fakeStream, n int) []sentFrame {
	t.Helper()
	out := make([]sentFrame, 0, n)
	for len(out) < n {
		select {
		case f := <-st.sent:
			out = append(out, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d upstream frames, want %d", len(out), n)
		}
	}
	return out
}

func assertNoSent(t *testing.T, st *fakeStream) {
	t.Helper()
	select {
	case f := <-st.sent:
		t.Fatalf("unexpected upstream frame %s", f.payload)
	case <-time.After(50 * time.Millisecond):
	}
}

// open connects a client and waits for the upstream connected status.
func open(t *testing.T, h *harness, d *fakeDialer) (*websocket.Conn, *fakeStream, tts.StreamHandler) {
	t.Helper()
	conn := h.connect(t)
	st, handler := d.next(t)
	ev := readEvent(t, conn)
	require.Equal(t, protocol.Status(protocol.MsgConnected), ev)
	return conn, st, handler
}

func TestQueuedVoiceConfigIsFannedOutOnOpen(t *testing.T) {
	d := newFakeDialer(true)
	h := newHarness(t, d, nil)
	conn := h.connect(t)

	sendJSON(t, conn, map[string]any{
		"type":         "voice_config",
		"voice_config": map[string]any{"language": "hi-IN", "voiceId": "hi-IN-rahul"},
	})
	assert.Equal(t, protocol.Error(protocol.MsgUpstreamNotOpen, ""), readEvent(t, conn))

	d.release()
	st, _ := d.next(t)
	frames := drainSent(t, st, 3)
	for _, f := range frames {
		assert.False(t, f.binary)
		assert.Contains(t, string(f.payload), "hi-IN-rahul")
	}
	assert.Equal(t, protocol.Status(protocol.MsgConnected), readEvent(t, conn))
	assertNoSent(t, st)
	assert.Len(t, h.observer.Named(metrics.EventClientQueued), 1)
}

func TestQueuedFramesKeepOrder(t *testing.T) {
	d := newFakeDialer(true)
	h := newHarness(t, d, nil)
	conn := h.connect(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("first")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"custom","n":3}`)))
	for i := 0; i < 3; i++ {
		assert.Equal(t, protocol.MsgUpstreamNotOpen, readEvent(t, conn).Message)
	}

	d.release()
	st, _ := d.next(t)
	frames := drainSent(t, st, 3)
	assert.Equal(t, sentFrame{payload: []byte("first")}, frames[0])
	assert.Equal(t, sentFrame{binary: true, payload: []byte{1, 2}}, frames[1])
	assert.Equal(t, `{"type":"custom","n":3}`, string(frames[2].payload))
}

func TestWhitespaceTextIsRejected(t *testing.T) {
	d := newFakeDialer(false)
	synth := &fakeSynth{result: tts.SynthesisResult{AudioBase64: "QQ=="}}
	h := newHarness(t, d, synth)
	conn, st, _ := open(t, h, d)

	sendJSON(t, conn, map[string]any{"type": "text", "input": "  "})
	assert.Equal(t, protocol.Error(protocol.MsgEmptyText, ""), readEvent(t, conn))
	assertNoSent(t, st)
	assert.Zero(t, synth.calls.Load())
	assert.Empty(t, h.observer.Named(metrics.EventSpeakRequest))
}

func TestSpeakFansOutFourVariants(t *testing.T) {
	d := newFakeDialer(false)
	h := newHarness(t, d, nil)
	conn, st, _ := open(t, h, d)

	sendJSON(t, conn, map[string]any{"type": "speak", "text": " hello "})
	frames := drainSent(t, st, 4)
	for _, f := range frames {
		assert.Contains(t, string(f.payload), `"hello"`)
	}
	assertNoSent(t, st)
}

func TestRESTWinnerDropsLaterStreamAudio(t *testing.T) {
	d := newFakeDialer(false)
	synth := &fakeSynth{
		result: tts.SynthesisResult{AudioURL: "https://x/y.mp3"},
		audio:  []byte("mp3-bytes"),
	}
	h := newHarness(t, d, synth)
	conn, st, upstream := open(t, h, d)

	sendJSON(t, conn, map[string]any{"type": "text", "input": "hi"})
	drainSent(t, st, 4)

	ev := readEvent(t, conn)
	assert.Equal(t, protocol.Audio(base64.StdEncoding.EncodeToString([]byte("mp3-bytes"))), ev)

	upstream.OnAudio([]byte("late"))
	sendJSON(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, protocol.Status(protocol.MsgPong), readEvent(t, conn))

	won := h.observer.Named(metrics.EventRaceWon)
	require.Len(t, won, 1)
	assert.Equal(t, string(race.SourceREST), won[0].Tags["source"])
	assert.Len(t, h.observer.Named(metrics.EventAudioDropped), 1)
}

func TestStreamWinnerDropsLaterRESTAudio(t *testing.T) {
	d := newFakeDialer(false)
	synth := &fakeSynth{echo: true, gates: gated(t, "hi")}
	h := newHarness(t, d, synth)
	conn, st, upstream := open(t, h, d)

	sendJSON(t, conn, map[string]any{"type": "text", "input": "hi"})
	drainSent(t, st, 4)
	require.Eventually(t, func() bool { return synth.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	upstream.OnAudio([]byte("stream"))
	assert.Equal(t, protocol.Audio(base64.StdEncoding.EncodeToString([]byte("stream"))), readEvent(t, conn))

	close(synth.gates["hi"])
	require.Eventually(t, func() bool {
		return len(h.observer.Named(metrics.EventAudioDropped)) == 1
	}, time.Second, 5*time.Millisecond)

	sendJSON(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, protocol.Status(protocol.MsgPong), readEvent(t, conn))

	dropped := h.observer.Named(metrics.EventAudioDropped)
	assert.Equal(t, string(race.SourceREST), dropped[0].Tags["source"])
	won := h.observer.Named(metrics.EventRaceWon)
	require.Len(t, won, 1)
	assert.Equal(t, string(race.SourceStream), won[0].Tags["source"])
}

func TestSupersededRESTResultIsDropped(t *testing.T) {
	d := newFakeDialer(false)
	synth := &fakeSynth{echo: true, gates: gated(t, "first", "second")}
	h := newHarness(t, d, synth)
	conn, st, _ := open(t, h, d)

	sendJSON(t, conn, map[string]any{"type": "text", "input": "first"})
	drainSent(t, st, 4)
	sendJSON(t, conn, map[string]any{"type": "text", "input": "second"})
	drainSent(t, st, 4)
	require.Eventually(t, func() bool { return synth.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	close(synth.gates["first"])
	require.Eventually(t, func() bool {
		return len(h.observer.Named(metrics.EventAudioDropped)) == 1
	}, time.Second, 5*time.Millisecond)

	sendJSON(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, protocol.Status(protocol.MsgPong), readEvent(t, conn))

	dropped := h.observer.Named(metrics.EventAudioDropped)
	assert.Equal(t, string(race.SourceREST), dropped[0].Tags["source"])
	assert.True(t, strings.HasSuffix(dropped[0].Tags["race_id"], "-1"), dropped[0].Tags["race_id"])
	assert.Empty(t, h.observer.Named(metrics.EventRaceWon))
}

func TestStreamWinnerKeepsStreaming(t *testing.T) {
	d := newFakeDialer(false)
	h := newHarness(t, d, nil)
	conn, st, upstream := open(t, h, d)

	sendJSON(t, conn, map[string]any{"type": "text", "text": "hi"})
	drainSent(t, st, 4)

	upstream.OnAudio([]byte{0xff, 0xfb})
	upstream.OnText([]byte(`{"type":"audio","audio":"QUJD","final":true}`))
	upstream.OnText([]byte(`{"type":"metadata","words":2}`))
	upstream.OnText([]byte(`not json`))

	assert.Equal(t, protocol.Audio(base64.StdEncoding.EncodeToString([]byte{0xff, 0xfb})), readEvent(t, conn))
	final := protocol.Audio("QUJD")
	final.Final = true
	assert.Equal(t, final, readEvent(t, conn))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"metadata","words":2}`, string(raw))

	sendJSON(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, protocol.Status(protocol.MsgPong), readEvent(t, conn))
}

func TestUpstreamPolicyCloseIsRelayed(t *testing.T) {
	d := newFakeDialer(false)
	h := newHarness(t, d, nil)
	conn, _, upstream := open(t, h, d)

	upstream.OnClose(websocket.ClosePolicyViolation, "bad key")
	assert.Equal(t, protocol.Close(websocket.ClosePolicyViolation, "bad key"), readEvent(t, conn))
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestUpstreamErrorClosesClient(t *testing.T) {
	d := newFakeDialer(false)
	h := newHarness(t, d, nil)
	conn, _, upstream := open(t, h, d)

	upstream.OnError(errorsx.New(errorsx.ReasonUpstreamRead, "connection reset"))
	ev := readEvent(t, conn)
	assert.Equal(t, protocol.MsgUpstreamError, ev.Message)
	expectClose(t, conn, websocket.CloseInternalServerErr)
	require.Eventually(t, func() bool { return h.reporter.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDialFailureClosesClient(t *testing.T) {
	d := newFakeDialer(false)
	d.err = errorsx.New(errorsx.ReasonUpstreamConnect, "dial refused")
	h := newHarness(t, d, nil)
	conn := h.connect(t)

	ev := readEvent(t, conn)
	assert.Equal(t, protocol.MsgProxyInitFailed, ev.Message)
	assert.Contains(t, ev.Detail, "dial refused")
	expectClose(t, conn, websocket.CloseInternalServerErr)
}

func TestClientCloseClosesUpstream(t *testing.T) {
	d := newFakeDialer(false)
	h := newHarness(t, d, nil)
	conn, st, _ := open(t, h, d)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	select {
	case code := <-st.closed:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream not closed")
	}
	require.Eventually(t, func() bool { return h.handler.Registry().Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLateUpstreamIsClosedAfterSessionEnds(t *testing.T) {
	for i := 0; i < 10; i++ {
		d := newFakeDialer(true)
		d.deaf = true
		h := newHarness(t, d, nil)
		conn := h.connect(t)
		require.Eventually(t, func() bool { return h.handler.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
		require.Eventually(t, func() bool { return h.handler.Registry().Len() == 0 }, time.Second, 5*time.Millisecond)

		d.release()
		st, _ := d.next(t)
		select {
		case code := <-st.closed:
			assert.Equal(t, websocket.CloseNormalClosure, code)
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: upstream opened after session end was never closed", i)
		}
	}
}

func TestSendFailuresAreNotTerminal(t *testing.T) {
	d := newFakeDialer(false)
	h := newHarness(t, d, nil)
	conn, st, _ := open(t, h, d)

	st.failSend.Store(true)
	sendJSON(t, conn, map[string]any{"type": "text", "input": "hi"})
	sendJSON(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, protocol.Status(protocol.MsgPong), readEvent(t, conn))
	assert.Len(t, h.observer.Named(metrics.EventVariantFailed), 4)
}

func TestInvalidVoiceConfigIsReported(t *testing.T) {
	d := newFakeDialer(false)
	h := newHarness(t, d, nil)
	conn, st, _ := open(t, h, d)

	sendJSON(t, conn, map[string]any{
		"type":         "voice_config",
		"voice_config": map[string]any{"sampleRate": "fast"},
	})
	assert.Equal(t, protocol.MsgInvalidVoiceConfig, readEvent(t, conn).Message)
	assertNoSent(t, st)
}

func TestOriginPolicy(t *testing.T) {
	p := NewOriginPolicy([]string{"https://app.example.com/", "studio.example.com"})
	assert.True(t, p.Allow(""))
	assert.True(t, p.Allow("https://app.example.com"))
	assert.True(t, p.Allow("HTTPS://APP.EXAMPLE.COM/"))
	assert.False(t, p.Allow("http://app.example.com"))
	assert.True(t, p.Allow("http://studio.example.com"))
	assert.False(t, p.Allow("https://evil.example.com"))

	assert.True(t, NewOriginPolicy(nil).Allow("https://anything"))
	assert.True(t, NewOriginPolicy([]string{"*"}).Allow("https://anything"))
}

func TestRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, newFakeDialer(false), nil, "https://app.example.com")
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDrainClosesSessionsAndRefusesNew(t *testing.T) {
	d := newFakeDialer(false)
	h := newHarness(t, d, nil)
	conn, st, _ := open(t, h, d)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.handler.Registry().Drain(ctx))
	expectClose(t, conn, websocket.CloseGoingAway)
	assert.Equal(t, websocket.CloseNormalClosure, <-st.closed)

	resp, err := http.Get(h.srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
