package murf

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedClose struct {
	code   int
	reason string
}

type recordingHandler struct {
	audio  chan []byte
	text   chan []byte
	closed chan recordedClose
	errs   chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		audio:  make(chan []byte, 8),
		text:   make(chan []byte, 8),
		closed: make(chan recordedClose, 1),
		errs:   make(chan error, 1),
	}
}

func (h *recordingHandler) OnAudio(b []byte)                { h.audio <- b }
func (h *recordingHandler) OnText(b []byte)                 { h.text <- b }
func (h *recordingHandler) OnClose(code int, reason string) { h.closed <- recordedClose{code, reason} }
func (h *recordingHandler) OnError(err error)               { h.errs <- err }

type staticBearer struct {
	token string
	err   error
}

func (b staticBearer) Token(context.Context) (string, error) { return b.token, b.err }

// fakeMurf upgrades the stream endpoint and hands the server side of the
// socket to script.
func fakeMurf(t *testing.T, script func(r *http.Request, conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(r, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/speech/stream-input"
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestConnectorHandshakeAndFrames(t *testing.T) {
	type seen struct {
		apiKey string
		bearer string
		hello  map[string]any
	}
	seenCh := make(chan seen, 1)
	url := fakeMurf(t, func(r *http.Request, conn *websocket.Conn) {
		hello := readJSON(t, conn)
		seenCh <- seen{apiKey: r.URL.Query().Get("api_key"), bearer: r.Header.Get("murf-api-token"), hello: hello}
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","ok":true}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad key"))
		_, _, _ = conn.ReadMessage()
	})

	h := newRecordingHandler()
	c := NewConnector(StreamConfig{URL: url, APIKey: "key-1"}, staticBearer{token: "bearer-1"}, nil)
	stream, err := c.Dial(context.Background(), h)
	require.NoError(t, err)

	got := receive(t, seenCh)
	assert.Equal(t, "key-1", got.apiKey)
	assert.Equal(t, "bearer-1", got.bearer)
	assert.Equal(t, map[string]any{"type": "hello", "api_key": "key-1"}, got.hello)

	assert.Equal(t, []byte{0x01, 0x02}, receive(t, h.audio))
	assert.JSONEq(t, `{"type":"status","ok":true}`, string(receive(t, h.text)))
	assert.Equal(t, recordedClose{code: websocket.ClosePolicyViolation, reason: "bad key"}, receive(t, h.closed))

	s := stream.(*Stream)
	assert.Equal(t, StateClosed, s.State())
	err = s.Send([]byte("late"))
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonUpstreamSend))
}

func TestConnectorProceedsWithoutBearer(t *testing.T) {
	headerCh := make(chan string, 1)
	url := fakeMurf(t, func(r *http.Request, conn *websocket.Conn) {
		headerCh <- r.Header.Get("murf-api-token")
		_, _, _ = conn.ReadMessage()
		_, _, _ = conn.ReadMessage()
	})

	c := NewConnector(StreamConfig{URL: url, APIKey: "key-1"}, staticBearer{err: errorsx.New(errorsx.ReasonAuthFetch, "down")}, nil)
	stream, err := c.Dial(context.Background(), newRecordingHandler())
	require.NoError(t, err)
	assert.Equal(t, "", receive(t, headerCh))
	require.NoError(t, stream.Close(websocket.CloseNormalClosure, "client disconnected"))
}

func TestStreamForwardsClientFrames(t *testing.T) {
	frames := make(chan string, 4)
	url := fakeMurf(t, func(r *http.Request, conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					frames <- "close:" + ce.Text
				}
				return
			}
			frames <- string(data)
		}
	})

	h := newRecordingHandler()
	stream, err := NewConnector(StreamConfig{URL: url, APIKey: "k"}, nil, nil).Dial(context.Background(), h)
	require.NoError(t, err)

	assert.Contains(t, receive(t, frames), `"hello"`)
	require.NoError(t, stream.Send([]byte(`{"type":"speak","text":"hi"}`)))
	assert.Equal(t, `{"type":"speak","text":"hi"}`, receive(t, frames))
	require.NoError(t, stream.Close(websocket.CloseNormalClosure, "client disconnected"))
	assert.Equal(t, "close:client disconnected", receive(t, frames))

	// A locally initiated close does not call back into the handler.
	select {
	case <-h.closed:
		t.Fatalf("unexpected close callback")
	case err := <-h.errs:
		t.Fatalf("unexpected error callback: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, stream.Close(websocket.CloseNormalClosure, "again"))
}

func TestStreamKeepalivePings(t *testing.T) {
	pings := make(chan struct{}, 4)
	url := fakeMurf(t, func(r *http.Request, conn *websocket.Conn) {
		conn.SetPingHandler(func(string) error {
			pings <- struct{}{}
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	stream, err := NewConnector(StreamConfig{URL: url, APIKey: "k", KeepaliveInterval: 20 * time.Millisecond}, nil, nil).
		Dial(context.Background(), newRecordingHandler())
	require.NoError(t, err)
	defer stream.Close(websocket.CloseNormalClosure, "done")

	receive(t, pings)
	receive(t, pings)
}

func TestStreamReportsAbnormalDisconnect(t *testing.T) {
	url := fakeMurf(t, func(r *http.Request, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		// Drop the TCP connection without a close frame.
		_ = conn.UnderlyingConn().Close()
	})

	h := newRecordingHandler()
	_, err := NewConnector(StreamConfig{URL: url, APIKey: "k"}, nil, nil).Dial(context.Background(), h)
	require.NoError(t, err)

	got := receive(t, h.errs)
	assert.True(t, errorsx.IsTerminal(got))
}

func TestConnectorDialFailures(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer limited.Close()

	_, err := NewConnector(StreamConfig{URL: "ws" + strings.TrimPrefix(limited.URL, "http"), APIKey: "k"}, nil, nil).
		Dial(context.Background(), newRecordingHandler())
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimit(err))
	assert.Equal(t, errorsx.ReasonUpstreamConnect, errorsx.Reason(err))

	_, err = NewConnector(StreamConfig{URL: "ws://127.0.0.1:1/none", APIKey: "k"}, nil, nil).
		Dial(context.Background(), newRecordingHandler())
	require.Error(t, err)
	assert.Equal(t, errorsx.ClassConnection, errorsx.ClassOfErr(err))
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	var changes []StateChange
	m := newStateMachine(func(ev StateChange) { changes = append(changes, ev) })
	require.NoError(t, m.Transition(StateOpen, "open"))
	require.NoError(t, m.Transition(StateErrored, "read failed"))

	err := m.Transition(StateOpen, "reopen")
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "invalid state transition from errored to open", err.Error())
	assert.Len(t, changes, 2)
	assert.True(t, m.State().Terminal())
}
