package proxy

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxrelay/pkg/protocol"
)

const writeWait = 10 * time.Second

type outbound struct {
	messageType int
	data        []byte
	closeCode   int
	closeReason string
}

// clientWriter owns every write to the browser socket. The session event
// loop enqueues; a single goroutine writes in order.
type clientWriter struct {
	conn   *websocket.Conn
	sendCh chan outbound
	done   chan struct{}
	dead   atomic.Bool
	once   sync.Once
	log    *slog.Logger
}

func newClientWriter(conn *websocket.Conn, buffer int, log *slog.Logger) *clientWriter {
	if buffer <= 0 {
		buffer = 256
	}
	return &clientWriter{
		conn:   conn,
		sendCh: make(chan outbound, buffer),
		done:   make(chan struct{}),
		log:    log,
	}
}

func (w *clientWriter) loop() {
	defer close(w.done)
	for msg := range w.sendCh {
		if w.dead.Load() {
			continue
		}
		if msg.messageType == websocket.CloseMessage {
			deadline := time.Now().Add(time.Second)
			_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(msg.closeCode, msg.closeReason), deadline)
			w.dead.Store(true)
			continue
		}
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := w.conn.WriteMessage(msg.messageType, msg.data); err != nil {
			w.log.Debug("client_write_failed", slog.String("error", err.Error()))
			w.dead.Store(true)
		}
	}
}

func (w *clientWriter) enqueue(msg outbound) {
	if w.dead.Load() {
		return
	}
	w.sendCh <- msg
}

func (w *clientWriter) sendEvent(ev protocol.ServerEvent) {
	w.enqueue(outbound{messageType: websocket.TextMessage, data: ev.Marshal()})
}

func (w *clientWriter) sendText(raw []byte) {
	w.enqueue(outbound{messageType: websocket.TextMessage, data: raw})
}

// close queues a close frame behind pending messages and waits up to wait
// for them to flush.
func (w *clientWriter) close(code int, reason string, wait time.Duration) {
	w.once.Do(func() {
		if !w.dead.Load() {
			w.sendCh <- outbound{messageType: websocket.CloseMessage, closeCode: code, closeReason: reason}
		}
		close(w.sendCh)
	})
	select {
	case <-w.done:
	case <-time.After(wait):
	}
}

// abandon stops the writer without a close frame; the peer is already gone.
func (w *clientWriter) abandon() {
	w.dead.Store(true)
	w.once.Do(func() { close(w.sendCh) })
}
