package session

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Write/read deadlines and ping cadence follow
// SAbdulRahuman-opense-ai-agents/opense.ai/api/websocket.go's hub
// constants; this server needs only a single active connection (spec
// §4.7: "the server maintains at most one active TUI connection; a new
// connection displaces the old"), so there is no per-client registry, just
// one swapped pointer guarded by a mutex.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn wraps one TUI WebSocket connection with a buffered outbound queue
// so a slow reader never blocks the engine or the agent stream.
type conn struct {
	ws   *websocket.Conn
	send chan outFrame
	once sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, send: make(chan outFrame, 256)}
}

func (c *conn) closeOnce() {
	c.once.Do(func() {
		close(c.send)
		_ = c.ws.Close()
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeOnce()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) readPump(onFrame func(InFrame), onClose func()) {
	defer func() {
		c.closeOnce()
		onClose()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Info("tui connection lost", "err", err)
			}
			return
		}
		var frame InFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("dropping malformed tui frame", "err", err)
			continue
		}
		onFrame(frame)
	}
}

// trySend enqueues a frame, dropping it rather than blocking if the
// client is gone or the queue is somehow full.
func (c *conn) trySend(f outFrame) {
	if c == nil {
		return
	}
	select {
	case c.send <- f:
	default:
		slog.Warn("tui send queue full, dropping frame", "type", f["type"])
	}
}
