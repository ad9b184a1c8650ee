package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// loop gives up on it. Pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// authWait bounds the window between upgrade and the auth frame.
	authWait = 10 * time.Second

	// closeCodeAuthFailure is sent when the handshake is rejected.
	closeCodeAuthFailure = 4003

	// maxFrameSize caps inbound frames. Encrypted chat payloads are small;
	// file content travels over the REST upload path, never the socket.
	maxFrameSize = 512 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Signature authentication inside the first frame is the access
	// control; the origin header is not.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSender adapts a gorilla connection to registry.Sender. The mutex
// serialises writers: the read loop, the registry (supersede close) and file
// notices all write concurrently.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) Send(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

func (w *wsSender) Close(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return w.conn.Close()
}

// ServeWS upgrades the request and runs the connection's protocol loop until
// the peer disconnects, authentication fails, or the session is superseded.
func (r *Router) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sender := &wsSender{conn: conn}
	s := r.newSession(sender)
	ctx := c.Request.Context()

	defer func() {
		r.closeSession(s)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go pingLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Debug("websocket read ended", zap.String("user_id", s.userID), zap.Error(err))
			}
			return
		}

		if err := r.handleFrame(ctx, s, data); err != nil {
			if err == errAuthFailed {
				_ = sender.Close(closeCodeAuthFailure, "authentication failed")
			}
			return
		}

		// The handshake succeeded on this iteration; switch from the auth
		// deadline to the keepalive deadline.
		if s.authenticated() {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

func pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
