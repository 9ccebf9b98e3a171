package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// stream forwards every notification event to the client as one JSON text
// message. Incoming messages are read and dropped so that a close from the
// client is noticed.
func (h *handlers) stream(c *gin.Context) {
	ctx := c.Request.Context()
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(ctx, "failed to upgrade the websocket", "error", err)
		return
	}
	defer func() {
		_ = ws.Close()
	}()

	events, unsubscribe := h.bus.Subscribe(eventBuffer)
	defer unsubscribe()
	slog.DebugContext(ctx, "websocket client connected", "remote", ws.RemoteAddr().String())

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			slog.DebugContext(ctx, "websocket client disconnected")
			return
		case e, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
				_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(e); err != nil {
				slog.WarnContext(ctx, "failed to write websocket event", "error", err)
				return
			}
		}
	}
}
