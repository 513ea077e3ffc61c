package server

import (
	"context"
	"io"
	"time"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/status"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	StatusEventName        = "status"
	streamHeartbeatEvent   = "heartbeat"
	streamHeartbeatTimeout = 25 * time.Second
	socketWriteTimeout     = 5 * time.Second
)

// handleStatusStream emits the current status, then every change, as server-sent events.
func (h *httpHandler) handleStatusStream(c *gin.Context) {
	ctx := c.Request.Context()
	updates, cleanup := h.stream.Subscribe(ctx)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent(StatusEventName, h.status.Current())
	c.Writer.Flush()

	heartbeat := time.NewTicker(streamHeartbeatTimeout)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case value, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent(StatusEventName, value)
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(streamHeartbeatEvent, gin.H{"time": tick.UTC()})
			return true
		}
	})
}

// handleStatusSocket mirrors the status stream over a websocket as JSON text frames.
func (h *httpHandler) handleStatusSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("status websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "status stream ended")

	// The client never sends; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(c.Request.Context())
	updates, cleanup := h.stream.Subscribe(ctx)
	defer cleanup()

	if err := writeStatus(ctx, conn, h.status.Current()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case value, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeStatus(ctx, conn, value); err != nil {
				h.logger.Debug("status websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, value status.Status) error {
	writeCtx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, value)
}
