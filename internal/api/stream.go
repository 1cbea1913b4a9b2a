package api

import (
	"time"

	"unithost/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// Stream upgrades to a websocket and forwards every reply about the unit
// until the client goes away. Messages are JSON encoded FeedMessage values.
func (h *Handler) Stream(c *gin.Context) {
	name := c.Param("name")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.String("unit", name), zap.Error(err))
		return
	}
	defer conn.Close()

	msgs, cancel := h.feed.Subscribe(name)
	defer cancel()
	logger.Debug(c.Request.Context(), "stream opened", zap.String("unit", name))

	gone := make(chan struct{})
	go readUntilClosed(conn, gone)

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-msgs:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug(c.Request.Context(), "stream write failed", zap.String("unit", name), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-gone:
			logger.Debug(c.Request.Context(), "stream closed", zap.String("unit", name))
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are handled.
func readUntilClosed(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
