package httpbridge

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleEvents streams events over a websocket. The optional type query
// parameter restricts the stream to one event type.
func (s *Server) handleEvents(c *gin.Context) {
	// Register before the handshake completes so no event published after
	// the client connects is missed.
	client := s.events.AddClient(c.DefaultQuery("type", AllEvents))
	defer s.events.RemoveClient(client.ID)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("failed to upgrade websocket")
		return
	}
	defer conn.Close()

	logger := s.logger.WithField("client", client.ID)
	logger.Debug("event subscriber connected")

	// Inbound messages are ignored; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			logger.Debug("event subscriber disconnected")
			return
		case event, ok := <-client.Channel:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				logger.WithError(err).Debug("failed to write event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handleStream streams events as server-sent events.
func (s *Server) handleStream(c *gin.Context) {
	client := s.events.AddClient(c.DefaultQuery("type", AllEvents))
	defer s.events.RemoveClient(client.ID)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-client.Channel:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		}
	})
}
