package ingest

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	taskdomain "gridq/internal/domain/task"
)

// watchFrame is one periodic push on the watch websocket.
type watchFrame struct {
	At     time.Time                 `json:"at"`
	Counts map[taskdomain.Status]int `json:"counts"`
	Recent []*taskdomain.Task        `json:"recent"`
}

// handleWatch upgrades to a websocket and pushes a status summary every
// WatchInterval until the client goes away. Reads are drained only to detect
// the close handshake; the stream is one-directional.
func (s *Server) handleWatch(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("watch upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.WatchInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		counts, err := s.store.CountByStatus(ctx)
		if err != nil {
			s.logger.Error("watch: count by status: %v", err)
			return
		}
		recent, err := s.store.List(ctx, taskdomain.Filter{Limit: 10})
		if err != nil {
			s.logger.Error("watch: list recent: %v", err)
			return
		}

		if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return
		}
		if err := conn.WriteJSON(watchFrame{At: time.Now().UTC(), Counts: counts, Recent: recent}); err != nil {
			return
		}

		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}
