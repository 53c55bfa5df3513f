package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultStreamHeartbeat = 25 * time.Second

type realtimeEventPayload struct {
	NoteIDs     []string `json:"noteIds"`
	UpdatedAtUs int64    `json:"updatedAtUs,omitempty"`
	Timestamp   string   `json:"timestamp"`
	Source      string   `json:"source"`
}

// handleNotesStream serves note change events for the caller as server sent
// events until the client disconnects.
func (h *httpHandler) handleNotesStream(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, owner)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	interval := h.heartbeatInterval
	if interval <= 0 {
		interval = defaultStreamHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	h.logger.Debug("realtime stream opened", zap.String("owner_id", owner.String()))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			payload := realtimeEventPayload{
				NoteIDs:     message.NoteIDs,
				UpdatedAtUs: message.UpdatedAt.Int64(),
				Timestamp:   message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:      realtimeSourceBackend,
			}
			c.SSEvent(message.EventType, payload)
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				NoteIDs:   []string{},
				Timestamp: tick.UTC().Format(time.RFC3339Nano),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
	h.logger.Debug("realtime stream closed", zap.String("owner_id", owner.String()))
}
