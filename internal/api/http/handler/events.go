package handler

import (
	"io"
	"log/slog"
	"time"

	"github.com/EternisAI/hearth/internal/events"
	"github.com/gin-gonic/gin"
)

const (
	eventBuffer       = 64
	keepaliveInterval = 15 * time.Second
)

// Subscriber is the part of the event bus the stream handler needs.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

type EventsHandler struct {
	bus       Subscriber
	keepalive time.Duration
}

func NewEventsHandler(bus Subscriber) *EventsHandler {
	return &EventsHandler{bus: bus, keepalive: keepaliveInterval}
}

// Stream pushes domain events as Server-Sent Events until the client goes
// away or the bus is closed
// GET /api/events?agent_id=...
func (h *EventsHandler) Stream(c *gin.Context) {
	agentID := c.Query("agent_id")
	ch, cancel := h.bus.Subscribe(eventBuffer)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	slog.Debug("Event stream opened", "client_ip", c.ClientIP(), "agent_id", agentID)
	defer slog.Debug("Event stream closed", "client_ip", c.ClientIP())

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if agentID != "" && ev.AgentID != agentID {
				return true
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}
