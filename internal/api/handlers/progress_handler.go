package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/internal/orchestrator"
	"github.com/incidentmap/pipeline/pkg/logger"
)

// ProgressHandler streams pipeline progress events over a websocket so
// operators can watch a run without polling the runs endpoint.
type ProgressHandler struct {
	hub *orchestrator.EventHub
}

func NewProgressHandler(hub *orchestrator.EventHub) *ProgressHandler {
	return &ProgressHandler{
		hub: hub,
	}
}

func (h *ProgressHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("Progress websocket connected")

	events, cancel := h.hub.Subscribe()
	defer func() {
		cancel()
		c.Close()
		logger.Info("Progress websocket closed")
	}()

	// Reads are drained in the background so close frames from the client
	// end the stream.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				logger.Error("Failed to write progress event", zap.Error(err))
				return
			}
		}
	}
}
