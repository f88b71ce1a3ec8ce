package live

import (
	"context"
	"log/slog"

	"dobbe-backend/internal/messaging"
	"dobbe-backend/pkg/api"
)

// Hub is the only writer of pipeline updates to client channels. Stage
// workers publish to the event relay and the hub delivers from its own
// goroutine.
type Hub struct {
	registry *Registry
	events   messaging.EventReceiver
}

func NewHub(registry *Registry, events messaging.EventReceiver) *Hub {
	return &Hub{registry: registry, events: events}
}

func (h *Hub) Run(ctx context.Context) {
	slog.Info("starting live update hub")

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping live update hub")
			return
		case update, ok := <-h.events.Events():
			if !ok {
				slog.Info("event relay closed, stopping live update hub")
				return
			}
			h.deliver(ctx, update)
		}
	}
}

func (h *Hub) deliver(ctx context.Context, update api.StageUpdate) {
	sessionId := update.ClientId
	update.ClientId = ""

	if sessionId == "" {
		h.registry.Broadcast(ctx, update)
		return
	}

	if err := h.registry.Send(ctx, sessionId, update); err != nil {
		slog.Warn("error delivering stage update", "client_id", sessionId, "task_id", update.TaskId, "error", err)
	}
}
