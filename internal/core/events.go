package core

import (
	"context"
	"log/slog"
	"time"

	"dobbe-backend/internal/messaging"
	"dobbe-backend/pkg/api"
)

type updateEmitter struct {
	events messaging.EventPublisher
}

// emit publishes a stage update for the chain's client. Delivery is best
// effort: a failed publish is logged and never fails the stage.
func (e updateEmitter) emit(ctx context.Context, clientId, chainId, taskId, status, step string, data any) {
	update := api.StageUpdate{
		TaskId:   taskId,
		ChainId:  chainId,
		ClientId: clientId,
		Status:   status,
		Step:     step,
		Data:     data,
	}
	if err := e.events.PublishEvent(ctx, update); err != nil {
		slog.Error("error publishing stage update", "chain_id", chainId, "task_id", taskId, "status", status, "step", step, "error", err)
	}
}

// failureTimeout bounds the bookkeeping that ends a failed chain.
const failureTimeout = 30 * time.Second

// failureContext keeps the values of ctx but not its cancellation, so a chain
// can still be marked failed after the request or stage context is done.
func failureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
}

func progress(percent int, message string) map[string]any {
	return map[string]any{"progress": percent, "message": message}
}

func failure(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
