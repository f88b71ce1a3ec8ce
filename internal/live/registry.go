package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"dobbe-backend/pkg/api"
)

// Channel is a live outbound connection to one client session.
type Channel interface {
	Send(ctx context.Context, update api.StageUpdate) error

	Close() error
}

// Registry maps client session ids to their live channel. It is safe for
// concurrent use and never writes to a channel while holding its lock.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Connect registers ch for the session and returns the channel it replaced, if
// any. The replaced channel is not closed; that is left to the caller.
func (r *Registry) Connect(sessionId string, ch Channel) Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.channels[sessionId]
	r.channels[sessionId] = ch
	if prev == ch {
		return nil
	}
	return prev
}

// Disconnect removes the session. Unknown sessions are a no-op.
func (r *Registry) Disconnect(sessionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.channels, sessionId)
}

// Release removes the session only while ch is still its registered channel,
// so a connection displaced by a reconnect cannot remove its successor.
func (r *Registry) Release(sessionId string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.channels[sessionId]; ok && current == ch {
		delete(r.channels, sessionId)
		return true
	}
	return false
}

func (r *Registry) get(sessionId string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[sessionId]
	return ch, ok
}

// Send delivers the update to the session if it is connected. A missing
// session is logged and is not an error.
func (r *Registry) Send(ctx context.Context, sessionId string, update api.StageUpdate) error {
	ch, ok := r.get(sessionId)
	if !ok {
		slog.Warn("no live channel for client, dropping update", "client_id", sessionId, "task_id", update.TaskId, "status", update.Status, "step", update.Step)
		return nil
	}

	if err := ch.Send(ctx, update); err != nil {
		r.Release(sessionId, ch)
		return fmt.Errorf("error sending update to client %s: %w", sessionId, err)
	}
	return nil
}

// Broadcast delivers the update to every connected session and returns how
// many deliveries succeeded. Sessions whose delivery fails are removed.
func (r *Registry) Broadcast(ctx context.Context, update api.StageUpdate) int {
	r.mu.RLock()
	snapshot := make(map[string]Channel, len(r.channels))
	for id, ch := range r.channels {
		snapshot[id] = ch
	}
	r.mu.RUnlock()

	delivered := 0
	for id, ch := range snapshot {
		if err := ch.Send(ctx, update); err != nil {
			slog.Warn("removing client after failed broadcast", "client_id", id, "error", err)
			r.Release(id, ch)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.channels)
}

// CloseAll closes and removes every channel. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]Channel)
	r.mu.Unlock()

	for id, ch := range channels {
		if err := ch.Close(); err != nil {
			slog.Warn("error closing live channel", "client_id", id, "error", err)
		}
	}
}
