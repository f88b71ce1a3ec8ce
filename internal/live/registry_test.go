package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"dobbe-backend/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu      sync.Mutex
	updates []api.StageUpdate
	fail    bool
	closed  bool
}

func (c *fakeChannel) Send(ctx context.Context, update api.StageUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.updates = append(c.updates, update)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) received() []api.StageUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]api.StageUpdate(nil), c.updates...)
}

func update(status string) api.StageUpdate {
	return api.StageUpdate{TaskId: "task", Status: status, Step: api.StepDicomParsing}
}

func TestSendToUnknownSession(t *testing.T) {
	registry := NewRegistry()
	other := &fakeChannel{}
	registry.Connect("other", other)

	assert.NoError(t, registry.Send(context.Background(), "missing", update(api.StatusStarted)))

	registry.Connect("gone", &fakeChannel{})
	registry.Disconnect("gone")
	assert.NoError(t, registry.Send(context.Background(), "gone", update(api.StatusStarted)))

	require.NoError(t, registry.Send(context.Background(), "other", update(api.StatusCompleted)))
	assert.Equal(t, []api.StageUpdate{update(api.StatusCompleted)}, other.received())
}

func TestConnectLastWins(t *testing.T) {
	registry := NewRegistry()
	first, second := &fakeChannel{}, &fakeChannel{}

	assert.Nil(t, registry.Connect("client", first))
	assert.Same(t, first, registry.Connect("client", second))
	assert.False(t, first.closed)

	require.NoError(t, registry.Send(context.Background(), "client", update(api.StatusStarted)))
	assert.Empty(t, first.received())
	assert.Len(t, second.received(), 1)

	assert.False(t, registry.Release("client", first))
	assert.Equal(t, 1, registry.Count())
	assert.True(t, registry.Release("client", second))
	assert.Equal(t, 0, registry.Count())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	registry.Connect("client", &fakeChannel{})

	registry.Disconnect("client")
	registry.Disconnect("client")
	registry.Disconnect("never-connected")

	assert.Equal(t, 0, registry.Count())
}

func TestSendFailureRemovesSession(t *testing.T) {
	registry := NewRegistry()
	registry.Connect("client", &fakeChannel{fail: true})

	assert.Error(t, registry.Send(context.Background(), "client", update(api.StatusStarted)))
	assert.Equal(t, 0, registry.Count())
}

func TestBroadcastRemovesFailedChannels(t *testing.T) {
	registry := NewRegistry()
	good1, bad, good2 := &fakeChannel{}, &fakeChannel{fail: true}, &fakeChannel{}
	registry.Connect("good1", good1)
	registry.Connect("bad", bad)
	registry.Connect("good2", good2)

	assert.Equal(t, 2, registry.Broadcast(context.Background(), update(api.StatusProcessing)))

	assert.Len(t, good1.received(), 1)
	assert.Len(t, good2.received(), 1)
	assert.Equal(t, 2, registry.Count())

	assert.NoError(t, registry.Send(context.Background(), "bad", update(api.StatusProcessing)))
}

func TestCloseAll(t *testing.T) {
	registry := NewRegistry()
	a, b := &fakeChannel{}, &fakeChannel{}
	registry.Connect("a", a)
	registry.Connect("b", b)

	registry.CloseAll()

	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, 0, registry.Count())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewRegistry()
	stable := &fakeChannel{}
	registry.Connect("stable", stable)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("client-%d", i%5)
			ch := &fakeChannel{fail: i%7 == 0}
			registry.Connect(id, ch)
			_ = registry.Send(context.Background(), id, update(api.StatusProcessing))
			registry.Broadcast(context.Background(), update(api.StatusInProgress))
			registry.Release(id, ch)
			registry.Disconnect(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, registry.Count())
	assert.Len(t, stable.received(), 50)
}
