package live

import (
	"context"
	"testing"
	"time"

	"dobbe-backend/internal/messaging"
	"dobbe-backend/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToClient(t *testing.T) {
	registry := NewRegistry()
	events := messaging.NewInMemoryEvents()
	target, bystander := &fakeChannel{}, &fakeChannel{}
	registry.Connect("target", target)
	registry.Connect("bystander", bystander)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewHub(registry, events).Run(ctx)
		close(done)
	}()

	require.NoError(t, events.PublishEvent(ctx, api.StageUpdate{TaskId: "t", ClientId: "target", Status: api.StatusStarted, Step: api.StepProcessingChain}))
	require.NoError(t, events.PublishEvent(ctx, api.StageUpdate{TaskId: "t", Status: api.StatusCompleted, Step: api.StepProcessingChain}))
	require.NoError(t, events.PublishEvent(ctx, api.StageUpdate{TaskId: "t", ClientId: "absent", Status: api.StatusFailed, Step: api.StepProcessingChain}))

	require.Eventually(t, func() bool { return len(target.received()) == 2 }, time.Second, 5*time.Millisecond)

	got := target.received()
	assert.Equal(t, api.StageUpdate{TaskId: "t", Status: api.StatusStarted, Step: api.StepProcessingChain}, got[0])
	assert.Equal(t, api.StatusCompleted, got[1].Status)
	assert.Equal(t, []api.StageUpdate{{TaskId: "t", Status: api.StatusCompleted, Step: api.StepProcessingChain}}, bystander.received())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestHubStopsWhenRelayCloses(t *testing.T) {
	events := messaging.NewInMemoryEvents()
	done := make(chan struct{})
	go func() {
		NewHub(NewRegistry(), events).Run(context.Background())
		close(done)
	}()

	events.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
}
