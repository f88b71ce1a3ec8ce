package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"dobbe-backend/pkg/api"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrEventsFull  = errors.New("event relay is full")
)

// DefaultEventPublishTimeout bounds how long a publisher waits for room in
// the in memory event relay before the update is dropped.
const DefaultEventPublishTimeout = time.Second

type inMemoryTask struct {
	queue   string
	payload []byte
}

func (t *inMemoryTask) Type() string {
	return t.queue
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	return nil
}

func (t *inMemoryTask) Nack() error {
	return nil
}

func (t *inMemoryTask) Reject() error {
	return nil
}

// InMemoryQueue hands tasks to consumers in publish order. Publishing never
// blocks, since stage workers publish to the queue they consume from.
type InMemoryQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	pending []Task
	tasks   chan Task
	stop    chan struct{}
}

var _ Publisher = (*InMemoryQueue)(nil)
var _ Receiver = (*InMemoryQueue)(nil)

func NewInMemoryQueue() *InMemoryQueue {
	q := &InMemoryQueue{
		tasks: make(chan Task),
		stop:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.dispatch()
	return q
}

// dispatch moves pending tasks onto the consumer channel until the queue is
// closed. Tasks still pending at that point are dropped.
func (q *InMemoryQueue) dispatch() {
	defer close(q.tasks)

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.tasks <- task:
		case <-q.stop:
			return
		}
	}
}

func (q *InMemoryQueue) publishTaskInternal(ctx context.Context, queue string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.pending = append(q.pending, &inMemoryTask{queue: queue, payload: data})
	q.cond.Signal()
	return nil
}

func (q *InMemoryQueue) PublishParseTask(ctx context.Context, payload ParseTaskPayload) error {
	return q.publishTaskInternal(ctx, ParseQueue, payload)
}

func (q *InMemoryQueue) PublishInferenceTask(ctx context.Context, payload InferenceTaskPayload) error {
	return q.publishTaskInternal(ctx, InferenceQueue, payload)
}

func (q *InMemoryQueue) PublishReportTask(ctx context.Context, payload ReportTaskPayload) error {
	return q.publishTaskInternal(ctx, ReportQueue, payload)
}

// Len reports how many tasks are waiting for a consumer.
func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

// Close stops delivery. Consumers see the task channel close once the
// dispatcher exits.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.stop)
		q.cond.Broadcast()
	}
}

// InMemoryEvents relays stage updates between goroutines of a single process.
// Updates are best effort: a publisher waits at most timeout for room.
type InMemoryEvents struct {
	mu      sync.RWMutex
	closed  bool
	events  chan api.StageUpdate
	timeout time.Duration
}

var _ EventPublisher = (*InMemoryEvents)(nil)
var _ EventReceiver = (*InMemoryEvents)(nil)

func NewInMemoryEvents() *InMemoryEvents {
	return &InMemoryEvents{
		events:  make(chan api.StageUpdate, 256),
		timeout: DefaultEventPublishTimeout,
	}
}

func (e *InMemoryEvents) PublishEvent(ctx context.Context, update api.StageUpdate) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ErrQueueClosed
	}

	select {
	case e.events <- update:
		return nil
	default:
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case e.events <- update:
		return nil
	case <-timer.C:
		return ErrEventsFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *InMemoryEvents) Events() <-chan api.StageUpdate {
	return e.events
}

func (e *InMemoryEvents) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
