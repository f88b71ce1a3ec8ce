package messaging

import (
	"context"
	"time"

	"dobbe-backend/pkg/api"

	"github.com/google/uuid"
)

const (
	ParseQueue      = "parse_queue"
	InferenceQueue  = "inference_queue"
	ReportQueue     = "report_queue"
	EventsChannel   = "stage_events"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var TaskQueues = []string{ParseQueue, InferenceQueue, ReportQueue}

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// StageTaskPayload identifies one stage run of a chain. TaskId is assigned
// when the task is published and stays the same across redeliveries.
type StageTaskPayload struct {
	ChainId uuid.UUID
	TaskId  uuid.UUID
}

type ParseTaskPayload StageTaskPayload

type InferenceTaskPayload StageTaskPayload

type ReportTaskPayload StageTaskPayload

type Publisher interface {
	PublishParseTask(ctx context.Context, payload ParseTaskPayload) error

	PublishInferenceTask(ctx context.Context, payload InferenceTaskPayload) error

	PublishReportTask(ctx context.Context, payload ReportTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}

// EventPublisher hands stage updates to whichever process owns the client
// connections. Stage workers never write to a client connection directly.
type EventPublisher interface {
	PublishEvent(ctx context.Context, update api.StageUpdate) error
}

type EventReceiver interface {
	Events() <-chan api.StageUpdate

	Close()
}
