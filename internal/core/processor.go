package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"dobbe-backend/internal/core/utils"
	"dobbe-backend/internal/dicom"
	"dobbe-backend/internal/imaging"
	"dobbe-backend/internal/inference"
	"dobbe-backend/internal/messaging"
	"dobbe-backend/internal/report"
	"dobbe-backend/internal/storage"

	"gorm.io/gorm"
)

// maxInflightChains bounds the per-chain lock table of one worker process.
const maxInflightChains = 1024

// ConvertFunc reads a source file and normalizes its pixel data.
type ConvertFunc func(path string) (*dicom.Container, *imaging.Converted, error)

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	receiver  messaging.Receiver
	emitter   updateEmitter

	convert  ConvertFunc
	detector inference.Detector
	reports  *report.Service

	workDir string
	locks   *utils.MutexMap
}

func NewTaskProcessor(db *gorm.DB, storage storage.ObjectStore, publisher messaging.Publisher, receiver messaging.Receiver, events messaging.EventPublisher, detector inference.Detector, reports *report.Service, workDir string) *TaskProcessor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &TaskProcessor{
		db:        db,
		storage:   storage,
		publisher: publisher,
		receiver:  receiver,
		emitter:   updateEmitter{events: events},
		convert:   dicom.ConvertFile,
		detector:  detector,
		reports:   reports,
		workDir:   workDir,
		locks:     utils.NewMutexMap(maxInflightChains),
	}
}

// Start consumes tasks with the given number of goroutines and returns once
// the receiver is closed and every goroutine has finished its current task.
func (proc *TaskProcessor) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	slog.Info("starting task processor", "workers", workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range proc.receiver.Tasks() {
				proc.ProcessTask(task)
			}
		}()
	}
	wg.Wait()

	slog.Info("task processor stopped")
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.receiver.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var payload messaging.StageTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("error unmarshalling stage task", "queue", task.Type(), "error", err)
		if err := task.Reject(); err != nil { // Discard malformed message
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	var err error
	switch task.Type() {
	case messaging.ParseQueue:
		err = proc.withChainLock(payload, func() error {
			return proc.processParseTask(ctx, messaging.ParseTaskPayload(payload))
		})

	case messaging.InferenceQueue:
		err = proc.withChainLock(payload, func() error {
			return proc.processInferenceTask(ctx, messaging.InferenceTaskPayload(payload))
		})

	case messaging.ReportQueue:
		err = proc.withChainLock(payload, func() error {
			return proc.processReportTask(ctx, messaging.ReportTaskPayload(payload))
		})

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "chain_id", payload.ChainId, "task_id", payload.TaskId, "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type(), "chain_id", payload.ChainId, "task_id", payload.TaskId)
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

// withChainLock keeps a redelivered task from running alongside the original
// delivery of the same chain in this process.
func (proc *TaskProcessor) withChainLock(payload messaging.StageTaskPayload, fn func() error) error {
	key := payload.ChainId.String()
	if err := proc.locks.Lock(key); err != nil {
		return err
	}
	defer func() {
		if err := proc.locks.Unlock(key); err != nil {
			slog.Error("error releasing chain lock", "chain_id", key, "error", err)
		}
	}()
	return fn()
}
