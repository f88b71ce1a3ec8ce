package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"dobbe-backend/internal/database"
	"dobbe-backend/internal/inference"
	"dobbe-backend/internal/messaging"
	"dobbe-backend/internal/storage"
	"dobbe-backend/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChainRequest struct {
	FilePath string
	FileName string
	ClientId string
	ModelId  string
}

// Orchestrator creates chains and schedules their first stage. Later stages
// are scheduled by the TaskProcessor as each one completes.
type Orchestrator struct {
	db           *gorm.DB
	storage      storage.ObjectStore
	publisher    messaging.Publisher
	emitter      updateEmitter
	defaultModel string
}

func NewOrchestrator(db *gorm.DB, storage storage.ObjectStore, publisher messaging.Publisher, events messaging.EventPublisher, defaultModel string) *Orchestrator {
	if defaultModel == "" {
		defaultModel = inference.DefaultModelId
	}
	return &Orchestrator{
		db:           db,
		storage:      storage,
		publisher:    publisher,
		emitter:      updateEmitter{events: events},
		defaultModel: defaultModel,
	}
}

// Start registers a chain for the file at req.FilePath and returns as soon as
// the parse stage is queued. The file is removed before Start returns.
func (o *Orchestrator) Start(ctx context.Context, req ChainRequest) (uuid.UUID, error) {
	defer func() {
		if err := os.Remove(req.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("error removing uploaded file", "path", req.FilePath, "error", err)
		}
	}()

	chainId := uuid.New()
	modelId := req.ModelId
	if modelId == "" {
		modelId = o.defaultModel
	}

	chain := &database.Chain{
		Id:        chainId,
		ClientId:  req.ClientId,
		ModelId:   modelId,
		FileName:  req.FileName,
		SourceKey: storage.ChainSourceKey(chainId.String()),
		State:     database.ChainCreated,
	}

	if err := database.CreateChain(ctx, o.db, chain); err != nil {
		slog.Error("error creating chain", "chain_id", chainId, "error", err)
		emitCtx, cancel := failureContext(ctx)
		defer cancel()
		o.emitter.emit(emitCtx, req.ClientId, chainId.String(), chainId.String(), api.StatusFailed, api.StepProcessingChain, failure(errors.New("unable to register processing chain")))
		return uuid.Nil, fmt.Errorf("error creating chain: %w", err)
	}

	if err := o.schedule(ctx, chain, req.FilePath); err != nil {
		slog.Error("error scheduling chain", "chain_id", chainId, "error", err)
		o.fail(ctx, chain, err)
		return uuid.Nil, err
	}

	slog.Info("processing chain started", "chain_id", chainId, "client_id", req.ClientId, "model_id", modelId)

	return chainId, nil
}

func (o *Orchestrator) schedule(ctx context.Context, chain *database.Chain, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening uploaded file: %w", err)
	}
	defer file.Close()

	if err := o.storage.PutObject(ctx, chain.SourceKey, file); err != nil {
		return fmt.Errorf("error storing uploaded file: %w", err)
	}

	o.emitter.emit(ctx, chain.ClientId, chain.Id.String(), chain.Id.String(), api.StatusStarted, api.StepProcessingChain, map[string]any{
		"message":   "Processing chain started",
		"file_name": chain.FileName,
		"model_id":  chain.ModelId,
	})

	if err := o.publisher.PublishParseTask(ctx, messaging.ParseTaskPayload{ChainId: chain.Id, TaskId: uuid.New()}); err != nil {
		return fmt.Errorf("error queueing parse task: %w", err)
	}

	return nil
}

func (o *Orchestrator) fail(ctx context.Context, chain *database.Chain, cause error) {
	ctx, cancel := failureContext(ctx)
	defer cancel()

	failed, err := database.FailChain(ctx, o.db, chain.Id, cause.Error())
	if err != nil {
		slog.Error("error marking chain failed", "chain_id", chain.Id, "error", err)
	}
	if failed || err != nil {
		o.emitter.emit(ctx, chain.ClientId, chain.Id.String(), chain.Id.String(), api.StatusFailed, api.StepProcessingChain, failure(cause))
	}

	if err := o.storage.DeleteObjects(ctx, storage.ChainPrefix(chain.Id.String())); err != nil {
		slog.Warn("error removing chain objects", "chain_id", chain.Id, "error", err)
	}
}

// Resume requeues the current stage of every unfinished chain. It is only
// safe in a single process deployment where no other worker can be holding
// those tasks.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	chains, err := database.ListUnfinishedChains(ctx, o.db)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, chain := range chains {
		payload := messaging.StageTaskPayload{ChainId: chain.Id, TaskId: uuid.New()}

		var err error
		switch chain.State {
		case database.ChainCreated, database.ChainParsing:
			err = o.publisher.PublishParseTask(ctx, messaging.ParseTaskPayload(payload))
		case database.ChainInference:
			err = o.publisher.PublishInferenceTask(ctx, messaging.InferenceTaskPayload(payload))
		case database.ChainReport:
			err = o.publisher.PublishReportTask(ctx, messaging.ReportTaskPayload(payload))
		default:
			continue
		}
		if err != nil {
			return resumed, fmt.Errorf("error requeueing chain %s: %w", chain.Id, err)
		}

		slog.Info("resumed processing chain", "chain_id", chain.Id, "state", chain.State)
		resumed++
	}

	return resumed, nil
}
