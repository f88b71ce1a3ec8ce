package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dobbe-backend/internal/database"
	"dobbe-backend/internal/messaging"
	"dobbe-backend/internal/storage"
	"dobbe-backend/pkg/api"

	"github.com/google/uuid"
)

// stageRun carries what every event of one stage delivery needs.
type stageRun struct {
	chain  *database.Chain
	taskId string
	step   string
}

func (proc *TaskProcessor) emit(ctx context.Context, run stageRun, status string, data any) {
	proc.emitter.emit(ctx, run.chain.ClientId, run.chain.Id.String(), run.taskId, status, run.step, data)
}

// loadChain returns nil when the chain is not in one of the expected states,
// which happens when a task is delivered again after its stage already moved
// the chain on or after the chain failed.
func (proc *TaskProcessor) loadChain(ctx context.Context, chainId uuid.UUID, states ...string) (*database.Chain, error) {
	chain, err := database.GetChain(ctx, proc.db, chainId)
	if err != nil {
		return nil, err
	}
	for _, state := range states {
		if chain.State == state {
			return chain, nil
		}
	}
	slog.Info("skipping stage task for chain in unexpected state", "chain_id", chainId, "state", chain.State)
	return nil, nil
}

// failStage marks the chain failed and emits the stage's failure event. Only
// the caller whose transition succeeds emits, so a chain gets a single
// failure event no matter how many deliveries race.
//
// The bookkeeping runs on its own bounded context so that a canceled or
// expired stage context still ends the chain. If the chain cannot be marked
// failed the event is still sent and the error is returned.
func (proc *TaskProcessor) failStage(ctx context.Context, run stageRun, cause error) error {
	slog.Error("stage failed", "chain_id", run.chain.Id, "step", run.step, "error", cause)

	ctx, cancel := failureContext(ctx)
	defer cancel()

	failed, err := database.FailChain(ctx, proc.db, run.chain.Id, cause.Error())
	if err != nil {
		slog.Error("error marking chain failed", "chain_id", run.chain.Id, "error", err)
	}
	if failed || err != nil {
		proc.emit(ctx, run, api.StatusFailed, failure(cause))
		proc.cleanup(ctx, run.chain, true)
	}
	if err != nil {
		return fmt.Errorf("error marking chain failed after %v: %w", cause, err)
	}
	return cause
}

// transition applies a stage's state change. A rejected transition means
// another delivery already moved the chain, and is reported as done=true with
// no error. Any other failure ends the chain.
func (proc *TaskProcessor) transition(ctx context.Context, run stageRun, from []string, to string, updates map[string]any) (bool, error) {
	err := database.Transition(ctx, proc.db, run.chain.Id, from, to, updates)
	if errors.Is(err, database.ErrTransitionRejected) {
		return true, nil
	}
	if err != nil {
		return true, proc.failStage(ctx, run, err)
	}
	return false, nil
}

// cleanup removes the stored source file. The converted image is kept for
// successful chains so it can still be served.
func (proc *TaskProcessor) cleanup(ctx context.Context, chain *database.Chain, failed bool) {
	var err error
	if failed {
		err = proc.storage.DeleteObjects(ctx, storage.ChainPrefix(chain.Id.String()))
	} else {
		err = proc.storage.DeleteObject(ctx, chain.SourceKey)
	}
	if err != nil {
		slog.Warn("error cleaning up chain objects", "chain_id", chain.Id, "error", err)
	}
}

func (proc *TaskProcessor) publishNext(ctx context.Context, run stageRun, publish func() error) error {
	if err := publish(); err != nil {
		next := stageRun{chain: run.chain, taskId: run.chain.Id.String(), step: api.StepProcessingChain}
		return proc.failStage(ctx, next, fmt.Errorf("unable to schedule next stage: %w", err))
	}
	return nil
}

func (proc *TaskProcessor) processParseTask(ctx context.Context, payload messaging.ParseTaskPayload) error {
	chain, err := proc.loadChain(ctx, payload.ChainId, database.ChainCreated, database.ChainParsing)
	if err != nil || chain == nil {
		return err
	}

	run := stageRun{chain: chain, taskId: payload.TaskId.String(), step: api.StepDicomParsing}

	if chain.State == database.ChainCreated {
		if done, err := proc.transition(ctx, run, []string{database.ChainCreated}, database.ChainParsing, nil); done {
			return err
		}
	}
	slog.Info("processing parse task", "chain_id", chain.Id, "task_id", payload.TaskId)

	proc.emit(ctx, run, api.StatusInProgress, map[string]any{"message": "Starting DICOM file parsing"})

	localPath := filepath.Join(proc.workDir, chain.Id.String()+"-source.dcm")
	defer func() {
		if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("error removing stage temp file", "path", localPath, "error", err)
		}
	}()

	if err := proc.storage.DownloadObject(ctx, chain.SourceKey, localPath); err != nil {
		return proc.failStage(ctx, run, fmt.Errorf("unable to load uploaded file: %w", err))
	}

	container, converted, err := proc.convert(localPath)
	if err != nil {
		return proc.failStage(ctx, run, fmt.Errorf("unable to parse DICOM file: %w", err))
	}

	proc.emit(ctx, run, api.StatusProcessing, progress(50, "DICOM metadata extracted"))

	imageKey := storage.ChainImageKey(chain.Id.String())
	if err := proc.storage.PutObject(ctx, imageKey, bytes.NewReader(converted.PNG)); err != nil {
		return proc.failStage(ctx, run, fmt.Errorf("unable to store converted image: %w", err))
	}

	metadata, err := database.ToJSON(container.Metadata)
	if err != nil {
		return proc.failStage(ctx, run, err)
	}
	imageInfo, err := database.ToJSON(converted.Record)
	if err != nil {
		return proc.failStage(ctx, run, err)
	}

	done, err := proc.transition(ctx, run, []string{database.ChainParsing}, database.ChainInference, map[string]any{
		"metadata":   metadata,
		"image_info": imageInfo,
		"image_key":  imageKey,
	})
	if done {
		return err
	}

	proc.emit(ctx, run, api.StatusCompleted, map[string]any{
		"progress":   100,
		"message":    "DICOM parsing complete",
		"metadata":   container.Metadata,
		"image_info": converted.Record,
	})

	return proc.publishNext(ctx, run, func() error {
		return proc.publisher.PublishInferenceTask(ctx, messaging.InferenceTaskPayload{ChainId: chain.Id, TaskId: uuid.New()})
	})
}

func (proc *TaskProcessor) processInferenceTask(ctx context.Context, payload messaging.InferenceTaskPayload) error {
	chain, err := proc.loadChain(ctx, payload.ChainId, database.ChainInference)
	if err != nil || chain == nil {
		return err
	}

	run := stageRun{chain: chain, taskId: payload.TaskId.String(), step: api.StepModelInference}
	slog.Info("processing inference task", "chain_id", chain.Id, "task_id", payload.TaskId, "model_id", chain.ModelId)

	proc.emit(ctx, run, api.StatusInProgress, map[string]any{"message": "Starting model inference"})

	image, err := proc.storage.GetObject(ctx, chain.ImageKey)
	if err != nil {
		return proc.failStage(ctx, run, fmt.Errorf("unable to load converted image: %w", err))
	}

	proc.emit(ctx, run, api.StatusProcessing, progress(10, "Converted image loaded"))

	result, err := proc.detector.Detect(ctx, image, chain.ModelId)
	if err != nil {
		return proc.failStage(ctx, run, fmt.Errorf("inference failed: %w", err))
	}

	proc.emit(ctx, run, api.StatusProcessing, map[string]any{
		"progress": 75,
		"message":  "Raw predictions generated",
		"partial_result": map[string]any{
			"predictions_count": len(result.Detections),
		},
	})

	encoded, err := database.ToJSON(result)
	if err != nil {
		return proc.failStage(ctx, run, err)
	}

	done, err := proc.transition(ctx, run, []string{database.ChainInference}, database.ChainReport, map[string]any{
		"inference": encoded,
	})
	if done {
		return err
	}

	proc.emit(ctx, run, api.StatusCompleted, map[string]any{
		"progress":    100,
		"message":     "Inference complete",
		"predictions": result.Detections,
	})

	return proc.publishNext(ctx, run, func() error {
		return proc.publisher.PublishReportTask(ctx, messaging.ReportTaskPayload{ChainId: chain.Id, TaskId: uuid.New()})
	})
}

func (proc *TaskProcessor) processReportTask(ctx context.Context, payload messaging.ReportTaskPayload) error {
	chain, err := proc.loadChain(ctx, payload.ChainId, database.ChainReport)
	if err != nil || chain == nil {
		return err
	}

	run := stageRun{chain: chain, taskId: payload.TaskId.String(), step: api.StepReportGeneration}
	slog.Info("processing report task", "chain_id", chain.Id, "task_id", payload.TaskId)

	proc.emit(ctx, run, api.StatusInProgress, map[string]any{"message": "Starting diagnostic report generation"})

	var result api.ChainResult
	if _, err := database.FromJSON(chain.Metadata, &result.Metadata); err != nil {
		return proc.failStage(ctx, run, err)
	}
	if _, err := database.FromJSON(chain.ImageInfo, &result.ImageInfo); err != nil {
		return proc.failStage(ctx, run, err)
	}
	if _, err := database.FromJSON(chain.Inference, &result.Inference); err != nil {
		return proc.failStage(ctx, run, err)
	}

	proc.emit(ctx, run, api.StatusProcessing, progress(25, "Analyzing detection results"))

	diagnostic := proc.reports.Generate(ctx, result.Inference.Detections, &result.Metadata, &result.ImageInfo)

	proc.emit(ctx, run, api.StatusProcessing, map[string]any{
		"progress": 75,
		"message":  "Report draft generated",
		"partial_report": map[string]any{
			"summary":        diagnostic.Summary,
			"findings_count": len(result.Inference.Detections),
		},
	})

	encoded, err := database.ToJSON(diagnostic)
	if err != nil {
		return proc.failStage(ctx, run, err)
	}

	done, err := proc.transition(ctx, run, []string{database.ChainReport}, database.ChainCompleted, map[string]any{
		"report": encoded,
	})
	if done {
		return err
	}

	proc.emit(ctx, run, api.StatusCompleted, map[string]any{
		"progress": 100,
		"message":  "Report generation complete",
		"report":   diagnostic,
	})

	result.Message = "Processing chain completed successfully"
	result.Report = &diagnostic

	chainRun := stageRun{chain: chain, taskId: chain.Id.String(), step: api.StepProcessingChain}
	proc.emit(ctx, chainRun, api.StatusCompleted, result)

	proc.cleanup(ctx, chain, false)

	slog.Info("processing chain completed", "chain_id", chain.Id, "detections", len(result.Inference.Detections), "severity", diagnostic.SeverityLevel)

	return nil
}
