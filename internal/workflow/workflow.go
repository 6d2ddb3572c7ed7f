// Package workflow coordinates multi-task operations over the task
// repository and the AI gateway. It is the only place that talks to the
// gateway for image generation, and the only enforcement point for batch
// failure accounting.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atelierkit/onmodel/internal/config"
	"github.com/atelierkit/onmodel/internal/gateway"
	"github.com/atelierkit/onmodel/internal/models"
	"github.com/atelierkit/onmodel/internal/repository"
	"github.com/atelierkit/onmodel/internal/validation"
)

// Summary is the tally returned by bulk operations. Per-task failures are
// counted, never escalated, so one bad task cannot block the rest.
type Summary struct {
	Succeeded  int
	Failed     int
	Ineligible int
}

func (s Summary) String() string {
	return fmt.Sprintf("success: %d, errors: %d, ineligible: %d", s.Succeeded, s.Failed, s.Ineligible)
}

type Orchestrator struct {
	tasks *repository.TaskRepo
	specs *repository.SpecSheetRepo
	gw    gateway.Client
	ai    config.AIConfig
	log   *slog.Logger
}

// New wires the orchestrator. The AI config is a snapshot taken once; it is
// never re-read mid-batch.
func New(tasks *repository.TaskRepo, specs *repository.SpecSheetRepo, gw gateway.Client, ai config.AIConfig, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{tasks: tasks, specs: specs, gw: gw, ai: ai, log: log}
}

// IntakeRequest is a new-task submission.
type IntakeRequest struct {
	ProductCode   string
	ImagePaths    []string
	SpecPrompt    string
	NameTagPrompt string
	BatchID       string
}

// IntakeTask creates a task and runs the spec sheet stage: the AI writes
// version 1 and the task moves to PENDING_APPROVAL. A failed spec sheet call
// marks the task ERROR and is returned to the caller, never dropped.
// Name/tag extraction failures degrade to a task without metadata.
func (o *Orchestrator) IntakeTask(ctx context.Context, req IntakeRequest) (*models.Task, error) {
	task, err := o.tasks.Create(req.ProductCode, req.ImagePaths, req.BatchID)
	if err != nil {
		return nil, err
	}

	o.log.Info("task created", "task_id", task.ID, "product_code", task.ProductCode, "batch_id", req.BatchID)

	specText, err := o.gw.GenerateSpecText(ctx, req.ImagePaths, req.SpecPrompt)
	if err != nil {
		if statusErr := o.tasks.UpdateStatus(task.ID, models.StatusError); statusErr != nil {
			o.log.Error("failed to mark task as errored", "task_id", task.ID, "error", statusErr)
		}
		return task, fmt.Errorf("spec sheet generation failed for task %d: %w", task.ID, err)
	}

	if err := o.specs.AddInitialSpecSheet(task.ID, specText); err != nil {
		return task, err
	}

	nt, err := o.gw.GenerateNameAndTags(ctx, req.ImagePaths, req.NameTagPrompt)
	if err != nil {
		o.log.Warn("name/tag extraction failed, continuing without metadata", "task_id", task.ID, "error", err)
	} else if err := o.tasks.AttachAIMetadata(task.ID, nt.ProductName, nt.Tags); err != nil {
		return task, err
	}

	return o.tasks.GetByID(task.ID)
}

// BulkGenerateImages runs image generation for the given tasks. Only tasks
// currently APPROVED are processed; they are all claimed into GENERATING in
// one pass before any AI call, so the dashboard shows progress immediately
// and a concurrent trigger cannot pick the same task up twice. Eligible
// tasks are then processed one at a time.
func (o *Orchestrator) BulkGenerateImages(ctx context.Context, ids []int64) (Summary, error) {
	var summary Summary
	if len(ids) == 0 {
		return summary, nil
	}

	claimed, err := o.tasks.ClaimForGeneration(ids)
	if err != nil {
		return summary, err
	}
	summary.Ineligible = len(ids) - len(claimed)

	for _, id := range claimed {
		task, err := o.tasks.GetByID(id)
		if err != nil || task == nil {
			o.log.Error("claimed task disappeared", "task_id", id, "error", err)
			summary.Failed++
			continue
		}

		prompt := o.buildPrompt(task.SpecSheetText)
		o.log.Info("generating image", "task_id", id, "product_code", task.ProductCode)

		path, err := o.gw.GenerateImage(ctx, prompt, task.ProductCode)
		if err != nil {
			o.failGeneration(id, err)
			summary.Failed++
			continue
		}

		if err := o.tasks.RecordGeneratedImage(id, prompt, path, ""); err != nil {
			o.failGeneration(id, err)
			summary.Failed++
			continue
		}
		summary.Succeeded++
	}

	return summary, nil
}

// BulkUpdateStatus applies the same transition to every task. Tasks that
// are missing or for which the transition is illegal count as ineligible;
// storage failures count as failed.
func (o *Orchestrator) BulkUpdateStatus(ids []int64, newStatus models.Status) (Summary, error) {
	var summary Summary
	for _, id := range ids {
		switch err := o.tasks.UpdateStatus(id, newStatus); {
		case err == nil:
			summary.Succeeded++
		case isIneligible(err):
			summary.Ineligible++
		default:
			o.log.Error("bulk status update failed", "task_id", id, "status", newStatus, "error", err)
			summary.Failed++
		}
	}
	return summary, nil
}

// RedoImage regenerates a task's image with extra operator instructions.
// The instructions are appended to the persisted prompt, so the stored
// prompt always reflects what was actually sent to the generator.
func (o *Orchestrator) RedoImage(ctx context.Context, id int64, instructions string) error {
	if err := validation.RedoInstructions(instructions); err != nil {
		return err
	}

	task, err := o.tasks.GetByID(id)
	if err != nil {
		return err
	}
	if task == nil {
		return repository.ErrNotFound
	}

	// A redo reworks an existing image, so it is only legal once a generated
	// image is up for review. APPROVED tasks go through bulk generation.
	if task.Status != models.StatusPendingImageReview && task.Status != models.StatusPendingRedo {
		return fmt.Errorf("%w: cannot redo from %s", repository.ErrInvalidTransition, task.Status)
	}

	prompt := task.FinalPrompt
	if prompt == "" {
		prompt = o.buildPrompt(task.SpecSheetText)
	}
	prompt = prompt + ", " + instructions

	if err := o.tasks.UpdateStatus(id, models.StatusGenerating); err != nil {
		return err
	}

	path, err := o.gw.GenerateImage(ctx, prompt, task.ProductCode)
	if err != nil {
		o.failGeneration(id, err)
		return fmt.Errorf("redo generation failed for task %d: %w", id, err)
	}

	return o.tasks.RecordGeneratedImage(id, prompt, path, instructions)
}

// Finalize marks a reviewed task as completed.
func (o *Orchestrator) Finalize(id int64) error {
	return o.tasks.UpdateStatus(id, models.StatusCompleted)
}

func (o *Orchestrator) buildPrompt(specText string) string {
	return o.ai.BaseStylePrompt + ", " + specText
}

func (o *Orchestrator) failGeneration(id int64, cause error) {
	o.log.Error("image generation failed", "task_id", id, "error", cause)
	if err := o.tasks.UpdateStatus(id, models.StatusError); err != nil {
		o.log.Error("failed to mark task as errored", "task_id", id, "error", err)
	}
}

func isIneligible(err error) bool {
	return errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidTransition)
}
