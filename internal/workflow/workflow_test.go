package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierkit/onmodel/internal/config"
	"github.com/atelierkit/onmodel/internal/db"
	"github.com/atelierkit/onmodel/internal/gateway"
	"github.com/atelierkit/onmodel/internal/models"
	"github.com/atelierkit/onmodel/internal/repository"
	"github.com/atelierkit/onmodel/internal/validation"
)

type fakeGateway struct {
	specText    string
	specErr     error
	nameAndTags gateway.NameAndTags
	nameErr     error

	imageErrFor map[string]error // keyed by product code
	imageCalls  []string         // prompts, in call order
}

func (f *fakeGateway) GenerateSpecText(ctx context.Context, imagePaths []string, promptTemplate string) (string, error) {
	return f.specText, f.specErr
}

func (f *fakeGateway) GenerateNameAndTags(ctx context.Context, imagePaths []string, promptTemplate string) (gateway.NameAndTags, error) {
	return f.nameAndTags, f.nameErr
}

func (f *fakeGateway) GenerateImage(ctx context.Context, prompt, productCode string) (string, error) {
	f.imageCalls = append(f.imageCalls, prompt)
	if err := f.imageErrFor[productCode]; err != nil {
		return "", err
	}
	return "/generated/" + productCode + ".png", nil
}

const baseStyle = "professional photograph of a female model wearing the garment, full body shot, studio lighting, hyperrealistic, 8k"

func newTestOrchestrator(t *testing.T, gw gateway.Client) (*Orchestrator, *repository.TaskRepo, *repository.SpecSheetRepo, *sql.DB) {
	t.Helper()

	database, err := db.OpenAndMigrate(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	tasks := repository.NewTaskRepo(database, nil)
	specs := repository.NewSpecSheetRepo(database)
	orch := New(tasks, specs, gw, config.AIConfig{BaseStylePrompt: baseStyle}, nil)

	return orch, tasks, specs, database
}

// approvedTask creates a task carrying an approved spec sheet.
func approvedTask(t *testing.T, tasks *repository.TaskRepo, specs *repository.SpecSheetRepo, sku, specText string) int64 {
	t.Helper()

	task, err := tasks.Create(sku, nil, "")
	require.NoError(t, err)
	require.NoError(t, specs.AddInitialSpecSheet(task.ID, specText))
	require.NoError(t, specs.Approve(task.ID, specText))

	return task.ID
}

func TestIntakeTask(t *testing.T) {
	gw := &fakeGateway{
		specText:    "A blue cotton shirt.",
		nameAndTags: gateway.NameAndTags{ProductName: "Blue Shirt", Tags: map[string]string{"color": "blue"}},
	}
	orch, _, specs, _ := newTestOrchestrator(t, gw)

	task, err := orch.IntakeTask(context.Background(), IntakeRequest{
		ProductCode: "SKU-NEW1",
		ImagePaths:  []string{"/tmp/a.jpg"},
		BatchID:     "batch-7",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPendingApproval, task.Status)
	assert.Equal(t, "A blue cotton shirt.", task.SpecSheetText)
	assert.Equal(t, "Blue Shirt", task.ProductName)
	assert.Equal(t, map[string]string{"color": "blue"}, task.ProductTags)
	assert.Equal(t, "batch-7", task.BatchID)

	versions, err := specs.Versions(task.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, models.AuthorAI, versions[0].Author)
}

// A failed spec sheet call leaves the task visibly stuck in ERROR and
// surfaces the failure to the caller.
func TestIntakeTaskSpecFailure(t *testing.T) {
	gw := &fakeGateway{specErr: errors.New("backend unreachable")}
	orch, tasks, _, _ := newTestOrchestrator(t, gw)

	task, err := orch.IntakeTask(context.Background(), IntakeRequest{ProductCode: "SKU-FAIL1"})
	require.Error(t, err)
	require.NotNil(t, task)

	stored, err := tasks.GetByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, stored.Status)
}

func TestIntakeTaskNameTagFailureDegrades(t *testing.T) {
	gw := &fakeGateway{
		specText: "A silk scarf.",
		nameErr:  errors.New("timeout"),
	}
	orch, _, _, _ := newTestOrchestrator(t, gw)

	task, err := orch.IntakeTask(context.Background(), IntakeRequest{ProductCode: "SKU-DEGRADE"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, task.Status)
	assert.Empty(t, task.ProductName)
}

func TestIntakeTaskInvalidSKU(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t, &fakeGateway{})

	_, err := orch.IntakeTask(context.Background(), IntakeRequest{ProductCode: "!!"})
	var verr *validation.Error
	assert.ErrorAs(t, err, &verr)
}

// Batch isolation: one failing task out of five is counted, marked ERROR,
// and does not block the other four.
func TestBulkGenerateImagesBatchIsolation(t *testing.T) {
	gw := &fakeGateway{imageErrFor: map[string]error{"SKU-BULK3": errors.New("CUDA out of memory")}}
	orch, tasks, specs, _ := newTestOrchestrator(t, gw)

	var ids []int64
	for i := 1; i <= 5; i++ {
		sku := fmt.Sprintf("SKU-BULK%d", i)
		ids = append(ids, approvedTask(t, tasks, specs, sku, "A garment."))
	}

	summary, err := orch.BulkGenerateImages(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Ineligible)

	for i, id := range ids {
		stored, err := tasks.GetByID(id)
		require.NoError(t, err)
		if i == 2 {
			assert.Equal(t, models.StatusError, stored.Status)
		} else {
			assert.Equal(t, models.StatusPendingImageReview, stored.Status)
		}
	}
}

// Eligibility filter: only APPROVED tasks are claimed; the rest are
// untouched and excluded from both counts.
func TestBulkGenerateImagesEligibilityFilter(t *testing.T) {
	gw := &fakeGateway{}
	orch, tasks, specs, _ := newTestOrchestrator(t, gw)

	approvedID := approvedTask(t, tasks, specs, "SKU-ELIG1", "A garment.")

	pending, err := tasks.Create("SKU-ELIG2", nil, "")
	require.NoError(t, err)
	require.NoError(t, specs.AddInitialSpecSheet(pending.ID, "Another garment."))

	summary, err := orch.BulkGenerateImages(context.Background(), []int64{approvedID, pending.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.Ineligible)

	untouched, err := tasks.GetByID(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, untouched.Status)
}

// Happy path: generated image recorded, prompt built from the base style
// prefix plus the spec sheet text.
func TestBulkGenerateImagesSuccess(t *testing.T) {
	gw := &fakeGateway{}
	orch, tasks, specs, _ := newTestOrchestrator(t, gw)

	id := approvedTask(t, tasks, specs, "SKU-OK1", "A blue cotton shirt, size M.")

	summary, err := orch.BulkGenerateImages(context.Background(), []int64{id})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	stored, err := tasks.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingImageReview, stored.Status)
	assert.Equal(t, "/generated/SKU-OK1.png", stored.GeneratedImagePath)
	assert.Equal(t, baseStyle+", A blue cotton shirt, size M.", stored.FinalPrompt)

	require.Len(t, gw.imageCalls, 1)
	assert.Equal(t, stored.FinalPrompt, gw.imageCalls[0])
}

func TestBulkGenerateImagesEmptyInput(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t, &fakeGateway{})

	summary, err := orch.BulkGenerateImages(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestBulkUpdateStatus(t *testing.T) {
	orch, tasks, specs, _ := newTestOrchestrator(t, &fakeGateway{})

	reviewable := approvedTask(t, tasks, specs, "SKU-STAT1", "A garment.")
	_, err := orch.BulkGenerateImages(context.Background(), []int64{reviewable})
	require.NoError(t, err)

	fresh, err := tasks.Create("SKU-STAT2", nil, "")
	require.NoError(t, err)

	summary, err := orch.BulkUpdateStatus([]int64{reviewable, fresh.ID, 888}, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, summary.Ineligible)
	assert.Equal(t, 0, summary.Failed)

	stored, err := tasks.GetByID(reviewable)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}

// Redo instructions are appended to the persisted prompt, so the stored
// prompt matches what was sent to the generator.
func TestRedoImageAppendsInstructions(t *testing.T) {
	gw := &fakeGateway{}
	orch, tasks, specs, _ := newTestOrchestrator(t, gw)

	id := approvedTask(t, tasks, specs, "SKU-REDO1", "A garment.")
	_, err := orch.BulkGenerateImages(context.Background(), []int64{id})
	require.NoError(t, err)

	before, err := tasks.GetByID(id)
	require.NoError(t, err)
	originalPrompt := before.FinalPrompt

	require.NoError(t, orch.RedoImage(context.Background(), id, "make the background darker"))

	after, err := tasks.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingImageReview, after.Status)
	assert.Equal(t, originalPrompt+", make the background darker", after.FinalPrompt)
	assert.Equal(t, "make the background darker", after.RedoPrompt)

	require.Len(t, gw.imageCalls, 2)
	assert.Equal(t, after.FinalPrompt, gw.imageCalls[1])
}

func TestRedoImageValidatesInstructions(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t, &fakeGateway{})

	var verr *validation.Error
	assert.ErrorAs(t, orch.RedoImage(context.Background(), 1, ""), &verr)
	assert.ErrorAs(t, orch.RedoImage(context.Background(), 1, "<script>alert(1)</script>"), &verr)
}

func TestRedoImageIllegalFromApproved(t *testing.T) {
	orch, tasks, specs, _ := newTestOrchestrator(t, &fakeGateway{})

	id := approvedTask(t, tasks, specs, "SKU-REDO2", "A garment.")

	err := orch.RedoImage(context.Background(), id, "try again")
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)

	assert.ErrorIs(t, orch.RedoImage(context.Background(), 777, "try again"), repository.ErrNotFound)
}

func TestRedoImageFailureMarksError(t *testing.T) {
	gw := &fakeGateway{}
	orch, tasks, specs, _ := newTestOrchestrator(t, gw)

	id := approvedTask(t, tasks, specs, "SKU-REDO3", "A garment.")
	_, err := orch.BulkGenerateImages(context.Background(), []int64{id})
	require.NoError(t, err)

	gw.imageErrFor = map[string]error{"SKU-REDO3": errors.New("boom")}
	require.Error(t, orch.RedoImage(context.Background(), id, "brighter lighting"))

	stored, err := tasks.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, stored.Status)
}

func TestFinalize(t *testing.T) {
	orch, tasks, specs, _ := newTestOrchestrator(t, &fakeGateway{})

	id := approvedTask(t, tasks, specs, "SKU-DONE1", "A garment.")
	_, err := orch.BulkGenerateImages(context.Background(), []int64{id})
	require.NoError(t, err)

	require.NoError(t, orch.Finalize(id))

	stored, err := tasks.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)

	// Terminal: nothing moves out of COMPLETED.
	assert.ErrorIs(t, orch.Finalize(id), repository.ErrInvalidTransition)
}
