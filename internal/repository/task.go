package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/atelierkit/onmodel/internal/db"
	"github.com/atelierkit/onmodel/internal/models"
	"github.com/atelierkit/onmodel/internal/validation"
)

var (
	// ErrNotFound is returned when the referenced task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a requested status change is not
	// in the legal transition table. The stored status is left untouched.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const taskColumns = `id, product_code, status, uploaded_image_paths, spec_sheet_text,
	final_prompt, generated_image_path, redo_prompt, product_name, product_tags,
	batch_id, created_at, updated_at`

type TaskRepo struct {
	db  *sql.DB
	log *slog.Logger
}

func NewTaskRepo(database *sql.DB, log *slog.Logger) *TaskRepo {
	if log == nil {
		log = slog.Default()
	}
	return &TaskRepo{db: database, log: log}
}

// Create validates the product code and inserts a new task in NEW status.
func (r *TaskRepo) Create(productCode string, imagePaths []string, batchID string) (*models.Task, error) {
	if err := validation.SKU(productCode); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pathsStr := strings.Join(imagePaths, ",")

	result, err := r.db.Exec(`
		INSERT INTO tasks (product_code, status, uploaded_image_paths, batch_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, strings.TrimSpace(productCode), models.StatusNew, pathsStr, batchID, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return r.GetByID(id)
}

func (r *TaskRepo) GetByID(id int64) (*models.Task, error) {
	row := r.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Filter narrows List results. Both filters are applied in memory over the
// full set, which is fine at the scale of hundreds of tasks.
type Filter struct {
	Status models.Status
	// Tags is a key/value subset: a task matches when it carries every pair.
	Tags map[string]string
}

// List returns tasks ordered by creation time, newest first.
func (r *TaskRepo) List(filter Filter) ([]models.Task, error) {
	rows, err := r.db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if !matchesTags(task.ProductTags, filter.Tags) {
			continue
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func matchesTags(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// UpdateStatus moves a task to newStatus if the transition is legal,
// otherwise returns ErrInvalidTransition without touching the row.
func (r *TaskRepo) UpdateStatus(id int64, newStatus models.Status) error {
	if !models.IsValidStatus(newStatus) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	return db.WithTx(r.db, func(tx *sql.Tx) error {
		var current models.Status
		err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if !models.CanTransition(current, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
		}

		_, err = tx.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			newStatus, time.Now().UTC(), id)
		return err
	})
}

// ClaimForGeneration atomically moves APPROVED tasks to GENERATING and
// returns the IDs actually claimed. A task already claimed by a concurrent
// batch has left APPROVED, so its conditional update affects zero rows and
// it is skipped. First writer wins.
func (r *TaskRepo) ClaimForGeneration(ids []int64) ([]int64, error) {
	claimed := make([]int64, 0, len(ids))
	now := time.Now().UTC()

	for _, id := range ids {
		result, err := r.db.Exec(`
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, models.StatusGenerating, now, id, models.StatusApproved)
		if err != nil {
			return claimed, fmt.Errorf("claim task %d: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if affected > 0 {
			claimed = append(claimed, id)
		}
	}

	return claimed, nil
}

// AttachAIMetadata stores the AI-derived product name and tags. Status is
// not touched.
func (r *TaskRepo) AttachAIMetadata(id int64, productName string, tags map[string]string) error {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}

	result, err := r.db.Exec(`UPDATE tasks SET product_name = ?, product_tags = ?, updated_at = ? WHERE id = ?`,
		productName, string(tagsJSON), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// RecordGeneratedImage persists the generation result and moves the task to
// PENDING_IMAGE_REVIEW, the fixed post-generation state.
func (r *TaskRepo) RecordGeneratedImage(id int64, finalPrompt, imagePath, redoPrompt string) error {
	result, err := r.db.Exec(`
		UPDATE tasks SET final_prompt = ?, generated_image_path = ?, redo_prompt = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, finalPrompt, imagePath, redoPrompt, models.StatusPendingImageReview, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// Delete removes tasks and their version rows transactionally, then removes
// referenced image files from disk. File removal is best effort: a failure
// is logged and does not fail the operation.
func (r *TaskRepo) Delete(ids []int64) error {
	for _, id := range ids {
		task, err := r.GetByID(id)
		if err != nil {
			return err
		}
		if task == nil {
			continue
		}

		err = db.WithTx(r.db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(`DELETE FROM spec_sheet_versions WHERE task_id = ?`, id); err != nil {
				return err
			}
			_, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id)
			return err
		})
		if err != nil {
			return fmt.Errorf("delete task %d: %w", id, err)
		}

		paths := append([]string{}, task.UploadedImagePaths...)
		if task.GeneratedImagePath != "" {
			paths = append(paths, task.GeneratedImagePath)
		}
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				r.log.Warn("failed to remove task file", "task_id", id, "path", p, "error", err)
			}
		}
	}

	return nil
}

// AllTags scans every task and returns the unique tags as sorted
// "Key: value" display strings. Malformed tag data is skipped.
func (r *TaskRepo) AllTags() ([]string, error) {
	tasks, err := r.List(Filter{})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, task := range tasks {
		for k, v := range task.ProductTags {
			seen[titleCase(k)+": "+v] = struct{}{}
		}
	}

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var status, pathsStr, tagsJSON string

	err := row.Scan(
		&t.ID, &t.ProductCode, &status, &pathsStr, &t.SpecSheetText,
		&t.FinalPrompt, &t.GeneratedImagePath, &t.RedoPrompt, &t.ProductName, &tagsJSON,
		&t.BatchID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = models.Status(status)
	if pathsStr != "" {
		t.UploadedImagePaths = strings.Split(pathsStr, ",")
	}
	if tagsJSON != "" {
		// Tags written before the JSON format stabilized may not parse;
		// treat them as absent rather than failing the read.
		if err := json.Unmarshal([]byte(tagsJSON), &t.ProductTags); err != nil {
			t.ProductTags = nil
		}
	}

	return &t, nil
}
