package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/atelierkit/onmodel/internal/db"
	"github.com/atelierkit/onmodel/internal/models"
)

// SpecSheetRepo maintains the append-only spec sheet version log. Every
// combined operation runs in a single transaction so the version log and the
// denormalized spec_sheet_text column on the task can never diverge.
type SpecSheetRepo struct {
	db *sql.DB
}

func NewSpecSheetRepo(database *sql.DB) *SpecSheetRepo {
	return &SpecSheetRepo{db: database}
}

// Versions returns the full version history for a task, oldest first.
func (r *SpecSheetRepo) Versions(taskID int64) ([]models.SpecSheetVersion, error) {
	rows, err := r.db.Query(`
		SELECT id, task_id, version_number, spec_text, author, created_at
		FROM spec_sheet_versions
		WHERE task_id = ?
		ORDER BY version_number ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []models.SpecSheetVersion
	for rows.Next() {
		var v models.SpecSheetVersion
		if err := rows.Scan(&v.ID, &v.TaskID, &v.VersionNumber, &v.SpecText, &v.Author, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// AddInitialSpecSheet records the first AI-generated spec sheet: version 1
// authored by AI, the denormalized text, and the NEW -> PENDING_APPROVAL
// transition, all in one transaction.
func (r *SpecSheetRepo) AddInitialSpecSheet(taskID int64, specText string) error {
	return db.WithTx(r.db, func(tx *sql.Tx) error {
		current, err := taskStatus(tx, taskID)
		if err != nil {
			return err
		}
		if !models.CanTransition(current, models.StatusPendingApproval) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, models.StatusPendingApproval)
		}

		if _, err := createVersion(tx, taskID, specText, models.AuthorAI); err != nil {
			return err
		}

		_, err = tx.Exec(`UPDATE tasks SET spec_sheet_text = ?, status = ?, updated_at = ? WHERE id = ?`,
			specText, models.StatusPendingApproval, time.Now().UTC(), taskID)
		return err
	})
}

// SaveEdit stores a human edit. A new USER version is appended only when the
// text differs byte-for-byte from the latest version; the denormalized text
// is always written so repeated saves stay idempotent on a single write path.
func (r *SpecSheetRepo) SaveEdit(taskID int64, newText string) error {
	return db.WithTx(r.db, func(tx *sql.Tx) error {
		if _, err := taskStatus(tx, taskID); err != nil {
			return err
		}
		return saveEditInTx(tx, taskID, newText)
	})
}

// Approve is SaveEdit plus the transition to APPROVED; both apply or neither.
func (r *SpecSheetRepo) Approve(taskID int64, finalText string) error {
	return db.WithTx(r.db, func(tx *sql.Tx) error {
		current, err := taskStatus(tx, taskID)
		if err != nil {
			return err
		}
		if !models.CanTransition(current, models.StatusApproved) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, models.StatusApproved)
		}

		if err := saveEditInTx(tx, taskID, finalText); err != nil {
			return err
		}

		_, err = tx.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			models.StatusApproved, time.Now().UTC(), taskID)
		return err
	})
}

func saveEditInTx(tx *sql.Tx, taskID int64, newText string) error {
	var latestText sql.NullString
	err := tx.QueryRow(`
		SELECT spec_text FROM spec_sheet_versions
		WHERE task_id = ?
		ORDER BY version_number DESC
		LIMIT 1
	`, taskID).Scan(&latestText)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if !latestText.Valid || latestText.String != newText {
		if _, err := createVersion(tx, taskID, newText, models.AuthorUser); err != nil {
			return err
		}
	}

	_, err = tx.Exec(`UPDATE tasks SET spec_sheet_text = ?, updated_at = ? WHERE id = ?`,
		newText, time.Now().UTC(), taskID)
	return err
}

// createVersion appends the next contiguous version number for the task.
// The MAX+1 read and the insert share the caller's transaction.
func createVersion(tx *sql.Tx, taskID int64, specText, author string) (int, error) {
	var next int
	err := tx.QueryRow(`
		SELECT COALESCE(MAX(version_number), 0) + 1 FROM spec_sheet_versions WHERE task_id = ?
	`, taskID).Scan(&next)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(`
		INSERT INTO spec_sheet_versions (task_id, version_number, spec_text, author, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, next, specText, author, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert spec sheet version: %w", err)
	}

	return next, nil
}

func taskStatus(tx *sql.Tx, taskID int64) (models.Status, error) {
	var status models.Status
	err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}
