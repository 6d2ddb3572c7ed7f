package models

import "time"

// Status is the lifecycle state of a task. Transitions outside the legal
// table are rejected by the repository.
type Status string

const (
	StatusNew                Status = "NEW"
	StatusPendingApproval    Status = "PENDING_APPROVAL"
	StatusApproved           Status = "APPROVED"
	StatusGenerating         Status = "GENERATING"
	StatusPendingImageReview Status = "PENDING_IMAGE_REVIEW"
	StatusPendingRedo        Status = "PENDING_REDO"
	StatusCompleted          Status = "COMPLETED"
	StatusRejected           Status = "REJECTED"
	StatusError              Status = "ERROR"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusNew,
	StatusPendingApproval,
	StatusApproved,
	StatusGenerating,
	StatusPendingImageReview,
	StatusPendingRedo,
	StatusCompleted,
	StatusRejected,
	StatusError,
}

// legalTransitions is the single source of truth for the state machine.
// COMPLETED, REJECTED and ERROR are terminal.
var legalTransitions = map[Status][]Status{
	StatusNew:                {StatusPendingApproval, StatusError},
	StatusPendingApproval:    {StatusApproved, StatusRejected},
	StatusApproved:           {StatusGenerating},
	StatusGenerating:         {StatusPendingImageReview, StatusError},
	StatusPendingImageReview: {StatusCompleted, StatusGenerating, StatusPendingRedo},
	StatusPendingRedo:        {StatusCompleted, StatusGenerating},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidStatus reports whether s is one of the defined statuses.
func IsValidStatus(s Status) bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Author values for spec sheet versions.
const (
	AuthorAI   = "AI"
	AuthorUser = "USER"
)

type Task struct {
	ID                 int64
	ProductCode        string
	Status             Status
	UploadedImagePaths []string
	SpecSheetText      string
	FinalPrompt        string
	GeneratedImagePath string
	RedoPrompt         string
	ProductName        string
	ProductTags        map[string]string
	BatchID            string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type SpecSheetVersion struct {
	ID            int64
	TaskID        int64
	VersionNumber int
	SpecText      string
	Author        string
	CreatedAt     time.Time
}
