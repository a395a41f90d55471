package models

import (
	"time"

	"github.com/google/uuid"
)

type OperationType string

const (
	OperationBackup  OperationType = "Backup"
	OperationRestore OperationType = "Restore"
	OperationPreview OperationType = "Preview"
)

type OperationStatus string

const (
	StatusRunning   OperationStatus = "Running"
	StatusCompleted OperationStatus = "Completed"
	StatusFailed    OperationStatus = "Failed"
	StatusCancelled OperationStatus = "Cancelled"
)

// Operation records one executed backup, restore or preview.
type Operation struct {
	ID               string          `json:"id"`
	ProfileID        string          `json:"profile_id"`
	Type             OperationType   `json:"operation_type"`
	Status           OperationStatus `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	FilesTransferred int64           `json:"files_transferred"`
	BytesTransferred int64           `json:"bytes_transferred"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	LogOutput        string          `json:"log_output"`
}

// NewOperation starts a running operation.
func NewOperation(profileID string, opType OperationType) *Operation {
	return &Operation{
		ID:        uuid.New().String(),
		ProfileID: profileID,
		Type:      opType,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Finish stamps the completion time and final status. A non-empty message
// is recorded as the error.
func (o *Operation) Finish(status OperationStatus, message string) {
	now := time.Now().UTC()
	o.Status = status
	o.CompletedAt = &now
	if message != "" {
		o.ErrorMessage = message
	}
}

// Terminal reports whether the operation has finished.
func (o *Operation) Terminal() bool {
	return o.Status != StatusRunning
}

// ChangeAction classifies an entry of a dry-run diff.
type ChangeAction string

const (
	ActionCopy   ChangeAction = "Copy"
	ActionUpdate ChangeAction = "Update"
	ActionDelete ChangeAction = "Delete"
)

type FileChange struct {
	Path   string       `json:"path"`
	Size   int64        `json:"size"`
	Action ChangeAction `json:"action"`
}

// ChangeSet is the result of a dry-run: three disjoint lists plus totals.
type ChangeSet struct {
	ProfileID     string       `json:"profile_id"`
	FilesToCopy   []FileChange `json:"files_to_copy"`
	FilesToUpdate []FileChange `json:"files_to_update"`
	FilesToDelete []FileChange `json:"files_to_delete"`
	TotalFiles    int          `json:"total_files"`
	TotalSize     int64        `json:"total_size"`
	CreatedAt     time.Time    `json:"created_at"`
}

// NewChangeSet returns an empty change set for the profile.
func NewChangeSet(profileID string) *ChangeSet {
	return &ChangeSet{
		ProfileID:     profileID,
		FilesToCopy:   []FileChange{},
		FilesToUpdate: []FileChange{},
		FilesToDelete: []FileChange{},
		CreatedAt:     time.Now().UTC(),
	}
}

// Add files the change into the list matching its action and updates totals.
func (c *ChangeSet) Add(change FileChange) {
	switch change.Action {
	case ActionCopy:
		c.FilesToCopy = append(c.FilesToCopy, change)
	case ActionUpdate:
		c.FilesToUpdate = append(c.FilesToUpdate, change)
	case ActionDelete:
		c.FilesToDelete = append(c.FilesToDelete, change)
	default:
		return
	}
	c.TotalFiles++
	c.TotalSize += change.Size
}

// HasDeletes reports whether running the sync would remove remote files.
func (c *ChangeSet) HasDeletes() bool {
	return c != nil && len(c.FilesToDelete) > 0
}
