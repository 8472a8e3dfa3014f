package repository

import (
	"context"
	"time"

	"fetchd/internal/domain"
)

// TaskRepository exposes persistence operations for Task aggregates.
// Lookups of a missing id fail with domain.ErrNotFound.
type TaskRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, task *domain.Task) (int64, error)
	Update(ctx context.Context, task *domain.Task) error
	UpdateStatus(ctx context.Context, id int64, status domain.TaskStatus, errorMessage *string) error
	UpdateProgress(ctx context.Context, id int64, p domain.Progress) error
	UpdateDownloadInfo(ctx context.Context, id int64, name, filePath string, totalSize int64) error
	UpdateDescription(ctx context.Context, id int64, description string) error
	MarkCompleted(ctx context.Context, id int64, completedAt time.Time) error
	MarkArchived(ctx context.Context, id int64, location string) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error)
}

// TaskFileRepository manages the file list of torrent and HLS tasks.
type TaskFileRepository interface {
	Init(ctx context.Context) error
	ReplaceForTask(ctx context.Context, taskID int64, files []domain.TaskFile) error
	ListByTask(ctx context.Context, taskID int64) ([]domain.TaskFile, error)
	// SetSelected marks exactly the given paths as selected.
	SetSelected(ctx context.Context, taskID int64, paths []string) error
}
