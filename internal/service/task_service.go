package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"fetchd/internal/bencode"
	"fetchd/internal/domain"
	"fetchd/internal/repository"
)

// TaskService coordinates task level operations backed by repositories.
type TaskService interface {
	CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, error)
	GetTask(ctx context.Context, id int64) (*domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error)
	UpdateStatus(ctx context.Context, id int64, status domain.TaskStatus, errMsg *string) error
	UpdateDownloadInfo(ctx context.Context, id int64, name, filePath string, totalSize int64) error
	UpdateProgress(ctx context.Context, id int64, p domain.Progress) error
	MarkCompleted(ctx context.Context, id int64) error
	MarkArchived(ctx context.Context, id int64, location string) error
	DeleteTask(ctx context.Context, id int64) error
	ReplaceFiles(ctx context.Context, taskID int64, files []domain.TaskFile) error
	SelectFiles(ctx context.Context, taskID int64, paths []string) (*domain.Task, error)
}

type taskService struct {
	tasks    repository.TaskRepository
	files    repository.TaskFileRepository
	dataRoot string
}

func NewTaskService(tasks repository.TaskRepository, files repository.TaskFileRepository, dataRoot string) TaskService {
	return &taskService{
		tasks:    tasks,
		files:    files,
		dataRoot: dataRoot,
	}
}

// CreateTask persists a task resolved by the dispatcher. Every task gets its
// own directory below the data root so equal names never collide.
func (s *taskService) CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	if task.Locator == "" {
		return nil, errors.New("locator is required")
	}
	if task.Protocol == "" {
		return nil, errors.New("protocol is required")
	}
	name := task.Name
	if name == "" {
		name = "download"
	}
	task.Status = domain.TaskStatusPending
	task.FilePath = filepath.Join(s.dataRoot, uuid.NewString(), filepath.Base(name))
	if len(task.Files) > 0 {
		task.Description = bencode.EncodeStrings(task.SelectedPaths())
	}

	if _, err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	if len(task.Files) > 0 {
		for i := range task.Files {
			task.Files[i].TaskID = task.ID
		}
		if err := s.files.ReplaceForTask(ctx, task.ID, task.Files); err != nil {
			return nil, err
		}
	}
	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Files = files
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return nil, err
	}
	return tasks, s.attachFiles(ctx, tasks)
}

func (s *taskService) ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	tasks, err := s.tasks.ListByStatuses(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return tasks, s.attachFiles(ctx, tasks)
}

func (s *taskService) attachFiles(ctx context.Context, tasks []domain.Task) error {
	for i := range tasks {
		files, err := s.files.ListByTask(ctx, tasks[i].ID)
		if err != nil {
			return err
		}
		tasks[i].Files = files
	}
	return nil
}

func (s *taskService) UpdateStatus(ctx context.Context, id int64, status domain.TaskStatus, errMsg *string) error {
	return s.tasks.UpdateStatus(ctx, id, status, errMsg)
}

func (s *taskService) UpdateDownloadInfo(ctx context.Context, id int64, name, filePath string, totalSize int64) error {
	return s.tasks.UpdateDownloadInfo(ctx, id, name, filePath, totalSize)
}

func (s *taskService) UpdateProgress(ctx context.Context, id int64, p domain.Progress) error {
	return s.tasks.UpdateProgress(ctx, id, p)
}

func (s *taskService) MarkCompleted(ctx context.Context, id int64) error {
	return s.tasks.MarkCompleted(ctx, id, time.Now())
}

func (s *taskService) MarkArchived(ctx context.Context, id int64, location string) error {
	return s.tasks.MarkArchived(ctx, id, location)
}

func (s *taskService) DeleteTask(ctx context.Context, id int64) error {
	return s.tasks.Delete(ctx, id)
}

// ReplaceFiles stores the file list a downloader reported and refreshes the
// description blob from its selection.
func (s *taskService) ReplaceFiles(ctx context.Context, taskID int64, files []domain.TaskFile) error {
	if err := s.files.ReplaceForTask(ctx, taskID, files); err != nil {
		return err
	}
	t := domain.Task{Files: files}
	return s.tasks.UpdateDescription(ctx, taskID, bencode.EncodeStrings(t.SelectedPaths()))
}

func (s *taskService) SelectFiles(ctx context.Context, taskID int64, paths []string) (*domain.Task, error) {
	if len(paths) == 0 {
		return nil, errors.New("select at least one file")
	}
	if err := s.files.SetSelected(ctx, taskID, paths); err != nil {
		return nil, fmt.Errorf("select files: %w", err)
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Description = bencode.EncodeStrings(task.SelectedPaths())
	if err := s.tasks.UpdateDescription(ctx, taskID, task.Description); err != nil {
		return nil, err
	}
	return task, nil
}
