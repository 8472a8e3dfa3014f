package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fetchd/internal/domain"
	"fetchd/internal/repository"
)

const (
	createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	locator TEXT NOT NULL,
	protocol TEXT NOT NULL,
	status TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL DEFAULT '',
	total_size INTEGER NOT NULL DEFAULT 0,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	uploaded_bytes INTEGER NOT NULL DEFAULT 0,
	progress INTEGER NOT NULL DEFAULT 0,
	speed INTEGER NOT NULL DEFAULT 0,
	total_peers INTEGER NOT NULL DEFAULT 0,
	active_peers INTEGER NOT NULL DEFAULT 0,
	connected_seeders INTEGER NOT NULL DEFAULT 0,
	description TEXT NOT NULL DEFAULT '',
	s3_location TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

	taskColumns = `id, locator, protocol, status, name, file_path, total_size, downloaded_bytes, uploaded_bytes, progress, speed, total_peers, active_peers, connected_seeders, description, s3_location, error_message, created_at, updated_at, completed_at`
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return ensureColumns(ctx, r.db, "tasks", map[string]string{
		"uploaded_bytes": `ALTER TABLE tasks ADD COLUMN uploaded_bytes INTEGER NOT NULL DEFAULT 0`,
		"description":    `ALTER TABLE tasks ADD COLUMN description TEXT NOT NULL DEFAULT ''`,
	})
}

// mutableTaskColumns are written by Create and Update, in taskValues order.
var mutableTaskColumns = []string{
	"locator", "protocol", "status", "name", "file_path", "total_size",
	"downloaded_bytes", "uploaded_bytes", "progress", "speed",
	"total_peers", "active_peers", "connected_seeders",
	"description", "s3_location", "error_message",
}

func taskValues(t *domain.Task) []any {
	return []any{
		t.Locator, string(t.Protocol), string(t.Status), t.Name, t.FilePath, t.TotalSize,
		t.DownloadedBytes, t.UploadedBytes, t.Progress, t.Speed,
		t.TotalPeers, t.ActivePeers, t.ConnectedSeeders,
		t.Description, t.S3Location, t.ErrorMessage,
	}
}

func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) (int64, error) {
	now := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now

	cols := append(append([]string{}, mutableTaskColumns...), "created_at", "updated_at")
	query := fmt.Sprintf(`INSERT INTO tasks (%s) VALUES (%s)`, strings.Join(cols, ", "), placeholders(len(cols)))
	res, err := r.db.ExecContext(ctx, query, append(taskValues(task), now, now)...)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	if task.ID, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return task.ID, nil
}

func (r *TaskRepository) Update(ctx context.Context, task *domain.Task) error {
	task.UpdatedAt = time.Now().UTC()
	cols := append(append([]string{}, mutableTaskColumns...), "completed_at")
	args := append(taskValues(task), nullTime(task.CompletedAt))
	return r.exec(ctx, "update task", task.ID, true, strings.Join(cols, "=?, ")+"=?", args...)
}

// exec runs UPDATE tasks SET <set>, updated_at=? WHERE id=?. With mustExist a
// missing row yields domain.ErrNotFound.
func (r *TaskRepository) exec(ctx context.Context, op string, id int64, mustExist bool, set string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET `+set+`, updated_at=? WHERE id=?`, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !mustExist {
		return nil
	}
	return expectRow(res, id)
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, id int64, status domain.TaskStatus, errorMessage *string) error {
	var msg string
	if errorMessage != nil {
		msg = *errorMessage
	}
	return r.exec(ctx, "update task status", id, true, `status=?, error_message=?`, string(status), msg)
}

func (r *TaskRepository) UpdateProgress(ctx context.Context, id int64, p domain.Progress) error {
	return r.exec(ctx, "update task progress", id, false,
		`progress=?, speed=?, downloaded_bytes=?, uploaded_bytes=?, total_peers=?, active_peers=?, connected_seeders=?`,
		p.Progress, p.Speed, p.Downloaded, p.Uploaded, p.TotalPeers, p.ActivePeers, p.ConnectedSeeders)
}

func (r *TaskRepository) UpdateDownloadInfo(ctx context.Context, id int64, name, filePath string, totalSize int64) error {
	return r.exec(ctx, "update download info", id, false, `name=?, file_path=?, total_size=?`, name, filePath, totalSize)
}

func (r *TaskRepository) UpdateDescription(ctx context.Context, id int64, description string) error {
	return r.exec(ctx, "update description", id, false, `description=?`, description)
}

// MarkCompleted also clears any error left by a failed attempt.
func (r *TaskRepository) MarkCompleted(ctx context.Context, id int64, completedAt time.Time) error {
	return r.exec(ctx, "mark completed", id, false, `status=?, progress=100, error_message='', completed_at=?`,
		string(domain.TaskStatusCompleted), completedAt.UTC())
}

func (r *TaskRepository) MarkArchived(ctx context.Context, id int64, location string) error {
	return r.exec(ctx, "mark archived", id, false, `s3_location=?`, location)
}

// Delete drops the task and its file rows together.
func (r *TaskRepository) Delete(ctx context.Context, id int64) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_files WHERE task_id=?`, id); err != nil {
			return fmt.Errorf("delete task files: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return expectRow(res, id)
	})
}

func (r *TaskRepository) Get(ctx context.Context, id int64) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (r *TaskRepository) List(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *TaskRepository) ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return []domain.Task{}, nil
	}
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE status IN (%s) ORDER BY id ASC`, taskColumns, placeholders(len(statuses)))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var (
		task        domain.Task
		protocol    string
		status      string
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&task.ID, &task.Locator, &protocol, &status, &task.Name, &task.FilePath, &task.TotalSize,
		&task.DownloadedBytes, &task.UploadedBytes, &task.Progress, &task.Speed,
		&task.TotalPeers, &task.ActivePeers, &task.ConnectedSeeders,
		&task.Description, &task.S3Location, &task.ErrorMessage,
		&task.CreatedAt, &task.UpdatedAt, &completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Protocol = domain.Protocol(protocol)
	task.Status = domain.TaskStatus(status)
	task.CreatedAt = task.CreatedAt.Local()
	task.UpdatedAt = task.UpdatedAt.Local()
	if completedAt.Valid {
		t := completedAt.Time.Local()
		task.CompletedAt = &t
	}
	return &task, nil
}

func expectRow(res sql.Result, id int64) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
