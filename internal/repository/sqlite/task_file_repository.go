package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"fetchd/internal/domain"
	"fetchd/internal/repository"
)

const createTaskFilesTable = `
CREATE TABLE IF NOT EXISTS task_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	size INTEGER NOT NULL,
	path TEXT NOT NULL,
	selected INTEGER NOT NULL DEFAULT 1,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_files_task_id ON task_files(task_id);
`

// TaskFileRepository keeps the per-task file list in insertion order, which
// is the order of the torrent's info dictionary or the playlist's variants.
type TaskFileRepository struct {
	db *sql.DB
}

func NewTaskFileRepository(db *sql.DB) repository.TaskFileRepository {
	return &TaskFileRepository{db: db}
}

func (r *TaskFileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTaskFilesTable); err != nil {
		return fmt.Errorf("create task_files table: %w", err)
	}
	// older databases stored a numeric priority instead of the flag
	return ensureColumns(ctx, r.db, "task_files", map[string]string{
		"selected": `ALTER TABLE task_files ADD COLUMN selected INTEGER NOT NULL DEFAULT 1`,
	})
}

// ReplaceForTask swaps the whole file list of a task and fills in the new row ids.
func (r *TaskFileRepository) ReplaceForTask(ctx context.Context, taskID int64, files []domain.TaskFile) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_files WHERE task_id=?`, taskID); err != nil {
			return fmt.Errorf("delete files of task %d: %w", taskID, err)
		}
		if len(files) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO task_files (task_id, name, size, path, selected) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare file insert: %w", err)
		}
		defer stmt.Close()

		for i := range files {
			f := &files[i]
			res, err := stmt.ExecContext(ctx, taskID, f.Name, f.Size, f.Path, f.Selected)
			if err != nil {
				return fmt.Errorf("insert file %s: %w", f.Path, err)
			}
			if f.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("file last insert id: %w", err)
			}
			f.TaskID = taskID
		}
		return nil
	})
}

func (r *TaskFileRepository) ListByTask(ctx context.Context, taskID int64) ([]domain.TaskFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, task_id, name, size, path, selected
FROM task_files
WHERE task_id=?
ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task files: %w", err)
	}
	defer rows.Close()

	var files []domain.TaskFile
	for rows.Next() {
		var f domain.TaskFile
		if err := rows.Scan(&f.ID, &f.TaskID, &f.Name, &f.Size, &f.Path, &f.Selected); err != nil {
			return nil, fmt.Errorf("scan task file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// SetSelected flips the flag of every file of the task in one statement.
// Unknown paths are rejected before anything changes.
func (r *TaskFileRepository) SetSelected(ctx context.Context, taskID int64, paths []string) error {
	files, err := r.ListByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if !slices.ContainsFunc(files, func(f domain.TaskFile) bool { return f.Path == p }) {
			return fmt.Errorf("file %q of task %d: %w", p, taskID, domain.ErrNotFound)
		}
	}
	if len(paths) == 0 {
		_, err = r.db.ExecContext(ctx, `UPDATE task_files SET selected=0 WHERE task_id=?`, taskID)
	} else {
		args := make([]any, 0, len(paths)+1)
		for _, p := range paths {
			args = append(args, p)
		}
		args = append(args, taskID)
		_, err = r.db.ExecContext(ctx,
			`UPDATE task_files SET selected = (path IN (`+placeholders(len(paths))+`)) WHERE task_id=?`, args...)
	}
	if err != nil {
		return fmt.Errorf("update file selection: %w", err)
	}
	return nil
}
