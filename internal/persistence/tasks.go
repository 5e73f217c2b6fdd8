package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Filter selects which tasks ListTasks returns.
type Filter string

const (
	FilterAll    Filter = "all"
	FilterOpen   Filter = "open"
	FilterClosed Filter = "closed"
)

// ParseFilter maps the user-facing filter names. Empty means all.
func ParseFilter(raw string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterOpen:
		return FilterOpen, nil
	case FilterClosed:
		return FilterClosed, nil
	default:
		return "", &ValidationError{Field: "filter", Reason: fmt.Sprintf("unknown filter %q (want all, open or closed)", raw)}
	}
}

// Task is one row of the tasks table. ClosedAt and TimeSpent are nil while
// the task is open and both set once it is closed.
type Task struct {
	ID          int64      `json:"id"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at"`
	TimeSpent   *float64   `json:"time_spent"`
	IsClosed    bool       `json:"is_closed"`
}

const taskColumns = `id, description, created_at, closed_at, time_spent, is_closed`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		closedAt  sql.NullTime
		timeSpent sql.NullFloat64
	)
	if err := scanFn(&task.ID, &task.Description, &task.CreatedAt, &closedAt, &timeSpent, &task.IsClosed); err != nil {
		return err
	}
	task.ClosedAt = nil
	task.TimeSpent = nil
	if closedAt.Valid {
		t := closedAt.Time
		task.ClosedAt = &t
	}
	if timeSpent.Valid {
		v := timeSpent.Float64
		task.TimeSpent = &v
	}
	return nil
}

func validateDescription(description string) (string, error) {
	trimmed := strings.TrimSpace(description)
	if trimmed == "" {
		return "", &ValidationError{Field: "description", Reason: "must not be empty"}
	}
	return trimmed, nil
}

func validateHours(hours float64) error {
	if math.IsNaN(hours) || math.IsInf(hours, 0) {
		return &ValidationError{Field: "time_spent", Reason: "must be a finite number"}
	}
	if hours < 0 {
		return &ValidationError{Field: "time_spent", Reason: "must not be negative"}
	}
	return nil
}

// CreateTask inserts a new open task and returns it.
func (s *Store) CreateTask(ctx context.Context, description string) (*Task, error) {
	desc, err := validateDescription(description)
	if err != nil {
		return nil, err
	}
	createdAt := s.now().UTC()

	var id int64
	err = retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (description, created_at, is_closed) VALUES (?, ?, 0);
		`, desc, createdAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return &Task{ID: id, Description: desc, CreatedAt: createdAt}, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, id).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks matching filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter Filter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	switch filter {
	case FilterOpen:
		query += ` WHERE is_closed = 0`
	case FilterClosed:
		query += ` WHERE is_closed = 1`
	case FilterAll, "":
	default:
		return nil, &ValidationError{Field: "filter", Reason: fmt.Sprintf("unknown filter %q", filter)}
	}
	query += ` ORDER BY id DESC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateDescription(ctx context.Context, id int64, description string) (*Task, error) {
	desc, err := validateDescription(description)
	if err != nil {
		return nil, err
	}
	var affected int64
	err = retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE tasks SET description = ? WHERE id = ?;`, desc, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update task description: %w", err)
	}
	if affected == 0 {
		return nil, &NotFoundError{ID: id}
	}
	return s.GetTask(ctx, id)
}

// CloseTask marks an open task closed, recording hours spent and closed_at.
// The state check and the write are one conditional UPDATE, so of two
// concurrent closes on the same id exactly one succeeds and the other gets
// ErrAlreadyClosed.
func (s *Store) CloseTask(ctx context.Context, id int64, hours float64) (*Task, error) {
	if err := validateHours(hours); err != nil {
		return nil, err
	}
	closedAt := s.now().UTC()

	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET closed_at = ?, time_spent = ?, is_closed = 1
			WHERE id = ? AND is_closed = 0;
		`, closedAt, hours, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("close task: %w", err)
	}
	if affected == 0 {
		return nil, closeMissError(ctx, id, func(dest ...any) error {
			return s.db.QueryRowContext(ctx, `SELECT is_closed FROM tasks WHERE id = ?;`, id).Scan(dest...)
		})
	}
	return s.GetTask(ctx, id)
}

// closeMissError explains a close that updated no row: the task is either
// gone or already closed. The state read retries on SQLITE_BUSY like the
// write before it.
func closeMissError(ctx context.Context, id int64, scanFn func(dest ...any) error) error {
	var isClosed bool
	err := retryOnBusy(ctx, busyRetries, func() error { return scanFn(&isClosed) })
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{ID: id}
	}
	if err != nil {
		return fmt.Errorf("close task: read state: %w", err)
	}
	return ErrAlreadyClosed
}

// DeleteTask removes a task permanently. Deleting a missing id is NotFound.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}
