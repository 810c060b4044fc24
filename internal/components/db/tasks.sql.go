package db

import (
	"context"
	"database/sql"
)

const taskColumns = `id, client_id, university, course_code, course_name, status, current_step,
    last_error, confirmation, screenshot, supersedes, created_at, updated_at, started_at, finished_at`

func scanTask(row rowScanner) (ApplicationTask, error) {
	var i ApplicationTask
	err := row.Scan(
		&i.ID,
		&i.ClientID,
		&i.University,
		&i.CourseCode,
		&i.CourseName,
		&i.Status,
		&i.CurrentStep,
		&i.LastError,
		&i.Confirmation,
		&i.Screenshot,
		&i.Supersedes,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.StartedAt,
		&i.FinishedAt,
	)
	return i, err
}

func scanTasks(rows *sql.Rows) ([]ApplicationTask, error) {
	defer rows.Close()
	var items []ApplicationTask
	for rows.Next() {
		i, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createTask = `INSERT INTO application_tasks (
    id, client_id, university, course_code, course_name, status, supersedes, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

type CreateTaskParams struct {
	ID         string
	ClientID   string
	University string
	CourseCode string
	CourseName string
	Status     string
	Supersedes string
	CreatedAt  int64
	UpdatedAt  int64
}

func (q *Queries) CreateTask(ctx context.Context, arg CreateTaskParams) error {
	_, err := q.db.ExecContext(ctx, createTask,
		arg.ID,
		arg.ClientID,
		arg.University,
		arg.CourseCode,
		arg.CourseName,
		arg.Status,
		arg.Supersedes,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return err
}

const getTask = `SELECT ` + taskColumns + ` FROM application_tasks WHERE id = $1`

func (q *Queries) GetTask(ctx context.Context, id string) (ApplicationTask, error) {
	row := q.db.QueryRowContext(ctx, getTask, id)
	return scanTask(row)
}

const getActiveTask = `SELECT ` + taskColumns + ` FROM application_tasks
WHERE client_id = $1 AND university = $2 AND course_code = $3
    AND status IN ('pending', 'in_progress', 'awaiting_human')`

type GetActiveTaskParams struct {
	ClientID   string
	University string
	CourseCode string
}

func (q *Queries) GetActiveTask(ctx context.Context, arg GetActiveTaskParams) (ApplicationTask, error) {
	row := q.db.QueryRowContext(ctx, getActiveTask, arg.ClientID, arg.University, arg.CourseCode)
	return scanTask(row)
}

const listTasks = `SELECT ` + taskColumns + ` FROM application_tasks
WHERE ($1 = '' OR client_id = $1) AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id LIMIT $3`

type ListTasksParams struct {
	ClientID string
	Status   string
	Limit    int64
}

func (q *Queries) ListTasks(ctx context.Context, arg ListTasksParams) ([]ApplicationTask, error) {
	rows, err := q.db.QueryContext(ctx, listTasks, arg.ClientID, arg.Status, arg.Limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

const listStaleTasks = `SELECT ` + taskColumns + ` FROM application_tasks
WHERE status = 'in_progress' AND updated_at < $1
ORDER BY updated_at`

func (q *Queries) ListStaleTasks(ctx context.Context, updatedBefore int64) ([]ApplicationTask, error) {
	rows, err := q.db.QueryContext(ctx, listStaleTasks, updatedBefore)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

const updateTaskStatus = `UPDATE application_tasks SET
    status = $1, last_error = $2, confirmation = $3, screenshot = $4,
    updated_at = $5, started_at = $6, finished_at = $7
WHERE id = $8 AND status = $9`

type UpdateTaskStatusParams struct {
	Status       string
	LastError    string
	Confirmation string
	Screenshot   string
	UpdatedAt    int64
	StartedAt    sql.NullInt64
	FinishedAt   sql.NullInt64
	ID           string
	FromStatus   string
}

// UpdateTaskStatus only applies while the row still has FromStatus, it returns
// the number of rows changed.
func (q *Queries) UpdateTaskStatus(ctx context.Context, arg UpdateTaskStatusParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, updateTaskStatus,
		arg.Status,
		arg.LastError,
		arg.Confirmation,
		arg.Screenshot,
		arg.UpdatedAt,
		arg.StartedAt,
		arg.FinishedAt,
		arg.ID,
		arg.FromStatus,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const updateTaskStep = `UPDATE application_tasks SET current_step = $1, updated_at = $2 WHERE id = $3`

type UpdateTaskStepParams struct {
	CurrentStep int64
	UpdatedAt   int64
	ID          string
}

func (q *Queries) UpdateTaskStep(ctx context.Context, arg UpdateTaskStepParams) error {
	_, err := q.db.ExecContext(ctx, updateTaskStep, arg.CurrentStep, arg.UpdatedAt, arg.ID)
	return err
}

const getSupersedingTask = `SELECT ` + taskColumns + ` FROM application_tasks
WHERE supersedes = $1 ORDER BY created_at DESC, id DESC LIMIT 1`

func (q *Queries) GetSupersedingTask(ctx context.Context, id string) (ApplicationTask, error) {
	row := q.db.QueryRowContext(ctx, getSupersedingTask, id)
	return scanTask(row)
}
