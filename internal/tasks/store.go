package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"uniapply-backend/internal/components/assert"
	"uniapply-backend/internal/components/chrono"
	"uniapply-backend/internal/components/db"
	"uniapply-backend/internal/components/telemetry"

	"github.com/google/uuid"
)

const (
	report_db_query = "db.query"
	report_report   = "store.report"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrTaskActive is returned when the (client, university, course) triple
	// already has a pending, in_progress or awaiting_human task.
	ErrTaskActive        = errors.New("an active task already exists for this course")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotRetryable      = errors.New("only failed tasks can be retried")
	ErrAlreadySuperseded = errors.New("task has already been retried")
)

// Task is one submission attempt for a (client, university, course) triple.
type Task struct {
	ID           string     `json:"id"`
	ClientID     string     `json:"client_id"`
	University   string     `json:"university"`
	CourseCode   string     `json:"course_code"`
	CourseName   string     `json:"course_name"`
	Status       Status     `json:"status"`
	CurrentStep  int        `json:"current_step"`
	LastError    string     `json:"last_error,omitempty"`
	Confirmation string     `json:"confirmation,omitempty"`
	Screenshot   string     `json:"screenshot,omitempty"`
	Supersedes   string     `json:"supersedes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).In(chrono.London())
	return &t
}

func fromRow(row db.ApplicationTask) Task {
	return Task{
		ID:           row.ID,
		ClientID:     row.ClientID,
		University:   row.University,
		CourseCode:   row.CourseCode,
		CourseName:   row.CourseName,
		Status:       Status(row.Status),
		CurrentStep:  int(row.CurrentStep),
		LastError:    row.LastError,
		Confirmation: row.Confirmation,
		Screenshot:   row.Screenshot,
		Supersedes:   row.Supersedes,
		CreatedAt:    time.Unix(row.CreatedAt, 0).In(chrono.London()),
		UpdatedAt:    time.Unix(row.UpdatedAt, 0).In(chrono.London()),
		StartedAt:    unixPtr(row.StartedAt),
		FinishedAt:   unixPtr(row.FinishedAt),
	}
}

// Store persists tasks and writes an audit entry for every change.
type Store struct {
	qry    *db.Queries
	makeTx db.MakeTx
	clock  chrono.API
	tel    telemetry.API
}

func NewStore(qry *db.Queries, makeTx db.MakeTx, clock chrono.API, tel telemetry.API) Store {
	assert.NotNil(qry, "queries")
	assert.NotNil(makeTx, "makeTx")
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "telemetry")

	return Store{
		qry:    qry,
		makeTx: makeTx,
		clock:  clock,
		tel:    telemetry.NewScopedAPI("tasks", tel),
	}
}

// NewTask describes the triple a task is created for.
type NewTask struct {
	ClientID   string
	University string
	CourseCode string
	CourseName string
}

func (s Store) insert(ctx context.Context, tx *db.Queries, req NewTask, supersedes, actor string) (Task, error) {
	_, err := tx.GetActiveTask(ctx, db.GetActiveTaskParams{
		ClientID:   req.ClientID,
		University: req.University,
		CourseCode: req.CourseCode,
	})
	if err == nil {
		return Task{}, ErrTaskActive
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.tel.ReportBroken(report_db_query, err, "GetActiveTask", req.ClientID)
		return Task{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Task{}, err
	}
	now := s.clock.Now()
	err = tx.CreateTask(ctx, db.CreateTaskParams{
		ID:         id.String(),
		ClientID:   req.ClientID,
		University: req.University,
		CourseCode: req.CourseCode,
		CourseName: req.CourseName,
		Status:     string(StatusPending),
		Supersedes: supersedes,
		CreatedAt:  now.Unix(),
		UpdatedAt:  now.Unix(),
	})
	if db.IsUniqueViolation(err) {
		// lost the race against a concurrent create, the partial index caught it
		return Task{}, ErrTaskActive
	}
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "CreateTask", req.ClientID)
		return Task{}, err
	}

	detail := map[string]string{
		"client_id":   req.ClientID,
		"university":  req.University,
		"course_code": req.CourseCode,
	}
	if supersedes != "" {
		detail["supersedes"] = supersedes
	}
	err = WriteAudit(ctx, tx, now, actor, "task.created", Resource(id.String()), detail)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "CreateAuditLog", id.String())
		return Task{}, err
	}

	row, err := tx.GetTask(ctx, id.String())
	if err != nil {
		return Task{}, err
	}
	return fromRow(row), nil
}

// Create adds a pending task, it fails with ErrTaskActive while another task
// for the same triple is still active.
func (s Store) Create(ctx context.Context, req NewTask, actor string) (Task, error) {
	if req.ClientID == "" || req.University == "" || req.CourseCode == "" {
		return Task{}, fmt.Errorf("task needs a client, a university and a course code")
	}

	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "BeginTx")
		return Task{}, err
	}
	defer discard()

	task, err := s.insert(ctx, tx, req, "", actor)
	if err != nil {
		return Task{}, err
	}
	err = commit()
	if db.IsUniqueViolation(err) {
		return Task{}, ErrTaskActive
	}
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s Store) Get(ctx context.Context, id string) (Task, error) {
	row, err := s.qry.GetTask(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "GetTask", id)
		return Task{}, err
	}
	return fromRow(row), nil
}

type Filter struct {
	ClientID string
	Status   Status
	Limit    int
}

// List returns tasks newest first.
func (s Store) List(ctx context.Context, filter Filter) ([]Task, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.qry.ListTasks(ctx, db.ListTasksParams{
		ClientID: filter.ClientID,
		Status:   string(filter.Status),
		Limit:    int64(limit),
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "ListTasks")
		return nil, err
	}
	out := make([]Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Retry creates a new pending task that supersedes a failed one. The failed
// task stays as it is.
func (s Store) Retry(ctx context.Context, taskID, actor string) (Task, error) {
	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "BeginTx")
		return Task{}, err
	}
	defer discard()

	old, err := tx.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "GetTask", taskID)
		return Task{}, err
	}
	if Status(old.Status) != StatusFailed {
		return Task{}, fmt.Errorf("%w: task is %s", ErrNotRetryable, old.Status)
	}
	newer, err := tx.GetSupersedingTask(ctx, taskID)
	if err == nil {
		return Task{}, fmt.Errorf("%w by %s", ErrAlreadySuperseded, newer.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.tel.ReportBroken(report_db_query, err, "GetSupersedingTask", taskID)
		return Task{}, err
	}

	task, err := s.insert(ctx, tx, NewTask{
		ClientID:   old.ClientID,
		University: old.University,
		CourseCode: old.CourseCode,
		CourseName: old.CourseName,
	}, old.ID, actor)
	if err != nil {
		return Task{}, err
	}
	err = WriteAudit(ctx, tx, s.clock.Now(), actor, "task.retried", Resource(old.ID), map[string]string{
		"superseded_by": task.ID,
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "CreateAuditLog", old.ID)
		return Task{}, err
	}

	err = commit()
	if db.IsUniqueViolation(err) {
		return Task{}, ErrTaskActive
	}
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// Transition is a status change reported for a task.
type Transition struct {
	Status Status
	// Step is the name of the step the session was in, it is only recorded in
	// the audit entry.
	Step         string
	Error        string
	Confirmation string
	Screenshot   string
	Actor        string
	// From, when set, only applies the transition while the task is still in
	// that status.
	From Status
}

const maxReportAttempts = 3

// Report applies tr to the task. Reporting the status the task already has
// changes nothing and writes no audit entry, so callers may report the same
// outcome more than once.
func (s Store) Report(ctx context.Context, taskID string, tr Transition) (Task, error) {
	var lastErr error
	for attempt := 0; attempt < maxReportAttempts; attempt++ {
		task, applied, err := s.report(ctx, taskID, tr)
		if err != nil {
			return Task{}, err
		}
		if applied {
			return task, nil
		}
		// the row changed between read and write, evaluate against the new status
		lastErr = fmt.Errorf("task %s changed while reporting %s", taskID, tr.Status)
	}
	s.tel.ReportBroken(report_report, lastErr)
	return Task{}, lastErr
}

func (s Store) report(ctx context.Context, taskID string, tr Transition) (Task, bool, error) {
	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "BeginTx")
		return Task{}, false, err
	}
	defer discard()

	row, err := tx.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, ErrNotFound
	}
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "GetTask", taskID)
		return Task{}, false, err
	}
	from := Status(row.Status)
	if tr.From != "" && from != tr.From && from != tr.Status {
		return Task{}, false, fmt.Errorf("%w: task is %s, not %s", ErrInvalidTransition, from, tr.From)
	}
	if from == tr.Status {
		return fromRow(row), true, nil
	}
	if !CanTransition(from, tr.Status) {
		return Task{}, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, tr.Status)
	}

	now := s.clock.Now()
	params := db.UpdateTaskStatusParams{
		Status:       string(tr.Status),
		LastError:    row.LastError,
		Confirmation: row.Confirmation,
		Screenshot:   row.Screenshot,
		UpdatedAt:    now.Unix(),
		StartedAt:    row.StartedAt,
		FinishedAt:   row.FinishedAt,
		ID:           row.ID,
		FromStatus:   row.Status,
	}
	switch tr.Status {
	case StatusInProgress:
		params.LastError = ""
		if !params.StartedAt.Valid {
			params.StartedAt = sql.NullInt64{Int64: now.Unix(), Valid: true}
		}
	case StatusFailed, StatusAwaitingHuman:
		params.LastError = tr.Error
	}
	if tr.Status.Finished() && !params.FinishedAt.Valid {
		params.FinishedAt = sql.NullInt64{Int64: now.Unix(), Valid: true}
	}
	if tr.Confirmation != "" {
		params.Confirmation = tr.Confirmation
	}
	if tr.Screenshot != "" {
		params.Screenshot = tr.Screenshot
	}

	n, err := tx.UpdateTaskStatus(ctx, params)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "UpdateTaskStatus", taskID)
		return Task{}, false, err
	}
	if n == 0 {
		return Task{}, false, nil
	}

	detail := map[string]string{
		"from": string(from),
		"to":   string(tr.Status),
	}
	if tr.Step != "" {
		detail["step"] = tr.Step
	}
	if tr.Error != "" {
		detail["error"] = tr.Error
	}
	if tr.Confirmation != "" {
		detail["confirmation"] = tr.Confirmation
	}
	err = WriteAudit(ctx, tx, now, tr.Actor, "task."+string(tr.Status), Resource(taskID), detail)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "CreateAuditLog", taskID)
		return Task{}, false, err
	}

	updated, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, false, err
	}
	err = commit()
	if err != nil {
		return Task{}, false, err
	}
	return fromRow(updated), true, nil
}

// Checkpoint records that the step at index step (named name) completed, a
// resumed session continues from the step after it. Checkpointing a step that
// was already recorded writes nothing.
func (s Store) Checkpoint(ctx context.Context, taskID string, step int, name string) error {
	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "BeginTx")
		return err
	}
	defer discard()

	row, err := tx.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "GetTask", taskID)
		return err
	}
	if Status(row.Status) != StatusInProgress {
		return fmt.Errorf("%w: cannot checkpoint a %s task", ErrInvalidTransition, row.Status)
	}
	if int64(step)+1 <= row.CurrentStep {
		return nil
	}

	now := s.clock.Now()
	err = tx.UpdateTaskStep(ctx, db.UpdateTaskStepParams{
		CurrentStep: int64(step) + 1,
		UpdatedAt:   now.Unix(),
		ID:          taskID,
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "UpdateTaskStep", taskID)
		return err
	}
	err = WriteAudit(ctx, tx, now, ActorSystem, "task.step_completed", Resource(taskID), map[string]string{
		"step":  name,
		"index": strconv.Itoa(step),
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "CreateAuditLog", taskID)
		return err
	}
	return commit()
}
