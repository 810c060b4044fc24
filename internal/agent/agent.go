// Package agent turns operator commands into application tasks and starts
// their sessions in the background.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"uniapply-backend/internal/automation"
	"uniapply-backend/internal/components/assert"
	"uniapply-backend/internal/components/telemetry"
	"uniapply-backend/internal/portal"
	"uniapply-backend/internal/profile"
	"uniapply-backend/internal/tasks"

	"golang.org/x/sync/errgroup"
)

const (
	report_dispatcher_session = "dispatcher.session"
)

type CommandType string

const (
	CommandSubmitApplication CommandType = "submit_application"
	CommandSubmitAll         CommandType = "submit_all"
	CommandResumeTask        CommandType = "resume_task"
	CommandRetryTask         CommandType = "retry_task"
)

// CentralCourse is the course code of a task that submits every choice through
// a central portal in one session.
const CentralCourse = "*"

var (
	ErrUnknownCommand = errors.New("unknown command type")
	ErrMissingParam   = errors.New("missing command parameter")
	ErrNothingToDo    = errors.New("client has no course choices for this command")
)

type Command struct {
	CommandType CommandType       `json:"command_type"`
	ClientID    string            `json:"client_id"`
	Parameters  map[string]string `json:"parameters"`
}

func (c Command) param(name string) (string, error) {
	v := strings.TrimSpace(c.Parameters[name])
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, name)
	}
	return v, nil
}

// Skipped is a course that already had an active task.
type Skipped struct {
	University string `json:"university"`
	CourseCode string `json:"course_code"`
	Reason     string `json:"reason"`
}

type Result struct {
	TaskIDs []string  `json:"task_ids"`
	Skipped []Skipped `json:"skipped,omitempty"`
}

// Runner is the session controller as seen by the dispatcher.
type Runner interface {
	Run(ctx context.Context, taskID string) (tasks.Task, error)
	Resume(ctx context.Context, taskID string) (tasks.Task, error)
}

type Dispatcher struct {
	profiles profile.Store
	tasks    tasks.Store
	portals  portal.Registry
	runner   Runner
	tel      telemetry.API

	// sessions outlive the request that started them, they stop with base
	base  context.Context
	group *errgroup.Group
}

func NewDispatcher(
	base context.Context,
	profiles profile.Store,
	taskStore tasks.Store,
	portals portal.Registry,
	runner Runner,
	tel telemetry.API,
) *Dispatcher {
	assert.NotNil(runner, "runner")
	assert.NotNil(tel, "telemetry")
	return &Dispatcher{
		profiles: profiles,
		tasks:    taskStore,
		portals:  portals,
		runner:   runner,
		tel:      telemetry.NewScopedAPI("agent", tel),
		base:     base,
		group:    &errgroup.Group{},
	}
}

// Execute creates every task the command asks for and starts their sessions.
// Task creation is synchronous so conflicts reach the caller, the sessions are
// not waited for.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command, actor string) (Result, error) {
	switch cmd.CommandType {
	case CommandSubmitApplication:
		return d.submitApplication(ctx, cmd, actor)
	case CommandSubmitAll:
		return d.submitAll(ctx, cmd, actor)
	case CommandResumeTask:
		return d.resume(ctx, cmd)
	case CommandRetryTask:
		return d.retry(ctx, cmd, actor)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.CommandType)
	}
}

func (d *Dispatcher) submitApplication(ctx context.Context, cmd Command, actor string) (Result, error) {
	university, err := cmd.param("university")
	if err != nil {
		return Result{}, err
	}
	def, err := d.portals.Get(university)
	if err != nil {
		return Result{}, err
	}
	p, err := d.profiles.Get(ctx, cmd.ClientID)
	if err != nil {
		return Result{}, err
	}

	var reqs []tasks.NewTask
	switch {
	case def.Central:
		if len(p.Courses) == 0 {
			return Result{}, ErrNothingToDo
		}
		reqs = append(reqs, centralTask(p, def.ID))
	case strings.TrimSpace(cmd.Parameters["course_code"]) != "":
		code := strings.TrimSpace(cmd.Parameters["course_code"])
		choice, ok := p.Choice(def.ID, code)
		if !ok {
			return Result{}, fmt.Errorf("%w: %s at %s", ErrNothingToDo, code, def.ID)
		}
		reqs = append(reqs, newTask(p.ID, def.ID, choice))
	default:
		for _, choice := range p.ChoicesAt(def.ID) {
			reqs = append(reqs, newTask(p.ID, def.ID, choice))
		}
	}
	return d.createAndRun(ctx, reqs, actor)
}

// submitAll creates one task per course choice at that choice's own portal. A
// central portal fills every choice in one form, so all of its choices share a
// single task.
func (d *Dispatcher) submitAll(ctx context.Context, cmd Command, actor string) (Result, error) {
	p, err := d.profiles.Get(ctx, cmd.ClientID)
	if err != nil {
		return Result{}, err
	}
	var reqs []tasks.NewTask
	central := map[string]bool{}
	for _, choice := range p.Courses {
		def, err := d.portals.Get(choice.University)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", choice.University, err)
		}
		if !def.Central {
			reqs = append(reqs, newTask(p.ID, def.ID, choice))
			continue
		}
		if central[def.ID] {
			continue
		}
		central[def.ID] = true
		reqs = append(reqs, centralTask(p, def.ID))
	}
	return d.createAndRun(ctx, reqs, actor)
}

// centralTask is the single task a central portal gets for a client.
func centralTask(p profile.ClientProfile, university string) tasks.NewTask {
	return tasks.NewTask{
		ClientID:   p.ID,
		University: university,
		CourseCode: CentralCourse,
		CourseName: fmt.Sprintf("%d course choices", len(p.Courses)),
	}
}

func newTask(clientID, university string, choice profile.CourseChoice) tasks.NewTask {
	return tasks.NewTask{
		ClientID:   clientID,
		University: university,
		CourseCode: choice.Code,
		CourseName: choice.Course,
	}
}

// createAndRun skips courses that already have an active task. It only fails
// with ErrTaskActive when every requested course was skipped.
func (d *Dispatcher) createAndRun(ctx context.Context, reqs []tasks.NewTask, actor string) (Result, error) {
	if len(reqs) == 0 {
		return Result{}, ErrNothingToDo
	}

	res := Result{TaskIDs: []string{}}
	var created []tasks.Task
	for _, req := range reqs {
		task, err := d.tasks.Create(ctx, req, actor)
		if errors.Is(err, tasks.ErrTaskActive) {
			res.Skipped = append(res.Skipped, Skipped{
				University: req.University,
				CourseCode: req.CourseCode,
				Reason:     err.Error(),
			})
			continue
		}
		if err != nil {
			return res, err
		}
		created = append(created, task)
		res.TaskIDs = append(res.TaskIDs, task.ID)
	}
	if len(created) == 0 {
		return res, tasks.ErrTaskActive
	}

	for _, task := range created {
		d.start(task.ID, d.runner.Run)
	}
	return res, nil
}

func (d *Dispatcher) resume(ctx context.Context, cmd Command) (Result, error) {
	taskID, err := cmd.param("task_id")
	if err != nil {
		return Result{}, err
	}
	task, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if cmd.ClientID != "" && task.ClientID != cmd.ClientID {
		return Result{}, tasks.ErrNotFound
	}
	if task.Status != tasks.StatusAwaitingHuman {
		return Result{}, fmt.Errorf("%w: task %s is %s", automation.ErrNotRunnable, task.ID, task.Status)
	}
	d.start(task.ID, d.runner.Resume)
	return Result{TaskIDs: []string{task.ID}}, nil
}

func (d *Dispatcher) retry(ctx context.Context, cmd Command, actor string) (Result, error) {
	taskID, err := cmd.param("task_id")
	if err != nil {
		return Result{}, err
	}
	if cmd.ClientID != "" {
		old, err := d.tasks.Get(ctx, taskID)
		if err != nil {
			return Result{}, err
		}
		if old.ClientID != cmd.ClientID {
			return Result{}, tasks.ErrNotFound
		}
	}
	task, err := d.tasks.Retry(ctx, taskID, actor)
	if err != nil {
		return Result{}, err
	}
	d.start(task.ID, d.runner.Run)
	return Result{TaskIDs: []string{task.ID}}, nil
}

func (d *Dispatcher) start(taskID string, run func(ctx context.Context, taskID string) (tasks.Task, error)) {
	d.group.Go(func() error {
		task, err := run(d.base, taskID)
		switch {
		case err == nil:
			d.tel.ReportDebug("session submitted", "task", taskID, "confirmation", task.Confirmation)
		case errors.Is(err, automation.ErrSessionRunning), errors.Is(err, automation.ErrNotRunnable), errors.Is(err, context.Canceled):
			d.tel.ReportWarning(report_dispatcher_session, taskID, err)
		default:
			// the task already carries the failure, this is only the log line
			d.tel.ReportDebug("session stopped", "task", taskID, "status", task.Status, "err", err)
		}
		return nil
	})
}

// Wait blocks until every session started so far has returned.
func (d *Dispatcher) Wait() error {
	return d.group.Wait()
}
