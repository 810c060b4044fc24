// Package automation drives one browser session per application task: it
// authenticates against the portal, fills each form section from the client
// profile, and reports every step boundary to the task store.
package automation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"uniapply-backend/internal/browser"
	"uniapply-backend/internal/components/assert"
	"uniapply-backend/internal/components/lock"
	"uniapply-backend/internal/components/telemetry"
	"uniapply-backend/internal/keychain"
	"uniapply-backend/internal/portal"
	"uniapply-backend/internal/profile"
	"uniapply-backend/internal/tasks"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("uniapply.automation")
	meter  = otel.Meter("uniapply.automation")
)

const (
	report_controller_report     = "controller.report"
	report_controller_notify     = "controller.notify"
	report_controller_invalidate = "controller.invalidate"
	report_controller_confirm    = "controller.confirmation"
	report_controller_screenshot = "controller.screenshot"
)

// Prober is a preflight check run before a page is opened.
type Prober interface {
	Probe(ctx context.Context, def portal.Definition) error
}

// Deps are the collaborators every Controller needs.
type Deps struct {
	Profiles profile.Store
	Tasks    tasks.Store
	Keychain keychain.Keychain
	Portals  portal.Registry
	Driver   browser.Driver
	Locker   lock.Locker
	Pool     *Pool
	Tel      telemetry.API
}

type Option func(c *Controller)

func WithProber(p Prober) Option {
	return func(c *Controller) {
		c.prober = p
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

func WithOverrides(o browser.Overrides) Option {
	return func(c *Controller) {
		c.overrides = o
	}
}

// Controller is the session controller.
type Controller struct {
	profiles profile.Store
	tasks    tasks.Store
	keychain keychain.Keychain
	portals  portal.Registry
	driver   browser.Driver
	locker   lock.Locker
	pool     *Pool
	cfg      Config
	tel      telemetry.API

	prober    Prober
	notifier  Notifier
	overrides browser.Overrides
	sessions  metric.Int64Counter
}

func NewController(deps Deps, cfg Config, opts ...Option) (*Controller, error) {
	assert.NotNil(deps.Driver, "driver")
	assert.NotNil(deps.Locker, "locker")
	assert.NotNil(deps.Pool, "pool")
	assert.NotNil(deps.Tel, "telemetry")

	cfg = cfg.WithDefaults()
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	sessions, err := meter.Int64Counter(
		"uniapply.sessions",
		metric.WithDescription("finished browser sessions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	tel := telemetry.NewScopedAPI("automation", deps.Tel)
	c := &Controller{
		profiles:  deps.Profiles,
		tasks:     deps.Tasks,
		keychain:  deps.Keychain,
		portals:   deps.Portals,
		driver:    deps.Driver,
		locker:    deps.Locker,
		pool:      deps.Pool,
		cfg:       cfg,
		tel:       tel,
		notifier:  LogNotifier{Tel: tel},
		overrides: browser.DefaultOverrides,
		sessions:  sessions,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run drives a pending task to a terminal status or to awaiting_human. The
// returned error is the reason the session did not submit, the task has
// already been updated with it.
func (c *Controller) Run(ctx context.Context, taskID string) (tasks.Task, error) {
	return c.execute(ctx, taskID, tasks.StatusPending)
}

// Resume continues an awaiting_human task from the step it was suspended at,
// after signing in again.
func (c *Controller) Resume(ctx context.Context, taskID string) (tasks.Task, error) {
	return c.execute(ctx, taskID, tasks.StatusAwaitingHuman)
}

func lockKey(t tasks.Task) string {
	return fmt.Sprintf("session/%s/%s/%s", t.ClientID, t.University, t.CourseCode)
}

func (c *Controller) execute(ctx context.Context, taskID string, from tasks.Status) (tasks.Task, error) {
	var (
		result tasks.Task
		runErr error
	)
	err := c.pool.Do(ctx, func(ctx context.Context) error {
		task, err := c.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		result = task

		release, err := c.locker.TryAcquire(ctx, lockKey(task), c.cfg.SessionTimeout+time.Minute)
		if errors.Is(err, lock.ErrHeld) {
			return ErrSessionRunning
		}
		if err != nil {
			return err
		}
		defer release()

		// re-read under the lock, a concurrent session may have moved it on
		task, err = c.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		result = task
		if task.Status != from {
			return fmt.Errorf("%w: task %s is %s, expected %s", ErrNotRunnable, task.ID, task.Status, from)
		}

		result, runErr = c.session(ctx, task)
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, runErr
}

type sessionPlan struct {
	profile profile.ClientProfile
	def     portal.Definition
	choices []profile.CourseChoice
}

func (c *Controller) prepare(ctx context.Context, task tasks.Task) (sessionPlan, error) {
	p, err := c.profiles.Get(ctx, task.ClientID)
	if err != nil {
		return sessionPlan{}, fmt.Errorf("load profile %s: %w", task.ClientID, err)
	}
	err = p.ReadyForSubmission()
	if err != nil {
		return sessionPlan{}, err
	}
	def, err := c.portals.Get(task.University)
	if err != nil {
		return sessionPlan{}, err
	}

	var choices []profile.CourseChoice
	if def.Central {
		choices = p.Courses
	} else {
		choice, ok := p.Choice(task.University, task.CourseCode)
		if !ok {
			return sessionPlan{}, fmt.Errorf("course %s at %s is not one of the client's choices", task.CourseCode, task.University)
		}
		choices = []profile.CourseChoice{choice}
	}
	return sessionPlan{profile: p, def: def, choices: choices}, nil
}

// credential returns the portal credential, generating one if this client has
// never had an account on the portal. An unregistered credential means the
// account still has to be created, either because it was generated now or
// because an earlier registration did not finish.
func (c *Controller) credential(ctx context.Context, task tasks.Task, p profile.ClientProfile) (keychain.Credential, error) {
	cred, err := c.keychain.Get(ctx, task.ClientID, task.University)
	if errors.Is(err, keychain.ErrNotFound) {
		password, perr := keychain.GeneratePassword()
		if perr != nil {
			return keychain.Credential{}, perr
		}
		cred, _, err = c.keychain.CreateOnce(ctx, task.ClientID, task.University, p.Personal.Email, password)
	}
	if err != nil {
		return keychain.Credential{}, err
	}
	if !cred.Valid {
		return keychain.Credential{}, &CredentialInvalid{University: task.University, Reason: keychain.ErrInvalidated.Error()}
	}
	return cred, nil
}

func (c *Controller) session(ctx context.Context, task tasks.Task) (tasks.Task, error) {
	ctx, span := tracer.Start(ctx, "session", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("university", task.University),
		attribute.String("course_code", task.CourseCode),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SessionTimeout)
	defer cancel()

	plan, err := c.prepare(ctx, task)
	if err != nil {
		return c.finish(ctx, span, task, "", nil, err)
	}
	if c.prober != nil {
		err = c.prober.Probe(ctx, plan.def)
		if err != nil {
			return c.finish(ctx, span, task, "", nil, &NavigationError{Step: "probe", URL: plan.def.BaseURL, Err: err})
		}
	}

	running, err := c.tasks.Report(ctx, task.ID, tasks.Transition{
		Status: tasks.StatusInProgress,
		Actor:  tasks.ActorSystem,
	})
	if err != nil {
		c.tel.ReportBroken(report_controller_report, err, task.ID, tasks.StatusInProgress)
		return task, err
	}
	task = running
	start := task.CurrentStep

	page, err := c.driver.NewPage(ctx, browser.PageOptions{Timeout: c.cfg.BrowserTimeout})
	if err != nil {
		return c.finish(ctx, span, task, StepAuthenticate, nil, &NavigationError{Step: StepAuthenticate, Err: err})
	}
	defer page.Close()

	// nothing may load before the overrides are installed
	err = page.ApplyOverrides(ctx, c.overrides)
	if err != nil {
		return c.finish(ctx, span, task, StepAuthenticate, page, &NavigationError{Step: StepAuthenticate, Err: err})
	}

	cred, err := c.credential(ctx, task, plan.profile)
	if err != nil {
		return c.finish(ctx, span, task, StepAuthenticate, page, err)
	}

	e := newExecutor(page, plan.def, c.cfg, c.tel)
	steps := map[string]func(ctx context.Context) error{
		StepAuthenticate: func(ctx context.Context) error {
			var err error
			if !cred.Registered {
				err = e.register(ctx, cred.Username, cred.Password)
				if err == nil {
					err = e.checkLoggedIn(ctx)
				}
				if err == nil {
					err = c.keychain.MarkRegistered(ctx, task.ClientID, task.University)
				}
			} else {
				err = e.login(ctx, cred.Username, cred.Password)
			}
			if err != nil {
				return err
			}
			return e.openApplication(ctx)
		},
		StepPersonal: func(ctx context.Context) error {
			return e.fillPersonal(ctx, plan.profile.Personal)
		},
		StepEducation: func(ctx context.Context) error {
			return e.fillEducation(ctx, plan.profile.Academics)
		},
		StepCourses: func(ctx context.Context) error {
			return e.addCourseChoices(ctx, plan.choices)
		},
		StepStatement: func(ctx context.Context) error {
			return e.fillStatement(ctx, plan.profile.PersonalStatement)
		},
		StepSubmit: func(ctx context.Context) error {
			return e.submit(ctx)
		},
	}

	for i, step := range Steps {
		// a resumed session signs in again and skips what it already did
		if i < start && step != StepAuthenticate {
			continue
		}
		err := c.step(ctx, e, task, i, step, steps[step])
		if err != nil {
			return c.finish(ctx, span, task, step, page, err)
		}
	}

	return c.submitted(ctx, span, task, plan.def, page)
}

func (c *Controller) step(ctx context.Context, e *executor, task tasks.Task, i int, step string, run func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "step."+step)
	defer span.End()

	err := c.checkCaptcha(ctx, e, step)
	if err != nil {
		return err
	}
	err = run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		return err
	}
	err = c.tasks.Checkpoint(ctx, task.ID, i, step)
	if err != nil {
		return err
	}
	if step == StepSubmit {
		return nil
	}
	return c.checkCaptcha(ctx, e, Steps[i+1])
}

func (c *Controller) checkCaptcha(ctx context.Context, e *executor, before string) error {
	sel, err := e.captcha(ctx)
	if err != nil {
		return &NavigationError{Step: before, Err: err}
	}
	if sel != "" {
		return &CaptchaEncountered{Step: before, Selector: sel}
	}
	return nil
}

// invalidate stops later sessions from retrying a rejected login. A credential
// whose account was never registered stays usable so the next session can
// attempt the registration again.
func (c *Controller) invalidate(ctx context.Context, task tasks.Task) {
	cred, err := c.keychain.Get(ctx, task.ClientID, task.University)
	if errors.Is(err, keychain.ErrNotFound) {
		return
	}
	if err != nil {
		c.tel.ReportBroken(report_controller_invalidate, err, task.ID)
		return
	}
	if !cred.Registered || !cred.Valid {
		return
	}
	err = c.keychain.Invalidate(ctx, task.ClientID, task.University)
	if err != nil {
		c.tel.ReportBroken(report_controller_invalidate, err, task.ID)
	}
}

func (c *Controller) reportCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	// outcomes must be recorded even when the session ran out of time
	return context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
}

func (c *Controller) submitted(ctx context.Context, span trace.Span, task tasks.Task, def portal.Definition, page browser.Page) (tasks.Task, error) {
	var confirmation, screenshot string

	html, err := page.HTML(ctx)
	if err == nil {
		confirmation, err = extractConfirmation(html, def)
	}
	if err != nil {
		c.tel.ReportWarning(report_controller_confirm, task.ID, err)
	}
	shot, err := page.Screenshot(ctx)
	if err != nil {
		c.tel.ReportWarning(report_controller_screenshot, task.ID, err)
	} else {
		screenshot = base64.StdEncoding.EncodeToString(shot)
	}

	rctx, cancel := c.reportCtx(ctx)
	defer cancel()
	updated, err := c.tasks.Report(rctx, task.ID, tasks.Transition{
		Status:       tasks.StatusSubmitted,
		Step:         StepSubmit,
		Confirmation: confirmation,
		Screenshot:   screenshot,
		Actor:        tasks.ActorSystem,
	})
	if err != nil {
		c.tel.ReportBroken(report_controller_report, err, task.ID, tasks.StatusSubmitted)
		return task, err
	}
	c.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(tasks.StatusSubmitted))))
	span.SetAttributes(attribute.String("confirmation", confirmation))
	return updated, nil
}

// finish records why a session stopped, every error ends up on the task.
func (c *Controller) finish(ctx context.Context, span trace.Span, task tasks.Task, step string, page browser.Page, cause error) (tasks.Task, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "session did not submit")

	rctx, cancel := c.reportCtx(ctx)
	defer cancel()

	if errors.Is(cause, context.DeadlineExceeded) && ctx.Err() != nil {
		cause = fmt.Errorf("session timed out after %s in %s: %w", c.cfg.SessionTimeout, step, cause)
	}

	tr := tasks.Transition{
		Status: tasks.StatusFailed,
		Step:   step,
		Error:  cause.Error(),
		Actor:  tasks.ActorSystem,
	}

	var captcha *CaptchaEncountered
	var invalid *CredentialInvalid
	switch {
	case errors.As(cause, &captcha):
		tr.Status = tasks.StatusAwaitingHuman
		tr.Step = captcha.Step
	case errors.As(cause, &invalid):
		c.invalidate(rctx, task)
	}

	updated, err := c.tasks.Report(rctx, task.ID, tr)
	if err != nil {
		c.tel.ReportBroken(report_controller_report, err, task.ID, tr.Status)
		return task, errors.Join(cause, err)
	}
	c.sessions.Add(rctx, 1, metric.WithAttributes(attribute.String("outcome", string(tr.Status))))

	if tr.Status == tasks.StatusAwaitingHuman {
		esc := Escalation{
			TaskID:     task.ID,
			ClientID:   task.ClientID,
			University: task.University,
			CourseCode: task.CourseCode,
			Step:       tr.Step,
			Reason:     cause.Error(),
		}
		if page != nil {
			esc.PageURL, _ = page.URL(rctx)
		}
		err := c.notifier.Notify(rctx, esc)
		if err != nil {
			c.tel.ReportBroken(report_controller_notify, err, task.ID)
		}
	}
	return updated, cause
}
