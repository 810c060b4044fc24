package automation

import (
	"context"
	"errors"
	"strconv"

	"uniapply-backend/internal/browser"
	"uniapply-backend/internal/components/telemetry"
	"uniapply-backend/internal/portal"
	"uniapply-backend/internal/profile"

	"golang.org/x/time/rate"
)

const (
	report_executor_drift = "executor.drift"
)

// Step names in the order a session runs them.
const (
	StepAuthenticate = "authenticate"
	StepPersonal     = "personal"
	StepEducation    = "education"
	StepCourses      = "courses"
	StepStatement    = "statement"
	StepSubmit       = "submit"
)

var Steps = []string{
	StepAuthenticate,
	StepPersonal,
	StepEducation,
	StepCourses,
	StepStatement,
	StepSubmit,
}

// executor maps profile sections onto one portal's form pages. It only ever
// writes to the page, never to the profile.
type executor struct {
	page    browser.Page
	def     portal.Definition
	cfg     Config
	limiter *rate.Limiter
	tel     telemetry.API
}

func newExecutor(page browser.Page, def portal.Definition, cfg Config, tel telemetry.API) *executor {
	perSecond := def.ActionsPerSecond
	if perSecond <= 0 {
		perSecond = cfg.ActionsPerSecond
	}
	return &executor{
		page:    page,
		def:     def,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		tel:     tel,
	}
}

func (e *executor) navigate(ctx context.Context, step, path string) error {
	target, err := e.def.URL(path)
	if err != nil {
		return &NavigationError{Step: step, URL: path, Err: err}
	}
	err = e.limiter.Wait(ctx)
	if err != nil {
		return err
	}
	err = retry(ctx, e.cfg.Retry, func() error {
		return e.page.Navigate(ctx, target)
	})
	if err != nil {
		return &NavigationError{Step: step, URL: target, Err: err}
	}
	return nil
}

func (e *executor) write(ctx context.Context, field portal.Field, selector, value string) error {
	err := e.limiter.Wait(ctx)
	if err != nil {
		return err
	}
	return retry(ctx, e.cfg.Retry, func() error {
		switch field.Kind {
		case portal.KindSelect:
			return e.page.Select(ctx, selector, value)
		case portal.KindCheckbox:
			return e.page.Check(ctx, selector)
		default:
			return e.page.Fill(ctx, selector, value)
		}
	})
}

// recoverSelector looks for the field by label when its selector stopped matching.
func (e *executor) recoverSelector(ctx context.Context, step, name string, field portal.Field) (string, bool) {
	if e.cfg.SelectorPolicy != PolicyFuzzy || field.Label == "" {
		return "", false
	}
	html, err := e.page.HTML(ctx)
	if err != nil {
		return "", false
	}
	selector, score, ok := matchLabel(ctx, html, field.Label, e.cfg.FuzzyThreshold)
	if !ok {
		return "", false
	}
	e.tel.ReportWarning(report_executor_drift, step, name, field.Selector, selector, score)
	return selector, true
}

// fill writes value into the named field of entry index (0 for fields that do
// not repeat). Fields the portal does not define and empty values are skipped.
func (e *executor) fill(ctx context.Context, step, name string, index int, value string) error {
	field, ok := e.def.Field(name)
	if !ok {
		return nil
	}
	if value == "" && field.Kind != portal.KindCheckbox {
		return nil
	}
	field = field.At(index)

	err := e.write(ctx, field, field.Selector, value)
	if !errors.Is(err, browser.ErrNotFound) {
		return err
	}
	selector, ok := e.recoverSelector(ctx, step, name, field)
	if ok {
		err = e.write(ctx, field, selector, value)
		if err == nil || !errors.Is(err, browser.ErrNotFound) {
			return err
		}
	}
	return &FieldNotFoundError{Step: step, Field: name, Selector: field.Selector, Err: err}
}

// advance triggers a section's continue or submit control. It is never retried,
// clicking twice can skip a page or submit twice.
func (e *executor) advance(ctx context.Context, step, selector string) error {
	if selector == "" {
		return nil
	}
	err := e.limiter.Wait(ctx)
	if err != nil {
		return err
	}
	err = e.page.Advance(ctx, selector)
	if errors.Is(err, browser.ErrNotFound) {
		return &FieldNotFoundError{Step: step, Field: "control", Selector: selector, Err: err}
	}
	if err != nil {
		return &NavigationError{Step: step, Err: err}
	}
	return nil
}

func (e *executor) click(ctx context.Context, step, selector string) error {
	err := e.limiter.Wait(ctx)
	if err != nil {
		return err
	}
	err = e.page.Click(ctx, selector)
	if errors.Is(err, browser.ErrNotFound) {
		return &FieldNotFoundError{Step: step, Field: "control", Selector: selector, Err: err}
	}
	if err != nil {
		return &NavigationError{Step: step, Err: err}
	}
	return nil
}

type fieldValue struct {
	name  string
	value string
}

func (e *executor) fillAll(ctx context.Context, step string, index int, values []fieldValue) error {
	for _, v := range values {
		err := e.fill(ctx, step, v.name, index, v.value)
		if err != nil {
			return err
		}
	}
	return nil
}

// register creates the portal account for a freshly generated credential.
func (e *executor) register(ctx context.Context, username, password string) error {
	if e.def.RegisterPath == "" {
		return &CredentialInvalid{University: e.def.ID, Reason: "portal has no registration page and no credential was stored"}
	}
	err := e.navigate(ctx, StepAuthenticate, e.def.RegisterPath)
	if err != nil {
		return err
	}
	err = e.fillAll(ctx, StepAuthenticate, 0, []fieldValue{
		{portal.FieldUsername, username},
		{portal.FieldPassword, password},
		{portal.FieldPasswordConfirm, password},
	})
	if err != nil {
		return err
	}
	submit := e.def.Controls.RegisterSubmit
	if submit == "" {
		submit = e.def.Controls.LoginSubmit
	}
	return e.advance(ctx, StepAuthenticate, submit)
}

func (e *executor) login(ctx context.Context, username, password string) error {
	err := e.navigate(ctx, StepAuthenticate, e.def.LoginPath)
	if err != nil {
		return err
	}
	err = e.fillAll(ctx, StepAuthenticate, 0, []fieldValue{
		{portal.FieldUsername, username},
		{portal.FieldPassword, password},
	})
	if err != nil {
		return err
	}
	err = e.advance(ctx, StepAuthenticate, e.def.Controls.LoginSubmit)
	if err != nil {
		return err
	}
	return e.checkLoggedIn(ctx)
}

func (e *executor) checkLoggedIn(ctx context.Context) error {
	if e.def.Controls.LoginError != "" {
		rejected, err := e.page.Has(ctx, e.def.Controls.LoginError)
		if err != nil {
			return &NavigationError{Step: StepAuthenticate, Err: err}
		}
		if rejected {
			return &CredentialInvalid{University: e.def.ID, Reason: "portal rejected the login"}
		}
	}
	if e.def.Controls.LoggedIn != "" {
		err := e.page.WaitVisible(ctx, e.def.Controls.LoggedIn)
		if errors.Is(err, browser.ErrNotFound) {
			return &CredentialInvalid{University: e.def.ID, Reason: "portal did not show a signed in page"}
		}
		if err != nil {
			return &NavigationError{Step: StepAuthenticate, Err: err}
		}
	}
	return nil
}

// openApplication moves from the signed in landing page to the form.
func (e *executor) openApplication(ctx context.Context) error {
	return e.navigate(ctx, StepAuthenticate, e.def.ApplyPath)
}

func (e *executor) fillPersonal(ctx context.Context, p profile.Personal) error {
	err := e.fillAll(ctx, StepPersonal, 0, []fieldValue{
		{portal.FieldFirstName, p.FirstName},
		{portal.FieldLastName, p.LastName},
		{portal.FieldDateOfBirth, p.DateOfBirth},
		{portal.FieldNationality, p.Nationality},
		{portal.FieldEmail, p.Email},
		{portal.FieldPhone, p.Phone},
		{portal.FieldAddressLine1, p.Address.Line1},
		{portal.FieldAddressLine2, p.Address.Line2},
		{portal.FieldCity, p.Address.City},
		{portal.FieldPostcode, p.Address.Postcode},
		{portal.FieldCountry, p.Address.Country},
	})
	if err != nil {
		return err
	}
	return e.advance(ctx, StepPersonal, e.def.Controls.Continue)
}

func yearString(year int) string {
	if year == 0 {
		return ""
	}
	return strconv.Itoa(year)
}

func (e *executor) fillEducation(ctx context.Context, records []profile.AcademicRecord) error {
	for i, r := range records {
		if i > 0 && e.def.Controls.AddEducation != "" {
			err := e.click(ctx, StepEducation, e.def.Controls.AddEducation)
			if err != nil {
				return err
			}
		}
		err := e.fillAll(ctx, StepEducation, i, []fieldValue{
			{portal.FieldInstitution, r.Institution},
			{portal.FieldQualification, r.Qualification},
			{portal.FieldGrade, r.Grade},
			{portal.FieldYear, yearString(r.Year)},
		})
		if err != nil {
			return err
		}
	}
	return e.advance(ctx, StepEducation, e.def.Controls.Continue)
}

// addCourseChoices writes exactly the given choices, one entry each.
func (e *executor) addCourseChoices(ctx context.Context, choices []profile.CourseChoice) error {
	if len(choices) > profile.MaxCourseChoices {
		choices = choices[:profile.MaxCourseChoices]
	}
	for i, c := range choices {
		if i > 0 && e.def.Controls.AddCourse != "" {
			err := e.click(ctx, StepCourses, e.def.Controls.AddCourse)
			if err != nil {
				return err
			}
		}
		err := e.fillAll(ctx, StepCourses, i, []fieldValue{
			{portal.FieldCourseCode, c.Code},
			{portal.FieldCourseName, c.Course},
			{portal.FieldCourseEntryYear, yearString(c.EntryYear)},
		})
		if err != nil {
			return err
		}
	}
	return e.advance(ctx, StepCourses, e.def.Controls.Continue)
}

func (e *executor) fillStatement(ctx context.Context, statement string) error {
	err := e.fill(ctx, StepStatement, portal.FieldPersonalStatement, 0, statement)
	if err != nil {
		return err
	}
	return e.advance(ctx, StepStatement, e.def.Controls.Continue)
}

// submit accepts the declaration and sends the application, exactly once.
func (e *executor) submit(ctx context.Context) error {
	err := e.fill(ctx, StepSubmit, portal.FieldDeclaration, 0, "")
	if err != nil {
		return err
	}
	return e.advance(ctx, StepSubmit, e.def.Controls.Submit)
}

// captcha returns the first CAPTCHA marker on the page.
func (e *executor) captcha(ctx context.Context) (string, error) {
	for _, sel := range e.def.Captchas() {
		has, err := e.page.Has(ctx, sel)
		if err != nil {
			return "", err
		}
		if has {
			return sel, nil
		}
	}
	return "", nil
}
