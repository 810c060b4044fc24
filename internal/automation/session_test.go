package automation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"uniapply-backend/internal/browser"
	"uniapply-backend/internal/browser/browsertest"
	"uniapply-backend/internal/components/chrono"
	"uniapply-backend/internal/components/db"
	"uniapply-backend/internal/components/lock"
	"uniapply-backend/internal/components/telemetry"
	"uniapply-backend/internal/keychain"
	"uniapply-backend/internal/portal"
	"uniapply-backend/internal/profile"
	"uniapply-backend/internal/tasks"

	"github.com/stretchr/testify/require"
)

const confirmationPage = `<html><body><h1>Thank you</h1><p>Reference: <span id="ref">OX-2027-0001</span></p></body></html>`

func testPortal(id, baseURL string, central bool) portal.Definition {
	return portal.Definition{
		ID:           id,
		Name:         id,
		BaseURL:      baseURL,
		RegisterPath: "/register",
		LoginPath:    "/login",
		ApplyPath:    "/apply",
		Central:      central,
		Fields: map[string]portal.Field{
			portal.FieldUsername:        {Selector: "#username", Label: "Email"},
			portal.FieldPassword:        {Selector: "#password", Label: "Password"},
			portal.FieldPasswordConfirm: {Selector: "#password2", Label: "Confirm password"},
			portal.FieldFirstName:       {Selector: "#first-name", Label: "First name"},
			portal.FieldLastName:        {Selector: "#last-name", Label: "Last name"},
			portal.FieldDateOfBirth:     {Selector: "#dob", Label: "Date of birth"},
			portal.FieldNationality:     {Selector: "#nationality", Kind: portal.KindSelect},
			portal.FieldEmail:           {Selector: "#email", Label: "Email address"},
			portal.FieldPostcode:        {Selector: "#postcode", Label: "Postcode"},
			portal.FieldInstitution:     {Selector: "#edu-{i}-school", Label: "School {i}"},
			portal.FieldQualification:   {Selector: "#edu-{i}-qualification"},
			portal.FieldGrade:           {Selector: "#edu-{i}-grade"},
			portal.FieldYear:            {Selector: "#edu-{i}-year"},
			portal.FieldCourseCode:      {Selector: "#course-{i}-code", Label: "Course code {i}"},
			portal.FieldCourseEntryYear: {Selector: "#course-{i}-year", Kind: portal.KindSelect},
			portal.FieldPersonalStatement: {Selector: "#statement", Label: "Personal statement"},
			portal.FieldDeclaration:     {Selector: "#declaration", Kind: portal.KindCheckbox},
		},
		Controls: portal.Controls{
			Continue:       "#next",
			Submit:         "#submit",
			AddEducation:   "#add-education",
			AddCourse:      "#add-course",
			LoginSubmit:    "#sign-in",
			RegisterSubmit: "#create-account",
			LoginError:     "#login-error",
			LoggedIn:       "#dashboard",
		},
		ConfirmationSelector: "#ref",
		ActionsPerSecond:     1000,
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Escalation
}

func (n *recordingNotifier) Notify(_ context.Context, esc Escalation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, esc)
	return nil
}

func (n *recordingNotifier) Sent() []Escalation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Escalation(nil), n.sent...)
}

type failingProber struct{}

func (failingProber) Probe(context.Context, portal.Definition) error {
	return &portal.ProbeError{Portal: "oxford", Status: 503}
}

type harness struct {
	controller *Controller
	profiles   profile.Store
	tasks      tasks.Store
	keychain   keychain.Keychain
	driver     *browsertest.Driver
	locker     *lock.Local
	notifier   *recordingNotifier
	tel        *telemetry.Recorder
}

type harnessOption func(cfg *Config, opts *[]Option)

func fuzzy() harnessOption {
	return func(cfg *Config, _ *[]Option) {
		cfg.SelectorPolicy = PolicyFuzzy
	}
}

func probing(p Prober) harnessOption {
	return func(_ *Config, opts *[]Option) {
		*opts = append(*opts, WithProber(p))
	}
}

func setup(t testing.TB, hopts ...harnessOption) *harness {
	sqlite, err := db.Open(context.Background(), db.DriverSqlite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })

	qry := db.New(sqlite)
	makeTx := db.NewMakeTx(sqlite)
	clock := &chrono.FixedClock{T: time.Date(2026, 1, 10, 9, 0, 0, 0, chrono.London())}
	tel := &telemetry.Recorder{}

	sealer, err := keychain.NewSealer(keychain.Config{Mode: keychain.ModePlaintext, PlaintextSignoff: "tests"})
	require.NoError(t, err)

	registry, err := portal.NewRegistry([]portal.Definition{
		testPortal("oxford", "https://apply.oxford.example", false),
		testPortal("cambridge", "https://apply.cambridge.example", false),
		testPortal("ucas", "https://apply.ucas.example", true),
	})
	require.NoError(t, err)

	h := &harness{
		profiles: profile.NewStore(qry, makeTx, clock, tel),
		tasks:    tasks.NewStore(qry, makeTx, clock, tel),
		keychain: keychain.NewKeychain(qry, sealer, clock, tel),
		driver: &browsertest.Driver{
			Setup: func(p *browsertest.Page) {
				p.SetDocument(confirmationPage)
			},
		},
		locker:   lock.NewLocal(),
		notifier: &recordingNotifier{},
		tel:      tel,
	}

	cfg := Config{
		MaxConcurrentBrowsers: 2,
		BrowserTimeout:        time.Second,
		SessionTimeout:        30 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
	}
	opts := []Option{WithNotifier(h.notifier)}
	for _, o := range hopts {
		o(&cfg, &opts)
	}

	h.controller, err = NewController(Deps{
		Profiles: h.profiles,
		Tasks:    h.tasks,
		Keychain: h.keychain,
		Portals:  registry,
		Driver:   h.driver,
		Locker:   h.locker,
		Pool:     NewPool(cfg.MaxConcurrentBrowsers, tel),
		Tel:      tel,
	}, cfg, opts...)
	require.NoError(t, err)
	return h
}

func client(courses ...profile.CourseChoice) profile.ClientProfile {
	return profile.ClientProfile{
		Personal: profile.Personal{
			FirstName:   "Ada",
			LastName:    "Lovelace",
			DateOfBirth: "2008-12-10",
			Nationality: "British",
			Email:       "ada@example.com",
			Address:     profile.Address{Line1: "12 St James's Square", City: "London", Postcode: "SW1Y 4JH", Country: "United Kingdom"},
		},
		Academics: []profile.AcademicRecord{
			{Institution: "Camden School", Qualification: "A-Level Mathematics", Grade: "A*", Year: 2026},
			{Institution: "Camden School", Qualification: "A-Level Physics", Grade: "A", Year: 2026},
		},
		Courses:           courses,
		PersonalStatement: "I have always wanted to build analytical engines.",
	}
}

var (
	oxfordCS = profile.CourseChoice{University: "oxford", Course: "Computer Science", Code: "G400", EntryYear: 2027}
	camEng   = profile.CourseChoice{University: "cambridge", Course: "Engineering", Code: "H100", EntryYear: 2027}
)

func (h *harness) newTask(t testing.TB, p profile.ClientProfile, university, code string) (profile.ClientProfile, tasks.Task) {
	ctx := context.Background()
	if p.ID == "" {
		var err error
		p, err = h.profiles.Create(ctx, p)
		require.NoError(t, err)
	}
	task, err := h.tasks.Create(ctx, tasks.NewTask{ClientID: p.ID, University: university, CourseCode: code}, tasks.ActorSystem)
	require.NoError(t, err)
	return p, task
}

func (h *harness) actions(t testing.TB, taskID string) []string {
	entries, err := h.tasks.Audit(context.Background(), tasks.Resource(taskID), 0)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func countFills(page *browsertest.Page, prefix, suffix string) int {
	n := 0
	for _, op := range page.OpsOf(browsertest.OpFill) {
		if strings.HasPrefix(op.Selector, prefix) && strings.HasSuffix(op.Selector, suffix) {
			n++
		}
	}
	return n
}

func countSelector(ops []browsertest.Op, selector string) int {
	n := 0
	for _, op := range ops {
		if op.Selector == selector {
			n++
		}
	}
	return n
}

func TestRunSubmits(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	p, task := h.newTask(t, client(oxfordCS, camEng), "oxford", "G400")

	got, err := h.controller.Run(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusSubmitted, got.Status)
	require.Equal(t, "OX-2027-0001", got.Confirmation)
	require.NotEmpty(t, got.Screenshot)
	require.Equal(t, len(Steps), got.CurrentStep)

	require.Equal(t, []string{
		"task.created",
		"task.in_progress",
		"task.step_completed",
		"task.step_completed",
		"task.step_completed",
		"task.step_completed",
		"task.step_completed",
		"task.step_completed",
		"task.submitted",
	}, h.actions(t, task.ID))

	require.Len(t, h.driver.Opened, 1)
	page := h.driver.Page(0)
	require.True(t, page.Closed)

	// the first thing done to the page is installing the overrides
	ops := page.Ops()
	require.Equal(t, browsertest.OpOverrides, ops[0].Kind)
	navigations := page.OpsOf(browsertest.OpNavigate)
	require.Equal(t, "https://apply.oxford.example/register", navigations[0].Value)
	require.Equal(t, "https://apply.oxford.example/apply", navigations[1].Value)

	cred, err := h.keychain.Get(ctx, p.ID, "oxford")
	require.NoError(t, err)
	filled := page.Filled()
	require.Equal(t, "ada@example.com", filled["#username"])
	require.Equal(t, cred.Password, filled["#password"])
	require.Equal(t, cred.Password, filled["#password2"])
	require.Equal(t, "Ada", filled["#first-name"])
	require.Equal(t, "British", filled["#nationality"])
	require.Equal(t, "Camden School", filled["#edu-1-school"])
	require.Equal(t, "A", filled["#edu-1-grade"])
	require.Equal(t, "G400", filled["#course-0-code"])
	require.Equal(t, "2027", filled["#course-0-year"])
	require.NotContains(t, filled, "#course-1-code")
	require.Equal(t, p.PersonalStatement, filled["#statement"])

	require.Len(t, page.OpsOf(browsertest.OpCheck), 1)
	require.Equal(t, 1, countSelector(page.OpsOf(browsertest.OpAdvance), "#submit"))
	require.Equal(t, 1, countSelector(page.OpsOf(browsertest.OpClick), "#add-education"))
	require.Empty(t, h.tel.Broken())

	_, err = h.controller.Run(ctx, task.ID)
	require.ErrorIs(t, err, ErrNotRunnable)
}

func TestCourseChoicesIteratedExactly(t *testing.T) {
	all := []profile.CourseChoice{
		{University: "oxford", Course: "Computer Science", Code: "G400"},
		{University: "cambridge", Course: "Engineering", Code: "H100"},
		{University: "leeds", Course: "Physics", Code: "F300"},
		{University: "york", Course: "Mathematics", Code: "G100"},
		{University: "bath", Course: "Chemistry", Code: "F100"},
	}
	for n := 1; n <= len(all); n++ {
		t.Run(fmt.Sprintf("%d choices", n), func(t *testing.T) {
			h := setup(t)
			_, task := h.newTask(t, client(all[:n]...), "ucas", "*")

			got, err := h.controller.Run(context.Background(), task.ID)
			require.NoError(t, err)
			require.Equal(t, tasks.StatusSubmitted, got.Status)

			page := h.driver.Page(0)
			require.Equal(t, n, countFills(page, "#course-", "-code"))
			require.Equal(t, n-1, countSelector(page.OpsOf(browsertest.OpClick), "#add-course"))
			filled := page.Filled()
			for i := 0; i < n; i++ {
				require.Equal(t, all[i].Code, filled[fmt.Sprintf("#course-%d-code", i)])
			}
		})
	}
}

func TestFailureStopsAtStep(t *testing.T) {
	h := setup(t)
	h.driver.Setup = func(p *browsertest.Page) {
		p.SetMissing("#statement", true)
	}
	_, task := h.newTask(t, client(oxfordCS), "oxford", "G400")

	got, err := h.controller.Run(context.Background(), task.ID)
	var notFound *FieldNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, StepStatement, notFound.Step)
	require.Equal(t, "#statement", notFound.Selector)

	require.Equal(t, tasks.StatusFailed, got.Status)
	require.Contains(t, got.LastError, "#statement")
	require.Equal(t, 4, got.CurrentStep)

	page := h.driver.Page(0)
	// earlier steps ran exactly once and nothing after the failure ran
	require.Equal(t, 1, countSelector(page.OpsOf(browsertest.OpFill), "#first-name"))
	require.Equal(t, 1, countSelector(page.OpsOf(browsertest.OpFill), "#course-0-code"))
	require.Equal(t, 3, countSelector(page.OpsOf(browsertest.OpAdvance), "#next"))
	require.Zero(t, countSelector(page.OpsOf(browsertest.OpAdvance), "#submit"))
	require.Empty(t, page.OpsOf(browsertest.OpCheck))

	actions := h.actions(t, task.ID)
	require.Equal(t, "task.failed", actions[len(actions)-1])
	require.NotContains(t, actions, "task.submitted")

	_, err = h.controller.Run(context.Background(), task.ID)
	require.ErrorIs(t, err, ErrNotRunnable)
}

func TestFuzzySelectorRecovery(t *testing.T) {
	h := setup(t, fuzzy())
	h.driver.Setup = func(p *browsertest.Page) {
		p.SetMissing("#first-name", true)
		p.SetDocument(`<form><label for="given-name">First name *</label><input id="given-name"></form>` + confirmationPage)
	}
	_, task := h.newTask(t, client(oxfordCS), "oxford", "G400")

	got, err := h.controller.Run(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusSubmitted, got.Status)
	require.Equal(t, "Ada", h.driver.Page(0).Filled()[`[id="given-name"]`])

	var drift []telemetry.Report
	for _, r := range h.tel.Reports() {
		if r.ID == "automation: executor.drift" {
			drift = append(drift, r)
		}
	}
	require.Len(t, drift, 1)
}

func TestStrictSelectorDoesNotRecover(t *testing.T) {
	h := setup(t)
	h.driver.Setup = func(p *browsertest.Page) {
		p.SetMissing("#first-name", true)
		p.SetDocument(`<form><label for="given-name">First name</label><input id="given-name"></form>`)
	}
	_, task := h.newTask(t, client(oxfordCS), "oxford", "G400")

	got, err := h.controller.Run(context.Background(), task.ID)
	var notFound *FieldNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, tasks.StatusFailed, got.Status)
	require.NotContains(t, h.driver.Page(0).Filled(), `[id="given-name"]`)
}

func TestCaptchaSuspendsAndResumes(t *testing.T) {
	h := setup(t)
	first := browsertest.NewPage()
	first.SetDocument(confirmationPage)
	advances := 0
	first.Hook = func(p *browsertest.Page, op browsertest.Op) error {
		if op.Kind == browsertest.OpAdvance && op.Selector == "#next" {
			advances++
			if advances == 2 {
				p.SetVisible(".g-recaptcha", true)
			}
		}
		return nil
	}
	h.driver.Pages = []*browsertest.Page{first}
	h.driver.Setup = nil

	p, task := h.newTask(t, client(oxfordCS), "oxford", "G400")

	got, err := h.controller.Run(context.Background(), task.ID)
	var captcha *CaptchaEncountered
	require.ErrorAs(t, err, &captcha)
	require.Equal(t, StepCourses, captcha.Step)
	require.Equal(t, tasks.StatusAwaitingHuman, got.Status)
	require.Equal(t, 3, got.CurrentStep)
	require.Nil(t, got.FinishedAt)

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, task.ID, sent[0].TaskID)
	require.Equal(t, StepCourses, sent[0].Step)

	// the slot stays taken while a human is needed
	_, err = h.tasks.Create(context.Background(), tasks.NewTask{ClientID: p.ID, University: "oxford", CourseCode: "G400"}, tasks.ActorSystem)
	require.ErrorIs(t, err, tasks.ErrTaskActive)

	_, err = h.controller.Run(context.Background(), task.ID)
	require.ErrorIs(t, err, ErrNotRunnable)

	h.driver.Setup = func(p *browsertest.Page) {
		p.SetDocument(confirmationPage)
	}
	got, err = h.controller.Resume(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusSubmitted, got.Status)

	resumed := h.driver.Page(1)
	navigations := resumed.OpsOf(browsertest.OpNavigate)
	// the account exists now, so the resumed session signs in
	require.Equal(t, "https://apply.oxford.example/login", navigations[0].Value)
	require.Zero(t, countSelector(resumed.OpsOf(browsertest.OpFill), "#first-name"))
	require.Zero(t, countFills(resumed, "#edu-", "-school"))
	require.Equal(t, 1, countSelector(resumed.OpsOf(browsertest.OpFill), "#course-0-code"))

	actions := h.actions(t, task.ID)
	require.Contains(t, actions, "task.awaiting_human")
	require.Equal(t, "task.submitted", actions[len(actions)-1])
}

func TestCredentialCreatedOnce(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	p, task := h.newTask(t, client(oxfordCS), "oxford", "G400")

	_, err := h.keychain.Get(ctx, p.ID, "oxford")
	require.ErrorIs(t, err, keychain.ErrNotFound)

	var credentialAtAuth keychain.Credential
	page := browsertest.NewPage()
	page.SetDocument(confirmationPage)
	page.Hook = func(_ *browsertest.Page, op browsertest.Op) error {
		if op.Kind == browsertest.OpNavigate && credentialAtAuth.Username == "" {
			cred, err := h.keychain.Get(ctx, p.ID, "oxford")
			if err != nil {
				return err
			}
			credentialAtAuth = cred
		}
		return nil
	}
	h.driver.Pages = []*browsertest.Page{page}
	h.driver.Setup = nil

	_, err = h.controller.Run(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", credentialAtAuth.Username)

	after, err := h.keychain.Get(ctx, p.ID, "oxford")
	require.NoError(t, err)
	require.Equal(t, credentialAtAuth.Password, after.Password)

	// a later session for another course reuses the account
	p.Courses = append(p.Courses, profile.CourseChoice{University: "oxford", Course: "Mathematics", Code: "G100"})
	_, err = h.profiles.Update(ctx, p)
	require.NoError(t, err)
	_, second := h.newTask(t, p, "oxford", "G100")
	h.driver.Setup = func(p *browsertest.Page) { p.SetDocument(confirmationPage) }
	_, err = h.controller.Run(ctx, second.ID)
	require.NoError(t, err)

	again, err := h.keychain.Get(ctx, p.ID, "oxford")
	require.NoError(t, err)
	require.Equal(t, after.Password, again.Password)
	require.Equal(t, "https://apply.oxford.example/login", h.driver.Page(1).OpsOf(browsertest.OpNavigate)[0].Value)
}

func TestCredentialRejected(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	p, task := h.newTask(t, client(oxfordCS), "oxford", "G400")
	require.NoError(t, h.keychain.Set(ctx, p.ID, "oxford", "ada@example.com", "Stale-password1!"))

	h.driver.Setup = func(page *browsertest.Page) {
		page.SetVisible("#login-error", true)
	}
	got, err := h.controller.Run(ctx, task.ID)
	var invalid *CredentialInvalid
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, tasks.StatusFailed, got.Status)

	cred, err := h.keychain.Get(ctx, p.ID, "oxford")
	require.NoError(t, err)
	require.False(t, cred.Valid)

	// the retry does not try the rejected password again
	retried, err := h.tasks.Retry(ctx, task.ID, tasks.ActorSystem)
	require.NoError(t, err)
	_, err = h.controller.Run(ctx, retried.ID)
	require.ErrorAs(t, err, &invalid)
	require.Empty(t, h.driver.Page(1).OpsOf(browsertest.OpNavigate))
}

func TestUnfinishedRegistrationIsRetried(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	p, task := h.newTask(t, client(oxfordCS), "oxford", "G400")

	h.driver.Setup = func(page *browsertest.Page) {
		page.SetMissing("#create-account", true)
	}
	got, err := h.controller.Run(ctx, task.ID)
	require.Error(t, err)
	require.Equal(t, tasks.StatusFailed, got.Status)

	cred, err := h.keychain.Get(ctx, p.ID, "oxford")
	require.NoError(t, err)
	require.True(t, cred.Valid)
	require.False(t, cred.Registered)

	// the portal rejecting the new account does not lock the client out either
	retried, err := h.tasks.Retry(ctx, task.ID, tasks.ActorSystem)
	require.NoError(t, err)
	h.driver.Setup = func(page *browsertest.Page) {
		page.SetVisible("#login-error", true)
	}
	_, err = h.controller.Run(ctx, retried.ID)
	var invalid *CredentialInvalid
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "https://apply.oxford.example/register", h.driver.Page(1).OpsOf(browsertest.OpNavigate)[0].Value)

	cred, err = h.keychain.Get(ctx, p.ID, "oxford")
	require.NoError(t, err)
	require.True(t, cred.Valid)
	require.False(t, cred.Registered)

	again, err := h.tasks.Retry(ctx, retried.ID, tasks.ActorSystem)
	require.NoError(t, err)
	h.driver.Setup = func(page *browsertest.Page) { page.SetDocument(confirmationPage) }
	got, err = h.controller.Run(ctx, again.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusSubmitted, got.Status)
	require.Equal(t, "https://apply.oxford.example/register", h.driver.Page(2).OpsOf(browsertest.OpNavigate)[0].Value)

	after, err := h.keychain.Get(ctx, p.ID, "oxford")
	require.NoError(t, err)
	require.True(t, after.Registered)
	require.Equal(t, cred.Password, after.Password)
}

func TestTwoCoursesRunIndependently(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	p, oxford := h.newTask(t, client(oxfordCS, camEng), "oxford", "G400")
	_, cambridge := h.newTask(t, p, "cambridge", "H100")

	var wg sync.WaitGroup
	results := make([]tasks.Task, 2)
	errs := make([]error, 2)
	for i, id := range []string{oxford.ID, cambridge.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], errs[i] = h.controller.Run(ctx, id)
		}(i, id)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, tasks.StatusSubmitted, results[i].Status)
	}
	require.NotEqual(t, results[0].ID, results[1].ID)

	codes := map[string]string{}
	for i := 0; i < 2; i++ {
		page := h.driver.Page(i)
		target, err := url.Parse(page.OpsOf(browsertest.OpNavigate)[0].Value)
		require.NoError(t, err)
		filled := page.Filled()
		codes[target.Host] = filled["#course-0-code"]
		require.NotContains(t, filled, "#course-1-code")
	}
	require.Equal(t, map[string]string{
		"apply.oxford.example":    "G400",
		"apply.cambridge.example": "H100",
	}, codes)
}

func TestLockHeld(t *testing.T) {
	h := setup(t)
	_, task := h.newTask(t, client(oxfordCS), "oxford", "G400")

	release, err := h.locker.TryAcquire(context.Background(), lockKey(task), time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = h.controller.Run(context.Background(), task.ID)
	require.ErrorIs(t, err, ErrSessionRunning)

	got, err := h.tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusPending, got.Status)
	require.Empty(t, h.driver.Opened)
}

func TestNavigationRetriedSubmitNot(t *testing.T) {
	h := setup(t)
	flaky := errors.New("net::ERR_CONNECTION_RESET")
	navigations := 0
	h.driver.Setup = func(p *browsertest.Page) {
		p.SetDocument(confirmationPage)
		p.Hook = func(_ *browsertest.Page, op browsertest.Op) error {
			if op.Kind == browsertest.OpNavigate {
				navigations++
				if navigations == 1 {
					return flaky
				}
			}
			if op.Kind == browsertest.OpAdvance && op.Selector == "#submit" {
				return flaky
			}
			return nil
		}
	}
	_, task := h.newTask(t, client(oxfordCS), "oxford", "G400")

	got, err := h.controller.Run(context.Background(), task.ID)
	var navErr *NavigationError
	require.ErrorAs(t, err, &navErr)
	require.Equal(t, StepSubmit, navErr.Step)
	require.Equal(t, tasks.StatusFailed, got.Status)

	page := h.driver.Page(0)
	require.Equal(t, "https://apply.oxford.example/register", page.OpsOf(browsertest.OpNavigate)[1].Value)
	require.Equal(t, 1, countSelector(page.OpsOf(browsertest.OpAdvance), "#submit"))
}

func TestProbeFailureSkipsBrowser(t *testing.T) {
	h := setup(t, probing(failingProber{}))
	_, task := h.newTask(t, client(oxfordCS), "oxford", "G400")

	got, err := h.controller.Run(context.Background(), task.ID)
	var navErr *NavigationError
	require.ErrorAs(t, err, &navErr)
	var probeErr *portal.ProbeError
	require.ErrorAs(t, err, &probeErr)
	require.Equal(t, tasks.StatusFailed, got.Status)
	require.Empty(t, h.driver.Opened)
}

func TestCourseNotInProfile(t *testing.T) {
	h := setup(t)
	_, task := h.newTask(t, client(oxfordCS), "oxford", "Z999")

	got, err := h.controller.Run(context.Background(), task.ID)
	require.Error(t, err)
	require.Equal(t, tasks.StatusFailed, got.Status)
	require.Contains(t, got.LastError, "Z999")
	require.Empty(t, h.driver.Opened)
}

func TestDriverFailure(t *testing.T) {
	h := setup(t)
	h.driver.Err = errors.New("chrome crashed")
	_, task := h.newTask(t, client(oxfordCS), "oxford", "G400")

	got, err := h.controller.Run(context.Background(), task.ID)
	var navErr *NavigationError
	require.ErrorAs(t, err, &navErr)
	require.Equal(t, tasks.StatusFailed, got.Status)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2, &telemetry.Recorder{})
	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- pool.Do(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 2, peak)
	require.Zero(t, pool.Active())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := NewPool(1, &telemetry.Recorder{})
	release := make(chan struct{})
	go blocked.Do(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	time.Sleep(5 * time.Millisecond)
	err := blocked.Do(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	close(release)
}

var _ browser.Driver = (*browsertest.Driver)(nil)
