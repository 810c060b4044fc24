package agent

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"uniapply-backend/internal/automation"
	"uniapply-backend/internal/components/chrono"
	"uniapply-backend/internal/components/db"
	"uniapply-backend/internal/components/telemetry"
	"uniapply-backend/internal/portal"
	"uniapply-backend/internal/profile"
	"uniapply-backend/internal/tasks"

	"github.com/stretchr/testify/require"
)

type call struct {
	method string
	taskID string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
}

func (r *fakeRunner) record(method, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{method: method, taskID: taskID})
}

func (r *fakeRunner) Run(_ context.Context, taskID string) (tasks.Task, error) {
	r.record("run", taskID)
	return tasks.Task{ID: taskID}, nil
}

func (r *fakeRunner) Resume(_ context.Context, taskID string) (tasks.Task, error) {
	r.record("resume", taskID)
	return tasks.Task{ID: taskID}, nil
}

func (r *fakeRunner) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]call(nil), r.calls...)
	sort.Slice(out, func(i, j int) bool { return out[i].taskID < out[j].taskID })
	return out
}

type fixture struct {
	dispatcher *Dispatcher
	runner     *fakeRunner
	profiles   profile.Store
	tasks      tasks.Store
}

func setup(t testing.TB) fixture {
	sqlite, err := db.Open(context.Background(), db.DriverSqlite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })

	qry := db.New(sqlite)
	makeTx := db.NewMakeTx(sqlite)
	clock := &chrono.FixedClock{T: time.Date(2026, 1, 10, 9, 0, 0, 0, chrono.London())}
	tel := &telemetry.Recorder{}

	def := func(id string, central bool) portal.Definition {
		return portal.Definition{
			ID:        id,
			BaseURL:   "https://apply." + id + ".example",
			LoginPath: "/login",
			ApplyPath: "/apply",
			Central:   central,
			Controls:  portal.Controls{Continue: "#next", Submit: "#submit", LoginSubmit: "#sign-in"},
		}
	}
	registry, err := portal.NewRegistry([]portal.Definition{
		def("oxford", false),
		def("cambridge", false),
		def("ucas", true),
	})
	require.NoError(t, err)

	f := fixture{
		runner:   &fakeRunner{},
		profiles: profile.NewStore(qry, makeTx, clock, tel),
		tasks:    tasks.NewStore(qry, makeTx, clock, tel),
	}
	f.dispatcher = NewDispatcher(context.Background(), f.profiles, f.tasks, registry, f.runner, tel)
	return f
}

func (f fixture) client(t testing.TB, courses ...profile.CourseChoice) profile.ClientProfile {
	p, err := f.profiles.Create(context.Background(), profile.ClientProfile{
		Personal: profile.Personal{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
		Courses:  courses,
	})
	require.NoError(t, err)
	return p
}

var choices = []profile.CourseChoice{
	{University: "oxford", Course: "Computer Science", Code: "G400"},
	{University: "oxford", Course: "Mathematics", Code: "G100"},
	{University: "cambridge", Course: "Engineering", Code: "H100"},
}

func TestSubmitApplication(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := f.client(t, choices...)

	{
		res, err := f.dispatcher.Execute(ctx, Command{
			CommandType: CommandSubmitApplication,
			ClientID:    p.ID,
			Parameters:  map[string]string{"university": "oxford", "course_code": "G400"},
		}, "operator:ops")
		require.NoError(t, err)
		require.Len(t, res.TaskIDs, 1)

		task, err := f.tasks.Get(ctx, res.TaskIDs[0])
		require.NoError(t, err)
		require.Equal(t, "G400", task.CourseCode)
		require.Equal(t, "Computer Science", task.CourseName)
	}

	// the same course again conflicts
	{
		_, err := f.dispatcher.Execute(ctx, Command{
			CommandType: CommandSubmitApplication,
			ClientID:    p.ID,
			Parameters:  map[string]string{"university": "oxford", "course_code": "G400"},
		}, "operator:ops")
		require.ErrorIs(t, err, tasks.ErrTaskActive)
	}

	// without a course code the remaining oxford choice is created, G400 is skipped
	{
		res, err := f.dispatcher.Execute(ctx, Command{
			CommandType: CommandSubmitApplication,
			ClientID:    p.ID,
			Parameters:  map[string]string{"university": "Oxford"},
		}, "operator:ops")
		require.NoError(t, err)
		require.Len(t, res.TaskIDs, 1)
		require.Equal(t, []Skipped{{University: "oxford", CourseCode: "G400", Reason: tasks.ErrTaskActive.Error()}}, res.Skipped)
	}

	{
		_, err := f.dispatcher.Execute(ctx, Command{
			CommandType: CommandSubmitApplication,
			ClientID:    p.ID,
			Parameters:  map[string]string{"university": "oxford", "course_code": "Z999"},
		}, "operator:ops")
		require.ErrorIs(t, err, ErrNothingToDo)

		_, err = f.dispatcher.Execute(ctx, Command{
			CommandType: CommandSubmitApplication,
			ClientID:    p.ID,
			Parameters:  map[string]string{"university": "durham"},
		}, "operator:ops")
		require.ErrorIs(t, err, portal.ErrUnknownPortal)

		_, err = f.dispatcher.Execute(ctx, Command{CommandType: CommandSubmitApplication, ClientID: p.ID}, "operator:ops")
		require.ErrorIs(t, err, ErrMissingParam)
	}

	require.NoError(t, f.dispatcher.Wait())
	require.Len(t, f.runner.Calls(), 2)
}

func TestSubmitCentral(t *testing.T) {
	f := setup(t)
	p := f.client(t, choices...)

	res, err := f.dispatcher.Execute(context.Background(), Command{
		CommandType: CommandSubmitApplication,
		ClientID:    p.ID,
		Parameters:  map[string]string{"university": "ucas"},
	}, tasks.ActorSystem)
	require.NoError(t, err)
	require.Len(t, res.TaskIDs, 1)

	task, err := f.tasks.Get(context.Background(), res.TaskIDs[0])
	require.NoError(t, err)
	require.Equal(t, "ucas", task.University)
	require.Equal(t, CentralCourse, task.CourseCode)
	require.NoError(t, f.dispatcher.Wait())
}

func TestSubmitAll(t *testing.T) {
	f := setup(t)
	p := f.client(t, choices...)

	res, err := f.dispatcher.Execute(context.Background(), Command{
		CommandType: CommandSubmitAll,
		ClientID:    p.ID,
	}, tasks.ActorSystem)
	require.NoError(t, err)
	require.Len(t, res.TaskIDs, 3)
	require.NoError(t, f.dispatcher.Wait())

	listed, err := f.tasks.List(context.Background(), tasks.Filter{ClientID: p.ID})
	require.NoError(t, err)
	got := map[string]string{}
	for _, task := range listed {
		got[task.CourseCode] = task.University
	}
	require.Equal(t, map[string]string{"G400": "oxford", "G100": "oxford", "H100": "cambridge"}, got)

	calls := f.runner.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		require.Equal(t, "run", c.method)
	}

	{
		// central choices share one task however many there are
		central := f.client(t,
			profile.CourseChoice{University: "ucas", Course: "Computer Science", Code: "G400"},
			profile.CourseChoice{University: "ucas", Course: "Mathematics", Code: "G100"},
			profile.CourseChoice{University: "cambridge", Course: "History", Code: "V100"},
		)
		res, err := f.dispatcher.Execute(context.Background(), Command{CommandType: CommandSubmitAll, ClientID: central.ID}, tasks.ActorSystem)
		require.NoError(t, err)
		require.Len(t, res.TaskIDs, 2)
		require.NoError(t, f.dispatcher.Wait())

		listed, err := f.tasks.List(context.Background(), tasks.Filter{ClientID: central.ID})
		require.NoError(t, err)
		got := map[string]string{}
		for _, task := range listed {
			got[task.University] = task.CourseCode
		}
		require.Equal(t, map[string]string{"ucas": CentralCourse, "cambridge": "V100"}, got)

		// a second submit_all finds the central task active and creates nothing
		_, err = f.dispatcher.Execute(context.Background(), Command{CommandType: CommandSubmitAll, ClientID: central.ID}, tasks.ActorSystem)
		require.ErrorIs(t, err, tasks.ErrTaskActive)
	}
	{
		empty := f.client(t)
		_, err := f.dispatcher.Execute(context.Background(), Command{CommandType: CommandSubmitAll, ClientID: empty.ID}, tasks.ActorSystem)
		require.ErrorIs(t, err, ErrNothingToDo)

		_, err = f.dispatcher.Execute(context.Background(), Command{CommandType: CommandSubmitAll, ClientID: "missing"}, tasks.ActorSystem)
		require.ErrorIs(t, err, profile.ErrNotFound)
	}
}

func TestResumeAndRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := f.client(t, choices...)

	task, err := f.tasks.Create(ctx, tasks.NewTask{ClientID: p.ID, University: "oxford", CourseCode: "G400"}, tasks.ActorSystem)
	require.NoError(t, err)

	{
		_, err := f.dispatcher.Execute(ctx, Command{CommandType: CommandResumeTask, Parameters: map[string]string{"task_id": task.ID}}, tasks.ActorSystem)
		require.ErrorIs(t, err, automation.ErrNotRunnable)
	}

	_, err = f.tasks.Report(ctx, task.ID, tasks.Transition{Status: tasks.StatusInProgress})
	require.NoError(t, err)
	_, err = f.tasks.Report(ctx, task.ID, tasks.Transition{Status: tasks.StatusAwaitingHuman, Error: "captcha"})
	require.NoError(t, err)

	{
		_, err := f.dispatcher.Execute(ctx, Command{
			CommandType: CommandResumeTask,
			ClientID:    "someone-else",
			Parameters:  map[string]string{"task_id": task.ID},
		}, tasks.ActorSystem)
		require.ErrorIs(t, err, tasks.ErrNotFound)

		res, err := f.dispatcher.Execute(ctx, Command{CommandType: CommandResumeTask, Parameters: map[string]string{"task_id": task.ID}}, tasks.ActorSystem)
		require.NoError(t, err)
		require.Equal(t, []string{task.ID}, res.TaskIDs)
		require.NoError(t, f.dispatcher.Wait())
		require.Equal(t, []call{{method: "resume", taskID: task.ID}}, f.runner.Calls())
	}

	{
		_, err := f.dispatcher.Execute(ctx, Command{CommandType: CommandRetryTask, Parameters: map[string]string{"task_id": task.ID}}, tasks.ActorSystem)
		require.ErrorIs(t, err, tasks.ErrNotRetryable)
	}

	_, err = f.tasks.Report(ctx, task.ID, tasks.Transition{Status: tasks.StatusFailed, Error: "gave up"})
	require.NoError(t, err)

	{
		res, err := f.dispatcher.Execute(ctx, Command{CommandType: CommandRetryTask, ClientID: p.ID, Parameters: map[string]string{"task_id": task.ID}}, "operator:ops")
		require.NoError(t, err)
		require.Len(t, res.TaskIDs, 1)
		require.NotEqual(t, task.ID, res.TaskIDs[0])
		require.NoError(t, f.dispatcher.Wait())

		retried, err := f.tasks.Get(ctx, res.TaskIDs[0])
		require.NoError(t, err)
		require.Equal(t, task.ID, retried.Supersedes)
		require.Equal(t, tasks.StatusPending, retried.Status)
	}
}

func TestUnknownCommand(t *testing.T) {
	f := setup(t)
	_, err := f.dispatcher.Execute(context.Background(), Command{CommandType: "reticulate"}, tasks.ActorSystem)
	require.ErrorIs(t, err, ErrUnknownCommand)
}
