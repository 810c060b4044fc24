package tasks

import (
	"context"
	"testing"
	"time"

	"uniapply-backend/internal/components/chrono"
	"uniapply-backend/internal/components/db"
	"uniapply-backend/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

func setup(t testing.TB) (Store, *chrono.FixedClock) {
	sqlite, err := db.Open(context.Background(), db.DriverSqlite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })

	clock := &chrono.FixedClock{T: time.Date(2026, 1, 10, 9, 0, 0, 0, chrono.London())}
	store := NewStore(db.New(sqlite), db.NewMakeTx(sqlite), clock, &telemetry.Recorder{})
	return store, clock
}

func actions(t testing.TB, store Store, taskID string) []string {
	entries, err := store.Audit(context.Background(), Resource(taskID), 0)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

var oxfordCS = NewTask{ClientID: "client-1", University: "oxford", CourseCode: "G400", CourseName: "Computer Science"}

func TestCanTransition(t *testing.T) {
	testCases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusSubmitted, false},
		{StatusInProgress, StatusSubmitted, true},
		{StatusInProgress, StatusAwaitingHuman, true},
		{StatusInProgress, StatusPending, false},
		{StatusAwaitingHuman, StatusInProgress, true},
		{StatusAwaitingHuman, StatusSubmitted, false},
		{StatusSubmitted, StatusAccepted, true},
		{StatusSubmitted, StatusRejected, true},
		{StatusSubmitted, StatusFailed, false},
		{StatusFailed, StatusInProgress, false},
		{StatusAccepted, StatusRejected, false},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCreateOneActivePerCourse(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	first, err := store.Create(ctx, oxfordCS, ActorSystem)
	require.NoError(t, err)
	require.Equal(t, StatusPending, first.Status)

	_, err = store.Create(ctx, oxfordCS, ActorSystem)
	require.ErrorIs(t, err, ErrTaskActive)

	// another course at the same university is independent
	other := oxfordCS
	other.CourseCode = "G401"
	_, err = store.Create(ctx, other, ActorSystem)
	require.NoError(t, err)

	// once the first task finishes the slot is free again
	_, err = store.Report(ctx, first.ID, Transition{Status: StatusFailed, Error: "boom"})
	require.NoError(t, err)
	_, err = store.Create(ctx, oxfordCS, ActorSystem)
	require.NoError(t, err)
}

func TestPartialIndexRejectsSecondActive(t *testing.T) {
	sqlite, err := db.Open(context.Background(), db.DriverSqlite, ":memory:")
	require.NoError(t, err)
	defer sqlite.Close()
	qry := db.New(sqlite)

	insert := func(id string) error {
		return qry.CreateTask(context.Background(), db.CreateTaskParams{
			ID: id, ClientID: "c", University: "u", CourseCode: "k", Status: "pending",
		})
	}
	require.NoError(t, insert("a"))
	err = insert("b")
	require.Error(t, err)
	require.True(t, db.IsUniqueViolation(err))
}

func TestReportLifecycle(t *testing.T) {
	store, clock := setup(t)
	ctx := context.Background()

	task, err := store.Create(ctx, oxfordCS, OperatorActor("ops@example.com"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	task, err = store.Report(ctx, task.ID, Transition{Status: StatusInProgress})
	require.NoError(t, err)
	require.NotNil(t, task.StartedAt)
	require.Nil(t, task.FinishedAt)

	require.NoError(t, store.Checkpoint(ctx, task.ID, 0, "authenticate"))
	require.NoError(t, store.Checkpoint(ctx, task.ID, 1, "personal"))
	// repeated checkpoint is ignored
	require.NoError(t, store.Checkpoint(ctx, task.ID, 1, "personal"))

	clock.Advance(time.Minute)
	task, err = store.Report(ctx, task.ID, Transition{
		Status:       StatusSubmitted,
		Step:         "submit",
		Confirmation: "OX-123456",
	})
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, task.Status)
	require.Equal(t, 2, task.CurrentStep)
	require.Equal(t, "OX-123456", task.Confirmation)
	require.NotNil(t, task.FinishedAt)

	// re-reporting a terminal status is a no-op
	again, err := store.Report(ctx, task.ID, Transition{Status: StatusSubmitted, Confirmation: "OTHER"})
	require.NoError(t, err)
	require.Equal(t, "OX-123456", again.Confirmation)

	_, err = store.Report(ctx, task.ID, Transition{Status: StatusFailed})
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.Equal(t, []string{
		"task.created",
		"task.in_progress",
		"task.step_completed",
		"task.step_completed",
		"task.submitted",
	}, actions(t, store, task.ID))

	entries, err := store.Audit(ctx, Resource(task.ID), 0)
	require.NoError(t, err)
	require.Equal(t, "operator:ops@example.com", entries[0].Actor)
	require.Equal(t, ActorSystem, entries[1].Actor)
	require.Equal(t, "in_progress", entries[4].Detail["from"])
}

func TestCheckpointRequiresInProgress(t *testing.T) {
	store, _ := setup(t)
	task, err := store.Create(context.Background(), oxfordCS, ActorSystem)
	require.NoError(t, err)

	err = store.Checkpoint(context.Background(), task.ID, 0, "authenticate")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAwaitingHumanKeepsSlot(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	task, err := store.Create(ctx, oxfordCS, ActorSystem)
	require.NoError(t, err)
	_, err = store.Report(ctx, task.ID, Transition{Status: StatusInProgress})
	require.NoError(t, err)
	task, err = store.Report(ctx, task.ID, Transition{Status: StatusAwaitingHuman, Error: "captcha on courses"})
	require.NoError(t, err)
	require.Equal(t, "captcha on courses", task.LastError)
	require.Nil(t, task.FinishedAt)

	_, err = store.Create(ctx, oxfordCS, ActorSystem)
	require.ErrorIs(t, err, ErrTaskActive)

	task, err = store.Report(ctx, task.ID, Transition{Status: StatusInProgress})
	require.NoError(t, err)
	require.Empty(t, task.LastError)
}

func TestRetry(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	task, err := store.Create(ctx, oxfordCS, ActorSystem)
	require.NoError(t, err)

	_, err = store.Retry(ctx, task.ID, ActorSystem)
	require.ErrorIs(t, err, ErrNotRetryable)

	_, err = store.Report(ctx, task.ID, Transition{Status: StatusFailed, Error: "navigation timeout"})
	require.NoError(t, err)

	retried, err := store.Retry(ctx, task.ID, OperatorActor("ops"))
	require.NoError(t, err)
	require.Equal(t, task.ID, retried.Supersedes)
	require.Equal(t, StatusPending, retried.Status)
	require.Equal(t, oxfordCS.CourseName, retried.CourseName)

	_, err = store.Retry(ctx, task.ID, ActorSystem)
	require.ErrorIs(t, err, ErrAlreadySuperseded)

	old, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, old.Status)
	require.Equal(t, "navigation timeout", old.LastError)
	require.Equal(t, []string{"task.created", "task.failed", "task.retried"}, actions(t, store, task.ID))

	_, err = store.Retry(ctx, "missing", ActorSystem)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	store, clock := setup(t)
	ctx := context.Background()

	a, err := store.Create(ctx, oxfordCS, ActorSystem)
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := store.Create(ctx, NewTask{ClientID: "client-1", University: "cambridge", CourseCode: "H100"}, ActorSystem)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = store.Create(ctx, NewTask{ClientID: "client-2", University: "leeds", CourseCode: "X1"}, ActorSystem)
	require.NoError(t, err)

	_, err = store.Report(ctx, a.ID, Transition{Status: StatusFailed})
	require.NoError(t, err)

	list, err := store.List(ctx, Filter{ClientID: "client-1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, b.ID, list[0].ID)

	list, err = store.List(ctx, Filter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, a.ID, list[0].ID)

	list, err = store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
}

func TestReaper(t *testing.T) {
	store, clock := setup(t)
	ctx := context.Background()
	reaper := NewReaper(store, 10*time.Minute, &telemetry.Recorder{})

	stale, err := store.Create(ctx, oxfordCS, ActorSystem)
	require.NoError(t, err)
	_, err = store.Report(ctx, stale.ID, Transition{Status: StatusInProgress})
	require.NoError(t, err)

	waiting, err := store.Create(ctx, NewTask{ClientID: "client-1", University: "leeds", CourseCode: "X1"}, ActorSystem)
	require.NoError(t, err)
	_, err = store.Report(ctx, waiting.ID, Transition{Status: StatusInProgress})
	require.NoError(t, err)
	_, err = store.Report(ctx, waiting.ID, Transition{Status: StatusAwaitingHuman})
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	fresh, err := store.Create(ctx, NewTask{ClientID: "client-1", University: "cambridge", CourseCode: "H100"}, ActorSystem)
	require.NoError(t, err)
	_, err = store.Report(ctx, fresh.ID, Transition{Status: StatusInProgress})
	require.NoError(t, err)

	n, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	clock.Advance(10 * time.Minute)
	n, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, LeaseExpired, got.LastError)

	got, err = store.Get(ctx, waiting.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingHuman, got.Status)

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, got.Status)
}

func TestReportFromGuard(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	task, err := store.Create(ctx, oxfordCS, ActorSystem)
	require.NoError(t, err)
	_, err = store.Report(ctx, task.ID, Transition{Status: StatusFailed, From: StatusInProgress})
	require.ErrorIs(t, err, ErrInvalidTransition)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}
