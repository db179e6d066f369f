package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskdesk/internal/config"
	"taskdesk/internal/db"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/events"
	"taskdesk/internal/migrate"
	"taskdesk/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
	Events *events.Recorder

	Alice   domain.Actor // user, org-1
	Bob     domain.Actor // user, org-1
	Manager domain.Actor // manager, org-1
	Admin   domain.Actor // admin, org-1
	Carol   domain.Actor // manager, org-2
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn.DB)
	require.NoError(t, err)

	perms, err := config.Default().Permissions()
	require.NoError(t, err)
	clk := &clock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	rec := &events.Recorder{}
	eng := engine.New(conn, auth.NewPermissionStore(perms), rec, zap.NewNop())
	eng.Now = clk.Now
	eng.Audit.Now = clk.Now

	env := testEnv{
		Engine:  eng,
		Ctx:     ctx,
		Clock:   clk,
		Events:  rec,
		Alice:   domain.Actor{ID: "alice", OrgID: "org-1", Role: "user"},
		Bob:     domain.Actor{ID: "bob", OrgID: "org-1", Role: "user"},
		Manager: domain.Actor{ID: "mona", OrgID: "org-1", Role: "manager"},
		Admin:   domain.Actor{ID: "ada", OrgID: "org-1", Role: "admin"},
		Carol:   domain.Actor{ID: "carol", OrgID: "org-2", Role: "manager"},
	}

	tx, err := conn.BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Repo.ReplacePermissions(ctx, tx, perms))
	require.NoError(t, eng.Repo.EnsureOrg(ctx, tx, "org-1", "Org One", clk.Now()))
	require.NoError(t, eng.Repo.EnsureOrg(ctx, tx, "org-2", "Org Two", clk.Now()))
	for _, a := range []domain.Actor{env.Alice, env.Bob, env.Manager, env.Admin, env.Carol} {
		require.NoError(t, eng.Repo.InsertUser(ctx, tx, domain.User{ID: a.ID, OrgID: a.OrgID, Role: a.Role, Enabled: true, CreatedAt: clk.Now()}))
	}
	require.NoError(t, tx.Commit())
	return env
}

func (env testEnv) createTask(t *testing.T, assignee string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, env.Manager, engine.TaskCreateOptions{Title: "Replace boiler valve", AssigneeID: assignee})
	require.NoError(t, err)
	env.Events.Reset()
	return task
}

func (env testEnv) audit(t *testing.T, taskID string) []domain.AuditLogEntry {
	t.Helper()
	entries, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{ResourceID: taskID})
	require.NoError(t, err)
	return entries
}

func (env testEnv) reload(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.Repo.GetTask(env.Ctx, nil, id)
	require.NoError(t, err)
	return task
}

func requireValidation(t *testing.T, err error) {
	t.Helper()
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func requireDenied(t *testing.T, err error, reason auth.DenyReason) {
	t.Helper()
	var denied *auth.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, reason, denied.Reason)
}

func TestCreateTaskAssignsDisplayOrderAndEvents(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.CreateTask(env.Ctx, env.Manager, engine.TaskCreateOptions{Title: "one"})
	require.NoError(t, err)
	second, err := env.Engine.CreateTask(env.Ctx, env.Manager, engine.TaskCreateOptions{Title: "two", AssigneeID: "alice", Priority: domain.PriorityHigh})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusReady, first.Status)
	assert.Equal(t, 1, first.DisplayOrder)
	assert.Equal(t, 2, second.DisplayOrder)
	assert.Equal(t, "alice", env.reload(t, second.ID).Assignee())
	assert.Equal(t, []string{
		engine.EventTaskCreated,
		engine.EventTaskCreated, engine.EventTaskAssigned, engine.EventUserAssignedTask, engine.EventUserWasAssigned,
	}, env.Events.EventNames())
	require.Len(t, env.Events.NotificationsFor(engine.NotifyAssignedToYou), 1)

	entries := env.audit(t, second.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, "CREATE", entries[0].Operation)
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.Ctx
	foreign, err := env.Engine.CreateLabel(ctx, env.Carol, "", "urgent")
	require.NoError(t, err)
	var labels []string
	for _, name := range []string{"a", "b", "c", "d"} {
		l, err := env.Engine.CreateLabel(ctx, env.Manager, "", name)
		require.NoError(t, err)
		labels = append(labels, l.ID)
	}

	_, err = env.Engine.CreateTask(ctx, env.Manager, engine.TaskCreateOptions{Title: "x", LabelIDs: labels})
	requireValidation(t, err)
	_, err = env.Engine.CreateTask(ctx, env.Manager, engine.TaskCreateOptions{Title: "x", LabelIDs: []string{labels[0], foreign.ID}})
	requireValidation(t, err)
	_, err = env.Engine.CreateTask(ctx, env.Manager, engine.TaskCreateOptions{Title: "x", Status: domain.StatusScheduled})
	requireValidation(t, err)
	_, err = env.Engine.CreateTask(ctx, env.Manager, engine.TaskCreateOptions{Title: "x", Status: domain.StatusInProgress, AssigneeID: "alice"})
	requireValidation(t, err)
	_, err = env.Engine.CreateTask(ctx, env.Manager, engine.TaskCreateOptions{Title: "x", AssigneeID: "carol"})
	requireDenied(t, err, auth.ReasonOtherOrg)

	task, err := env.Engine.CreateTask(ctx, env.Manager, engine.TaskCreateOptions{Title: "x", LabelIDs: labels[:3]})
	require.NoError(t, err)
	assert.Equal(t, labels[:3], env.reload(t, task.ID).LabelIDs)
}

func TestTransitionStampsStartedAndFinished(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "alice")
	start := env.Clock.Now()

	task, err := env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusInProgress)
	require.NoError(t, err)
	require.NotNil(t, task.StartedAt)
	assert.True(t, task.StartedAt.Equal(start))
	assert.Nil(t, task.FinishedAt)

	env.Clock.Advance(time.Hour)
	task, err = env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusCompleted)
	require.NoError(t, err)
	stored := env.reload(t, task.ID)
	require.NotNil(t, stored.FinishedBy)
	require.NotNil(t, stored.FinishedAt)
	assert.Equal(t, "alice", *stored.FinishedBy)
	assert.True(t, stored.FinishedAt.Equal(start.Add(time.Hour)))
	assert.True(t, stored.StartedAt.Equal(start))
	assert.Equal(t, []string{"task.in_progress", engine.EventUserTransitionedTask, "task.completed", engine.EventUserTransitionedTask}, env.Events.EventNames())

	env.Clock.Advance(time.Hour)
	_, err = env.Engine.Transition(env.Ctx, env.Manager, task.ID, domain.StatusCancelled)
	requireValidation(t, err)
	_, _, err = env.Engine.Delay(env.Ctx, env.Alice, task.ID, engine.DelayRequest{DelayFor: 60})
	requireValidation(t, err)
	after := env.reload(t, task.ID)
	assert.Equal(t, *stored.FinishedBy, *after.FinishedBy)
	assert.True(t, stored.FinishedAt.Equal(*after.FinishedAt))
}

func TestTransitionTable(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "alice")

	_, err := env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusCompleted)
	requireValidation(t, err)
	_, err = env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusDelayed)
	requireValidation(t, err)
	_, err = env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusScheduled)
	requireValidation(t, err)
	_, err = env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.TaskStatus("ARCHIVED"))
	requireValidation(t, err)

	_, err = env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusInProgress)
	require.NoError(t, err)
	_, err = env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusReady)
	requireValidation(t, err)
}

func TestSameStatusTransitionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "alice")
	before := env.reload(t, task.ID)
	auditBefore := len(env.audit(t, task.ID))

	env.Clock.Advance(time.Minute)
	got, err := env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusReady)
	require.NoError(t, err)

	after := env.reload(t, task.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, before.StatusChangedAt.Equal(after.StatusChangedAt))
	assert.Equal(t, domain.StatusReady, got.Status)
	assert.Empty(t, env.Events.Events())
	assert.Len(t, env.audit(t, task.ID), auditBefore)
}

func TestUnassignedCancel(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	_, err := env.Engine.Transition(env.Ctx, env.Manager, task.ID, domain.StatusInProgress)
	requireValidation(t, err)
	assert.Contains(t, err.Error(), "no assignee")

	task, err = env.Engine.Transition(env.Ctx, env.Manager, task.ID, domain.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, task.Status)
	require.NotNil(t, task.FinishedBy)
	assert.Equal(t, "mona", *task.FinishedBy)

	entries := env.audit(t, task.ID)
	require.NotEmpty(t, entries)
	assert.Equal(t, "TRANSITION", entries[0].Operation)
}

func TestDelayReplacesOpenDelay(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "alice")
	_, err := env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusInProgress)
	require.NoError(t, err)

	task, first, err := env.Engine.Delay(env.Ctx, env.Alice, task.ID, engine.DelayRequest{DelayFor: 600, Reason: "waiting on parts"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelayed, task.Status)
	delayedAt := task.StatusChangedAt

	env.Clock.Advance(10 * time.Second)
	task, second, err := env.Engine.Delay(env.Ctx, env.Manager, task.ID, engine.DelayRequest{DelayFor: 1200})
	require.NoError(t, err)
	assert.True(t, task.StatusChangedAt.Equal(delayedAt))

	delays, err := env.Engine.ListDelays(env.Ctx, env.Manager, task.ID)
	require.NoError(t, err)
	require.Len(t, delays, 2)
	assert.Equal(t, first.ID, delays[0].ID)
	require.NotNil(t, delays[0].Expired)
	assert.Equal(t, int64(10), delays[0].DelayFor)
	require.NotNil(t, delays[0].Reason)
	assert.Equal(t, "waiting on parts", *delays[0].Reason)
	assert.Equal(t, second.ID, delays[1].ID)
	assert.Nil(t, delays[1].Expired)
	assert.Equal(t, int64(1200), delays[1].DelayFor)
	assert.Equal(t, "mona", delays[1].DelayedBy)

	env.Clock.Advance(5 * time.Second)
	task, err = env.Engine.EndDelay(env.Ctx, env.Alice, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, task.Status)
	delays, err = env.Engine.ListDelays(env.Ctx, env.Manager, task.ID)
	require.NoError(t, err)
	for _, d := range delays {
		assert.False(t, d.Open())
	}
	assert.Equal(t, int64(5), delays[1].DelayFor)
}

func TestEndDelayRequiresDelayedTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "alice")
	_, err := env.Engine.EndDelay(env.Ctx, env.Alice, task.ID)
	requireValidation(t, err)
	assert.Contains(t, err.Error(), "not delayed")

	_, _, err = env.Engine.Delay(env.Ctx, env.Alice, task.ID, engine.DelayRequest{DelayFor: 0})
	requireValidation(t, err)
}

func TestSelfAssignSuppressesNotification(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	task, err := env.Engine.Assign(env.Ctx, env.Alice, task.ID, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "alice", task.Assignee())
	assert.Equal(t, []string{engine.EventTaskAssigned, engine.EventUserAssignedTask, engine.EventUserWasAssigned}, env.Events.EventNames())
	assert.Empty(t, env.Events.Notifications())

	env.Events.Reset()
	_, err = env.Engine.Assign(env.Ctx, env.Alice, task.ID, "alice", true)
	require.NoError(t, err)
	assert.Empty(t, env.Events.Events())
}

func TestAssignNotifiesOtherAssignee(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	_, err := env.Engine.Assign(env.Ctx, env.Manager, task.ID, "bob", true)
	require.NoError(t, err)
	notes := env.Events.NotificationsFor(engine.NotifyAssignedToYou)
	require.Len(t, notes, 1)
	assert.Equal(t, []string{"bob"}, notes[0].Recipients)
	assert.Equal(t, task.ID, notes[0].TargetID)

	env.Events.Reset()
	_, err = env.Engine.Assign(env.Ctx, env.Manager, task.ID, "alice", false)
	require.NoError(t, err)
	assert.Len(t, env.Events.Events(), 3)
	assert.Empty(t, env.Events.Notifications())
}

func TestAssignmentScope(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "bob")

	_, err := env.Engine.Assign(env.Ctx, env.Alice, task.ID, "alice", true)
	requireDenied(t, err, auth.ReasonNotOwner)
	_, err = env.Engine.Assign(env.Ctx, env.Alice, task.ID, "bob", true)
	requireDenied(t, err, auth.ReasonNotOwner)
	_, err = env.Engine.Assign(env.Ctx, env.Carol, task.ID, "carol", true)
	requireDenied(t, err, auth.ReasonOtherOrg)
	_, err = env.Engine.Assign(env.Ctx, env.Manager, task.ID, "nobody", true)
	requireDenied(t, err, auth.ReasonOtherOrg)
}

func TestUnassign(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "alice")

	task, err := env.Engine.Unassign(env.Ctx, env.Alice, task.ID)
	require.NoError(t, err)
	assert.False(t, task.Assigned())
	assert.Equal(t, []string{engine.EventTaskUnassigned, engine.EventUserUnassignedTask, engine.EventUserWasUnassigned}, env.Events.EventNames())

	env.Events.Reset()
	_, err = env.Engine.Unassign(env.Ctx, env.Manager, task.ID)
	require.NoError(t, err)
	assert.Empty(t, env.Events.Events())

	started := env.createTask(t, "alice")
	_, err = env.Engine.Transition(env.Ctx, env.Alice, started.ID, domain.StatusInProgress)
	require.NoError(t, err)
	_, err = env.Engine.Unassign(env.Ctx, env.Alice, started.ID)
	requireValidation(t, err)
}

func TestPriorityEscalationFanOut(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "alice")

	task, err := env.Engine.ChangePriority(env.Ctx, env.Manager, task.ID, domain.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, task.Priority)
	notes := env.Events.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, engine.NotifyPriorityEscalated, notes[0].Event)
	assert.ElementsMatch(t, []string{"ada", "alice", "bob"}, notes[0].Recipients)
	assert.Contains(t, notes[0].Message, "high")

	env.Events.Reset()
	env.Clock.Advance(time.Minute)
	task, err = env.Engine.ChangePriority(env.Ctx, env.Manager, task.ID, domain.PriorityLow)
	require.NoError(t, err)
	assert.Empty(t, env.Events.Notifications())
	assert.True(t, task.PriorityChangedAt.Equal(env.Clock.Now()))

	auditCount := len(env.audit(t, task.ID))
	_, err = env.Engine.ChangePriority(env.Ctx, env.Manager, task.ID, domain.PriorityLow)
	require.NoError(t, err)
	assert.Len(t, env.audit(t, task.ID), auditCount)

	_, err = env.Engine.ChangePriority(env.Ctx, env.Manager, task.ID, domain.Priority(3))
	requireValidation(t, err)
}

func TestPriorityEscalationComponent(t *testing.T) {
	env := newTestEnv(t)
	p := engine.PriorityEscalation{Users: env.Engine.Repo, Now: env.Clock.Now}
	task := domain.Task{ID: "t1", OrgID: "org-1", Title: "pump", Priority: domain.PriorityLow}
	var batch events.Batch

	require.NoError(t, p.ChangePriority(env.Ctx, &batch, &task, domain.PriorityHigh, env.Manager, []string{"mona"}))
	require.Len(t, batch.Notifications, 1)
	assert.NotContains(t, batch.Notifications[0].Recipients, "mona")
	assert.NotContains(t, batch.Notifications[0].Recipients, "carol")

	require.NoError(t, p.ChangePriority(env.Ctx, &batch, &task, domain.PriorityLow, env.Manager, nil))
	assert.Len(t, batch.Notifications, 1)
	assert.Equal(t, domain.PriorityLow, task.Priority)
}

func TestSelfScopeDeniesOtherOwners(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "bob")

	for _, op := range []func() error{
		func() error {
			_, err := env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusInProgress)
			return err
		},
		func() error {
			_, _, err := env.Engine.Delay(env.Ctx, env.Alice, task.ID, engine.DelayRequest{DelayFor: 60})
			return err
		},
		func() error { _, err := env.Engine.Drop(env.Ctx, env.Alice, task.ID); return err },
		func() error {
			_, err := env.Engine.ChangePriority(env.Ctx, env.Alice, task.ID, domain.PriorityHigh)
			return err
		},
	} {
		requireDenied(t, op(), auth.ReasonNotOwner)
	}
	_, err := env.Engine.Transition(env.Ctx, env.Carol, task.ID, domain.StatusInProgress)
	requireDenied(t, err, auth.ReasonOtherOrg)
	assert.Empty(t, env.audit(t, task.ID)[1:])
}

func TestDropReturnsTaskToReady(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "alice")
	_, err := env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusInProgress)
	require.NoError(t, err)
	_, _, err = env.Engine.Delay(env.Ctx, env.Alice, task.ID, engine.DelayRequest{DelayFor: 300})
	require.NoError(t, err)
	env.Events.Reset()

	env.Clock.Advance(30 * time.Second)
	task, err = env.Engine.Drop(env.Ctx, env.Alice, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, task.Status)
	assert.False(t, task.Assigned())
	assert.Equal(t, []string{
		engine.EventTaskUnassigned, engine.EventUserUnassignedTask, engine.EventUserWasUnassigned,
		"task.ready", engine.EventUserTransitionedTask,
	}, env.Events.EventNames())
	notes := env.Events.NotificationsFor(engine.NotifyTaskDropped)
	require.Len(t, notes, 1)
	assert.ElementsMatch(t, []string{"ada", "bob", "mona"}, notes[0].Recipients)

	delays, err := env.Engine.ListDelays(env.Ctx, env.Manager, task.ID)
	require.NoError(t, err)
	require.Len(t, delays, 1)
	assert.Equal(t, int64(30), delays[0].DelayFor)

	entries := env.audit(t, task.ID)
	assert.Equal(t, "DROP", entries[0].Operation)

	_, err = env.Engine.Drop(env.Ctx, env.Manager, task.ID)
	requireValidation(t, err)
}

func TestDropRejectsScheduledTasks(t *testing.T) {
	env := newTestEnv(t)
	at := env.Clock.Now().Add(time.Hour)
	task, err := env.Engine.CreateTask(env.Ctx, env.Manager, engine.TaskCreateOptions{
		Title: "inspect", Status: domain.StatusScheduled, ScheduledFor: &at, AssigneeID: "alice",
	})
	require.NoError(t, err)
	_, err = env.Engine.Drop(env.Ctx, env.Alice, task.ID)
	requireValidation(t, err)
}

func TestReleaseDueScheduled(t *testing.T) {
	env := newTestEnv(t)
	soon := env.Clock.Now().Add(time.Minute)
	later := env.Clock.Now().Add(time.Hour)
	due, err := env.Engine.CreateTask(env.Ctx, env.Manager, engine.TaskCreateOptions{
		Title: "soon", Status: domain.StatusScheduled, ScheduledFor: &soon, AssigneeID: "alice",
	})
	require.NoError(t, err)
	_, err = env.Engine.CreateTask(env.Ctx, env.Manager, engine.TaskCreateOptions{
		Title: "later", Status: domain.StatusScheduled, ScheduledFor: &later, AssigneeID: "bob",
	})
	require.NoError(t, err)

	released, err := env.Engine.ReleaseDueScheduled(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, released)

	env.Clock.Advance(2 * time.Minute)
	released, err = env.Engine.ReleaseDueScheduled(env.Ctx)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, due.ID, released[0].ID)
	assert.Equal(t, domain.StatusReady, env.reload(t, due.ID).Status)
	entries := env.audit(t, due.ID)
	assert.Equal(t, "mona", entries[0].ActorID)
	assert.Equal(t, "TRANSITION", entries[0].Operation)
}

func TestConcurrentTransitionsLinearize(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "alice")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusInProgress)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	transitions := 0
	for _, e := range env.audit(t, task.ID) {
		if e.Operation == "TRANSITION" {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)
	assert.Equal(t, []string{"task.in_progress", engine.EventUserTransitionedTask}, env.Events.EventNames())
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "alice")
	stale := env.reload(t, task.ID)

	_, err := env.Engine.Transition(env.Ctx, env.Alice, task.ID, domain.StatusInProgress)
	require.NoError(t, err)

	tx, err := env.Engine.DB.BeginTxx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	stale.Title = "overwritten"
	err = env.Engine.Repo.UpdateTask(env.Ctx, tx, &stale)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.True(t, domain.Retryable(err))
}

func TestRetryStopsOnTerminalErrors(t *testing.T) {
	calls := 0
	_, err := engine.Retry(context.Background(), 3, func(context.Context) (int, error) {
		calls++
		return 0, domain.ErrConflict
	})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = engine.Retry(context.Background(), 3, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, domain.ErrConflict
		}
		return 0, domain.Invalid("nope")
	})
	requireValidation(t, err)
	assert.Equal(t, 2, calls)
}

func TestSetUserRoleRankRules(t *testing.T) {
	env := newTestEnv(t)

	u, err := env.Engine.SetUserRole(env.Ctx, env.Admin, "alice", "manager")
	require.NoError(t, err)
	assert.Equal(t, "manager", u.Role)
	assert.Equal(t, []string{engine.EventUserRoleChanged}, env.Events.EventNames())

	_, err = env.Engine.SetUserRole(env.Ctx, env.Admin, "bob", "superadmin")
	requireDenied(t, err, auth.ReasonRank)
	_, err = env.Engine.SetUserRole(env.Ctx, env.Manager, "bob", "manager")
	requireDenied(t, err, auth.ReasonNoPermission)
	_, err = env.Engine.SetUserRole(env.Ctx, env.Admin, "carol", "user")
	requireDenied(t, err, auth.ReasonOtherOrg)
	_, err = env.Engine.SetUserRole(env.Ctx, env.Admin, "bob", "janitor")
	requireValidation(t, err)
}

func TestAddUser(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.AddUser(env.Ctx, env.Admin, engine.NewUser{ID: "dave", Role: "user", Name: "Dave"})
	require.NoError(t, err)
	assert.Equal(t, "org-1", u.OrgID)

	_, err = env.Engine.AddUser(env.Ctx, env.Admin, engine.NewUser{ID: "eve", Role: "superadmin"})
	requireDenied(t, err, auth.ReasonRank)
	_, err = env.Engine.AddUser(env.Ctx, env.Manager, engine.NewUser{ID: "frank", Role: "user"})
	requireDenied(t, err, auth.ReasonNoPermission)
}

func TestListTasksNarrowsSelfScope(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "alice")
	env.createTask(t, "bob")

	all, err := env.Engine.ListTasks(env.Ctx, env.Manager, repo.TaskFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = env.Engine.ListTasks(env.Ctx, env.Carol, repo.TaskFilters{OrgID: "org-1"})
	requireDenied(t, err, auth.ReasonOtherOrg)

	_, err = env.Engine.ListAudit(env.Ctx, env.Manager, repo.AuditFilters{})
	requireDenied(t, err, auth.ReasonNoPermission)
	entries, err := env.Engine.ListAudit(env.Ctx, env.Admin, repo.AuditFilters{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
