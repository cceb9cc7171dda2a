package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/session"
	"github.com/browserpilot/backend/internal/store"
)

type memTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.BrowserTask
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[uuid.UUID]*models.BrowserTask)}
}

func (s *memTaskStore) Create(_ context.Context, task *models.BrowserTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *memTaskStore) Get(_ context.Context, id uuid.UUID) (*models.BrowserTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *memTaskStore) Update(_ context.Context, task *models.BrowserTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *memTaskStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memTaskStore) ListByUser(_ context.Context, userID uuid.UUID) ([]models.BrowserTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BrowserTask
	for _, task := range s.tasks {
		if task.UserID == userID {
			out = append(out, *task)
		}
	}
	return out, nil
}

func (s *memTaskStore) Due(_ context.Context, now time.Time, limit int) ([]models.BrowserTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BrowserTask
	for _, task := range s.tasks {
		if task.Status == models.TaskScheduled && task.Enabled &&
			task.NextRunAt != nil && !task.NextRunAt.After(now) {
			out = append(out, *task)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memTaskStore) Claim(_ context.Context, id uuid.UUID) (*models.BrowserTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if task.Status != models.TaskScheduled || !task.Enabled {
		return nil, store.ErrTaskNotClaimable
	}
	task.Status = models.TaskRunning
	cp := *task
	return &cp, nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	failTimes int
	creates   int
	ends      int
}

func (l *fakeLauncher) CreateSession(_ context.Context, userID uuid.UUID, _ session.CreateSessionRequest) (*models.BrowserSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creates++
	if l.creates <= l.failTimes {
		return nil, errors.New("bridge unavailable")
	}
	return &models.BrowserSession{ID: uuid.New(), UserID: userID, Status: models.SessionActive}, nil
}

func (l *fakeLauncher) EndSession(_ context.Context, id uuid.UUID) (*models.BrowserSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ends++
	return &models.BrowserSession{ID: id, Status: models.SessionCompleted}, nil
}

type fakeRunner struct {
	result *models.WorkflowRunResult
	err    error
	runs   int
}

func (r *fakeRunner) Run(_ context.Context, _, workflowID uuid.UUID) (*models.WorkflowRunResult, error) {
	r.runs++
	if r.result != nil {
		cp := *r.result
		cp.WorkflowID = workflowID
		return &cp, r.err
	}
	return &models.WorkflowRunResult{WorkflowID: workflowID, Success: true, StepsCompleted: 3, TotalSteps: 3}, r.err
}

func newTestScheduler(t *testing.T) (*Scheduler, *memTaskStore, *fakeLauncher, *fakeRunner, *[]time.Duration) {
	t.Helper()
	tasks := newMemTaskStore()
	launcher := &fakeLauncher{}
	runner := &fakeRunner{}
	s := New(tasks, launcher, runner, zerolog.Nop())
	var sleeps []time.Duration
	s.sleepFn = func(d time.Duration) { sleeps = append(sleeps, d) }
	return s, tasks, launcher, runner, &sleeps
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func TestCalculateNextRunOnce(t *testing.T) {
	runAt := mustTime(t, "2024-03-10T09:00:00Z")
	next, err := CalculateNextRun(models.TaskSchedule{Kind: models.ScheduleOnce, RunAt: &runAt}, mustTime(t, "2024-03-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, runAt, *next)

	// Missing run_at is invalid.
	_, err = CalculateNextRun(models.TaskSchedule{Kind: models.ScheduleOnce}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestCalculateNextRunDaily(t *testing.T) {
	// Before today's slot: runs today.
	now := mustTime(t, "2024-03-10T08:00:00Z")
	next, err := CalculateNextRun(models.TaskSchedule{Kind: models.ScheduleDaily, Time: "09:30"}, now)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-10T09:30:00Z"), next.UTC())

	// After today's slot: tomorrow.
	now = mustTime(t, "2024-03-10T10:00:00Z")
	next, err = CalculateNextRun(models.TaskSchedule{Kind: models.ScheduleDaily, Time: "09:30"}, now)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-11T09:30:00Z"), next.UTC())

	// Exactly at the slot: strictly after now, so tomorrow.
	now = mustTime(t, "2024-03-10T09:30:00Z")
	next, err = CalculateNextRun(models.TaskSchedule{Kind: models.ScheduleDaily, Time: "09:30"}, now)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-11T09:30:00Z"), next.UTC())
}

// A weekly schedule for Thursday evaluated on a Friday picks the following
// Thursday, not yesterday.
func TestCalculateNextRunWeekly(t *testing.T) {
	// 2024-03-08 is a Friday.
	now := mustTime(t, "2024-03-08T12:00:00Z")
	next, err := CalculateNextRun(models.TaskSchedule{
		Kind:       models.ScheduleWeekly,
		Time:       "10:00",
		DaysOfWeek: []int{4}, // Thursday
	}, now)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-14T10:00:00Z"), next.UTC())
	assert.Equal(t, time.Thursday, next.UTC().Weekday())

	// Same weekday, time not yet passed: today.
	now = mustTime(t, "2024-03-08T09:00:00Z")
	next, err = CalculateNextRun(models.TaskSchedule{
		Kind:       models.ScheduleWeekly,
		Time:       "10:00",
		DaysOfWeek: []int{5}, // Friday
	}, now)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-08T10:00:00Z"), next.UTC())

	// Same weekday, time passed: next week.
	now = mustTime(t, "2024-03-08T11:00:00Z")
	next, err = CalculateNextRun(models.TaskSchedule{
		Kind:       models.ScheduleWeekly,
		Time:       "10:00",
		DaysOfWeek: []int{5},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-15T10:00:00Z"), next.UTC())

	// Multiple days: nearest wins.
	now = mustTime(t, "2024-03-08T12:00:00Z") // Friday
	next, err = CalculateNextRun(models.TaskSchedule{
		Kind:       models.ScheduleWeekly,
		Time:       "10:00",
		DaysOfWeek: []int{1, 6}, // Monday, Saturday
	}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Saturday, next.UTC().Weekday())
}

func TestCalculateNextRunMonthly(t *testing.T) {
	now := mustTime(t, "2024-03-10T12:00:00Z")
	next, err := CalculateNextRun(models.TaskSchedule{
		Kind:       models.ScheduleMonthly,
		Time:       "08:00",
		DayOfMonth: 15,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-15T08:00:00Z"), next.UTC())

	// Day already passed this month.
	now = mustTime(t, "2024-03-20T12:00:00Z")
	next, err = CalculateNextRun(models.TaskSchedule{
		Kind:       models.ScheduleMonthly,
		Time:       "08:00",
		DayOfMonth: 15,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-04-15T08:00:00Z"), next.UTC())

	// The 31st skips short months: from late January the next slot is March.
	now = mustTime(t, "2024-01-31T12:00:00Z")
	next, err = CalculateNextRun(models.TaskSchedule{
		Kind:       models.ScheduleMonthly,
		Time:       "08:00",
		DayOfMonth: 31,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-31T08:00:00Z"), next.UTC())
}

func TestCalculateNextRunCron(t *testing.T) {
	now := mustTime(t, "2024-03-10T12:30:00Z")
	next, err := CalculateNextRun(models.TaskSchedule{
		Kind:       models.ScheduleCron,
		Expression: "0 9 * * 1-5", // weekdays at 09:00
	}, now)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-11T09:00:00Z"), next.UTC())

	_, err = CalculateNextRun(models.TaskSchedule{
		Kind:       models.ScheduleCron,
		Expression: "not a cron line",
	}, now)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestCalculateNextRunTimezone(t *testing.T) {
	// 09:00 New York is 13:00 or 14:00 UTC depending on DST; just assert the
	// wall clock in the schedule's zone.
	now := mustTime(t, "2024-06-10T00:00:00Z")
	next, err := CalculateNextRun(models.TaskSchedule{
		Kind:     models.ScheduleDaily,
		Time:     "09:00",
		Timezone: "America/New_York",
	}, now)
	require.NoError(t, err)

	loc, _ := time.LoadLocation("America/New_York")
	assert.Equal(t, 9, next.In(loc).Hour())
	assert.Equal(t, 0, next.In(loc).Minute())
}

func TestCalculateNextRunValidation(t *testing.T) {
	_, err := CalculateNextRun(models.TaskSchedule{Kind: models.ScheduleDaily, Time: "25:00"}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = CalculateNextRun(models.TaskSchedule{Kind: models.ScheduleWeekly, Time: "09:00", DaysOfWeek: []int{7}}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = CalculateNextRun(models.TaskSchedule{Kind: models.ScheduleMonthly, Time: "09:00", DayOfMonth: 0}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = CalculateNextRun(models.TaskSchedule{Kind: "hourly"}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestScheduleTask(t *testing.T) {
	s, tasks, _, _, _ := newTestScheduler(t)
	userID := uuid.New()
	s.nowFn = func() time.Time { return mustTime(t, "2024-03-10T08:00:00Z") }

	task, err := s.ScheduleTask(context.Background(), userID, ScheduleTaskRequest{
		Name:     "morning check",
		Schedule: models.TaskSchedule{Kind: models.ScheduleDaily, Time: "09:00"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskScheduled, task.Status)
	assert.True(t, task.Enabled)
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, mustTime(t, "2024-03-10T09:00:00Z"), task.NextRunAt.UTC())

	stored, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.NextRunAt.UTC(), stored.NextRunAt.UTC())
}

func TestExecuteTaskSuccessRecurring(t *testing.T) {
	s, tasks, launcher, runner, _ := newTestScheduler(t)
	now := mustTime(t, "2024-03-10T09:00:05Z")
	s.nowFn = func() time.Time { return now }

	wfID := uuid.New()
	nextRun := mustTime(t, "2024-03-10T09:00:00Z")
	task := &models.BrowserTask{
		ID: uuid.New(), UserID: uuid.New(), WorkflowID: &wfID,
		Name:     "daily digest",
		Schedule: models.TaskSchedule{Kind: models.ScheduleDaily, Time: "09:00"},
		Status:   models.TaskScheduled, Enabled: true, NextRunAt: &nextRun,
	}
	require.NoError(t, tasks.Create(context.Background(), task))

	require.NoError(t, s.ExecuteTask(context.Background(), task.ID))

	stored, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskScheduled, stored.Status)
	assert.Equal(t, 1, stored.RunCount)
	assert.Equal(t, 0, stored.RetryCount)
	require.NotNil(t, stored.Result)
	assert.True(t, stored.Result.Success)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, mustTime(t, "2024-03-11T09:00:00Z"), stored.NextRunAt.UTC())

	assert.Equal(t, 1, runner.runs)
	assert.Equal(t, 1, launcher.creates)
	assert.Equal(t, 1, launcher.ends) // session torn down even on success
}

func TestExecuteTaskOnceCompletes(t *testing.T) {
	s, tasks, _, _, _ := newTestScheduler(t)
	now := mustTime(t, "2024-03-10T09:00:05Z")
	s.nowFn = func() time.Time { return now }

	runAt := mustTime(t, "2024-03-10T09:00:00Z")
	task := &models.BrowserTask{
		ID: uuid.New(), UserID: uuid.New(),
		Name:     "one shot",
		Schedule: models.TaskSchedule{Kind: models.ScheduleOnce, RunAt: &runAt},
		Status:   models.TaskScheduled, Enabled: true, NextRunAt: &runAt,
	}
	require.NoError(t, tasks.Create(context.Background(), task))

	require.NoError(t, s.ExecuteTask(context.Background(), task.ID))

	stored, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, stored.Status)
	assert.Nil(t, stored.NextRunAt)
}

func TestExecuteTaskSessionRetryBackoff(t *testing.T) {
	s, tasks, launcher, _, sleeps := newTestScheduler(t)
	launcher.failTimes = 2 // first two attempts fail, third succeeds
	now := mustTime(t, "2024-03-10T09:00:05Z")
	s.nowFn = func() time.Time { return now }

	runAt := mustTime(t, "2024-03-10T09:00:00Z")
	task := &models.BrowserTask{
		ID: uuid.New(), UserID: uuid.New(),
		Name:     "flaky device",
		Schedule: models.TaskSchedule{Kind: models.ScheduleOnce, RunAt: &runAt},
		Status:   models.TaskScheduled, Enabled: true, NextRunAt: &runAt,
	}
	require.NoError(t, tasks.Create(context.Background(), task))

	require.NoError(t, s.ExecuteTask(context.Background(), task.ID))

	assert.Equal(t, 3, launcher.creates)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *sleeps)

	stored, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, stored.Status)
}

func TestExecuteTaskSessionCreateExhausted(t *testing.T) {
	s, tasks, launcher, runner, sleeps := newTestScheduler(t)
	launcher.failTimes = 10
	now := mustTime(t, "2024-03-10T09:00:05Z")
	s.nowFn = func() time.Time { return now }

	runAt := mustTime(t, "2024-03-10T09:00:00Z")
	task := &models.BrowserTask{
		ID: uuid.New(), UserID: uuid.New(),
		Name:     "unreachable device",
		Schedule: models.TaskSchedule{Kind: models.ScheduleOnce, RunAt: &runAt},
		Status:   models.TaskScheduled, Enabled: true, NextRunAt: &runAt,
	}
	require.NoError(t, tasks.Create(context.Background(), task))

	err := s.ExecuteTask(context.Background(), task.ID)
	require.Error(t, err)

	assert.Equal(t, 3, launcher.creates)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *sleeps)
	assert.Equal(t, 0, runner.runs)

	stored, getErr := tasks.Get(context.Background(), task.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.TaskFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.Result)
	assert.Contains(t, stored.Result.Error, "create session")
}

func TestExecuteTaskFailureRecurringReschedules(t *testing.T) {
	s, tasks, _, runner, _ := newTestScheduler(t)
	runner.result = &models.WorkflowRunResult{Success: false, StepsCompleted: 1, TotalSteps: 3, Error: "step 2 (click): element not found"}
	runner.err = errors.New("workflow digest: step 2 (click): element not found")
	now := mustTime(t, "2024-03-10T09:00:05Z")
	s.nowFn = func() time.Time { return now }

	wfID := uuid.New()
	nextRun := mustTime(t, "2024-03-10T09:00:00Z")
	task := &models.BrowserTask{
		ID: uuid.New(), UserID: uuid.New(), WorkflowID: &wfID,
		Name:     "daily digest",
		Schedule: models.TaskSchedule{Kind: models.ScheduleDaily, Time: "09:00"},
		Status:   models.TaskScheduled, Enabled: true, NextRunAt: &nextRun,
	}
	require.NoError(t, tasks.Create(context.Background(), task))

	err := s.ExecuteTask(context.Background(), task.ID)
	require.Error(t, err)

	stored, getErr := tasks.Get(context.Background(), task.ID)
	require.NoError(t, getErr)
	// A failed recurring task keeps its schedule.
	assert.Equal(t, models.TaskScheduled, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, mustTime(t, "2024-03-11T09:00:00Z"), stored.NextRunAt.UTC())
	assert.Contains(t, stored.Result.Error, "element not found")
}

func TestExecuteTaskAlreadyClaimed(t *testing.T) {
	s, tasks, launcher, _, _ := newTestScheduler(t)

	runAt := time.Now()
	task := &models.BrowserTask{
		ID: uuid.New(), UserID: uuid.New(),
		Name:     "busy",
		Schedule: models.TaskSchedule{Kind: models.ScheduleOnce, RunAt: &runAt},
		Status:   models.TaskRunning, Enabled: true,
	}
	require.NoError(t, tasks.Create(context.Background(), task))

	// Losing the claim is a no-op, not an error.
	require.NoError(t, s.ExecuteTask(context.Background(), task.ID))
	assert.Equal(t, 0, launcher.creates)
}

func TestGetDueTasks(t *testing.T) {
	s, tasks, _, _, _ := newTestScheduler(t)
	now := mustTime(t, "2024-03-10T09:00:00Z")
	s.nowFn = func() time.Time { return now }

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	due := &models.BrowserTask{ID: uuid.New(), UserID: uuid.New(), Name: "due",
		Schedule: models.TaskSchedule{Kind: models.ScheduleDaily, Time: "09:00"},
		Status:   models.TaskScheduled, Enabled: true, NextRunAt: &past}
	notDue := &models.BrowserTask{ID: uuid.New(), UserID: uuid.New(), Name: "later",
		Schedule: models.TaskSchedule{Kind: models.ScheduleDaily, Time: "10:00"},
		Status:   models.TaskScheduled, Enabled: true, NextRunAt: &future}
	disabled := &models.BrowserTask{ID: uuid.New(), UserID: uuid.New(), Name: "off",
		Schedule: models.TaskSchedule{Kind: models.ScheduleDaily, Time: "09:00"},
		Status:   models.TaskScheduled, Enabled: false, NextRunAt: &past}
	require.NoError(t, tasks.Create(context.Background(), due))
	require.NoError(t, tasks.Create(context.Background(), notDue))
	require.NoError(t, tasks.Create(context.Background(), disabled))

	got, err := s.GetDueTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestEnableDisableCancel(t *testing.T) {
	s, tasks, _, _, _ := newTestScheduler(t)
	s.nowFn = func() time.Time { return mustTime(t, "2024-03-10T08:00:00Z") }

	task, err := s.ScheduleTask(context.Background(), uuid.New(), ScheduleTaskRequest{
		Name:     "toggler",
		Schedule: models.TaskSchedule{Kind: models.ScheduleDaily, Time: "09:00"},
	})
	require.NoError(t, err)

	disabled, err := s.Disable(context.Background(), task.ID)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	enabled, err := s.Enable(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, enabled.Enabled)
	assert.Equal(t, models.TaskScheduled, enabled.Status)
	require.NotNil(t, enabled.NextRunAt)

	cancelled, err := s.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, cancelled.Status)
	assert.False(t, cancelled.Enabled)
	assert.Nil(t, cancelled.NextRunAt)

	stored, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, stored.Status)
}

func TestRunNowDisabledTask(t *testing.T) {
	s, tasks, _, _, _ := newTestScheduler(t)

	runAt := time.Now()
	task := &models.BrowserTask{
		ID: uuid.New(), UserID: uuid.New(), Name: "off",
		Schedule: models.TaskSchedule{Kind: models.ScheduleOnce, RunAt: &runAt},
		Status:   models.TaskScheduled, Enabled: false,
	}
	require.NoError(t, tasks.Create(context.Background(), task))

	assert.ErrorIs(t, s.RunNow(context.Background(), task.ID), ErrTaskDisabled)
}
