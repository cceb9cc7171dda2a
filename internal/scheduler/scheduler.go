// Package scheduler runs browser tasks on their schedules: it computes next
// run times, claims due tasks, drives a session through the workflow runner
// and reschedules or finalizes the task afterwards.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/session"
	"github.com/browserpilot/backend/internal/store"
)

// Common errors
var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrTaskDisabled    = errors.New("task is disabled")
)

const (
	// dueBatchSize caps how many tasks one poll picks up.
	dueBatchSize = 10

	// sessionCreateAttempts and sessionCreateBackoff govern retry of session
	// creation during task execution: 3 attempts, 2s/4s/8s between them.
	sessionCreateAttempts = 3
	sessionCreateBackoff  = 2 * time.Second
)

// SessionLauncher is the slice of the session manager the scheduler needs.
type SessionLauncher interface {
	CreateSession(ctx context.Context, userID uuid.UUID, req session.CreateSessionRequest) (*models.BrowserSession, error)
	EndSession(ctx context.Context, sessionID uuid.UUID) (*models.BrowserSession, error)
}

// WorkflowRunner replays a workflow inside a session.
type WorkflowRunner interface {
	Run(ctx context.Context, sessionID, workflowID uuid.UUID) (*models.WorkflowRunResult, error)
}

// ScheduleTaskRequest carries the fields for creating a task.
type ScheduleTaskRequest struct {
	Name        string              `json:"name" binding:"required"`
	Description string              `json:"description,omitempty"`
	WorkflowID  *uuid.UUID          `json:"workflow_id,omitempty"`
	Schedule    models.TaskSchedule `json:"schedule" binding:"required"`
}

// Scheduler owns the task lifecycle.
type Scheduler struct {
	tasks    store.TaskStore
	sessions SessionLauncher
	runner   WorkflowRunner
	logger   zerolog.Logger

	nowFn   func() time.Time
	sleepFn func(time.Duration)
}

// New creates a scheduler.
func New(tasks store.TaskStore, sessions SessionLauncher, runner WorkflowRunner, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		tasks:    tasks,
		sessions: sessions,
		runner:   runner,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		nowFn:    time.Now,
		sleepFn:  time.Sleep,
	}
}

// ScheduleTask validates the schedule, computes the first run time and
// persists the task.
func (s *Scheduler) ScheduleTask(ctx context.Context, userID uuid.UUID, req ScheduleTaskRequest) (*models.BrowserTask, error) {
	nextRun, err := CalculateNextRun(req.Schedule, s.nowFn())
	if err != nil {
		return nil, err
	}

	task := &models.BrowserTask{
		ID:          uuid.New(),
		UserID:      userID,
		WorkflowID:  req.WorkflowID,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		Status:      models.TaskScheduled,
		Enabled:     true,
		NextRunAt:   nextRun,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("task_id", task.ID.String()).
		Str("kind", string(req.Schedule.Kind)).
		Time("next_run_at", derefTime(nextRun)).
		Msg("task scheduled")
	return task, nil
}

// CalculateNextRun computes the next run time for a schedule, strictly after
// now. Wall-clock fields are interpreted in the schedule's timezone (UTC when
// unset).
func CalculateNextRun(schedule models.TaskSchedule, now time.Time) (*time.Time, error) {
	loc, err := loadLocation(schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	local := now.In(loc)

	switch schedule.Kind {
	case models.ScheduleOnce:
		if schedule.RunAt == nil {
			return nil, fmt.Errorf("%w: once schedule requires run_at", ErrInvalidSchedule)
		}
		// A past run_at is due immediately, not rejected.
		runAt := *schedule.RunAt
		return &runAt, nil

	case models.ScheduleDaily:
		hour, minute, err := parseClock(schedule.Time)
		if err != nil {
			return nil, err
		}
		next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}
		return &next, nil

	case models.ScheduleWeekly:
		if len(schedule.DaysOfWeek) == 0 {
			return nil, fmt.Errorf("%w: weekly schedule requires days_of_week", ErrInvalidSchedule)
		}
		hour, minute, err := parseClock(schedule.Time)
		if err != nil {
			return nil, err
		}
		for _, day := range schedule.DaysOfWeek {
			if day < 0 || day > 6 {
				return nil, fmt.Errorf("%w: day_of_week %d out of range", ErrInvalidSchedule, day)
			}
		}
		// Pick the smallest forward distance; today counts only while the
		// scheduled time has not passed yet.
		best := 8
		for _, day := range schedule.DaysOfWeek {
			dist := (day - int(local.Weekday()) + 7) % 7
			if dist == 0 {
				todayAt := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
				if !todayAt.After(local) {
					dist = 7
				}
			}
			if dist < best {
				best = dist
			}
		}
		next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc).AddDate(0, 0, best)
		return &next, nil

	case models.ScheduleMonthly:
		if schedule.DayOfMonth < 1 || schedule.DayOfMonth > 31 {
			return nil, fmt.Errorf("%w: day_of_month %d out of range", ErrInvalidSchedule, schedule.DayOfMonth)
		}
		hour, minute, err := parseClock(schedule.Time)
		if err != nil {
			return nil, err
		}
		// Walk forward month by month, skipping months too short for the
		// requested day (the 31st never fires in February).
		for offset := 0; offset < 13; offset++ {
			base := time.Date(local.Year(), local.Month(), 1, hour, minute, 0, 0, loc).AddDate(0, offset, 0)
			next := time.Date(base.Year(), base.Month(), schedule.DayOfMonth, hour, minute, 0, 0, loc)
			if next.Month() != base.Month() {
				continue
			}
			if next.After(local) {
				return &next, nil
			}
		}
		return nil, fmt.Errorf("%w: no valid monthly occurrence found", ErrInvalidSchedule)

	case models.ScheduleCron:
		spec, err := cron.ParseStandard(schedule.Expression)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		next := spec.Next(local)
		if next.IsZero() {
			return nil, fmt.Errorf("%w: cron expression never fires", ErrInvalidSchedule)
		}
		return &next, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, schedule.Kind)
	}
}

// GetDueTasks returns the next batch of tasks whose run time has arrived.
func (s *Scheduler) GetDueTasks(ctx context.Context) ([]models.BrowserTask, error) {
	return s.tasks.Due(ctx, s.nowFn(), dueBatchSize)
}

// ExecuteTask claims and runs one task end to end. Losing the claim is not an
// error: another executor simply got there first.
func (s *Scheduler) ExecuteTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.tasks.Claim(ctx, taskID)
	if errors.Is(err, store.ErrTaskNotClaimable) {
		s.logger.Debug().Str("task_id", taskID.String()).Msg("task already claimed")
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info().Str("task_id", task.ID.String()).Str("name", task.Name).Msg("executing task")

	result, runErr := s.runClaimed(ctx, task)
	return s.finalize(ctx, task, result, runErr)
}

// runClaimed creates a session (with retries), replays the workflow and tears
// the session down.
func (s *Scheduler) runClaimed(ctx context.Context, task *models.BrowserTask) (*models.WorkflowRunResult, error) {
	sess, err := s.createSessionWithRetry(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		if _, endErr := s.sessions.EndSession(ctx, sess.ID); endErr != nil {
			s.logger.Warn().Err(endErr).Str("session_id", sess.ID.String()).Msg("failed to end task session")
		}
	}()

	if task.WorkflowID == nil {
		// Nothing to replay; the run only proves the device is reachable.
		return &models.WorkflowRunResult{Success: true}, nil
	}

	result, err := s.runner.Run(ctx, sess.ID, *task.WorkflowID)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *Scheduler) createSessionWithRetry(ctx context.Context, task *models.BrowserTask) (*models.BrowserSession, error) {
	var lastErr error
	backoff := sessionCreateBackoff
	for attempt := 1; attempt <= sessionCreateAttempts; attempt++ {
		sess, err := s.sessions.CreateSession(ctx, task.UserID, session.CreateSessionRequest{
			TaskDescription: fmt.Sprintf("scheduled task: %s", task.Name),
		})
		if err == nil {
			return sess, nil
		}
		lastErr = err
		s.logger.Warn().
			Err(err).
			Str("task_id", task.ID.String()).
			Int("attempt", attempt).
			Msg("session creation failed")
		if attempt < sessionCreateAttempts {
			s.sleepFn(backoff)
			backoff *= 2
		}
	}
	return nil, lastErr
}

// finalize records the run outcome and moves the task to its next state: a
// recurring task goes back to scheduled with a fresh next run time, a
// one-shot task terminates.
func (s *Scheduler) finalize(ctx context.Context, task *models.BrowserTask, result *models.WorkflowRunResult, runErr error) error {
	now := s.nowFn()
	task.LastRunAt = &now
	task.RunCount++

	if result == nil {
		result = &models.WorkflowRunResult{}
	}
	if runErr != nil && result.Error == "" {
		result.Error = runErr.Error()
	}
	task.Result = result

	if runErr == nil {
		task.RetryCount = 0
	} else {
		task.RetryCount++
	}

	if task.Schedule.Kind == models.ScheduleOnce {
		task.NextRunAt = nil
		if runErr == nil {
			task.Status = models.TaskCompleted
		} else {
			task.Status = models.TaskFailed
		}
	} else {
		next, err := CalculateNextRun(task.Schedule, now)
		if err != nil {
			// The schedule was valid at creation; treat a failure here as
			// terminal rather than looping on a bad rule.
			task.Status = models.TaskFailed
			task.NextRunAt = nil
			s.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("failed to reschedule task")
		} else {
			task.Status = models.TaskScheduled
			task.NextRunAt = next
		}
	}

	if err := s.tasks.Update(ctx, task); err != nil {
		return err
	}

	if runErr != nil {
		s.logger.Warn().
			Err(runErr).
			Str("task_id", task.ID.String()).
			Int("retry_count", task.RetryCount).
			Msg("task run failed")
		return runErr
	}
	s.logger.Info().
		Str("task_id", task.ID.String()).
		Time("next_run_at", derefTime(task.NextRunAt)).
		Msg("task run completed")
	return nil
}

// RunNow triggers a task outside its schedule. The normal claim path still
// applies, so a concurrently running task is not doubled.
func (s *Scheduler) RunNow(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Enabled {
		return ErrTaskDisabled
	}
	return s.ExecuteTask(ctx, taskID)
}

// Enable re-enables a task and recomputes its next run from now.
func (s *Scheduler) Enable(ctx context.Context, taskID uuid.UUID) (*models.BrowserTask, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	next, err := CalculateNextRun(task.Schedule, s.nowFn())
	if err != nil {
		return nil, err
	}
	task.Enabled = true
	task.Status = models.TaskScheduled
	task.NextRunAt = next
	if err := s.tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Disable stops a task from being picked up without deleting it.
func (s *Scheduler) Disable(ctx context.Context, taskID uuid.UUID) (*models.BrowserTask, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Enabled = false
	if err := s.tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Cancel permanently terminates a task.
func (s *Scheduler) Cancel(ctx context.Context, taskID uuid.UUID) (*models.BrowserTask, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Status = models.TaskCancelled
	task.Enabled = false
	task.NextRunAt = nil
	if err := s.tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask fetches a task.
func (s *Scheduler) GetTask(ctx context.Context, taskID uuid.UUID) (*models.BrowserTask, error) {
	return s.tasks.Get(ctx, taskID)
}

// ListTasks returns all of a user's tasks.
func (s *Scheduler) ListTasks(ctx context.Context, userID uuid.UUID) ([]models.BrowserTask, error) {
	return s.tasks.ListByUser(ctx, userID)
}

// DeleteTask removes a task entirely.
func (s *Scheduler) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	return s.tasks.Delete(ctx, taskID)
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		tz = models.DefaultTimezone
	}
	return time.LoadLocation(tz)
}

func parseClock(value string) (hour, minute int, err error) {
	if value == "" {
		return 0, 0, fmt.Errorf("%w: schedule requires a time", ErrInvalidSchedule)
	}
	if _, err := fmt.Sscanf(value, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("%w: bad time %q", ErrInvalidSchedule, value)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: bad time %q", ErrInvalidSchedule, value)
	}
	return hour, minute, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
