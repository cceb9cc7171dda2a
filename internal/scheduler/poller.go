package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Notifier pushes task lifecycle events to connected clients. The websocket
// hub satisfies this; a nil notifier disables pushes.
type Notifier interface {
	BroadcastToUser(userID string, event string, payload interface{})
}

// Poller wakes up once a minute, fetches due tasks and feeds them to a small
// worker pool. Claiming inside ExecuteTask keeps multiple pollers safe.
type Poller struct {
	scheduler *Scheduler
	notifier  Notifier
	logger    zerolog.Logger

	cron     *cron.Cron
	queue    chan uuid.UUID
	stopChan chan struct{}
	workers  int
}

// NewPoller creates a poller for the scheduler.
func NewPoller(s *Scheduler, notifier Notifier, logger zerolog.Logger) *Poller {
	return &Poller{
		scheduler: s,
		notifier:  notifier,
		logger:    logger.With().Str("component", "poller").Logger(),
		cron:      cron.New(),
		queue:     make(chan uuid.UUID, dueBatchSize*2),
		stopChan:  make(chan struct{}),
		workers:   3,
	}
}

// Start begins polling and launches the workers.
func (p *Poller) Start() error {
	if _, err := p.cron.AddFunc("@every 1m", p.poll); err != nil {
		return err
	}
	for i := 0; i < p.workers; i++ {
		go p.worker(i)
	}
	p.cron.Start()
	p.logger.Info().Int("workers", p.workers).Msg("task poller started")
	return nil
}

// Stop halts polling and the workers. In-flight task runs finish.
func (p *Poller) Stop() {
	p.cron.Stop()
	close(p.stopChan)
	p.logger.Info().Msg("task poller stopped")
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	due, err := p.scheduler.GetDueTasks(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to fetch due tasks")
		return
	}
	for _, task := range due {
		select {
		case p.queue <- task.ID:
		case <-p.stopChan:
			return
		default:
			// Queue full; the task stays due and the next poll retries it.
			p.logger.Warn().Str("task_id", task.ID.String()).Msg("task queue full, deferring")
		}
	}
}

func (p *Poller) worker(id int) {
	for {
		select {
		case taskID := <-p.queue:
			p.run(taskID)
		case <-p.stopChan:
			return
		}
	}
}

func (p *Poller) run(taskID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	err := p.scheduler.ExecuteTask(ctx, taskID)

	if p.notifier != nil {
		task, getErr := p.scheduler.GetTask(ctx, taskID)
		if getErr == nil {
			event := "task:completed"
			if err != nil {
				event = "task:failed"
			}
			p.notifier.BroadcastToUser(task.UserID.String(), event, map[string]interface{}{
				"task_id": task.ID,
				"name":    task.Name,
				"status":  task.Status,
				"result":  task.Result,
			})
		}
	}

	if err != nil {
		p.logger.Warn().Err(err).Str("task_id", taskID.String()).Msg("task execution failed")
	}
}
