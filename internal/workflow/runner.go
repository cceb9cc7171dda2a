// Package workflow records sequences of browser actions and replays them
// against live sessions.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/browserpilot/backend/internal/bridge"
	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/store"
)

// ActionExecutor runs a single action inside a session. The session manager
// satisfies this.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, sessionID uuid.UUID, action models.BrowserAction) (*bridge.Result, error)
}

// Runner replays a stored workflow step by step. Execution stops at the first
// failed step; the result records how far it got.
type Runner struct {
	workflows store.WorkflowStore
	executor  ActionExecutor
	logger    zerolog.Logger
	nowFn     func() time.Time
}

// NewRunner creates a workflow runner.
func NewRunner(workflows store.WorkflowStore, executor ActionExecutor, logger zerolog.Logger) *Runner {
	return &Runner{
		workflows: workflows,
		executor:  executor,
		logger:    logger.With().Str("component", "workflow").Logger(),
		nowFn:     time.Now,
	}
}

// Run replays workflowID inside an existing session and reports the outcome.
// The returned result is always non-nil, even on failure; the error mirrors
// result.Error so callers can use either.
func (r *Runner) Run(ctx context.Context, sessionID, workflowID uuid.UUID) (*models.WorkflowRunResult, error) {
	wf, err := r.workflows.Get(ctx, workflowID)
	if err != nil {
		return &models.WorkflowRunResult{
			WorkflowID: workflowID,
			Error:      fmt.Sprintf("load workflow: %v", err),
		}, err
	}

	start := r.nowFn()
	result := &models.WorkflowRunResult{
		WorkflowID: workflowID,
		TotalSteps: len(wf.Steps),
	}

	for i, step := range wf.Steps {
		stepResult, err := r.executor.ExecuteAction(ctx, sessionID, step)
		if err == nil {
			err = stepResult.Err()
		}
		if err != nil {
			result.Error = fmt.Sprintf("step %d (%s): %v", i+1, step.Type, err)
			result.Duration = r.nowFn().Sub(start)
			r.logger.Warn().
				Str("workflow_id", workflowID.String()).
				Str("session_id", sessionID.String()).
				Int("step", i+1).
				Err(err).
				Msg("workflow step failed")
			return result, fmt.Errorf("workflow %s: %s", wf.Name, result.Error)
		}
		result.StepsCompleted++
	}

	result.Success = true
	result.Duration = r.nowFn().Sub(start)
	r.logger.Info().
		Str("workflow_id", workflowID.String()).
		Str("session_id", sessionID.String()).
		Int("steps", result.StepsCompleted).
		Dur("duration", result.Duration).
		Msg("workflow completed")
	return result, nil
}

// CreateWorkflow stores a workflow authored directly (not recorded).
func (r *Runner) CreateWorkflow(ctx context.Context, userID uuid.UUID, name, description string, steps []models.BrowserAction) (*models.BrowserWorkflow, error) {
	wf := &models.BrowserWorkflow{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        name,
		Description: description,
		Steps:       steps,
	}
	if err := r.workflows.Create(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// GetWorkflow fetches a workflow by ID.
func (r *Runner) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.BrowserWorkflow, error) {
	return r.workflows.Get(ctx, id)
}

// ListWorkflows returns all of a user's workflows.
func (r *Runner) ListWorkflows(ctx context.Context, userID uuid.UUID) ([]models.BrowserWorkflow, error) {
	return r.workflows.ListByUser(ctx, userID)
}

// DeleteWorkflow removes a workflow. Tasks referencing it will fail their
// next run with a load error rather than being cascaded.
func (r *Runner) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	return r.workflows.Delete(ctx, id)
}
