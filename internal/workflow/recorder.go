package workflow

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/store"
)

// Common errors
var (
	ErrNotRecording     = errors.New("session is not recording")
	ErrAlreadyRecording = errors.New("session is already recording")
	ErrEmptyRecording   = errors.New("recording has no steps")
)

// Recorder captures executed actions per session so they can be saved as a
// replayable workflow. Recordings live in memory only; stopping without
// saving discards them.
type Recorder struct {
	workflows store.WorkflowStore
	logger    zerolog.Logger

	mu         sync.Mutex
	recordings map[uuid.UUID]*recording
}

type recording struct {
	userID uuid.UUID
	name   string
	steps  []models.BrowserAction
}

// NewRecorder creates a workflow recorder.
func NewRecorder(workflows store.WorkflowStore, logger zerolog.Logger) *Recorder {
	return &Recorder{
		workflows:  workflows,
		logger:     logger.With().Str("component", "recorder").Logger(),
		recordings: make(map[uuid.UUID]*recording),
	}
}

// Start begins recording actions for a session.
func (r *Recorder) Start(sessionID, userID uuid.UUID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recordings[sessionID]; ok {
		return ErrAlreadyRecording
	}
	r.recordings[sessionID] = &recording{userID: userID, name: name}
	r.logger.Info().Str("session_id", sessionID.String()).Str("name", name).Msg("recording started")
	return nil
}

// IsRecording reports whether the session has an open recording.
func (r *Recorder) IsRecording(sessionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.recordings[sessionID]
	return ok
}

// Append adds an executed action to the session's recording. A no-op when the
// session is not recording, so callers can append unconditionally.
func (r *Recorder) Append(sessionID uuid.UUID, action models.BrowserAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.recordings[sessionID]; ok {
		rec.steps = append(rec.steps, action)
	}
}

// Stop ends the recording and persists it as a workflow. An empty recording
// is discarded and reported as an error.
func (r *Recorder) Stop(ctx context.Context, sessionID uuid.UUID) (*models.BrowserWorkflow, error) {
	r.mu.Lock()
	rec, ok := r.recordings[sessionID]
	delete(r.recordings, sessionID)
	r.mu.Unlock()

	if !ok {
		return nil, ErrNotRecording
	}
	if len(rec.steps) == 0 {
		return nil, ErrEmptyRecording
	}

	wf := &models.BrowserWorkflow{
		ID:     uuid.New(),
		UserID: rec.userID,
		Name:   rec.name,
		Steps:  rec.steps,
	}
	if err := r.workflows.Create(ctx, wf); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("session_id", sessionID.String()).
		Str("workflow_id", wf.ID.String()).
		Int("steps", len(wf.Steps)).
		Msg("recording saved")
	return wf, nil
}

// Discard drops a recording without saving.
func (r *Recorder) Discard(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recordings, sessionID)
}
