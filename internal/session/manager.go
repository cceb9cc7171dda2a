// Package session manages the lifecycle of remote browser sessions: creation
// with device selection, action dispatch over the bridge, pause/resume, and
// lazy idle expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/browserpilot/backend/internal/bridge"
	"github.com/browserpilot/backend/internal/locks"
	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/store"
)

// Common errors
var (
	ErrNoActiveSession   = errors.New("no active session")
	ErrSessionNotActive  = errors.New("session is not active")
	ErrSessionNotPaused  = errors.New("session is not paused")
	ErrSessionCompleted  = errors.New("session is already completed")
	ErrNoDeviceAvailable = errors.New("no device available")
	ErrUnknownActionType = errors.New("unknown action type")
)

// RecordingTracker reports whether a session is currently being recorded.
// The workflow recorder implements it; the manager only reads the flag for
// session-state responses.
type RecordingTracker interface {
	IsRecording(sessionID uuid.UUID) bool
}

// CreateSessionRequest carries the optional knobs for session creation.
type CreateSessionRequest struct {
	DeviceID        string `json:"device_id,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	InitialURL      string `json:"initial_url,omitempty"`
}

// SessionState is the full snapshot returned to clients: the session with
// freshly fetched tabs plus the recording flag.
type SessionState struct {
	Session   *models.BrowserSession `json:"session"`
	Recording bool                   `json:"recording"`
}

// Manager owns browser sessions and the in-memory device registry.
type Manager struct {
	sessions store.SessionStore
	bridge   bridge.PageActionBridge
	locks    *locks.LockManager
	logger   zerolog.Logger

	recorder RecordingTracker

	mu      sync.RWMutex
	devices map[string]models.DeviceInfo

	nowFn   func() time.Time
	sleepFn func(time.Duration)
}

// NewManager creates a session manager.
func NewManager(sessions store.SessionStore, b bridge.PageActionBridge, lockManager *locks.LockManager, logger zerolog.Logger) *Manager {
	return &Manager{
		sessions: sessions,
		bridge:   b,
		locks:    lockManager,
		logger:   logger.With().Str("component", "session").Logger(),
		devices:  make(map[string]models.DeviceInfo),
		nowFn:    time.Now,
		sleepFn:  time.Sleep,
	}
}

// SetRecorder wires the workflow recorder in after construction; the recorder
// itself depends on the manager, so this breaks the cycle.
func (m *Manager) SetRecorder(r RecordingTracker) {
	m.recorder = r
}

// RegisterDevice upserts a device into the registry. Called when a device
// connects to the relay or sends a heartbeat.
func (m *Manager) RegisterDevice(info models.DeviceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info.LastSeenAt = m.nowFn()
	info.Online = true
	m.devices[info.ID] = info
}

// MarkDeviceOffline flips a known device to offline without forgetting it.
func (m *Manager) MarkDeviceOffline(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[deviceID]; ok {
		d.Online = false
		m.devices[deviceID] = d
	}
}

// ListDevices returns the registry contents.
func (m *Manager) ListDevices() []models.DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DeviceInfo, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out
}

// CreateSession starts a new browser session for the user. At most one active
// session per user is allowed; a concurrent create loses either on the
// per-user lock or on the store's unique index.
func (m *Manager) CreateSession(ctx context.Context, userID uuid.UUID, req CreateSessionRequest) (*models.BrowserSession, error) {
	// The per-user lock narrows the create race; the store's unique index is
	// the real guarantee. Running without a lock manager is allowed.
	if m.locks != nil {
		lock, err := m.locks.AcquireWithRetry(ctx, locks.ResourceUserSession, userID.String(), 10*time.Second, 2*time.Second)
		if err != nil {
			return nil, fmt.Errorf("session create contention: %w", err)
		}
		defer lock.Release(ctx)
	}

	// Sweep a stale active session first so an idle-expired one does not
	// block the create.
	if existing, err := m.GetActiveSession(ctx, userID); err == nil && existing != nil {
		return nil, store.ErrActiveSessionExists
	} else if err != nil && !errors.Is(err, ErrNoActiveSession) {
		return nil, err
	}

	deviceID, err := m.pickDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}

	now := m.nowFn()
	session := &models.BrowserSession{
		ID:              uuid.New(),
		UserID:          userID,
		Status:          models.SessionActive,
		DeviceID:        deviceID,
		TaskDescription: req.TaskDescription,
		StartedAt:       now,
		LastActivityAt:  now,
	}

	// Seed tab state; the device may be slow, so failure here is not fatal.
	if result, err := m.bridge.GetTabs(ctx, deviceID); err == nil {
		if tabs, err := bridge.DecodeTabs(result); err == nil {
			session.Tabs = tabs
		}
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("session_id", session.ID.String()).
		Str("user_id", userID.String()).
		Str("device_id", deviceID).
		Msg("session created")

	if req.InitialURL != "" {
		if _, err := m.ExecuteAction(ctx, session.ID, models.BrowserAction{
			Type: models.ActionNavigate,
			URL:  req.InitialURL,
		}); err != nil {
			m.logger.Warn().Err(err).Str("session_id", session.ID.String()).Msg("initial navigation failed")
		}
	}

	return session, nil
}

// pickDevice resolves which device the session binds to: the explicit request
// first, then any online registered device, then any known device, and as a
// last resort whatever the bridge reports.
func (m *Manager) pickDevice(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	m.mu.RLock()
	var known string
	for id, d := range m.devices {
		if d.Online {
			m.mu.RUnlock()
			return id, nil
		}
		known = id
	}
	m.mu.RUnlock()
	if known != "" {
		return known, nil
	}

	result, err := m.bridge.ListDevices(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoDeviceAvailable, err)
	}
	devices, err := bridge.DecodeDevices(result)
	if err != nil || len(devices) == 0 {
		return "", ErrNoDeviceAvailable
	}
	for _, d := range devices {
		m.RegisterDevice(d)
	}
	return devices[0].ID, nil
}

// GetActiveSession returns the user's current active session, applying the
// idle timeout lazily: a session past the timeout is completed here and not
// returned.
func (m *Manager) GetActiveSession(ctx context.Context, userID uuid.UUID) (*models.BrowserSession, error) {
	session, err := m.sessions.LatestActive(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}

	if session.IdleExpired(m.nowFn()) {
		session.Status = models.SessionCompleted
		if err := m.sessions.Update(ctx, session); err != nil {
			return nil, err
		}
		m.logger.Info().Str("session_id", session.ID.String()).Msg("session auto-completed after idle timeout")
		return nil, ErrNoActiveSession
	}

	return session, nil
}

// GetSession fetches a session by ID without touching its state.
func (m *Manager) GetSession(ctx context.Context, id uuid.UUID) (*models.BrowserSession, error) {
	return m.sessions.Get(ctx, id)
}

// ListSessions returns all of a user's sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context, userID uuid.UUID) ([]models.BrowserSession, error) {
	return m.sessions.ListByUser(ctx, userID)
}

// ExecuteAction dispatches one action to the session's device and refreshes
// the activity timestamp. The session must be active. Risk validation and
// permission checks happen upstream; this layer only moves the action.
func (m *Manager) ExecuteAction(ctx context.Context, sessionID uuid.UUID, action models.BrowserAction) (*bridge.Result, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionActive {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotActive, session.Status)
	}

	result, err := m.dispatch(ctx, session, action)
	if err != nil {
		return nil, err
	}

	session.LastActivityAt = m.nowFn()
	if err := m.sessions.Update(ctx, session); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to refresh session activity")
	}

	return result, nil
}

func (m *Manager) dispatch(ctx context.Context, session *models.BrowserSession, action models.BrowserAction) (*bridge.Result, error) {
	switch action.Type {
	case models.ActionNavigate:
		return m.takeOne(ctx, session, action.TabID, "navigate", map[string]interface{}{"url": action.URL})
	case models.ActionClick:
		return m.takeOne(ctx, session, action.TabID, "click", map[string]interface{}{"selector": action.Selector})
	case models.ActionTypeText:
		return m.takeOne(ctx, session, action.TabID, "type", map[string]interface{}{
			"selector": action.Selector,
			"value":    action.Value,
		})
	case models.ActionScroll:
		return m.takeOne(ctx, session, action.TabID, "scroll", map[string]interface{}{"direction": action.Direction})
	case models.ActionScreenshot:
		return m.takeOne(ctx, session, action.TabID, "screenshot", nil)
	case models.ActionWait:
		// Waits run control-plane side; the device never sees them.
		m.sleepFn(time.Duration(action.WaitMs) * time.Millisecond)
		return &bridge.Result{Success: true}, nil
	case models.ActionExecuteScript:
		return m.bridge.ExecuteScript(ctx, session.DeviceID, action.Script, action.TabID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownActionType, action.Type)
	}
}

func (m *Manager) takeOne(ctx context.Context, session *models.BrowserSession, tabID, tool string, args map[string]interface{}) (*bridge.Result, error) {
	return m.bridge.TakeAction(ctx, session.DeviceID, []bridge.ActionRequest{{
		TabID:    tabID,
		ToolName: tool,
		Args:     args,
	}})
}

// PauseSession moves an active session to paused.
func (m *Manager) PauseSession(ctx context.Context, sessionID uuid.UUID) (*models.BrowserSession, error) {
	return m.transition(ctx, sessionID, func(s *models.BrowserSession) error {
		if s.Status != models.SessionActive {
			return fmt.Errorf("%w: session is %s", ErrSessionNotActive, s.Status)
		}
		s.Status = models.SessionPaused
		return nil
	})
}

// ResumeSession moves a paused session back to active and resets the idle
// clock.
func (m *Manager) ResumeSession(ctx context.Context, sessionID uuid.UUID) (*models.BrowserSession, error) {
	return m.transition(ctx, sessionID, func(s *models.BrowserSession) error {
		if s.Status != models.SessionPaused {
			return fmt.Errorf("%w: session is %s", ErrSessionNotPaused, s.Status)
		}
		s.Status = models.SessionActive
		s.LastActivityAt = m.nowFn()
		return nil
	})
}

// EndSession completes a session from either active or paused. Ending an
// already-completed session fails.
func (m *Manager) EndSession(ctx context.Context, sessionID uuid.UUID) (*models.BrowserSession, error) {
	return m.transition(ctx, sessionID, func(s *models.BrowserSession) error {
		if s.Status == models.SessionCompleted {
			return ErrSessionCompleted
		}
		s.Status = models.SessionCompleted
		return nil
	})
}

func (m *Manager) transition(ctx context.Context, sessionID uuid.UUID, apply func(*models.BrowserSession) error) (*models.BrowserSession, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	before := session.Status
	if err := apply(session); err != nil {
		return nil, err
	}
	if err := m.sessions.Update(ctx, session); err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("session_id", sessionID.String()).
		Str("from", string(before)).
		Str("to", string(session.Status)).
		Msg("session state changed")
	return session, nil
}

// GetSessionState returns the session with tabs refreshed from the device and
// the recording flag. Idle expiry applies here too: reading the state of a
// long-idle active session completes it.
func (m *Manager) GetSessionState(ctx context.Context, sessionID uuid.UUID) (*SessionState, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == models.SessionActive && session.IdleExpired(m.nowFn()) {
		session.Status = models.SessionCompleted
		if err := m.sessions.Update(ctx, session); err != nil {
			return nil, err
		}
	}

	if session.Status == models.SessionActive {
		if result, err := m.bridge.GetTabs(ctx, session.DeviceID); err == nil {
			if tabs, err := bridge.DecodeTabs(result); err == nil {
				session.Tabs = tabs
				if err := m.sessions.Update(ctx, session); err != nil {
					m.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to persist refreshed tabs")
				}
			}
		}
	}

	state := &SessionState{Session: session}
	if m.recorder != nil {
		state.Recording = m.recorder.IsRecording(sessionID)
	}
	return state, nil
}
