package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserpilot/backend/internal/bridge"
	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/store"
)

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.BrowserSession
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[uuid.UUID]*models.BrowserSession)}
}

func (s *memSessionStore) Create(_ context.Context, session *models.BrowserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.UserID == session.UserID && existing.Status == models.SessionActive {
			return store.ErrActiveSessionExists
		}
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *memSessionStore) Get(_ context.Context, id uuid.UUID) (*models.BrowserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *memSessionStore) Update(_ context.Context, session *models.BrowserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *memSessionStore) LatestActive(_ context.Context, userID uuid.UUID) (*models.BrowserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.BrowserSession
	for _, session := range s.sessions {
		if session.UserID != userID || session.Status != models.SessionActive {
			continue
		}
		if latest == nil || session.StartedAt.After(latest.StartedAt) {
			latest = session
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *memSessionStore) ListByUser(_ context.Context, userID uuid.UUID) ([]models.BrowserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BrowserSession
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, *session)
		}
	}
	return out, nil
}

// fakeBridge records calls and answers with canned results.
type fakeBridge struct {
	mu      sync.Mutex
	actions []bridge.ActionRequest
	scripts []string
	devices []models.DeviceInfo
	tabs    []models.BrowserTab
	fail    error
}

func (b *fakeBridge) ListDevices(_ context.Context) (*bridge.Result, error) {
	if b.fail != nil {
		return nil, b.fail
	}
	data, _ := json.Marshal(b.devices)
	return &bridge.Result{Success: true, Data: data}, nil
}

func (b *fakeBridge) GetTabs(_ context.Context, _ string) (*bridge.Result, error) {
	if b.fail != nil {
		return nil, b.fail
	}
	data, _ := json.Marshal(b.tabs)
	return &bridge.Result{Success: true, Data: data}, nil
}

func (b *fakeBridge) TakeAction(_ context.Context, _ string, actions []bridge.ActionRequest) (*bridge.Result, error) {
	if b.fail != nil {
		return nil, b.fail
	}
	b.mu.Lock()
	b.actions = append(b.actions, actions...)
	b.mu.Unlock()
	return &bridge.Result{Success: true}, nil
}

func (b *fakeBridge) ExecuteScript(_ context.Context, _, script, _ string) (*bridge.Result, error) {
	if b.fail != nil {
		return nil, b.fail
	}
	b.mu.Lock()
	b.scripts = append(b.scripts, script)
	b.mu.Unlock()
	return &bridge.Result{Success: true, Data: json.RawMessage(`"ok"`)}, nil
}

func newTestManager(t *testing.T) (*Manager, *memSessionStore, *fakeBridge) {
	t.Helper()
	sessions := newMemSessionStore()
	fb := &fakeBridge{tabs: []models.BrowserTab{{ID: "tab-1", URL: "https://example.com", Active: true}}}
	m := NewManager(sessions, fb, nil, zerolog.Nop())
	m.sleepFn = func(time.Duration) {}
	return m, sessions, fb
}

func TestCreateSessionExplicitDevice(t *testing.T) {
	m, _, fb := newTestManager(t)
	userID := uuid.New()

	sess, err := m.CreateSession(context.Background(), userID, CreateSessionRequest{DeviceID: "laptop-1"})
	require.NoError(t, err)
	assert.Equal(t, "laptop-1", sess.DeviceID)
	assert.Equal(t, models.SessionActive, sess.Status)
	assert.Len(t, sess.Tabs, 1)
	assert.Empty(t, fb.actions)
}

func TestCreateSessionSecondActiveRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	userID := uuid.New()

	_, err := m.CreateSession(context.Background(), userID, CreateSessionRequest{DeviceID: "laptop-1"})
	require.NoError(t, err)

	_, err = m.CreateSession(context.Background(), userID, CreateSessionRequest{DeviceID: "laptop-1"})
	assert.ErrorIs(t, err, store.ErrActiveSessionExists)
}

func TestCreateSessionPicksOnlineDevice(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.RegisterDevice(models.DeviceInfo{ID: "phone-1"})
	m.MarkDeviceOffline("phone-1")
	m.RegisterDevice(models.DeviceInfo{ID: "laptop-2"})

	sess, err := m.CreateSession(context.Background(), uuid.New(), CreateSessionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "laptop-2", sess.DeviceID)
}

func TestCreateSessionFallsBackToBridgeDevices(t *testing.T) {
	m, _, fb := newTestManager(t)
	fb.devices = []models.DeviceInfo{{ID: "remote-1", Online: true}}

	sess, err := m.CreateSession(context.Background(), uuid.New(), CreateSessionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "remote-1", sess.DeviceID)

	// The discovered device is now registered.
	assert.Len(t, m.ListDevices(), 1)
}

func TestCreateSessionNoDevice(t *testing.T) {
	m, _, fb := newTestManager(t)
	fb.devices = nil

	_, err := m.CreateSession(context.Background(), uuid.New(), CreateSessionRequest{})
	assert.ErrorIs(t, err, ErrNoDeviceAvailable)
}

func TestCreateSessionInitialNavigation(t *testing.T) {
	m, _, fb := newTestManager(t)

	_, err := m.CreateSession(context.Background(), uuid.New(), CreateSessionRequest{
		DeviceID:   "laptop-1",
		InitialURL: "https://news.example.com",
	})
	require.NoError(t, err)
	require.Len(t, fb.actions, 1)
	assert.Equal(t, "navigate", fb.actions[0].ToolName)
	assert.Equal(t, "https://news.example.com", fb.actions[0].Args["url"])
}

func TestGetActiveSessionIdleTimeout(t *testing.T) {
	m, sessions, _ := newTestManager(t)
	userID := uuid.New()

	sess, err := m.CreateSession(context.Background(), userID, CreateSessionRequest{DeviceID: "laptop-1"})
	require.NoError(t, err)

	// Just inside the timeout: still active.
	m.nowFn = func() time.Time { return sess.LastActivityAt.Add(models.SessionIdleTimeout - time.Minute) }
	got, err := m.GetActiveSession(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	// Past the timeout: completed lazily on read.
	m.nowFn = func() time.Time { return sess.LastActivityAt.Add(models.SessionIdleTimeout + time.Minute) }
	_, err = m.GetActiveSession(context.Background(), userID)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	stored, err := sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, stored.Status)
}

func TestExecuteActionDispatch(t *testing.T) {
	m, sessions, fb := newTestManager(t)
	userID := uuid.New()

	sess, err := m.CreateSession(context.Background(), userID, CreateSessionRequest{DeviceID: "laptop-1"})
	require.NoError(t, err)

	before := sess.LastActivityAt
	m.nowFn = func() time.Time { return before.Add(5 * time.Minute) }

	result, err := m.ExecuteAction(context.Background(), sess.ID, models.BrowserAction{
		Type:     models.ActionClick,
		Selector: "#submit",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, fb.actions, 1)
	assert.Equal(t, "click", fb.actions[0].ToolName)
	assert.Equal(t, "#submit", fb.actions[0].Args["selector"])

	// Activity timestamp refreshed.
	stored, err := sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastActivityAt.After(before))
}

func TestExecuteActionWaitRunsLocally(t *testing.T) {
	m, _, fb := newTestManager(t)

	var slept time.Duration
	m.sleepFn = func(d time.Duration) { slept = d }

	sess, err := m.CreateSession(context.Background(), uuid.New(), CreateSessionRequest{DeviceID: "laptop-1"})
	require.NoError(t, err)

	result, err := m.ExecuteAction(context.Background(), sess.ID, models.BrowserAction{
		Type:   models.ActionWait,
		WaitMs: 1500,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1500*time.Millisecond, slept)
	assert.Empty(t, fb.actions)
}

func TestExecuteActionRequiresActiveSession(t *testing.T) {
	m, _, _ := newTestManager(t)

	sess, err := m.CreateSession(context.Background(), uuid.New(), CreateSessionRequest{DeviceID: "laptop-1"})
	require.NoError(t, err)

	_, err = m.PauseSession(context.Background(), sess.ID)
	require.NoError(t, err)

	_, err = m.ExecuteAction(context.Background(), sess.ID, models.BrowserAction{Type: models.ActionScreenshot})
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestSessionTransitions(t *testing.T) {
	m, _, _ := newTestManager(t)

	sess, err := m.CreateSession(context.Background(), uuid.New(), CreateSessionRequest{DeviceID: "laptop-1"})
	require.NoError(t, err)

	paused, err := m.PauseSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, paused.Status)

	// Pausing twice fails.
	_, err = m.PauseSession(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotActive)

	resumed, err := m.ResumeSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, resumed.Status)

	// Resuming an active session fails.
	_, err = m.ResumeSession(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotPaused)

	ended, err := m.EndSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, ended.Status)

	// Completed is terminal.
	_, err = m.EndSession(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrSessionCompleted)
	_, err = m.ResumeSession(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotPaused)
}

func TestEndFromPaused(t *testing.T) {
	m, _, _ := newTestManager(t)

	sess, err := m.CreateSession(context.Background(), uuid.New(), CreateSessionRequest{DeviceID: "laptop-1"})
	require.NoError(t, err)

	_, err = m.PauseSession(context.Background(), sess.ID)
	require.NoError(t, err)

	ended, err := m.EndSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, ended.Status)
}

func TestGetSessionStateRefreshesTabs(t *testing.T) {
	m, sessions, fb := newTestManager(t)

	sess, err := m.CreateSession(context.Background(), uuid.New(), CreateSessionRequest{DeviceID: "laptop-1"})
	require.NoError(t, err)

	fb.tabs = []models.BrowserTab{
		{ID: "tab-1", URL: "https://example.com/page2", Active: true},
		{ID: "tab-2", URL: "https://other.example.com"},
	}

	state, err := m.GetSessionState(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, state.Session.Tabs, 2)
	assert.False(t, state.Recording)

	stored, err := sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Tabs, 2)
}
