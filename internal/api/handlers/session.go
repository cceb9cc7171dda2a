package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/browserpilot/backend/internal/audit"
	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/session"
	"github.com/browserpilot/backend/internal/store"
	"github.com/browserpilot/backend/internal/websocket"
)

type SessionHandler struct {
	deps *Deps
}

func NewSessionHandler(deps *Deps) *SessionHandler {
	return &SessionHandler{deps: deps}
}

func (h *SessionHandler) Create(c *gin.Context) {
	userID := getUserID(c)

	var req session.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.deps.Sessions.CreateSession(c.Request.Context(), userID, req)
	if errors.Is(err, store.ErrActiveSessionExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "an active session already exists"})
		return
	}
	if errors.Is(err, session.ErrNoDeviceAvailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no device available"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.deps.Audit.Log(c.Request.Context(), &audit.Entry{
		UserID:    userID,
		Event:     audit.EventSessionCreated,
		Result:    audit.ResultSuccess,
		SessionID: &sess.ID,
	})
	h.deps.Hub.BroadcastSessionEvent(userID.String(), websocket.SessionEvent{
		SessionID: sess.ID.String(),
		Status:    string(sess.Status),
		DeviceID:  sess.DeviceID,
	})

	c.JSON(http.StatusCreated, sess)
}

func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.deps.Sessions.ListSessions(c.Request.Context(), getUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *SessionHandler) Active(c *gin.Context) {
	sess, err := h.deps.Sessions.GetActiveSession(c.Request.Context(), getUserID(c))
	if errors.Is(err, session.ErrNoActiveSession) {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *SessionHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	sess, err := h.deps.Sessions.GetSession(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess.UserID != getUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) State(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	state, err := h.deps.Sessions.GetSessionState(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if state.Session.UserID != getUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *SessionHandler) Pause(c *gin.Context) {
	h.transition(c, h.deps.Sessions.PauseSession, "")
}

func (h *SessionHandler) Resume(c *gin.Context) {
	h.transition(c, h.deps.Sessions.ResumeSession, "")
}

func (h *SessionHandler) End(c *gin.Context) {
	h.transition(c, h.deps.Sessions.EndSession, string(audit.EventSessionEnded))
}

type transitionFn = func(ctx context.Context, sessionID uuid.UUID) (*models.BrowserSession, error)

func (h *SessionHandler) transition(c *gin.Context, fn transitionFn, auditEvent string) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	// Ownership check before mutating.
	existing, err := h.deps.Sessions.GetSession(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && existing.UserID != getUserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sess, err := fn(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotActive),
			errors.Is(err, session.ErrSessionNotPaused),
			errors.Is(err, session.ErrSessionCompleted):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	if auditEvent != "" {
		h.deps.Audit.Log(c.Request.Context(), &audit.Entry{
			UserID:    sess.UserID,
			Event:     audit.Event(auditEvent),
			Result:    audit.ResultSuccess,
			SessionID: &sess.ID,
		})
	}
	h.deps.Hub.BroadcastSessionEvent(sess.UserID.String(), websocket.SessionEvent{
		SessionID: sess.ID.String(),
		Status:    string(sess.Status),
		DeviceID:  sess.DeviceID,
	})

	c.JSON(http.StatusOK, sess)
}
