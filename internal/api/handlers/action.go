package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/browserpilot/backend/internal/audit"
	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/permissions"
	"github.com/browserpilot/backend/internal/risk"
	"github.com/browserpilot/backend/internal/session"
	"github.com/browserpilot/backend/internal/store"
	"github.com/browserpilot/backend/internal/websocket"
)

// ActionHandler runs the full action pipeline: risk validation, permission
// check, confirmation handshake, then dispatch to the device.
type ActionHandler struct {
	deps *Deps
}

func NewActionHandler(deps *Deps) *ActionHandler {
	return &ActionHandler{deps: deps}
}

type validateRequest struct {
	Action     models.BrowserAction `json:"action" binding:"required"`
	CurrentURL string               `json:"current_url,omitempty"`
}

// Validate classifies an action without executing it.
func (h *ActionHandler) Validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := risk.Validate(req.Action, req.CurrentURL)

	outcome := audit.ResultSuccess
	if !result.IsValid {
		outcome = audit.ResultFailed
	}
	h.deps.Audit.Log(c.Request.Context(), &audit.Entry{
		UserID:      getUserID(c),
		Event:       audit.EventActionValidated,
		Result:      outcome,
		Description: risk.DescribeAction(req.Action),
		ActionType:  req.Action.Type,
		RiskType:    result.RiskType,
		Reason:      result.Reason,
	})

	c.JSON(http.StatusOK, gin.H{
		"validation":  result,
		"description": risk.DescribeAction(req.Action),
	})
}

type executeRequest struct {
	SessionID uuid.UUID            `json:"session_id" binding:"required"`
	Action    models.BrowserAction `json:"action" binding:"required"`
}

// Execute runs an action through the pipeline. High-risk actions that need
// approval come back as 202 with a confirmation token instead of running.
func (h *ActionHandler) Execute(c *gin.Context) {
	userID := getUserID(c)

	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.deps.Sessions.GetSession(c.Request.Context(), req.SessionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sess.UserID != userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	currentURL := activeTabURL(sess)

	validation := risk.Validate(req.Action, currentURL)
	if !validation.IsValid {
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Reason})
		return
	}

	// Navigation is checked against its destination; everything else against
	// the page it runs on.
	targetURL := currentURL
	if req.Action.Type == models.ActionNavigate {
		targetURL = req.Action.URL
	}

	check, err := h.deps.Guard.CheckPermission(c.Request.Context(), userID, targetURL, req.Action.Type)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !check.Allowed {
		h.deps.Audit.Log(c.Request.Context(), &audit.Entry{
			UserID:     userID,
			Event:      audit.EventActionDenied,
			Result:     audit.ResultDenied,
			SessionID:  &sess.ID,
			Domain:     permissions.NormalizeDomain(targetURL),
			ActionType: req.Action.Type,
			Reason:     check.Reason,
		})
		c.JSON(http.StatusForbidden, gin.H{"error": check.Reason})
		return
	}

	if validation.IsHighRisk {
		domain := permissions.NormalizeDomain(targetURL)
		description := risk.DescribeAction(req.Action)
		pending, err := h.deps.Guard.RequireConfirmation(c.Request.Context(), userID, req.Action, validation.RiskType, domain, description)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if pending != nil {
			h.deps.Hub.BroadcastConfirmationRequest(userID.String(), websocket.ConfirmationEvent{
				Token:       pending.Token,
				Domain:      pending.Domain,
				Description: pending.Description,
				ExpiresAt:   pending.ExpiresAt,
			})
			c.JSON(http.StatusAccepted, gin.H{
				"confirmation_required": true,
				"token":                 pending.Token,
				"description":           pending.Description,
				"risk_type":             validation.RiskType,
				"warnings":              validation.Warnings,
				"expires_at":            pending.ExpiresAt,
			})
			return
		}
	}

	h.run(c, userID, sess.ID, req.Action, targetURL, validation.RiskType)
}

type confirmRequest struct {
	Token string `json:"token" binding:"required"`
}

// Confirm consumes a confirmation token and executes the approved action.
func (h *ActionHandler) Confirm(c *gin.Context) {
	userID := getUserID(c)

	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pending, err := h.deps.Guard.ConfirmAction(c.Request.Context(), req.Token)
	if errors.Is(err, permissions.ErrConfirmationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if pending.UserID != userID {
		// Someone else's token: same response as unknown.
		c.JSON(http.StatusNotFound, gin.H{"error": permissions.ErrConfirmationNotFound.Error()})
		return
	}

	sess, err := h.deps.Sessions.GetActiveSession(c.Request.Context(), userID)
	if errors.Is(err, session.ErrNoActiveSession) {
		c.JSON(http.StatusConflict, gin.H{"error": "no active session to run the confirmed action in"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.deps.Audit.Log(c.Request.Context(), &audit.Entry{
		UserID:      userID,
		Event:       audit.EventActionConfirmed,
		Result:      audit.ResultSuccess,
		SessionID:   &sess.ID,
		Domain:      pending.Domain,
		Description: pending.Description,
		ActionType:  pending.Action.Type,
	})

	h.run(c, userID, sess.ID, pending.Action, pending.Domain, "")
}

// Deny consumes a confirmation token and discards the pending action.
func (h *ActionHandler) Deny(c *gin.Context) {
	userID := getUserID(c)

	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.deps.Guard.DenyAction(c.Request.Context(), userID, req.Token); err != nil {
		if errors.Is(err, permissions.ErrConfirmationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.deps.Audit.Log(c.Request.Context(), &audit.Entry{
		UserID: userID,
		Event:  audit.EventActionRejected,
		Result: audit.ResultDenied,
	})

	c.JSON(http.StatusOK, gin.H{"denied": true})
}

func (h *ActionHandler) run(c *gin.Context, userID, sessionID uuid.UUID, action models.BrowserAction, targetURL string, riskType models.RiskType) {
	result, err := h.deps.Sessions.ExecuteAction(c.Request.Context(), sessionID, action)
	if err != nil {
		h.auditExec(c.Request.Context(), userID, sessionID, action, targetURL, riskType, audit.ResultFailed, err.Error())
		if errors.Is(err, session.ErrSessionNotActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	outcome := audit.ResultSuccess
	if !result.Success {
		outcome = audit.ResultFailed
	}
	h.auditExec(c.Request.Context(), userID, sessionID, action, targetURL, riskType, outcome, result.Error)

	if result.Success {
		h.deps.Recorder.Append(sessionID, action)
	}

	c.JSON(http.StatusOK, result)
}

func (h *ActionHandler) auditExec(ctx context.Context, userID, sessionID uuid.UUID, action models.BrowserAction, targetURL string, riskType models.RiskType, outcome audit.Result, reason string) {
	h.deps.Audit.Log(ctx, &audit.Entry{
		UserID:      userID,
		Event:       audit.EventActionExecuted,
		Result:      outcome,
		SessionID:   &sessionID,
		Domain:      permissions.NormalizeDomain(targetURL),
		Description: risk.DescribeAction(action),
		ActionType:  action.Type,
		RiskType:    riskType,
		Reason:      reason,
	})
}

func activeTabURL(sess *models.BrowserSession) string {
	for _, tab := range sess.Tabs {
		if tab.Active {
			return tab.URL
		}
	}
	if len(sess.Tabs) > 0 {
		return sess.Tabs[0].URL
	}
	return ""
}
