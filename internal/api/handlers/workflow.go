package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/store"
	"github.com/browserpilot/backend/internal/workflow"
)

type WorkflowHandler struct {
	deps *Deps
}

func NewWorkflowHandler(deps *Deps) *WorkflowHandler {
	return &WorkflowHandler{deps: deps}
}

type createWorkflowRequest struct {
	Name        string                 `json:"name" binding:"required"`
	Description string                 `json:"description,omitempty"`
	Steps       []models.BrowserAction `json:"steps" binding:"required"`
}

func (h *WorkflowHandler) Create(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wf, err := h.deps.Runner.CreateWorkflow(c.Request.Context(), getUserID(c), req.Name, req.Description, req.Steps)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (h *WorkflowHandler) List(c *gin.Context) {
	workflows, err := h.deps.Runner.ListWorkflows(c.Request.Context(), getUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

func (h *WorkflowHandler) Get(c *gin.Context) {
	wf, ok := h.ownedWorkflow(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *WorkflowHandler) Delete(c *gin.Context) {
	wf, ok := h.ownedWorkflow(c)
	if !ok {
		return
	}
	if err := h.deps.Runner.DeleteWorkflow(c.Request.Context(), wf.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type runWorkflowRequest struct {
	SessionID uuid.UUID `json:"session_id" binding:"required"`
}

// Run replays a workflow inside one of the caller's sessions.
func (h *WorkflowHandler) Run(c *gin.Context) {
	wf, ok := h.ownedWorkflow(c)
	if !ok {
		return
	}

	var req runWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.deps.Sessions.GetSession(c.Request.Context(), req.SessionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sess.UserID != getUserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	result, runErr := h.deps.Runner.Run(c.Request.Context(), sess.ID, wf.ID)
	if runErr != nil {
		c.JSON(http.StatusOK, gin.H{"result": result, "error": runErr.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

type startRecordingRequest struct {
	SessionID uuid.UUID `json:"session_id" binding:"required"`
	Name      string    `json:"name" binding:"required"`
}

func (h *WorkflowHandler) StartRecording(c *gin.Context) {
	userID := getUserID(c)

	var req startRecordingRequest
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

	if err := h.deps.Recorder.Start(sess.ID, userID, req.Name); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recording": true})
}

type stopRecordingRequest struct {
	SessionID uuid.UUID `json:"session_id" binding:"required"`
	Discard   bool      `json:"discard,omitempty"`
}

func (h *WorkflowHandler) StopRecording(c *gin.Context) {
	var req stopRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Discard {
		h.deps.Recorder.Discard(req.SessionID)
		c.JSON(http.StatusOK, gin.H{"recording": false})
		return
	}

	wf, err := h.deps.Recorder.Stop(c.Request.Context(), req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrNotRecording):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, workflow.ErrEmptyRecording):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (h *WorkflowHandler) ownedWorkflow(c *gin.Context) (*models.BrowserWorkflow, bool) {
	id, ok := parseID(c, "id")
	if !ok {
		return nil, false
	}
	wf, err := h.deps.Runner.GetWorkflow(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && wf.UserID != getUserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return wf, true
}
