package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/browserpilot/backend/internal/audit"
	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/scheduler"
	"github.com/browserpilot/backend/internal/store"
)

type TaskHandler struct {
	deps *Deps
}

func NewTaskHandler(deps *Deps) *TaskHandler {
	return &TaskHandler{deps: deps}
}

func (h *TaskHandler) Create(c *gin.Context) {
	var req scheduler.ScheduleTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.deps.Scheduler.ScheduleTask(c.Request.Context(), getUserID(c), req)
	if errors.Is(err, scheduler.ErrInvalidSchedule) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandler) List(c *gin.Context) {
	tasks, err := h.deps.Scheduler.ListTasks(c.Request.Context(), getUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *TaskHandler) Get(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) Enable(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}
	updated, err := h.deps.Scheduler.Enable(c.Request.Context(), task.ID)
	if errors.Is(err, scheduler.ErrInvalidSchedule) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *TaskHandler) Disable(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}
	updated, err := h.deps.Scheduler.Disable(c.Request.Context(), task.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *TaskHandler) Cancel(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}
	updated, err := h.deps.Scheduler.Cancel(c.Request.Context(), task.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *TaskHandler) RunNow(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}

	runErr := h.deps.Scheduler.RunNow(c.Request.Context(), task.ID)
	if errors.Is(runErr, scheduler.ErrTaskDisabled) {
		c.JSON(http.StatusConflict, gin.H{"error": runErr.Error()})
		return
	}

	entry := &audit.Entry{
		UserID: getUserID(c),
		Event:  audit.EventTaskRun,
		Result: audit.ResultSuccess,
		TaskID: &task.ID,
	}
	if runErr != nil {
		entry.Result = audit.ResultFailed
		entry.Reason = runErr.Error()
	}
	h.deps.Audit.Log(c.Request.Context(), entry)

	if runErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": runErr.Error()})
		return
	}

	updated, err := h.deps.Scheduler.GetTask(c.Request.Context(), task.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *TaskHandler) Delete(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}
	if err := h.deps.Scheduler.DeleteTask(c.Request.Context(), task.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *TaskHandler) ownedTask(c *gin.Context) (*models.BrowserTask, bool) {
	id, ok := parseID(c, "id")
	if !ok {
		return nil, false
	}
	task, err := h.deps.Scheduler.GetTask(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && task.UserID != getUserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return task, true
}
