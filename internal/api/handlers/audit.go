package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/browserpilot/backend/internal/audit"
)

type AuditHandler struct {
	deps *Deps
}

func NewAuditHandler(deps *Deps) *AuditHandler {
	return &AuditHandler{deps: deps}
}

// Query returns the caller's audit trail, filtered by query parameters.
func (h *AuditHandler) Query(c *gin.Context) {
	userID := getUserID(c)
	params := &audit.QueryParams{UserID: &userID}

	if v := c.Query("event"); v != "" {
		event := audit.Event(v)
		params.Event = &event
	}
	if v := c.Query("result"); v != "" {
		result := audit.Result(v)
		params.Result = &result
	}
	params.Domain = c.Query("domain")
	if v := c.Query("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Offset = n
		}
	}

	logs, total, err := h.deps.Audit.Query(c.Request.Context(), params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": total})
}
