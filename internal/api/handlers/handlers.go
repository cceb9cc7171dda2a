// Package handlers contains the gin handlers for every API group.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/browserpilot/backend/internal/audit"
	"github.com/browserpilot/backend/internal/permissions"
	"github.com/browserpilot/backend/internal/scheduler"
	"github.com/browserpilot/backend/internal/session"
	"github.com/browserpilot/backend/internal/websocket"
	"github.com/browserpilot/backend/internal/workflow"
)

// Deps bundles the components handlers call into.
type Deps struct {
	Guard     *permissions.Guard
	Sessions  *session.Manager
	Scheduler *scheduler.Scheduler
	Runner    *workflow.Runner
	Recorder  *workflow.Recorder
	Audit     *audit.Logger
	Hub       *websocket.Hub
}

func getUserID(c *gin.Context) uuid.UUID {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}
