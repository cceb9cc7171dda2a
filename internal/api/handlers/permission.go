package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/browserpilot/backend/internal/audit"
	"github.com/browserpilot/backend/internal/models"
	"github.com/browserpilot/backend/internal/permissions"
	"github.com/browserpilot/backend/internal/store"
)

type PermissionHandler struct {
	deps *Deps
}

func NewPermissionHandler(deps *Deps) *PermissionHandler {
	return &PermissionHandler{deps: deps}
}

func (h *PermissionHandler) List(c *gin.Context) {
	perms, err := h.deps.Guard.ListPermissions(c.Request.Context(), getUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": perms})
}

type grantRequest struct {
	Domain string `json:"domain" binding:"required"`
	permissions.GrantRequest
}

func (h *PermissionHandler) Grant(c *gin.Context) {
	userID := getUserID(c)

	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	perm, err := h.deps.Guard.GrantAccess(c.Request.Context(), userID, req.Domain, req.GrantRequest)
	if errors.Is(err, permissions.ErrDomainBlocked) {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.deps.Audit.Log(c.Request.Context(), &audit.Entry{
		UserID: userID,
		Event:  audit.EventPermissionGrant,
		Result: audit.ResultSuccess,
		Domain: perm.Domain,
	})

	c.JSON(http.StatusCreated, perm)
}

type checkRequest struct {
	URL    string            `json:"url" binding:"required"`
	Action models.ActionType `json:"action" binding:"required"`
}

func (h *PermissionHandler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.deps.Guard.CheckPermission(c.Request.Context(), getUserID(c), req.URL, req.Action)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *PermissionHandler) Revoke(c *gin.Context) {
	userID := getUserID(c)
	domain := c.Param("domain")

	err := h.deps.Guard.RevokeAccess(c.Request.Context(), userID, domain)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "permission not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.deps.Audit.Log(c.Request.Context(), &audit.Entry{
		UserID: userID,
		Event:  audit.EventPermissionRevoke,
		Result: audit.ResultSuccess,
		Domain: permissions.NormalizeDomain(domain),
	})

	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
