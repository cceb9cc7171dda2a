package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type DeviceHandler struct {
	deps *Deps
}

func NewDeviceHandler(deps *Deps) *DeviceHandler {
	return &DeviceHandler{deps: deps}
}

func (h *DeviceHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": h.deps.Sessions.ListDevices()})
}
