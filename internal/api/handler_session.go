package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetSession returns the local session, its remaining time and warning level.
func (h *Handler) GetSession(c *gin.Context) {
	respond(c, http.StatusOK, h.svc.Session(c.Request.Context()))
}

// GetSessionStatus asks the backend for the customer's own entry.
func (h *Handler) GetSessionStatus(c *gin.Context) {
	view, err := h.svc.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, view)
}

// DeleteSession leaves the queue.
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.svc.Leave(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}
