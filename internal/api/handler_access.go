package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetAccess evaluates the QR access gate for the current visit. The answer
// only shapes the UI; the backend enforces access on its own.
func (h *Handler) GetAccess(c *gin.Context) {
	d := h.gate.Check(c.Request.Context(), c.Request.URL.Query())
	respond(c, http.StatusOK, d)
}
