package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// PostAdminLogin authenticates the administrator against the backend.
func (h *Handler) PostAdminLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.Login(c.Request.Context(), req.Email, req.Password); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

type advanceRequest struct {
	BarberID string `json:"barberId"`
}

// PostAdvance calls the next customer.
func (h *Handler) PostAdvance(c *gin.Context) {
	var req advanceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	entry, err := h.svc.Advance(c.Request.Context(), c.Param("barbershop_id"), req.BarberID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, entry)
}

// PostAdminEntry adds a walk-in customer.
func (h *Handler) PostAdminEntry(c *gin.Context) {
	var req enterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	entry, err := h.svc.AdminAdd(c.Request.Context(), c.Param("barbershop_id"), req.Name, req.Phone, req.BarberID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, entry)
}

// PostFinalize marks an entry's service as finished.
func (h *Handler) PostFinalize(c *gin.Context) {
	if err := h.svc.Finalize(c.Request.Context(), c.Param("barbershop_id"), c.Param("entry_id")); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}
