package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fila-client/internal/poller"
	"fila-client/internal/queue"
)

type queueResponse struct {
	poller.State
	Error string `json:"error,omitempty"`
}

// GetQueue returns the customer-facing view of a barbershop queue.
func (h *Handler) GetQueue(c *gin.Context) {
	st, err := h.svc.Queue(c.Request.Context(), c.Param("barbershop_id"))
	h.writeState(c, st, err)
}

// GetDashboard returns the admin view of a barbershop queue.
func (h *Handler) GetDashboard(c *gin.Context) {
	st, err := h.svc.Dashboard(c.Request.Context(), c.Param("barbershop_id"))
	h.writeState(c, st, err)
}

// writeState keeps serving the last known snapshot when a refresh fails; the
// failure only surfaces as an error when there is nothing to show.
func (h *Handler) writeState(c *gin.Context, st poller.State, err error) {
	if err != nil && !st.HasSnapshot {
		respondError(c, err)
		return
	}
	resp := queueResponse{State: st}
	if err != nil {
		resp.Error = err.Error()
	}
	respond(c, http.StatusOK, resp)
}

type enterRequest struct {
	Name     string `json:"name" binding:"required"`
	Phone    string `json:"phone" binding:"required"`
	BarberID string `json:"barberId"`
}

// PostEntry enters the queue. The visit's qr and barbershop query
// parameters feed the access check.
func (h *Handler) PostEntry(c *gin.Context) {
	var req enterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.svc.Enter(c.Request.Context(), queue.EnterRequest{
		BarbershopID: c.Param("barbershop_id"),
		Name:         req.Name,
		Phone:        req.Phone,
		BarberID:     req.BarberID,
		Access:       c.Request.URL.Query(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, res)
}
