package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fila-client/internal/access"
	"fila-client/internal/apperr"
	"fila-client/internal/model"
	"fila-client/internal/mw"
	"fila-client/internal/queue"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	svc  *queue.Service
	gate *access.Gate
}

// NewHandler creates a new API handler.
func NewHandler(svc *queue.Service, gate *access.Gate) *Handler {
	return &Handler{
		svc:  svc,
		gate: gate,
	}
}

// respond writes data inside a successful envelope.
func respond(c *gin.Context, status int, data any) {
	env := model.Envelope{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			log.Printf("Error encoding response for %s: %v", c.FullPath(), err)
			c.JSON(http.StatusInternalServerError, model.Envelope{Success: false, Message: "internal error"})
			return
		}
		env.Data = raw
	}
	c.JSON(status, env)
}

// respondError maps err onto its taxonomy status inside a failed envelope.
func respondError(c *gin.Context, err error) {
	e, ok := apperr.As(err)
	if !ok {
		if errors.Is(err, context.Canceled) {
			c.Abort()
			return
		}
		log.Printf("Error handling %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, model.Envelope{Success: false, Message: "internal error", Code: string(apperr.KindUnknown)})
		return
	}

	env := model.Envelope{
		Success: false,
		Message: e.Message,
		Code:    string(e.Kind),
		Errors:  e.Errors,
	}
	if e.Kind == apperr.KindRateLimited {
		env.RetryAfter = mw.RetryAfterSeconds(e.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(env.RetryAfter))
	}
	c.JSON(e.Kind.HTTPStatus(), env)
}

// badRequest reports a request body that failed to bind.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, model.Envelope{
		Success: false,
		Message: "invalid request",
		Code:    string(apperr.KindValidation),
		Errors:  []string{err.Error()},
	})
}
