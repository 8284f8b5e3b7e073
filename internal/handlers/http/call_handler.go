package http

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/errors"
	"peercall/pkg/logger"
	"peercall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// CallHandler exposes the local call state machine over HTTP.
type CallHandler struct {
	calls ports.CallController
}

var _ ports.RouteRegistrar = (*CallHandler)(nil)

func NewCallHandler(calls ports.CallController) *CallHandler {
	return &CallHandler{calls: calls}
}

func (h *CallHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/call", h.GetCall)
		api.POST("/call", h.StartCall)
		api.POST("/call/accept", h.command(h.calls.Accept))
		api.POST("/call/decline", h.command(h.calls.Decline))
		api.POST("/call/cancel", h.command(h.calls.Cancel))
		api.POST("/call/end", h.command(h.calls.EndCall))
		api.POST("/call/hangup", h.command(h.calls.Hangup))
		api.POST("/call/mute", h.ToggleMute)
	}
}

type StartCallRequest struct {
	To string `json:"to" binding:"required"`
}

func (h *CallHandler) GetCall(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"call": h.calls.Snapshot()})
}

func (h *CallHandler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.To = strings.TrimSpace(req.To)
	if err := validation.ValidateParticipantID(req.To); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	callID, err := h.calls.StartCall(c.Request.Context(), domain.ParticipantID(req.To))
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	tagCall(c, callID)

	c.JSON(http.StatusCreated, gin.H{
		"call_id": callID,
		"call":    h.calls.Snapshot(),
	})
}

func (h *CallHandler) ToggleMute(c *gin.Context) {
	tagCall(c, h.calls.Snapshot().CallID)
	muted, err := h.calls.ToggleMute(c.Request.Context())
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (h *CallHandler) command(fn func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		tagCall(c, h.calls.Snapshot().CallID)
		if err := fn(c.Request.Context()); err != nil {
			c.Error(toAppError(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"call": h.calls.Snapshot()})
	}
}

// tagCall puts the call id on the request context so the request log
// carries it.
func tagCall(c *gin.Context, id domain.CallID) {
	if id == "" {
		return
	}
	c.Request = c.Request.WithContext(logger.WithCallID(c.Request.Context(), string(id)))
}

// toAppError maps domain failures onto HTTP errors.
func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrInvalidState):
		return errors.NewInvalidStateError(err)
	case stderrors.Is(err, domain.ErrInvalidParticipant):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrMediaAcquisition):
		return errors.NewMediaUnavailableError(err)
	case stderrors.Is(err, domain.ErrParticipantOffline):
		var offline *domain.OfflineError
		if stderrors.As(err, &offline) {
			appErr := errors.NewParticipantOfflineError(string(offline.Participant))
			appErr.Cause = err
			return appErr
		}
		return errors.WrapError(err, errors.ErrCodeParticipantOffline, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, domain.ErrTransportClosed), stderrors.Is(err, domain.ErrSendQueueFull):
		return errors.NewTransportError(err)
	case stderrors.Is(err, domain.ErrMachineStopped),
		stderrors.Is(err, context.Canceled),
		stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "call machine unavailable", http.StatusServiceUnavailable)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
