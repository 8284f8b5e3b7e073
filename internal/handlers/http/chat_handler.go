package http

import (
	"net/http"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/errors"
	"peercall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// ChatHandler sends chat events over the transport shared with signaling.
type ChatHandler struct {
	transport ports.Transport
	local     domain.ParticipantID
}

func NewChatHandler(transport ports.Transport, local domain.ParticipantID) *ChatHandler {
	return &ChatHandler{transport: transport, local: local}
}

func (h *ChatHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/api/v1/typing", h.Typing)
}

type TypingRequest struct {
	To     string `json:"to" binding:"required"`
	Typing bool   `json:"typing"`
}

func (h *ChatHandler) Typing(c *gin.Context) {
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateParticipantID(req.To); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	err := h.transport.Emit(c.Request.Context(), domain.EventTyping, domain.TypingPayload{
		SenderID:   h.local,
		ReceiverID: domain.ParticipantID(req.To),
		IsTyping:   req.Typing,
	})
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusAccepted)
}
