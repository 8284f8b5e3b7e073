package http

import (
	"net/http"

	"peercall/internal/core/domain"
	"peercall/internal/infrastructure/middleware"
	"peercall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// ParticipantServer upgrades a request to a relay connection for one
// participant.
type ParticipantServer interface {
	ServeParticipant(w http.ResponseWriter, r *http.Request, participant domain.ParticipantID)
}

type RelayHandler struct {
	relay ParticipantServer
	auth  gin.HandlerFunc
	limit gin.HandlerFunc
}

// NewRelayHandler mounts the websocket endpoint behind auth and, when limit
// is non-nil, a concurrent connection limit.
func NewRelayHandler(relay ParticipantServer, auth, limit gin.HandlerFunc) *RelayHandler {
	return &RelayHandler{relay: relay, auth: auth, limit: limit}
}

func (h *RelayHandler) SetupRoutes(router *gin.Engine) {
	chain := []gin.HandlerFunc{}
	if h.limit != nil {
		chain = append(chain, h.limit)
	}
	if h.auth != nil {
		chain = append(chain, h.auth)
	}
	chain = append(chain, h.Connect)
	router.GET("/ws", chain...)
}

func (h *RelayHandler) Connect(c *gin.Context) {
	participant, ok := middleware.ParticipantFromContext(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("participant not resolved"))
		return
	}
	h.relay.ServeParticipant(c.Writer, c.Request, participant)
}
