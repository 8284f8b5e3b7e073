package ports

import (
	"context"

	"peercall/internal/core/domain"

	"github.com/gin-gonic/gin"
)

// RouteRegistrar mounts a handler's routes on a gin engine.
type RouteRegistrar interface {
	SetupRoutes(router *gin.Engine)
}

// CallController is the command surface of the call state machine.
type CallController interface {
	StartCall(ctx context.Context, to domain.ParticipantID) (domain.CallID, error)
	Accept(ctx context.Context) error
	Decline(ctx context.Context) error
	Cancel(ctx context.Context) error
	EndCall(ctx context.Context) error
	Hangup(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	Snapshot() domain.CallSnapshot
}
