package ports

import (
	"context"
	"encoding/json"

	"peercall/internal/core/domain"
)

// RelayDelivery is one event addressed to a participant connected to some
// relay instance.
type RelayDelivery struct {
	To    domain.ParticipantID `json:"to"`
	Event string               `json:"event"`
	Data  json.RawMessage      `json:"data,omitempty"`
}

// RelayBus forwards deliveries between relay instances.
type RelayBus interface {
	Publish(ctx context.Context, delivery RelayDelivery) error
	// Subscribe blocks, invoking handler for deliveries published by other
	// instances, until ctx is done.
	Subscribe(ctx context.Context, handler func(RelayDelivery)) error
}

// Presence records which participants are connected anywhere in the
// cluster.
type Presence interface {
	Register(ctx context.Context, id domain.ParticipantID) error
	Unregister(ctx context.Context, id domain.ParticipantID) error
	// Lookup reports the relay instance holding id, if any.
	Lookup(ctx context.Context, id domain.ParticipantID) (instanceID string, online bool, err error)
}
