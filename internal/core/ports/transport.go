package ports

import (
	"context"
	"encoding/json"
)

// EventHandler receives the raw payload of one named transport event.
// Handlers for one connection are invoked sequentially in receipt order.
type EventHandler func(data json.RawMessage)

// Transport is the named-event channel shared by call signaling and chat.
type Transport interface {
	// Emit queues payload under the event name. It does not wait for delivery.
	Emit(ctx context.Context, event string, payload any) error
	// On registers the only handler for event. A second registration for the
	// same name fails until the returned unsubscribe func is called.
	On(event string, handler EventHandler) (unsubscribe func(), err error)
}
