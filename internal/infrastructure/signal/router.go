package signal

import (
	"encoding/json"
	"fmt"
	"sync"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"go.uber.org/zap"
)

// Router dispatches inbound events to the single handler registered for
// each event name.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]*registration
	logger   *zap.SugaredLogger
}

type registration struct {
	handler ports.EventHandler
}

func NewRouter(logger *zap.SugaredLogger) *Router {
	return &Router{
		handlers: make(map[string]*registration),
		logger:   logger,
	}
}

// On registers handler for event. The returned func removes exactly this
// registration and is safe to call more than once.
func (r *Router) On(event string, handler ports.EventHandler) (func(), error) {
	if event == "" || handler == nil {
		return nil, fmt.Errorf("%w: empty event or nil handler", domain.ErrInvalidPayload)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[event]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrHandlerRegistered, event)
	}
	reg := &registration{handler: handler}
	r.handlers[event] = reg

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.handlers[event] == reg {
			delete(r.handlers, event)
		}
	}, nil
}

// Dispatch invokes the handler for event. It reports whether one was found.
func (r *Router) Dispatch(event string, data json.RawMessage) bool {
	r.mu.RLock()
	reg, ok := r.handlers[event]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debugw("no handler for event", "event", event)
		return false
	}
	reg.handler(data)
	return true
}

func (r *Router) handlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
