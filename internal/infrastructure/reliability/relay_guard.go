package reliability

import (
	"context"
	"fmt"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/circuitbreaker"
	"peercall/pkg/retry"

	"go.uber.org/zap"
)

// CircuitMetrics receives breaker transitions.
type CircuitMetrics interface {
	CircuitStateChanged(name string, state int)
}

// RelayGuard puts one circuit breaker in front of the cross-instance relay
// bus and the presence store. Both usually share a Redis connection, so a
// failure on either path opens the circuit for both.
type RelayGuard struct {
	name    string
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.SugaredLogger
}

// NewRelayGuard creates a guard. registerRetry applies to presence writes
// only; a delivery is never retried since the caller is waiting on it.
func NewRelayGuard(
	name string,
	cbConfig circuitbreaker.Config,
	registerRetry retry.Config,
	metrics CircuitMetrics,
	logger *zap.SugaredLogger,
) *RelayGuard {
	g := &RelayGuard{
		name:    name,
		breaker: circuitbreaker.New(cbConfig),
		retry:   registerRetry,
		logger:  logger,
	}
	if metrics != nil {
		metrics.CircuitStateChanged(name, int(circuitbreaker.StateClosed))
	}

	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("circuit breaker state changed",
			"dependency", name,
			"from", from.String(),
			"to", to.String(),
		)
		if metrics != nil {
			metrics.CircuitStateChanged(name, int(to))
		}
	})
	return g
}

func (g *RelayGuard) Bus(bus ports.RelayBus) ports.RelayBus {
	return &guardedBus{guard: g, bus: bus}
}

func (g *RelayGuard) Presence(presence ports.Presence) ports.Presence {
	return &guardedPresence{guard: g, presence: presence}
}

// Check reports an error while the circuit is not closed.
func (g *RelayGuard) Check(ctx context.Context) error {
	stats := g.breaker.Stats()
	if stats.State == circuitbreaker.StateClosed {
		return nil
	}
	if stats.LastFailure != nil {
		return fmt.Errorf("%s circuit %s: %w", g.name, stats.State, stats.LastFailure)
	}
	return fmt.Errorf("%s circuit %s", g.name, stats.State)
}

func (g *RelayGuard) Stats() circuitbreaker.Stats {
	return g.breaker.Stats()
}

type guardedBus struct {
	guard *RelayGuard
	bus   ports.RelayBus
}

func (b *guardedBus) Publish(ctx context.Context, delivery ports.RelayDelivery) error {
	return b.guard.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.bus.Publish(ctx, delivery)
	})
}

// Subscribe is long-lived and reconnects inside the bus, so it bypasses the
// breaker.
func (b *guardedBus) Subscribe(ctx context.Context, handler func(ports.RelayDelivery)) error {
	return b.bus.Subscribe(ctx, handler)
}

type guardedPresence struct {
	guard    *RelayGuard
	presence ports.Presence
}

func (p *guardedPresence) Register(ctx context.Context, id domain.ParticipantID) error {
	return p.write(ctx, "register", id, p.presence.Register)
}

func (p *guardedPresence) Unregister(ctx context.Context, id domain.ParticipantID) error {
	return p.write(ctx, "unregister", id, p.presence.Unregister)
}

func (p *guardedPresence) write(ctx context.Context, op string, id domain.ParticipantID, fn func(context.Context, domain.ParticipantID) error) error {
	cfg := p.guard.retry
	cfg.NonRetryableErrors = append(append([]error(nil), cfg.NonRetryableErrors...), circuitbreaker.ErrOpen)
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
			p.guard.logger.Debugw("retrying presence write",
				"op", op,
				"participant_id", id,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		}
	}
	return retry.Retry(ctx, cfg, func() error {
		return p.guard.breaker.Execute(ctx, func(ctx context.Context) error {
			return fn(ctx, id)
		})
	})
}

func (p *guardedPresence) Lookup(ctx context.Context, id domain.ParticipantID) (string, bool, error) {
	type location struct {
		instance string
		online   bool
	}
	loc, err := circuitbreaker.Do(ctx, p.guard.breaker, func(ctx context.Context) (location, error) {
		instance, online, err := p.presence.Lookup(ctx, id)
		return location{instance, online}, err
	})
	return loc.instance, loc.online, err
}
