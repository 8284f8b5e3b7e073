package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"go.uber.org/zap"
)

// MediaManager shares one local stream between sessions. The stream is
// acquired on the first lease and stopped when the last lease is released,
// unless retain is set, in which case it lives until Close.
type MediaManager struct {
	capability ports.MediaCapability
	retain     bool

	mu     sync.Mutex
	stream ports.LocalStream
	leases int
	closed bool

	logger *zap.SugaredLogger
}

func NewMediaManager(capability ports.MediaCapability, retain bool, logger *zap.SugaredLogger) *MediaManager {
	return &MediaManager{
		capability: capability,
		retain:     retain,
		logger:     logger,
	}
}

// MediaLease is one session's hold on the shared stream.
type MediaLease struct {
	manager *MediaManager
	stream  ports.LocalStream
	once    sync.Once
}

func (l *MediaLease) Stream() ports.LocalStream {
	return l.stream
}

// Release drops the lease. Safe to call more than once.
func (l *MediaLease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.manager.release()
	})
}

// Acquire returns a lease on the local stream, prompting for devices only
// when no stream is currently held.
func (m *MediaManager) Acquire(ctx context.Context) (*MediaLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("%w: media manager closed", domain.ErrMediaAcquisition)
	}

	if m.stream == nil {
		stream, err := m.capability.GetUserMedia(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrMediaAcquisition) {
				err = fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
			}
			return nil, err
		}
		m.stream = stream
		m.logger.Infow("local media acquired", "stream_id", stream.ID(), "tracks", len(stream.Tracks()))
	}

	m.leases++
	return &MediaLease{manager: m, stream: m.stream}, nil
}

func (m *MediaManager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leases > 0 {
		m.leases--
	}
	if m.leases == 0 && m.stream != nil && (!m.retain || m.closed) {
		m.stopLocked()
	}
}

// Active reports whether a stream is currently held.
func (m *MediaManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// Close stops a retained stream. Outstanding leases keep working until
// released.
func (m *MediaManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.leases == 0 && m.stream != nil {
		m.stopLocked()
	}
}

func (m *MediaManager) stopLocked() {
	m.logger.Infow("local media stopped", "stream_id", m.stream.ID())
	m.stream.Stop()
	m.stream = nil
}
