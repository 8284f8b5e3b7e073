package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unregisterScript deletes the presence key only while this instance
// still holds it.
var unregisterScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// RedisPresence maps participant ids to the relay instance holding their
// connection. Entries expire unless refreshed by Register.
type RedisPresence struct {
	client     *redis.Client
	instanceID string
	prefix     string
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

var _ ports.Presence = (*RedisPresence)(nil)

func NewRedisPresence(client *redis.Client, instanceID, prefix string, ttl time.Duration, logger *zap.SugaredLogger) *RedisPresence {
	return &RedisPresence{
		client:     client,
		instanceID: instanceID,
		prefix:     prefix,
		ttl:        ttl,
		logger:     logger,
	}
}

func (p *RedisPresence) Register(ctx context.Context, id domain.ParticipantID) error {
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.participantKey(id), p.instanceID, p.ttl)
	pipe.SAdd(ctx, p.instanceKey(), string(id))
	pipe.Expire(ctx, p.instanceKey(), 2*p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register participant: %w", err)
	}
	return nil
}

func (p *RedisPresence) Unregister(ctx context.Context, id domain.ParticipantID) error {
	if err := unregisterScript.Run(ctx, p.client, []string{p.participantKey(id)}, p.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to unregister participant: %w", err)
	}
	if err := p.client.SRem(ctx, p.instanceKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove participant from instance set: %w", err)
	}
	return nil
}

func (p *RedisPresence) Lookup(ctx context.Context, id domain.ParticipantID) (string, bool, error) {
	instance, err := p.client.Get(ctx, p.participantKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up participant: %w", err)
	}
	return instance, true, nil
}

// Cleanup unregisters every participant this instance registered. Called
// on shutdown.
func (p *RedisPresence) Cleanup(ctx context.Context) error {
	ids, err := p.client.SMembers(ctx, p.instanceKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to list instance participants: %w", err)
	}

	for _, id := range ids {
		if err := p.Unregister(ctx, domain.ParticipantID(id)); err != nil {
			p.logger.Warnw("failed to unregister participant during cleanup",
				"participant_id", id,
				"error", err,
			)
		}
	}
	return p.client.Del(ctx, p.instanceKey()).Err()
}

func (p *RedisPresence) participantKey(id domain.ParticipantID) string {
	return p.prefix + "participant:" + string(id)
}

func (p *RedisPresence) instanceKey() string {
	return p.prefix + "instance:" + p.instanceID
}
