package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"peercall/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// busMessage is one delivery on the shared channel.
type busMessage struct {
	InstanceID string              `json:"instance_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Delivery   ports.RelayDelivery `json:"delivery"`
}

// RedisRelayBus fans deliveries out to every relay instance over Redis
// pub/sub. Instances drop their own messages and deliveries for
// participants they do not hold.
type RedisRelayBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
}

var _ ports.RelayBus = (*RedisRelayBus)(nil)

func NewRedisRelayBus(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *RedisRelayBus {
	return &RedisRelayBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

func (b *RedisRelayBus) Publish(ctx context.Context, delivery ports.RelayDelivery) error {
	data, err := encodeBusMessage(b.instanceID, delivery)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish delivery: %w", err)
	}

	b.logger.Debugw("published delivery", "event", delivery.Event, "to", delivery.To)
	return nil
}

func (b *RedisRelayBus) Subscribe(ctx context.Context, handler func(ports.RelayDelivery)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", b.channel)
			}
			delivery, own, err := decodeBusMessage(b.instanceID, msg.Payload)
			if err != nil {
				b.logger.Warnw("failed to decode delivery", "error", err)
				continue
			}
			if own {
				continue
			}
			handler(delivery)
		}
	}
}

func encodeBusMessage(instanceID string, delivery ports.RelayDelivery) ([]byte, error) {
	data, err := json.Marshal(busMessage{
		InstanceID: instanceID,
		Timestamp:  time.Now().UTC(),
		Delivery:   delivery,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery: %w", err)
	}
	return data, nil
}

// decodeBusMessage reports own=true for messages this instance published.
func decodeBusMessage(instanceID, payload string) (ports.RelayDelivery, bool, error) {
	var msg busMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return ports.RelayDelivery{}, false, err
	}
	if msg.Delivery.To == "" || msg.Delivery.Event == "" {
		return ports.RelayDelivery{}, false, fmt.Errorf("delivery without recipient or event")
	}
	return msg.Delivery, msg.InstanceID == instanceID, nil
}
