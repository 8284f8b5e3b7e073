package distributed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"peercall/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// unreachableClient fails fast on every command.
func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestBusMessageRoundTrip(t *testing.T) {
	delivery := ports.RelayDelivery{To: "bob", Event: "offer", Data: json.RawMessage(`{"to":"bob","from":"alice"}`)}

	data, err := encodeBusMessage("relay-a", delivery)
	require.NoError(t, err)

	got, own, err := decodeBusMessage("relay-b", string(data))
	require.NoError(t, err)
	assert.False(t, own)
	assert.Equal(t, delivery.To, got.To)
	assert.Equal(t, delivery.Event, got.Event)
	assert.JSONEq(t, string(delivery.Data), string(got.Data))

	_, own, err = decodeBusMessage("relay-a", string(data))
	require.NoError(t, err)
	assert.True(t, own, "messages from this instance are flagged")
}

func TestDecodeBusMessageRejectsGarbage(t *testing.T) {
	_, _, err := decodeBusMessage("relay-a", "not json")
	assert.Error(t, err)

	_, _, err = decodeBusMessage("relay-a", `{"instance_id":"relay-b","delivery":{"event":"offer"}}`)
	assert.Error(t, err)
}

func TestPresenceKeys(t *testing.T) {
	p := NewRedisPresence(nil, "relay-a", "peercall:", time.Minute, zap.NewNop().Sugar())
	assert.Equal(t, "peercall:participant:alice", p.participantKey("alice"))
	assert.Equal(t, "peercall:instance:relay-a", p.instanceKey())
}

func TestRedisErrorsAreWrapped(t *testing.T) {
	client := unreachableClient(t)
	logger := zap.NewNop().Sugar()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := NewRedisRelayBus(client, "relay-a", "peercall:signal", logger)
	err := bus.Publish(ctx, ports.RelayDelivery{To: "bob", Event: "offer"})
	assert.ErrorContains(t, err, "failed to publish delivery")

	presence := NewRedisPresence(client, "relay-a", "peercall:", time.Minute, logger)
	assert.ErrorContains(t, presence.Register(ctx, "alice"), "failed to register participant")
	assert.ErrorContains(t, presence.Unregister(ctx, "alice"), "failed to unregister participant")
	_, online, err := presence.Lookup(ctx, "alice")
	assert.False(t, online)
	assert.ErrorContains(t, err, "failed to look up participant")

	assert.Error(t, NewRedisChecker(client).Check(ctx))
	assert.Error(t, bus.Subscribe(ctx, func(ports.RelayDelivery) {}))
}
