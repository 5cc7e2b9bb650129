package events

import (
	"context"
	"encoding/json"
	"fmt"

	"snapmesh/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// mirroredTypes are the events other instances' observers care about.
// Address observations stay local: they only feed this instance's registry.
var mirroredTypes = map[domain.EventType]bool{
	domain.EventPeerAdded:       true,
	domain.EventPeerUpdated:     true,
	domain.EventPeerRemoved:     true,
	domain.EventTopologyChanged: true,
}

type envelope struct {
	InstanceID string       `json:"instance_id"`
	Event      domain.Event `json:"event"`
}

// RedisMirror forwards bus events over a Redis pub/sub channel so that push
// stream observers connected to another instance see them too.
type RedisMirror struct {
	client     *redis.Client
	channel    string
	instanceID string
	queue      chan envelope
	logger     *zap.SugaredLogger
}

func NewRedisMirror(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *RedisMirror {
	return &RedisMirror{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		queue:      make(chan envelope, 1024),
		logger:     logger,
	}
}

// Mirror enqueues event for publishing; a full queue drops it.
func (m *RedisMirror) Mirror(_ context.Context, event domain.Event) {
	if !mirroredTypes[event.Type] {
		return
	}
	select {
	case m.queue <- envelope{InstanceID: m.instanceID, Event: event}:
	default:
		m.logger.Warnw("redis mirror queue full, dropping event", "type", event.Type)
	}
}

// Run publishes queued events and relays remote ones into bus until ctx is
// done.
func (m *RedisMirror) Run(ctx context.Context, bus *Bus) error {
	pubsub := m.client.Subscribe(ctx, m.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", m.channel, err)
	}
	incoming := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-m.queue:
			data, err := json.Marshal(env)
			if err != nil {
				m.logger.Warnw("failed to marshal event", "type", env.Event.Type, "error", err)
				continue
			}
			if err := m.client.Publish(ctx, m.channel, data).Err(); err != nil {
				m.logger.Warnw("failed to publish event", "type", env.Event.Type, "error", err)
			}
		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			event, remote := m.decode([]byte(msg.Payload))
			if remote {
				bus.PublishLocal(event)
			}
		}
	}
}

// decode returns the event and whether it came from another instance.
func (m *RedisMirror) decode(payload []byte) (domain.Event, bool) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.logger.Warnw("failed to unmarshal event", "error", err)
		return domain.Event{}, false
	}
	if env.InstanceID == m.instanceID || !mirroredTypes[env.Event.Type] {
		return domain.Event{}, false
	}
	return env.Event, true
}
