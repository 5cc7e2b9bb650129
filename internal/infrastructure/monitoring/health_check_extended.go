package monitoring

import (
	"context"
	"errors"
	"time"

	"snapmesh/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var errRelayNotReady = errors.New("signaling relay not listening")

// AddRedisCheck pings the event mirror's Redis.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddRelayCheck fails while the signaling relay is not confirmed listening.
func (h *HealthChecker) AddRelayCheck(relay ports.RelayInfo) {
	h.AddCheck("signal_relay", func(ctx context.Context) (bool, error) {
		if !relay.Status().Ready {
			return false, errRelayNotReady
		}
		return true, nil
	}, 0)
}
