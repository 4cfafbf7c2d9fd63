package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/taskbridge/internal/sharding"
)

const pushStream = "PUSH"

// EnsureStreams creates (or validates) the push stream. Messages are kept
// only as long as an envelope could still verify.
func EnsureStreams(js nats.JetStreamContext, ttl time.Duration) error {
	if _, err := js.StreamInfo(pushStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:      pushStream,
			Subjects:  []string{sharding.PushWildcard},
			Retention: nats.LimitsPolicy,
			Storage:   nats.MemoryStorage,
			MaxAge:    ttl,
			Replicas:  1,
		}); addErr != nil {
			return addErr
		}
	}
	return nil
}
