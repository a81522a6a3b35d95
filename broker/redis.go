package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
)

const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	connectTimeout = 5 * time.Second

	healthCheckInterval = 3 * time.Second
)

// RedisBroker implements MessageBroker using Redis pub/sub
type RedisBroker struct {
	client      *redis.Client
	healthCheck time.Duration
}

// NewRedisBroker connects to addr, given either as host:port or as a
// redis:// URL, and verifies the connection with a ping.
func NewRedisBroker(addr string) (*RedisBroker, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis connection failed: %w", ErrBrokerUnavailable, err)
	}

	log.Infof("Connected to Redis at %s", opts.Addr)
	return &RedisBroker{client: client, healthCheck: healthCheckInterval}, nil
}

// Publish sends a payload to the specified channel with retry capability
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	operation := func() error {
		return b.client.Publish(ctx, channel, payload).Err()
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			maxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.Warnf("Retrying Redis publish to %s: %v (next attempt in %s)", channel, err, d)
	})
}

// Subscribe starts listening for messages on the specified channel. Reading
// goes through ReceiveTimeout rather than the client's self-healing Channel()
// so that a dropped connection ends the stream and the caller owns recovery.
// An idle connection is pinged every health check interval; a ping left
// unanswered for a further interval counts as a lost connection.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Test subscription
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %w", ErrBrokerUnavailable, channel, err)
	}

	messages := make(chan []byte)
	interval := b.healthCheck
	if interval <= 0 {
		interval = healthCheckInterval
	}

	go func() {
		defer close(messages)
		defer pubsub.Close()

		// A blocked read does not observe ctx, closing the pubsub unblocks it.
		stop := context.AfterFunc(ctx, func() { _ = pubsub.Close() })
		defer stop()

		pingPending := false
		for {
			reply, err := pubsub.ReceiveTimeout(ctx, interval)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !isTimeout(err) {
					log.Warnf("Redis subscription to %s lost: %v", channel, err)
					return
				}
				if pingPending {
					log.Warnf("Redis subscription to %s lost: no reply to ping within %s", channel, interval)
					return
				}
				if err := pubsub.Ping(ctx); err != nil {
					log.Warnf("Redis subscription to %s lost: ping failed: %v", channel, err)
					return
				}
				pingPending = true
				continue
			}
			pingPending = false

			msg, ok := reply.(*redis.Message)
			if !ok {
				// subscription confirmations and pongs
				continue
			}

			select {
			case messages <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return messages, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Close cleans up resources
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
