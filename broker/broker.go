package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/wailbentafat/employee-relay/config"
	"github.com/wailbentafat/employee-relay/logging"
)

// ErrBrokerUnavailable is returned when a connection or subscription to the
// broker cannot be established.
var ErrBrokerUnavailable = errors.New("broker unavailable")

var log = logging.For("broker")

// MessageBroker is a publish/subscribe transport carrying raw payloads.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe confirms a subscription to channel and returns its message
	// stream. The stream is closed when ctx ends or the subscription is lost.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	Close() error
}

// New connects to the broker selected by cfg.Kind.
func New(cfg config.BrokerConfig) (MessageBroker, error) {
	switch cfg.Kind {
	case "redis":
		return NewRedisBroker(cfg.URL)
	case "nats":
		return NewNATSBroker(cfg.URL, cfg.MaxReconnect, cfg.ReconnectWait)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}
