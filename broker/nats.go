package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	natsFlushTimeout = 5 * time.Second
	natsBufferSize   = 256
)

// NATSBroker implements MessageBroker on core NATS subjects. The NATS client
// reconnects and restores subscriptions on its own; the stream only ends once
// the connection is closed for good, after which Subscribe dials again.
type NATSBroker struct {
	url  string
	opts []nats.Option

	mu     sync.Mutex
	conn   *nats.Conn
	closed chan struct{}
}

// NewNATSBroker connects to url. maxReconnect < 0 reconnects forever.
func NewNATSBroker(url string, maxReconnect int, reconnectWait time.Duration) (*NATSBroker, error) {
	b := &NATSBroker{url: url}
	b.opts = []nats.Option{
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.dialLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *NATSBroker) dialLocked() error {
	closed := make(chan struct{})
	var once sync.Once
	opts := append(append([]nats.Option{}, b.opts...), nats.ClosedHandler(func(nc *nats.Conn) {
		log.Warn("NATS connection closed")
		once.Do(func() { close(closed) })
	}))

	conn, err := nats.Connect(b.url, opts...)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to NATS: %w", ErrBrokerUnavailable, err)
	}
	log.Infof("Connected to NATS at %s", b.url)

	b.conn = conn
	b.closed = closed
	return nil
}

func (b *NATSBroker) connection() (*nats.Conn, chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		if err := b.dialLocked(); err != nil {
			return nil, nil, err
		}
	}
	return b.conn, b.closed, nil
}

func (b *NATSBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	conn, _, err := b.connection()
	if err != nil {
		return err
	}
	if err := conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	conn, closed, err := b.connection()
	if err != nil {
		return nil, err
	}

	inbound := make(chan *nats.Msg, natsBufferSize)
	sub, err := conn.ChanSubscribe(channel, inbound)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %w", ErrBrokerUnavailable, channel, err)
	}
	if err := conn.FlushTimeout(natsFlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: failed to confirm subscription to %s: %w", ErrBrokerUnavailable, channel, err)
	}

	messages := make(chan []byte)

	go func() {
		defer close(messages)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case <-closed:
				log.Warnf("NATS subscription to %s lost", channel)
				return
			case msg := <-inbound:
				select {
				case messages <- msg.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return messages, nil
}

func (b *NATSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
