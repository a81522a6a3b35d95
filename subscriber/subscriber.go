// Package subscriber keeps one subscription to the change-event channel and
// forwards decoded events, in arrival order, to a sink.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wailbentafat/employee-relay/broker"
	"github.com/wailbentafat/employee-relay/event"
	"github.com/wailbentafat/employee-relay/logging"
)

var log = logging.For("subscriber")

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("subscriber already started")

// Sink receives every well-formed event. Broadcast must return before the
// next event is handed over.
type Sink interface {
	Broadcast(ctx context.Context, ev event.ChangeEvent)
}

// Options bounds the re-subscribe backoff. A zero MaxElapsedTime retries
// forever.
type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Stats counts messages seen since Start.
type Stats struct {
	Received   uint64 `json:"received"`
	Forwarded  uint64 `json:"forwarded"`
	Discarded  uint64 `json:"discarded"`
	Reconnects uint64 `json:"reconnects"`
}

type Subscriber struct {
	broker  broker.MessageBroker
	channel string
	sink    Sink
	opts    Options

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	received   atomic.Uint64
	forwarded  atomic.Uint64
	discarded  atomic.Uint64
	reconnects atomic.Uint64
}

// New wires a subscriber. The sink must be ready to broadcast before Start.
func New(mb broker.MessageBroker, channel string, sink Sink, opts Options) *Subscriber {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 100 * time.Millisecond
	}
	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = opts.InitialInterval
	}
	return &Subscriber{
		broker:  mb,
		channel: channel,
		sink:    sink,
		opts:    opts,
		done:    make(chan struct{}),
	}
}

// Start subscribes to the channel and begins forwarding in the background.
// A failure here wraps broker.ErrBrokerUnavailable and leaves nothing
// running.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	messages, err := s.broker.Subscribe(runCtx, s.channel)
	if err != nil {
		cancel()
		if !errors.Is(err, broker.ErrBrokerUnavailable) {
			err = fmt.Errorf("%w: %w", broker.ErrBrokerUnavailable, err)
		}
		return fmt.Errorf("subscribe to %s: %w", s.channel, err)
	}

	s.started = true
	s.cancel = cancel
	log.Infof("Subscribed to '%s' channel.", s.channel)

	go s.run(runCtx, messages)
	return nil
}

// Stop releases the subscription and waits for the forwarding loop to exit.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	cancel, started := s.cancel, s.started
	s.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-s.done
}

// Done is closed when the forwarding loop exits.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Err reports why the loop exited: nil after Stop or cancellation, an
// ErrBrokerUnavailable error when re-subscribing gave up.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscriber) Stats() Stats {
	return Stats{
		Received:   s.received.Load(),
		Forwarded:  s.forwarded.Load(),
		Discarded:  s.discarded.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

func (s *Subscriber) run(ctx context.Context, messages <-chan []byte) {
	defer close(s.done)
	defer s.cancel()

	for {
		s.consume(ctx, messages)
		if ctx.Err() != nil {
			log.Infof("Stopped listening on '%s'", s.channel)
			return
		}

		// Messages published until the next subscription is confirmed are lost.
		log.Warnf("Subscription to '%s' lost, reconnecting", s.channel)
		next, err := s.resubscribe(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("Giving up on broker")
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
		messages = next
	}
}

func (s *Subscriber) consume(ctx context.Context, messages <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-messages:
			if !ok {
				return
			}
			s.handle(ctx, payload)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, payload []byte) {
	s.received.Add(1)

	ev, err := event.Decode(payload)
	if err != nil {
		s.discarded.Add(1)
		log.WithError(err).Warnf("Discarding message on '%s'", s.channel)
		return
	}

	log.Infof("Employee %s: %s (%s)", ev.Kind, ev.Subject.Label(), ev.Subject.ID())
	s.sink.Broadcast(ctx, ev)
	s.forwarded.Add(1)
}

func (s *Subscriber) resubscribe(ctx context.Context) (<-chan []byte, error) {
	var messages <-chan []byte
	operation := func() error {
		m, err := s.broker.Subscribe(ctx, s.channel)
		if err != nil {
			return err
		}
		messages = m
		return nil
	}

	backoffStrategy := backoff.WithContext(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(s.opts.InitialInterval),
			backoff.WithMaxInterval(s.opts.MaxInterval),
			backoff.WithMaxElapsedTime(s.opts.MaxElapsedTime),
		),
		ctx,
	)

	err := backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.Warnf("Retrying subscription to '%s': %v (next attempt in %s)", s.channel, err, d)
	})
	if err != nil {
		if !errors.Is(err, broker.ErrBrokerUnavailable) {
			err = fmt.Errorf("%w: %w", broker.ErrBrokerUnavailable, err)
		}
		return nil, fmt.Errorf("resubscribe to %s: %w", s.channel, err)
	}

	s.reconnects.Add(1)
	log.Infof("Re-subscribed to '%s' channel.", s.channel)
	return messages, nil
}
