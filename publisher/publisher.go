// Package publisher is the producer side of the change-event channel, used by
// the CRUD layer after a mutation commits.
package publisher

import (
	"context"
	"fmt"

	"github.com/wailbentafat/employee-relay/broker"
	"github.com/wailbentafat/employee-relay/event"
	"github.com/wailbentafat/employee-relay/logging"
)

var log = logging.For("publisher")

type Publisher struct {
	broker  broker.MessageBroker
	channel string
}

func New(mb broker.MessageBroker, channel string) *Publisher {
	return &Publisher{broker: mb, channel: channel}
}

// Publish validates and sends one event. Publishing is fire-and-forget: a
// nil error means the broker accepted the message, not that anyone saw it.
func (p *Publisher) Publish(ctx context.Context, kind event.Kind, subject event.Subject) error {
	ev, err := event.New(kind, subject)
	if err != nil {
		return err
	}

	payload, err := event.Encode(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := p.broker.Publish(ctx, p.channel, payload); err != nil {
		return fmt.Errorf("failed to publish %s event for %s: %w", ev.Kind, ev.Subject.ID(), err)
	}

	log.Debugf("Published %s to '%s'", ev, p.channel)
	return nil
}

func (p *Publisher) Created(ctx context.Context, subject event.Subject) error {
	return p.Publish(ctx, event.KindCreated, subject)
}

func (p *Publisher) Updated(ctx context.Context, subject event.Subject) error {
	return p.Publish(ctx, event.KindUpdated, subject)
}

func (p *Publisher) Deleted(ctx context.Context, subject event.Subject) error {
	return p.Publish(ctx, event.KindDeleted, subject)
}
