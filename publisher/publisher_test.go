package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/employee-relay/broker"
	"github.com/wailbentafat/employee-relay/event"
)

func TestPublisher(t *testing.T) {
	srv := miniredis.RunT(t)
	mb, err := broker.NewRedisBroker(srv.Addr())
	require.NoError(t, err)
	defer mb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := mb.Subscribe(ctx, "employee-events")
	require.NoError(t, err)

	pub := New(mb, "employee-events")
	subject := event.Subject{"_id": "64f1", "name": "Ada", "email": "ada@example.com", "department": "R&D"}
	require.NoError(t, pub.Created(ctx, subject))
	require.NoError(t, pub.Updated(ctx, subject))
	require.NoError(t, pub.Deleted(ctx, event.Subject{"_id": "64f1"}))

	for _, want := range []event.Kind{event.KindCreated, event.KindUpdated, event.KindDeleted} {
		select {
		case payload := <-messages:
			ev, err := event.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, want, ev.Kind)
			assert.Equal(t, "64f1", ev.Subject.ID())
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s message", want)
		}
	}
}

func TestPublisher_RejectsInvalid(t *testing.T) {
	srv := miniredis.RunT(t)
	mb, err := broker.NewRedisBroker(srv.Addr())
	require.NoError(t, err)
	defer mb.Close()

	pub := New(mb, "employee-events")
	err = pub.Publish(context.Background(), "archived", event.Subject{"_id": "1"})
	assert.ErrorIs(t, err, event.ErrMalformedEvent)

	err = pub.Created(context.Background(), event.Subject{"name": "no id"})
	assert.ErrorIs(t, err, event.ErrMalformedEvent)
}
