package broker

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/employee-relay/config"
)

func receive(t *testing.T, messages <-chan []byte) []byte {
	t.Helper()
	select {
	case msg, ok := <-messages:
		require.True(t, ok, "stream closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	srv := miniredis.RunT(t)

	b, err := NewRedisBroker(srv.Addr())
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := b.Subscribe(ctx, "employee-events")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "employee-events", []byte("first")))
	require.NoError(t, b.Publish(ctx, "employee-events", []byte("second")))
	require.NoError(t, b.Publish(ctx, "other-channel", []byte("ignored")))

	assert.Equal(t, "first", string(receive(t, messages)))
	assert.Equal(t, "second", string(receive(t, messages)))
}

func TestRedisBroker_URL(t *testing.T) {
	srv := miniredis.RunT(t)

	b, err := NewRedisBroker("redis://" + srv.Addr())
	require.NoError(t, err)
	assert.NoError(t, b.Close())
}

func TestRedisBroker_Unavailable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := NewRedisBroker(addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)

	_, err = New(config.BrokerConfig{Kind: "redis", URL: addr})
	assert.ErrorIs(t, err, ErrBrokerUnavailable)

	_, err = New(config.BrokerConfig{Kind: "kafka"})
	assert.Error(t, err)
}

func TestRedisBroker_StreamClosesOnCancel(t *testing.T) {
	srv := miniredis.RunT(t)

	b, err := NewRedisBroker(srv.Addr())
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := b.Subscribe(ctx, "employee-events")
	require.NoError(t, err)
	require.Equal(t, 1, srv.PubSubNumSub("employee-events")["employee-events"])

	cancel()

	select {
	case _, ok := <-messages:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}

	assert.Eventually(t, func() bool {
		return srv.PubSubNumSub("employee-events")["employee-events"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBroker_StreamClosesOnConnectionLoss(t *testing.T) {
	srv := miniredis.RunT(t)

	b, err := NewRedisBroker(srv.Addr())
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := b.Subscribe(ctx, "employee-events")
	require.NoError(t, err)

	srv.Close()

	select {
	case _, ok := <-messages:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after server went away")
	}

	_, err = b.Subscribe(ctx, "employee-events")
	assert.ErrorIs(t, err, ErrBrokerUnavailable)

	require.NoError(t, srv.Restart())
	messages, err = b.Subscribe(ctx, "employee-events")
	require.NoError(t, err)

	srv.Publish("employee-events", "after-restart")
	assert.Equal(t, "after-restart", string(receive(t, messages)))
}

// stallingProxy forwards TCP traffic to target until stalled, after which it
// swallows bytes in both directions without closing anything, like a
// half-open connection.
type stallingProxy struct {
	target  string
	ln      net.Listener
	stalled atomic.Bool
}

func newStallingProxy(t *testing.T, target string) *stallingProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &stallingProxy{target: target, ln: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go p.serve(conn)
		}
	}()
	return p
}

func (p *stallingProxy) Addr() string { return p.ln.Addr().String() }

func (p *stallingProxy) serve(client net.Conn) {
	upstream, err := net.Dial("tcp", p.target)
	if err != nil {
		_ = client.Close()
		return
	}
	go p.pipe(upstream, client)
	p.pipe(client, upstream)
}

func (p *stallingProxy) pipe(dst, src net.Conn) {
	defer dst.Close()
	defer src.Close()
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if err != nil {
			return
		}
		if p.stalled.Load() {
			continue
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			return
		}
	}
}

func TestRedisBroker_HealthCheck(t *testing.T) {
	srv := miniredis.RunT(t)
	proxy := newStallingProxy(t, srv.Addr())

	b, err := NewRedisBroker(proxy.Addr())
	require.NoError(t, err)
	defer b.Close()
	b.healthCheck = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := b.Subscribe(ctx, "employee-events")
	require.NoError(t, err)

	// several idle intervals pass; pings are answered and the stream stays up
	time.Sleep(250 * time.Millisecond)
	srv.Publish("employee-events", "still-here")
	assert.Equal(t, "still-here", string(receive(t, messages)))

	proxy.stalled.Store(true)

	select {
	case _, ok := <-messages:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after connection went silent")
	}
}
