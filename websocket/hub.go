// Package websocket tracks browser connections and fans change events out to
// them.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wailbentafat/employee-relay/event"
)

// EventName is the application-level event browsers listen for.
const EventName = "employee-update"

var (
	// ErrDeliveryFailure wraps a per-connection write or enqueue failure.
	// It never leaves the hub.
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrHubFull is returned by Accept when MaxClients is reached.
	ErrHubFull = errors.New("hub at capacity")

	// ErrHubClosed is returned by Accept once CloseAll has run.
	ErrHubClosed = errors.New("hub closed")
)

// Notification is the frame written to clients.
type Notification struct {
	Event string            `json:"event"`
	Data  event.ChangeEvent `json:"data"`
}

type Options struct {
	SendTimeout  time.Duration
	SendBuffer   int
	MaxClients   int // 0 means unbounded
	PingInterval time.Duration
	PongWait     time.Duration
}

func (o *Options) withDefaults() {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.SendBuffer < 1 {
		o.SendBuffer = 32
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = 2 * o.PingInterval
	}
}

// Hub owns the set of open connections. The set is the broadcast target set.
type Hub struct {
	opts Options

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closing bool

	// wg counts accepted clients whose Serve has not returned. Add happens
	// under mu and never after closing is set.
	wg sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	opts.withDefaults()
	return &Hub{
		opts:    opts,
		clients: make(map[*Client]struct{}),
	}
}

// Accept registers an open client. Every accepted client must be handed to
// Serve, which releases it.
func (h *Hub) Accept(c *Client) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if c.Closed() {
		h.mu.Unlock()
		return errClientClosed
	}
	if h.opts.MaxClients > 0 && len(h.clients) >= h.opts.MaxClients {
		h.mu.Unlock()
		return ErrHubFull
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	total := len(h.clients)
	h.mu.Unlock()

	log.WithField("client_id", c.ID).Infof("Client connected (%d total)", total)
	return nil
}

// Remove closes c and drops it from the set. Safe to call repeatedly and
// while a broadcast is in flight.
func (h *Hub) Remove(c *Client) {
	h.removeWithCode(c, websocket.CloseNormalClosure, "")
}

func (h *Hub) removeWithCode(c *Client, code int, text string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	c.Close(code, text)
	if ok {
		log.WithField("client_id", c.ID).Infof("Client disconnected (%d total)", total)
	}
}

// Count returns the number of open clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) hasCapacity() bool {
	if h.opts.MaxClients == 0 {
		return true
	}
	return h.Count() < h.opts.MaxClients
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// Broadcast hands ev to every client open at the time of the call. Clients
// with buffer room are served inline; the rest get up to SendTimeout each, in
// parallel, and are removed if they stay full. Broadcast returns once every
// attempt has finished, so consecutive calls reach each client in order.
func (h *Hub) Broadcast(ctx context.Context, ev event.ChangeEvent) {
	payload, err := json.Marshal(Notification{Event: EventName, Data: ev})
	if err != nil {
		log.WithError(err).Errorf("Failed to encode %s notification", ev.Kind)
		return
	}

	targets := h.snapshot()
	var wg sync.WaitGroup
	for _, c := range targets {
		ok, err := c.tryDeliver(payload)
		if ok || err != nil {
			continue
		}

		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.deliver(ctx, payload, h.opts.SendTimeout); err != nil {
				h.deliveryFailed(ctx, c, err)
			}
		}(c)
	}
	wg.Wait()

	log.Debugf("Broadcast %s to %d clients", ev, len(targets))
}

func (h *Hub) deliveryFailed(ctx context.Context, c *Client, err error) {
	// Closed clients are already gone; a cancelled broadcast is shutdown.
	if errors.Is(err, errClientClosed) || ctx.Err() != nil {
		return
	}
	log.WithField("client_id", c.ID).
		WithError(fmt.Errorf("%w: %w", ErrDeliveryFailure, err)).
		Warn("Dropping client")
	h.removeWithCode(c, websocket.ClosePolicyViolation, "too slow")
}

// Serve runs the pumps of an accepted client until the connection ends, then
// removes it. It blocks for the lifetime of the connection.
func (h *Hub) Serve(c *Client) {
	defer h.wg.Done()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		if err := c.writePump(h.opts.PingInterval); err != nil {
			log.WithField("client_id", c.ID).
				WithError(fmt.Errorf("%w: %w", ErrDeliveryFailure, err)).
				Warn("Write failed")
		}
		h.Remove(c)
	}()

	if err := c.readPump(h.opts.PongWait); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.Closed() {
			log.WithField("client_id", c.ID).WithError(err).Info("Read error")
		}
	}
	h.Remove(c)
	<-writeDone
}

// CloseAll removes every client, sending reason in a going-away close frame.
// Later Accept calls fail with ErrHubClosed.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	for _, c := range h.snapshot() {
		log.WithField("client_id", c.ID).Infof("Closing connection: %s", reason)
		h.removeWithCode(c, websocket.CloseGoingAway, reason)
	}
}

// WaitForCompletion blocks until every Serve call has returned. Call it after
// CloseAll.
func (h *Hub) WaitForCompletion() {
	h.wg.Wait()
}
