package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 512
)

var (
	errClientClosed = errors.New("client closed")
	errSendTimeout  = errors.New("send timed out")
)

// Client is one browser connection. It is open until Close is called and
// never reopens.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
}

// NewClient wraps conn with a send buffer of the given size.
func NewClient(conn *websocket.Conn, buffer int) *Client {
	if buffer < 1 {
		buffer = 1
	}
	return &Client{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Close moves the client to the closed state. The write pump sends a close
// frame with code and text before dropping the socket. Only the first call
// has an effect.
func (c *Client) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
	}
	return false
}

// tryDeliver enqueues payload without blocking.
func (c *Client) tryDeliver(payload []byte) (bool, error) {
	if c.Closed() {
		return false, errClientClosed
	}
	select {
	case c.send <- payload:
		return true, nil
	default:
		return false, nil
	}
}

// deliver enqueues payload, waiting at most timeout for buffer space.
func (c *Client) deliver(ctx context.Context, payload []byte, timeout time.Duration) error {
	if c.Closed() {
		return errClientClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	case <-timer.C:
		return errSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump discards inbound frames and keeps the read deadline alive on
// pongs. It returns on the first read error.
func (c *Client) readPump(pongWait time.Duration) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

// writePump drains the send buffer onto the socket and pings the peer. It
// returns after the client is closed or a write fails; in both cases the
// socket is closed on the way out.
func (c *Client) writePump(pingInterval time.Duration) error {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.writeClose()
			return nil

		case payload := <-c.send:
			if c.Closed() {
				c.writeClose()
				return nil
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func (c *Client) writeClose() {
	code := c.closeCode
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, c.closeText),
		time.Now().Add(writeWait),
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debugf("Error sending close message to %s: %v", c.ID, err)
	}
}
