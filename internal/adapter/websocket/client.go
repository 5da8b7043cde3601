package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/domain"
	"github.com/pscheid92/nowplaying/internal/metrics"
)

const (
	writeDeadline = 5 * time.Second
	closeDeadline = 1 * time.Second
)

var _ domain.Conn = (*Client)(nil)

// Client is the handle for one connected display. gorilla/websocket allows a single
// concurrent writer, so data writes are serialized on writeMu; control frames
// (ping, close) go through WriteControl, which is safe alongside them.
type Client struct {
	id         uuid.UUID
	conn       *websocket.Conn
	clock      clockwork.Clock
	remoteAddr string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(conn *websocket.Conn, clock clockwork.Clock, remoteAddr string) *Client {
	return &Client{
		id:         uuid.New(),
		conn:       conn,
		clock:      clock,
		remoteAddr: remoteAddr,
		closed:     make(chan struct{}),
	}
}

func (c *Client) ID() uuid.UUID { return c.id }

func (c *Client) RemoteAddr() string { return c.remoteAddr }

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Send writes one text message. The write deadline is the earlier of ctx's deadline and writeDeadline.
func (c *Client) Send(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.TextMessage, data)
}

func (c *Client) write(ctx context.Context, messageType int, data []byte) error {
	select {
	case <-c.closed:
		return domain.ErrConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Socket deadlines are wall-clock.
	deadline := time.Now().Add(writeDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	start := c.clock.Now()
	err := c.conn.WriteMessage(messageType, data)
	metrics.WebSocketMessageSendDuration.Observe(c.clock.Since(start).Seconds())

	return c.classify(err)
}

func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", domain.ErrSendTimeout, err)
	case errors.Is(err, websocket.ErrCloseSent), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	}

	select {
	case <-c.closed:
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	default:
		return fmt.Errorf("websocket write failed: %w", err)
	}
}

// ping sends a protocol-level ping frame.
func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
}

// Close sends a going-away close frame (best effort) and closes the socket. Safe to call repeatedly.
func (c *Client) Close() error {
	return c.CloseWithReason(websocket.CloseGoingAway, "")
}

func (c *Client) CloseWithReason(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeDeadline))
		err = c.conn.Close()
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close websocket: %w", err)
	}
	return nil
}
