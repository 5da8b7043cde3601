package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/domain"
	"github.com/pscheid92/nowplaying/internal/metrics"
	"github.com/pscheid92/nowplaying/internal/platform/clientip"
	"github.com/pscheid92/nowplaying/internal/platform/correlation"
)

const (
	defaultPingInterval = 30 * time.Second
	maxMessageSize      = 4096
	pongReply           = "pong"
)

// Admitter makes a connection visible to the broadcaster, optionally replaying the last
// broadcast first.
type Admitter interface {
	Admit(ctx context.Context, conn domain.Conn, replay bool) error
}

type HandlerOptions struct {
	PingInterval time.Duration

	PushUILayout bool
	UIMode       string
	UIMacro      string

	// ReplayLast sends the most recent broadcast to a connection right after it registers.
	ReplayLast bool

	AllowedOrigins []string
	Development    bool
	Limits         LimitsConfig
}

// Handler is the connection acceptor. Each accepted socket gets a Client handle registered with
// the registry and a read loop running on the request goroutine until the peer goes away.
type Handler struct {
	registry domain.ConnRegistry
	admitter Admitter
	clock    clockwork.Clock
	limits   *ConnectionLimits
	upgrader websocket.Upgrader
	opts     HandlerOptions
	layout   []byte
}

func NewHandler(registry domain.ConnRegistry, admitter Admitter, clock clockwork.Clock, opts HandlerOptions) (*Handler, error) {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}

	h := &Handler{
		registry: registry,
		admitter: admitter,
		clock:    clock,
		limits:   NewConnectionLimits(opts.Limits, clock),
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(opts.AllowedOrigins, opts.Development),
		},
	}

	if opts.PushUILayout {
		layout, err := json.Marshal(domain.UILayoutMessage{
			Type:  domain.MessageTypeUIUpdate,
			Mode:  opts.UIMode,
			Macro: opts.UIMacro,
		})
		if err != nil {
			return nil, err
		}
		h.layout = layout
	}

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientip.FromRequest(r)

	if ok, reason := h.limits.Acquire(ip); !ok {
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		metrics.WebSocketConnectionsRejected.WithLabelValues(string(reason)).Inc()
		slog.Warn("Connection rejected", "remote_ip", ip, "reason", reason)

		status := http.StatusServiceUnavailable
		if reason == LimitReasonRate {
			status = http.StatusTooManyRequests
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer h.limits.Release(ip)

	if !h.upgrader.CheckOrigin(r) {
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		metrics.WebSocketConnectionsRejected.WithLabelValues("origin").Inc()
		slog.Warn("Connection rejected", "remote_ip", ip, "reason", "origin", "origin", r.Header.Get("Origin"))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.Debug("WebSocket upgrade failed", "remote_ip", ip, "error", err)
		return
	}
	metrics.WebSocketConnectionsTotal.WithLabelValues("success").Inc()

	client := NewClient(conn, h.clock, ip)
	ctx, _ := correlation.Start(context.Background(), "conn")
	h.serve(ctx, client)
}

func (h *Handler) serve(ctx context.Context, client *Client) {
	start := h.clock.Now()
	slog.InfoContext(ctx, "Client connected", "conn_id", client.ID().String(), "remote_ip", client.RemoteAddr())

	defer func() {
		h.registry.Unregister(client)
		_ = client.Close()
		metrics.WebSocketConnectionDuration.Observe(h.clock.Since(start).Seconds())
	}()

	// The layout goes out before the broadcaster can see the client, so it is always first.
	if h.layout != nil {
		if err := client.Send(ctx, h.layout); err != nil {
			slog.DebugContext(ctx, "UI layout push failed", "error", err)
			return
		}
	}
	if err := h.admitter.Admit(ctx, client, h.opts.ReplayLast); err != nil {
		slog.DebugContext(ctx, "Client admission failed", "error", err)
		return
	}

	pingerDone := make(chan struct{})
	defer close(pingerDone)
	go h.keepAlive(ctx, client, pingerDone)

	h.readLoop(ctx, client)
}

// keepAlive pings the peer every PingInterval; a failed ping closes the client,
// which ends the read loop.
func (h *Handler) keepAlive(ctx context.Context, client *Client, done <-chan struct{}) {
	ticker := h.clock.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-client.Done():
			return
		case <-ticker.Chan():
			if err := client.ping(); err != nil {
				metrics.WebSocketPingFailures.Inc()
				slog.DebugContext(ctx, "Ping failed, closing client", "error", err)
				_ = client.Close()
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, client *Client) {
	conn := client.conn
	conn.SetReadLimit(maxMessageSize)

	readTimeout := 2 * h.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			logClosure(ctx, client, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if messageType != websocket.TextMessage || !strings.Contains(string(data), "ping") {
			continue
		}
		metrics.WebSocketLivenessProbes.Inc()
		if err := client.Send(ctx, []byte(pongReply)); err != nil {
			slog.DebugContext(ctx, "Pong reply failed", "error", err)
			return
		}
	}
}

func logClosure(ctx context.Context, client *Client, err error) {
	attrs := []any{"conn_id", client.ID().String(), "remote_ip", client.RemoteAddr()}

	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway):
		slog.InfoContext(ctx, "Client disconnected", attrs...)
	case errors.Is(err, net.ErrClosed):
		slog.InfoContext(ctx, "Client closed by server", attrs...)
	default:
		slog.InfoContext(ctx, "Client connection ended", append(attrs, "reason", err.Error())...)
	}
}

// CloseAll sends a going-away close frame to every registered connection.
func CloseAll(registry domain.ConnRegistry) {
	conns := registry.Snapshot()
	for _, c := range conns {
		_ = c.Close()
	}
	if len(conns) > 0 {
		slog.Info("Closed client connections", "count", len(conns))
	}
}
