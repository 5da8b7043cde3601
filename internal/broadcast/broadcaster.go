package broadcast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/domain"
	"github.com/pscheid92/nowplaying/internal/metrics"
	"github.com/pscheid92/nowplaying/internal/platform/correlation"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultFetchTimeout = 5 * time.Second
	defaultSendTimeout  = 500 * time.Millisecond
)

type Options struct {
	PollInterval time.Duration
	FetchTimeout time.Duration
	// SendTimeout bounds each per-client send; keep it at or below PollInterval.
	SendTimeout time.Duration
}

// CycleResult describes what a single poll cycle did.
type CycleResult struct {
	Fetched   bool // the source reported something playing
	Changed   bool // the payload differed from the last broadcast and was fanned out
	Attempted int
	Delivered int
	Failed    int
}

// Broadcaster polls the now-playing source and fans changes out to all registered connections.
type Broadcaster struct {
	source   domain.NowPlayingSource
	registry domain.ConnRegistry
	clock    clockwork.Clock

	pollInterval time.Duration
	fetchTimeout time.Duration
	sendTimeout  time.Duration

	mu       sync.RWMutex
	lastSent []byte
}

func NewBroadcaster(source domain.NowPlayingSource, registry domain.ConnRegistry, clock clockwork.Clock, opts Options) *Broadcaster {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}

	return &Broadcaster{
		source:       source,
		registry:     registry,
		clock:        clock,
		pollInterval: opts.PollInterval,
		fetchTimeout: opts.FetchTimeout,
		sendTimeout:  opts.SendTimeout,
	}
}

// Run polls once immediately and then on every tick until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.pollInterval)
	defer ticker.Stop()

	slog.Info("Broadcaster started", "poll_interval", b.pollInterval, "send_timeout", b.sendTimeout)

	b.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Broadcaster stopped", "clients", b.registry.Len())
			return
		case <-ticker.Chan():
			b.Poll(ctx)
		}
	}
}

// LastPayload returns the most recently broadcast payload, or nil before the first broadcast.
func (b *Broadcaster) LastPayload() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSent
}

// Admit registers conn with the broadcaster's registry. With replay set, the last broadcast
// payload (if any) is sent to conn first. Both happen under the lock Poll takes to pick its
// recipients, so a replay can never arrive after a newer payload.
func (b *Broadcaster) Admit(ctx context.Context, conn domain.Conn, replay bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if replay && b.lastSent != nil {
		sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
		err := conn.Send(sendCtx, b.lastSent)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to replay last payload: %w", err)
		}
	}

	b.registry.Register(conn)
	return nil
}

// Poll runs one cycle: fetch, serialize, compare, fan out on change.
func (b *Broadcaster) Poll(ctx context.Context) (result CycleResult) {
	ctx, _ = correlation.Start(ctx, "poll")
	start := b.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Broadcaster panic recovered", "panic", r)
			metrics.BroadcasterPanicsTotal.Inc()
		}

		elapsed := b.clock.Since(start)
		metrics.BroadcasterCycleDuration.Observe(elapsed.Seconds())
		if elapsed > b.pollInterval {
			slog.WarnContext(ctx, "Poll cycle exceeded interval", "duration", elapsed, "interval", b.pollInterval)
			metrics.BroadcasterSlowCyclesTotal.Inc()
		}
	}()

	snapshot := b.fetch(ctx)
	if snapshot == nil {
		metrics.BroadcasterCyclesTotal.WithLabelValues("nothing").Inc()
		return result
	}
	result.Fetched = true

	payload, err := snapshot.Payload()
	if err != nil {
		slog.ErrorContext(ctx, "Failed to serialize playback", "error", err)
		return result
	}

	if bytes.Equal(payload, b.LastPayload()) {
		metrics.BroadcasterCyclesTotal.WithLabelValues("unchanged").Inc()
		return result
	}
	result.Changed = true
	metrics.BroadcasterCyclesTotal.WithLabelValues("changed").Inc()

	// Recipients and lastSent change together so Admit sees either the old payload and
	// a place in this fan-out, or the new payload and no place in it.
	b.mu.Lock()
	conns := b.registry.Snapshot()
	b.lastSent = payload
	b.mu.Unlock()

	results := fanOut(ctx, b.clock, conns, payload, b.sendTimeout)

	result.Attempted = len(results)
	for _, r := range results {
		switch {
		case r.err == nil:
			result.Delivered++
			metrics.BroadcasterSendsTotal.WithLabelValues("success").Inc()
		case r.timedOut():
			result.Failed++
			metrics.BroadcasterSendsTotal.WithLabelValues("timeout").Inc()
			slog.WarnContext(ctx, "Send timed out", "conn_id", r.conn.ID().String(), "after", r.duration)
		case errors.Is(r.err, domain.ErrConnectionClosed):
			result.Failed++
			metrics.BroadcasterSendsTotal.WithLabelValues("error").Inc()
			slog.DebugContext(ctx, "Send to closed connection skipped", "conn_id", r.conn.ID().String())
		default:
			result.Failed++
			metrics.BroadcasterSendsTotal.WithLabelValues("error").Inc()
			slog.WarnContext(ctx, "Send failed", "conn_id", r.conn.ID().String(), "error", r.err)
		}
	}

	slog.InfoContext(ctx, "Now playing changed",
		"track", snapshot.Track,
		"artist", snapshot.Artist,
		"playing", snapshot.IsPlaying,
		"clients", result.Attempted,
		"delivered", result.Delivered,
		"failed", result.Failed,
	)
	return result
}

// fetch returns nil for "nothing this cycle", whatever the reason.
func (b *Broadcaster) fetch(ctx context.Context) *domain.PlaybackSnapshot {
	fetchCtx, cancel := context.WithTimeout(ctx, b.fetchTimeout)
	defer cancel()

	snapshot, err := b.source.CurrentPlayback(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.WarnContext(ctx, "Now playing fetch timed out", "timeout", b.fetchTimeout)
		} else {
			slog.WarnContext(ctx, "Now playing fetch failed", "error", err)
		}
		return nil
	}
	if snapshot == nil {
		slog.DebugContext(ctx, "Nothing playing")
	}
	return snapshot
}
