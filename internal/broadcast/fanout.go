package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/domain"
	"github.com/pscheid92/nowplaying/internal/metrics"
)

// sendGrace is how long past the per-send timeout we still wait for a Send that
// ignores its context before giving up on it.
const sendGrace = 100 * time.Millisecond

var errSendPanicked = errors.New("send panicked")

type sendResult struct {
	conn     domain.Conn
	err      error
	duration time.Duration
}

func (r sendResult) timedOut() bool {
	return errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, domain.ErrSendTimeout)
}

// fanOut sends data to every conn concurrently and gathers one result per conn.
// A conn that has not answered by timeout+sendGrace is reported as timed out and abandoned.
func fanOut(ctx context.Context, clock clockwork.Clock, conns []domain.Conn, data []byte, timeout time.Duration) []sendResult {
	if len(conns) == 0 {
		return nil
	}

	ch := make(chan sendResult, len(conns))
	for _, conn := range conns {
		go func() {
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := clock.Now()
			err := safeSend(sendCtx, conn, data)
			ch <- sendResult{conn: conn, err: err, duration: clock.Since(start)}
		}()
	}

	results := make([]sendResult, 0, len(conns))
	answered := make(map[uuid.UUID]struct{}, len(conns))
	deadline := clock.NewTimer(timeout + sendGrace)
	defer deadline.Stop()

	for len(results) < len(conns) {
		select {
		case r := <-ch:
			results = append(results, r)
			answered[r.conn.ID()] = struct{}{}
		case <-deadline.Chan():
			for _, conn := range conns {
				if _, ok := answered[conn.ID()]; !ok {
					results = append(results, sendResult{conn: conn, err: domain.ErrSendTimeout, duration: timeout + sendGrace})
				}
			}
			return results
		}
	}
	return results
}

// safeSend turns a panic in one handle's Send into that handle's error.
func safeSend(ctx context.Context, conn domain.Conn, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BroadcasterPanicsTotal.Inc()
			err = fmt.Errorf("%w: %v", errSendPanicked, r)
		}
	}()
	return conn.Send(ctx, data)
}
