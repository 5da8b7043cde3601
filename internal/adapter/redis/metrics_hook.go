package redis

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// metricsHook records every command. Commands on the token key are labelled by their role in
// the token cache (token_get, token_set, token_del).
type metricsHook struct {
	clock clockwork.Clock
}

var _ goredis.Hook = (*metricsHook)(nil)

func newMetricsHook(clock clockwork.Clock) *metricsHook {
	return &metricsHook{clock: clock}
}

func (h *metricsHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			metrics.RedisConnectionErrors.Inc()
			slog.WarnContext(ctx, "Redis dial failed", "addr", addr, "error", err)
		}
		return conn, err
	}
}

func (h *metricsHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		start := h.clock.Now()
		err := next(ctx, cmd)

		op := operationName(cmd)
		metrics.RedisOpsTotal.WithLabelValues(op, outcome(err)).Inc()
		metrics.RedisOpDuration.WithLabelValues(op).Observe(h.clock.Since(start).Seconds())
		return err
	}
}

// ProcessPipelineHook counts each queued command on its own; latency is only known for the batch.
func (h *metricsHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		start := h.clock.Now()
		err := next(ctx, cmds)

		for _, cmd := range cmds {
			metrics.RedisOpsTotal.WithLabelValues(operationName(cmd), outcome(cmd.Err())).Inc()
		}
		metrics.RedisOpDuration.WithLabelValues("pipeline").Observe(h.clock.Since(start).Seconds())
		return err
	}
}

func operationName(cmd goredis.Cmder) string {
	args := cmd.Args()
	if len(args) > 1 {
		if key, ok := args[1].(string); ok && key == tokenKey {
			return "token_" + cmd.Name()
		}
	}
	return cmd.Name()
}

// outcome treats a cache miss (redis.Nil) as success.
func outcome(err error) string {
	if err != nil && !errors.Is(err, goredis.Nil) {
		return "error"
	}
	return "success"
}
