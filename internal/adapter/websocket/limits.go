package websocket

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL      = 10 * time.Minute
	limiterCleanupEvery = 5 * time.Minute
)

// LimitReason describes why a connection was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

type LimitsConfig struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	// ConnectionsPerSecond and Burst configure the per-IP token bucket for new connections.
	ConnectionsPerSecond float64
	Burst                int
}

// ConnectionLimits admits new connections: a per-IP rate limit, a global cap and a per-IP cap.
// Every successful Acquire must be paired with one Release.
type ConnectionLimits struct {
	cfg   LimitsConfig
	clock clockwork.Clock

	mu        sync.Mutex
	total     int
	perIP     map[string]int
	limiters  map[string]*rateLimiterEntry
	cleanupAt time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionLimits(cfg LimitsConfig, clock clockwork.Clock) *ConnectionLimits {
	return &ConnectionLimits{
		cfg:       cfg,
		clock:     clock,
		perIP:     make(map[string]int),
		limiters:  make(map[string]*rateLimiterEntry),
		cleanupAt: clock.Now().Add(limiterCleanupEvery),
	}
}

// Acquire reserves a slot for ip, or returns the reason it cannot.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(limiterCleanupEvery)
	}

	// Rate first: a flood of attempts should not even count against the caps.
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rate.Limit(l.cfg.ConnectionsPerSecond), l.cfg.Burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	if !entry.limiter.AllowN(now, 1) {
		return false, LimitReasonRate
	}

	if l.total >= l.cfg.MaxConnections {
		return false, LimitReasonGlobal
	}
	if l.perIP[ip] >= l.cfg.MaxConnectionsPerIP {
		return false, LimitReasonPerIP
	}

	l.total++
	l.perIP[ip]++
	metrics.WebSocketUniqueIPs.Set(float64(len(l.perIP)))
	return true, ""
}

func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, ok := l.perIP[ip]
	if !ok {
		return
	}
	if count <= 1 {
		delete(l.perIP, ip)
	} else {
		l.perIP[ip] = count - 1
	}
	l.total--
	metrics.WebSocketUniqueIPs.Set(float64(len(l.perIP)))
}

// Current returns the number of held slots.
func (l *ConnectionLimits) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// cleanup drops rate limiters for IPs not seen recently. Must be called with mu held.
func (l *ConnectionLimits) cleanup(now time.Time) {
	cutoff := now.Add(-limiterIdleTTL)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}
