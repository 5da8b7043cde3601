package httpserver

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/nowplaying/internal/metrics"
	"github.com/pscheid92/nowplaying/internal/platform/clientip"
	"golang.org/x/time/rate"
)

// newRateLimiter limits the auxiliary routes per client IP, keyed the same way as the
// websocket admission limiter.
func newRateLimiter(opts Options) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(opts.RatePerSecond),
			Burst:     opts.Burst,
			ExpiresIn: opts.RateLimitExpiry,
		},
	)

	// Seconds until one token is back in the bucket.
	retryAfter := strconv.Itoa(int(math.Ceil(1 / opts.RatePerSecond)))

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return clientip.FromRequest(c.Request()), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			metrics.HTTPRequestsRateLimited.WithLabelValues(c.Path()).Inc()
			slog.DebugContext(c.Request().Context(), "Request rate limited", "remote_ip", identifier, "route", c.Path())

			c.Response().Header().Set("Retry-After", retryAfter)
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": opts.RateLimitMessage})
		},
	})
}
