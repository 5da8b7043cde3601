package spotify

import (
	"errors"
	"fmt"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = fmt.Errorf("spotify: %w", circuitbreaker.ErrOpen)

// APIError is a non-2xx response from the Spotify API or token endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spotify API returned status %d: %s", e.StatusCode, e.Body)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
