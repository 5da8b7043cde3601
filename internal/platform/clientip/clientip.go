// Package clientip derives the per-client key used by every admission limiter.
package clientip

import (
	"net"
	"net/http"
)

// FromRequest returns the peer address host of r. Forwarding headers are ignored: the relay
// is reached directly by the displays, and a spoofable header must not pick the limiter bucket.
func FromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
