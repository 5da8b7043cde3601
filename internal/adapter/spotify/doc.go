// Package spotify implements the now-playing source on top of the Spotify Web API.
//
// Access tokens are minted from a long-lived refresh token and cached (in memory or, when
// configured, in Redis) until shortly before they expire. Playback fetches go through a
// circuit breaker so a failing upstream is not hit on every poll.
package spotify
