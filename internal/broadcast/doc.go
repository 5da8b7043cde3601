// Package broadcast implements the now-playing poll loop.
//
// The Broadcaster polls the NowPlayingSource on a fixed clockwork tick, serializes the result and
// compares it byte-for-byte with the last payload it broadcast. Only changes are fanned out, one
// goroutine per registered connection, each send bounded by a timeout. Fetch failures and
// "nothing playing" leave the last payload untouched and send nothing.
package broadcast
