package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// MessageTypeNowPlaying tags the payload broadcast to display clients.
const MessageTypeNowPlaying = "now_playing"

// PlaybackSnapshot is what the upstream service reports as currently playing.
// All fields are comparable, so two snapshots are equal iff == holds.
type PlaybackSnapshot struct {
	Track      string
	Artist     string
	ProgressMs int
	DurationMs int
	IsPlaying  bool
}

// NowPlayingMessage is the wire form of a PlaybackSnapshot. Field order here is
// the key order on the wire; keep it stable or change detection breaks.
type NowPlayingMessage struct {
	Type     string `json:"type"`
	Track    string `json:"track"`
	Artist   string `json:"artist"`
	Progress int    `json:"progress"`
	Duration int    `json:"duration"`
	Playing  bool   `json:"playing"`
}

// Message converts the snapshot into its wire form.
func (s PlaybackSnapshot) Message() NowPlayingMessage {
	return NowPlayingMessage{
		Type:     MessageTypeNowPlaying,
		Track:    s.Track,
		Artist:   s.Artist,
		Progress: s.ProgressMs,
		Duration: s.DurationMs,
		Playing:  s.IsPlaying,
	}
}

// Payload serializes the snapshot. Equal snapshots always yield identical bytes.
func (s PlaybackSnapshot) Payload() ([]byte, error) {
	data, err := json.Marshal(s.Message())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal now playing message: %w", err)
	}
	return data, nil
}

// NowPlayingSource reports the current playback.
// A nil snapshot with a nil error means no active session.
type NowPlayingSource interface {
	CurrentPlayback(ctx context.Context) (*PlaybackSnapshot, error)
}
