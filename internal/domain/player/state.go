// Package player implements the playback state machine that owns the single
// live audio adapter, the metadata poll and the loading deadline.
package player

import (
	"errors"
	"fmt"
	"strings"

	"github.com/edumarques81/stellar-stream/internal/audio"
	"github.com/edumarques81/stellar-stream/internal/domain/stream"
	"github.com/edumarques81/stellar-stream/internal/infra/nowplaying"
)

// State is the playback state.
type State int

const (
	Idle State = iota
	Loading
	Playing
	Paused
	// Failed is published once before cleanup resolves to Idle.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state as its lowercase name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{Idle, Loading, Playing, Paused, Failed} {
		if strings.EqualFold(string(b), c.String()) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown playback state %q", b)
}

var (
	// ErrConfiguration is returned when a descriptor cannot be played as
	// configured, e.g. it has no stream url.
	ErrConfiguration = errors.New("stream configuration error")

	// ErrLoadTimeout is recorded when a stream does not start in time.
	ErrLoadTimeout = errors.New("stream did not start before the loading deadline")

	// ErrClosed is returned by commands after Close.
	ErrClosed = errors.New("player closed")

	// ErrNotStarted is returned by commands before Start.
	ErrNotStarted = errors.New("player not started")
)

// Snapshot is an immutable view of the playback session.
type Snapshot struct {
	Stream       *stream.Descriptor   `json:"stream"`
	State        State                `json:"state"`
	Metadata     *nowplaying.Metadata `json:"metadata"`
	Format       *audio.Format        `json:"format,omitempty"`
	Error        string               `json:"error,omitempty"`
	LastStreamID string               `json:"lastStreamId,omitempty"`
}

// IsActive reports whether a stream is bound to the session.
func (s Snapshot) IsActive() bool {
	return s.Stream != nil
}
