package audio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MPDClient is the subset of the MPD client used by the MPD back end.
type MPDClient interface {
	Clear() error
	Add(uri string) error
	Play(pos int) error
	Pause(pause bool) error
	Stop() error
	Status() (map[string]string, error)
	Watch(subsystems ...string) (<-chan string, func(), error)
}

// mpdStatusPoll re-checks status while waiting for audio to start, since
// MPD reports the output format after the player state change.
const mpdStatusPoll = 500 * time.Millisecond

// MPDBackend plays streams through an MPD daemon.
type MPDBackend struct {
	client MPDClient
	poll   time.Duration
}

// NewMPDBackend creates an MPD back end.
func NewMPDBackend(client MPDClient) *MPDBackend {
	return &MPDBackend{client: client, poll: mpdStatusPoll}
}

// Name implements Backend.
func (b *MPDBackend) Name() string { return "mpd" }

// Supports reports whether MPD can be handed the url. MPD's curl input
// handles progressive http(s) and HLS alike.
func (b *MPDBackend) Supports(rawURL string) bool {
	return IsHTTP(rawURL)
}

// New implements Factory.
func (b *MPDBackend) New(listener Listener) Adapter {
	return &mpdAdapter{
		client:  b.client,
		poll:    b.poll,
		emitter: emitter{listener: listener},
	}
}

type mpdAdapter struct {
	emitter
	client   MPDClient
	poll     time.Duration
	recovery recovery

	mu        sync.Mutex
	cancel    context.CancelFunc
	stopWatch func()
	loaded    bool
	destroyed bool
}

func (a *mpdAdapter) Play(rawURL string) error {
	if !IsHTTP(rawURL) {
		return &AdapterError{Kind: UnsupportedFormat, Err: errors.New("mpd back end needs an http(s) url")}
	}

	if err := a.client.Clear(); err != nil {
		return &AdapterError{Kind: NetworkError, Err: err}
	}
	if err := a.client.Add(rawURL); err != nil {
		return &AdapterError{Kind: UnsupportedFormat, Err: err}
	}

	events, stop, err := a.client.Watch("player")
	if err != nil {
		return &AdapterError{Kind: NetworkError, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		cancel()
		stop()
		return &AdapterError{Kind: NetworkError, Err: errors.New("adapter destroyed")}
	}
	a.cancel = cancel
	a.stopWatch = stop
	a.mu.Unlock()

	if err := a.client.Play(0); err != nil {
		a.Destroy()
		return &AdapterError{Kind: NetworkError, Err: err}
	}

	log.Debug().Str("url", rawURL).Msg("MPD playback requested")

	go a.watch(ctx, events)
	return nil
}

func (a *mpdAdapter) watch(ctx context.Context, events <-chan string) {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	var last Event
	var started bool

	check := func() bool {
		status, err := a.client.Status()
		if ctx.Err() != nil {
			return false
		}
		if err != nil {
			return a.fail(ctx, &AdapterError{Kind: NetworkError, Err: err})
		}

		if msg := status["error"]; msg != "" {
			return a.fail(ctx, classifyMPDError(msg))
		}

		var ev Event
		switch status["state"] {
		case "play":
			ev.Loaded = true
			if audio := status["audio"]; audio != "" {
				ev.Playing = true
				ev.Format = ParseMPDAudio(audio)
			} else if started {
				// Rebuffering after a retry is not a pause.
				ev.Playing = true
			}
		case "pause":
			ev.Loaded = true
		case "stop":
			if started {
				a.emit(Event{Ended: true})
				return false
			}
		}

		if ev.Playing {
			started = true
		}

		a.mu.Lock()
		a.loaded = ev.Loaded
		a.mu.Unlock()

		if ev.Loaded != last.Loaded || ev.Playing != last.Playing {
			last = ev
			a.emit(ev)
		}
		return true
	}

	if !check() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if !check() {
				return
			}
		case <-ticker.C:
			if started {
				continue
			}
			if !check() {
				return
			}
		}
	}
}

// fail attempts one recovery for err, otherwise emits it as terminal.
// It reports whether watching should continue.
func (a *mpdAdapter) fail(ctx context.Context, err *AdapterError) bool {
	if a.recovery.allow(err) {
		log.Warn().Err(err).Msg("MPD playback error, retrying once")
		if playErr := a.client.Play(0); playErr == nil {
			return true
		}
	}
	if ctx.Err() != nil {
		return false
	}
	log.Error().Err(err).Msg("MPD playback failed")
	a.emit(Event{Err: err})
	return false
}

func classifyMPDError(msg string) *AdapterError {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "decod"), strings.Contains(lower, "codec"):
		return &AdapterError{Kind: MediaError, Err: errors.New(msg)}
	case strings.Contains(lower, "unsupported"), strings.Contains(lower, "unrecognized"):
		return &AdapterError{Kind: UnsupportedFormat, Err: errors.New(msg)}
	default:
		return &AdapterError{Kind: NetworkError, Err: errors.New(msg)}
	}
}

func (a *mpdAdapter) TogglePlayPause(currentlyPlaying bool) error {
	a.mu.Lock()
	loaded := a.loaded && !a.destroyed
	a.mu.Unlock()

	if !loaded {
		return nil
	}
	// The watcher reports the resulting state.
	return a.client.Pause(currentlyPlaying)
}

func (a *mpdAdapter) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	cancel, stop, started := a.cancel, a.stopWatch, a.cancel != nil
	a.mu.Unlock()

	a.detach()
	if cancel != nil {
		cancel()
	}
	if stop != nil {
		stop()
	}
	if started {
		if err := a.client.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop MPD")
		}
	}
}
