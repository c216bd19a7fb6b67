package socketio

import (
	"sync"
	"time"
)

// Change identifies which part of the playback snapshot moved.
type Change int

const (
	// ChangeState covers state, bound stream, error and decoded format.
	ChangeState Change = iota
	// ChangeNowPlaying covers now-playing metadata.
	ChangeNowPlaying
)

// BroadcastDebouncer collapses bursts of snapshot changes into one broadcast
// per affected push. A now-playing change also refreshes the full state.
type BroadcastDebouncer struct {
	window             time.Duration
	stateCallback      func()
	nowPlayingCallback func()

	mu                sync.Mutex
	pendingState      bool
	pendingNowPlaying bool
	timer             *time.Timer
	stopped           bool
}

// NewBroadcastDebouncer creates a debouncer with the given window duration.
func NewBroadcastDebouncer(window time.Duration, stateCallback, nowPlayingCallback func()) *BroadcastDebouncer {
	return &BroadcastDebouncer{
		window:             window,
		stateCallback:      stateCallback,
		nowPlayingCallback: nowPlayingCallback,
	}
}

// Trigger records a change. Callbacks run once the window elapses without
// further triggers.
func (d *BroadcastDebouncer) Trigger(change Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.pendingState = true
	if change == ChangeNowPlaying {
		d.pendingNowPlaying = true
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *BroadcastDebouncer) flush() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	doState := d.pendingState
	doNowPlaying := d.pendingNowPlaying
	d.pendingState = false
	d.pendingNowPlaying = false
	d.mu.Unlock()

	if doState && d.stateCallback != nil {
		d.stateCallback()
	}
	if doNowPlaying && d.nowPlayingCallback != nil {
		d.nowPlayingCallback()
	}
}

// Stop prevents any further callbacks from firing.
func (d *BroadcastDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pendingState = false
	d.pendingNowPlaying = false
}
