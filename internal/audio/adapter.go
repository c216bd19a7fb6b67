// Package audio provides the audio engine adapters that turn a stream URL into
// sound: a local speaker back end and an MPD back end, composed behind a
// format-detecting selector.
package audio

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrorKind classifies adapter failures.
type ErrorKind int

const (
	// NetworkError covers connect/read failures; one reload is attempted.
	NetworkError ErrorKind = iota
	// MediaError covers decode failures; one decoder re-open is attempted.
	MediaError
	// UnsupportedFormat is terminal.
	UnsupportedFormat
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkError:
		return "network"
	case MediaError:
		return "media"
	case UnsupportedFormat:
		return "unsupported_format"
	default:
		return "unknown"
	}
}

// AdapterError is the error type surfaced by adapters.
type AdapterError struct {
	Kind ErrorKind
	Err  error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the adapter may attempt one local recovery.
func (e *AdapterError) Recoverable() bool {
	return e.Kind == NetworkError || e.Kind == MediaError
}

func newAdapterError(kind ErrorKind, err error) *AdapterError {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	return &AdapterError{Kind: kind, Err: err}
}

// Event is a status report from an adapter. An event with Err set is terminal:
// the adapter has stopped and will emit nothing further.
type Event struct {
	Loaded  bool
	Playing bool
	Ended   bool // finite media played to completion
	Err     *AdapterError
	Format  *Format
}

// Listener receives adapter events. It may be called from any goroutine.
type Listener func(Event)

// Adapter is one live playback instance.
type Adapter interface {
	// Play starts loading url. It returns an *AdapterError only when the
	// back end cannot play the url at all; otherwise loading continues in the
	// background and a Playing event follows once audio flows.
	Play(url string) error

	// TogglePlayPause pauses when currentlyPlaying, resumes otherwise. It is a
	// no-op when nothing is loaded.
	TogglePlayPause(currentlyPlaying bool) error

	// Destroy stops output, releases the engine resource and detaches the
	// listener. It is idempotent and safe from any state.
	Destroy()
}

// Factory builds adapters bound to a listener.
type Factory interface {
	New(listener Listener) Adapter
}

// Backend is an audio engine that can report which urls it handles.
type Backend interface {
	Factory
	Name() string
	Supports(rawURL string) bool
}

// emitter delivers events to a listener until detached or terminated.
type emitter struct {
	mu         sync.Mutex
	listener   Listener
	terminated bool
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return
	}
	if ev.Err != nil {
		e.terminated = true
	}
	l := e.listener
	e.mu.Unlock()

	if l != nil {
		l(ev)
	}
}

func (e *emitter) detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = nil
	e.terminated = true
}

// recovery grants one local recovery attempt per recoverable error kind.
type recovery struct {
	mu   sync.Mutex
	used map[ErrorKind]bool
}

func (r *recovery) allow(err *AdapterError) bool {
	if !err.Recoverable() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.used == nil {
		r.used = make(map[ErrorKind]bool)
	}
	if r.used[err.Kind] {
		return false
	}
	r.used[err.Kind] = true
	return true
}

// Selector picks, at Play time, the first back end that supports the url.
type Selector struct {
	backends []Backend
}

// NewSelector creates a selector over backends in priority order.
func NewSelector(backends ...Backend) *Selector {
	return &Selector{backends: backends}
}

// Backend returns the back end that would play rawURL.
func (s *Selector) Backend(rawURL string) (Backend, bool) {
	c := s.candidates(rawURL)
	if len(c) == 0 {
		return nil, false
	}
	return c[0], true
}

// candidates lists, in priority order, the back ends that claim rawURL.
func (s *Selector) candidates(rawURL string) []Backend {
	var out []Backend
	for _, b := range s.backends {
		if b != nil && b.Supports(rawURL) {
			out = append(out, b)
		}
	}
	return out
}

// Names lists the configured back ends.
func (s *Selector) Names() []string {
	names := make([]string, 0, len(s.backends))
	for _, b := range s.backends {
		if b != nil {
			names = append(names, b.Name())
		}
	}
	return names
}

// New returns an adapter that delegates to the selected back end. A back end
// that finds the stream format unplayable before producing any audio hands
// the url to the next back end that claims it.
func (s *Selector) New(listener Listener) Adapter {
	return &selectingAdapter{selector: s, listener: listener}
}

type selectingAdapter struct {
	mu        sync.Mutex
	selector  *Selector
	listener  Listener
	inner     Adapter
	attempt   int
	destroyed bool
}

func (a *selectingAdapter) Play(rawURL string) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return &AdapterError{Kind: NetworkError, Err: errors.New("adapter destroyed")}
	}
	if a.inner != nil {
		a.inner.Destroy()
		a.inner = nil
	}
	a.mu.Unlock()

	candidates := a.selector.candidates(rawURL)
	if len(candidates) == 0 {
		return &AdapterError{Kind: UnsupportedFormat, Err: fmt.Errorf("no audio back end supports %q", rawURL)}
	}
	return a.start(rawURL, candidates)
}

// start plays rawURL on the first candidate that accepts it.
func (a *selectingAdapter) start(rawURL string, candidates []Backend) error {
	var err error
	for i, b := range candidates {
		rest := candidates[i+1:]

		a.mu.Lock()
		if a.destroyed {
			a.mu.Unlock()
			return &AdapterError{Kind: NetworkError, Err: errors.New("adapter destroyed")}
		}
		a.attempt++
		inner := b.New(a.forward(a.attempt, rawURL, rest))
		a.inner = inner
		a.mu.Unlock()

		err = inner.Play(rawURL)
		if err == nil || !unsupported(err) || len(rest) == 0 {
			return err
		}

		log.Debug().Err(err).Str("backend", b.Name()).Str("url", rawURL).Msg("Back end cannot play stream, trying next")
		a.mu.Lock()
		if a.inner == inner {
			a.inner = nil
		}
		a.mu.Unlock()
		inner.Destroy()
	}
	return err
}

// forward relays events of one inner adapter, diverting an early
// unsupported-format failure to the remaining back ends.
func (a *selectingAdapter) forward(attempt int, rawURL string, rest []Backend) Listener {
	var started atomic.Bool
	return func(ev Event) {
		a.mu.Lock()
		current := a.attempt == attempt && !a.destroyed
		inner := a.inner
		a.mu.Unlock()
		if !current {
			return
		}

		if ev.Loaded || ev.Playing {
			started.Store(true)
		}
		if ev.Err != nil && ev.Err.Kind == UnsupportedFormat && !started.Load() && len(rest) > 0 {
			log.Debug().Err(ev.Err).Str("url", rawURL).Msg("Stream format rejected, trying next back end")
			if inner != nil {
				inner.Destroy()
			}
			if err := a.start(rawURL, rest); err != nil {
				a.deliver(Event{Err: newAdapterError(UnsupportedFormat, err)})
			}
			return
		}
		a.deliver(ev)
	}
}

func (a *selectingAdapter) deliver(ev Event) {
	if a.listener != nil {
		a.listener(ev)
	}
}

func (a *selectingAdapter) TogglePlayPause(currentlyPlaying bool) error {
	a.mu.Lock()
	inner := a.inner
	a.mu.Unlock()

	if inner == nil {
		return nil
	}
	return inner.TogglePlayPause(currentlyPlaying)
}

func (a *selectingAdapter) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.destroyed = true
	if a.inner != nil {
		a.inner.Destroy()
		a.inner = nil
	}
}

func unsupported(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Kind == UnsupportedFormat
}

// IsHTTP reports whether rawURL uses http or https.
func IsHTTP(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsHLS reports whether rawURL points at an HLS manifest.
func IsHLS(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".m3u8")
}

// isHLSContentType reports whether a response content type is an HLS manifest.
func isHLSContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "mpegurl")
}
