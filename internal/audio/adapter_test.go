package audio_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edumarques81/stellar-stream/internal/audio"
)

type stubAdapter struct {
	mu        sync.Mutex
	listener  audio.Listener
	onPlay    func(*stubAdapter)
	played    []string
	destroyed int
	toggles   []bool
	playErr   error
}

func (a *stubAdapter) Play(url string) error {
	a.mu.Lock()
	a.played = append(a.played, url)
	err, onPlay := a.playErr, a.onPlay
	a.mu.Unlock()

	if err == nil && onPlay != nil {
		go onPlay(a)
	}
	return err
}

func (a *stubAdapter) TogglePlayPause(currentlyPlaying bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toggles = append(a.toggles, currentlyPlaying)
	return nil
}

func (a *stubAdapter) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed++
	a.listener = nil
}

func (a *stubAdapter) emit(ev audio.Event) {
	a.mu.Lock()
	l := a.listener
	a.mu.Unlock()
	if l != nil {
		l(ev)
	}
}

func (a *stubAdapter) stats() (played []string, destroyed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.played...), a.destroyed
}

type stubBackend struct {
	name     string
	supports func(string) bool
	playErr  error
	onPlay   func(*stubAdapter)

	mu   sync.Mutex
	made []*stubAdapter
}

func (b *stubBackend) Name() string             { return b.name }
func (b *stubBackend) Supports(url string) bool { return b.supports(url) }
func (b *stubBackend) New(l audio.Listener) audio.Adapter {
	a := &stubAdapter{listener: l, playErr: b.playErr, onPlay: b.onPlay}
	b.mu.Lock()
	b.made = append(b.made, a)
	b.mu.Unlock()
	return a
}

func (b *stubBackend) adapters() []*stubAdapter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*stubAdapter(nil), b.made...)
}

var errRejected = &audio.AdapterError{Kind: audio.UnsupportedFormat, Err: errors.New("unsupported content type \"application/vnd.apple.mpegurl\"")}

func rejectFormat(a *stubAdapter) { a.emit(audio.Event{Err: errRejected}) }
func startPlaying(a *stubAdapter) { a.emit(audio.Event{Loaded: true, Playing: true}) }

func TestSelectorPicksFirstSupportingBackend(t *testing.T) {
	hls := &stubBackend{name: "hls", supports: audio.IsHLS}
	web := &stubBackend{name: "any", supports: audio.IsHTTP}
	sel := audio.NewSelector(hls, web)

	if got := sel.Names(); len(got) != 2 || got[0] != "hls" || got[1] != "any" {
		t.Errorf("Names() = %v", got)
	}

	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/live/index.m3u8", "hls"},
		{"https://example.com/live.mp3", "any"},
		{"http://example.com/stream", "any"},
	}
	for _, tt := range tests {
		b, ok := sel.Backend(tt.url)
		if !ok {
			t.Errorf("Backend(%q) not found", tt.url)
			continue
		}
		if b.Name() != tt.want {
			t.Errorf("Backend(%q) = %s, want %s", tt.url, b.Name(), tt.want)
		}
	}
}

func TestSelectorAdapterUnsupportedFailsFast(t *testing.T) {
	sel := audio.NewSelector(&stubBackend{name: "http", supports: audio.IsHTTP})
	a := sel.New(func(audio.Event) {})

	err := a.Play("rtsp://example.com/stream")
	var ae *audio.AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("Play() error = %v, want *AdapterError", err)
	}
	if ae.Kind != audio.UnsupportedFormat {
		t.Errorf("Kind = %v, want UnsupportedFormat", ae.Kind)
	}
	if ae.Recoverable() {
		t.Error("unsupported format should not be recoverable")
	}
}

func TestSelectorAdapterDelegates(t *testing.T) {
	backend := &stubBackend{name: "http", supports: audio.IsHTTP}
	a := audio.NewSelector(backend).New(func(audio.Event) {})

	if err := a.TogglePlayPause(true); err != nil {
		t.Fatalf("TogglePlayPause() before Play error = %v", err)
	}

	if err := a.Play("http://example.com/a.mp3"); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := a.Play("http://example.com/b.mp3"); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if len(backend.made) != 2 {
		t.Fatalf("adapters made = %d, want 2", len(backend.made))
	}
	if backend.made[0].destroyed != 1 {
		t.Error("previous inner adapter should be destroyed on re-Play")
	}

	if err := a.TogglePlayPause(true); err != nil {
		t.Fatalf("TogglePlayPause() error = %v", err)
	}
	if got := backend.made[1].toggles; len(got) != 1 || !got[0] {
		t.Errorf("toggles = %v, want [true]", got)
	}

	a.Destroy()
	a.Destroy()
	if backend.made[1].destroyed != 1 {
		t.Errorf("inner destroyed %d times, want 1", backend.made[1].destroyed)
	}
	if err := a.Play("http://example.com/c.mp3"); err == nil {
		t.Error("Play() after Destroy should fail")
	}
}

func TestSelectorFallsThroughOnRejectedFormat(t *testing.T) {
	const url = "http://example.com/live"
	first := &stubBackend{name: "speaker", supports: audio.IsHTTP, onPlay: rejectFormat}
	second := &stubBackend{name: "mpd", supports: audio.IsHTTP, onPlay: startPlaying}

	rec := newEventRecorder()
	a := audio.NewSelector(first, second).New(rec.listener)
	defer a.Destroy()

	if err := a.Play(url); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if ev := rec.next(t); ev.Err != nil || !ev.Playing {
		t.Fatalf("event = %+v, want playing from the next back end", ev)
	}

	made := first.adapters()
	if len(made) != 1 {
		t.Fatalf("first back end adapters = %d, want 1", len(made))
	}
	if _, destroyed := made[0].stats(); destroyed != 1 {
		t.Errorf("rejecting adapter destroyed %d times, want 1", destroyed)
	}

	made = second.adapters()
	if len(made) != 1 {
		t.Fatalf("second back end adapters = %d, want 1", len(made))
	}
	if played, _ := made[0].stats(); len(played) != 1 || played[0] != url {
		t.Errorf("second back end played %v", played)
	}

	if err := a.TogglePlayPause(true); err != nil {
		t.Fatalf("TogglePlayPause() error = %v", err)
	}
	made[0].mu.Lock()
	toggles := append([]bool(nil), made[0].toggles...)
	made[0].mu.Unlock()
	if len(toggles) != 1 {
		t.Errorf("toggles on playing back end = %v, want one", toggles)
	}
}

func TestSelectorFallsThroughOnImmediateRejection(t *testing.T) {
	first := &stubBackend{name: "speaker", supports: audio.IsHTTP, playErr: errRejected}
	second := &stubBackend{name: "mpd", supports: audio.IsHTTP}

	a := audio.NewSelector(first, second).New(func(audio.Event) {})
	defer a.Destroy()

	if err := a.Play("http://example.com/live"); err != nil {
		t.Fatalf("Play() error = %v, want fall-through", err)
	}
	if n := len(second.adapters()); n != 1 {
		t.Errorf("second back end adapters = %d, want 1", n)
	}
}

func TestSelectorKeepsErrorsAfterAudio(t *testing.T) {
	first := &stubBackend{name: "speaker", supports: audio.IsHTTP, onPlay: func(a *stubAdapter) {
		startPlaying(a)
		rejectFormat(a)
	}}
	second := &stubBackend{name: "mpd", supports: audio.IsHTTP}

	rec := newEventRecorder()
	a := audio.NewSelector(first, second).New(rec.listener)
	defer a.Destroy()

	if err := a.Play("http://example.com/live"); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := rec.waitErr(t); err.Kind != audio.UnsupportedFormat {
		t.Errorf("Kind = %v, want UnsupportedFormat", err.Kind)
	}
	if n := len(second.adapters()); n != 0 {
		t.Errorf("second back end adapters = %d, want 0", n)
	}
}

func TestSelectorNetworkErrorsAreNotDiverted(t *testing.T) {
	first := &stubBackend{name: "speaker", supports: audio.IsHTTP, onPlay: func(a *stubAdapter) {
		a.emit(audio.Event{Err: &audio.AdapterError{Kind: audio.NetworkError, Err: errors.New("refused")}})
	}}
	second := &stubBackend{name: "mpd", supports: audio.IsHTTP}

	rec := newEventRecorder()
	a := audio.NewSelector(first, second).New(rec.listener)
	defer a.Destroy()

	if err := a.Play("http://example.com/live"); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := rec.waitErr(t); err.Kind != audio.NetworkError {
		t.Errorf("Kind = %v, want NetworkError", err.Kind)
	}
	if n := len(second.adapters()); n != 0 {
		t.Errorf("second back end adapters = %d, want 0", n)
	}
}

func TestSelectorAllBackendsReject(t *testing.T) {
	first := &stubBackend{name: "speaker", supports: audio.IsHTTP, onPlay: rejectFormat}
	second := &stubBackend{name: "mpd", supports: audio.IsHTTP, onPlay: rejectFormat}

	rec := newEventRecorder()
	a := audio.NewSelector(first, second).New(rec.listener)
	defer a.Destroy()

	if err := a.Play("http://example.com/live"); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := rec.waitErr(t); err.Kind != audio.UnsupportedFormat {
		t.Errorf("Kind = %v, want UnsupportedFormat", err.Kind)
	}
	rec.expectNone(t, 50*time.Millisecond)
	if n := len(second.adapters()); n != 1 {
		t.Errorf("second back end adapters = %d, want 1", n)
	}
}

func TestAdapterErrorKinds(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		kind        audio.ErrorKind
		name        string
		recoverable bool
	}{
		{audio.NetworkError, "network", true},
		{audio.MediaError, "media", true},
		{audio.UnsupportedFormat, "unsupported_format", false},
	}
	for _, tt := range tests {
		err := &audio.AdapterError{Kind: tt.kind, Err: cause}
		if err.Kind.String() != tt.name {
			t.Errorf("String() = %q, want %q", err.Kind.String(), tt.name)
		}
		if err.Recoverable() != tt.recoverable {
			t.Errorf("%s Recoverable() = %v", tt.name, err.Recoverable())
		}
		if !errors.Is(err, cause) {
			t.Errorf("%s does not unwrap to cause", tt.name)
		}
	}
}

func TestURLClassification(t *testing.T) {
	tests := []struct {
		url  string
		http bool
		hls  bool
	}{
		{"https://example.com/stream.mp3", true, false},
		{"http://example.com/hls/Playlist.M3U8?token=x", true, true},
		{"ftp://example.com/file.mp3", false, false},
		{"not a url", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		if got := audio.IsHTTP(tt.url); got != tt.http {
			t.Errorf("IsHTTP(%q) = %v, want %v", tt.url, got, tt.http)
		}
		if got := audio.IsHLS(tt.url); got != tt.hls {
			t.Errorf("IsHLS(%q) = %v, want %v", tt.url, got, tt.hls)
		}
	}
}
