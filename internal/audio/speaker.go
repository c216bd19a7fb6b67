package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-stream/internal/version"
)

// SpeakerBufferSize is the output buffer handed to the sound card.
const SpeakerBufferSize = 250 * time.Millisecond

// DefaultReloadTimeout bounds how long a reload may take to bring audio back.
const DefaultReloadTimeout = 10 * time.Second

// ErrReloadStalled is reported when a reload produces no audio in time.
var ErrReloadStalled = errors.New("reload produced no audio in time")

// Sink is the audio output the speaker back end plays into.
type Sink interface {
	Init(sampleRate beep.SampleRate) error
	Play(s beep.Streamer)
	Clear()
	Lock()
	Unlock()
}

// speakerSink drives the system sound card, re-initialising it when the
// sample rate changes between streams.
type speakerSink struct {
	mu          sync.Mutex
	initialized bool
	rate        beep.SampleRate
}

// NewSpeakerSink returns a Sink backed by the system sound card.
func NewSpeakerSink() Sink {
	return &speakerSink{}
}

func (s *speakerSink) Init(sampleRate beep.SampleRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized && s.rate == sampleRate {
		return nil
	}
	if err := speaker.Init(sampleRate, sampleRate.N(SpeakerBufferSize)); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}
	s.initialized = true
	s.rate = sampleRate
	log.Debug().Int("sampleRate", int(sampleRate)).Msg("Speaker initialized")
	return nil
}

func (s *speakerSink) Play(st beep.Streamer) { speaker.Play(st) }
func (s *speakerSink) Clear()                { speaker.Clear() }
func (s *speakerSink) Lock()                 { speaker.Lock() }
func (s *speakerSink) Unlock()               { speaker.Unlock() }

// SpeakerBackend decodes progressive MP3 streams locally.
type SpeakerBackend struct {
	client        *http.Client
	sink          Sink
	reloadTimeout time.Duration
}

// SpeakerOption configures a SpeakerBackend.
type SpeakerOption func(*SpeakerBackend)

// WithSpeakerHTTPClient sets the HTTP client used to open streams.
func WithSpeakerHTTPClient(c *http.Client) SpeakerOption {
	return func(b *SpeakerBackend) {
		b.client = c
	}
}

// WithSink replaces the sound card output.
func WithSink(s Sink) SpeakerOption {
	return func(b *SpeakerBackend) {
		b.sink = s
	}
}

// WithReloadTimeout bounds the one automatic reload after a stream error.
func WithReloadTimeout(d time.Duration) SpeakerOption {
	return func(b *SpeakerBackend) {
		b.reloadTimeout = d
	}
}

// NewSpeakerBackend creates a speaker back end.
func NewSpeakerBackend(opts ...SpeakerOption) *SpeakerBackend {
	b := &SpeakerBackend{
		// No overall timeout: the body is read for as long as the stream plays.
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
		reloadTimeout: DefaultReloadTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sink == nil {
		b.sink = NewSpeakerSink()
	}
	return b
}

// Name implements Backend.
func (b *SpeakerBackend) Name() string { return "speaker" }

// Supports reports true for progressive http(s) urls. HLS needs MPD.
func (b *SpeakerBackend) Supports(rawURL string) bool {
	return IsHTTP(rawURL) && !IsHLS(rawURL)
}

// New implements Factory.
func (b *SpeakerBackend) New(listener Listener) Adapter {
	return &speakerAdapter{
		backend: b,
		emitter: emitter{listener: listener},
	}
}

type speakerAdapter struct {
	emitter
	backend  *SpeakerBackend
	recovery recovery

	mu        sync.Mutex
	cancel    context.CancelFunc
	ctrl      *beep.Ctrl
	streamer  beep.StreamSeekCloser
	destroyed bool
}

func (a *speakerAdapter) Play(rawURL string) error {
	if !a.backend.Supports(rawURL) {
		return &AdapterError{Kind: UnsupportedFormat, Err: fmt.Errorf("speaker back end cannot play %q", rawURL)}
	}

	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		cancel()
		return &AdapterError{Kind: NetworkError, Err: errors.New("adapter destroyed")}
	}
	a.cancel = cancel
	a.mu.Unlock()

	go a.run(ctx, rawURL)
	return nil
}

func (a *speakerAdapter) run(ctx context.Context, rawURL string) {
	reloading := false
	for {
		err := a.attempt(ctx, rawURL, reloading)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Debug().Str("url", rawURL).Msg("Stream finished")
			a.emit(Event{Ended: true})
			return
		}
		if a.recovery.allow(err) {
			log.Warn().Err(err).Str("url", rawURL).Msg("Stream error, reloading once")
			reloading = true
			continue
		}
		log.Error().Err(err).Str("url", rawURL).Msg("Stream failed")
		a.emit(Event{Err: err})
		return
	}
}

// attempt plays rawURL once. A reload must produce audio within the reload
// timeout; the first load is bounded by the caller.
func (a *speakerAdapter) attempt(ctx context.Context, rawURL string, reloading bool) *AdapterError {
	if !reloading || a.backend.reloadTimeout <= 0 {
		return a.stream(ctx, rawURL, nil)
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 0 waiting, 1 audio flowing, 2 stalled.
	var phase atomic.Int32
	timer := time.AfterFunc(a.backend.reloadTimeout, func() {
		if phase.CompareAndSwap(0, 2) {
			cancel()
		}
	})
	defer timer.Stop()

	err := a.stream(rctx, rawURL, func() { phase.CompareAndSwap(0, 1) })
	if phase.Load() == 2 && ctx.Err() == nil {
		return &AdapterError{Kind: NetworkError, Err: ErrReloadStalled}
	}
	return err
}

// stream plays rawURL once. It returns nil when finite media ends normally.
// onAudio, if set, runs when the first samples reach the output.
func (a *speakerAdapter) stream(ctx context.Context, rawURL string, onAudio func()) *AdapterError {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &AdapterError{Kind: UnsupportedFormat, Err: err}
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "audio/*")

	resp, err := a.backend.client.Do(req)
	if err != nil {
		return &AdapterError{Kind: NetworkError, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return &AdapterError{Kind: NetworkError, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if ct := resp.Header.Get("Content-Type"); !playableContentType(ct) {
		resp.Body.Close()
		return &AdapterError{Kind: UnsupportedFormat, Err: fmt.Errorf("unsupported content type %q", ct)}
	}

	streamer, format, err := mp3.Decode(resp.Body)
	if err != nil {
		resp.Body.Close()
		return &AdapterError{Kind: MediaError, Err: fmt.Errorf("decode: %w", err)}
	}
	defer streamer.Close()

	if err := a.backend.sink.Init(format.SampleRate); err != nil {
		return &AdapterError{Kind: MediaError, Err: err}
	}

	desc := &Format{
		SampleRate: int(format.SampleRate),
		BitDepth:   format.Precision * 8,
		Channels:   format.NumChannels,
		Codec:      "MP3",
		Backend:    a.backend.Name(),
	}

	ctrl := &beep.Ctrl{Streamer: &firstSamples{
		Streamer: streamer,
		fn: func() {
			if onAudio != nil {
				onAudio()
			}
			a.emit(Event{Loaded: true, Playing: true, Format: desc})
		},
	}}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	a.ctrl = ctrl
	a.streamer = streamer
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.ctrl = nil
		a.streamer = nil
		a.mu.Unlock()
	}()

	done := make(chan struct{})
	a.backend.sink.Play(beep.Seq(ctrl, beep.Callback(func() {
		close(done)
	})))

	select {
	case <-ctx.Done():
		a.backend.sink.Lock()
		ctrl.Streamer = nil
		a.backend.sink.Unlock()
		return nil
	case <-done:
	}

	if err := streamer.Err(); err != nil {
		return classifyReadError(err)
	}
	if resp.ContentLength <= 0 {
		// A live stream has no natural end.
		return &AdapterError{Kind: NetworkError, Err: io.ErrUnexpectedEOF}
	}
	return nil
}

func (a *speakerAdapter) TogglePlayPause(currentlyPlaying bool) error {
	a.mu.Lock()
	ctrl := a.ctrl
	a.mu.Unlock()

	if ctrl == nil {
		return nil
	}

	a.backend.sink.Lock()
	ctrl.Paused = currentlyPlaying
	a.backend.sink.Unlock()

	a.emit(Event{Loaded: true, Playing: !currentlyPlaying})
	return nil
}

func (a *speakerAdapter) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	cancel, ctrl, streamer := a.cancel, a.ctrl, a.streamer
	a.mu.Unlock()

	a.detach()
	if cancel != nil {
		cancel()
	}
	if ctrl != nil {
		a.backend.sink.Lock()
		ctrl.Streamer = nil
		a.backend.sink.Unlock()
		a.backend.sink.Clear()
	}
	if streamer != nil {
		streamer.Close()
	}
}

// firstSamples calls fn once the first decoded samples reach the output.
type firstSamples struct {
	beep.Streamer
	once sync.Once
	fn   func()
}

func (f *firstSamples) Stream(samples [][2]float64) (int, bool) {
	n, ok := f.Streamer.Stream(samples)
	if n > 0 {
		// The output holds its lock while streaming.
		f.once.Do(func() { go f.fn() })
	}
	return n, ok
}

// playableContentType accepts MP3 and unlabelled bodies.
func playableContentType(ct string) bool {
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	if isHLSContentType(mediaType) {
		return false
	}
	switch mediaType {
	case "audio/mpeg", "audio/mp3", "audio/x-mpeg", "audio/mpeg3", "application/octet-stream":
		return true
	default:
		return false
	}
}

func classifyReadError(err error) *AdapterError {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &AdapterError{Kind: NetworkError, Err: err}
	}
	return &AdapterError{Kind: MediaError, Err: err}
}
