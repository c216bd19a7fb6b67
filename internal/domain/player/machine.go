package player

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-stream/internal/audio"
	"github.com/edumarques81/stellar-stream/internal/domain/stream"
	"github.com/edumarques81/stellar-stream/internal/infra/nowplaying"
)

const (
	// DefaultLoadTimeout bounds how long a stream may stay Loading.
	DefaultLoadTimeout = 10 * time.Second

	// DefaultPollInterval is the now-playing refresh period.
	DefaultPollInterval = 6 * time.Second

	lastPlayedTimeout = 5 * time.Second
)

// Fetcher fetches now-playing metadata. A nil result with a nil error means
// the endpoint has no track information.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*nowplaying.Metadata, error)
}

// RelayFeed pushes now-playing updates for relay-backed streams.
type RelayFeed interface {
	Subscribe(fn func(*nowplaying.Metadata)) (cancel func())
}

// LastPlayedStore persists the id of the last stream that started playing.
type LastPlayedStore interface {
	SaveLastStream(ctx context.Context, id string) error
	LastStream(ctx context.Context) (string, error)
}

// Config holds the machine timings.
type Config struct {
	LoadTimeout  time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		LoadTimeout:  DefaultLoadTimeout,
		PollInterval: DefaultPollInterval,
	}
}

// Option configures a Machine.
type Option func(*Machine)

// WithRelay sets the metadata relay used by relay-backed streams.
func WithRelay(feed RelayFeed) Option {
	return func(m *Machine) {
		m.relay = feed
	}
}

// WithLastPlayed sets the store for the last played stream id.
func WithLastPlayed(store LastPlayedStore) Option {
	return func(m *Machine) {
		m.lastPlayed = store
	}
}

// session is the state of one playback generation. It is owned by the loop
// goroutine and never touched elsewhere.
type session struct {
	gen         string
	stream      *stream.Descriptor
	state       State
	adapter     audio.Adapter
	pollCancel  context.CancelFunc
	relayCancel func()
	deadline    *time.Timer
	metadata    *nowplaying.Metadata
	format      *audio.Format
	played      bool
}

// Machine is the playback state machine. Every command and every adapter,
// poll or timer event is serialised through a single loop goroutine, so the
// session needs no locks. Events carry the generation they were created for
// and are dropped once that generation has been torn down.
type Machine struct {
	cfg        Config
	factory    audio.Factory
	fetcher    Fetcher
	relay      RelayFeed
	lastPlayed LastPlayedStore

	queue   mailbox
	done    chan struct{}
	stopped chan struct{}
	started atomic.Bool
	closed  atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once

	// Loop-owned.
	s            session
	errMsg       string
	lastStreamID string

	// Live metadata poll goroutines.
	pollers atomic.Int32

	mu      sync.RWMutex
	snap    Snapshot
	subs    map[int]func(Snapshot)
	nextSub int
}

// NewMachine creates a machine. Call Start before issuing commands.
func NewMachine(factory audio.Factory, fetcher Fetcher, cfg Config, opts ...Option) *Machine {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	m := &Machine{
		cfg:     cfg,
		factory: factory,
		fetcher: fetcher,
		queue:   mailbox{notify: make(chan struct{}, 1)},
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    make(map[int]func(Snapshot)),
		snap:    Snapshot{State: Idle},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start loads the last played stream id and launches the event loop.
func (m *Machine) Start() {
	m.startOnce.Do(func() {
		if m.lastPlayed != nil {
			ctx, cancel := context.WithTimeout(context.Background(), lastPlayedTimeout)
			id, err := m.lastPlayed.LastStream(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to load last played stream")
			} else if id != "" {
				m.lastStreamID = id
				m.mu.Lock()
				m.snap.LastStreamID = id
				m.mu.Unlock()
			}
		}

		m.started.Store(true)
		go m.loop()
		log.Info().Msg("Player started")
	})
}

// Close tears down the session and stops the loop.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.done)
		if m.started.Load() {
			<-m.stopped
		}
		log.Info().Msg("Player stopped")
	})
}

func (m *Machine) loop() {
	defer close(m.stopped)

	for {
		select {
		case <-m.done:
			m.teardown()
			return
		case <-m.queue.notify:
			for _, fn := range m.queue.drain() {
				fn()
			}
		}
	}
}

// do runs fn on the loop and waits for its result.
func (m *Machine) do(ctx context.Context, fn func() error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.started.Load() {
		return ErrNotStarted
	}

	errCh := make(chan error, 1)
	m.queue.push(func() { errCh <- fn() })

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrClosed
	}
}

// PlayStream binds d to the session. Requesting the active stream again
// toggles play/pause instead of reloading. Any other stream replaces the
// current session only after it has been completely torn down.
//
// Adapter failures are absorbed into the state; only ErrConfiguration and
// loop errors are returned.
func (m *Machine) PlayStream(ctx context.Context, d stream.Descriptor) error {
	return m.do(ctx, func() error {
		return m.playStream(d)
	})
}

// TogglePlayPause asks the adapter to flip play/pause. It is a no-op while
// Loading or Idle. The resulting state follows the adapter's next event.
func (m *Machine) TogglePlayPause(ctx context.Context) error {
	return m.do(ctx, m.toggle)
}

// CleanupAudio stops playback and releases every session resource. It is a
// no-op when already idle.
func (m *Machine) CleanupAudio(ctx context.Context) error {
	return m.do(ctx, func() error {
		m.cleanup()
		return nil
	})
}

// Snapshot returns the current session view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Subscribe registers fn for every published snapshot. fn runs on the loop
// goroutine and must not block or call back into the machine synchronously.
func (m *Machine) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Machine) playStream(d stream.Descriptor) error {
	if d.Same(m.s.stream) {
		return m.toggle()
	}

	m.teardown()

	if d.StreamURL == "" {
		err := fmt.Errorf("%w: stream %q has no stream url", ErrConfiguration, d.ID)
		log.Warn().Str("stream", d.ID).Msg("Stream has no stream url")
		m.errMsg = err.Error()
		m.publish()
		return err
	}

	gen := uuid.NewString()
	m.s = session{
		gen:    gen,
		stream: &d,
		state:  Loading,
	}
	m.errMsg = ""
	m.publish()

	log.Info().Str("stream", d.ID).Str("generation", gen).Msg("Loading stream")

	m.s.deadline = time.AfterFunc(m.cfg.LoadTimeout, func() {
		m.queue.push(func() { m.onDeadline(gen) })
	})

	adapter := m.factory.New(func(ev audio.Event) {
		m.queue.push(func() { m.onAdapterEvent(gen, ev) })
	})
	m.s.adapter = adapter

	if d.MetadataURL != "" && m.fetcher != nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.s.pollCancel = cancel
		m.pollers.Add(1)
		go m.poll(ctx, gen, d.MetadataURL)
	}

	if d.Relay && m.relay != nil {
		m.s.relayCancel = m.relay.Subscribe(func(md *nowplaying.Metadata) {
			m.queue.push(func() { m.onMetadata(gen, md, nil) })
		})
	}

	if err := adapter.Play(d.StreamURL); err != nil {
		m.fail(err)
	}
	return nil
}

func (m *Machine) toggle() error {
	if m.s.adapter == nil {
		return nil
	}

	switch m.s.state {
	case Playing, Paused:
	default:
		return nil
	}

	if err := m.s.adapter.TogglePlayPause(m.s.state == Playing); err != nil {
		log.Warn().Err(err).Str("stream", m.s.stream.ID).Msg("Toggle play/pause failed")
		return fmt.Errorf("toggle play/pause: %w", err)
	}
	return nil
}

func (m *Machine) cleanup() {
	if m.s.stream == nil && m.s.adapter == nil && m.errMsg == "" {
		return
	}

	m.teardown()
	m.errMsg = ""
	m.publish()
	log.Info().Msg("Playback stopped")
}

// teardown releases the deadline, the poll, the relay subscription and the
// adapter, then resets the session to Idle. It does not publish.
func (m *Machine) teardown() {
	if m.s.deadline != nil {
		m.s.deadline.Stop()
	}
	if m.s.pollCancel != nil {
		m.s.pollCancel()
	}
	if m.s.relayCancel != nil {
		m.s.relayCancel()
	}
	if m.s.adapter != nil {
		m.s.adapter.Destroy()
	}
	m.s = session{state: Idle}
}

// fail publishes Failed, tears down and settles in Idle with err recorded.
func (m *Machine) fail(err error) {
	id := ""
	if m.s.stream != nil {
		id = m.s.stream.ID
	}
	log.Warn().Err(err).Str("stream", id).Msg("Playback failed")

	m.errMsg = err.Error()
	m.s.state = Failed
	m.publish()

	m.teardown()
	m.publish()
}

func (m *Machine) onDeadline(gen string) {
	if gen != m.s.gen || m.s.state != Loading {
		return
	}
	m.fail(ErrLoadTimeout)
}

func (m *Machine) onAdapterEvent(gen string, ev audio.Event) {
	if gen != m.s.gen || m.s.adapter == nil {
		return
	}

	switch {
	case ev.Err != nil:
		m.fail(ev.Err)

	case ev.Ended:
		log.Info().Str("stream", m.s.stream.ID).Msg("Stream ended")
		m.teardown()
		m.errMsg = ""
		m.publish()

	case ev.Playing:
		changed := false
		if ev.Format != nil && (m.s.format == nil || *ev.Format != *m.s.format) {
			m.s.format = ev.Format
			changed = true
		}
		if m.s.state != Playing {
			if m.s.deadline != nil {
				m.s.deadline.Stop()
				m.s.deadline = nil
			}
			m.s.state = Playing
			changed = true
			log.Info().Str("stream", m.s.stream.ID).Msg("Stream playing")
		}
		if !m.s.played {
			m.s.played = true
			m.saveLastPlayed(m.s.stream.ID)
		}
		if changed {
			m.publish()
		}

	case ev.Loaded && m.s.state == Playing:
		m.s.state = Paused
		m.publish()
	}
}

func (m *Machine) onMetadata(gen string, md *nowplaying.Metadata, err error) {
	if gen != m.s.gen {
		return
	}
	if err != nil {
		// Keep the last good metadata.
		log.Debug().Err(err).Str("stream", m.s.stream.ID).Msg("Keeping stale now-playing metadata")
		return
	}
	if md == nil || md.Equal(m.s.metadata) {
		return
	}
	m.s.metadata = md
	m.publish()
}

func (m *Machine) poll(ctx context.Context, gen, url string) {
	defer m.pollers.Add(-1)

	fetch := func() {
		md, err := m.fetcher.Fetch(ctx, url)
		if ctx.Err() != nil {
			return
		}
		m.queue.push(func() { m.onMetadata(gen, md, err) })
	}

	fetch()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetch()
		}
	}
}

func (m *Machine) saveLastPlayed(id string) {
	m.lastStreamID = id
	if m.lastPlayed == nil {
		return
	}

	store := m.lastPlayed
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lastPlayedTimeout)
		defer cancel()
		if err := store.SaveLastStream(ctx, id); err != nil {
			log.Warn().Err(err).Str("stream", id).Msg("Failed to save last played stream")
		}
	}()
}

// publish stores a snapshot of the session and notifies subscribers.
func (m *Machine) publish() {
	snap := Snapshot{
		State:        m.s.state,
		Error:        m.errMsg,
		LastStreamID: m.lastStreamID,
		Format:       m.s.format,
	}
	if m.s.stream != nil {
		d := *m.s.stream
		snap.Stream = &d
	}
	if m.s.metadata != nil {
		md := *m.s.metadata
		snap.Metadata = &md
	}

	m.mu.Lock()
	m.snap = snap
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// resources reports which session resources are held, for leak checks.
type resources struct {
	Adapter  bool
	Poll     bool
	Relay    bool
	Deadline bool
	Pollers  int
}

func (m *Machine) resources(ctx context.Context) (resources, error) {
	var r resources
	err := m.do(ctx, func() error {
		r = resources{
			Adapter:  m.s.adapter != nil,
			Poll:     m.s.pollCancel != nil,
			Relay:    m.s.relayCancel != nil,
			Deadline: m.s.deadline != nil,
		}
		return nil
	})
	r.Pollers = int(m.pollers.Load())
	return r, err
}

// mailbox is an unbounded FIFO of loop tasks. push never blocks, so adapters
// may emit from any goroutine, including from inside a command.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	notify chan struct{}
}

func (q *mailbox) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *mailbox) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
