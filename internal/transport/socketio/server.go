// Package socketio provides the Socket.io server the presentation layer
// talks to: playback commands in, snapshot pushes out.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/edumarques81/stellar-stream/internal/domain/discovery"
	"github.com/edumarques81/stellar-stream/internal/domain/player"
	"github.com/edumarques81/stellar-stream/internal/domain/stream"
)

const (
	defaultBroadcastWindow = 50 * time.Millisecond
	defaultCommandTimeout  = 5 * time.Second
)

// ErrNoDiscovery is reported to clients when discovery is not configured.
var ErrNoDiscovery = errors.New("discovery not configured")

// Player is the playback surface the server drives.
type Player interface {
	PlayStream(ctx context.Context, d stream.Descriptor) error
	TogglePlayPause(ctx context.Context) error
	CleanupAudio(ctx context.Context) error
	Snapshot() player.Snapshot
	Subscribe(fn func(player.Snapshot)) (cancel func())
}

// Describer produces discovery descriptions.
type Describer interface {
	GetDescription(ctx context.Context, artist, track, album string) (*discovery.Result, error)
}

// TrackInfo is the pushTrackInfo payload.
type TrackInfo struct {
	Artist      string `json:"artist"`
	Track       string `json:"track"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	Error       string `json:"error,omitempty"`
	Status      int    `json:"status"`
}

// Server handles Socket.io connections and events.
type Server struct {
	io        *socket.Server
	player    Player
	catalog   *stream.Catalog
	describer Describer
	limiter   *ClientLimiter
	debouncer *BroadcastDebouncer
	timeout   time.Duration
	backends  []string

	mu          sync.RWMutex
	clients     map[string]*socket.Socket
	last        *player.Snapshot
	unsubscribe func()
}

// Option configures a Server.
type Option func(*Server)

// WithDescriber enables getTrackInfo.
func WithDescriber(d Describer) Option {
	return func(s *Server) {
		s.describer = d
	}
}

// WithBackends lists the audio back ends reported by getSystemInfo.
func WithBackends(names []string) Option {
	return func(s *Server) {
		s.backends = names
	}
}

// WithMaxRemoteClients caps concurrent non-loopback clients.
func WithMaxRemoteClients(n int) Option {
	return func(s *Server) {
		s.limiter = NewClientLimiter(n)
	}
}

// WithBroadcastWindow sets the snapshot coalescing window.
func WithBroadcastWindow(d time.Duration) Option {
	return func(s *Server) {
		s.debouncer = NewBroadcastDebouncer(d, s.BroadcastState, s.BroadcastNowPlaying)
	}
}

// NewServer creates a new Socket.io server.
func NewServer(p Player, catalog *stream.Catalog, opts ...Option) (*Server, error) {
	if catalog == nil {
		var err error
		if catalog, err = stream.NewCatalog(nil); err != nil {
			return nil, err
		}
	}

	ioOpts := socket.DefaultServerOptions()
	ioOpts.SetPingTimeout(20 * time.Second)
	ioOpts.SetPingInterval(25 * time.Second)
	ioOpts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})

	s := &Server{
		io:      socket.NewServer(nil, ioOpts),
		player:  p,
		catalog: catalog,
		limiter: NewClientLimiter(DefaultMaxRemoteClients),
		timeout: defaultCommandTimeout,
		clients: make(map[string]*socket.Socket),
	}
	s.debouncer = NewBroadcastDebouncer(defaultBroadcastWindow, s.BroadcastState, s.BroadcastNowPlaying)

	for _, opt := range opts {
		opt(s)
	}

	s.setupHandlers()

	return s, nil
}

// Start subscribes to playback snapshots and broadcasts their changes.
func (s *Server) Start() {
	cancel := s.player.Subscribe(s.onSnapshot)

	s.mu.Lock()
	s.unsubscribe = cancel
	s.mu.Unlock()
}

func (s *Server) setupHandlers() {
	s.io.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		clientID := string(client.Id())
		addr := client.Handshake().Address

		log.Info().Str("id", clientID).Str("addr", addr).Msg("Client connected")

		s.mu.Lock()
		s.clients[clientID] = client
		s.mu.Unlock()

		if evicted := s.limiter.Admit(clientID, addr); evicted != "" {
			s.evict(evicted)
		}

		// Send initial state after small delay
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.pushState(client)
			s.pushStreams(client)
		}()

		client.On("disconnect", func(args ...any) {
			reason := ""
			if len(args) > 0 {
				if r, ok := args[0].(string); ok {
					reason = r
				}
			}
			log.Info().Str("id", clientID).Str("reason", reason).Msg("Client disconnected")

			s.limiter.Release(clientID)
			s.mu.Lock()
			delete(s.clients, clientID)
			s.mu.Unlock()
		})

		client.On("getState", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("getState")
			s.pushState(client)
		})

		client.On("getStreams", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("getStreams")
			s.pushStreams(client)
		})

		client.On("playStream", func(args ...any) {
			id := stringField(args, "id")
			log.Debug().Str("id", clientID).Str("stream", id).Msg("playStream")

			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := s.PlayStream(ctx, id); err != nil {
				log.Error().Err(err).Str("stream", id).Msg("PlayStream failed")
				s.pushState(client)
			}
		})

		client.On("togglePlayPause", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("togglePlayPause")

			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := s.player.TogglePlayPause(ctx); err != nil {
				log.Error().Err(err).Msg("TogglePlayPause failed")
			}
		})

		client.On("stop", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("stop")

			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := s.player.CleanupAudio(ctx); err != nil {
				log.Error().Err(err).Msg("CleanupAudio failed")
			}
		})

		client.On("getSystemInfo", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("getSystemInfo")
			client.Emit("pushSystemInfo", s.SystemInfo())
		})

		client.On("getTrackInfo", func(args ...any) {
			artist := stringField(args, "artist")
			track := stringField(args, "track")
			album := stringField(args, "album")
			log.Debug().Str("id", clientID).Str("artist", artist).Str("track", track).Msg("getTrackInfo")

			// Generation can take seconds; keep the client's event loop free.
			go func() {
				info := s.TrackInfo(context.Background(), artist, track, album)
				client.Emit("pushTrackInfo", info)
			}()
		})
	})
}

// PlayStream resolves id against the catalog and plays it.
func (s *Server) PlayStream(ctx context.Context, id string) error {
	d, err := s.catalog.Get(id)
	if err != nil {
		return err
	}
	return s.player.PlayStream(ctx, d)
}

// TrackInfo runs a discovery lookup and shapes the result for clients.
func (s *Server) TrackInfo(ctx context.Context, artist, track, album string) TrackInfo {
	info := TrackInfo{Artist: artist, Track: track}

	if s.describer == nil {
		info.Error = ErrNoDiscovery.Error()
		info.Status = http.StatusServiceUnavailable
		return info
	}

	res, err := s.describer.GetDescription(ctx, artist, track, album)
	info.Status = discovery.StatusCode(err)
	if err != nil {
		log.Warn().Err(err).Str("artist", artist).Str("track", track).Msg("Track info failed")
		info.Error = err.Error()
		return info
	}

	info.Description = res.Description
	info.Source = res.Source
	return info
}

func (s *Server) onSnapshot(snap player.Snapshot) {
	s.mu.Lock()
	state, nowPlaying := diffSnapshots(s.last, &snap)
	s.last = &snap
	s.mu.Unlock()

	if nowPlaying {
		s.debouncer.Trigger(ChangeNowPlaying)
	} else if state {
		s.debouncer.Trigger(ChangeState)
	}
}

// diffSnapshots reports whether the state-level fields or the now-playing
// metadata differ between two snapshots.
func diffSnapshots(prev, next *player.Snapshot) (state, nowPlaying bool) {
	if prev == nil {
		return true, next.Metadata != nil
	}

	state = prev.State != next.State ||
		streamID(prev.Stream) != streamID(next.Stream) ||
		prev.Error != next.Error ||
		prev.Format.String() != next.Format.String()
	nowPlaying = !prev.Metadata.Equal(next.Metadata)
	return state, nowPlaying
}

func streamID(d *stream.Descriptor) string {
	if d == nil {
		return ""
	}
	return d.ID
}

func (s *Server) evict(id string) {
	s.mu.RLock()
	client, ok := s.clients[id]
	s.mu.RUnlock()

	if !ok {
		return
	}
	log.Info().Str("id", id).Msg("Evicting oldest remote client")
	client.Disconnect(true)
}

func (s *Server) pushState(client *socket.Socket) {
	client.Emit("pushState", s.player.Snapshot())
}

func (s *Server) pushStreams(client *socket.Socket) {
	client.Emit("pushStreams", s.catalog.All())
}

// BroadcastState sends the current snapshot to all connected clients.
func (s *Server) BroadcastState() {
	snap := s.player.Snapshot()
	s.io.Emit("pushState", snap)

	if log.Debug().Enabled() {
		data, _ := json.Marshal(snap)
		s.mu.RLock()
		clientCount := len(s.clients)
		s.mu.RUnlock()
		log.Debug().RawJSON("state", data).Int("clients", clientCount).Msg("Broadcast state")
	}
}

// BroadcastNowPlaying sends the current metadata to all connected clients.
func (s *Server) BroadcastNowPlaying() {
	s.io.Emit("pushNowPlaying", s.player.Snapshot().Metadata)
}

// BroadcastStreams sends the catalog to all connected clients.
func (s *Server) BroadcastStreams() {
	s.io.Emit("pushStreams", s.catalog.All())
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeHTTP implements http.Handler for the Socket.io server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.io.ServeHandler(nil).ServeHTTP(w, r)
}

// Close stops broadcasting and closes the Socket.io server.
func (s *Server) Close() error {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.debouncer.Stop()
	s.io.Close(nil)
	return nil
}

// stringField reads key from the first event argument when it is an object.
// A bare string argument is accepted for "id".
func stringField(args []any, key string) string {
	if len(args) == 0 {
		return ""
	}
	switch v := args[0].(type) {
	case map[string]interface{}:
		str, _ := v[key].(string)
		return str
	case string:
		if key == "id" {
			return v
		}
	}
	return ""
}
