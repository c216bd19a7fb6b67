// Package relay is a client for the metadata relay: a WebSocket server that
// sends the last known now-playing JSON on connect and pushes every update.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-stream/internal/infra/nowplaying"
	"github.com/edumarques81/stellar-stream/internal/version"
)

const (
	// DefaultInitialBackoff is the first reconnect delay.
	DefaultInitialBackoff = time.Second

	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 30 * time.Second

	// DefaultMaxAttempts is how many consecutive failed dials are tolerated
	// before the client gives up.
	DefaultMaxAttempts = 5

	maxMessageBytes = 64 * 1024
)

var (
	// ErrNoURL is returned by Connect when no relay url is configured.
	ErrNoURL = errors.New("relay url not configured")

	// ErrAlreadyConnected is returned by Connect while a session is running.
	ErrAlreadyConnected = errors.New("relay client already running")
)

// Status describes the connection.
type Status struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	Failures  int    `json:"failures"`
	Abandoned bool   `json:"abandoned"`
}

// Client keeps a connection to the relay and fans updates out to subscribers.
type Client struct {
	url            string
	dialer         *websocket.Dialer
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int

	mu      sync.RWMutex
	latest  *nowplaying.Metadata
	subs    map[int]func(*nowplaying.Metadata)
	nextSub int
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithBackoff sets the initial and maximum reconnect delays.
func WithBackoff(initial, ceiling time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = ceiling
	}
}

// WithMaxAttempts sets how many consecutive failed dials are tolerated.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// NewClient creates a relay client for a ws:// or wss:// url.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		maxAttempts:    DefaultMaxAttempts,
		subs:           make(map[int]func(*nowplaying.Metadata)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.URL = url
	return c
}

// Backoff returns the delay after the given number of consecutive failures
// (0-based): initial doubled per failure, capped at ceiling.
func Backoff(failures int, initial, ceiling time.Duration) time.Duration {
	d := initial
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// Connect starts the background connection loop. It returns immediately.
func (c *Client) Connect(ctx context.Context) error {
	if c.url == "" {
		return ErrNoURL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return ErrAlreadyConnected
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.status.Failures = 0
	c.status.Abandoned = false

	go c.run(runCtx, c.done)
	return nil
}

// Disconnect stops the connection loop and waits for it to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Str("url", c.url).Msg("Relay disconnected")
}

// Latest returns the last metadata received, or nil.
func (c *Client) Latest() *nowplaying.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return nil
	}
	md := *c.latest
	return &md
}

// Status returns the connection status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Subscribe registers fn for metadata updates. If metadata is already known
// fn receives it immediately.
func (c *Client) Subscribe(fn func(*nowplaying.Metadata)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	latest := c.latest
	c.mu.Unlock()

	if latest != nil {
		md := *latest
		fn(&md)
	}

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	failures := 0
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.setStatus(func(s *Status) { s.Failures = failures })

			if failures >= c.maxAttempts {
				log.Error().Err(err).Str("url", c.url).Int("attempts", failures).Msg("Relay unreachable, giving up")
				c.setStatus(func(s *Status) { s.Abandoned = true })
				c.mu.Lock()
				if c.cancel != nil {
					c.cancel()
					c.cancel = nil
				}
				c.mu.Unlock()
				return
			}

			delay := Backoff(failures-1, c.initialBackoff, c.maxBackoff)
			log.Warn().Err(err).Str("url", c.url).Dur("retryIn", delay).Msg("Relay connection failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		failures = 0
		c.setStatus(func(s *Status) {
			s.Connected = true
			s.Failures = 0
		})
		log.Info().Str("url", c.url).Msg("Relay connected")

		err = c.read(ctx, conn)
		c.setStatus(func(s *Status) { s.Connected = false })
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("url", c.url).Msg("Relay connection lost")

		if !sleep(ctx, c.initialBackoff) {
			return
		}
	}
}

// read consumes messages until the connection fails or ctx is cancelled.
func (c *Client) read(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageBytes)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		md, err := nowplaying.Decode(data)
		if err != nil {
			log.Debug().Err(err).Msg("Ignoring malformed relay message")
			continue
		}
		if md != nil {
			c.publish(md)
		}
	}
}

func (c *Client) publish(md *nowplaying.Metadata) {
	c.mu.Lock()
	if md.Equal(c.latest) {
		c.mu.Unlock()
		return
	}
	c.latest = md
	subs := make([]func(*nowplaying.Metadata), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		cp := *md
		fn(&cp)
	}
}

func (c *Client) setStatus(fn func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
