// Package mpd provides a wrapper around the gompd MPD client.
package mpd

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned by Ping before Connect.
var ErrNotConnected = errors.New("not connected to MPD")

// Client wraps the MPD client with reconnection logic.
type Client struct {
	mu       sync.Mutex
	client   *mpd.Client
	watchers map[*mpd.Watcher]struct{}
	host     string
	port     int
	password string
}

// NewClient creates a new MPD client wrapper.
func NewClient(host string, port int, password string) *Client {
	return &Client{
		host:     host,
		port:     port,
		password: password,
		watchers: make(map[*mpd.Watcher]struct{}),
	}
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Connect establishes connection to MPD.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	addr := c.Addr()
	log.Info().Str("addr", addr).Msg("Connecting to MPD")

	client, err := mpd.DialAuthenticated("tcp", addr, c.password)
	if err != nil {
		return fmt.Errorf("failed to connect to MPD: %w", err)
	}

	c.client = client
	log.Info().Msg("Connected to MPD")
	return nil
}

// do runs fn on a live connection, reconnecting once if the ping fails.
func (c *Client) do(fn func(*mpd.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		if err := c.connectLocked(); err != nil {
			return err
		}
	} else if err := c.client.Ping(); err != nil {
		log.Warn().Err(err).Msg("MPD connection lost, reconnecting")
		c.client.Close()
		c.client = nil
		if err := c.connectLocked(); err != nil {
			return err
		}
	}

	return fn(c.client)
}

// Close closes the MPD connection and any open watchers.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for w := range c.watchers {
		w.Close()
		delete(c.watchers, w)
	}

	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// Ping checks if the connection is alive without reconnecting.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrNotConnected
	}
	return c.client.Ping()
}

// Status returns the current MPD status.
func (c *Client) Status() (map[string]string, error) {
	var attrs mpd.Attrs
	err := c.do(func(m *mpd.Client) error {
		var err error
		attrs, err = m.Status()
		return err
	})
	return attrs, err
}

// Play starts playback at pos. If pos is -1, resumes the current entry.
func (c *Client) Play(pos int) error {
	return c.do(func(m *mpd.Client) error { return m.Play(pos) })
}

// Pause sets the pause state.
func (c *Client) Pause(pause bool) error {
	return c.do(func(m *mpd.Client) error { return m.Pause(pause) })
}

// Stop stops playback.
func (c *Client) Stop() error {
	return c.do(func(m *mpd.Client) error { return m.Stop() })
}

// Clear clears the current queue.
func (c *Client) Clear() error {
	return c.do(func(m *mpd.Client) error { return m.Clear() })
}

// Add adds a URI to the queue.
func (c *Client) Add(uri string) error {
	return c.do(func(m *mpd.Client) error { return m.Add(uri) })
}

// Watch starts watching MPD subsystems. The returned channel receives
// subsystem names and is closed once stop is called.
func (c *Client) Watch(subsystems ...string) (<-chan string, func(), error) {
	watcher, err := mpd.NewWatcher("tcp", c.Addr(), c.password, subsystems...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	c.mu.Lock()
	c.watchers[watcher] = struct{}{}
	c.mu.Unlock()

	ch := make(chan string, 10)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		for {
			select {
			case <-done:
				return
			case subsystem, ok := <-watcher.Event:
				if !ok {
					return
				}
				select {
				case ch <- subsystem:
				case <-done:
					return
				}
			case err, ok := <-watcher.Error:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("MPD watcher error")
				select {
				case <-time.After(time.Second):
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			c.mu.Lock()
			_, open := c.watchers[watcher]
			delete(c.watchers, watcher)
			c.mu.Unlock()
			if open {
				watcher.Close()
			}
		})
	}

	return ch, stop, nil
}
