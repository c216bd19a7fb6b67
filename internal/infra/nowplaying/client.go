// Package nowplaying fetches and normalizes station now-playing metadata.
package nowplaying

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-stream/internal/version"
)

const (
	// UnknownArtist replaces a missing artist field.
	UnknownArtist = "Unknown Artist"

	// UnknownTitle replaces a missing title field.
	UnknownTitle = "Unknown Title"

	maxBodyBytes = 64 * 1024
)

// ErrFetch wraps every network, status and parse failure.
var ErrFetch = errors.New("now-playing fetch failed")

// Metadata is the canonical now-playing shape.
type Metadata struct {
	Song   string `json:"song"`
	ArtURL string `json:"artUrl,omitempty"`
}

// Equal reports whether two metadata values would render identically.
func (m *Metadata) Equal(other *Metadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Song == other.Song && m.ArtURL == other.ArtURL
}

type envelope struct {
	NowPlaying *struct {
		Song *song `json:"song"`
	} `json:"now_playing"`
}

type song struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Art    string `json:"art"`
}

// Decode normalizes a now-playing JSON payload. A payload without
// now_playing.song yields nil metadata and no error.
func Decode(body []byte) (*Metadata, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: parse json: %v", ErrFetch, err)
	}

	if env.NowPlaying == nil || env.NowPlaying.Song == nil {
		return nil, nil
	}
	s := env.NowPlaying.Song

	artist := strings.TrimSpace(s.Artist)
	title := strings.TrimSpace(s.Title)

	md := &Metadata{ArtURL: strings.TrimSpace(s.Art)}
	switch {
	case artist == "" && title == "" && strings.TrimSpace(s.Text) != "":
		md.Song = strings.TrimSpace(s.Text)
	default:
		if artist == "" {
			artist = UnknownArtist
		}
		if title == "" {
			title = UnknownTitle
		}
		md.Song = artist + " - " + title
	}

	return md, nil
}

// Client polls now-playing endpoints.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithUserAgent sets a custom User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a now-playing client. The default HTTP client has no
// timeout: a fetch lasts until it completes or the caller's ctx ends.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		userAgent:  version.UserAgent(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Fetch retrieves the now-playing payload at url. An empty url means the
// stream has no metadata endpoint and returns nil, nil.
func (c *Client) Fetch(ctx context.Context, url string) (*Metadata, error) {
	if url == "" {
		return nil, nil
	}

	md, err := c.fetch(ctx, url)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Msg("Now-playing fetch failed")
		return nil, err
	}
	return md, nil
}

func (c *Client) fetch(ctx context.Context, url string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrFetch, err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status: %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrFetch, err)
	}

	return Decode(body)
}
