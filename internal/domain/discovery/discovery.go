// Package discovery produces short editorial descriptions for tracks,
// reading through a shared cache before asking a text-generation upstream.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// TTL is how long a generated description stays fresh.
const TTL = 30 * 24 * time.Hour

// Sources reported in Result.
const (
	SourceCache     = "cache"
	SourceGenerated = "generated"
)

// ErrMissingParams is returned when artist or track is empty.
var ErrMissingParams = errors.New("artist and track are required")

// ErrEmptyCompletion marks an upstream reply with no description.
var ErrEmptyCompletion = errors.New("upstream returned an empty description")

// Result is a track description and where it came from.
type Result struct {
	Description string `json:"description"`
	Source      string `json:"source"`
}

// Store is the shared description cache.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Generator completes a prompt.
type Generator interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// UpstreamError wraps a generation failure.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("description upstream failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Gateway reports whether the failure belongs to the upstream itself
// (timeout, API error or empty completion) rather than to this service.
func (e *UpstreamError) Gateway() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, ErrEmptyCompletion) {
		return true
	}

	var netErr net.Error
	if errors.As(e.Err, &netErr) && netErr.Timeout() {
		return true
	}

	var status interface{ UpstreamStatus() int }
	return errors.As(e.Err, &status)
}

// StatusCode maps a GetDescription error to the HTTP status the discovery
// endpoint answers with.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrMissingParams) {
		return http.StatusBadRequest
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.Gateway() {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

var whitespace = regexp.MustCompile(`\s+`)

func normalize(s string) string {
	return whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
}

// Key returns the cache key for a track. Album is not part of the key.
func Key(artist, track string) string {
	return "trackinfo:" + normalize(artist) + ":" + normalize(track)
}

// Prompt builds the generation prompt.
func Prompt(artist, track, album string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a 50-60 word description of the song %q by %s.", strings.TrimSpace(track), strings.TrimSpace(artist))
	if album = strings.TrimSpace(album); album != "" {
		fmt.Fprintf(&b, " It appears on the album %q.", album)
	}
	b.WriteString(" Write in the voice of a late-night radio host introducing the track to listeners:")
	b.WriteString(" warm, knowledgeable and unhurried. Mention the sound, the mood and one piece of context")
	b.WriteString(" about the artist or recording. Do not use lists, headings or quotation marks. Reply with the description only.")
	return b.String()
}
