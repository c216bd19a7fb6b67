package discovery

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Service implements the read-through description cache.
type Service struct {
	store     Store
	generator Generator
	group     singleflight.Group
}

// NewService creates a discovery service.
func NewService(store Store, generator Generator) *Service {
	return &Service{
		store:     store,
		generator: generator,
	}
}

// GetDescription returns the cached description for (artist, track) or
// generates, stores and returns a new one. Concurrent requests for the same
// key share one generation.
func (s *Service) GetDescription(ctx context.Context, artist, track, album string) (*Result, error) {
	if strings.TrimSpace(artist) == "" || strings.TrimSpace(track) == "" {
		return nil, ErrMissingParams
	}

	key := Key(artist, track)

	if desc, ok := s.lookup(ctx, key); ok {
		log.Debug().Str("key", key).Msg("Description cache hit")
		return &Result{Description: desc, Source: SourceCache}, nil
	}

	// The shared call outlives any one caller. The generator enforces its own
	// timeout, and each caller stops waiting when its ctx ends.
	genCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.generate(genCtx, key, artist, track, album)
	})

	select {
	case <-ctx.Done():
		log.Debug().Err(ctx.Err()).Str("key", key).Msg("Caller gave up waiting for description")
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debug().Str("key", key).Msg("Shared in-flight description")
		}
		return &Result{Description: res.Val.(string), Source: SourceGenerated}, nil
	}
}

func (s *Service) lookup(ctx context.Context, key string) (string, bool) {
	if s.store == nil {
		return "", false
	}
	desc, ok, err := s.store.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Description cache read failed, treating as miss")
		return "", false
	}
	if !ok || desc == "" {
		return "", false
	}
	return desc, true
}

func (s *Service) generate(ctx context.Context, key, artist, track, album string) (string, error) {
	log.Info().Str("artist", artist).Str("track", track).Msg("Generating track description")

	desc, err := s.generator.Complete(ctx, Prompt(artist, track, album))
	if err != nil {
		return "", &UpstreamError{Err: err}
	}

	desc = strings.TrimSpace(desc)
	if desc == "" {
		return "", &UpstreamError{Err: ErrEmptyCompletion}
	}

	if s.store != nil {
		if err := s.store.Set(ctx, key, desc, TTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to cache track description")
		}
	}
	return desc, nil
}
