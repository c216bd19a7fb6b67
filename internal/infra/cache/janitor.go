package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPurgeInterval is how often expired descriptions are removed.
const DefaultPurgeInterval = 6 * time.Hour

// Purger deletes expired entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Janitor periodically purges expired descriptions from a local store.
// Redis expires keys on its own and needs no janitor.
type Janitor struct {
	store    Purger
	interval time.Duration
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
}

// NewJanitor creates a janitor.
func NewJanitor(store Purger, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	return &Janitor{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start purges immediately, then on every interval, until ctx is cancelled
// or Stop is called. It blocks.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	stopCh := j.stopCh
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	log.Info().Dur("interval", j.interval).Msg("Cache janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.purge(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Cache janitor stopping (context cancelled)")
			return
		case <-stopCh:
			log.Info().Msg("Cache janitor stopping (stop requested)")
			return
		case <-ticker.C:
			j.purge(ctx)
		}
	}
}

// Stop stops the janitor.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		close(j.stopCh)
		j.running = false
	}
}

// IsRunning reports whether the janitor loop is active.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Janitor) purge(ctx context.Context) {
	n, err := j.store.PurgeExpired(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to purge expired descriptions")
		return
	}
	if n > 0 {
		log.Info().Int64("removed", n).Msg("Purged expired descriptions")
	}
}
