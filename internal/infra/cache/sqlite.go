// Package cache provides the description cache stores (SQLite and Redis)
// and the small amount of persisted player state.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog/log"
)

const (
	// CurrentSchemaVersion is the current database schema version.
	CurrentSchemaVersion = "1"

	// DefaultDBPath is the default path for the cache database.
	DefaultDBPath = "data/stellar-stream.db"

	metaSchemaVersion = "schema_version"
	metaLastStream    = "last_stream_id"
	metaLastPurge     = "last_purge"
)

// ErrNotOpen is returned when the database has not been opened.
var ErrNotOpen = errors.New("database not open")

// DB is the SQLite store for track descriptions and player preferences.
type DB struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// NewDB creates a new cache database instance.
func NewDB(path string) *DB {
	if path == "" {
		path = DefaultDBPath
	}
	return &DB{
		path: path,
	}
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Open opens the database and initializes the schema.
func (d *DB) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", d.path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	d.db = db

	if err := d.initSchema(); err != nil {
		d.db.Close()
		d.db = nil
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", d.path).Msg("Cache database opened")
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		err := d.db.Close()
		d.db = nil
		return err
	}
	return nil
}

func (d *DB) initSchema() error {
	if err := d.createSchema(); err != nil {
		return err
	}

	current, err := d.getMeta(context.Background(), metaSchemaVersion)
	if err != nil {
		return err
	}
	if current != "" && current != CurrentSchemaVersion {
		log.Info().
			Str("current", current).
			Str("target", CurrentSchemaVersion).
			Msg("Migrating cache schema")
	}
	return d.setMeta(context.Background(), metaSchemaVersion, CurrentSchemaVersion)
}

func (d *DB) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS descriptions (
		key TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_meta (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_descriptions_expires ON descriptions(expires_at);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (d *DB) setMeta(ctx context.Context, key, value string) error {
	now := time.Now().Format(time.RFC3339)
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO cache_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	return err
}

func (d *DB) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM cache_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Get returns a fresh description for key.
func (d *DB) Get(ctx context.Context, key string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return "", false, ErrNotOpen
	}

	var desc string
	err := d.db.QueryRowContext(ctx,
		"SELECT description FROM descriptions WHERE key = ? AND expires_at > ?",
		key, time.Now().UnixNano(),
	).Scan(&desc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read description: %w", err)
	}
	return desc, true, nil
}

// Set stores a description for ttl. Last write wins.
func (d *DB) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return ErrNotOpen
	}

	now := time.Now()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO descriptions (key, description, created_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			description = excluded.description,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, key, value, now.UnixNano(), now.Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store description: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired descriptions and returns how many were removed.
func (d *DB) PurgeExpired(ctx context.Context) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return 0, ErrNotOpen
	}

	res, err := d.db.ExecContext(ctx, "DELETE FROM descriptions WHERE expires_at <= ?", time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge descriptions: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := d.setMeta(ctx, metaLastPurge, time.Now().Format(time.RFC3339)); err != nil {
		log.Warn().Err(err).Msg("Failed to record purge time")
	}
	return n, nil
}

// SaveLastStream records the id of the last stream that played.
func (d *DB) SaveLastStream(ctx context.Context, id string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return ErrNotOpen
	}
	return d.setMeta(ctx, metaLastStream, id)
}

// LastStream returns the id of the last stream that played, or "".
func (d *DB) LastStream(ctx context.Context) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return "", ErrNotOpen
	}
	return d.getMeta(ctx, metaLastStream)
}

// GetStats returns cache statistics.
func (d *DB) GetStats(ctx context.Context) (*Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, ErrNotOpen
	}

	stats := &Stats{Driver: "sqlite"}
	now := time.Now().UnixNano()

	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM descriptions WHERE expires_at > ?", now,
	).Scan(&stats.Descriptions); err != nil {
		return nil, err
	}
	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM descriptions WHERE expires_at <= ?", now,
	).Scan(&stats.Expired); err != nil {
		return nil, err
	}

	stats.SchemaVersion, _ = d.getMeta(ctx, metaSchemaVersion)
	stats.LastStreamID, _ = d.getMeta(ctx, metaLastStream)
	if lastPurge, _ := d.getMeta(ctx, metaLastPurge); lastPurge != "" {
		stats.LastPurge, _ = time.Parse(time.RFC3339, lastPurge)
	}

	return stats, nil
}

// Clear removes every description but keeps preferences.
func (d *DB) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return ErrNotOpen
	}
	if _, err := d.db.ExecContext(ctx, "DELETE FROM descriptions"); err != nil {
		return fmt.Errorf("failed to clear descriptions: %w", err)
	}

	log.Info().Msg("Description cache cleared")
	return nil
}
