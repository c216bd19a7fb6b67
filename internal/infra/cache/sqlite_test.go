package cache_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edumarques81/stellar-stream/internal/infra/cache"
)

func openTestDB(t *testing.T) *cache.DB {
	t.Helper()

	db := cache.NewDB(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err := db.Open(); err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB(t *testing.T) {
	db := cache.NewDB("")
	if db == nil {
		t.Fatal("NewDB should return a non-nil instance")
	}
	if db.Path() != cache.DefaultDBPath {
		t.Errorf("Path() = %q, want default", db.Path())
	}
}

func TestDBOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "test.db")
	db := cache.NewDB(dbPath)

	if err := db.Open(); err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file should exist after Open()")
	}
	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	// Reopening an existing file keeps the schema.
	if err := db.Open(); err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()
}

func TestDBNotOpen(t *testing.T) {
	db := cache.NewDB(filepath.Join(t.TempDir(), "x.db"))
	ctx := context.Background()

	if _, _, err := db.Get(ctx, "k"); !errors.Is(err, cache.ErrNotOpen) {
		t.Errorf("Get() error = %v, want ErrNotOpen", err)
	}
	if err := db.Set(ctx, "k", "v", time.Hour); !errors.Is(err, cache.ErrNotOpen) {
		t.Errorf("Set() error = %v, want ErrNotOpen", err)
	}
	if _, err := db.GetStats(ctx); !errors.Is(err, cache.ErrNotOpen) {
		t.Errorf("GetStats() error = %v, want ErrNotOpen", err)
	}
}

func TestDBGetSet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.Get(ctx, "trackinfo:a:b"); err != nil || ok {
		t.Fatalf("Get() on empty = ok %v, err %v", ok, err)
	}

	if err := db.Set(ctx, "trackinfo:a:b", "first", time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := db.Set(ctx, "trackinfo:a:b", "second", time.Hour); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}

	got, ok, err := db.Get(ctx, "trackinfo:a:b")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if got != "second" {
		t.Errorf("Get() = %q, want last write", got)
	}
}

func TestDBExpiry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Set(ctx, "short", "gone soon", time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := db.Set(ctx, "long", "stays", time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, ok, _ := db.Get(ctx, "short"); ok {
		t.Error("expired entry should be a miss")
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Descriptions != 1 || stats.Expired != 1 {
		t.Errorf("stats = %+v, want 1 fresh and 1 expired", stats)
	}

	n, err := db.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	stats, _ = db.GetStats(ctx)
	if stats.Expired != 0 || stats.LastPurge.IsZero() {
		t.Errorf("stats after purge = %+v", stats)
	}
}

func TestDBLastStream(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.LastStream(ctx)
	if err != nil || id != "" {
		t.Fatalf("LastStream() on empty = %q, %v", id, err)
	}

	if err := db.SaveLastStream(ctx, "groove-salad"); err != nil {
		t.Fatalf("SaveLastStream() error = %v", err)
	}
	if err := db.SaveLastStream(ctx, "drone-zone"); err != nil {
		t.Fatalf("SaveLastStream() error = %v", err)
	}

	id, err = db.LastStream(ctx)
	if err != nil || id != "drone-zone" {
		t.Errorf("LastStream() = %q, %v, want drone-zone", id, err)
	}

	if err := db.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if id, _ := db.LastStream(ctx); id != "drone-zone" {
		t.Errorf("Clear() should keep preferences, got %q", id)
	}
}

func TestDBGetStats(t *testing.T) {
	db := openTestDB(t)

	stats, err := db.GetStats(context.Background())
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Driver != "sqlite" {
		t.Errorf("Driver = %q", stats.Driver)
	}
	if stats.Descriptions != 0 {
		t.Errorf("Expected 0 descriptions, got %d", stats.Descriptions)
	}
	if stats.SchemaVersion != cache.CurrentSchemaVersion {
		t.Errorf("Expected schema version %q, got %q", cache.CurrentSchemaVersion, stats.SchemaVersion)
	}
}
