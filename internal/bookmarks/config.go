package bookmarks

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// StoreConfig controls the tunable behavior of the store: commit batching,
// frecency recalculation chunk size, and the database file itself. Layered
// as built-in defaults overlaid by an optional TOML file.
type StoreConfig struct {
	DatabasePath string `toml:"database_path"`

	// Commit batches long phases into smaller transactions at safe points.
	CommitEveryRecords int    `toml:"commit_every_records"`
	CommitEveryElapsed string `toml:"commit_every_elapsed"`

	// FrecencyChunkSize is how many stale places update_frecencies processes
	// per batch (spec: 400, trading WAL growth against lock hold time).
	FrecencyChunkSize int `toml:"frecency_chunk_size"`

	// BusyTimeout bounds how long a write waits behind a contending
	// connection before giving up.
	BusyTimeout string `toml:"busy_timeout"`
}

// DefaultStoreConfig returns the built-in defaults: 400-record frecency
// chunks and sane defaults for the rest.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DatabasePath:       "bookmarks.sqlite",
		CommitEveryRecords: 100,
		CommitEveryElapsed: "500ms",
		FrecencyChunkSize:  400,
		BusyTimeout:        "5s",
	}
}

// LoadStoreConfig reads a TOML overlay on top of the defaults. An empty path
// is not an error: callers pass "" to use defaults only. A non-empty path
// that cannot be read or decoded is an error.
func LoadStoreConfig(path string) (StoreConfig, error) {
	cfg := DefaultStoreConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return StoreConfig{}, fmt.Errorf("bookmarks: load config %s: %w", path, err)
	}
	return cfg, nil
}

func (c StoreConfig) commitElapsed() time.Duration {
	d, err := time.ParseDuration(c.CommitEveryElapsed)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

func (c StoreConfig) busyTimeout() time.Duration {
	d, err := time.ParseDuration(c.BusyTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

func (c StoreConfig) frecencyChunkSize() int {
	if c.FrecencyChunkSize <= 0 {
		return 400
	}
	return c.FrecencyChunkSize
}

func (c StoreConfig) commitEveryRecords() int {
	if c.CommitEveryRecords <= 0 {
		return 100
	}
	return c.CommitEveryRecords
}
