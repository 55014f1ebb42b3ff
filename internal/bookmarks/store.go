package bookmarks

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store owns the sole write connection to the embedded relational store for
// the lifetime of a sync cycle. It does not itself hold merge state; the
// merger borrows the store for the duration of one merge call and leaves no
// shared mutable state behind it.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	cfg    StoreConfig

	metrics *Metrics
}

// OpenStore opens (creating if necessary) the database at cfg.DatabasePath,
// applies pragmas, runs migrations, and returns a ready Store. The
// connection pool is capped at one: this store is the sole writer, matching
// the concurrency model in which other user-facing connections may read and
// write the same file concurrently but never contend with the sync
// connection for a lock it is already holding.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", cfg.DatabasePath, cfg.busyTimeout().Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("bookmarks: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger, cfg: cfg, metrics: NewMetrics()}

	if err := s.ensureRoots(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("bookmark store ready", "path", cfg.DatabasePath)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Metrics exposes the store's prometheus collectors for registration by the
// caller's registry.
func (s *Store) Metrics() *Metrics {
	return s.metrics
}

func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("bookmarks: set pragma %s: %w", p.desc, err)
		}
		logger.Debug("pragma set", "pragma", p.desc)
	}
	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("bookmarks: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("bookmarks: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("bookmarks: running migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}
	return nil
}

// Interruptee is the cooperative cancellation capability passed down to
// every long-running loop, chunked insert, and cursor iteration. It is
// deliberately not a goroutine-cancellation mechanism: callers poll it
// between units of work.
type Interruptee interface {
	// Err returns ErrInterrupted if the operation should stop now.
	Err() error
}

// ctxInterruptee adapts a context.Context's cancellation into an
// Interruptee, the form every component in this package accepts.
type ctxInterruptee struct {
	ctx context.Context
}

// Interruptee wraps ctx as the interruptee token used throughout this
// package; every exported operation that can run long takes one.
func Interruptee(ctx context.Context) Interruptee {
	return ctxInterruptee{ctx: ctx}
}

func (c ctxInterruptee) Err() error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, c.ctx.Err())
	}
	return nil
}

// commitBatcher subdivides a long phase into smaller transactions at safe
// points, bounding WAL growth without blocking other writers excessively.
// It tracks elapsed time and record count since the last commit.
type commitBatcher struct {
	cfg       StoreConfig
	since     time.Time
	count     int
}

func newCommitBatcher(cfg StoreConfig) *commitBatcher {
	return &commitBatcher{cfg: cfg, since: time.Now()}
}

// recordApplied increments the batch's record counter and reports whether
// the caller should commit and begin a fresh transaction now.
func (b *commitBatcher) recordApplied() bool {
	b.count++
	return b.shouldCommit()
}

func (b *commitBatcher) shouldCommit() bool {
	if b.count >= b.cfg.commitEveryRecords() {
		return true
	}
	return time.Since(b.since) >= b.cfg.commitElapsed()
}

func (b *commitBatcher) reset() {
	b.count = 0
	b.since = time.Now()
}

// ensureRoots creates the synthetic root and the four user roots in both the
// local tree and the mirror if they do not already exist. Idempotent.
func (s *Store) ensureRoots(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin ensure roots", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := createLocalRoots(ctx, tx); err != nil {
		return err
	}
	if err := createSyncedRoots(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapStorage("commit ensure roots", err)
	}
	return nil
}

const sqlInsertLocalRoot = `
INSERT OR IGNORE INTO moz_bookmarks
	(guid, parent, position, type, title, date_added, last_modified, sync_change_counter, sync_status)
VALUES (?, ?, ?, 2, ?, ?, ?, 0, 1)`

func createLocalRoots(ctx context.Context, tx *sql.Tx) error {
	now := time.Now().UnixMilli()

	var rootID sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT id FROM moz_bookmarks WHERE guid = ?`, RootGUID).Scan(&rootID)
	if err != nil && err != sql.ErrNoRows {
		return wrapStorage("query root", err)
	}
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moz_bookmarks (guid, parent, position, type, title, date_added, last_modified, sync_change_counter, sync_status)
			VALUES (?, NULL, 0, 2, 'root', ?, ?, 0, 1)`, RootGUID, now, now); err != nil {
			return wrapStorage("insert synthetic root", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT id FROM moz_bookmarks WHERE guid = ?`, RootGUID).Scan(&rootID); err != nil {
			return wrapStorage("reload root id", err)
		}
	}

	for i, guid := range userRootGUIDs {
		if _, err := tx.ExecContext(ctx, sqlInsertLocalRoot, guid, rootID, i, guid, now, now); err != nil {
			return wrapStorage("insert local root "+guid, err)
		}
	}
	return nil
}

func createSyncedRoots(ctx context.Context, tx *sql.Tx) error {
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO moz_bookmarks_synced (guid, parent_guid, kind, title, server_modified, needs_merge, is_deleted, validity)
		VALUES (?, NULL, 3, 'root', ?, 0, 0, 0)`, RootGUID, now); err != nil {
		return wrapStorage("insert synced synthetic root", err)
	}
	for i, guid := range userRootGUIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO moz_bookmarks_synced (guid, parent_guid, kind, title, server_modified, needs_merge, is_deleted, validity)
			VALUES (?, ?, 3, ?, ?, 0, 0, 0)`, guid, RootGUID, guid, now); err != nil {
			return wrapStorage("insert synced user root "+guid, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO moz_bookmarks_synced_structure (guid, parent_guid, position)
			VALUES (?, ?, ?)`, guid, RootGUID, i); err != nil {
			return wrapStorage("insert synced root structure "+guid, err)
		}
	}
	return nil
}

// getMeta reads one sync metadata value.
func getMeta(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM moz_meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStorage("get meta "+key, err)
	}
	return v, true, nil
}

func putMeta(ctx context.Context, x interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, key, value string) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO moz_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return wrapStorage("put meta "+key, err)
	}
	return nil
}

func deleteMeta(ctx context.Context, x interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, key string) error {
	_, err := x.ExecContext(ctx, `DELETE FROM moz_meta WHERE key = ?`, key)
	if err != nil {
		return wrapStorage("delete meta "+key, err)
	}
	return nil
}
