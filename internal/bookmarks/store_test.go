package bookmarks

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestStore opens a fresh store against a temp-file database, matching
// the teacher's newTestManager helper: one throwaway database per test,
// cleaned up automatically.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultStoreConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "bookmarks.sqlite")

	store, err := OpenStore(context.Background(), cfg, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noInterrupt() Interruptee {
	return Interruptee(context.Background())
}

// fixedScorer returns the same frecency score for every place, sufficient
// for exercising the finalizer without depending on the real scorer.
type fixedScorer struct {
	score int
}

func (f fixedScorer) Score(_ context.Context, _ int64, _ string) (int, error) {
	return f.score, nil
}

func ptr[T any](v T) *T { return &v }

// insertLocalPlace upserts a moz_places row for url and returns its id.
func insertLocalPlace(t *testing.T, s *Store, url string) int64 {
	t.Helper()
	var id int64
	err := s.db.QueryRow(`SELECT id FROM moz_places WHERE url = ?`, url).Scan(&id)
	if err == sql.ErrNoRows {
		res, err := s.db.Exec(`INSERT INTO moz_places (url, frecency) VALUES (?, -1)`, url)
		require.NoError(t, err)
		id, err = res.LastInsertId()
		require.NoError(t, err)
		return id
	}
	require.NoError(t, err)
	return id
}

// insertLocalBookmark creates a local bookmark row directly against the
// live tables, simulating a desktop-side user edit the store never staged
// through StageIncoming. No mirror row is written; tests that need one add
// it with insertMirrorBookmark.
type localBookmarkFixture struct {
	GUID         string
	ParentGUID   string
	Title        string
	URL          string
	Keyword      string
	DateAdded    time.Time
	LastModified time.Time
	Counter      int
	Status       SyncStatus
}

func insertLocalBookmark(t *testing.T, s *Store, f localBookmarkFixture) {
	t.Helper()
	placeID := insertLocalPlace(t, s, f.URL)

	var parentID int64
	require.NoError(t, s.db.QueryRow(`SELECT id FROM moz_bookmarks WHERE guid = ?`, f.ParentGUID).Scan(&parentID))
	var position int
	require.NoError(t, s.db.QueryRow(`SELECT COALESCE(MAX(position) + 1, 0) FROM moz_bookmarks WHERE parent = ?`, parentID).Scan(&position))

	_, err := s.db.Exec(`
		INSERT INTO moz_bookmarks (guid, parent, position, type, title, place_id, date_added, last_modified, sync_change_counter, sync_status)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?)`,
		f.GUID, parentID, position, f.Title, placeID, f.DateAdded.UnixMilli(), f.LastModified.UnixMilli(), f.Counter, int(f.Status))
	require.NoError(t, err)

	if f.Keyword != "" {
		_, err := s.db.Exec(`INSERT INTO moz_keywords (place_id, keyword) VALUES (?, ?)`, placeID, f.Keyword)
		require.NoError(t, err)
	}
}

// insertMirrorBookmark writes a moz_bookmarks_synced row directly, as if a
// previous sync cycle had already recorded this as the last-known server
// state (needs_merge = 0), so HasChanges/decideState treat it as unchanged
// on the remote side until a fresh StageIncoming call touches it again.
func insertMirrorBookmark(t *testing.T, s *Store, guid, parentGUID, title, url string, serverModified time.Time) {
	t.Helper()
	placeID := insertLocalPlace(t, s, url)
	_, err := s.db.Exec(`
		INSERT INTO moz_bookmarks_synced (guid, parent_guid, kind, title, place_id, server_modified, needs_merge, is_deleted, validity)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0)`,
		guid, parentGUID, int(KindBookmark), title, placeID, serverModified.UnixMilli())
	require.NoError(t, err)
	_, err = s.db.Exec(`
		INSERT INTO moz_bookmarks_synced_structure (guid, parent_guid, position)
		VALUES (?, ?, (SELECT COALESCE(MAX(position) + 1, 0) FROM moz_bookmarks_synced_structure WHERE parent_guid = ?))`,
		guid, parentGUID, parentGUID)
	require.NoError(t, err)
}

func childGUIDs(tree *Tree, parent string) []string {
	return tree.Children[parent]
}
