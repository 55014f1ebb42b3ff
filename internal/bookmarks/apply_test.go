package bookmarks

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func stageAndApply(t *testing.T, s *Store, now time.Time, changes []IncomingChange) *MergedRoot {
	t.Helper()
	ctx := context.Background()
	_, err := s.StageIncoming(ctx, noInterrupt(), IncomingChangeset{Timestamp: now, Changes: changes})
	require.NoError(t, err)

	root, err := s.RunMerge(ctx, noInterrupt(), nil, now)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, noInterrupt(), root, now, nil))
	return root
}

func placeFrecencyStale(t *testing.T, s *Store, url string) bool {
	t.Helper()
	var stale bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM moz_places_stale_frecencies q JOIN moz_places p ON p.id = q.place_id WHERE p.url = ?)`,
		url).Scan(&stale)
	require.NoError(t, err)
	return stale
}

// TestApply_NewRemoteBookmarkMaterializesUnderUnfiledAndMarksFrecencyStale
// grounds the "incoming bookmark under unfiled" scenario: a brand-new
// incoming bookmark must land in the live local tree with its URL and mark
// its place's frecency stale until update_frecencies runs.
func TestApply_NewRemoteBookmarkMaterializesUnderUnfiledAndMarksFrecencyStale(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	stageAndApply(t, s, now, []IncomingChange{
		{
			Payload: Payload{
				GUID:        "qqVTRWhLBOu3",
				ParentGUID:  UnfiledGUID,
				Kind:        KindBookmark,
				BookmarkURI: ptr("https://example.com"),
				Title:       ptr("The title"),
			},
			ServerModified: now,
		},
	})

	tree, err := s.FetchLocalTree(context.Background(), noInterrupt(), now)
	require.NoError(t, err)
	node, ok := tree.Nodes["qqVTRWhLBOu3"]
	require.True(t, ok)
	require.Equal(t, UnfiledGUID, node.ParentGUID)

	var url string
	require.NoError(t, s.db.QueryRow(`
		SELECT pl.url FROM moz_bookmarks b JOIN moz_places pl ON pl.id = b.place_id WHERE b.guid = ?`,
		"qqVTRWhLBOu3").Scan(&url))
	require.Equal(t, "https://example.com", url)

	require.True(t, placeFrecencyStale(t, s, "https://example.com"))

	require.NoError(t, s.SyncFinished(context.Background(), noInterrupt(), now.Add(time.Second), nil, fixedScorer{score: 100}))
	require.False(t, placeFrecencyStale(t, s, "https://example.com"))

	var frecency int
	require.NoError(t, s.db.QueryRow(`SELECT frecency FROM moz_places WHERE url = ?`, "https://example.com").Scan(&frecency))
	require.Equal(t, 100, frecency)
}

// TestApply_QueryURLNeverMarksFrecencyStale grounds the "query URLs skip
// frecency" scenario: a place: URL is reclassified as a query, and queries
// never enter the frecency-staleness queue.
func TestApply_QueryURLNeverMarksFrecencyStale(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	stageAndApply(t, s, now, []IncomingChange{
		{
			Payload: Payload{
				GUID:        "queryGUID0001",
				ParentGUID:  UnfiledGUID,
				Kind:        KindBookmark,
				BookmarkURI: ptr("place:tag=foo"),
				Title:       ptr("Tagged"),
			},
			ServerModified: now,
		},
	})

	require.False(t, placeFrecencyStale(t, s, "place:tag=foo"))

	var kind int
	require.NoError(t, s.db.QueryRow(`SELECT type FROM moz_bookmarks WHERE guid = ?`, "queryGUID0001").Scan(&kind))
	require.Equal(t, 1, kind) // local type mapping collapses bookmark/query/livemark to 1
}

// TestApply_KeywordAndTagsFanOutFromMirrorToLocalTables is the direct
// regression test for the keyword/tag fan-out fix: a remote-won item's
// keyword and tags must be copied into moz_keywords and
// moz_bookmarks_tag_relation/moz_bookmarks_tags, not left stranded in the
// mirror.
func TestApply_KeywordAndTagsFanOutFromMirrorToLocalTables(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	stageAndApply(t, s, now, []IncomingChange{
		{
			Payload: Payload{
				GUID:        "bkKeyword0001",
				ParentGUID:  UnfiledGUID,
				Kind:        KindBookmark,
				BookmarkURI: ptr("https://keyworded.example"),
				Title:       ptr("Keyworded"),
				Keyword:     ptr("a"),
				Tags:        []string{"red", "blue"},
			},
			ServerModified: now,
		},
	})

	var keyword string
	require.NoError(t, s.db.QueryRow(`
		SELECT kw.keyword FROM moz_bookmarks b JOIN moz_keywords kw ON kw.place_id = b.place_id WHERE b.guid = ?`,
		"bkKeyword0001").Scan(&keyword))
	require.Equal(t, "a", keyword)

	rows, err := s.db.Query(`
		SELECT t.name FROM moz_bookmarks b
		JOIN moz_bookmarks_tag_relation r ON r.place_id = b.place_id
		JOIN moz_bookmarks_tags t ON t.id = r.tag_id
		WHERE b.guid = ? ORDER BY t.name`, "bkKeyword0001")
	require.NoError(t, err)
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		require.NoError(t, rows.Scan(&tag))
		tags = append(tags, tag)
	}
	require.Equal(t, []string{"blue", "red"}, tags)
}

// TestApply_KeywordPreservedAcrossLocalTitleChange grounds the "keyword
// preservation" scenario: once a keyword has fanned out locally, a
// subsequent local-only title edit (with the mirror settled, i.e. not
// independently changed again) must not disturb it, and the next outgoing
// materialization must carry both the preserved keyword and the new title.
func TestApply_KeywordPreservedAcrossLocalTitleChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stageAndApply(t, s, now, []IncomingChange{
		{
			Payload: Payload{
				GUID:        "bkKeyword0002",
				ParentGUID:  UnfiledGUID,
				Kind:        KindBookmark,
				BookmarkURI: ptr("https://keyworded2.example"),
				Title:       ptr("Original title"),
				Keyword:     ptr("a"),
			},
			ServerModified: now,
		},
	})
	require.NoError(t, s.SyncFinished(ctx, noInterrupt(), now.Add(time.Second), nil, fixedScorer{score: 1}))

	// The mirror is settled once the sync that introduced it has finished;
	// simulate that directly since SyncFinished only clears the local side's
	// upload bookkeeping for items that were actually uploaded.
	_, err := s.db.Exec(`UPDATE moz_bookmarks_synced SET needs_merge = 0 WHERE guid = ?`, "bkKeyword0002")
	require.NoError(t, err)

	later := now.Add(time.Hour)
	_, err = s.db.Exec(`UPDATE moz_bookmarks SET title = ?, sync_change_counter = sync_change_counter + 1, last_modified = ? WHERE guid = ?`,
		"A (local)", later.UnixMilli(), "bkKeyword0002")
	require.NoError(t, err)

	stageAndApply(t, s, later, nil)

	changeset, err := s.FetchOutgoingRecords(ctx, noInterrupt(), later)
	require.NoError(t, err)

	var found *OutgoingRecord
	for i := range changeset.Records {
		if changeset.Records[i].ID == "bkKeyword0002" {
			found = &changeset.Records[i]
		}
	}
	require.NotNil(t, found)
	require.NotNil(t, found.Keyword)
	require.Equal(t, "a", *found.Keyword)
	require.NotNil(t, found.Title)
	require.Equal(t, "A (local)", *found.Title)
}

// TestApply_RemoteWinsOverwritesLocalTitleAndResetsChangeCounter grounds the
// "remote wins" half of the merge decision table: an unmodified local item
// whose mirror counterpart changed must take the mirror's content and have
// its local change counter cleared.
func TestApply_RemoteWinsOverwritesLocalTitleAndResetsChangeCounter(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	insertMirrorBookmark(t, s, "bkRemoteWins1", UnfiledGUID, "Old title", "https://remotewins.example", now.Add(-time.Hour))
	insertLocalBookmark(t, s, localBookmarkFixture{
		GUID: "bkRemoteWins1", ParentGUID: UnfiledGUID, Title: "Old title", URL: "https://remotewins.example",
		DateAdded: now.Add(-time.Hour), LastModified: now.Add(-time.Hour), Counter: 0, Status: SyncStatusNormal,
	})

	_, err := s.db.Exec(`UPDATE moz_bookmarks_synced SET title = ?, needs_merge = 1 WHERE guid = ?`, "New remote title", "bkRemoteWins1")
	require.NoError(t, err)

	ctx := context.Background()
	root, err := s.RunMerge(ctx, noInterrupt(), nil, now)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, noInterrupt(), root, now, nil))

	var title string
	var counter int
	require.NoError(t, s.db.QueryRow(`SELECT title, sync_change_counter FROM moz_bookmarks WHERE guid = ?`, "bkRemoteWins1").Scan(&title, &counter))
	require.Equal(t, "New remote title", title)
	require.Equal(t, 0, counter)
}

func TestApply_NoPendingChangesIsANoOpMerge(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	has, err := s.HasChanges(context.Background())
	require.NoError(t, err)
	require.False(t, has)

	root, err := s.RunMerge(context.Background(), noInterrupt(), nil, now)
	require.NoError(t, err)
	require.Empty(t, root.Descendants)

	var dummy sql.NullString
	err = s.db.QueryRow(`SELECT guid FROM merged_tree LIMIT 1`).Scan(&dummy)
	require.ErrorIs(t, err, sql.ErrNoRows)
}
