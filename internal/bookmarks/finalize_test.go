package bookmarks

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyncFinished_AdvancesLastSyncMetaAndTruncatesUploadQueue(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	insertLocalBookmark(t, s, localBookmarkFixture{
		GUID: "bkUpload00001", ParentGUID: UnfiledGUID, Title: "mine", URL: "https://mine.example",
		DateAdded: now, LastModified: now, Counter: 1, Status: SyncStatusNew,
	})
	ctx := context.Background()
	root, err := s.RunMerge(ctx, noInterrupt(), nil, now)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, noInterrupt(), root, now, nil))

	var queued int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM items_to_upload`).Scan(&queued))
	require.Equal(t, 1, queued)

	uploadedAt := now.Add(time.Minute)
	require.NoError(t, s.SyncFinished(ctx, noInterrupt(), uploadedAt, []string{"bkUpload00001"}, fixedScorer{score: 5}))

	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM items_to_upload`).Scan(&queued))
	require.Equal(t, 0, queued)

	v, ok, err := getMeta(ctx, s.db, MetaLastSyncMS)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, strconv.FormatInt(uploadedAt.UnixMilli(), 10), v)
}

func TestSyncFinished_DrainsStaleFrecencyQueueUsingScorer(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	placeID := insertLocalPlace(t, s, "https://stale.example")
	_, err := s.db.Exec(`INSERT INTO moz_places_stale_frecencies (place_id, stale_at) VALUES (?, ?)`, placeID, now.UnixMilli())
	require.NoError(t, err)

	require.NoError(t, s.SyncFinished(context.Background(), noInterrupt(), now, nil, fixedScorer{score: 42}))

	var frecency, staleCount int
	require.NoError(t, s.db.QueryRow(`SELECT frecency FROM moz_places WHERE id = ?`, placeID).Scan(&frecency))
	require.Equal(t, 42, frecency)
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM moz_places_stale_frecencies WHERE place_id = ?`, placeID).Scan(&staleCount))
	require.Equal(t, 0, staleCount)
}

func TestRecordReuploadOutcome_StartsAndAdvancesStreakThenClearsWhenUnsynced(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	ctx := context.Background()

	require.NoError(t, s.SyncFinished(ctx, noInterrupt(), now, []string{"bkStreak0001"}, fixedScorer{score: 1}))
	streaks, err := s.ConsecutiveReuploads(ctx)
	require.NoError(t, err)
	require.Len(t, streaks, 1)
	require.Equal(t, "bkStreak0001", streaks[0].GUID)
	require.Equal(t, 1, streaks[0].Count)
	require.Nil(t, streaks[0].StoppedAt)

	later := now.Add(time.Minute)
	require.NoError(t, s.SyncFinished(ctx, noInterrupt(), later, []string{"bkStreak0001"}, fixedScorer{score: 1}))
	streaks, err = s.ConsecutiveReuploads(ctx)
	require.NoError(t, err)
	require.Len(t, streaks, 1)
	require.Equal(t, 2, streaks[0].Count)

	evenLater := later.Add(time.Minute)
	require.NoError(t, s.SyncFinished(ctx, noInterrupt(), evenLater, nil, fixedScorer{score: 1}))
	streaks, err = s.ConsecutiveReuploads(ctx)
	require.NoError(t, err)
	require.Empty(t, streaks)
}
