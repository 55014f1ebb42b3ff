package bookmarks

import (
	"context"
	"database/sql"
	"strconv"
	"time"
)

// FrecencyScorer is the external pure-function scorer the finalizer
// delegates to, since it's an explicit out-of-scope boundary here.
type FrecencyScorer interface {
	Score(ctx context.Context, placeID int64, url string) (int, error)
}

// SyncFinished runs the post-sync finalizer: clears upload flags,
// advances LAST_SYNC_MS, recomputes stale frecencies in chunks, and
// checkpoints the WAL.
func (s *Store) SyncFinished(ctx context.Context, interruptee Interruptee, uploadedAt time.Time, syncedGUIDs []string, scorer FrecencyScorer) error {
	if err := s.pushSyncedItems(ctx, interruptee, uploadedAt, syncedGUIDs); err != nil {
		return err
	}
	if err := s.updateFrecencies(ctx, interruptee, scorer); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`); err != nil {
		return wrapStorage("checkpoint wal", err)
	}
	return nil
}

func (s *Store) pushSyncedItems(ctx context.Context, interruptee Interruptee, uploadedAt time.Time, syncedGUIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin push synced items", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const chunkSize = 200
	for start := 0; start < len(syncedGUIDs); start += chunkSize {
		if err := interruptee.Err(); err != nil {
			return err
		}
		end := start + chunkSize
		if end > len(syncedGUIDs) {
			end = len(syncedGUIDs)
		}
		chunk := syncedGUIDs[start:end]

		for _, guid := range chunk {
			if err := s.recordReuploadOutcome(ctx, tx, guid, true, uploadedAt); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE items_to_upload SET uploaded_at = ? WHERE guid = ?`, uploadedAt.UnixMilli(), guid); err != nil {
				return wrapStorage("update items_to_upload.uploaded_at", err)
			}
		}
	}

	if err := s.clearStreaksForUnsyncedGUIDs(ctx, tx, syncedGUIDs, uploadedAt); err != nil {
		return err
	}

	if err := putMeta(ctx, tx, MetaLastSyncMS, strconv.FormatInt(uploadedAt.UnixMilli(), 10)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items_to_upload`); err != nil {
		return wrapStorage("truncate items_to_upload", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapStorage("commit push synced items", err)
	}
	return nil
}

// recordReuploadOutcome advances the ConsecutiveReupload streak for guid: if
// it was already on a streak, bump the count; otherwise start one. Streaks
// that stop reappearing are cleared by clearStreaksForUnsyncedGUIDs.
func (s *Store) recordReuploadOutcome(ctx context.Context, tx *sql.Tx, guid string, reuploaded bool, at time.Time) error {
	if !reuploaded {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reupload_tracking (guid, started_at, stopped_at, count)
		VALUES (?, ?, NULL, 1)
		ON CONFLICT(guid) DO UPDATE SET
			count = CASE WHEN stopped_at IS NULL THEN count + 1 ELSE 1 END,
			started_at = CASE WHEN stopped_at IS NULL THEN started_at ELSE excluded.started_at END,
			stopped_at = NULL`,
		guid, at.UnixMilli())
	return wrapStorage("record reupload outcome", err)
}

// clearStreaksForUnsyncedGUIDs stops the streak (stamping stopped_at) for
// any guid on an active streak that did not reappear in this cycle's synced
// set.
func (s *Store) clearStreaksForUnsyncedGUIDs(ctx context.Context, tx *sql.Tx, syncedGUIDs []string, at time.Time) error {
	synced := map[string]bool{}
	for _, g := range syncedGUIDs {
		synced[g] = true
	}

	rows, err := tx.QueryContext(ctx, `SELECT guid FROM reupload_tracking WHERE stopped_at IS NULL`)
	if err != nil {
		return wrapStorage("fetch active reupload streaks", err)
	}
	var stale []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			rows.Close()
			return wrapStorage("scan reupload streak", err)
		}
		if !synced[guid] {
			stale = append(stale, guid)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapStorage("iterate reupload streaks", err)
	}

	for _, guid := range stale {
		if _, err := tx.ExecContext(ctx, `UPDATE reupload_tracking SET stopped_at = ? WHERE guid = ?`, at.UnixMilli(), guid); err != nil {
			return wrapStorage("stop reupload streak", err)
		}
	}
	return nil
}

// ConsecutiveReuploads returns every guid currently on an active reupload
// streak, for telemetry reporting.
func (s *Store) ConsecutiveReuploads(ctx context.Context) ([]ConsecutiveReupload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, started_at, stopped_at, count FROM reupload_tracking WHERE stopped_at IS NULL ORDER BY count DESC`)
	if err != nil {
		return nil, wrapStorage("fetch consecutive reuploads", err)
	}
	defer rows.Close()

	var out []ConsecutiveReupload
	for rows.Next() {
		var r ConsecutiveReupload
		var started int64
		var stopped sql.NullInt64
		if err := rows.Scan(&r.GUID, &started, &stopped, &r.Count); err != nil {
			return nil, wrapStorage("scan consecutive reupload", err)
		}
		r.StartedAt = time.UnixMilli(started)
		if stopped.Valid {
			t := time.UnixMilli(stopped.Int64)
			r.StoppedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate consecutive reuploads", err)
	}
	s.metrics.ConsecutiveReuploads.Set(float64(len(out)))
	return out, nil
}

// ConsecutiveReupload tracks how many cycles in a row the same guid has
// needed reupload, surfaced via telemetry so operators can detect feedback
// loops.
type ConsecutiveReupload struct {
	GUID      string
	StartedAt time.Time
	StoppedAt *time.Time
	Count     int
}

// updateFrecencies drains the stale-frecency queue in chunks (most recently
// stale first), scoring each place and writing the batch back with a single
// bulk UPDATE. Queues new rows added mid-batch for the next cycle.
func (s *Store) updateFrecencies(ctx context.Context, interruptee Interruptee, scorer FrecencyScorer) error {
	chunkSize := s.cfg.frecencyChunkSize()

	for {
		if err := interruptee.Err(); err != nil {
			return err
		}

		type staleRow struct {
			placeID int64
			url     string
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT q.place_id, p.url FROM moz_places_stale_frecencies q
			JOIN moz_places p ON p.id = q.place_id
			ORDER BY q.stale_at DESC LIMIT ?`, chunkSize)
		if err != nil {
			return wrapStorage("fetch stale frecencies", err)
		}
		var batch []staleRow
		for rows.Next() {
			var r staleRow
			if err := rows.Scan(&r.placeID, &r.url); err != nil {
				rows.Close()
				return wrapStorage("scan stale frecency", err)
			}
			batch = append(batch, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wrapStorage("iterate stale frecencies", err)
		}
		if len(batch) == 0 {
			return nil
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return wrapStorage("begin frecency chunk", err)
		}

		caseSQL := "UPDATE moz_places SET frecency = CASE id "
		args := make([]any, 0, len(batch)*2+len(batch))
		ids := make([]any, 0, len(batch))
		for _, r := range batch {
			if err := interruptee.Err(); err != nil {
				tx.Rollback() //nolint:errcheck
				return err
			}
			score, err := scorer.Score(ctx, r.placeID, r.url)
			if err != nil {
				tx.Rollback() //nolint:errcheck
				return err
			}
			caseSQL += "WHEN ? THEN ? "
			args = append(args, r.placeID, score)
			ids = append(ids, r.placeID)
		}
		caseSQL += "ELSE frecency END WHERE id IN (" + placeholders(len(ids)) + ")"
		args = append(args, ids...)

		if _, err := tx.ExecContext(ctx, caseSQL, args...); err != nil {
			tx.Rollback() //nolint:errcheck
			return wrapStorage("bulk update frecencies", err)
		}

		delSQL := "DELETE FROM moz_places_stale_frecencies WHERE place_id IN (" + placeholders(len(ids)) + ")"
		if _, err := tx.ExecContext(ctx, delSQL, ids...); err != nil {
			tx.Rollback() //nolint:errcheck
			return wrapStorage("drain stale frecencies", err)
		}

		if err := tx.Commit(); err != nil {
			return wrapStorage("commit frecency chunk", err)
		}

		if len(batch) < chunkSize {
			return nil
		}
	}
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

