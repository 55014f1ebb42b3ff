package bookmarks

import (
	"context"
	"database/sql"
	"time"
)

// maxVariablesPerStatement bounds how many bind parameters one SQLite
// statement may carry; chunk sizes are derived from it so a single INSERT
// never exceeds the driver's limit.
const maxVariablesPerStatement = 999

// Apply translates a merged tree into row-level operations on the live
// tables via the staged tables and view/trigger fan-out.
// It runs under a transaction unless externalTx is supplied (used by bulk-
// import style callers that manage their own transaction boundary).
func (s *Store) Apply(ctx context.Context, interruptee Interruptee, root *MergedRoot, now time.Time, externalTx *sql.Tx) error {
	owns := externalTx == nil
	tx := externalTx
	var err error
	if owns {
		tx, err = s.db.BeginTx(ctx, nil)
		if err != nil {
			return wrapStorage("begin apply", err)
		}
		defer func() {
			if owns {
				tx.Rollback() //nolint:errcheck
			}
		}()
	}

	if err := s.insertMergedDescendants(ctx, interruptee, tx, root.Descendants, now); err != nil {
		return err
	}
	if err := s.insertItemsToRemove(ctx, interruptee, tx, root.Deletions, now); err != nil {
		return err
	}

	// Step 3: fan out to local inserts/updates, ordered items_to_merge
	// before structure_to_merge before items_to_remove so atomicity and
	// ordering hold even when the views are inlined rather than trigger-
	// driven, per the design notes.
	if _, err := tx.ExecContext(ctx, `DELETE FROM items_to_merge`); err != nil {
		return wrapStorage("fan out items_to_merge", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM structure_to_merge`); err != nil {
		return wrapStorage("fan out structure_to_merge", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items_to_remove`); err != nil {
		return wrapStorage("fan out items_to_remove", err)
	}

	if err := s.stageOutgoing(ctx, interruptee, tx, now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM merged_tree`); err != nil {
		return wrapStorage("truncate merged_tree", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ids_to_weakly_upload`); err != nil {
		return wrapStorage("truncate ids_to_weakly_upload", err)
	}

	if owns {
		if err := tx.Commit(); err != nil {
			return wrapStorage("commit apply", err)
		}
		owns = false
	}
	return nil
}

// insertMergedDescendants chunk-inserts descendants into merged_tree. All
// nine columns of a row are bound as parameters, so a chunk holds
// max_variables / 9 rows; no column is inlined as a literal.
func (s *Store) insertMergedDescendants(ctx context.Context, interruptee Interruptee, tx *sql.Tx, descendants []MergedDescendant, now time.Time) error {
	const perRow = 9 // local_guid, remote_guid, merged_guid, merged_parent_guid, level, position, use_remote, should_upload, merged_at
	chunkSize := maxVariablesPerStatement / perRow
	if chunkSize < 1 {
		chunkSize = 1
	}

	for start := 0; start < len(descendants); start += chunkSize {
		if err := interruptee.Err(); err != nil {
			return err
		}
		end := start + chunkSize
		if end > len(descendants) {
			end = len(descendants)
		}
		chunk := descendants[start:end]

		query := "INSERT INTO merged_tree (local_guid, remote_guid, merged_guid, merged_parent_guid, level, position, use_remote, should_upload, merged_at) VALUES "
		args := make([]any, 0, len(chunk)*perRow)
		for i, d := range chunk {
			if i > 0 {
				query += ", "
			}
			query += "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args, nilableString(d.LocalGUID), nilableString(d.RemoteGUID), d.MergedGUID, d.MergedParentGUID,
				d.Level, d.Position, boolToInt(d.State.UseRemote()), boolToInt(d.State.ShouldUpload()), now.UnixMilli())
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return wrapStorage("insert merged_tree chunk", err)
		}
	}
	return nil
}

func (s *Store) insertItemsToRemove(ctx context.Context, interruptee Interruptee, tx *sql.Tx, deletions []Deletion, now time.Time) error {
	const perRow = 4
	chunkSize := maxVariablesPerStatement / perRow
	if chunkSize < 1 {
		chunkSize = 1
	}

	for start := 0; start < len(deletions); start += chunkSize {
		if err := interruptee.Err(); err != nil {
			return err
		}
		end := start + chunkSize
		if end > len(deletions) {
			end = len(deletions)
		}
		chunk := deletions[start:end]

		query := "INSERT INTO items_to_remove (guid, local_level, should_upload_tombstone, removed_at) VALUES "
		args := make([]any, 0, len(chunk)*perRow)
		for i, d := range chunk {
			if i > 0 {
				query += ", "
			}
			query += "(?, ?, ?, ?)"
			args = append(args, d.GUID, d.LocalLevel, boolToInt(d.ShouldUploadTombstone), now.UnixMilli())
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return wrapStorage("insert items_to_remove chunk", err)
		}
	}
	return nil
}

// stageOutgoing populates ids_to_weakly_upload, items_to_upload,
// structure_to_upload, and tags_to_upload per step 6 of the applier
// algorithm.
func (s *Store) stageOutgoing(ctx context.Context, interruptee Interruptee, tx *sql.Tx, now time.Time) error {
	if err := interruptee.Err(); err != nil {
		return err
	}

	// Remote-won items whose local date_added predated remote's: weak
	// upload carries just the older date forward, not a full re-merge.
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ids_to_weakly_upload (id)
		SELECT b.id
		FROM moz_bookmarks b
		JOIN merged_tree m ON m.merged_guid = b.guid
		JOIN moz_bookmarks_synced s ON s.guid = m.remote_guid
		WHERE m.use_remote = 1
		  AND s.date_added IS NOT NULL
		  AND b.date_added < s.date_added`); err != nil {
		return wrapStorage("stage weak uploads", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO items_to_upload
			(id, guid, sync_change_counter, parent_guid, parent_title, date_added, title, place_id, kind, url, keyword, position, is_deleted, uploaded_at)
		SELECT b.id, b.guid, b.sync_change_counter, p.guid, p.title, b.date_added, b.title, b.place_id,
		       b.type, pl.url, kw.keyword, b.position, 0, NULL
		FROM moz_bookmarks b
		JOIN moz_bookmarks p ON p.id = b.parent
		LEFT JOIN moz_places pl ON pl.id = b.place_id
		LEFT JOIN moz_keywords kw ON kw.place_id = b.place_id
		JOIN merged_tree m ON m.merged_guid = b.guid
		WHERE (m.should_upload = 1 OR b.sync_change_counter > 0 OR b.id IN (SELECT id FROM ids_to_weakly_upload))`); err != nil {
		return wrapStorage("stage items_to_upload", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO structure_to_upload (guid, parent_id, position)
		SELECT b.guid, p.guid, b.position
		FROM moz_bookmarks b
		JOIN moz_bookmarks p ON p.id = b.parent
		WHERE p.guid IN (SELECT guid FROM items_to_upload WHERE kind = 2)
		ORDER BY p.guid, b.position`); err != nil {
		return wrapStorage("stage structure_to_upload", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tags_to_upload (id, tag)
		SELECT b.guid, t.name
		FROM moz_bookmarks b
		JOIN moz_bookmarks_tag_relation r ON r.place_id = b.place_id
		JOIN moz_bookmarks_tags t ON t.id = r.tag_id
		WHERE b.guid IN (SELECT guid FROM items_to_upload)`); err != nil {
		return wrapStorage("stage tags_to_upload", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO items_to_upload (guid, sync_change_counter, is_deleted)
		SELECT guid, 1, 1 FROM moz_bookmarks_deleted
		WHERE guid NOT IN (SELECT guid FROM items_to_upload)`); err != nil {
		return wrapStorage("stage tombstone uploads", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nilableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
