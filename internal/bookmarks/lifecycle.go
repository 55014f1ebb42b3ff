package bookmarks

import (
	"context"
	"time"
)

// Reset empties the mirror, clears local tombstones, marks every local item
// as needing reupload, recreates the mirror roots, zeroes LAST_SYNC_MS, and
// writes or clears the sync association metadata depending on whether the
// caller is disconnecting or reconnecting. Local content is fully preserved
// and will reupload on next sync.
func (s *Store) Reset(ctx context.Context, assoc SyncAssoc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin reset", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM moz_bookmarks_synced`); err != nil {
		return wrapStorage("clear mirror", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM moz_bookmarks_synced_structure`); err != nil {
		return wrapStorage("clear mirror structure", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM moz_bookmarks_synced_tags`); err != nil {
		return wrapStorage("clear mirror tags", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM moz_bookmarks_deleted`); err != nil {
		return wrapStorage("clear local tombstones", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE moz_bookmarks SET sync_change_counter = 1, sync_status = 0`); err != nil {
		return wrapStorage("mark local items new", err)
	}

	if err := createSyncedRoots(ctx, tx); err != nil {
		return err
	}

	if err := putMeta(ctx, tx, MetaLastSyncMS, "0"); err != nil {
		return err
	}

	if assoc.Connected {
		if err := putMeta(ctx, tx, MetaGlobalSyncID, assoc.GlobalSyncID); err != nil {
			return err
		}
		if err := putMeta(ctx, tx, MetaCollSyncID, assoc.CollSyncID); err != nil {
			return err
		}
	} else {
		if err := deleteMeta(ctx, tx, MetaGlobalSyncID); err != nil {
			return err
		}
		if err := deleteMeta(ctx, tx, MetaCollSyncID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapStorage("commit reset", err)
	}
	return nil
}

// Wipe inserts tombstones for every non-root local item whose sync_status is
// normal, increments the four user roots' change counters so their
// now-empty children lists upload, deletes the non-root local items,
// recreates mirror roots, and keeps LAST_SYNC_MS intact. The next sync will
// upload the deletions and surface any remote-only items that arrived in
// the interim, reparented per the tree builder's orphan rule.
func (s *Store) Wipe(ctx context.Context, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin wipe", err)
	}
	defer tx.Rollback() //nolint:errcheck

	frag, args := rootGUIDsIn()
	tombstoneArgs := append([]any{now.UnixMilli()}, args...)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO moz_bookmarks_deleted (guid, date_removed)
		SELECT guid, ? FROM moz_bookmarks
		WHERE guid NOT IN `+frag+` AND sync_status = 1
		  AND guid NOT IN (SELECT guid FROM moz_bookmarks_deleted)`, tombstoneArgs...); err != nil {
		return wrapStorage("tombstone wiped items", err)
	}

	rootArgs := make([]any, len(userRootGUIDs))
	for i, g := range userRootGUIDs {
		rootArgs[i] = g
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE moz_bookmarks SET sync_change_counter = sync_change_counter + 1
		WHERE guid IN (`+placeholders(len(userRootGUIDs))+`)`, rootArgs...); err != nil {
		return wrapStorage("bump root change counters", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM moz_bookmarks WHERE guid NOT IN `+frag, args...); err != nil {
		return wrapStorage("delete wiped local items", err)
	}

	if err := createLocalRoots(ctx, tx); err != nil {
		return err
	}
	if err := createSyncedRoots(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapStorage("commit wipe", err)
	}
	return nil
}
