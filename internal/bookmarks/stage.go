package bookmarks

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// StageIncoming applies every change in the changeset to the mirror and
// returns the changeset's timestamp. It does not write LAST_SYNC_MS itself;
// that key is written only by SyncFinished and Reset. Staging runs inside a single logical
// transaction that commits periodically via a commitBatcher to bound WAL
// growth; interruption is checked between records.
func (s *Store) StageIncoming(ctx context.Context, interruptee Interruptee, changeset IncomingChangeset) (time.Time, error) {
	batcher := newCommitBatcher(s.cfg)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, wrapStorage("begin stage incoming", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback() //nolint:errcheck
		}
	}()

	for _, change := range changeset.Changes {
		if err := interruptee.Err(); err != nil {
			return time.Time{}, err
		}

		if err := s.applyPayload(ctx, tx, change.Payload, change.ServerModified); err != nil {
			if errors.Is(err, ErrInvalidPayload) {
				s.logger.Warn("skipping invalid incoming payload", "guid", change.Payload.GUID, "err", err)
				continue
			}
			return time.Time{}, err
		}

		if batcher.recordApplied() {
			if err := tx.Commit(); err != nil {
				return time.Time{}, wrapStorage("commit staging batch", err)
			}
			committed = true
			tx, err = s.db.BeginTx(ctx, nil)
			if err != nil {
				return time.Time{}, wrapStorage("begin next staging batch", err)
			}
			committed = false
			batcher.reset()
		}
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, wrapStorage("commit stage incoming", err)
	}
	committed = true

	return changeset.Timestamp, nil
}

// applyPayload upserts one mirror row for payload. Unknown record kinds are
// silently discarded. Livemarks are stored but will be treated as deletions
// by the merge (obsolete kind).
func (s *Store) applyPayload(ctx context.Context, tx *sql.Tx, p Payload, serverModified time.Time) error {
	if p.GUID == "" {
		return ErrInvalidPayload
	}

	if p.Deleted {
		return s.stageTombstone(ctx, tx, p, serverModified)
	}

	switch p.Kind {
	case KindBookmark, KindQuery:
		return s.stageURLRecord(ctx, tx, p, serverModified)
	case KindFolder, KindLivemark:
		return s.stageFolderRecord(ctx, tx, p, serverModified)
	case KindSeparator:
		return s.stageSeparatorRecord(ctx, tx, p, serverModified)
	default:
		// Unknown kinds are silently discarded per the validation policy.
		return nil
	}
}

func (s *Store) stageTombstone(ctx context.Context, tx *sql.Tx, p Payload, serverModified time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO moz_bookmarks_synced (guid, kind, server_modified, needs_merge, is_deleted, validity)
		VALUES (?, 1, ?, 1, 1, 0)
		ON CONFLICT(guid) DO UPDATE SET
			is_deleted = 1, needs_merge = 1, server_modified = excluded.server_modified`,
		p.GUID, serverModified.UnixMilli())
	return wrapStorage("stage tombstone", err)
}

func (s *Store) stageURLRecord(ctx context.Context, tx *sql.Tx, p Payload, serverModified time.Time) error {
	validity := ValidityValid
	rawURL := ""
	if p.BookmarkURI != nil {
		rawURL = *p.BookmarkURI
	}

	normalized, ok := normalizeBookmarkURL(rawURL)
	if !ok {
		validity = ValidityReplace
	}

	kind := p.Kind
	if isQueryScheme(normalized) {
		kind = KindQuery
	}

	var placeID sql.NullInt64
	if validity != ValidityReplace {
		id, err := upsertPlace(ctx, tx, normalized)
		if err != nil {
			return err
		}
		placeID = sql.NullInt64{Int64: id, Valid: true}
	}

	title := normalizeTitle(p.Title)
	keyword := normalizeKeyword(p.Keyword)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO moz_bookmarks_synced
			(guid, parent_guid, kind, title, place_id, keyword, date_added, server_modified, needs_merge, is_deleted, validity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?)
		ON CONFLICT(guid) DO UPDATE SET
			parent_guid = excluded.parent_guid, kind = excluded.kind, title = excluded.title,
			place_id = excluded.place_id, keyword = excluded.keyword, date_added = excluded.date_added,
			server_modified = excluded.server_modified, needs_merge = 1, is_deleted = 0, validity = excluded.validity`,
		p.GUID, nullableString(p.ParentGUID), int(kind), title, placeID, keyword,
		nullableMS(p.DateAdded), serverModified.UnixMilli(), int(validity)); err != nil {
		return wrapStorage("upsert url record", err)
	}

	if err := replaceSyncedTags(ctx, tx, p.GUID, p.Tags); err != nil {
		return err
	}
	return nil
}

func (s *Store) stageFolderRecord(ctx context.Context, tx *sql.Tx, p Payload, serverModified time.Time) error {
	kind := KindFolder
	if p.Kind == KindLivemark {
		kind = KindLivemark
	}

	title := normalizeTitle(p.Title)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO moz_bookmarks_synced (guid, parent_guid, kind, title, server_modified, needs_merge, is_deleted, validity)
		VALUES (?, ?, ?, ?, ?, 1, 0, 0)
		ON CONFLICT(guid) DO UPDATE SET
			parent_guid = excluded.parent_guid, kind = excluded.kind, title = excluded.title,
			server_modified = excluded.server_modified, needs_merge = 1, is_deleted = 0, validity = 0`,
		p.GUID, nullableString(p.ParentGUID), int(kind), title, serverModified.UnixMilli()); err != nil {
		return wrapStorage("upsert folder record", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM moz_bookmarks_synced_structure WHERE parent_guid = ?`, p.GUID); err != nil {
		return wrapStorage("clear folder structure", err)
	}
	for i, child := range p.Children {
		if child == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moz_bookmarks_synced_structure (guid, parent_guid, position) VALUES (?, ?, ?)`,
			child, p.GUID, i); err != nil {
			return wrapStorage("insert folder structure child", err)
		}
	}
	return nil
}

func (s *Store) stageSeparatorRecord(ctx context.Context, tx *sql.Tx, p Payload, serverModified time.Time) error {
	// Position is carried through structure_to_upload at materialization
	// time; the mirror itself only needs to know the separator exists.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO moz_bookmarks_synced (guid, parent_guid, kind, server_modified, needs_merge, is_deleted, validity)
		VALUES (?, ?, ?, ?, 1, 0, 0)
		ON CONFLICT(guid) DO UPDATE SET
			parent_guid = excluded.parent_guid, kind = excluded.kind,
			server_modified = excluded.server_modified, needs_merge = 1, is_deleted = 0, validity = 0`,
		p.GUID, nullableString(p.ParentGUID), int(KindSeparator), serverModified.UnixMilli()); err != nil {
		return wrapStorage("upsert separator record", err)
	}
	return nil
}

func replaceSyncedTags(ctx context.Context, tx *sql.Tx, guid string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM moz_bookmarks_synced_tags WHERE guid = ?`, guid); err != nil {
		return wrapStorage("clear synced tags", err)
	}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO moz_bookmarks_synced_tags (guid, tag) VALUES (?, ?)`, guid, t); err != nil {
			return wrapStorage("insert synced tag", err)
		}
	}
	return nil
}

func upsertPlace(ctx context.Context, tx *sql.Tx, rawURL string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM moz_places WHERE url = ?`, rawURL).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, wrapStorage("query place", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO moz_places (url, frecency) VALUES (?, -1)`, rawURL)
	if err != nil {
		return 0, wrapStorage("insert place", err)
	}
	return res.LastInsertId()
}

// normalizeBookmarkURL parses and re-serializes a bookmark URI, reporting ok
// = false when it is empty, unparseable or has no scheme; the caller stores
// such records with validity = replace. Any URL that parses with a scheme is
// treated as fully valid, so no record is classified as reupload.
func normalizeBookmarkURL(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw, false
	}
	return u.String(), true
}

func isQueryScheme(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "place"
}

func normalizeTitle(title *string) any {
	if title == nil {
		return nil
	}
	return norm.NFC.String(*title)
}

func normalizeKeyword(keyword *string) any {
	if keyword == nil {
		return nil
	}
	return norm.NFC.String(strings.ToLower(*keyword))
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableMS(ms *int64) any {
	if ms == nil {
		return nil
	}
	return *ms
}
