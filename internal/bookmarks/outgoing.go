package bookmarks

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/sync/errgroup"
)

// FetchOutgoingRecords builds one outgoing changeset from the staged
// tables: structure_to_upload keyed by parent, tags_to_upload keyed by
// item, then one record per items_to_upload row. The two lookup maps are
// read concurrently ahead of the serialized row iteration, since both are
// read-only and independent of each other.
func (s *Store) FetchOutgoingRecords(ctx context.Context, interruptee Interruptee, timestamp time.Time) (*OutgoingChangeset, error) {
	var childrenByParent map[string][]string
	var tagsByGUID map[string][]string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := s.childRecordIDsByParent(gctx)
		childrenByParent = m
		return err
	})
	g.Go(func() error {
		m, err := s.tagsByLocalGUID(gctx)
		tagsByGUID = m
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// items_to_upload.kind holds the local moz_bookmarks.type (1=bookmark,
	// 2=folder, 3=separator); it is mapped onto Kind here, with query derived
	// from a place: URL.
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, parent_guid, parent_title, date_added, title, place_id,
		       CASE kind WHEN 2 THEN 3 WHEN 3 THEN 5 ELSE CASE WHEN url LIKE 'place:%' THEN 2 ELSE 1 END END,
		       url, keyword, position, is_deleted
		FROM items_to_upload`)
	if err != nil {
		return nil, wrapStorage("fetch items_to_upload", err)
	}
	defer rows.Close()

	changeset := &OutgoingChangeset{Timestamp: timestamp}
	for rows.Next() {
		if err := interruptee.Err(); err != nil {
			return nil, err
		}
		var guid string
		var parentGUID, parentTitle, title, urlStr, keyword sql.NullString
		var dateAdded sql.NullInt64
		var placeID sql.NullInt64
		var kindInt sql.NullInt64
		var position sql.NullInt64
		var isDeleted int
		if err := rows.Scan(&guid, &parentGUID, &parentTitle, &dateAdded, &title, &placeID, &kindInt, &urlStr, &keyword, &position, &isDeleted); err != nil {
			return nil, wrapStorage("scan items_to_upload row", err)
		}

		if isDeleted != 0 {
			changeset.Records = append(changeset.Records, OutgoingRecord{ID: guid, Deleted: true})
			continue
		}

		kind := Kind(kindInt.Int64)
		if kind == KindLivemark {
			continue // obsolete kind, skipped
		}

		rec := OutgoingRecord{
			ID:       guid,
			Type:     kind,
			ParentID: parentGUID.String,
		}
		if parentTitle.Valid {
			t := parentTitle.String
			rec.ParentTitle = &t
		}
		if dateAdded.Valid {
			v := dateAdded.Int64
			rec.DateAdded = &v
		}
		if title.Valid {
			t := title.String
			rec.Title = &t
		}

		switch kind {
		case KindBookmark, KindQuery:
			if urlStr.Valid {
				u := urlStr.String
				rec.BookmarkURI = &u
			}
			if keyword.Valid {
				k := keyword.String
				rec.Keyword = &k
			}
			rec.Tags = tagsByGUID[guid]
			if kind == KindQuery {
				rec.TagFolderName = nil // always null in this revision, per the open question in the design notes
			}
		case KindFolder:
			rec.Children = childrenByParent[guid]
		case KindSeparator:
			if position.Valid {
				p := int(position.Int64)
				rec.Position = &p
			}
		}

		changeset.Records = append(changeset.Records, rec)
	}
	return changeset, wrapStorage("iterate items_to_upload", rows.Err())
}

func (s *Store) childRecordIDsByParent(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT parent_id, guid FROM structure_to_upload ORDER BY parent_id, position`)
	if err != nil {
		return nil, wrapStorage("fetch structure_to_upload", err)
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var parent, guid string
		if err := rows.Scan(&parent, &guid); err != nil {
			return nil, wrapStorage("scan structure_to_upload", err)
		}
		out[parent] = append(out[parent], guid)
	}
	return out, wrapStorage("iterate structure_to_upload", rows.Err())
}

func (s *Store) tagsByLocalGUID(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tag FROM tags_to_upload`)
	if err != nil {
		return nil, wrapStorage("fetch tags_to_upload", err)
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var guid, tag string
		if err := rows.Scan(&guid, &tag); err != nil {
			return nil, wrapStorage("scan tags_to_upload", err)
		}
		out[guid] = append(out[guid], tag)
	}
	return out, wrapStorage("iterate tags_to_upload", rows.Err())
}
