package bookmarks

import (
	"context"
	"database/sql"
	"sort"
	"time"
)

// localItemsRecursiveCTE materializes the live local tree rooted at
// RootGUID, ordered by (level, parent guid, position). The local type column
// (1=bookmark, 2=folder, 3=separator) is mapped onto Kind.
const localItemsRecursiveCTE = `
WITH RECURSIVE
localItems(id, guid, parentGuid, type, syncChangeCounter, lastModified, level, position) AS (
	SELECT id, guid, NULL, type, sync_change_counter, last_modified, 0, 0
	FROM moz_bookmarks WHERE guid = ?
	UNION ALL
	SELECT b.id, b.guid, p.guid, b.type, b.sync_change_counter, b.last_modified, p.level + 1, b.position
	FROM moz_bookmarks b
	JOIN localItems p ON b.parent = p.id
)
SELECT guid, parentGuid, CASE type WHEN 2 THEN 3 WHEN 3 THEN 5 ELSE 1 END, syncChangeCounter, lastModified, level, position
FROM localItems
ORDER BY level, parentGuid, position`

// FetchLocalTree builds a fully-rooted tree from the live local tables. Local
// tombstones are attached as noted-deleted guids, not as nodes.
func (s *Store) FetchLocalTree(ctx context.Context, interruptee Interruptee, now time.Time) (*Tree, error) {
	rows, err := s.db.QueryContext(ctx, localItemsRecursiveCTE, RootGUID)
	if err != nil {
		return nil, wrapStorage("fetch local tree", err)
	}
	defer rows.Close()

	tree := newTree(RootGUID)
	found := false
	for rows.Next() {
		if err := interruptee.Err(); err != nil {
			return nil, err
		}
		var guid string
		var parentGUID sql.NullString
		var kind int
		var counter int
		var lastModified int64
		var level, position int
		if err := rows.Scan(&guid, &parentGUID, &kind, &counter, &lastModified, &level, &position); err != nil {
			return nil, wrapStorage("scan local tree row", err)
		}
		found = true
		node := &TreeNode{
			GUID:       guid,
			Kind:       Kind(kind),
			NeedsMerge: counter > 0,
			AgeMS:      now.UnixMilli() - lastModified,
			Level:      level,
			Position:   position,
		}
		if parentGUID.Valid {
			node.ParentGUID = parentGUID.String
		}
		tree.addNode(node)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate local tree", err)
	}
	if !found {
		return nil, newCorruption("invalid local roots")
	}

	if err := s.attachLocalTombstones(ctx, tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (s *Store) attachLocalTombstones(ctx context.Context, tree *Tree) error {
	rows, err := s.db.QueryContext(ctx, `SELECT guid FROM moz_bookmarks_deleted`)
	if err != nil {
		return wrapStorage("fetch local tombstones", err)
	}
	defer rows.Close()
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return wrapStorage("scan local tombstone", err)
		}
		tree.NotedDeleted[guid] = true
	}
	return wrapStorage("iterate local tombstones", rows.Err())
}

// FetchRemoteTree builds a fully-rooted tree from the mirror in three
// passes: the root row, descendants linked by parent_guid edges, then an
// authoritative overwrite pass from the structure table (which is what
// detects parent/child disagreement telemetry). Orphans are reparented to
// unfiled before the tree is finalized. Mirror tombstones with
// needs_merge = true are noted-deleted.
func (s *Store) FetchRemoteTree(ctx context.Context, interruptee Interruptee, now time.Time) (*Tree, *ValidationStats, error) {
	stats := &ValidationStats{}

	var rootExists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM moz_bookmarks_synced WHERE guid = ?)`, RootGUID).Scan(&rootExists); err != nil {
		return nil, nil, wrapStorage("check synced root", err)
	}
	if !rootExists {
		return nil, nil, newCorruption("invalid synced roots")
	}

	tree := newTree(RootGUID)
	tree.addNode(&TreeNode{GUID: RootGUID, Kind: KindFolder, Level: 0})

	all := map[string]*remoteRow{RootGUID: {guid: RootGUID, kind: KindFolder.String()}}

	rs, err := s.db.QueryContext(ctx, `
		SELECT guid, parent_guid, kind, server_modified, is_deleted, needs_merge
		FROM moz_bookmarks_synced WHERE guid != ?`, RootGUID)
	if err != nil {
		return nil, nil, wrapStorage("fetch mirror descendants", err)
	}
	defer rs.Close()
	for rs.Next() {
		if err := interruptee.Err(); err != nil {
			return nil, nil, err
		}
		var r remoteRow
		var kindInt int
		var isDeletedInt, needsMergeInt int
		if err := rs.Scan(&r.guid, &r.parentGUID, &kindInt, &r.serverModified, &isDeletedInt, &needsMergeInt); err != nil {
			return nil, nil, wrapStorage("scan mirror descendant", err)
		}
		r.kind = Kind(kindInt).String()
		// Livemarks are an obsolete kind and are handled like tombstones.
		r.isDeleted = isDeletedInt != 0 || Kind(kindInt) == KindLivemark
		r.needsMerge = needsMergeInt != 0
		all[r.guid] = &r

		if r.isDeleted {
			if r.needsMerge {
				tree.NotedDeleted[r.guid] = true
			}
			continue
		}

		parent := UnfiledGUID
		if r.parentGUID.Valid && r.parentGUID.String != "" {
			parent = r.parentGUID.String
		} else {
			stats.Orphans++
		}
		if isUserRoot(r.guid) && parent != RootGUID {
			stats.MisparentedRoots++
			parent = RootGUID
		}

		tree.addNode(&TreeNode{
			GUID:       r.guid,
			ParentGUID: parent,
			Kind:       Kind(kindInt),
			NeedsMerge: r.needsMerge,
			AgeMS:      now.UnixMilli() - r.serverModified,
		})
	}
	if err := rs.Err(); err != nil {
		return nil, nil, wrapStorage("iterate mirror descendants", err)
	}

	if err := s.applyRemoteStructure(ctx, interruptee, tree, all, stats); err != nil {
		return nil, nil, err
	}

	reparentOrphansToUnfiled(tree, stats)
	assignLevelsAndPositions(tree)

	return tree, stats, nil
}

// remoteRow is a scratch projection of one mirror row used only while the
// remote tree is being built.
type remoteRow struct {
	guid, kind     string
	parentGUID     sql.NullString
	serverModified int64
	isDeleted      bool
	needsMerge     bool
}

// applyRemoteStructure overwrites parent assignment using the authoritative
// structure table, reparenting any node whose structure-table parent
// disagrees with its own parent_guid pointer, and counting missing-parent /
// non-folder-parent / missing-children telemetry.
func (s *Store) applyRemoteStructure(ctx context.Context, interruptee Interruptee, tree *Tree, all map[string]*remoteRow, stats *ValidationStats) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, parent_guid, position FROM moz_bookmarks_synced_structure ORDER BY parent_guid, position`)
	if err != nil {
		return wrapStorage("fetch mirror structure", err)
	}
	defer rows.Close()

	claimedBy := map[string]string{}
	for rows.Next() {
		if err := interruptee.Err(); err != nil {
			return err
		}
		var childGUID, parentGUID string
		var position int
		if err := rows.Scan(&childGUID, &parentGUID, &position); err != nil {
			return wrapStorage("scan mirror structure", err)
		}

		parentRow, parentKnown := all[parentGUID]
		if !parentKnown {
			continue
		}
		if parentRow.kind != KindFolder.String() && parentGUID != RootGUID {
			stats.NonFolderParents++
		}

		childRow, childKnown := all[childGUID]
		if !childKnown {
			stats.MissingChildren++
			continue
		}
		if childRow.isDeleted {
			continue
		}

		if prior, seen := claimedBy[childGUID]; seen && prior != parentGUID {
			stats.MultipleParents++
		}
		claimedBy[childGUID] = parentGUID

		node := tree.Nodes[childGUID]
		if node == nil {
			continue
		}
		if node.ParentGUID != parentGUID {
			stats.ParentChildDisagreements++
			node.ParentGUID = parentGUID
		}
		node.Position = position
	}
	if err := rows.Err(); err != nil {
		return wrapStorage("iterate mirror structure", err)
	}

	for guid, r := range all {
		if guid == RootGUID || r.isDeleted {
			continue
		}
		if r.parentGUID.Valid && r.parentGUID.String != "" {
			if parentRow, ok := all[r.parentGUID.String]; ok && !parentRow.isDeleted {
				if _, claimed := claimedBy[guid]; !claimed {
					stats.MissingParents++
				}
			}
		}
	}

	return nil
}

func reparentOrphansToUnfiled(tree *Tree, stats *ValidationStats) {
	for guid, node := range tree.Nodes {
		if guid == RootGUID || isUserRoot(guid) {
			continue
		}
		if _, ok := tree.Nodes[node.ParentGUID]; !ok {
			node.ParentGUID = UnfiledGUID
			stats.Orphans++
		}
	}
}

// assignLevelsAndPositions derives level/position/children ordering once
// every node's final parent is known, breaking ties by guid for determinism.
func assignLevelsAndPositions(tree *Tree) {
	tree.Children = map[string][]string{}
	for guid, node := range tree.Nodes {
		if guid == RootGUID {
			continue
		}
		tree.Children[node.ParentGUID] = append(tree.Children[node.ParentGUID], guid)
	}
	for parent, kids := range tree.Children {
		sort.Slice(kids, func(i, j int) bool {
			ni, nj := tree.Nodes[kids[i]], tree.Nodes[kids[j]]
			if ni.Position != nj.Position {
				return ni.Position < nj.Position
			}
			return kids[i] < kids[j]
		})
		tree.Children[parent] = kids
		for i, k := range kids {
			tree.Nodes[k].Position = i
		}
	}

	var walk func(guid string, level int)
	walk = func(guid string, level int) {
		if node, ok := tree.Nodes[guid]; ok {
			node.Level = level
		}
		for _, c := range tree.Children[guid] {
			walk(c, level+1)
		}
	}
	walk(RootGUID, 0)
}

// FetchNewLocalContents returns content descriptors for local items never
// seen remotely (no mirror row), not under the synthetic root, and whose
// sync_status is not normal. Items with missing URLs are skipped.
func (s *Store) FetchNewLocalContents(ctx context.Context, interruptee Interruptee) (map[string]Content, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.guid,
		       CASE b.type WHEN 2 THEN 3 WHEN 3 THEN 5 ELSE CASE WHEN pl.url LIKE 'place:%' THEN 2 ELSE 1 END END,
		       b.title, pl.url, b.position
		FROM moz_bookmarks b
		LEFT JOIN moz_places pl ON pl.id = b.place_id
		WHERE b.guid NOT IN `+rootsInSQL()+`
		  AND b.sync_status != 1
		  AND NOT EXISTS (SELECT 1 FROM moz_bookmarks_synced s WHERE s.guid = b.guid)`)
	if err != nil {
		return nil, wrapStorage("fetch new local contents", err)
	}
	defer rows.Close()

	out := map[string]Content{}
	for rows.Next() {
		if err := interruptee.Err(); err != nil {
			return nil, err
		}
		var guid string
		var kind int
		var title, urlStr sql.NullString
		var position int
		if err := rows.Scan(&guid, &kind, &title, &urlStr, &position); err != nil {
			return nil, wrapStorage("scan new local content", err)
		}
		c, ok := contentFrom(Kind(kind), title, urlStr, position)
		if ok {
			out[guid] = c
		}
	}
	return out, wrapStorage("iterate new local contents", rows.Err())
}

// FetchNewRemoteContents returns content descriptors for mirror items with
// needs_merge = true, not tombstones, not present locally, not direct
// children of the synthetic root.
func (s *Store) FetchNewRemoteContents(ctx context.Context, interruptee Interruptee) (map[string]Content, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.guid, s.kind, s.title, pl.url,
		       COALESCE((SELECT st.position FROM moz_bookmarks_synced_structure st WHERE st.guid = s.guid LIMIT 1), 0)
		FROM moz_bookmarks_synced s
		LEFT JOIN moz_places pl ON pl.id = s.place_id
		WHERE s.needs_merge = 1 AND s.is_deleted = 0
		  AND s.guid NOT IN `+rootsInSQL()+`
		  AND (s.parent_guid IS NULL OR s.parent_guid != ?)
		  AND NOT EXISTS (SELECT 1 FROM moz_bookmarks b WHERE b.guid = s.guid)`, RootGUID)
	if err != nil {
		return nil, wrapStorage("fetch new remote contents", err)
	}
	defer rows.Close()

	out := map[string]Content{}
	for rows.Next() {
		if err := interruptee.Err(); err != nil {
			return nil, err
		}
		var guid string
		var kind int
		var title, urlStr sql.NullString
		var position int
		if err := rows.Scan(&guid, &kind, &title, &urlStr, &position); err != nil {
			return nil, wrapStorage("scan new remote content", err)
		}
		c, ok := contentFrom(Kind(kind), title, urlStr, position)
		if ok {
			out[guid] = c
		}
	}
	return out, wrapStorage("iterate new remote contents", rows.Err())
}

func contentFrom(kind Kind, title, urlStr sql.NullString, position int) (Content, bool) {
	switch kind {
	case KindBookmark, KindQuery:
		if !urlStr.Valid {
			return Content{}, false
		}
		return Content{Kind: kind, Title: title.String, URL: urlStr.String}, true
	case KindFolder:
		return Content{Kind: kind, Title: title.String}, true
	case KindSeparator:
		return Content{Kind: kind, Position: position}, true
	default:
		return Content{}, false
	}
}

// rootsInSQL renders the fixed root-guid set as a literal SQL IN-list. Safe
// to inline directly since the set is a compile-time constant, never user
// input.
func rootsInSQL() string {
	return "('" + RootGUID + "', '" + PlacesGUID + "', '" + MenuGUID + "', '" + ToolbarGUID + "', '" + UnfiledGUID + "', '" + MobileGUID + "')"
}

func newTree(root string) *Tree {
	return &Tree{
		Nodes:        map[string]*TreeNode{},
		Children:     map[string][]string{},
		NotedDeleted: map[string]bool{},
		RootGUID:     root,
	}
}

func (t *Tree) addNode(n *TreeNode) {
	t.Nodes[n.GUID] = n
}
