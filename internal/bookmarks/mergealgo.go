package bookmarks

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// TreeFetcher is the four-callback contract the external tree-merge
// algorithm consumes. Implemented here by *Store (see merge.go); modeled as
// an interface so the merge algorithm itself never touches SQL directly.
type TreeFetcher interface {
	FetchLocalTree(ctx context.Context, interruptee Interruptee) (*Tree, error)
	FetchRemoteTree(ctx context.Context, interruptee Interruptee) (*Tree, *ValidationStats, error)
	FetchNewLocalContents(ctx context.Context, interruptee Interruptee) (map[string]Content, error)
	FetchNewRemoteContents(ctx context.Context, interruptee Interruptee) (map[string]Content, error)
}

// GUIDGenerator mints a new merge guid when dedupe needs one (the driver
// callback in the original tree-merge contract).
type GUIDGenerator interface {
	NewGUID() string
}

type uuidGUIDGenerator struct{}

func (uuidGUIDGenerator) NewGUID() string {
	return uuid.NewString()
}

// treeMerger runs the structure-aware three-way merge: it
// walks the remote tree top-down, decides a merge_state per node by
// comparing local and remote presence/needs-merge flags, applies
// content-based dedup against never-synced local items, and recursively
// folds in local-only subtrees that the remote side never saw.
type treeMerger struct {
	local, remote   *Tree
	newLocal        map[string]Content
	newRemote       map[string]Content
	guids           GUIDGenerator
	interruptee     Interruptee
	now             int64
	descendants     []MergedDescendant
	deletions       []Deletion
	mergedGUIDOf    map[string]string // original local/remote guid -> merged guid
	visitedRemote   map[string]bool
	visitedLocal    map[string]bool
}

// Merge runs the merge and returns the merged root. No off-the-shelf Go
// library implements a bookmark tree-merge contract, so this module owns
// it directly, but the rest of the package depends on it only through
// TreeFetcher/MergedRoot, as if it were an external boundary.
func Merge(ctx context.Context, interruptee Interruptee, fetcher TreeFetcher, guids GUIDGenerator, now int64) (*MergedRoot, *ValidationStats, error) {
	if guids == nil {
		guids = uuidGUIDGenerator{}
	}

	local, err := fetcher.FetchLocalTree(ctx, interruptee)
	if err != nil {
		return nil, nil, err
	}
	remote, stats, err := fetcher.FetchRemoteTree(ctx, interruptee)
	if err != nil {
		return nil, nil, err
	}
	newLocal, err := fetcher.FetchNewLocalContents(ctx, interruptee)
	if err != nil {
		return nil, stats, err
	}
	newRemote, err := fetcher.FetchNewRemoteContents(ctx, interruptee)
	if err != nil {
		return nil, stats, err
	}

	m := &treeMerger{
		local: local, remote: remote, newLocal: newLocal, newRemote: newRemote,
		guids: guids, interruptee: interruptee, now: now,
		mergedGUIDOf:  map[string]string{},
		visitedRemote: map[string]bool{},
		visitedLocal:  map[string]bool{},
	}

	if err := m.mergeNode(RootGUID, RootGUID, RootGUID, 0, 0); err != nil {
		return nil, stats, err
	}
	if err := m.foldInLocalOnlySubtrees(); err != nil {
		return nil, stats, err
	}
	m.collectDeletions()

	return &MergedRoot{Descendants: m.descendants, Deletions: m.deletions}, stats, nil
}

// mergeNode merges one remote-rooted node (by remote guid) against its
// dedupe/local counterpart, recursing into children ordered by the remote
// tree's position, and appends one MergedDescendant.
func (m *treeMerger) mergeNode(remoteGUID, localGUID, mergedParentGUID string, level, position int) error {
	if err := m.interruptee.Err(); err != nil {
		return err
	}

	// The merged guid always follows the remote side: for a literal match
	// remoteGUID == localGUID already; for a dedupe match
	// the never-synced local item's guid is replaced by the newly-incoming
	// remote guid, and its subtree is carried forward by remapping the old
	// local guid to the same merged guid below.
	mergedGUID := remoteGUID
	m.mergedGUIDOf[remoteGUID] = mergedGUID
	if localGUID != "" {
		m.mergedGUIDOf[localGUID] = mergedGUID
	}
	m.visitedRemote[remoteGUID] = true
	if localGUID != "" {
		m.visitedLocal[localGUID] = true
	}

	state := m.decideState(remoteGUID, localGUID)

	if remoteGUID != RootGUID {
		var lp, rp *string
		if localGUID != "" {
			lp = &localGUID
		}
		if remoteGUID != "" {
			rp = &remoteGUID
		}
		m.descendants = append(m.descendants, MergedDescendant{
			LocalGUID:        lp,
			RemoteGUID:       rp,
			MergedGUID:       mergedGUID,
			MergedParentGUID: mergedParentGUID,
			Level:            level,
			Position:         position,
			State:            state,
		})
	}

	children := m.remote.Children[remoteGUID]
	sorted := append([]string(nil), children...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return m.remote.Nodes[sorted[i]].Position < m.remote.Nodes[sorted[j]].Position
	})

	for i, childRemoteGUID := range sorted {
		if m.remote.NotedDeleted[childRemoteGUID] {
			continue
		}
		childLocalGUID := m.matchingLocalChild(childRemoteGUID)
		if err := m.mergeNode(childRemoteGUID, childLocalGUID, mergedGUID, level+1, i); err != nil {
			return err
		}
	}
	return nil
}

// matchingLocalChild finds the local guid that corresponds to a remote
// guid: either the same guid exists locally, or it was deduped against a
// never-synced local item with matching content.
func (m *treeMerger) matchingLocalChild(remoteGUID string) string {
	if _, ok := m.local.Nodes[remoteGUID]; ok {
		return remoteGUID
	}
	return m.dedupeCandidate(remoteGUID)
}

// dedupeCandidate looks for a never-synced local item whose content matches
// remoteGUID's incoming content by the dedupe key: (kind,title,url) for
// bookmarks/queries, (kind,title) for folders, (kind,position) for
// separators. Parents are not compared, for separators or any other kind.
// Among matching candidates the one with the smallest age wins; its age is
// not compared with the remote item's, and the merged guid is always the
// remote guid. The local subtree is carried forward because children
// reference their parent by the *merged* guid, which becomes the remote guid
// once deduped.
func (m *treeMerger) dedupeCandidate(remoteGUID string) string {
	rc, ok := m.newRemote[remoteGUID]
	if !ok {
		return ""
	}
	var best string
	var bestAge int64 = -1
	for localGUID, lc := range m.newLocal {
		if m.visitedLocal[localGUID] {
			continue
		}
		if !contentMatches(lc, rc) {
			continue
		}
		node := m.local.Nodes[localGUID]
		if node == nil {
			continue
		}
		if best == "" || node.AgeMS < bestAge {
			best = localGUID
			bestAge = node.AgeMS
		}
	}
	return best
}

func contentMatches(a, b Content) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindBookmark, KindQuery:
		return a.Title == b.Title && a.URL == b.URL
	case KindFolder:
		return a.Title == b.Title
	case KindSeparator:
		return a.Position == b.Position
	default:
		return false
	}
}

// decideState implements the merge_state decision table.
func (m *treeMerger) decideState(remoteGUID, localGUID string) MergeState {
	remoteNode, hasRemote := m.remote.Nodes[remoteGUID]
	localNode, hasLocal := m.local.Nodes[localGUID]
	remoteDeleted := m.remote.NotedDeleted[remoteGUID]
	localDeleted := localGUID != "" && m.local.NotedDeleted[localGUID]

	switch {
	case !hasLocal || localDeleted:
		return MergeStateRemoteOnly
	case !hasRemote || remoteDeleted:
		return MergeStateLocalOnly
	case !remoteNode.NeedsMerge && !localNode.NeedsMerge:
		return MergeStateUnchanged
	case !remoteNode.NeedsMerge && localNode.NeedsMerge:
		return MergeStateLocalWins
	case remoteNode.NeedsMerge && !localNode.NeedsMerge:
		return MergeStateRemoteWins
	default: // both changed: structure reconciliation, remote content wins but reuploads merged structure
		return MergeStateRemoteNewStructure
	}
}

// foldInLocalOnlySubtrees appends local items that the remote tree never
// saw at all (no remote node, no dedupe candidate consumed them) as
// LocalOnly descendants under their existing local parent, preserving
// existing local ordering. This covers purely local folders/bookmarks that
// have no remote counterpart whatsoever.
func (m *treeMerger) foldInLocalOnlySubtrees() error {
	var guids []string
	for guid := range m.local.Nodes {
		if guid == RootGUID || m.visitedLocal[guid] {
			continue
		}
		guids = append(guids, guid)
	}
	sort.Strings(guids)

	for _, guid := range guids {
		if err := m.interruptee.Err(); err != nil {
			return err
		}
		if m.visitedLocal[guid] {
			continue // a sibling walk may have folded this in already
		}
		node := m.local.Nodes[guid]
		mergedParent := m.mergedGUIDOf[node.ParentGUID]
		if mergedParent == "" {
			mergedParent = node.ParentGUID
		}
		lg := guid
		m.mergedGUIDOf[guid] = guid
		m.visitedLocal[guid] = true
		m.descendants = append(m.descendants, MergedDescendant{
			LocalGUID:        &lg,
			MergedGUID:       guid,
			MergedParentGUID: mergedParent,
			Level:            node.Level,
			Position:         node.Position,
			State:            MergeStateLocalOnly,
		})
	}
	return nil
}

// collectDeletions emits a Deletion for every local node the merge did not
// carry forward: either its remote counterpart was noted-deleted, or the
// remote side never mentioned it and it lost a dedupe race to another local
// item that claimed the same merged guid.
func (m *treeMerger) collectDeletions() {
	for guid, node := range m.local.Nodes {
		if guid == RootGUID || isUserRoot(guid) {
			continue
		}
		if _, kept := m.mergedGUIDOf[guid]; kept {
			continue
		}
		m.deletions = append(m.deletions, Deletion{
			GUID:                  guid,
			LocalLevel:            node.Level,
			ShouldUploadTombstone: node.NeedsMerge,
		})
	}
}
