package bookmarks

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// buildTree assembles a Tree fixture from a flat node list, deriving
// Children order from each node's Position the way assignLevelsAndPositions
// does for the real tree builders.
func buildTree(root string, nodes ...*TreeNode) *Tree {
	t := newTree(root)
	for _, n := range nodes {
		t.addNode(n)
	}
	for _, n := range nodes {
		if n.GUID == root {
			continue
		}
		t.Children[n.ParentGUID] = append(t.Children[n.ParentGUID], n.GUID)
	}
	for parent, kids := range t.Children {
		sort.Slice(kids, func(i, j int) bool {
			return t.Nodes[kids[i]].Position < t.Nodes[kids[j]].Position
		})
		t.Children[parent] = kids
	}
	return t
}

type fakeTreeFetcher struct {
	local, remote       *Tree
	newLocal, newRemote map[string]Content
}

func (f fakeTreeFetcher) FetchLocalTree(context.Context, Interruptee) (*Tree, error) {
	return f.local, nil
}

func (f fakeTreeFetcher) FetchRemoteTree(context.Context, Interruptee) (*Tree, *ValidationStats, error) {
	return f.remote, &ValidationStats{}, nil
}

func (f fakeTreeFetcher) FetchNewLocalContents(context.Context, Interruptee) (map[string]Content, error) {
	return f.newLocal, nil
}

func (f fakeTreeFetcher) FetchNewRemoteContents(context.Context, Interruptee) (map[string]Content, error) {
	return f.newRemote, nil
}

func rootNode() *TreeNode { return &TreeNode{GUID: RootGUID, Kind: KindFolder} }

func runMerge(t *testing.T, f fakeTreeFetcher) *MergedRoot {
	t.Helper()
	root, _, err := Merge(context.Background(), noInterrupt(), f, nil, time.Now().UnixMilli())
	require.NoError(t, err)
	return root
}

func descendant(t *testing.T, root *MergedRoot, mergedGUID string) MergedDescendant {
	t.Helper()
	for _, d := range root.Descendants {
		if d.MergedGUID == mergedGUID {
			return d
		}
	}
	t.Fatalf("no descendant with merged guid %q", mergedGUID)
	return MergedDescendant{}
}

func TestMerge_RemoteOnlyCreatesDescendantWithNoLocalCounterpart(t *testing.T) {
	f := fakeTreeFetcher{
		local:     buildTree(RootGUID, rootNode()),
		remote:    buildTree(RootGUID, rootNode(), &TreeNode{GUID: "bk1", ParentGUID: RootGUID, Kind: KindBookmark, NeedsMerge: true}),
		newLocal:  map[string]Content{},
		newRemote: map[string]Content{},
	}
	root := runMerge(t, f)
	require.Len(t, root.Descendants, 1)
	d := descendant(t, root, "bk1")
	require.Nil(t, d.LocalGUID)
	require.NotNil(t, d.RemoteGUID)
	require.Equal(t, "bk1", *d.RemoteGUID)
	require.Equal(t, MergeStateRemoteOnly, d.State)
	require.True(t, d.State.UseRemote())
	require.False(t, d.State.ShouldUpload())
}

func TestMerge_LocalWinsWhenRemoteUnchanged(t *testing.T) {
	f := fakeTreeFetcher{
		local:     buildTree(RootGUID, rootNode(), &TreeNode{GUID: "bk1", ParentGUID: RootGUID, Kind: KindBookmark, NeedsMerge: true}),
		remote:    buildTree(RootGUID, rootNode(), &TreeNode{GUID: "bk1", ParentGUID: RootGUID, Kind: KindBookmark, NeedsMerge: false}),
		newLocal:  map[string]Content{},
		newRemote: map[string]Content{},
	}
	root := runMerge(t, f)
	d := descendant(t, root, "bk1")
	require.Equal(t, MergeStateLocalWins, d.State)
	require.False(t, d.State.UseRemote())
	require.True(t, d.State.ShouldUpload())
}

func TestMerge_RemoteWinsWhenLocalUnchanged(t *testing.T) {
	f := fakeTreeFetcher{
		local:     buildTree(RootGUID, rootNode(), &TreeNode{GUID: "bk1", ParentGUID: RootGUID, Kind: KindBookmark, NeedsMerge: false}),
		remote:    buildTree(RootGUID, rootNode(), &TreeNode{GUID: "bk1", ParentGUID: RootGUID, Kind: KindBookmark, NeedsMerge: true}),
		newLocal:  map[string]Content{},
		newRemote: map[string]Content{},
	}
	root := runMerge(t, f)
	d := descendant(t, root, "bk1")
	require.Equal(t, MergeStateRemoteWins, d.State)
	require.True(t, d.State.UseRemote())
	require.False(t, d.State.ShouldUpload())
}

func TestMerge_BothSidesChangedProducesRemoteNewStructure(t *testing.T) {
	f := fakeTreeFetcher{
		local:     buildTree(RootGUID, rootNode(), &TreeNode{GUID: "bk1", ParentGUID: RootGUID, Kind: KindBookmark, NeedsMerge: true}),
		remote:    buildTree(RootGUID, rootNode(), &TreeNode{GUID: "bk1", ParentGUID: RootGUID, Kind: KindBookmark, NeedsMerge: true}),
		newLocal:  map[string]Content{},
		newRemote: map[string]Content{},
	}
	root := runMerge(t, f)
	d := descendant(t, root, "bk1")
	require.Equal(t, MergeStateRemoteNewStructure, d.State)
	require.True(t, d.State.UseRemote())
	require.True(t, d.State.ShouldUpload())
}

// TestMerge_LocalItemWithNoRemoteCounterpartFoldsInAsLocalOnly covers a
// purely local bookmark the remote side never mentioned at all (not even as
// a tombstone): it must survive the merge under its own guid instead of
// being dropped.
func TestMerge_LocalItemWithNoRemoteCounterpartFoldsInAsLocalOnly(t *testing.T) {
	f := fakeTreeFetcher{
		local:     buildTree(RootGUID, rootNode(), &TreeNode{GUID: "bk1", ParentGUID: RootGUID, Kind: KindBookmark}),
		remote:    buildTree(RootGUID, rootNode()),
		newLocal:  map[string]Content{},
		newRemote: map[string]Content{},
	}
	root := runMerge(t, f)
	d := descendant(t, root, "bk1")
	require.Equal(t, MergeStateLocalOnly, d.State)
	require.Equal(t, "bk1", *d.LocalGUID)
	require.Len(t, root.Deletions, 0)
}

// TestMerge_DeletedRemoteChildIsSkippedDuringTraversal covers a noted-deleted
// remote child reachable from a visited parent's child list: the merge must
// not recurse into it or emit a descendant for it.
func TestMerge_DeletedRemoteChildIsSkippedDuringTraversal(t *testing.T) {
	remote := buildTree(RootGUID, rootNode(), &TreeNode{GUID: "menu", ParentGUID: RootGUID, Kind: KindFolder})
	remote.Children["menu"] = []string{"bk1"}
	remote.NotedDeleted["bk1"] = true
	f := fakeTreeFetcher{
		local:     buildTree(RootGUID, rootNode(), &TreeNode{GUID: "menu", ParentGUID: RootGUID, Kind: KindFolder}),
		remote:    remote,
		newLocal:  map[string]Content{},
		newRemote: map[string]Content{},
	}
	root := runMerge(t, f)
	for _, d := range root.Descendants {
		require.NotEqual(t, "bk1", d.MergedGUID)
	}
}

// TestMerge_DedupeLocalNewerByContentMergesTwoOfThreeCandidates grounds the
// "dedupe local-newer" scenario: three never-synced local bookmarks share
// identical content with two incoming remote bookmarks. The merge must
// match exactly two of the three local items to the remote guids (carrying
// their identity forward as MergedGUID) and fold the third in unchanged.
func TestMerge_DedupeLocalNewerByContentMergesTwoOfThreeCandidates(t *testing.T) {
	content := Content{Kind: KindBookmark, Title: "A", URL: "http://example.com/a"}

	local := buildTree(RootGUID,
		rootNode(),
		&TreeNode{GUID: "menu", ParentGUID: RootGUID, Kind: KindFolder},
		&TreeNode{GUID: "bookmarkAAA1", ParentGUID: "menu", Kind: KindBookmark, NeedsMerge: true, AgeMS: 1000, Position: 0},
		&TreeNode{GUID: "bookmarkAAA2", ParentGUID: "menu", Kind: KindBookmark, NeedsMerge: true, AgeMS: 1000, Position: 1},
		&TreeNode{GUID: "bookmarkAAA3", ParentGUID: "menu", Kind: KindBookmark, NeedsMerge: true, AgeMS: 1000, Position: 2},
	)
	remote := buildTree(RootGUID,
		rootNode(),
		&TreeNode{GUID: "menu", ParentGUID: RootGUID, Kind: KindFolder},
		&TreeNode{GUID: "bookmarkAAAA", ParentGUID: "menu", Kind: KindBookmark, NeedsMerge: true, AgeMS: 5000, Position: 0},
		&TreeNode{GUID: "bookmarkAAA4", ParentGUID: "menu", Kind: KindBookmark, NeedsMerge: true, AgeMS: 5000, Position: 1},
	)
	newLocal := map[string]Content{
		"bookmarkAAA1": content,
		"bookmarkAAA2": content,
		"bookmarkAAA3": content,
	}
	newRemote := map[string]Content{
		"bookmarkAAAA": content,
		"bookmarkAAA4": content,
	}

	root := runMerge(t, fakeTreeFetcher{local: local, remote: remote, newLocal: newLocal, newRemote: newRemote})

	dedupedFor := descendant(t, root, "bookmarkAAAA")
	require.NotNil(t, dedupedFor.LocalGUID)
	require.Contains(t, []string{"bookmarkAAA1", "bookmarkAAA2", "bookmarkAAA3"}, *dedupedFor.LocalGUID)

	dedupedFor4 := descendant(t, root, "bookmarkAAA4")
	require.NotNil(t, dedupedFor4.LocalGUID)
	require.Contains(t, []string{"bookmarkAAA1", "bookmarkAAA2", "bookmarkAAA3"}, *dedupedFor4.LocalGUID)
	require.NotEqual(t, *dedupedFor.LocalGUID, *dedupedFor4.LocalGUID)

	originals := map[string]bool{"bookmarkAAA1": true, "bookmarkAAA2": true, "bookmarkAAA3": true}
	delete(originals, *dedupedFor.LocalGUID)
	delete(originals, *dedupedFor4.LocalGUID)
	require.Len(t, originals, 1)
	var survivor string
	for g := range originals {
		survivor = g
	}
	survivorDescendant := descendant(t, root, survivor)
	require.Equal(t, MergeStateLocalOnly, survivorDescendant.State)
	require.Equal(t, survivor, *survivorDescendant.LocalGUID)

	require.Len(t, root.Descendants, 4) // menu + the 2 deduped + the 1 folded-in survivor
}
