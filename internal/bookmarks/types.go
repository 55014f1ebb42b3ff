// Package bookmarks implements the core of a bidirectional bookmark
// synchronization engine: staging untrusted incoming records, materializing
// local and remote trees from relational storage, merging them, and applying
// the result back to the live tables while preserving referential integrity,
// change-tracking counters, tombstones, and tag/keyword side-tables.
package bookmarks

import "time"

// Kind is the tagged variant discriminator for bookmark records, shared by
// local items, mirror items, and wire records. It is stored as an 8-bit tag
// rather than modeled through inheritance. The mirror's kind column uses
// these values; the local moz_bookmarks.type column has its own numbering
// (1=bookmark, 2=folder, 3=separator) and is mapped onto Kind when read.
type Kind uint8

const (
	KindBookmark Kind = iota + 1
	KindQuery
	KindFolder
	KindLivemark
	KindSeparator
)

func (k Kind) String() string {
	switch k {
	case KindBookmark:
		return "bookmark"
	case KindQuery:
		return "query"
	case KindFolder:
		return "folder"
	case KindLivemark:
		return "livemark"
	case KindSeparator:
		return "separator"
	default:
		return "unknown"
	}
}

// SyncStatus tracks whether a local item's last-known server state is
// trusted.
type SyncStatus uint8

const (
	SyncStatusNew SyncStatus = iota
	SyncStatusNormal
	SyncStatusUnknown
)

// Validity classifies an incoming payload's usability, per the incoming
// applicator's validation policy.
type Validity uint8

const (
	ValidityValid Validity = iota
	ValidityReupload
	ValidityReplace
)

// Root guids are the six well-known literal identifiers from the wire
// protocol, stored as-is as item guids. RootGUID is the synthetic parent of
// the four user roots; PlacesGUID is only listed among the protected root
// guids: no row is created for it and it is not mapped onto RootGUID.
const (
	RootGUID     = "root"
	PlacesGUID   = "places"
	MenuGUID     = "menu"
	ToolbarGUID  = "toolbar"
	UnfiledGUID  = "unfiled"
	MobileGUID   = "mobile"
)

// userRootGUIDs are the four folders a user can place bookmarks directly
// under. Centralized once so every query that needs "is this a root" agrees.
var userRootGUIDs = []string{MenuGUID, ToolbarGUID, UnfiledGUID, MobileGUID}

// rootGUIDsIn renders a SQL IN-list fragment plus bind args for the set of
// guids that are never deleted or reparented: the synthetic root, its alias,
// and the four user roots.
func rootGUIDsIn() (fragment string, args []any) {
	all := append([]string{RootGUID, PlacesGUID}, userRootGUIDs...)
	args = make([]any, len(all))
	for i, g := range all {
		args[i] = g
	}
	return "(?, ?, ?, ?, ?, ?)", args
}

func isUserRoot(guid string) bool {
	for _, g := range userRootGUIDs {
		if g == guid {
			return true
		}
	}
	return false
}

// LocalItem mirrors a row of moz_bookmarks.
type LocalItem struct {
	ID                 int64
	GUID               string
	Parent             int64
	ParentGUID         string
	Position           int
	Type               Kind
	Title              *string
	PlaceID            *int64
	URL                *string
	DateAdded          time.Time
	LastModified       time.Time
	SyncChangeCounter  int
	SyncStatus         SyncStatus
}

// MirrorItem mirrors a row of moz_bookmarks_synced, the last-synced server
// snapshot.
type MirrorItem struct {
	GUID           string
	ParentGUID     *string
	Kind           Kind
	Title          *string
	PlaceID        *int64
	URL            *string
	Keyword        *string
	DateAdded      *time.Time
	ServerModified time.Time
	NeedsMerge     bool
	IsDeleted      bool
	Validity       Validity
}

// LocalTombstone records a local deletion pending upload.
type LocalTombstone struct {
	GUID        string
	DateRemoved time.Time
}

// Place is a row in the URL table.
type Place struct {
	ID       int64
	URL      string
	Frecency int
}

// MergeState encodes which side "wins" for one merged descendant, per the
// merge driver's contract.
type MergeState uint8

const (
	MergeStateLocalOnly MergeState = iota
	MergeStateRemoteOnly
	MergeStateLocalWins
	MergeStateRemoteWins
	MergeStateUnchanged
	MergeStateRemoteNewStructure
)

// UseRemote reports whether the merged content should come from the remote
// side for this merge state.
func (s MergeState) UseRemote() bool {
	switch s {
	case MergeStateRemoteOnly, MergeStateRemoteWins, MergeStateRemoteNewStructure:
		return true
	default:
		return false
	}
}

// ShouldUpload reports whether this merge state requires reuploading the
// merged content.
func (s MergeState) ShouldUpload() bool {
	switch s {
	case MergeStateLocalOnly, MergeStateLocalWins, MergeStateRemoteNewStructure:
		return true
	default:
		return false
	}
}

// MergedDescendant is one node of the tree the external tree-merge algorithm
// returns.
type MergedDescendant struct {
	LocalGUID        *string
	RemoteGUID       *string
	MergedGUID       string
	MergedParentGUID string
	Level            int
	Position         int
	State            MergeState
}

// Deletion is one node the merge decided to remove from the local tree.
type Deletion struct {
	GUID                  string
	LocalLevel            int
	ShouldUploadTombstone bool
}

// MergedRoot is the output of one merge() call.
type MergedRoot struct {
	Descendants []MergedDescendant
	Deletions   []Deletion
}

// Content is the tagged variant of dedupe-candidate descriptors produced by
// fetch_new_local_contents / fetch_new_remote_contents.
type Content struct {
	Kind     Kind
	Title    string
	URL      string // set for KindBookmark/KindQuery
	Position int    // set for KindSeparator
}

// TreeNode is one node of a fully-rooted tree as materialized by the tree
// builder.
type TreeNode struct {
	GUID       string
	ParentGUID string
	Kind       Kind
	AgeMS      int64
	NeedsMerge bool
	Level      int
	Position   int
}

// Tree is a fully-rooted tree plus the set of guids noted as deleted on that
// side (tombstones are attached as noted-deleted guids, not as nodes).
type Tree struct {
	Nodes        map[string]*TreeNode
	Children     map[string][]string // parentGUID -> ordered child guids
	NotedDeleted map[string]bool
	RootGUID     string
}

// ValidationStats accumulates telemetry from fetch_remote_tree regardless of
// merge success.
type ValidationStats struct {
	Orphans                  int
	MisparentedRoots         int
	MultipleParents          int
	MissingParents           int
	NonFolderParents         int
	ParentChildDisagreements int
	MissingChildren          int
}

// SyncAssoc is the reset() parameter: either Disconnected or Connected with a
// global/collection sync id pair.
type SyncAssoc struct {
	Connected    bool
	GlobalSyncID string
	CollSyncID   string
}

// Payload is one decrypted incoming record envelope.
type Payload struct {
	GUID           string
	ParentGUID     string
	ParentTitle    *string
	Kind           Kind
	Deleted        bool
	DateAdded      *int64 // ms epoch
	Title          *string
	BookmarkURI    *string
	Children       []string
	Tags           []string
	Keyword        *string
	TagFolderName  *string
	Position       *int
}

// OutgoingRecord is one materialized wire record ready for upload.
type OutgoingRecord struct {
	ID             string
	Type           Kind
	ParentID       string
	ParentTitle    *string
	DateAdded      *int64
	Title          *string
	BookmarkURI    *string
	Children       []string
	Tags           []string
	Keyword        *string
	TagFolderName  *string
	Position       *int
	Deleted        bool
}

// OutgoingChangeset is the result of one outgoing materialization pass.
type OutgoingChangeset struct {
	Timestamp time.Time
	Records   []OutgoingRecord
}

// IncomingChange pairs a payload with the server's modified time for it.
type IncomingChange struct {
	Payload        Payload
	ServerModified time.Time
}

// IncomingChangeset is the apply_incoming input shape.
type IncomingChangeset struct {
	Timestamp time.Time
	Changes   []IncomingChange
}

// Persisted metadata keys. Each sync engine uses its own key prefix so
// engines can be reset independently.
const (
	MetaLastSyncMS     = "bookmarks_last_sync_time"
	MetaGlobalSyncID   = "bookmarks_global_sync_id"
	MetaCollSyncID     = "bookmarks_sync_id"
)
