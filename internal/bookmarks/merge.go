package bookmarks

import (
	"context"
	"time"
)

// storeTreeFetcher adapts Store's tree-builder methods (which take an
// explicit "now" so tests can control age calculations) to the TreeFetcher
// contract the merge algorithm consumes.
type storeTreeFetcher struct {
	store *Store
	now   time.Time
}

func (f storeTreeFetcher) FetchLocalTree(ctx context.Context, interruptee Interruptee) (*Tree, error) {
	return f.store.FetchLocalTree(ctx, interruptee, f.now)
}

func (f storeTreeFetcher) FetchRemoteTree(ctx context.Context, interruptee Interruptee) (*Tree, *ValidationStats, error) {
	return f.store.FetchRemoteTree(ctx, interruptee, f.now)
}

func (f storeTreeFetcher) FetchNewLocalContents(ctx context.Context, interruptee Interruptee) (map[string]Content, error) {
	return f.store.FetchNewLocalContents(ctx, interruptee)
}

func (f storeTreeFetcher) FetchNewRemoteContents(ctx context.Context, interruptee Interruptee) (map[string]Content, error) {
	return f.store.FetchNewRemoteContents(ctx, interruptee)
}

// HasChanges reports whether there is anything for a merge to do: mirror
// rows needing merge, local change counters above zero, or local
// tombstones. Short-circuits the merge driver when nothing changed.
func (s *Store) HasChanges(ctx context.Context) (bool, error) {
	var needsMerge bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM moz_bookmarks_synced WHERE needs_merge = 1)`).Scan(&needsMerge); err != nil {
		return false, wrapStorage("check mirror needs_merge", err)
	}
	if needsMerge {
		return true, nil
	}

	var localChanged bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM moz_bookmarks WHERE sync_change_counter > 0)`).Scan(&localChanged); err != nil {
		return false, wrapStorage("check local change counters", err)
	}
	if localChanged {
		return true, nil
	}

	var hasTombstones bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM moz_bookmarks_deleted)`).Scan(&hasTombstones); err != nil {
		return false, wrapStorage("check local tombstones", err)
	}
	return hasTombstones, nil
}

// RunMerge is the merge driver's entry point: it short-circuits when there
// is nothing to merge, otherwise invokes the tree-merge algorithm with the
// store as its tree fetcher and accumulates validation telemetry regardless
// of merge success.
func (s *Store) RunMerge(ctx context.Context, interruptee Interruptee, guids GUIDGenerator, now time.Time) (*MergedRoot, error) {
	hasChanges, err := s.HasChanges(ctx)
	if err != nil {
		return nil, err
	}
	if !hasChanges {
		return &MergedRoot{}, nil
	}

	fetcher := storeTreeFetcher{store: s, now: now}
	root, stats, err := Merge(ctx, interruptee, fetcher, guids, now.UnixMilli())
	if stats != nil {
		s.metrics.observe(*stats)
	}
	if err != nil {
		return nil, err
	}
	return root, nil
}
