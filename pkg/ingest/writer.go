// Package ingest decides new-vs-duplicate for parsed feed items, maintains
// story groups and persists items.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"newsriver/pkg/dedup"
	"newsriver/pkg/feed"
	"newsriver/pkg/store"
)

// Store is the subset of persistence operations the writer needs
type Store interface {
	ItemExists(ctx context.Context, sourceID int64, externalID string) (bool, error)
	CreateItem(ctx context.Context, item *store.Item) (bool, error)
	CreateStoryGroup(ctx context.Context, group *store.StoryGroup) error
	IncrementGroupCount(ctx context.Context, groupID int64) error
	DecrementGroupCounts(ctx context.Context, decrements map[int64]int) error
}

// GroupWindow is the shared in-memory set of recent story groups one poll
// run matches against. Sources are ingested concurrently, so the window is
// mutex-guarded; groups created mid-run become visible to later items.
type GroupWindow struct {
	mu         sync.Mutex
	candidates []dedup.Candidate
}

// NewGroupWindow builds a window from the recent groups loaded at run start
func NewGroupWindow(groups []store.StoryGroup) *GroupWindow {
	candidates := make([]dedup.Candidate, 0, len(groups))
	for _, g := range groups {
		candidates = append(candidates, dedup.Candidate{ID: g.ID, Title: g.CanonicalTitle})
	}
	return &GroupWindow{candidates: candidates}
}

// Size returns the number of candidate groups in the window
func (w *GroupWindow) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.candidates)
}

// drop removes a group from the window, used when a freshly created group
// is rolled back and must not attract further matches
func (w *GroupWindow) drop(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, c := range w.candidates {
		if c.ID == id {
			w.candidates = append(w.candidates[:i], w.candidates[i+1:]...)
			return
		}
	}
}

// matchOrCreate finds the best matching group for a normalized title or
// invokes create for a new one, holding the lock across the decision so
// concurrent sources cannot race duplicate groups into existence
func (w *GroupWindow) matchOrCreate(normalized string, threshold float64, create func() (int64, error)) (groupID int64, created bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id, ok := dedup.MatchGroup(normalized, w.candidates, threshold); ok {
		return id, false, nil
	}

	id, err := create()
	if err != nil {
		return 0, false, err
	}
	w.candidates = append(w.candidates, dedup.Candidate{ID: id, Title: normalized})
	return id, true, nil
}

// Writer persists parsed items with dedup against the group window
type Writer struct {
	store     Store
	threshold float64
	retention time.Duration
}

// Result reports per-source ingestion counts
type Result struct {
	Found         int
	Saved         int
	Skipped       int
	Failed        int
	GroupsCreated int
}

// NewWriter creates an ingestion writer
func NewWriter(st Store, threshold float64, retention time.Duration) *Writer {
	return &Writer{store: st, threshold: threshold, retention: retention}
}

// Write ingests one source's parsed items. Already-known external ids are
// skipped, new items are matched against the window or seed a new group,
// and each is persisted with its expiry. Per-item failures are logged and
// counted, they never abort the batch.
func (w *Writer) Write(ctx context.Context, sourceID int64, items []feed.Item, window *GroupWindow) Result {
	result := Result{Found: len(items)}

	for _, item := range items {
		saved, created, err := w.writeItem(ctx, sourceID, item, window)
		switch {
		case err != nil:
			lgr.Printf("[WARN] failed to ingest item %q from source %d: %v", item.Title, sourceID, err)
			result.Failed++
		case !saved:
			result.Skipped++
		default:
			result.Saved++
			if created {
				result.GroupsCreated++
			}
		}
	}

	return result
}

// writeItem handles a single item: dedup, group assignment, persistence
func (w *Writer) writeItem(ctx context.Context, sourceID int64, item feed.Item, window *GroupWindow) (saved, groupCreated bool, err error) {
	exists, err := w.store.ItemExists(ctx, sourceID, item.ExternalID)
	if err != nil {
		return false, false, fmt.Errorf("check existing: %w", err)
	}
	if exists {
		return false, false, nil
	}

	normalized := dedup.Normalize(item.Title)

	groupID, created, err := window.matchOrCreate(normalized, w.threshold, func() (int64, error) {
		group := &store.StoryGroup{
			CanonicalTitle: normalized,
			CanonicalURL:   item.URL,
			ItemCount:      1,
		}
		if err := w.store.CreateStoryGroup(ctx, group); err != nil {
			return 0, fmt.Errorf("create story group: %w", err)
		}
		return group.ID, nil
	})
	if err != nil {
		return false, false, err
	}

	if !created {
		if err := w.store.IncrementGroupCount(ctx, groupID); err != nil {
			return false, false, fmt.Errorf("increment group count: %w", err)
		}
	}

	inserted, err := w.store.CreateItem(ctx, &store.Item{
		SourceID:     sourceID,
		ExternalID:   item.ExternalID,
		Title:        item.Title,
		URL:          item.URL,
		Content:      item.Content,
		Published:    item.Published,
		StoryGroupID: groupID,
		ExpiresAt:    item.Published.Add(w.retention),
	})
	if err != nil {
		w.undoGroupChange(ctx, groupID, created, window)
		return false, false, fmt.Errorf("create item: %w", err)
	}
	if !inserted {
		// lost a race with a concurrent poll of the same source, undo the
		// count bump so the winning insert's path stays the only one
		lgr.Printf("[DEBUG] duplicate insert for source %d external id %s", sourceID, item.ExternalID)
		w.undoGroupChange(ctx, groupID, created, window)
		return false, false, nil
	}

	return true, created, nil
}

// undoGroupChange reverts the group side of a failed item insert: the
// increment (or the fresh group's founding count) comes back off, and a
// freshly created group leaves the window so nothing else matches it.
// At zero the orphan sweep reaps the empty group.
func (w *Writer) undoGroupChange(ctx context.Context, groupID int64, created bool, window *GroupWindow) {
	if created {
		window.drop(groupID)
	}
	if err := w.store.DecrementGroupCounts(ctx, map[int64]int{groupID: 1}); err != nil {
		lgr.Printf("[WARN] failed to revert count for group %d: %v", groupID, err)
	}
}
