// Package lifecycle drives the deletion choreography: marking a deleted
// source's items, sweeping marked and expired items in bounded batches,
// applying removal-driven count decrements and reaping orphaned groups.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/lgr"

	"newsriver/pkg/store"
)

// Action selects which part of the cleanup choreography to run
type Action string

// cleanup actions accepted by Run and the cleanup trigger
const (
	ActionMarkForDeletion Action = "markForDeletion"
	ActionDeleteMarked    Action = "deleteMarked"
	ActionCleanupOrphans  Action = "cleanupOrphans"
	ActionFull            Action = "full"
)

// Store is the subset of persistence operations the lifecycle manager needs
type Store interface {
	MarkItemsForDeletion(ctx context.Context, sourceID int64, grace time.Duration) (int64, error)
	DeleteSource(ctx context.Context, sourceID int64) error
	DeleteMarkedBatch(ctx context.Context, now time.Time, limit int) (int64, error)
	NextRemovals(ctx context.Context, limit int) ([]store.Removal, error)
	AckRemovals(ctx context.Context, ids []int64) error
	DecrementGroupCounts(ctx context.Context, decrements map[int64]int) error
	DeleteOrphanGroups(ctx context.Context) (int64, error)
}

// Manager coordinates the multi-stage deletion lifecycle
type Manager struct {
	store       Store
	grace       time.Duration // fast-track expiry for marked items
	batchSize   int           // sweep and stream batch bound
	maxSweepers int           // cap on sweep batches per run
}

// Result aggregates counts from one cleanup invocation
type Result struct {
	ItemsMarked   int64 `json:"items_marked"`
	ItemsDeleted  int64 `json:"items_deleted"`
	GroupsDeleted int64 `json:"groups_deleted"`
}

// NewManager creates a lifecycle manager
func NewManager(st Store, grace time.Duration, batchSize int) *Manager {
	if grace == 0 {
		grace = time.Hour
	}
	if batchSize == 0 {
		batchSize = 25
	}
	return &Manager{store: st, grace: grace, batchSize: batchSize, maxSweepers: 1000}
}

// Run dispatches a cleanup action. sourceID is required only for
// markForDeletion.
func (m *Manager) Run(ctx context.Context, action Action, sourceID int64) (Result, error) {
	var result Result
	switch action {
	case ActionMarkForDeletion:
		marked, err := m.DeleteSource(ctx, sourceID)
		result.ItemsMarked = marked
		return result, err
	case ActionDeleteMarked:
		deleted, err := m.DeleteMarked(ctx)
		result.ItemsDeleted = deleted
		return result, err
	case ActionCleanupOrphans:
		groups, err := m.CleanupOrphans(ctx)
		result.GroupsDeleted = groups
		return result, err
	case ActionFull:
		return m.Full(ctx)
	default:
		return result, fmt.Errorf("unknown cleanup action %q", action)
	}
}

// DeleteSource marks every item of the source for deletion with a
// fast-tracked expiry and removes the source record. Group counts are not
// touched here, the removal stream is the sole decrement authority once
// the marked items are physically swept.
func (m *Manager) DeleteSource(ctx context.Context, sourceID int64) (int64, error) {
	marked, err := m.store.MarkItemsForDeletion(ctx, sourceID, m.grace)
	if err != nil {
		return 0, fmt.Errorf("mark items: %w", err)
	}

	if err := m.store.DeleteSource(ctx, sourceID); err != nil {
		return marked, fmt.Errorf("delete source: %w", err)
	}

	lgr.Printf("[INFO] source %d deleted, %d items marked for deletion", sourceID, marked)
	return marked, nil
}

// DeleteMarked physically removes marked and expired items in bounded
// batches until a short batch signals the scan is done
func (m *Manager) DeleteMarked(ctx context.Context) (int64, error) {
	var total int64
	now := time.Now()

	for i := 0; i < m.maxSweepers; i++ {
		deleted, err := m.store.DeleteMarkedBatch(ctx, now, m.batchSize)
		if err != nil {
			return total, fmt.Errorf("delete batch: %w", err)
		}
		total += deleted
		if deleted < int64(m.batchSize) {
			break
		}
	}

	if total > 0 {
		lgr.Printf("[INFO] sweep removed %d marked/expired items", total)
	}
	return total, nil
}

// ProcessRemovals consumes one batch of removal events, applies the
// per-group decrements as single updates and acknowledges the batch.
// Re-delivered events over-decrement, which the orphan sweep's <= 0
// threshold tolerates. Returns the number of events processed.
func (m *Manager) ProcessRemovals(ctx context.Context) (int, error) {
	removals, err := m.store.NextRemovals(ctx, m.batchSize)
	if err != nil {
		return 0, fmt.Errorf("read removals: %w", err)
	}
	if len(removals) == 0 {
		return 0, nil
	}

	// events arrive interleaved across groups, accumulate per group
	decrements := make(map[int64]int)
	ids := make([]int64, 0, len(removals))
	for _, r := range removals {
		decrements[r.StoryGroupID]++
		ids = append(ids, r.ID)
	}

	if err := m.store.DecrementGroupCounts(ctx, decrements); err != nil {
		return 0, fmt.Errorf("apply decrements: %w", err)
	}

	if err := m.store.AckRemovals(ctx, ids); err != nil {
		// decrements applied but not acked, next batch re-delivers and
		// over-decrements, acceptable skew
		return len(removals), fmt.Errorf("ack removals: %w", err)
	}

	lgr.Printf("[DEBUG] processed %d removal events across %d groups", len(removals), len(decrements))
	return len(removals), nil
}

// DrainRemovals processes removal batches until the log is empty
func (m *Manager) DrainRemovals(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := m.ProcessRemovals(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// CleanupOrphans removes story groups left with no live items
func (m *Manager) CleanupOrphans(ctx context.Context) (int64, error) {
	deleted, err := m.store.DeleteOrphanGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup orphans: %w", err)
	}
	if deleted > 0 {
		lgr.Printf("[INFO] removed %d orphan story groups", deleted)
	}
	return deleted, nil
}

// Full runs the marked-item sweep followed by the orphan sweep, the
// default for the scheduled daily cleanup. The orphan sweep runs even if
// the mark sweep failed part way, an already-empty group from a prior run
// still gets reaped.
func (m *Manager) Full(ctx context.Context) (Result, error) {
	var result Result

	deleted, sweepErr := m.DeleteMarked(ctx)
	result.ItemsDeleted = deleted

	// settle pending decrements before looking for orphans
	if _, err := m.DrainRemovals(ctx); err != nil {
		lgr.Printf("[WARN] failed to drain removal log: %v", err)
	}

	groups, err := m.CleanupOrphans(ctx)
	result.GroupsDeleted = groups
	if err != nil {
		return result, err
	}

	return result, sweepErr
}
