package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateStoryGroup creates a new story group seeded from its first item
func (s *Store) CreateStoryGroup(ctx context.Context, group *StoryGroup) error {
	if group.ItemCount == 0 {
		group.ItemCount = 1
	}
	now := time.Now().UTC()
	if group.FirstSeenAt.IsZero() {
		group.FirstSeenAt = now
	}
	if group.LastUpdatedAt.IsZero() {
		group.LastUpdatedAt = now
	}

	query := `
		INSERT INTO story_groups (canonical_title, canonical_url, item_count, first_seen_at, last_updated_at)
		VALUES (:canonical_title, :canonical_url, :item_count, :first_seen_at, :last_updated_at)
	`
	result, err := s.conn.NamedExecContext(ctx, query, group)
	if err != nil {
		return fmt.Errorf("insert story group: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	group.ID = id
	return nil
}

// GetStoryGroup retrieves a story group by ID
func (s *Store) GetStoryGroup(ctx context.Context, id int64) (*StoryGroup, error) {
	var group StoryGroup
	err := s.conn.GetContext(ctx, &group, `SELECT * FROM story_groups WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("story group %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get story group: %w", err)
	}
	return &group, nil
}

// GetRecentStoryGroups retrieves groups updated since the cutoff, most
// recently active first. This is the dedup candidate window.
func (s *Store) GetRecentStoryGroups(ctx context.Context, since time.Time) ([]StoryGroup, error) {
	var groups []StoryGroup
	query := `SELECT * FROM story_groups WHERE last_updated_at >= ? ORDER BY last_updated_at DESC`
	err := s.conn.SelectContext(ctx, &groups, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("get recent story groups: %w", err)
	}
	return groups, nil
}

// IncrementGroupCount bumps item_count and last_updated_at in a single
// atomic update, no read-modify-write window
func (s *Store) IncrementGroupCount(ctx context.Context, groupID int64) error {
	return s.withRetry(ctx, func() error {
		query := `
			UPDATE story_groups
			SET item_count = item_count + 1, last_updated_at = ?
			WHERE id = ?
		`
		_, err := s.conn.ExecContext(ctx, query, time.Now().UTC(), groupID)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("increment group count: %w", err)}
		}
		return nil
	})
}

// DecrementGroupCounts applies each group's total decrement as one atomic
// update. Counts may go negative under re-delivered removals, the orphan
// sweep's <= 0 threshold absorbs that skew.
func (s *Store) DecrementGroupCounts(ctx context.Context, decrements map[int64]int) error {
	if len(decrements) == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error {
		for groupID, n := range decrements {
			query := `UPDATE story_groups SET item_count = item_count - ? WHERE id = ?`
			if _, err := s.conn.ExecContext(ctx, query, n, groupID); err != nil {
				if isLockError(err) {
					return err // retry, decrements are idempotent-tolerant
				}
				return &criticalError{err: fmt.Errorf("decrement group %d: %w", groupID, err)}
			}
		}
		return nil
	})
}

// DeleteOrphanGroups removes groups whose item_count dropped to zero or
// below. Returns the number of groups deleted.
func (s *Store) DeleteOrphanGroups(ctx context.Context) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM story_groups WHERE item_count <= 0`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan groups: %w", err)
	}
	return result.RowsAffected()
}

// CountStoryGroups returns the total number of story groups
func (s *Store) CountStoryGroups(ctx context.Context) (int64, error) {
	var count int64
	err := s.conn.GetContext(ctx, &count, `SELECT COUNT(*) FROM story_groups`)
	if err != nil {
		return 0, fmt.Errorf("count story groups: %w", err)
	}
	return count, nil
}
