package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreateItem inserts an item, returning false without error when an item
// with the same (source_id, external_id) already exists. Idempotent across
// repeated polls of the same source.
func (s *Store) CreateItem(ctx context.Context, item *Item) (inserted bool, err error) {
	if item.FetchedAt.IsZero() {
		item.FetchedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO items (source_id, external_id, title, url, content, published, fetched_at,
		                   story_group_id, expires_at, hidden)
		VALUES (:source_id, :external_id, :title, :url, :content, :published, :fetched_at,
		        :story_group_id, :expires_at, :hidden)
		ON CONFLICT(source_id, external_id) DO NOTHING
	`
	result, err := s.conn.NamedExecContext(ctx, query, item)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("get last insert id: %w", err)
	}
	item.ID = id
	return true, nil
}

// ItemExists checks for an item by source and external id, an indexed
// point lookup backed by the unique constraint
func (s *Store) ItemExists(ctx context.Context, sourceID int64, externalID string) (bool, error) {
	var exists bool
	err := s.conn.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM items WHERE source_id = ? AND external_id = ?)`,
		sourceID, externalID)
	if err != nil {
		return false, fmt.Errorf("check item exists: %w", err)
	}
	return exists, nil
}

// GetItem retrieves an item by ID
func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	var item Item
	err := s.conn.GetContext(ctx, &item, `SELECT * FROM items WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("item %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

// GetItemsBySource retrieves all items for a source via the source index
func (s *Store) GetItemsBySource(ctx context.Context, sourceID int64) ([]Item, error) {
	var items []Item
	query := `SELECT * FROM items WHERE source_id = ? ORDER BY published DESC`
	err := s.conn.SelectContext(ctx, &items, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("get items by source: %w", err)
	}
	return items, nil
}

// GetItemsByGroup retrieves items referencing a story group
func (s *Store) GetItemsByGroup(ctx context.Context, groupID int64) ([]Item, error) {
	var items []Item
	query := `SELECT * FROM items WHERE story_group_id = ? ORDER BY published DESC`
	err := s.conn.SelectContext(ctx, &items, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("get items by group: %w", err)
	}
	return items, nil
}

// MarkItemsForDeletion sets the deletion marker on every item of a source
// and fast-tracks expiry to now+grace instead of deleting immediately.
// Returns the number of items marked.
func (s *Store) MarkItemsForDeletion(ctx context.Context, sourceID int64, grace time.Duration) (int64, error) {
	var marked int64
	err := s.withRetry(ctx, func() error {
		now := time.Now().UTC()
		query := `
			UPDATE items
			SET deletion_marker = ?, expires_at = ?
			WHERE source_id = ? AND deletion_marker IS NULL
		`
		result, err := s.conn.ExecContext(ctx, query, now, now.Add(grace), sourceID)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("mark items for deletion: %w", err)}
		}
		marked, err = result.RowsAffected()
		if err != nil {
			return &criticalError{err: fmt.Errorf("get rows affected: %w", err)}
		}
		return nil
	})
	return marked, err
}

// DeleteMarkedBatch physically removes up to limit items that carry a
// deletion marker or are past expiry, appending one removal-log row per
// item so the lifecycle decrementer sees every removal. Returns the
// number of items deleted.
func (s *Store) DeleteMarkedBatch(ctx context.Context, now time.Time, limit int) (int64, error) {
	var deleted int64
	err := s.InTransaction(ctx, func(tx *sqlx.Tx) error {
		var victims []Item
		query := `
			SELECT id, source_id, story_group_id FROM items
			WHERE deletion_marker IS NOT NULL OR expires_at <= ?
			LIMIT ?
		`
		if err := tx.SelectContext(ctx, &victims, query, now.UTC(), limit); err != nil {
			return fmt.Errorf("select marked items: %w", err)
		}
		if len(victims) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(victims))
		for _, v := range victims {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO removal_log (item_id, source_id, story_group_id) VALUES (?, ?, ?)`,
				v.ID, v.SourceID, v.StoryGroupID); err != nil {
				return fmt.Errorf("log removal: %w", err)
			}
			ids = append(ids, v.ID)
		}

		delQuery, args, err := sqlx.In(`DELETE FROM items WHERE id IN (?)`, ids)
		if err != nil {
			return fmt.Errorf("build delete query: %w", err)
		}
		result, err := tx.ExecContext(ctx, tx.Rebind(delQuery), args...)
		if err != nil {
			return fmt.Errorf("delete marked items: %w", err)
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return deleted, err
}

// CountItems returns the total number of items
func (s *Store) CountItems(ctx context.Context) (int64, error) {
	var count int64
	err := s.conn.GetContext(ctx, &count, `SELECT COUNT(*) FROM items`)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return count, nil
}
