package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// NextRemovals reads the next batch of unacknowledged removal events in
// arrival order. Events stay in the log until acknowledged, so a consumer
// crash between apply and ack re-delivers them (at-least-once).
func (s *Store) NextRemovals(ctx context.Context, limit int) ([]Removal, error) {
	var removals []Removal
	query := `SELECT * FROM removal_log ORDER BY id LIMIT ?`
	err := s.conn.SelectContext(ctx, &removals, query, limit)
	if err != nil {
		return nil, fmt.Errorf("next removals: %w", err)
	}
	return removals, nil
}

// AckRemovals deletes processed removal events from the log
func (s *Store) AckRemovals(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM removal_log WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("build ack query: %w", err)
	}
	if _, err := s.conn.ExecContext(ctx, s.conn.Rebind(query), args...); err != nil {
		return fmt.Errorf("ack removals: %w", err)
	}
	return nil
}

// PendingRemovals returns the number of unacknowledged removal events
func (s *Store) PendingRemovals(ctx context.Context) (int64, error) {
	var count int64
	err := s.conn.GetContext(ctx, &count, `SELECT COUNT(*) FROM removal_log`)
	if err != nil {
		return 0, fmt.Errorf("count pending removals: %w", err)
	}
	return count, nil
}
