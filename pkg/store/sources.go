package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const maxErrorLen = 500

// CreateSource creates a new source
func (s *Store) CreateSource(ctx context.Context, src *Source) error {
	if src.PollInterval <= 0 {
		src.PollInterval = 15
	}
	query := `
		INSERT INTO sources (url, name, active, poll_interval_minutes)
		VALUES (:url, :name, :active, :poll_interval_minutes)
	`
	result, err := s.conn.NamedExecContext(ctx, query, src)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	src.ID = id
	return nil
}

// GetSource retrieves a source by ID
func (s *Store) GetSource(ctx context.Context, id int64) (*Source, error) {
	var src Source
	err := s.conn.GetContext(ctx, &src, `SELECT * FROM sources WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("source %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &src, nil
}

// GetSourceByURL retrieves a source by URL
func (s *Store) GetSourceByURL(ctx context.Context, url string) (*Source, error) {
	var src Source
	err := s.conn.GetContext(ctx, &src, `SELECT * FROM sources WHERE url = ?`, url)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("source %s: %w", url, ErrNotFound)
		}
		return nil, fmt.Errorf("get source by url: %w", err)
	}
	return &src, nil
}

// GetSources retrieves all sources
func (s *Store) GetSources(ctx context.Context) ([]Source, error) {
	var sources []Source
	err := s.conn.SelectContext(ctx, &sources, `SELECT * FROM sources ORDER BY name, url`)
	if err != nil {
		return nil, fmt.Errorf("get sources: %w", err)
	}
	return sources, nil
}

// GetActiveSources retrieves sources eligible for polling
func (s *Store) GetActiveSources(ctx context.Context) ([]Source, error) {
	var sources []Source
	err := s.conn.SelectContext(ctx, &sources, `SELECT * FROM sources WHERE active = 1 ORDER BY name, url`)
	if err != nil {
		return nil, fmt.Errorf("get active sources: %w", err)
	}
	return sources, nil
}

// RecordSourceSuccess stamps a successful poll: zeroes the error counter,
// clears the last error and sets both polled and success timestamps
func (s *Store) RecordSourceSuccess(ctx context.Context, sourceID int64) error {
	return s.withRetry(ctx, func() error {
		query := `
			UPDATE sources
			SET consecutive_errors = 0,
			    last_error = '',
			    last_success_at = ?,
			    last_polled_at = ?,
			    updated_at = ?
			WHERE id = ?
		`
		now := time.Now().UTC()
		_, err := s.conn.ExecContext(ctx, query, now, now, now, sourceID)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("record source success: %w", err)}
		}
		return nil
	})
}

// RecordSourceFailure increments the consecutive error counter and stores
// the truncated message. The auto-disable happens inside the same UPDATE,
// so a concurrent poll cannot observe the counter between read and write.
func (s *Store) RecordSourceFailure(ctx context.Context, sourceID int64, message string, disableThreshold int) error {
	if len(message) > maxErrorLen {
		cut := maxErrorLen
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut-- // back off to a rune boundary
		}
		message = message[:cut]
	}
	return s.withRetry(ctx, func() error {
		query := `
			UPDATE sources
			SET consecutive_errors = consecutive_errors + 1,
			    last_error = ?,
			    last_polled_at = ?,
			    active = CASE WHEN consecutive_errors + 1 >= ? THEN 0 ELSE active END,
			    updated_at = ?
			WHERE id = ?
		`
		now := time.Now().UTC()
		_, err := s.conn.ExecContext(ctx, query, message, now, disableThreshold, now, sourceID)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("record source failure: %w", err)}
		}
		return nil
	})
}

// SetSourceActive flips the active flag, used by an operator to re-enable
// an auto-disabled source
func (s *Store) SetSourceActive(ctx context.Context, sourceID int64, active bool) error {
	query := `UPDATE sources SET active = ?, updated_at = ? WHERE id = ?`
	result, err := s.conn.ExecContext(ctx, query, active, time.Now().UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("set source active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("source %d: %w", sourceID, ErrNotFound)
	}
	return nil
}

// DeleteSource removes the source record itself. Items are handled
// separately by the lifecycle manager before this is called.
func (s *Store) DeleteSource(ctx context.Context, sourceID int64) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, sourceID)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("source %d: %w", sourceID, ErrNotFound)
	}
	return nil
}
