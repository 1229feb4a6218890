package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modbridge/internal/model"
)

// AppendModlog inserts entries, ignoring exact duplicates. It returns the
// number of new rows.
func (s *Store) AppendModlog(ctx context.Context, tenantID string, entries []model.ModlogEntry) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append modlog: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO modlog_entries(tenant_id, target_id, created_at, line) VALUES(?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("append modlog: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, e := range entries {
		if e.TargetID == "" || e.Line == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx, tenantID, e.TargetID, toMillis(e.CreatedAt), e.Line)
		if err != nil {
			return 0, fmt.Errorf("append modlog: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append modlog: %w", err)
	}
	return added, nil
}

// ModlogWatermark returns the newest created_at cached for a tenant.
// ok is false when nothing was cached yet.
func (s *Store) ModlogWatermark(ctx context.Context, tenantID string) (time.Time, bool, error) {
	if err := s.ready(); err != nil {
		return time.Time{}, false, err
	}
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT max_created_at FROM modlog_watermarks WHERE tenant_id = ?`, tenantID,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("modlog watermark: %w", err)
	}
	return fromMillis(ms), true, nil
}

// AdvanceWatermark moves the watermark to at if at is newer. The stored
// value never decreases.
func (s *Store) AdvanceWatermark(ctx context.Context, tenantID string, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO modlog_watermarks(tenant_id, max_created_at) VALUES(?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET max_created_at = MAX(max_created_at, excluded.max_created_at)`,
		tenantID, toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// PruneModlog deletes a tenant's entries older than before.
func (s *Store) PruneModlog(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM modlog_entries WHERE tenant_id = ? AND created_at < ?`,
		tenantID, toMillis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("prune modlog: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListModlogForItem returns up to limit lines for an item created at or
// after since, oldest first. When more match, the newest are kept.
func (s *Store) ListModlogForItem(ctx context.Context, tenantID, itemID string, since time.Time, limit int) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM (
		   SELECT line, created_at FROM modlog_entries
		   WHERE tenant_id = ? AND target_id = ? AND created_at >= ?
		   ORDER BY created_at DESC, line DESC
		   LIMIT ?
		 ) ORDER BY created_at ASC, line ASC`,
		tenantID, itemID, toMillis(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list modlog: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("list modlog: %w", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}
