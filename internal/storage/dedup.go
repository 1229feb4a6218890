package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modbridge/internal/model"
)

// ShouldAlert records a sighting of it and reports whether this is the
// first one for (tenantID, it.ID). Later sightings refresh last_seen_at and
// report_count and return false.
func (s *Store) ShouldAlert(ctx context.Context, tenantID string, it model.FlaggedItem) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	now := toMillis(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("should alert %s: %w", it.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO alert_items(tenant_id, item_id, kind, container, first_reported_at, last_seen_at, report_count, handled)
		 VALUES(?,?,?,?,?,?,?,0)
		 ON CONFLICT(tenant_id, item_id) DO NOTHING`,
		tenantID, it.ID, string(it.Kind), it.Container, now, now, it.NumReports,
	)
	if err != nil {
		return false, fmt.Errorf("should alert %s: %w", it.ID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("should alert %s: %w", it.ID, err)
	}
	if inserted == 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE alert_items SET last_seen_at = ?, report_count = ? WHERE tenant_id = ? AND item_id = ?`,
			now, it.NumReports, tenantID, it.ID,
		); err != nil {
			return false, fmt.Errorf("should alert %s: %w", it.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("should alert %s: %w", it.ID, err)
	}
	return inserted == 1, nil
}

// GetAlertMessage returns the binding for an item. ok is false when no
// record exists.
func (s *Store) GetAlertMessage(ctx context.Context, tenantID, itemID string) (AlertBinding, bool, error) {
	if err := s.ready(); err != nil {
		return AlertBinding{}, false, err
	}
	var (
		ch, msg sql.NullString
		handled int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, message_id, handled FROM alert_items WHERE tenant_id = ? AND item_id = ?`,
		tenantID, itemID,
	).Scan(&ch, &msg, &handled)
	if errors.Is(err, sql.ErrNoRows) {
		return AlertBinding{}, false, nil
	}
	if err != nil {
		return AlertBinding{}, false, fmt.Errorf("get alert message %s: %w", itemID, err)
	}
	return AlertBinding{ChannelID: ch.String, MessageID: msg.String, Handled: handled != 0}, true, nil
}

// GetRecord returns the full dedup record (diagnostics and tests).
func (s *Store) GetRecord(ctx context.Context, tenantID, itemID string) (DedupRecord, bool, error) {
	if err := s.ready(); err != nil {
		return DedupRecord{}, false, err
	}
	var (
		r           DedupRecord
		first, last int64
		handled     int
		ch, msg     sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, item_id, kind, container, first_reported_at, last_seen_at, report_count, handled, channel_id, message_id
		 FROM alert_items WHERE tenant_id = ? AND item_id = ?`,
		tenantID, itemID,
	).Scan(&r.TenantID, &r.ItemID, &r.Kind, &r.Container, &first, &last, &r.ReportCount, &handled, &ch, &msg)
	if errors.Is(err, sql.ErrNoRows) {
		return DedupRecord{}, false, nil
	}
	if err != nil {
		return DedupRecord{}, false, fmt.Errorf("get record %s: %w", itemID, err)
	}
	r.FirstReportedAt = fromMillis(first)
	r.LastSeenAt = fromMillis(last)
	r.Handled = handled != 0
	r.ChannelID = ch.String
	r.MessageID = msg.String
	return r, true, nil
}

// SetDiscordMessage binds an item to a message and clears handled.
func (s *Store) SetDiscordMessage(ctx context.Context, tenantID, itemID, channelID, messageID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_items SET channel_id = ?, message_id = ?, handled = 0 WHERE tenant_id = ? AND item_id = ?`,
		nullStr(channelID), nullStr(messageID), tenantID, itemID,
	)
	if err != nil {
		return fmt.Errorf("set discord message %s: %w", itemID, err)
	}
	return nil
}

// ClearMessage unbinds an item after its message was confirmed missing.
func (s *Store) ClearMessage(ctx context.Context, tenantID, itemID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_items SET channel_id = NULL, message_id = NULL WHERE tenant_id = ? AND item_id = ?`,
		tenantID, itemID,
	)
	if err != nil {
		return fmt.Errorf("clear message %s: %w", itemID, err)
	}
	return nil
}

// MarkHandled sets handled. It is idempotent.
func (s *Store) MarkHandled(ctx context.Context, tenantID, itemID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_items SET handled = 1 WHERE tenant_id = ? AND item_id = ?`,
		tenantID, itemID,
	)
	if err != nil {
		return fmt.Errorf("mark handled %s: %w", itemID, err)
	}
	return nil
}

// MarkRefreshed records that the item's state was re-read outside the
// queue, moving it behind every alert checked less recently.
func (s *Store) MarkRefreshed(ctx context.Context, tenantID, itemID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_items SET last_refreshed_at = ? WHERE tenant_id = ? AND item_id = ?`,
		toMillis(s.now()), tenantID, itemID,
	)
	if err != nil {
		return fmt.Errorf("mark refreshed %s: %w", itemID, err)
	}
	return nil
}

// ListUnhandledAlerts returns bound, unhandled alerts of a tenant, least
// recently checked first: a row counts as checked when it was seen in the
// queue or refreshed. limit <= 0 means no limit.
func (s *Store) ListUnhandledAlerts(ctx context.Context, tenantID string, limit int) ([]AlertRef, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, channel_id, message_id FROM alert_items
		 WHERE tenant_id = ? AND handled = 0 AND channel_id IS NOT NULL AND message_id IS NOT NULL
		 ORDER BY MAX(last_seen_at, last_refreshed_at) ASC, item_id ASC
		 LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unhandled: %w", err)
	}
	defer rows.Close()

	var out []AlertRef
	for rows.Next() {
		var r AlertRef
		if err := rows.Scan(&r.ItemID, &r.ChannelID, &r.MessageID); err != nil {
			return nil, fmt.Errorf("list unhandled: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
