package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveView upserts a view. created_at is refreshed on every save so active
// alerts outlive the TTL.
func (s *Store) SaveView(ctx context.Context, v ViewRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if v.MessageID == "" {
		return errors.New("save view: empty message id")
	}
	at := v.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_views(message_id, channel_id, guild_id, tenant_id, payload_json, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(message_id) DO UPDATE SET
		   payload_json = excluded.payload_json,
		   tenant_id = excluded.tenant_id,
		   created_at = excluded.created_at`,
		v.MessageID, v.ChannelID, v.GuildID, v.TenantID, string(v.Payload), toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("save view %s: %w", v.MessageID, err)
	}
	return nil
}

// GetView loads one view by message id.
func (s *Store) GetView(ctx context.Context, messageID string) (ViewRecord, bool, error) {
	if err := s.ready(); err != nil {
		return ViewRecord{}, false, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id, channel_id, guild_id, tenant_id, payload_json, created_at FROM alert_views WHERE message_id = ?`,
		messageID,
	)
	v, err := scanView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ViewRecord{}, false, nil
	}
	if err != nil {
		return ViewRecord{}, false, fmt.Errorf("get view %s: %w", messageID, err)
	}
	return v, true, nil
}

// LoadViews returns every stored view.
func (s *Store) LoadViews(ctx context.Context) ([]ViewRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, channel_id, guild_id, tenant_id, payload_json, created_at FROM alert_views ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("load views: %w", err)
	}
	defer rows.Close()

	var out []ViewRecord
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, fmt.Errorf("load views: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteView removes a view.
func (s *Store) DeleteView(ctx context.Context, messageID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alert_views WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete view %s: %w", messageID, err)
	}
	return nil
}

// PruneViews deletes views older than ttl. ttl <= 0 disables pruning.
func (s *Store) PruneViews(ctx context.Context, ttl time.Duration) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := toMillis(s.now().Add(-ttl))
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_views WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune views: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanView(sc scanner) (ViewRecord, error) {
	var (
		v       ViewRecord
		payload string
		at      int64
	)
	if err := sc.Scan(&v.MessageID, &v.ChannelID, &v.GuildID, &v.TenantID, &payload, &at); err != nil {
		return ViewRecord{}, err
	}
	v.Payload = []byte(payload)
	v.CreatedAt = fromMillis(at)
	return v, nil
}
