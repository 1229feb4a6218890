package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// DedupRecord is the persisted sighting state of one item.
type DedupRecord struct {
	TenantID        string
	ItemID          string
	Kind            string
	Container       string
	FirstReportedAt time.Time
	LastSeenAt      time.Time
	ReportCount     int
	Handled         bool
	ChannelID       string
	MessageID       string
}

// Bound reports whether the record points at a live message.
func (r DedupRecord) Bound() bool { return r.ChannelID != "" && r.MessageID != "" }

// AlertBinding is the message an item is bound to, if any.
type AlertBinding struct {
	ChannelID string
	MessageID string
	Handled   bool
}

func (b AlertBinding) Bound() bool { return b.ChannelID != "" && b.MessageID != "" }

// AlertRef identifies an unhandled bound alert.
type AlertRef struct {
	ItemID    string
	ChannelID string
	MessageID string
}

// ViewRecord is a serialized alert payload bound to one message.
type ViewRecord struct {
	MessageID string
	ChannelID string
	GuildID   string
	TenantID  string
	Payload   []byte
	CreatedAt time.Time
}
