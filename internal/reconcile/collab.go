package reconcile

import (
	"context"
	"errors"
	"time"

	"modbridge/internal/model"
	"modbridge/internal/storage"
)

// Errors a Notifier reports for a message it cannot reach.
var (
	ErrNotFound  = errors.New("message not found")
	ErrForbidden = errors.New("forbidden")
)

// MessageRef locates a posted alert.
type MessageRef struct {
	GuildID   string
	ChannelID string
	MessageID string
}

// Source is the moderation backend a tenant polls.
type Source interface {
	// FetchFlaggedItems returns the current report queue, oldest first.
	FetchFlaggedItems(ctx context.Context) ([]model.FlaggedItem, error)
	// RefreshItemState reads the live state of one item. Unknown or
	// malformed ids return an error wrapping model.ErrInvalidID.
	RefreshItemState(ctx context.Context, itemID string) (model.ItemState, error)
	// FetchModerationLog returns at most limit entries created at or after
	// minTS.
	FetchModerationLog(ctx context.Context, container string, limit int, minTS time.Time) ([]model.ModlogEntry, error)
}

// SendOptions tune a new alert message.
type SendOptions struct {
	Silent bool
}

// Notifier posts and edits alerts.
type Notifier interface {
	// ResolveChannel reports whether channelID is a postable channel.
	ResolveChannel(ctx context.Context, channelID string) error
	Send(ctx context.Context, channelID string, p model.AlertPayload, opts SendOptions) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, p model.AlertPayload) error
	// RegisterView makes the alert's controls interactive.
	RegisterView(tenantID string, ref MessageRef, p model.AlertPayload) error
	// LookupView returns the in-memory payload of a registered alert.
	LookupView(messageID string) (model.AlertPayload, bool)
}

// Registrar is the part of a Notifier that Recover needs.
type Registrar interface {
	RegisterView(tenantID string, ref MessageRef, p model.AlertPayload) error
}

// Store is the persistence the engine drives; *storage.Store satisfies it.
type Store interface {
	ShouldAlert(ctx context.Context, tenantID string, it model.FlaggedItem) (bool, error)
	GetAlertMessage(ctx context.Context, tenantID, itemID string) (storage.AlertBinding, bool, error)
	SetDiscordMessage(ctx context.Context, tenantID, itemID, channelID, messageID string) error
	ClearMessage(ctx context.Context, tenantID, itemID string) error
	MarkHandled(ctx context.Context, tenantID, itemID string) error
	ListUnhandledAlerts(ctx context.Context, tenantID string, limit int) ([]storage.AlertRef, error)
	MarkRefreshed(ctx context.Context, tenantID, itemID string) error

	SaveView(ctx context.Context, v storage.ViewRecord) error
	GetView(ctx context.Context, messageID string) (storage.ViewRecord, bool, error)
	LoadViews(ctx context.Context) ([]storage.ViewRecord, error)
	DeleteView(ctx context.Context, messageID string) error
	PruneViews(ctx context.Context, ttl time.Duration) (int64, error)

	AppendModlog(ctx context.Context, tenantID string, entries []model.ModlogEntry) (int, error)
	ModlogWatermark(ctx context.Context, tenantID string) (time.Time, bool, error)
	AdvanceWatermark(ctx context.Context, tenantID string, at time.Time) error
	PruneModlog(ctx context.Context, tenantID string, before time.Time) (int64, error)
	ListModlogForItem(ctx context.Context, tenantID, itemID string, since time.Time, limit int) ([]string, error)
}

var _ Store = (*storage.Store)(nil)
