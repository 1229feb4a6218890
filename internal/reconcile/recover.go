package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modbridge/internal/model"
	logx "modbridge/pkg/logx"
)

// TenantResolver maps stored view rows back to configured tenants.
type TenantResolver interface {
	Has(tenantID string) bool
	// ByChannel returns the tenant posting to channelID.
	ByChannel(channelID string) (string, bool)
	// ByGuild returns the tenant of guildID when exactly one tenant uses it.
	ByGuild(guildID string) (string, bool)
}

type RecoveryReport struct {
	Pruned   int64 `json:"pruned"`
	Loaded   int   `json:"loaded"`
	Restored int   `json:"restored"`
	Deleted  int   `json:"deleted"`
	Orphaned int   `json:"orphaned"`
	Failed   int   `json:"failed"`
}

type RecoverOptions struct {
	// TTL prunes view rows older than this before loading; 0 keeps all.
	TTL time.Duration
	Log logx.Logger
}

// Recover re-registers interactive controls for every stored alert view
// after a restart. Undecodable rows are deleted; rows whose tenant is not
// configured any more are left in place for a later config.
func Recover(ctx context.Context, st Store, tenants TenantResolver, reg Registrar, opts RecoverOptions) (RecoveryReport, error) {
	var rep RecoveryReport
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.TTL > 0 {
		n, err := st.PruneViews(ctx, opts.TTL)
		if err != nil {
			return rep, fmt.Errorf("prune views: %w", err)
		}
		rep.Pruned = n
	}
	views, err := st.LoadViews(ctx)
	if err != nil {
		return rep, fmt.Errorf("load views: %w", err)
	}
	rep.Loaded = len(views)

	for _, v := range views {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		vlog := log.With(logx.String("message", v.MessageID))
		p, err := model.DecodePayload(v.Payload)
		if err == nil {
			err = p.Validate()
		}
		if err != nil {
			vlog.Info("dropping undecodable view", logx.Err(err))
			if derr := st.DeleteView(ctx, v.MessageID); derr != nil {
				vlog.Warn("delete view failed", logx.Err(derr))
			}
			rep.Deleted++
			continue
		}

		tenantID, ok := resolveOwner(tenants, p.SetupID, v.TenantID, v.ChannelID, v.GuildID)
		if !ok {
			rep.Orphaned++
			vlog.Debug("view has no configured tenant", logx.String("setup_id", p.SetupID), logx.String("tenant_id", v.TenantID))
			continue
		}
		if p.SetupID == "" {
			p.SetupID = tenantID
		}
		ref := MessageRef{GuildID: v.GuildID, ChannelID: v.ChannelID, MessageID: v.MessageID}
		if err := reg.RegisterView(tenantID, ref, p); err != nil {
			rep.Failed++
			vlog.Warn("register view failed", logx.Tenant(tenantID), logx.Err(err))
			continue
		}
		rep.Restored++
	}
	log.Info("views recovered",
		logx.Int("loaded", rep.Loaded),
		logx.Int("restored", rep.Restored),
		logx.Int("deleted", rep.Deleted),
		logx.Int("orphaned", rep.Orphaned),
		logx.Int("failed", rep.Failed),
		logx.Int64("pruned", rep.Pruned),
	)
	return rep, nil
}

func resolveOwner(tenants TenantResolver, setupID, recordTenant, channelID, guildID string) (string, bool) {
	for _, id := range []string{setupID, recordTenant} {
		if id = strings.TrimSpace(id); id != "" && tenants.Has(id) {
			return id, true
		}
	}
	if channelID != "" {
		if id, ok := tenants.ByChannel(channelID); ok {
			return id, true
		}
	}
	if guildID != "" {
		return tenants.ByGuild(guildID)
	}
	return "", false
}
