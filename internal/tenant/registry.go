package tenant

import (
	"fmt"

	"modbridge/internal/config"
	"modbridge/internal/reconcile"
)

// Registry is the fixed set of tenants. The set never changes after
// construction; only tenant settings do.
type Registry struct {
	order []*Runtime
	byID  map[string]*Runtime
}

var _ reconcile.TenantResolver = (*Registry)(nil)

func NewRegistry(rts ...*Runtime) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Runtime, len(rts))}
	for _, rt := range rts {
		if rt == nil {
			continue
		}
		if _, dup := r.byID[rt.ID]; dup {
			return nil, fmt.Errorf("tenant %q registered twice", rt.ID)
		}
		r.byID[rt.ID] = rt
		r.order = append(r.order, rt)
	}
	return r, nil
}

func (r *Registry) Get(id string) (*Runtime, bool) {
	rt, ok := r.byID[id]
	return rt, ok
}

// All returns tenants in registration order.
func (r *Registry) All() []*Runtime { return append([]*Runtime(nil), r.order...) }

func (r *Registry) Len() int { return len(r.order) }

func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) ByChannel(channelID string) (string, bool) {
	for _, rt := range r.order {
		if rt.Settings().ModChannelID == channelID {
			return rt.ID, true
		}
	}
	return "", false
}

// ByGuild resolves a guild only when exactly one tenant uses it.
func (r *Registry) ByGuild(guildID string) (string, bool) {
	var found string
	n := 0
	for _, rt := range r.order {
		if rt.Settings().GuildID == guildID {
			found = rt.ID
			n++
		}
	}
	return found, n == 1
}

// ForCommand picks the tenant a slash command targets: the tenant posting
// to the invoking channel, else the only tenant of the guild.
func (r *Registry) ForCommand(guildID, channelID string) (*Runtime, bool) {
	if id, ok := r.ByChannel(channelID); ok {
		return r.byID[id], true
	}
	if id, ok := r.ByGuild(guildID); ok {
		return r.byID[id], true
	}
	return nil, false
}

// ApplyLive pushes reloaded settings into matching tenants and returns
// the ids that were updated. Unknown ids are ignored; adding or removing
// tenants needs a restart.
func (r *Registry) ApplyLive(next []config.TenantSettings) []string {
	var applied []string
	for _, ts := range next {
		rt, ok := r.byID[ts.ID]
		if !ok {
			continue
		}
		rt.Apply(ts)
		applied = append(applied, ts.ID)
	}
	return applied
}
