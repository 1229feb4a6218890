// Package reconcile keeps one Discord alert per reported item in line with
// the moderation backend: it creates alerts for new reports, edits alerts
// whose item changed, and leaves handled alerts alone.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"modbridge/internal/config"
	"modbridge/internal/eventbus"
	"modbridge/internal/model"
	"modbridge/internal/storage"
	logx "modbridge/pkg/logx"
)

// ErrChannelUnavailable fails a cycle whose mod channel cannot be resolved.
var ErrChannelUnavailable = errors.New("mod channel unavailable")

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	Tenant   string        `json:"tenant"`
	Started  time.Time     `json:"started"`
	Took     time.Duration `json:"took"`
	Fetched  int           `json:"fetched"`
	Eligible int           `json:"eligible"`

	Posted    int `json:"posted"`
	Edited    int `json:"edited"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Refreshed int `json:"refreshed"`
	Stale     int `json:"stale"`

	ModlogAdded int    `json:"modlog_added"`
	Err         string `json:"err,omitempty"`
}

// Deps are the collaborators of one tenant's engine.
type Deps struct {
	Store    Store
	Source   Source
	Notifier Notifier
	Bus      eventbus.Bus
	Log      logx.Logger
	// Settings returns the tenant's current settings; it is read once per
	// cycle so hot reloads apply from the next cycle on.
	Settings func() config.TenantSettings
	// Location stamps audit lines.
	Location *time.Location
	Now      func() time.Time
}

// Engine runs reconcile cycles for one tenant. Cycles are serialized: a
// second caller waits for the running cycle and then runs its own.
type Engine struct {
	store    Store
	source   Source
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
	settings func() config.TenantSettings
	loc      *time.Location
	now      func() time.Time

	mu   sync.Mutex
	last atomic.Pointer[CycleReport]
}

func NewEngine(d Deps) (*Engine, error) {
	if d.Store == nil || d.Source == nil || d.Notifier == nil || d.Settings == nil {
		return nil, errors.New("reconcile: store, source, notifier and settings are required")
	}
	e := &Engine{
		store:    d.Store,
		source:   d.Source,
		notifier: d.Notifier,
		bus:      d.Bus,
		log:      d.Log,
		settings: d.Settings,
		loc:      d.Location,
		now:      d.Now,
	}
	if e.bus == nil {
		e.bus = eventbus.Nop{}
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Last returns the most recent cycle report.
func (e *Engine) Last() (CycleReport, bool) {
	if r := e.last.Load(); r != nil {
		return *r, true
	}
	return CycleReport{}, false
}

// Lock serializes external mutations of this tenant's alerts (moderator
// actions) with cycles.
func (e *Engine) Lock()   { e.mu.Lock() }
func (e *Engine) Unlock() { e.mu.Unlock() }

// call bounds one collaborator call.
func call(ctx context.Context, ts config.TenantSettings) (context.Context, context.CancelFunc) {
	d := ts.CallTimeout
	if d <= 0 {
		d = config.DefaultCallTimeout
	}
	return context.WithTimeout(ctx, d)
}

// RunCycle performs one full reconcile pass. The returned error is set
// only for cycle-level failures (mod channel or fetch); per-item problems
// are counted in the report.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.settings()
	log := e.log.With(logx.Tenant(ts.ID))
	rep := CycleReport{Tenant: ts.ID, Started: e.now()}

	err := e.runLocked(ctx, ts, log, &rep)
	rep.Took = e.now().Sub(rep.Started)
	typ := eventbus.CycleDone
	if err != nil {
		rep.Err = err.Error()
		typ = eventbus.CycleFailed
		log.Warn("cycle failed", logx.Err(err), logx.Duration("took", rep.Took))
	} else {
		log.Info("cycle done",
			logx.Int("fetched", rep.Fetched),
			logx.Int("posted", rep.Posted),
			logx.Int("edited", rep.Edited),
			logx.Int("unchanged", rep.Unchanged),
			logx.Int("failed", rep.Failed),
			logx.Int("refreshed", rep.Refreshed),
			logx.Int("stale", rep.Stale),
			logx.Duration("took", rep.Took),
		)
	}
	r := rep
	e.last.Store(&r)
	e.bus.Publish(eventbus.Event{Type: typ, Tenant: ts.ID, Data: rep})
	return rep, err
}

func (e *Engine) runLocked(ctx context.Context, ts config.TenantSettings, log logx.Logger, rep *CycleReport) error {
	rep.ModlogAdded = e.mergeModlog(ctx, ts, log)

	cctx, cancel := call(ctx, ts)
	err := e.notifier.ResolveChannel(cctx, ts.ModChannelID)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrChannelUnavailable, ts.ModChannelID, err)
	}

	cctx, cancel = call(ctx, ts)
	items, err := e.source.FetchFlaggedItems(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch flagged items: %w", err)
	}
	rep.Fetched = len(items)

	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	eligible := filterItems(items, ts, e.now())
	rep.Eligible = len(eligible)

	// only items reconciled below are fresh; filtered ones still need drift
	seen := make(map[string]struct{}, len(eligible))
	for _, it := range eligible {
		seen[it.ID] = struct{}{}
	}
	for _, it := range eligible {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.reconcileItem(ctx, ts, log.With(logx.String("item", it.ID)), it, rep)
	}

	e.refreshDrift(ctx, ts, log, seen, rep)
	return nil
}

// filterItems applies the age and report-count filters, keeping order.
func filterItems(items []model.FlaggedItem, ts config.TenantSettings, now time.Time) []model.FlaggedItem {
	out := make([]model.FlaggedItem, 0, len(items))
	maxAge := time.Duration(ts.MaxItemAgeHours) * time.Hour
	for _, it := range items {
		if maxAge > 0 && !it.CreatedAt.IsZero() && now.Sub(it.CreatedAt) > maxAge {
			continue
		}
		if it.NumReports < threshold(ts, it.Kind) {
			continue
		}
		out = append(out, it)
	}
	return out
}

func threshold(ts config.TenantSettings, k model.Kind) int {
	if k == model.KindComment {
		return max(ts.CommentThreshold, 1)
	}
	return max(ts.PostThreshold, 1)
}

func (e *Engine) reconcileItem(ctx context.Context, ts config.TenantSettings, log logx.Logger, it model.FlaggedItem, rep *CycleReport) {
	first, err := e.store.ShouldAlert(ctx, ts.ID, it)
	if err != nil {
		rep.Failed++
		log.Warn("dedup check failed", logx.Err(err))
		return
	}
	if first {
		e.createAlert(ctx, ts, log, it, rep)
		return
	}

	b, ok, err := e.store.GetAlertMessage(ctx, ts.ID, it.ID)
	switch {
	case err != nil:
		rep.Failed++
		log.Warn("binding lookup failed", logx.Err(err))
		return
	case b.Handled:
		rep.Skipped++
		return
	case !ok || !b.Bound():
		e.createAlert(ctx, ts, log, it, rep)
		return
	}

	ref := MessageRef{GuildID: ts.GuildID, ChannelID: b.ChannelID, MessageID: b.MessageID}
	prev, found := e.lastPayload(ctx, ref.MessageID)
	if !found {
		prev = model.NewPayload(ts.ID, it)
	}
	next := prev.WithItem(it)
	if next.SetupID == "" {
		next.SetupID = ts.ID
	}
	next.AppendUnique(e.modlogLines(ctx, ts, it.ID)...)
	if found && next.Equal(prev) {
		rep.Unchanged++
		return
	}
	if e.editAlert(ctx, ts, log, it.ID, ref, next, rep) {
		rep.Edited++
		e.bus.Publish(eventbus.Event{Type: eventbus.AlertEdited, Tenant: ts.ID, Data: it.ID})
	}
}

func (e *Engine) createAlert(ctx context.Context, ts config.TenantSettings, log logx.Logger, it model.FlaggedItem, rep *CycleReport) {
	p := model.NewPayload(ts.ID, it)
	p.AppendUnique(e.modlogLines(ctx, ts, it.ID)...)

	cctx, cancel := call(ctx, ts)
	ref, err := e.notifier.Send(cctx, ts.ModChannelID, p, SendOptions{Silent: ts.Silent})
	cancel()
	if err != nil {
		rep.Failed++
		log.Warn("send alert failed", logx.Err(err))
		return
	}
	if ref.GuildID == "" {
		ref.GuildID = ts.GuildID
	}
	if err := e.store.SetDiscordMessage(ctx, ts.ID, it.ID, ref.ChannelID, ref.MessageID); err != nil {
		rep.Failed++
		log.Error("bind alert failed", logx.String("message", ref.MessageID), logx.Err(err))
		return
	}
	e.persistView(ctx, ts, log, ref, p)
	rep.Posted++
	e.bus.Publish(eventbus.Event{Type: eventbus.AlertPosted, Tenant: ts.ID, Data: it.ID})
}

// editAlert pushes p to an existing message. It reports whether the edit
// landed; a vanished message is unbound so the next cycle reposts it.
func (e *Engine) editAlert(ctx context.Context, ts config.TenantSettings, log logx.Logger, itemID string, ref MessageRef, p model.AlertPayload, rep *CycleReport) bool {
	cctx, cancel := call(ctx, ts)
	err := e.notifier.Edit(cctx, ref, p)
	cancel()
	switch {
	case err == nil:
		e.persistView(ctx, ts, log, ref, p)
		return true
	case errors.Is(err, ErrNotFound):
		rep.Stale++
		log.Info("alert message gone; unbinding", logx.String("message", ref.MessageID))
		if err := e.store.ClearMessage(ctx, ts.ID, itemID); err != nil {
			log.Warn("unbind failed", logx.Err(err))
		}
		if err := e.store.DeleteView(ctx, ref.MessageID); err != nil {
			log.Debug("delete view failed", logx.Err(err))
		}
	default:
		rep.Failed++
		log.Warn("edit alert failed", logx.String("message", ref.MessageID), logx.Err(err))
	}
	return false
}

// persistView writes the view row and registers the live controls.
func (e *Engine) persistView(ctx context.Context, ts config.TenantSettings, log logx.Logger, ref MessageRef, p model.AlertPayload) {
	if err := SaveView(ctx, e.store, ts.ID, ref, p); err != nil {
		log.Warn("save view failed", logx.String("message", ref.MessageID), logx.Err(err))
	}
	if err := e.notifier.RegisterView(ts.ID, ref, p); err != nil {
		log.Warn("register view failed", logx.String("message", ref.MessageID), logx.Err(err))
	}
}

// SaveView encodes p into the view store.
func SaveView(ctx context.Context, st Store, tenantID string, ref MessageRef, p model.AlertPayload) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	return st.SaveView(ctx, storage.ViewRecord{
		MessageID: ref.MessageID,
		ChannelID: ref.ChannelID,
		GuildID:   ref.GuildID,
		TenantID:  tenantID,
		Payload:   b,
	})
}

// lastPayload prefers the live view and falls back to the view store.
func (e *Engine) lastPayload(ctx context.Context, messageID string) (model.AlertPayload, bool) {
	if p, ok := e.notifier.LookupView(messageID); ok {
		return p, true
	}
	v, ok, err := e.store.GetView(ctx, messageID)
	if err != nil || !ok {
		return model.AlertPayload{}, false
	}
	p, err := model.DecodePayload(v.Payload)
	if err != nil {
		return model.AlertPayload{}, false
	}
	return p, true
}

// refreshDrift re-reads unhandled alerts that were not in this cycle's
// queue, catching changes made outside Discord.
func (e *Engine) refreshDrift(ctx context.Context, ts config.TenantSettings, log logx.Logger, seen map[string]struct{}, rep *CycleReport) {
	if ts.DriftRefreshLimit <= 0 {
		return
	}
	refs, err := e.store.ListUnhandledAlerts(ctx, ts.ID, ts.DriftRefreshLimit)
	if err != nil {
		log.Warn("list unhandled alerts failed", logx.Err(err))
		return
	}
	for _, r := range refs {
		if ctx.Err() != nil {
			return
		}
		if _, ok := seen[r.ItemID]; ok {
			continue
		}
		ilog := log.With(logx.String("item", r.ItemID))
		cctx, cancel := call(ctx, ts)
		st, err := e.source.RefreshItemState(cctx, r.ItemID)
		cancel()
		if errors.Is(err, model.ErrInvalidID) {
			rep.Stale++
			ilog.Info("item no longer resolvable; marking handled")
			if err := e.store.MarkHandled(ctx, ts.ID, r.ItemID); err != nil {
				ilog.Warn("mark handled failed", logx.Err(err))
			}
			continue
		}
		// stamp every attempt so failing rows do not hold the head of the list
		if merr := e.store.MarkRefreshed(ctx, ts.ID, r.ItemID); merr != nil {
			ilog.Warn("mark refreshed failed", logx.Err(merr))
		}
		if err != nil {
			rep.Failed++
			ilog.Warn("refresh item state failed", logx.Err(err))
			continue
		}

		prev, ok := e.lastPayload(ctx, r.MessageID)
		if !ok {
			continue
		}
		if prev.Handled {
			if err := e.store.MarkHandled(ctx, ts.ID, r.ItemID); err != nil {
				ilog.Warn("mark handled failed", logx.Err(err))
			}
			continue
		}
		next := prev.WithState(st)
		if next.Equal(prev) {
			continue
		}
		ref := MessageRef{GuildID: ts.GuildID, ChannelID: r.ChannelID, MessageID: r.MessageID}
		if e.editAlert(ctx, ts, ilog, r.ItemID, ref, next, rep) {
			rep.Refreshed++
		}
	}
}
