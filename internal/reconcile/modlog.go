package reconcile

import (
	"context"
	"time"

	"modbridge/internal/config"
	logx "modbridge/pkg/logx"
)

// MergeModlog pulls new moderation log entries into the cache. It is best
// effort: failures are logged and the cycle continues.
func (e *Engine) MergeModlog(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts := e.settings()
	return e.mergeModlog(ctx, ts, e.log.With(logx.Tenant(ts.ID)))
}

func (e *Engine) mergeModlog(ctx context.Context, ts config.TenantSettings, log logx.Logger) int {
	if ts.ModlogFetchLimit <= 0 || ts.Container == "" {
		return 0
	}
	now := e.now()
	wm, ok, err := e.store.ModlogWatermark(ctx, ts.ID)
	if err != nil {
		log.Warn("modlog watermark read failed", logx.Err(err))
		return 0
	}
	var minTS time.Time
	switch {
	case ok:
		minTS = wm.Add(-ts.ModlogOverlap)
	case ts.ModlogMaxAge > 0:
		minTS = now.Add(-ts.ModlogMaxAge)
	}

	cctx, cancel := call(ctx, ts)
	entries, err := e.source.FetchModerationLog(cctx, ts.Container, ts.ModlogFetchLimit, minTS)
	cancel()
	if err != nil {
		log.Warn("modlog fetch failed", logx.Err(err))
		return 0
	}

	added := 0
	if len(entries) > 0 {
		for i := range entries {
			entries[i].TenantID = ts.ID
		}
		if added, err = e.store.AppendModlog(ctx, ts.ID, entries); err != nil {
			log.Warn("modlog append failed", logx.Err(err))
			return 0
		}
		newest := entries[0].CreatedAt
		for _, en := range entries[1:] {
			if en.CreatedAt.After(newest) {
				newest = en.CreatedAt
			}
		}
		if err := e.store.AdvanceWatermark(ctx, ts.ID, newest); err != nil {
			log.Warn("modlog watermark advance failed", logx.Err(err))
		}
	}
	if ts.ModlogRetention > 0 {
		if _, err := e.store.PruneModlog(ctx, ts.ID, now.Add(-ts.ModlogRetention)); err != nil {
			log.Warn("modlog prune failed", logx.Err(err))
		}
	}
	if added > 0 {
		log.Debug("modlog merged", logx.Int("fetched", len(entries)), logx.Int("added", added))
	}
	return added
}

// modlogLines returns the cached lines for one item inside the display
// window.
func (e *Engine) modlogLines(ctx context.Context, ts config.TenantSettings, itemID string) []string {
	if ts.ModlogMaxLines <= 0 {
		return nil
	}
	var since time.Time
	if ts.ModlogMaxAge > 0 {
		since = e.now().Add(-ts.ModlogMaxAge)
	}
	lines, err := e.store.ListModlogForItem(ctx, ts.ID, itemID, since, ts.ModlogMaxLines)
	if err != nil {
		e.log.Debug("modlog lookup failed", logx.Tenant(ts.ID), logx.String("item", itemID), logx.Err(err))
		return nil
	}
	return lines
}
