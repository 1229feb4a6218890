package config

import (
	"slices"
)

// Change describes how a reload affects running tenants.
type Change struct {
	// Live lists tenant fields that are applied to running tenants.
	Live []string
	// Restart lists changes that only take effect after a restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Live) == 0 && len(c.Restart) == 0 }

// SummarizeChange compares two resolved tenant sets. Secrets are never
// included, only the names of the fields that changed.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	var ch Change
	if oldCfg == nil || newCfg == nil {
		return ch
	}
	if oldCfg.Discord.Token != newCfg.Discord.Token {
		ch.Restart = append(ch.Restart, "discord.token")
	}
	if oldCfg.Storage != newCfg.Storage {
		ch.Restart = append(ch.Restart, "storage")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		ch.Restart = append(ch.Restart, "metrics")
	}

	oldTs, err1 := ResolveTenants(oldCfg)
	newTs, err2 := ResolveTenants(newCfg)
	if err1 != nil || err2 != nil {
		return ch
	}
	byID := make(map[string]TenantSettings, len(oldTs))
	for _, t := range oldTs {
		byID[t.ID] = t
	}
	if len(oldTs) != len(newTs) {
		ch.Restart = append(ch.Restart, "tenants")
	}
	for _, n := range newTs {
		o, ok := byID[n.ID]
		if !ok {
			ch.Restart = appendOnce(ch.Restart, "tenants")
			continue
		}
		p := "tenants." + n.ID + "."
		live := func(name string, changed bool) {
			if changed {
				ch.Live = append(ch.Live, p+name)
			}
		}
		restart := func(name string, changed bool) {
			if changed {
				ch.Restart = append(ch.Restart, p+name)
			}
		}
		live("mod_channel_id", o.ModChannelID != n.ModChannelID)
		live("allowed_role_ids", !slices.Equal(o.AllowedRoleIDs, n.AllowedRoleIDs))
		live("silent_notifications", o.Silent != n.Silent)
		live("post_report_threshold", o.PostThreshold != n.PostThreshold)
		live("comment_report_threshold", o.CommentThreshold != n.CommentThreshold)
		live("max_reports_per_poll", o.MaxReportsPerPoll != n.MaxReportsPerPoll)
		live("max_item_age_hours", o.MaxItemAgeHours != n.MaxItemAgeHours)
		live("modlog_fetch_limit", o.ModlogFetchLimit != n.ModlogFetchLimit)
		live("modlog_retention", o.ModlogRetention != n.ModlogRetention)
		live("modlog_overlap", o.ModlogOverlap != n.ModlogOverlap)
		live("modlog_max_age", o.ModlogMaxAge != n.ModlogMaxAge)
		live("modlog_max_lines", o.ModlogMaxLines != n.ModlogMaxLines)
		live("drift_refresh_limit", o.DriftRefreshLimit != n.DriftRefreshLimit)
		live("call_timeout", o.CallTimeout != n.CallTimeout)
		restart("guild_id", o.GuildID != n.GuildID)
		restart("subreddit", o.Container != n.Container)
		restart("poll_interval", o.PollInterval != n.PollInterval)
		restart("reddit", o.Reddit != n.Reddit)
	}
	return ch
}

func appendOnce(s []string, v string) []string {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}

// ApplyLive copies the hot-reloadable fields of next onto cur.
func ApplyLive(cur, next TenantSettings) TenantSettings {
	cur.ModChannelID = next.ModChannelID
	cur.AllowedRoleIDs = append([]string(nil), next.AllowedRoleIDs...)
	cur.Silent = next.Silent
	cur.PostThreshold = next.PostThreshold
	cur.CommentThreshold = next.CommentThreshold
	cur.MaxReportsPerPoll = next.MaxReportsPerPoll
	cur.MaxItemAgeHours = next.MaxItemAgeHours
	cur.ModlogFetchLimit = next.ModlogFetchLimit
	cur.ModlogRetention = next.ModlogRetention
	cur.ModlogOverlap = next.ModlogOverlap
	cur.ModlogMaxAge = next.ModlogMaxAge
	cur.ModlogMaxLines = next.ModlogMaxLines
	cur.DriftRefreshLimit = next.DriftRefreshLimit
	cur.CallTimeout = next.CallTimeout
	return cur
}
