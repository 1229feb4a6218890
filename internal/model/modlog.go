package model

import (
	"fmt"
	"strings"
	"time"
)

// ModlogEntry is one cached moderation-log line for a target item.
// Entries are unique on the full tuple.
type ModlogEntry struct {
	TenantID  string
	TargetID  string
	CreatedAt time.Time
	Line      string
}

// FormatModlogLine renders
// "modlog: <action> by u/<mod> at YYYY-MM-DD HH:MM UTC (<details>)".
func FormatModlogLine(action, mod string, at time.Time, details string) string {
	action = strings.TrimSpace(action)
	if action == "" {
		action = "unknown"
	}
	mod = strings.TrimSpace(mod)
	if mod == "" {
		mod = "unknown"
	}
	stamp := "unknown time"
	if !at.IsZero() && at.Unix() > 0 {
		stamp = at.UTC().Format("2006-01-02 15:04") + " UTC"
	}
	extra := ""
	if d := strings.TrimSpace(details); d != "" {
		extra = " (" + d + ")"
	}
	return fmt.Sprintf("modlog: %s by u/%s at %s%s", action, mod, stamp, extra)
}
