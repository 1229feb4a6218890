package reddit

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"modbridge/internal/model"
	logx "modbridge/pkg/logx"

	"github.com/patrickmn/go-cache"
)

const (
	cacheKeyMe   = "me"
	meFailureTTL = 5 * time.Minute
)

type modAction struct {
	Action         string  `json:"action"`
	Mod            string  `json:"mod"`
	CreatedUTC     float64 `json:"created_utc"`
	Details        string  `json:"details"`
	Description    string  `json:"description"`
	TargetFullname string  `json:"target_fullname"`
}

// FetchModerationLog returns item-targeted modlog entries created at or
// after minTS, newest first. Actions by the bot account are skipped.
func (c *Client) FetchModerationLog(ctx context.Context, container string, limit int, minTS time.Time) ([]model.ModlogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	container = strings.TrimPrefix(strings.TrimSpace(container), "r/")
	if container == "" {
		container = c.opts.Subreddit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	var l struct {
		Data struct {
			Children []struct {
				Data modAction `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/r/"+url.PathEscape(container)+"/about/log", q, &l); err != nil {
		return nil, fmt.Errorf("fetch modlog: %w", err)
	}
	me := c.botName(ctx)

	var out []model.ModlogEntry
	for _, ch := range l.Data.Children {
		a := ch.Data
		created := unixSeconds(a.CreatedUTC)
		if !minTS.IsZero() && !created.IsZero() && created.Before(minTS) {
			break
		}
		if me != "" && strings.EqualFold(a.Mod, me) {
			continue
		}
		target := strings.TrimSpace(a.TargetFullname)
		if !strings.HasPrefix(target, "t1_") && !strings.HasPrefix(target, "t3_") {
			continue
		}
		details := a.Details
		if strings.TrimSpace(details) == "" {
			details = a.Description
		}
		out = append(out, model.ModlogEntry{
			TargetID:  target,
			CreatedAt: created,
			Line:      model.FormatModlogLine(a.Action, a.Mod, created, details),
		})
	}
	return out, nil
}

// botName returns the authenticated username, cached for an hour. A
// failed lookup is cached as empty for a few minutes so the modlog still
// merges.
func (c *Client) botName(ctx context.Context) string {
	if v, ok := c.cache.Get(cacheKeyMe); ok {
		return v.(string)
	}
	var me struct {
		Name string `json:"name"`
	}
	if err := c.get(ctx, "/api/v1/me", nil, &me); err != nil {
		c.log.Debug("bot name lookup failed", logx.Err(err))
		c.cache.Set(cacheKeyMe, "", meFailureTTL)
		return ""
	}
	c.cache.Set(cacheKeyMe, me.Name, cache.DefaultExpiration)
	return me.Name
}
