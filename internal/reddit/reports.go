package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"modbridge/internal/model"
	"modbridge/internal/safety"
)

const (
	maxTitleRunes   = 250
	maxSnippetRunes = 800
)

type listing struct {
	Data struct {
		Children []thing `json:"children"`
	} `json:"data"`
}

type thing struct {
	Kind string    `json:"kind"`
	Data thingData `json:"data"`
}

// thingData is the union of the submission and comment fields used here.
type thingData struct {
	Name        string          `json:"name"`
	Subreddit   string          `json:"subreddit"`
	Author      string          `json:"author"`
	Permalink   string          `json:"permalink"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	LinkTitle   string          `json:"link_title"`
	LinkID      string          `json:"link_id"`
	Selftext    string          `json:"selftext"`
	Body        string          `json:"body"`
	Thumbnail   string          `json:"thumbnail"`
	CreatedUTC  float64         `json:"created_utc"`
	NumReports  *int            `json:"num_reports"`
	NumComments *int            `json:"num_comments"`
	Locked      bool            `json:"locked"`
	IgnoreRep   bool            `json:"ignore_reports"`
	RemovedBy   json.RawMessage `json:"removed_by_category"`
	BannedBy    json.RawMessage `json:"banned_by"`
	ApprovedBy  json.RawMessage `json:"approved_by"`
	UserReports []any           `json:"user_reports"`
	ModReports  []any           `json:"mod_reports"`
	Preview     *struct {
		Images []struct {
			Source struct {
				URL string `json:"url"`
			} `json:"source"`
		} `json:"images"`
	} `json:"preview"`
}

// FetchFlaggedItems reads the subreddit report queue, oldest first.
func (c *Client) FetchFlaggedItems(ctx context.Context) ([]model.FlaggedItem, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.opts.MaxReports))
	var l listing
	if err := c.get(ctx, "/r/"+url.PathEscape(c.opts.Subreddit)+"/about/reports", q, &l); err != nil {
		return nil, fmt.Errorf("fetch reports: %w", err)
	}
	items := make([]model.FlaggedItem, 0, len(l.Data.Children))
	for _, ch := range l.Data.Children {
		it, ok := toItem(ch.Data, c.opts.Subreddit)
		if !ok {
			continue
		}
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// RefreshItemState reads one item through /api/info.
func (c *Client) RefreshItemState(ctx context.Context, itemID string) (model.ItemState, error) {
	it, err := c.info(ctx, itemID)
	if err != nil {
		return model.ItemState{}, err
	}
	return it.State(), nil
}

func (c *Client) info(ctx context.Context, itemID string) (model.FlaggedItem, error) {
	itemID = strings.TrimSpace(itemID)
	if _, err := model.KindOf(itemID); err != nil {
		return model.FlaggedItem{}, err
	}
	q := url.Values{}
	q.Set("id", itemID)
	var l listing
	if err := c.get(ctx, "/api/info", q, &l); err != nil {
		return model.FlaggedItem{}, fmt.Errorf("info %s: %w", itemID, err)
	}
	for _, ch := range l.Data.Children {
		if ch.Data.Name != itemID {
			continue
		}
		if it, ok := toItem(ch.Data, c.opts.Subreddit); ok {
			return it, nil
		}
	}
	return model.FlaggedItem{}, fmt.Errorf("%w: %s not found", ErrInvalidID, itemID)
}

func toItem(d thingData, fallbackSub string) (model.FlaggedItem, bool) {
	kind, err := model.KindOf(d.Name)
	if err != nil {
		return model.FlaggedItem{}, false
	}
	sub := d.Subreddit
	if sub == "" {
		sub = fallbackSub
	}
	user := parseReports(d.UserReports)
	mods := parseReports(d.ModReports)

	it := model.FlaggedItem{
		ID:             d.Name,
		Kind:           kind,
		Container:      sub,
		Author:         d.Author,
		Permalink:      permalink(d.Permalink, sub),
		ThumbnailURL:   safety.URL(d.Thumbnail),
		CreatedAt:      unixSeconds(d.CreatedUTC),
		NumComments:    d.NumComments,
		Locked:         d.Locked,
		ReportsIgnored: d.IgnoreRep,
		Removed:        truthy(d.RemovedBy) || truthy(d.BannedBy),
		Approved:       truthy(d.ApprovedBy),
		UserReports:    user.lines,
		ModReports:     mods.lines,
	}
	if kind == model.KindComment {
		title := d.LinkTitle
		if strings.TrimSpace(title) == "" {
			title = "Comment"
		}
		it.Title = clip(title, maxTitleRunes)
		it.Snippet = clip(d.Body, maxSnippetRunes)
	} else {
		it.Title = clip(d.Title, maxTitleRunes)
		it.LinkURL = safety.URL(d.URL)
		snippet := d.Selftext
		if strings.TrimSpace(snippet) == "" {
			snippet = it.LinkURL
		}
		it.Snippet = clip(snippet, maxSnippetRunes)
		it.MediaURL = mediaURL(d)
	}

	total := user.total + mods.total
	n := 0
	if d.NumReports != nil {
		n = *d.NumReports
	}
	if total > 0 && (n <= 0 || n < total) {
		n = total
	}
	it.NumReports = max(n, 0)
	return it, true
}

type reportSet struct {
	lines []string
	total int
}

// parseReports turns [[reason, count], ...] or bare strings into
// "reason xN" lines.
func parseReports(raw []any) reportSet {
	var rs reportSet
	rs.lines = []string{}
	for _, e := range raw {
		switch v := e.(type) {
		case []any:
			if len(v) < 2 {
				continue
			}
			reason, _ := v[0].(string)
			reason = strings.TrimSpace(reason)
			if reason == "" {
				reason = "Unknown reason"
			}
			count := 1
			if f, ok := v[1].(float64); ok {
				count = int(f)
			}
			count = max(count, 0)
			rs.lines = append(rs.lines, fmt.Sprintf("%s x%d", reason, count))
			rs.total += count
		case string:
			if s := strings.TrimSpace(v); s != "" {
				rs.lines = append(rs.lines, s)
				rs.total++
			}
		}
	}
	return rs
}

func mediaURL(d thingData) string {
	if d.Preview != nil && len(d.Preview.Images) > 0 {
		if u := safety.URL(html.UnescapeString(d.Preview.Images[0].Source.URL)); u != "" {
			return u
		}
	}
	u := safety.URL(d.URL)
	if u != "" && looksLikeImage(u) {
		return u
	}
	return ""
}

func looksLikeImage(u string) bool {
	l := strings.ToLower(u)
	if strings.Contains(l, "i.redd.it/") {
		return true
	}
	if i := strings.IndexAny(l, "?#"); i >= 0 {
		l = l[:i]
	}
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(l, ext) {
			return true
		}
	}
	return false
}

func permalink(p, sub string) string {
	if p != "" {
		if u := safety.URL(DefaultWebBase + p); u != "" {
			return u
		}
	}
	return DefaultWebBase + "/r/" + sub + "/"
}

// truthy treats null, false, "" and 0 as unset.
func truthy(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", "false", `""`, "0":
		return false
	}
	return true
}

func unixSeconds(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
}

// clip squashes whitespace and truncates to n runes with "...".
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
