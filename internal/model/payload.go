package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// CurrentViewVersion is written into every encoded payload.
//
// Version history:
//   - 1: loose dict keyed by fullname/subreddit with float created_utc
//   - 2: typed record keyed by item_id/container with RFC3339 created_at
const CurrentViewVersion = 2

// MaxVisibleActions is how many action log lines a rendered alert shows.
const MaxVisibleActions = 10

const deletedAuthor = "[deleted]"

// AlertPayload is the durable state behind one interactive alert.
type AlertPayload struct {
	ViewVersion int    `json:"view_version"`
	SetupID     string `json:"setup_id,omitempty"`

	ItemID       string    `json:"item_id"`
	Kind         Kind      `json:"kind"`
	Container    string    `json:"container"`
	Author       string    `json:"author"`
	Permalink    string    `json:"permalink"`
	LinkURL      string    `json:"link_url,omitempty"`
	MediaURL     string    `json:"media_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Title        string    `json:"title"`
	Snippet      string    `json:"snippet"`
	NumReports   int       `json:"num_reports"`
	CreatedAt    time.Time `json:"created_at"`
	NumComments  *int      `json:"num_comments,omitempty"`

	Locked         bool `json:"locked"`
	ReportsIgnored bool `json:"reports_ignored"`
	Removed        bool `json:"removed"`
	Approved       bool `json:"approved"`

	UserReports []string `json:"user_reports"`
	ModReports  []string `json:"mod_reports"`

	Handled   bool     `json:"handled"`
	ActionLog []string `json:"action_log"`
}

// NewPayload builds a fresh payload for a first-time alert.
func NewPayload(setupID string, it FlaggedItem) AlertPayload {
	p := AlertPayload{
		ViewVersion: CurrentViewVersion,
		SetupID:     setupID,
		ActionLog:   []string{},
	}
	return p.WithItem(it)
}

// WithItem returns a copy of p carrying the latest item fields. Handled,
// the action log and the setup id are preserved.
func (p AlertPayload) WithItem(it FlaggedItem) AlertPayload {
	n := p
	n.ViewVersion = CurrentViewVersion
	n.ItemID = it.ID
	n.Kind = it.Kind
	n.Container = it.Container
	n.Author = it.Author
	if strings.TrimSpace(n.Author) == "" {
		n.Author = deletedAuthor
	}
	n.Permalink = it.Permalink
	n.LinkURL = it.LinkURL
	n.MediaURL = it.MediaURL
	n.ThumbnailURL = it.ThumbnailURL
	n.Title = it.Title
	n.Snippet = it.Snippet
	n.CreatedAt = it.CreatedAt.UTC()
	n.UserReports = cloneStrings(it.UserReports)
	n.ModReports = cloneStrings(it.ModReports)
	n.ActionLog = cloneStrings(p.ActionLog)
	return n.WithState(it.State())
}

// WithState returns a copy of p with only the refreshable fields replaced.
func (p AlertPayload) WithState(st ItemState) AlertPayload {
	n := p
	n.Locked = st.Locked
	n.ReportsIgnored = st.ReportsIgnored
	n.Removed = st.Removed
	n.Approved = st.Approved
	n.NumReports = max(st.NumReports, 0)
	if st.NumComments != nil {
		n.NumComments = IntPtr(*st.NumComments)
	}
	n.ActionLog = cloneStrings(p.ActionLog)
	return n
}

// AppendUnique appends lines missing from the action log, in order.
// It returns the number of lines added.
func (p *AlertPayload) AppendUnique(lines ...string) int {
	seen := make(map[string]struct{}, len(p.ActionLog))
	for _, l := range p.ActionLog {
		seen[l] = struct{}{}
	}
	added := 0
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		p.ActionLog = append(p.ActionLog, l)
		added++
	}
	return added
}

// VisibleActions returns the tail of the action log shown in the alert.
func (p AlertPayload) VisibleActions() []string {
	if len(p.ActionLog) <= MaxVisibleActions {
		return p.ActionLog
	}
	return p.ActionLog[len(p.ActionLog)-MaxVisibleActions:]
}

// Equal reports whether two payloads would render identically.
func (p AlertPayload) Equal(o AlertPayload) bool {
	return p.SetupID == o.SetupID &&
		p.ItemID == o.ItemID &&
		p.Kind == o.Kind &&
		p.Container == o.Container &&
		p.Author == o.Author &&
		p.Permalink == o.Permalink &&
		p.LinkURL == o.LinkURL &&
		p.MediaURL == o.MediaURL &&
		p.ThumbnailURL == o.ThumbnailURL &&
		p.Title == o.Title &&
		p.Snippet == o.Snippet &&
		p.NumReports == o.NumReports &&
		p.CreatedAt.Equal(o.CreatedAt) &&
		equalIntPtr(p.NumComments, o.NumComments) &&
		p.Locked == o.Locked &&
		p.ReportsIgnored == o.ReportsIgnored &&
		p.Removed == o.Removed &&
		p.Approved == o.Approved &&
		p.Handled == o.Handled &&
		slices.Equal(p.UserReports, o.UserReports) &&
		slices.Equal(p.ModReports, o.ModReports) &&
		slices.Equal(p.ActionLog, o.ActionLog)
}

// Encode serializes p at the current version.
func (p AlertPayload) Encode() ([]byte, error) {
	p.ViewVersion = CurrentViewVersion
	if p.ActionLog == nil {
		p.ActionLog = []string{}
	}
	if p.UserReports == nil {
		p.UserReports = []string{}
	}
	if p.ModReports == nil {
		p.ModReports = []string{}
	}
	return json.Marshal(p)
}

// DecodePayload reads a payload of any known version and migrates it to
// the current one.
func DecodePayload(b []byte) (AlertPayload, error) {
	var probe struct {
		ViewVersion *int `json:"view_version"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return AlertPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	version := 1
	if probe.ViewVersion != nil {
		version = *probe.ViewVersion
	}
	switch {
	case version <= 1:
		var legacy PayloadV1
		if err := json.Unmarshal(b, &legacy); err != nil {
			return AlertPayload{}, fmt.Errorf("decode payload v1: %w", err)
		}
		return Migrate(legacy), nil
	case version == CurrentViewVersion:
		var p AlertPayload
		if err := json.Unmarshal(b, &p); err != nil {
			return AlertPayload{}, fmt.Errorf("decode payload v%d: %w", version, err)
		}
		return normalize(p), nil
	default:
		return AlertPayload{}, fmt.Errorf("decode payload: unsupported view_version %d", version)
	}
}

// ErrEmptyItemID marks payloads that decode but cannot identify an item.
var ErrEmptyItemID = errors.New("payload has empty item id")

// Validate checks the fields recovery depends on.
func (p AlertPayload) Validate() error {
	if strings.TrimSpace(p.ItemID) == "" {
		return ErrEmptyItemID
	}
	return nil
}

// PayloadV1 is the loosely typed layout written before view_version 2.
type PayloadV1 struct {
	Fullname       string   `json:"fullname"`
	Kind           string   `json:"kind"`
	Subreddit      string   `json:"subreddit"`
	Author         *string  `json:"author"`
	Permalink      string   `json:"permalink"`
	LinkURL        *string  `json:"link_url"`
	MediaURL       *string  `json:"media_url"`
	ThumbnailURL   *string  `json:"thumbnail_url"`
	Title          string   `json:"title"`
	Snippet        string   `json:"snippet"`
	NumReports     float64  `json:"num_reports"`
	CreatedUTC     float64  `json:"created_utc"`
	NumComments    *float64 `json:"num_comments"`
	Locked         bool     `json:"locked"`
	ReportsIgnored bool     `json:"reports_ignored"`
	Removed        bool     `json:"removed"`
	Approved       bool     `json:"approved"`
	UserReports    []any    `json:"user_reports"`
	ModReports     []any    `json:"mod_reports"`
	Handled        bool     `json:"handled"`
	ActionLog      []any    `json:"action_log"`
	SetupID        any      `json:"setup_id"`
}

// Migrate converts a version 1 payload.
//
// Defaults for absent or malformed fields:
//   - kind: submission
//   - author: "[deleted]"
//   - blank URLs: none
//   - report and action lists: empty
//   - created_utc: unix epoch
func Migrate(v PayloadV1) AlertPayload {
	p := AlertPayload{
		ViewVersion:    CurrentViewVersion,
		ItemID:         strings.TrimSpace(v.Fullname),
		Kind:           Kind(v.Kind),
		Container:      v.Subreddit,
		Author:         deletedAuthor,
		Permalink:      v.Permalink,
		LinkURL:        optString(v.LinkURL),
		MediaURL:       optString(v.MediaURL),
		ThumbnailURL:   optString(v.ThumbnailURL),
		Title:          v.Title,
		Snippet:        v.Snippet,
		NumReports:     int(v.NumReports),
		CreatedAt:      unixFloat(v.CreatedUTC),
		Locked:         v.Locked,
		ReportsIgnored: v.ReportsIgnored,
		Removed:        v.Removed,
		Approved:       v.Approved,
		UserReports:    stringify(v.UserReports),
		ModReports:     stringify(v.ModReports),
		Handled:        v.Handled,
		ActionLog:      stringify(v.ActionLog),
	}
	if v.Author != nil {
		p.Author = *v.Author
	}
	if v.NumComments != nil {
		p.NumComments = IntPtr(int(*v.NumComments))
	}
	switch id := v.SetupID.(type) {
	case nil:
	case string:
		p.SetupID = id
	case float64:
		p.SetupID = fmt.Sprintf("%.0f", id)
	default:
		p.SetupID = fmt.Sprint(id)
	}
	return normalize(p)
}

func normalize(p AlertPayload) AlertPayload {
	p.ViewVersion = CurrentViewVersion
	if !p.Kind.Valid() {
		p.Kind = KindSubmission
	}
	if p.Author == "" {
		p.Author = deletedAuthor
	}
	p.LinkURL = strings.TrimSpace(p.LinkURL)
	p.MediaURL = strings.TrimSpace(p.MediaURL)
	p.ThumbnailURL = strings.TrimSpace(p.ThumbnailURL)
	if p.UserReports == nil {
		p.UserReports = []string{}
	}
	if p.ModReports == nil {
		p.ModReports = []string{}
	}
	if p.ActionLog == nil {
		p.ActionLog = []string{}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p
}

func optString(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func stringify(in []any) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if s, ok := v.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, fmt.Sprint(v))
	}
	return out
}

func unixFloat(f float64) time.Time {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Unix(0, 0).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func cloneStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}
