package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultTenantID names the implicit tenant when no tenants are configured.
const DefaultTenantID = "default"

// Defaults.
const (
	DefaultPollInterval      = 5 * time.Minute
	DefaultReportThreshold   = 1
	DefaultMaxReportsPerPoll = 100
	DefaultMaxItemAgeHours   = 72
	DefaultModlogFetchLimit  = 50
	DefaultModlogRetention   = 168 * time.Hour
	DefaultModlogOverlap     = 60 * time.Second
	DefaultModlogMaxAge      = 72 * time.Hour
	DefaultModlogMaxLines    = 10
	DefaultDriftRefreshLimit = 25
	DefaultCallTimeout       = 30 * time.Second
	DefaultViewTTL           = 168 * time.Hour
	DefaultDBPath            = "data/modbridge.sqlite3"
	DefaultUserAgent         = "modbridge/1.0"

	minPollInterval = 10 * time.Second
)

// TenantSettings is one tenant's fully resolved configuration.
type TenantSettings struct {
	ID             string
	GuildID        string
	ModChannelID   string
	AllowedRoleIDs []string
	Silent         bool
	Container      string

	PollInterval      time.Duration
	PostThreshold     int
	CommentThreshold  int
	MaxReportsPerPoll int
	MaxItemAgeHours   int

	ModlogFetchLimit int
	ModlogRetention  time.Duration
	ModlogOverlap    time.Duration
	ModlogMaxAge     time.Duration
	ModlogMaxLines   int

	DriftRefreshLimit int
	CallTimeout       time.Duration

	Reddit RedditConfig
}

// ResolveTenants merges Defaults into every tenant and validates the
// result. Tenants are returned sorted by id.
func ResolveTenants(cfg *Config) ([]TenantSettings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	tenants := cfg.Tenants
	if len(tenants) == 0 {
		d := TenantConfig{GuildID: cfg.Discord.GuildID}
		tenants = map[string]TenantConfig{DefaultTenantID: d}
	}

	ids := make([]string, 0, len(tenants))
	for id := range tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]TenantSettings, 0, len(ids))
	var errs []error
	for _, id := range ids {
		ts, err := resolveTenant(cfg, id, tenants[id])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, ts)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func resolveTenant(cfg *Config, id string, tc TenantConfig) (TenantSettings, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return TenantSettings{}, errors.New("tenants: empty setup id")
	}
	d := cfg.Defaults
	p := "tenants." + id

	ts := TenantSettings{
		ID:                id,
		GuildID:           firstNonEmpty(tc.GuildID, d.GuildID, cfg.Discord.GuildID),
		ModChannelID:      firstNonEmpty(tc.ModChannelID, d.ModChannelID),
		AllowedRoleIDs:    pickSlice(tc.AllowedRoleIDs, d.AllowedRoleIDs),
		Silent:            pickBool(tc.SilentNotifications, d.SilentNotifications, true),
		Container:         strings.TrimPrefix(firstNonEmpty(tc.Subreddit, d.Subreddit), "r/"),
		PostThreshold:     max(pickInt(tc.PostReportThreshold, d.PostReportThreshold, DefaultReportThreshold), 1),
		CommentThreshold:  max(pickInt(tc.CommentReportThreshold, d.CommentReportThreshold, DefaultReportThreshold), 1),
		MaxReportsPerPoll: max(pickInt(tc.MaxReportsPerPoll, d.MaxReportsPerPoll, DefaultMaxReportsPerPoll), 1),
		MaxItemAgeHours:   max(pickInt(tc.MaxItemAgeHours, d.MaxItemAgeHours, DefaultMaxItemAgeHours), 0),
		ModlogFetchLimit:  max(pickInt(tc.ModlogFetchLimit, d.ModlogFetchLimit, DefaultModlogFetchLimit), 0),
		ModlogMaxLines:    max(pickInt(tc.ModlogMaxLines, d.ModlogMaxLines, DefaultModlogMaxLines), 0),
		DriftRefreshLimit: max(pickInt(tc.DriftRefreshLimit, d.DriftRefreshLimit, DefaultDriftRefreshLimit), 0),
		Reddit:            mergeReddit(cfg.Reddit, d.Reddit, tc.Reddit),
	}

	var errs []error
	dur := func(field, own, def string, fallback time.Duration) time.Duration {
		raw := firstNonEmpty(own, def)
		if raw == "" {
			return fallback
		}
		v, err := ParseDurationField(p+"."+field, raw)
		if err != nil {
			errs = append(errs, err)
			return fallback
		}
		return v
	}
	ts.PollInterval = dur("poll_interval", tc.PollInterval, d.PollInterval, DefaultPollInterval)
	ts.ModlogRetention = dur("modlog_retention", tc.ModlogRetention, d.ModlogRetention, DefaultModlogRetention)
	ts.ModlogOverlap = dur("modlog_overlap", tc.ModlogOverlap, d.ModlogOverlap, DefaultModlogOverlap)
	ts.ModlogMaxAge = dur("modlog_max_age", tc.ModlogMaxAge, d.ModlogMaxAge, DefaultModlogMaxAge)
	ts.CallTimeout = dur("call_timeout", tc.CallTimeout, d.CallTimeout, DefaultCallTimeout)

	if ts.PollInterval < minPollInterval {
		errs = append(errs, fmt.Errorf("%s.poll_interval: must be >= %s", p, minPollInterval))
	}
	if ts.CallTimeout <= 0 {
		ts.CallTimeout = DefaultCallTimeout
	}
	if ts.ModChannelID == "" {
		errs = append(errs, fmt.Errorf("%s.mod_channel_id is required", p))
	}
	if ts.Container == "" {
		errs = append(errs, fmt.Errorf("%s.subreddit is required", p))
	}
	if ts.GuildID == "" {
		errs = append(errs, fmt.Errorf("%s.guild_id is required", p))
	}
	if err := validateReddit(p+".reddit", ts.Reddit); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return TenantSettings{}, err
	}
	return ts, nil
}

func validateReddit(p string, r RedditConfig) error {
	var errs []error
	if r.ClientID == "" {
		errs = append(errs, fmt.Errorf("%s.client_id is required", p))
	}
	if r.ClientSecret == "" {
		errs = append(errs, fmt.Errorf("%s.client_secret is required", p))
	}
	if r.RefreshToken == "" && (r.Username == "" || r.Password == "") {
		errs = append(errs, fmt.Errorf("%s: set refresh_token, or both username and password", p))
	}
	if r.Timeout != "" {
		if _, err := ParseDurationField(p+".timeout", r.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func mergeReddit(base RedditConfig, layers ...*RedditConfig) RedditConfig {
	out := base
	for _, l := range layers {
		if l == nil {
			continue
		}
		out.ClientID = firstNonEmpty(l.ClientID, out.ClientID)
		out.ClientSecret = firstNonEmpty(l.ClientSecret, out.ClientSecret)
		out.RefreshToken = firstNonEmpty(l.RefreshToken, out.RefreshToken)
		out.Username = firstNonEmpty(l.Username, out.Username)
		out.Password = firstNonEmpty(l.Password, out.Password)
		out.UserAgent = firstNonEmpty(l.UserAgent, out.UserAgent)
		out.APIBase = firstNonEmpty(l.APIBase, out.APIBase)
		out.TokenURL = firstNonEmpty(l.TokenURL, out.TokenURL)
		out.Timeout = firstNonEmpty(l.Timeout, out.Timeout)
		if l.RatePerMinute > 0 {
			out.RatePerMinute = l.RatePerMinute
		}
	}
	if out.UserAgent == "" {
		out.UserAgent = DefaultUserAgent
	}
	return out
}

// Validate checks the whole config, including every tenant.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if _, err := DisplayLocation(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("storage.view_ttl", cfg.Storage.ViewTTL); err != nil {
		errs = append(errs, err)
	}
	if _, err := ResolveTenants(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DisplayLocation returns the audit timezone.
func DisplayLocation(cfg *Config) (*time.Location, error) {
	name := strings.TrimSpace(cfg.Discord.DisplayTimezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("discord.display_timezone: %w", err)
	}
	return loc, nil
}

// StoragePath returns the configured DB path or the default.
func (c StorageConfig) StoragePath() string {
	return firstNonEmpty(c.Path, DefaultDBPath)
}

// ViewTTLOrDefault returns the view TTL.
func (c StorageConfig) ViewTTLOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("storage.view_ttl", c.ViewTTL, DefaultViewTTL)
	if err != nil {
		return DefaultViewTTL
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func pickInt(own, def *int, fallback int) int {
	if own != nil {
		return *own
	}
	if def != nil {
		return *def
	}
	return fallback
}

func pickBool(own, def *bool, fallback bool) bool {
	if own != nil {
		return *own
	}
	if def != nil {
		return *def
	}
	return fallback
}

func pickSlice(own, def []string) []string {
	src := def
	if own != nil {
		src = own
	}
	out := make([]string, 0, len(src))
	for _, s := range src {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
