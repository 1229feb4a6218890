package config

// Config is the on-disk configuration (JSON or YAML).
//
// Secrets may be written as ${ENV_NAME}; they are expanded from the
// process environment (after .env is loaded) before decoding.
type Config struct {
	Discord DiscordConfig `json:"discord"`
	Reddit  RedditConfig  `json:"reddit"`

	// Defaults apply to every tenant; Tenants overrides them per setup id.
	// With no tenants, a single tenant "default" is built from Defaults.
	Defaults TenantConfig            `json:"defaults"`
	Tenants  map[string]TenantConfig `json:"tenants,omitempty"`

	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
	// GuildID is the guild of the implicit "default" tenant.
	GuildID string `json:"guild_id,omitempty"`
	// DisplayTimezone is used for audit line stamps (IANA name, default UTC).
	DisplayTimezone string `json:"display_timezone,omitempty"`
	// RegisterCommands registers /modsync and /modhealth on startup.
	RegisterCommands *bool `json:"register_commands,omitempty"`
}

// RedditConfig holds API credentials. Either RefreshToken or
// Username+Password must be set.
type RedditConfig struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`

	// Endpoints; tests and proxies override them.
	APIBase  string `json:"api_base,omitempty"`  // default: https://oauth.reddit.com
	TokenURL string `json:"token_url,omitempty"` // default: https://www.reddit.com/api/v1/access_token

	// RatePerMinute caps API requests (default 60).
	RatePerMinute int `json:"rate_per_minute,omitempty"`
	// Timeout is a Go duration string for one HTTP request (default 20s).
	Timeout string `json:"timeout,omitempty"`
}

// TenantConfig carries per-tenant knobs. Pointer and empty string fields
// inherit from Defaults.
//
// Durations are Go duration strings (e.g. "90s", "5m", "72h").
type TenantConfig struct {
	GuildID             string   `json:"guild_id,omitempty"`
	ModChannelID        string   `json:"mod_channel_id,omitempty"`
	AllowedRoleIDs      []string `json:"allowed_role_ids,omitempty"`
	SilentNotifications *bool    `json:"silent_notifications,omitempty"`
	Subreddit           string   `json:"subreddit,omitempty"`

	PollInterval           string `json:"poll_interval,omitempty"`
	PostReportThreshold    *int   `json:"post_report_threshold,omitempty"`
	CommentReportThreshold *int   `json:"comment_report_threshold,omitempty"`
	MaxReportsPerPoll      *int   `json:"max_reports_per_poll,omitempty"`
	MaxItemAgeHours        *int   `json:"max_item_age_hours,omitempty"`

	ModlogFetchLimit *int   `json:"modlog_fetch_limit,omitempty"`
	ModlogRetention  string `json:"modlog_retention,omitempty"`
	ModlogOverlap    string `json:"modlog_overlap,omitempty"`
	ModlogMaxAge     string `json:"modlog_max_age,omitempty"`
	ModlogMaxLines   *int   `json:"modlog_max_lines,omitempty"`

	DriftRefreshLimit *int   `json:"drift_refresh_limit,omitempty"`
	CallTimeout       string `json:"call_timeout,omitempty"`

	// Reddit replaces individual credential fields for this tenant.
	Reddit *RedditConfig `json:"reddit,omitempty"`
}

// StorageConfig controls the SQLite file.
//
// Example:
//
//	"storage": { "path": "data/modbridge.sqlite3", "view_ttl": "168h" }
type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	ViewTTL     string `json:"view_ttl,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Discord LoggingDiscord `json:"discord"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingDiscord struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// MetricsConfig controls the optional Prometheus listener.
// Prefer binding to localhost (e.g. "127.0.0.1:9464").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Path    string `json:"path,omitempty"` // default: /metrics
	// Pprof mounts net/http/pprof under /debug/pprof/ on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

// SchedulerConfig controls housekeeping jobs.
type SchedulerConfig struct {
	// Housekeeping is a cron spec, "@every <dur>" or a bare duration
	// (default "@hourly").
	Housekeeping string `json:"housekeeping,omitempty"`
	// Timezone for cron specs (default Local).
	Timezone string `json:"timezone,omitempty"`
	// StartupSync runs one cycle per tenant right after startup.
	StartupSync *bool `json:"startup_sync,omitempty"`
}
