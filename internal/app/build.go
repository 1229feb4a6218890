package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"modbridge/internal/config"
	"modbridge/internal/observability/metrics"
	"modbridge/internal/reddit"
	"modbridge/internal/scheduler"
	"modbridge/internal/storage"
	"modbridge/internal/tenant"
	"modbridge/internal/transport/discord"
	logx "modbridge/pkg/logx"
)

const (
	defaultHousekeeping  = "@hourly"
	defaultRedditTimeout = 20 * time.Second

	// first interval runs are spread so tenants do not poll in lockstep
	pollSpread = 30 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Discord: logx.DiscordConfig{
			Enabled:    l.Discord.Enabled,
			ChannelID:  l.Discord.ChannelID,
			MinLevel:   l.Discord.MinLevel,
			RatePerSec: l.Discord.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.StoragePath(), BusyTimeout: busy}, nil
}

// OpenStore opens the configured SQLite file.
func OpenStore(cfg *config.Config, log logx.Logger) (*storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return st, nil
}

func mapMetricsConfig(cfg *config.Config) metrics.ServerConfig {
	return metrics.ServerConfig{
		Enabled:      cfg.Metrics.Enabled,
		Addr:         cfg.Metrics.Addr,
		Path:         cfg.Metrics.Path,
		Pprof:        cfg.Metrics.Pprof,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func housekeepingSpec(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Scheduler.Housekeeping); s != "" {
		return s
	}
	return defaultHousekeeping
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: cfg.Scheduler.Timezone, Spread: pollSpread}
}

// mapDiscordConfig registers slash commands per tenant guild; one tenant
// without a guild id makes the registration global.
func mapDiscordConfig(cfg *config.Config, tenants []config.TenantSettings, loc *time.Location) discord.Config {
	register := true
	if cfg.Discord.RegisterCommands != nil {
		register = *cfg.Discord.RegisterCommands
	}
	seen := map[string]struct{}{}
	var guilds []string
	for _, ts := range tenants {
		if ts.GuildID == "" {
			guilds = nil
			break
		}
		if _, ok := seen[ts.GuildID]; !ok {
			seen[ts.GuildID] = struct{}{}
			guilds = append(guilds, ts.GuildID)
		}
	}
	sort.Strings(guilds)
	return discord.Config{
		Token:            cfg.Discord.Token,
		CommandGuilds:    guilds,
		RegisterCommands: register,
		Location:         loc,
	}
}

func redditOptions(ts config.TenantSettings, log logx.Logger) (reddit.Options, error) {
	r := ts.Reddit
	timeout, err := config.ParseDurationOrDefault("tenants."+ts.ID+".reddit.timeout", r.Timeout, defaultRedditTimeout)
	if err != nil {
		return reddit.Options{}, err
	}
	return reddit.Options{
		ClientID:      r.ClientID,
		ClientSecret:  r.ClientSecret,
		RefreshToken:  r.RefreshToken,
		Username:      r.Username,
		Password:      r.Password,
		UserAgent:     r.UserAgent,
		Subreddit:     ts.Container,
		MaxReports:    ts.MaxReportsPerPoll,
		APIBase:       r.APIBase,
		TokenURL:      r.TokenURL,
		RatePerMinute: r.RatePerMinute,
		Timeout:       timeout,
		Log:           log,
	}, nil
}

// NewRedditClient builds the tenant's Reddit backend.
func NewRedditClient(ts config.TenantSettings, log logx.Logger) (*reddit.Client, error) {
	opts, err := redditOptions(ts, log.With(logx.Tenant(ts.ID)))
	if err != nil {
		return nil, err
	}
	c, err := reddit.New(opts)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", ts.ID, err)
	}
	return c, nil
}

// BackendFactory builds one tenant's backend.
type BackendFactory func(ts config.TenantSettings, log logx.Logger) (tenant.Backend, error)

func redditBackend(ts config.TenantSettings, log logx.Logger) (tenant.Backend, error) {
	return NewRedditClient(ts, log)
}
