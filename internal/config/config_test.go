package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseJSON = `{
  "discord": {"token": "${MODBRIDGE_TEST_TOKEN}", "guild_id": "g1"},
  "reddit": {"client_id": "cid", "client_secret": "sec", "refresh_token": "rt"},
  "defaults": {"mod_channel_id": "c1", "subreddit": "r/golang"},
  "storage": {"path": "x.db"},
  "logging": {"level": "info", "console": true, "file": {}, "discord": {}}
}`

func TestDecodeExpandsEnv(t *testing.T) {
	t.Setenv("MODBRIDGE_TEST_TOKEN", `tok"en`)
	cfg, err := Decode("config.json", []byte(baseJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Discord.Token != `tok"en` {
		t.Fatalf("token = %q, want %q", cfg.Discord.Token, `tok"en`)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("config.json", []byte(`{"discord": {"token": "x", "bogus": 1}}`))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("Decode err = %v, want unknown field error", err)
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode("config.json", []byte(`{} {}`))
	if err == nil || !strings.Contains(err.Error(), "trailing data") {
		t.Fatalf("Decode err = %v, want trailing data", err)
	}
}

func TestDecodeYAML(t *testing.T) {
	y := `
discord:
  token: abc
reddit:
  client_id: cid
  client_secret: sec
  username: bot
  password: pw
tenants:
  main:
    guild_id: "111"
    mod_channel_id: "222"
    subreddit: golang
    post_report_threshold: 3
`
	cfg, err := Decode("config.yaml", []byte(y))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tc, ok := cfg.Tenants["main"]
	if !ok {
		t.Fatalf("tenant main missing: %+v", cfg.Tenants)
	}
	if tc.PostReportThreshold == nil || *tc.PostReportThreshold != 3 {
		t.Fatalf("post_report_threshold = %v, want 3", tc.PostReportThreshold)
	}
	if tc.GuildID != "111" {
		t.Fatalf("guild_id = %q, want 111", tc.GuildID)
	}
}

func intp(v int) *int { return &v }

func TestResolveTenantsDefaultTenant(t *testing.T) {
	t.Setenv("MODBRIDGE_TEST_TOKEN", "tok")
	cfg, err := Decode("config.json", []byte(baseJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ts, err := ResolveTenants(cfg)
	if err != nil {
		t.Fatalf("ResolveTenants: %v", err)
	}
	if len(ts) != 1 {
		t.Fatalf("tenants = %d, want 1", len(ts))
	}
	got := ts[0]
	if got.ID != DefaultTenantID || got.GuildID != "g1" || got.Container != "golang" {
		t.Fatalf("tenant = %+v", got)
	}
	if got.PollInterval != DefaultPollInterval || got.CallTimeout != DefaultCallTimeout {
		t.Fatalf("durations = %v/%v", got.PollInterval, got.CallTimeout)
	}
	if got.MaxItemAgeHours != DefaultMaxItemAgeHours || got.DriftRefreshLimit != DefaultDriftRefreshLimit {
		t.Fatalf("limits = %d/%d", got.MaxItemAgeHours, got.DriftRefreshLimit)
	}
	if !got.Silent {
		t.Fatalf("silent should default to true")
	}
	if got.Reddit.UserAgent != DefaultUserAgent {
		t.Fatalf("user agent = %q", got.Reddit.UserAgent)
	}
}

func validConfig() *Config {
	return &Config{
		Discord: DiscordConfig{Token: "tok", GuildID: "g"},
		Reddit:  RedditConfig{ClientID: "cid", ClientSecret: "sec", RefreshToken: "rt"},
		Defaults: TenantConfig{
			ModChannelID:        "c",
			Subreddit:           "golang",
			PostReportThreshold: intp(2),
		},
		Tenants: map[string]TenantConfig{
			"b": {},
			"a": {
				Subreddit:           "rust",
				PostReportThreshold: intp(0),
				MaxItemAgeHours:     intp(0),
				PollInterval:        "30s",
				Reddit:              &RedditConfig{RefreshToken: "other"},
			},
		},
	}
}

func TestResolveTenantsOverrides(t *testing.T) {
	ts, err := ResolveTenants(validConfig())
	if err != nil {
		t.Fatalf("ResolveTenants: %v", err)
	}
	if len(ts) != 2 || ts[0].ID != "a" || ts[1].ID != "b" {
		t.Fatalf("order = %+v", ts)
	}
	a, b := ts[0], ts[1]
	if a.Container != "rust" || b.Container != "golang" {
		t.Fatalf("containers = %q/%q", a.Container, b.Container)
	}
	if a.PostThreshold != 1 {
		t.Fatalf("threshold 0 should clamp to 1, got %d", a.PostThreshold)
	}
	if b.PostThreshold != 2 {
		t.Fatalf("inherited threshold = %d, want 2", b.PostThreshold)
	}
	if a.MaxItemAgeHours != 0 {
		t.Fatalf("age filter should stay disabled, got %d", a.MaxItemAgeHours)
	}
	if a.PollInterval != 30*time.Second {
		t.Fatalf("poll = %v", a.PollInterval)
	}
	if a.Reddit.RefreshToken != "other" || a.Reddit.ClientID != "cid" {
		t.Fatalf("reddit merge = %+v", a.Reddit)
	}
	if b.Reddit.RefreshToken != "rt" {
		t.Fatalf("b reddit = %+v", b.Reddit)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Discord.Token = ""
	cfg.Discord.DisplayTimezone = "Nowhere/Bogus"
	cfg.Tenants["a"] = TenantConfig{PollInterval: "1s", Subreddit: "x"}
	cfg.Defaults.ModChannelID = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("Validate = nil, want errors")
	}
	for _, want := range []string{
		"discord.token is required",
		"discord.display_timezone",
		"tenants.a.poll_interval",
		"tenants.a.mod_channel_id is required",
		"tenants.b.mod_channel_id is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate error %q missing %q", err, want)
		}
	}
}

func TestValidateRedditCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Reddit = RedditConfig{ClientID: "cid", ClientSecret: "sec", Username: "bot"}
	cfg.Tenants = map[string]TenantConfig{"main": {}}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "set refresh_token, or both username and password") {
		t.Fatalf("Validate err = %v", err)
	}
}

func TestDisplayLocation(t *testing.T) {
	loc, err := DisplayLocation(&Config{})
	if err != nil || loc != time.UTC {
		t.Fatalf("DisplayLocation = %v, %v; want UTC", loc, err)
	}
	loc, err = DisplayLocation(&Config{Discord: DiscordConfig{DisplayTimezone: "Europe/Berlin"}})
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Fatalf("DisplayLocation = %v, %v", loc, err)
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := validConfig()
	newCfg := validConfig()
	newCfg.Tenants["a"] = TenantConfig{
		Subreddit:           "rust",
		PostReportThreshold: intp(5),
		MaxItemAgeHours:     intp(0),
		PollInterval:        "45s",
		Reddit:              &RedditConfig{RefreshToken: "other"},
	}
	ch := SummarizeChange(oldCfg, newCfg)
	if len(ch.Live) != 1 || ch.Live[0] != "tenants.a.post_report_threshold" {
		t.Fatalf("live = %v", ch.Live)
	}
	if len(ch.Restart) != 1 || ch.Restart[0] != "tenants.a.poll_interval" {
		t.Fatalf("restart = %v", ch.Restart)
	}
	if !SummarizeChange(oldCfg, validConfig()).Empty() {
		t.Fatalf("identical configs should produce an empty change")
	}
}

func TestApplyLiveKeepsRestartFields(t *testing.T) {
	cur := TenantSettings{ID: "a", PollInterval: time.Minute, Container: "x", PostThreshold: 1}
	next := TenantSettings{ID: "a", PollInterval: time.Hour, Container: "y", PostThreshold: 4, AllowedRoleIDs: []string{"r"}}
	got := ApplyLive(cur, next)
	if got.PollInterval != time.Minute || got.Container != "x" {
		t.Fatalf("restart-only fields changed: %+v", got)
	}
	if got.PostThreshold != 4 || len(got.AllowedRoleIDs) != 1 {
		t.Fatalf("live fields not applied: %+v", got)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	t.Setenv("MODBRIDGE_TEST_TOKEN", "tok")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, baseJSON)

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return the committed config")
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Invalid content is rejected and never published.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, `{"discord": {"token": ""}}`)
	time.Sleep(200 * time.Millisecond)
	select {
	case got := <-sub:
		t.Fatalf("invalid config published: %+v", got)
	default:
	}

	writeFile(t, path, strings.Replace(baseJSON, `"c1"`, `"c2"`, 1))
	select {
	case got := <-sub:
		if got.Defaults.ModChannelID != "c2" {
			t.Fatalf("reloaded channel = %q, want c2", got.Defaults.ModChannelID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload published")
	}
}

func TestPublishDropsOldest(t *testing.T) {
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-sub; got != second {
		t.Fatalf("subscriber got stale config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel should be closed after Unsubscribe")
	}
}
