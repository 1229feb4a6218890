package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"syscall"
	"testing"
	"time"

	"modbridge/internal/config"
	"modbridge/internal/model"
	"modbridge/internal/reddit"
	"modbridge/internal/storage"
	logx "modbridge/pkg/logx"
)

const testConfig = `{
  "discord": {"token": "%s", "register_commands": false},
  "reddit": {"client_id": "id", "client_secret": "secret", "refresh_token": "rt"},
  "defaults": {"subreddit": "golang", "post_report_threshold": %d},
  "tenants": {
    "a": {"guild_id": "g1", "mod_channel_id": "c1"},
    "b": {"guild_id": "g2", "mod_channel_id": "c2", "subreddit": "rust"}
  },
  "storage": {"path": "%s"},
  "logging": {"level": "error"}
}`

func writeConfig(t *testing.T, dir, token string, threshold int) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	db := filepath.ToSlash(filepath.Join(dir, "state.sqlite3"))
	if err := os.WriteFile(path, fmt.Appendf(nil, testConfig, token, threshold, db), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir, "tok", 1), WithBackendFactory(DemoBackends))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })
	return a, dir
}

func TestNewAppBuildsTenants(t *testing.T) {
	a, _ := newTestApp(t)
	if a.Tenants().Len() != 2 {
		t.Fatalf("tenants = %d, want 2", a.Tenants().Len())
	}
	b, ok := a.Tenants().Get("b")
	if !ok || b.Settings().Container != "rust" {
		t.Fatalf("tenant b = %+v, %v", b, ok)
	}
	if _, ok := b.Backend.(*reddit.DemoSource); !ok {
		t.Fatalf("backend = %T, want demo", b.Backend)
	}
	if id, ok := a.Tenants().ByChannel("c1"); !ok || id != "a" {
		t.Fatalf("ByChannel(c1) = %q, %v", id, ok)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewApp(writeConfig(t, dir, "", 1)); err == nil {
		t.Fatalf("NewApp accepted an empty discord token")
	}
	if _, err := NewApp(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("NewApp accepted a missing file")
	}
}

func TestApplyReload(t *testing.T) {
	a, dir := newTestApp(t)
	prev := a.cfgm.Get()

	b, err := os.ReadFile(writeConfig(t, dir, "other-token", 3))
	if err != nil {
		t.Fatal(err)
	}
	next, err := config.Decode("config.json", b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	ch := a.applyReload(prev, next)
	if !slices.Contains(ch.Live, "tenants.a.post_report_threshold") {
		t.Fatalf("live = %v", ch.Live)
	}
	if !slices.Contains(ch.Restart, "discord.token") {
		t.Fatalf("restart = %v", ch.Restart)
	}
	for _, rt := range a.Tenants().All() {
		if got := rt.Settings().PostThreshold; got != 3 {
			t.Fatalf("%s threshold = %d, want 3", rt.ID, got)
		}
	}
}

func TestHousekeepingPrunes(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	old := time.Now().Add(-10 * 24 * time.Hour)
	if _, err := a.store.AppendModlog(ctx, "a", []model.ModlogEntry{
		{TenantID: "a", TargetID: "t3_x", CreatedAt: old, Line: "modlog: old"},
		{TenantID: "a", TargetID: "t3_x", CreatedAt: time.Now(), Line: "modlog: new"},
	}); err != nil {
		t.Fatalf("AppendModlog: %v", err)
	}
	if err := a.store.SaveView(ctx, storage.ViewRecord{MessageID: "m1", ChannelID: "c1", GuildID: "g1", TenantID: "a", Payload: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	a.housekeeping(ctx, time.Millisecond)

	if views, err := a.store.LoadViews(ctx); err != nil || len(views) != 0 {
		t.Fatalf("views after prune = %v, %v", views, err)
	}

	lines, err := a.store.ListModlogForItem(ctx, "a", "t3_x", old.Add(-time.Hour), 10)
	if err != nil || len(lines) != 1 || lines[0] != "modlog: new" {
		t.Fatalf("modlog after prune = %v, %v", lines, err)
	}
}

func TestRegisterJobs(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.registerJobs(a.cfgm.Get()); err != nil {
		t.Fatalf("registerJobs: %v", err)
	}
	var names []string
	for _, e := range a.sched.Snapshot() {
		names = append(names, e.Name)
	}
	want := []string{"cycle.a", "cycle.b", "housekeeping"}
	if !slices.Equal(names, want) {
		t.Fatalf("jobs = %v, want %v", names, want)
	}
}

func TestMapDiscordConfig(t *testing.T) {
	off := false
	tests := []struct {
		name     string
		cfg      config.Config
		tenants  []config.TenantSettings
		guilds   []string
		register bool
	}{
		{"per guild", config.Config{}, []config.TenantSettings{{GuildID: "g2"}, {GuildID: "g1"}, {GuildID: "g2"}}, []string{"g1", "g2"}, true},
		{"global when a guild is missing", config.Config{}, []config.TenantSettings{{GuildID: "g1"}, {}}, nil, true},
		{"registration off", config.Config{Discord: config.DiscordConfig{RegisterCommands: &off}}, nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapDiscordConfig(&tt.cfg, tt.tenants, time.UTC)
			if !slices.Equal(got.CommandGuilds, tt.guilds) || got.RegisterCommands != tt.register {
				t.Fatalf("got guilds=%v register=%v, want %v %v", got.CommandGuilds, got.RegisterCommands, tt.guilds, tt.register)
			}
		})
	}
}

func TestRedditOptions(t *testing.T) {
	ts := config.TenantSettings{ID: "a", Container: "golang", MaxReportsPerPoll: 7, Reddit: config.RedditConfig{ClientID: "id", Timeout: "5s"}}
	opts, err := redditOptions(ts, logx.Nop())
	if err != nil {
		t.Fatalf("redditOptions: %v", err)
	}
	if opts.Timeout != 5*time.Second || opts.Subreddit != "golang" || opts.MaxReports != 7 {
		t.Fatalf("opts = %+v", opts)
	}
	ts.Reddit.Timeout = "soon"
	if _, err := redditOptions(ts, logx.Nop()); err == nil {
		t.Fatalf("bad timeout accepted")
	}
}

func TestValidateScheduler(t *testing.T) {
	a, _ := newTestApp(t)
	cfg := *a.cfgm.Get()
	if err := a.validate(context.Background(), &cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cfg.Scheduler.Timezone = "Mars/Olympus"
	if err := a.validate(context.Background(), &cfg); err == nil {
		t.Fatalf("bad timezone accepted")
	}
	cfg.Scheduler.Timezone = ""
	cfg.Scheduler.Housekeeping = "@every nope"
	if err := a.validate(context.Background(), &cfg); err == nil {
		t.Fatalf("bad housekeeping spec accepted")
	}
}

func TestReasonForSignal(t *testing.T) {
	for sig, want := range map[os.Signal]StopReason{
		os.Interrupt:    StopSIGINT,
		syscall.SIGTERM: StopSIGTERM,
		syscall.SIGHUP:  StopUnknown,
	} {
		if got := ReasonForSignal(sig); got != want {
			t.Fatalf("ReasonForSignal(%v) = %q, want %q", sig, got, want)
		}
	}
	if got := ReasonForSignal(nil); got != StopAppStop {
		t.Fatalf("ReasonForSignal(nil) = %q", got)
	}
}

func TestStepHonorsDeadline(t *testing.T) {
	a := &App{log: logx.Nop()}
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	a.step(context.Background(), "slow", 50*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("step blocked for %v", took)
	}

	ran := false
	a.step(context.Background(), "panics", time.Second, func(context.Context) error {
		ran = true
		panic("boom")
	})
	if !ran {
		t.Fatalf("step did not run fn")
	}
}

func TestSchedulerStopWaitCoversCallTimeout(t *testing.T) {
	if got := (&App{}).schedulerStopWait(); got != minSchedulerStopWait {
		t.Fatalf("empty app wait = %v, want %v", got, minSchedulerStopWait)
	}
	a, _ := newTestApp(t)
	want := config.DefaultCallTimeout + time.Second
	if got := a.schedulerStopWait(); got != want {
		t.Fatalf("wait = %v, want %v", got, want)
	}
	if got := a.StopTimeout(); got <= want {
		t.Fatalf("StopTimeout = %v, must exceed the scheduler step %v", got, want)
	}
}

func TestSendTestAlertRejects(t *testing.T) {
	a, _ := newTestApp(t)
	if _, _, err := a.SendTestAlert(context.Background(), "nope"); err == nil {
		t.Fatalf("unknown setup accepted")
	}

	dir := t.TempDir()
	live, err := NewApp(writeConfig(t, dir, "tok", 1))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer live.Stop(context.Background(), StopAppStop)
	if _, _, err := live.SendTestAlert(context.Background(), "a"); err == nil {
		t.Fatalf("reddit-backed setup accepted a demo alert")
	}
}
