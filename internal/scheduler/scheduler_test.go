package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "modbridge/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		kind SpecKind
		spec string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, spec: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, spec: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, spec: "@hourly"},
		{name: "duration", raw: "5m", kind: SpecInterval, spec: "@every 5m0s"},
		{name: "prefixed interval", raw: "every:45s", kind: SpecInterval, spec: "@every 45s"},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, spec: "@every 1h30m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Spec() != tt.spec {
				t.Fatalf("Spec = %q, want %q", got.Spec(), tt.spec)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "every:", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) = nil error", raw)
		}
	}
}

func TestSpreadIntervalFirstRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := spreadInterval(time.Minute, now, 30*time.Second, "tenant:a")
	first := s.Next(now)
	if first.Before(now.Add(time.Minute)) || !first.Before(now.Add(90*time.Second)) {
		t.Fatalf("first run = %v, want within [1m, 1m30s)", first.Sub(now))
	}
	again := spreadInterval(time.Minute, now, 30*time.Second, "tenant:a").Next(now)
	if !again.Equal(first) {
		t.Fatalf("spread is not stable per tag: %v vs %v", again, first)
	}
	if gap := s.Next(first).Sub(first); gap <= 59*time.Second || gap > time.Minute {
		t.Fatalf("second run gap = %v, want about 1m", gap)
	}
}

func TestAddReplacesByName(t *testing.T) {
	s, err := New(Config{Timezone: "UTC"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	job := func(context.Context) error { return nil }
	if err := s.Add("tenant:a", "5m", time.Second, job); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("tenant:a", "@hourly", time.Second, job); err != nil {
		t.Fatalf("Add: %v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Spec != "@hourly" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !s.Remove("tenant:a") || s.Remove("tenant:a") {
		t.Fatalf("Remove should report existence once")
	}
	if err := s.Add("", "5m", 0, job); err == nil {
		t.Fatalf("Add with empty name should fail")
	}
}

func TestJobRunsAndStopWaits(t *testing.T) {
	s, err := New(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var runs atomic.Int32
	gotDeadline := make(chan bool, 8)
	err = s.Add("tick", "@every 1s", 500*time.Millisecond, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		gotDeadline <- ok
		runs.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start()
	select {
	case ok := <-gotDeadline:
		if !ok {
			t.Fatalf("job context has no deadline")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job never ran")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if runs.Load() < 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestStopCancelsRunningJobs(t *testing.T) {
	s, err := New(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	started := make(chan struct{}, 1)
	finished := make(chan error, 1)
	err = s.Add("slow", "@every 1s", 0, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		finished <- ctx.Err()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("job never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-finished:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("job ctx err = %v, want canceled", err)
		}
	default:
		t.Fatalf("Stop returned before the running job finished")
	}
}

func TestNewRejectsBadTimezone(t *testing.T) {
	if _, err := New(Config{Timezone: "Mars/Olympus"}, logx.Nop()); err == nil {
		t.Fatalf("New with bad timezone should fail")
	}
}

func TestValidateSchedule(t *testing.T) {
	for raw, ok := range map[string]bool{
		"@hourly":      true,
		"*/5 * * * *":  true,
		"5m":           true,
		"@every nope":  false,
		"61 * * * *":   false,
		"cron:bad one": false,
	} {
		if err := ValidateSchedule(raw); (err == nil) != ok {
			t.Fatalf("ValidateSchedule(%q) = %v, want ok=%v", raw, err, ok)
		}
	}
}
