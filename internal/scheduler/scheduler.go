// Package scheduler triggers tenant reconcile cycles and housekeeping on
// robfig/cron. A job never overlaps itself: a tick that fires while the
// previous run is still going waits for it to finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logx "modbridge/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled unit of work. ctx carries the job timeout.
type Job func(ctx context.Context) error

type Config struct {
	// Timezone for cron expressions; empty means Local.
	Timezone string
	// Spread delays the first interval run by a random share of up to
	// this much so tenants do not all poll at the same instant.
	Spread time.Duration
}

type entry struct {
	id      cron.EntryID
	spec    string
	timeout time.Duration
}

type Service struct {
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	spread time.Duration
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]entry
	started bool
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone: %w", err)
		}
		loc = l
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		log:     log.With(logx.String("comp", "scheduler")),
		loc:     loc,
		parser:  cronParser,
		spread:  cfg.Spread,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]entry{},
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.DelayIfStillRunning(cl)),
	)
	return s, nil
}

func (s *Service) Location() *time.Location { return s.loc }

// Add registers job under name, replacing any previous job with that name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	var sched cron.Schedule
	switch ps.Kind {
	case SpecInterval:
		sched = spreadInterval(ps.Every, s.now(), s.spread, name)
	default:
		if sched, err = s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok {
		s.c.Remove(old.id)
	}
	id := s.c.Schedule(sched, s.wrap(name, timeout, job))
	s.entries[name] = entry{id: id, spec: ps.Spec(), timeout: timeout}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.Spec()), logx.Duration("timeout", timeout))
	return nil
}

func (s *Service) wrap(name string, timeout time.Duration, job Job) cron.Job {
	return cron.FuncJob(func() {
		ctx := s.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		err := job(ctx)
		took := time.Since(start)
		switch {
		case err == nil:
			s.log.Debug("job finished", logx.String("name", name), logx.Duration("took", took))
		case errors.Is(err, context.Canceled):
			s.log.Debug("job canceled", logx.String("name", name))
		default:
			s.log.Warn("job failed", logx.String("name", name), logx.Duration("took", took), logx.Err(err))
		}
	})
}

// Remove unregisters name. It reports whether the job existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if ok {
		s.c.Remove(e.id)
		delete(s.entries, name)
	}
	return ok
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.entries)))
}

// Stop stops triggering, cancels the context of running jobs and waits
// for them to return until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		s.cancel()
		return nil
	}
	done := s.c.Stop().Done()
	s.cancel()
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs still running")
		return ctx.Err()
	}
}

// EntryInfo describes one registered job.
type EntryInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

func (s *Service) Snapshot() []EntryInfo {
	s.mu.Lock()
	out := make([]EntryInfo, 0, len(s.entries))
	for name, e := range s.entries {
		ce := s.c.Entry(e.id)
		out = append(out, EntryInfo{Name: name, Spec: e.spec, Timeout: e.timeout, Next: ce.Next, Prev: ce.Prev})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
