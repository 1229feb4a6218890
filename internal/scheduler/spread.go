package scheduler

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

// spreadSchedule behaves like base except that the first run is pinned.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// spreadInterval returns an @every schedule whose first run lands between
// every and every+min(spread, every) after now. The offset is derived from
// tag so a restart keeps the same tenant order.
func spreadInterval(every time.Duration, now time.Time, spread time.Duration, tag string) cron.Schedule {
	base := cron.Every(every)
	window := min(spread, every)
	if window <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(window)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}
}
