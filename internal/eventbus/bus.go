// Package eventbus fans bridge events (finished cycles, posted alerts,
// moderator actions) out to observers such as metrics and /modhealth.
//
// Publish never blocks; a subscriber whose buffer is full misses events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	CycleDone     Type = "cycle.done"
	CycleFailed   Type = "cycle.failed"
	AlertPosted   Type = "alert.posted"
	AlertEdited   Type = "alert.edited"
	ActionApplied Type = "action.applied"
	ActionFailed  Type = "action.failed"
	ViewsRestored Type = "views.restored"
)

// Event is one signal. Data holds the producer's report value
// (e.g. reconcile.CycleReport) and should be treated as read-only.
type Event struct {
	Type   Type
	Tenant string
	Time   time.Time
	Data   any
}

// ActionReport is the Data of ActionApplied and ActionFailed.
type ActionReport struct {
	Command string `json:"command"`
	Actor   string `json:"actor"`
	ItemID  string `json:"item_id"`
	Err     string `json:"err,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func New() *Memory {
	return &Memory{subs: map[uint64]chan Event{}}
}

// Memory is an in-process bus with no goroutines of its own.
type Memory struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *Memory) Dropped() uint64 { return b.dropped.Load() }

func (b *Memory) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// The read lock is held while sending so Unsubscribe cannot close a
	// channel mid-send; sends never block.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Memory) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
