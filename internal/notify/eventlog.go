// Package notify sequences state-change events, retains them for replay and
// fans them out to scoped subscribers.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

// EventLog is an append-only, sequence-numbered store of events.
type EventLog interface {
	// Append assigns consecutive sequence numbers to events and stores them
	// as one unit.
	Append(ctx context.Context, events []model.Event) ([]model.Event, error)
	// Range calls fn for every retained event with Seq > after, in order,
	// until fn returns false.
	Range(ctx context.Context, after uint64, fn func(model.Event) bool) error
	// Bounds returns the oldest retained sequence number and the head. For an
	// empty log oldest is head+1.
	Bounds(ctx context.Context) (oldest, head uint64, err error)
	// Prune removes old events from the front of the log and reports how
	// many were removed. The head never moves backwards.
	Prune(ctx context.Context, rule PruneRule) (int, error)
	Close() error
}

// PruneRule selects events to remove. An event is removed when any rule
// matches it.
type PruneRule struct {
	// Before removes events created before this time.
	Before time.Time
	// KeepLast keeps at most this many events. Zero disables the rule.
	KeepLast int
	// UpTo removes events with Seq <= UpTo.
	UpTo uint64
}

func (r PruneRule) matches(e model.Event, head uint64) bool {
	if !r.Before.IsZero() && e.CreatedAt.Before(r.Before) {
		return true
	}
	if e.Seq <= r.UpTo {
		return true
	}
	return r.KeepLast > 0 && head-e.Seq+1 > uint64(r.KeepLast)
}

// MemoryLog keeps events in memory.
type MemoryLog struct {
	mu     sync.RWMutex
	events []model.Event
	head   uint64
}

var _ EventLog = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, events []model.Event) ([]model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Event, len(events))
	for i, e := range events {
		l.head++
		e.Seq = l.head
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		out[i] = e
	}
	l.events = append(l.events, out...)
	return out, nil
}

func (l *MemoryLog) Range(ctx context.Context, after uint64, fn func(model.Event) bool) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.Search(len(l.events), func(i int) bool { return l.events[i].Seq > after })
	for ; i < len(l.events); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(l.events[i]) {
			return nil
		}
	}
	return nil
}

func (l *MemoryLog) Bounds(context.Context) (uint64, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return l.head + 1, l.head, nil
	}
	return l.events[0].Seq, l.head, nil
}

func (l *MemoryLog) Prune(_ context.Context, rule PruneRule) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cut := 0
	for cut < len(l.events) && rule.matches(l.events[cut], l.head) {
		cut++
	}
	if cut > 0 {
		l.events = append([]model.Event(nil), l.events[cut:]...)
	}
	return cut, nil
}

func (l *MemoryLog) Close() error { return nil }
