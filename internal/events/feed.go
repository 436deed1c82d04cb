package events

import (
	"sync"

	"loopline/internal/domain"
)

const subscriberBuffer = 64

// Feed fans committed log entries out to live subscribers of an execution.
// Slow subscribers drop entries rather than block writers, so a received
// entry is a wake-up, not the log itself: readers that must not miss entries
// re-read the events table after the last sequence they delivered.
type Feed struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan domain.LogEntry
}

func NewFeed() *Feed {
	return &Feed{subs: map[string]map[int]chan domain.LogEntry{}}
}

// Subscribe returns a channel of entries for executionID and a function that
// closes it. The channel is closed when cancel is called.
func (f *Feed) Subscribe(executionID string) (<-chan domain.LogEntry, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	ch := make(chan domain.LogEntry, subscriberBuffer)
	if f.subs[executionID] == nil {
		f.subs[executionID] = map[int]chan domain.LogEntry{}
	}
	f.subs[executionID][id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs[executionID], id)
			if len(f.subs[executionID]) == 0 {
				delete(f.subs, executionID)
			}
			close(ch)
		})
	}
}

// Publish delivers entries to every subscriber of executionID. Nil-safe.
func (f *Feed) Publish(executionID string, entries ...domain.LogEntry) {
	if f == nil || len(entries) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[executionID] {
		for _, e := range entries {
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Subscribers reports the number of live subscriptions for executionID.
func (f *Feed) Subscribers(executionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[executionID])
}
