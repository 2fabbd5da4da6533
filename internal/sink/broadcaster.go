// Package sink carries terminal failures to operator-visible consumers.
// Nothing the pipeline gives up on is dropped silently: exhausted dispatches
// and contention are reported here for human follow-up.
package sink

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type ReportKind string

const (
	ReportFailedDispatch ReportKind = "FAILED_DISPATCH"
	ReportContention     ReportKind = "CONTENTION"
)

// Report describes one terminal failure.
type Report struct {
	ID             string
	Kind           ReportKind
	Hazard         string
	LocationKey    string
	IdempotencyKey string
	Detail         string
	At             time.Time
}

// Broadcaster fans reports out to in-process subscribers. Slow subscribers
// are skipped rather than blocking the pipeline.
type Broadcaster struct {
	subscribers map[uint64]chan Report
	nextID      atomic.Uint64
	mu          sync.RWMutex
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uint64]chan Report),
	}
}

func (b *Broadcaster) Subscribe() (uint64, chan Report) {
	id := b.nextID.Add(1)
	ch := make(chan Report, 64)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return id, ch
}

func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Report assigns an ID and timestamp if unset, then delivers to every
// subscriber that has buffer room.
func (b *Broadcaster) Report(rep Report) {
	if rep.ID == "" {
		rep.ID = uuid.NewString()
	}
	if rep.At.IsZero() {
		rep.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- rep:
		default:
			// Skip slow subscribers
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels, causing consumers to exit gracefully
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
