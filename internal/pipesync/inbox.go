package pipesync

import (
	"context"
	"strings"
)

const defaultInboxCapacity = 1024

// InboxEntry points the router at one persisted webhook event.
type InboxEntry struct {
	TenantID string `json:"tenantId"`
	EventID  string `json:"eventId"`
}

func (e InboxEntry) valid() bool {
	return strings.TrimSpace(e.TenantID) != "" && strings.TrimSpace(e.EventID) != ""
}

// EventInbox hands received events from the receiver to the router workers.
// The event row is the source of truth; an entry lost from the inbox is
// picked up again by the engine's pending-event sweep.
type EventInbox interface {
	TryEnqueue(entry InboxEntry) bool
	Enqueue(ctx context.Context, entry InboxEntry) bool
	Dequeue(ctx context.Context) (InboxEntry, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryInbox struct {
	ch chan InboxEntry
}

func NewInMemoryInbox(capacity int) EventInbox {
	if capacity <= 0 {
		capacity = defaultInboxCapacity
	}
	return &inMemoryInbox{
		ch: make(chan InboxEntry, capacity),
	}
}

func (q *inMemoryInbox) TryEnqueue(entry InboxEntry) bool {
	if q == nil || !entry.valid() {
		return false
	}
	select {
	case q.ch <- entry:
		return true
	default:
		return false
	}
}

func (q *inMemoryInbox) Enqueue(ctx context.Context, entry InboxEntry) bool {
	if q == nil || !entry.valid() {
		return false
	}
	select {
	case q.ch <- entry:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryInbox) Dequeue(ctx context.Context) (InboxEntry, bool) {
	if q == nil {
		return InboxEntry{}, false
	}
	select {
	case entry := <-q.ch:
		return entry, true
	case <-ctx.Done():
		return InboxEntry{}, false
	}
}

func (q *inMemoryInbox) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryInbox) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryInbox) Close() error {
	return nil
}
