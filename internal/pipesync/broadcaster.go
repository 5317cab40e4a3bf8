package pipesync

import (
	"sync"
	"time"
)

const defaultSubscriberBuffer = 64

type SyncEventType string

const (
	SyncEventReceived       SyncEventType = "event.received"
	SyncEventRouted         SyncEventType = "event.routed"
	SyncEventSkipped        SyncEventType = "event.skipped"
	SyncEventFailed         SyncEventType = "event.failed"
	SyncItemCompleted       SyncEventType = "item.completed"
	SyncItemRetryScheduled  SyncEventType = "item.retry_scheduled"
	SyncItemFailed          SyncEventType = "item.failed"
	SyncItemCancelled       SyncEventType = "item.cancelled"
	SyncConflictDetected    SyncEventType = "conflict.detected"
	SyncConflictResolved    SyncEventType = "conflict.resolved"
	SyncTenantHealthChanged SyncEventType = "tenant.health_changed"
)

// SyncEvent is a notification pushed to live subscribers of a tenant.
type SyncEvent struct {
	Type       SyncEventType `json:"type"`
	TenantID   string        `json:"tenantId"`
	EventID    string        `json:"eventId,omitempty"`
	ItemID     string        `json:"itemId,omitempty"`
	ConflictID string        `json:"conflictId,omitempty"`
	EntityType string        `json:"entityType,omitempty"`
	Status     string        `json:"status,omitempty"`
	Message    string        `json:"message,omitempty"`
	At         time.Time     `json:"at"`
}

type subscriber struct {
	ch      chan SyncEvent
	dropped int
}

// Broadcaster fans sync events out to per-tenant subscribers. A slow
// subscriber loses events rather than blocking the publisher.
type Broadcaster struct {
	mu     sync.Mutex
	buffer int
	subs   map[string]map[*subscriber]struct{}
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   map[string]map[*subscriber]struct{}{},
	}
}

// Subscribe returns the event channel and a cancel func that closes it.
func (b *Broadcaster) Subscribe(tenantID string) (<-chan SyncEvent, func()) {
	sub := &subscriber{ch: make(chan SyncEvent, b.buffer)}
	b.mu.Lock()
	if b.subs[tenantID] == nil {
		b.subs[tenantID] = map[*subscriber]struct{}{}
	}
	b.subs[tenantID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[tenantID], sub)
			if len(b.subs[tenantID]) == 0 {
				delete(b.subs, tenantID)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (b *Broadcaster) Publish(event SyncEvent) {
	if b == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[event.TenantID] {
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
		}
	}
}

func (b *Broadcaster) Subscribers(tenantID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[tenantID])
}
