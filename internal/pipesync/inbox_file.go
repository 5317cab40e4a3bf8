package pipesync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type fileInbox struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	entries      []InboxEntry
}

type fileInboxState struct {
	Entries []InboxEntry `json:"entries"`
}

// NewFileInbox keeps the inbox in a JSON file so that entries survive a
// restart of a single-node deployment.
func NewFileInbox(path string, capacity int) (EventInbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultInboxCapacity
	}
	q := &fileInbox{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		entries:      []InboxEntry{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileInbox) TryEnqueue(entry InboxEntry) bool {
	if !entry.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		return false
	}
	q.entries = append(q.entries, entry)
	if err := q.saveLocked(); err != nil {
		q.entries = q.entries[:len(q.entries)-1]
		return false
	}
	return true
}

func (q *fileInbox) Enqueue(ctx context.Context, entry InboxEntry) bool {
	for {
		if q.TryEnqueue(entry) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileInbox) Dequeue(ctx context.Context) (InboxEntry, bool) {
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			entry := q.entries[0]
			q.entries = q.entries[1:]
			if err := q.saveLocked(); err != nil {
				q.entries = append([]InboxEntry{entry}, q.entries...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return InboxEntry{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return entry, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return InboxEntry{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileInbox) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *fileInbox) Capacity() int {
	return q.capacity
}

func (q *fileInbox) Close() error {
	return nil
}

func (q *fileInbox) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileInboxState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Entries) > q.capacity {
		q.entries = append([]InboxEntry(nil), snapshot.Entries[len(snapshot.Entries)-q.capacity:]...)
		return q.saveLocked()
	}
	q.entries = append([]InboxEntry(nil), snapshot.Entries...)
	return nil
}

func (q *fileInbox) saveLocked() error {
	data, err := json.Marshal(fileInboxState{Entries: append([]InboxEntry(nil), q.entries...)})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
