package feed

import (
	"context"
	"sync"
)

// MemorySource keeps records in process. It backs tests and single-node
// deployments without redis.
type MemorySource struct {
	mu       sync.Mutex
	records  map[string]Record
	watchers map[string]map[*mailbox]struct{}
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		records:  make(map[string]Record),
		watchers: make(map[string]map[*mailbox]struct{}),
	}
}

// SetField writes one field and notifies every watcher of the record.
func (m *MemorySource) SetField(_ context.Context, recordID, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		rec = Record{}
		m.records[recordID] = rec
	}
	rec[field] = value
	for w := range m.watchers[recordID] {
		w.push(rec.Clone())
	}
	return nil
}

// Get returns a copy of a record.
func (m *MemorySource) Get(recordID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Remove deletes a record. Watchers stay registered.
func (m *MemorySource) Remove(_ context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, recordID)
	return nil
}

func (m *MemorySource) Watch(ctx context.Context, recordID string) (<-chan Record, error) {
	w := newMailbox()
	m.mu.Lock()
	if m.watchers[recordID] == nil {
		m.watchers[recordID] = make(map[*mailbox]struct{})
	}
	m.watchers[recordID][w] = struct{}{}
	if rec, ok := m.records[recordID]; ok {
		w.push(rec.Clone())
	}
	m.mu.Unlock()

	out := make(chan Record)
	go func() {
		defer close(out)
		defer m.remove(recordID, w)
		w.drain(ctx, out)
	}()
	return out, nil
}

func (m *MemorySource) remove(recordID string, w *mailbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watchers[recordID], w)
	if len(m.watchers[recordID]) == 0 {
		delete(m.watchers, recordID)
	}
}

// mailbox is an unbounded ordered queue so writers never block on slow
// watchers.
type mailbox struct {
	mu     sync.Mutex
	queue  []Record
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (b *mailbox) push(rec Record) {
	b.mu.Lock()
	b.queue = append(b.queue, rec)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain(ctx context.Context, out chan<- Record) {
	for {
		b.mu.Lock()
		pending := b.queue
		b.queue = nil
		b.mu.Unlock()
		for _, rec := range pending {
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-b.notify:
		case <-ctx.Done():
			return
		}
	}
}
