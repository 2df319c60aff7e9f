// Package locks serializes message dispatch per conversation while capping
// how many conversations run AI work at once. Within a conversation requests
// run strictly in arrival order; across conversations the only constraint is
// the global cap, granted FIFO.
package locks

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the global cap on concurrently dispatching
// conversations when no limit is configured.
const DefaultMaxConcurrent = 10

// Stats is a point-in-time snapshot of lock usage.
type Stats struct {
	// Active is the number of conversations currently holding a global slot.
	Active int `json:"active"`

	// QueuedGlobal counts requests that hold their conversation lock but
	// are waiting for a global slot.
	QueuedGlobal int `json:"queued_global"`

	// PerConversationQueueDepth maps conversation IDs to the number of
	// requests queued behind the current holder. Idle conversations are
	// absent.
	PerConversationQueueDepth map[string]int `json:"per_conversation_queue_depth"`
}

type entry struct {
	sem *semaphore.Weighted
	// refs counts the holder plus everyone queued on the conversation;
	// the entry is dropped from the map when it reaches zero.
	refs int
}

// Manager hands out per-conversation dispatch slots.
type Manager struct {
	global *semaphore.Weighted

	mu           sync.Mutex
	entries      map[string]*entry
	active       int
	queuedGlobal int
}

// NewManager creates a manager with the given global cap. Non-positive caps
// fall back to DefaultMaxConcurrent.
func NewManager(maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Manager{
		global:  semaphore.NewWeighted(int64(maxConcurrent)),
		entries: make(map[string]*entry),
	}
}

// Acquire blocks until the caller both owns the conversation lock and holds
// a global slot, then returns the release function. ctx only gates the wait;
// once acquired, work is never cancelled from here. The release function is
// safe to call more than once and must be called exactly when the dispatch
// finishes, success or panic (use defer).
func (m *Manager) Acquire(ctx context.Context, conversationID string) (func(), error) {
	e := m.ref(conversationID)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		m.unref(conversationID)
		return nil, err
	}

	m.mu.Lock()
	m.queuedGlobal++
	m.mu.Unlock()

	if err := m.global.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		m.queuedGlobal--
		m.mu.Unlock()
		e.sem.Release(1)
		m.unref(conversationID)
		return nil, err
	}

	m.mu.Lock()
	m.queuedGlobal--
	m.active++
	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			m.active--
			m.mu.Unlock()
			m.global.Release(1)
			e.sem.Release(1)
			m.unref(conversationID)
		})
	}
	return release, nil
}

// Stats reports current lock usage.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	depths := make(map[string]int)
	for id, e := range m.entries {
		if depth := e.refs - 1; depth > 0 {
			depths[id] = depth
		}
	}
	return Stats{
		Active:                    m.active,
		QueuedGlobal:              m.queuedGlobal,
		PerConversationQueueDepth: depths,
	}
}

func (m *Manager) ref(conversationID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[conversationID]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		m.entries[conversationID] = e
	}
	e.refs++
	return e
}

func (m *Manager) unref(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[conversationID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, conversationID)
	}
}
