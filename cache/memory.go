package cache

import (
	"sync"
	"time"

	"trackcast/models"
)

// memoryTier is the bounded hot-entry mirror in front of the durable store.
// It is a cache of a cache: losing an entry here only costs a durable read.
// Entries are copied in and out so callers never share mutable state with
// the tier; all mutation happens under the tier lock.
type memoryTier struct {
	mu      sync.RWMutex
	entries map[string]*models.StreamEntry
	limit   int
}

func newMemoryTier(limit int) *memoryTier {
	return &memoryTier{
		entries: make(map[string]*models.StreamEntry),
		limit:   limit,
	}
}

func (m *memoryTier) Get(trackID string) *models.StreamEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[trackID]
	if !ok {
		return nil
	}
	c := *entry
	return &c
}

// Touch records a hit on a resident entry and returns the updated copy, or
// nil when the entry is not resident.
func (m *memoryTier) Touch(trackID string, now time.Time) *models.StreamEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[trackID]
	if !ok {
		return nil
	}
	entry.LastAccessedAt = now
	entry.AccessCount++
	c := *entry
	return &c
}

// Put inserts or replaces an entry, evicting the least recently accessed
// entry when the tier is at capacity.
func (m *memoryTier) Put(entry *models.StreamEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[entry.TrackID]; !exists && len(m.entries) >= m.limit {
		m.evictOldest()
	}
	c := *entry
	m.entries[entry.TrackID] = &c
}

// evictOldest removes the entry with the oldest LastAccessedAt. Caller holds
// the write lock. A linear scan is fine at the tier's configured sizes.
func (m *memoryTier) evictOldest() {
	var oldestID string
	for id, e := range m.entries {
		if oldestID == "" || e.LastAccessedAt.Before(m.entries[oldestID].LastAccessedAt) {
			oldestID = id
		}
	}
	if oldestID != "" {
		delete(m.entries, oldestID)
	}
}

func (m *memoryTier) Delete(trackID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, trackID)
}

func (m *memoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*models.StreamEntry)
}

func (m *memoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
