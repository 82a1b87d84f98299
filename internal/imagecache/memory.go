package imagecache

import (
	"container/list"
	"sync"
)

const DefaultMemoryBudget int64 = 100 * 1024 * 1024

// MemoryTier keeps values in process memory under a total byte budget. When a
// write pushes usage over the budget the least recently used entries are
// evicted until it fits again.
type MemoryTier struct {
	mu      sync.Mutex
	budget  int64
	used    int64
	order   *list.List
	entries map[string]*list.Element
}

type memoryEntry struct {
	key   string
	value []byte
}

// NewMemory returns an LRU tier holding at most budget bytes. A budget of
// zero or less selects DefaultMemoryBudget.
func NewMemory(budget int64) *MemoryTier {
	if budget <= 0 {
		budget = DefaultMemoryBudget
	}
	return &MemoryTier{
		budget:  budget,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (m *MemoryTier) Name() string { return "memory" }

// Get returns a copy of the value and marks it most recently used.
func (m *MemoryTier) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(el)
	return cloneBytes(el.Value.(*memoryEntry).value), true
}

// Set stores value under key. A value larger than the whole budget is not
// cached at all.
func (m *MemoryTier) Set(key string, value []byte) {
	size := int64(len(value))
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.removeElement(el)
	}
	if size > m.budget {
		return
	}
	el := m.order.PushFront(&memoryEntry{key: key, value: cloneBytes(value)})
	m.entries[key] = el
	m.used += size
	m.evict()
}

func (m *MemoryTier) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.removeElement(el)
	}
}

func (m *MemoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order.Init()
	clear(m.entries)
	m.used = 0
}

// SetBudget changes the byte budget, evicting immediately if usage exceeds it.
func (m *MemoryTier) SetBudget(budget int64) {
	if budget <= 0 {
		budget = DefaultMemoryBudget
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budget = budget
	m.evict()
}

// Usage reports the bytes held and the number of entries.
func (m *MemoryTier) Usage() (bytes int64, entries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used, len(m.entries)
}

func (m *MemoryTier) evict() {
	for m.used > m.budget {
		oldest := m.order.Back()
		if oldest == nil {
			return
		}
		m.removeElement(oldest)
	}
}

func (m *MemoryTier) removeElement(el *list.Element) {
	entry := m.order.Remove(el).(*memoryEntry)
	delete(m.entries, entry.key)
	m.used -= int64(len(entry.value))
}
