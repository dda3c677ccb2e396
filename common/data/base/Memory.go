package base

import (
	"container/list"
	"sync"
	"time"
)

type memoryItem struct {
	key     string
	value   string
	expires time.Time
}

// MemoryCache is a bounded in-process cache. When full, the least recently
// set or read entry is evicted.
type MemoryCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

func NewMemoryCache(maxSize int) *MemoryCache {
	return &MemoryCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (m *MemoryCache) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return "", ErrCacheMiss
	}
	item := el.Value.(*memoryItem)
	if !item.expires.IsZero() && !m.now().Before(item.expires) {
		m.order.Remove(el)
		delete(m.items, key)
		return "", ErrCacheMiss
	}
	m.order.MoveToFront(el)
	return item.value, nil
}

func (m *MemoryCache) Set(key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}

	if el, ok := m.items[key]; ok {
		item := el.Value.(*memoryItem)
		item.value = value
		item.expires = expires
		m.order.MoveToFront(el)
		return nil
	}

	m.items[key] = m.order.PushFront(&memoryItem{key: key, value: value, expires: expires})
	for m.maxSize > 0 && m.order.Len() > m.maxSize {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.items, oldest.Value.(*memoryItem).key)
	}
	return nil
}

func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
