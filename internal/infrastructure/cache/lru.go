// Package cache provides the cache stores behind the cache controller and
// the per-session preload registries.
package cache

import (
	"sort"
	"time"
)

// lru is a bounded map with least-recently-used eviction and optional expiry.
// Callers hold their own lock.
type lru[V any] struct {
	items   map[string]*lruItem[V]
	list    *lruList
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	onEvict func(key string, value V)
}

type lruItem[V any] struct {
	value     V
	expiresAt time.Time
	node      *lruNode
}

// lruList is a doubly-linked list with sentinel head and tail
type lruList struct {
	head *lruNode
	tail *lruNode
	size int
}

type lruNode struct {
	key  string
	prev *lruNode
	next *lruNode
}

func newLRU[V any](maxSize int, ttl time.Duration) *lru[V] {
	l := &lru[V]{
		items:   make(map[string]*lruItem[V]),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
	l.reset()
	return l
}

func (l *lru[V]) reset() {
	l.items = make(map[string]*lruItem[V])
	l.list = &lruList{head: &lruNode{}, tail: &lruNode{}}
	l.list.head.next = l.list.tail
	l.list.tail.prev = l.list.head
}

func (l *lru[V]) get(key string) (V, bool) {
	item, ok := l.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if l.expired(item) {
		l.remove(key, item)
		var zero V
		return zero, false
	}

	if l.ttl > 0 {
		item.expiresAt = l.now().Add(l.ttl)
	}
	l.moveToFront(item.node)
	return item.value, true
}

func (l *lru[V]) set(key string, value V) {
	var expiresAt time.Time
	if l.ttl > 0 {
		expiresAt = l.now().Add(l.ttl)
	}

	if item, ok := l.items[key]; ok {
		item.value = value
		item.expiresAt = expiresAt
		l.moveToFront(item.node)
		return
	}

	node := &lruNode{key: key}
	l.items[key] = &lruItem[V]{value: value, expiresAt: expiresAt, node: node}
	l.addToFront(node)

	for l.maxSize > 0 && len(l.items) > l.maxSize {
		oldest := l.list.tail.prev
		if oldest == l.list.head {
			break
		}
		evicted := l.items[oldest.key]
		l.remove(oldest.key, evicted)
		if l.onEvict != nil {
			l.onEvict(oldest.key, evicted.value)
		}
	}
}

func (l *lru[V]) delete(key string) bool {
	item, ok := l.items[key]
	if !ok {
		return false
	}
	l.remove(key, item)
	return !l.expired(item)
}

func (l *lru[V]) keys() []string {
	keys := make([]string, 0, len(l.items))
	for key, item := range l.items {
		if !l.expired(item) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (l *lru[V]) len() int {
	return len(l.items)
}

// cleanupExpired drops expired items and returns how many were removed
func (l *lru[V]) cleanupExpired() int {
	removed := 0
	for key, item := range l.items {
		if l.expired(item) {
			l.remove(key, item)
			removed++
		}
	}
	return removed
}

func (l *lru[V]) expired(item *lruItem[V]) bool {
	return l.ttl > 0 && l.now().After(item.expiresAt)
}

func (l *lru[V]) remove(key string, item *lruItem[V]) {
	delete(l.items, key)
	l.removeFromList(item.node)
}

func (l *lru[V]) addToFront(node *lruNode) {
	node.prev = l.list.head
	node.next = l.list.head.next
	l.list.head.next.prev = node
	l.list.head.next = node
	l.list.size++
}

func (l *lru[V]) removeFromList(node *lruNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
	l.list.size--
}

func (l *lru[V]) moveToFront(node *lruNode) {
	l.removeFromList(node)
	l.addToFront(node)
}
