package lru

import (
	"fmt"
)

// LRU is a recency ordered map with a hard capacity. Unlike a classic LRU
// it never drops entries on its own: inserting a new key into a full LRU
// is refused and the caller decides what to evict.
// LRU is not concurrent safe.
type LRU[K comparable, V any] struct {
	maxSize int

	front, back *elem[K, V] // front is the least recently used.
	m           map[K]*elem[K, V]
}

type elem[K comparable, V any] struct {
	prev, next *elem[K, V]
	key        K
	v          V
}

func NewLRU[K comparable, V any](maxSize int) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		m:       make(map[K]*elem[K, V]),
	}
}

// Add inserts or replaces key and marks it as most recently used.
// It returns false if key is new and the LRU is full.
func (q *LRU[K, V]) Add(key K, v V) bool {
	if e, ok := q.m[key]; ok {
		e.v = v
		q.moveToBack(e)
		return true
	}
	if len(q.m) >= q.maxSize {
		return false
	}
	e := &elem[K, V]{key: key, v: v}
	q.m[key] = e
	q.pushBack(e)
	return true
}

// Get returns the value of key and marks it as most recently used.
func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.moveToBack(e)
	return e.v, true
}

// Peek is Get without touching the recency order.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.v, true
}

func (q *LRU[K, V]) Del(key K) (v V, ok bool) {
	e := q.m[key]
	if e == nil {
		return
	}
	q.unlink(e)
	delete(q.m, key)
	return e.v, true
}

// Clean removes every entry for which f returns true, oldest first.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	for e := q.front; e != nil; {
		next := e.next
		if f(e.key, e.v) {
			q.unlink(e)
			delete(q.m, e.key)
			removed++
		}
		e = next
	}
	return
}

// Range calls f for each entry from the least to the most recently used
// until f returns false. f must not modify q.
func (q *LRU[K, V]) Range(f func(key K, v V) bool) {
	for e := q.front; e != nil; e = e.next {
		if !f(e.key, e.v) {
			return
		}
	}
}

// Reset removes all entries.
func (q *LRU[K, V]) Reset() {
	q.front, q.back = nil, nil
	q.m = make(map[K]*elem[K, V])
}

func (q *LRU[K, V]) Len() int {
	return len(q.m)
}

func (q *LRU[K, V]) pushBack(e *elem[K, V]) {
	if q.back == nil {
		q.front, q.back = e, e
		return
	}
	e.prev = q.back
	q.back.next = e
	q.back = e
}

func (q *LRU[K, V]) unlink(e *elem[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		q.front = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		q.back = e.prev
	}
	e.prev, e.next = nil, nil
}

func (q *LRU[K, V]) moveToBack(e *elem[K, V]) {
	if q.back == e {
		return
	}
	q.unlink(e)
	q.pushBack(e)
}
