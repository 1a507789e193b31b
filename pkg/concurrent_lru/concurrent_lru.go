package concurrent_lru

import (
	"hash/maphash"
	"sync"

	"github.com/pmkol/offsync/pkg/lru"
)

// ShardedLRU spreads keys over independently locked LRU shards so that
// operations on different keys rarely contend.
type ShardedLRU[V any] struct {
	seed maphash.Seed
	l    []*ConcurrentLRU[string, V]
	mask uint64 // shardNum - 1 (shardNum must be power of 2)
}

func NewShardedLRU[V any](shardNum, maxSizePerShard int) *ShardedLRU[V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}

	cl := &ShardedLRU[V]{
		seed: maphash.MakeSeed(),
		l:    make([]*ConcurrentLRU[string, V], shardNum),
		mask: uint64(shardNum - 1),
	}
	for i := range cl.l {
		cl.l[i] = NewConcurrentLRU[string, V](maxSizePerShard)
	}
	return cl
}

func (c *ShardedLRU[V]) getShard(key string) *ConcurrentLRU[string, V] {
	h := maphash.String(c.seed, key)
	return c.l[int(h&c.mask)]
}

func (c *ShardedLRU[V]) Add(key string, v V) bool {
	return c.getShard(key).Add(key, v)
}

func (c *ShardedLRU[V]) Del(key string) (V, bool) {
	return c.getShard(key).Del(key)
}

func (c *ShardedLRU[V]) Get(key string) (v V, ok bool) {
	return c.getShard(key).Get(key)
}

// Update see ConcurrentLRU.Update.
func (c *ShardedLRU[V]) Update(key string, f func(old V, exist bool) (v V, store bool)) (stored, full bool) {
	return c.getShard(key).Update(key, f)
}

func (c *ShardedLRU[V]) Clean(f func(key string, v V) bool) (removed int) {
	for _, shard := range c.l {
		removed += shard.Clean(f)
	}
	return
}

// Range visits shards one by one. Each shard is locked while it is visited,
// so f must not call back into c.
func (c *ShardedLRU[V]) Range(f func(key string, v V) bool) {
	for _, shard := range c.l {
		stop := false
		shard.Range(func(key string, v V) bool {
			if !f(key, v) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

func (c *ShardedLRU[V]) Reset() {
	for _, shard := range c.l {
		shard.Reset()
	}
}

func (c *ShardedLRU[V]) Len() int {
	sum := 0
	for _, shard := range c.l {
		sum += shard.Len()
	}
	return sum
}

// -----------------------------

type ConcurrentLRU[K comparable, V any] struct {
	sync.Mutex
	lru *lru.LRU[K, V]
}

func NewConcurrentLRU[K comparable, V any](maxSize int) *ConcurrentLRU[K, V] {
	return &ConcurrentLRU[K, V]{
		lru: lru.NewLRU[K, V](maxSize),
	}
}

func (c *ConcurrentLRU[K, V]) Add(key K, v V) bool {
	c.Lock()
	defer c.Unlock()
	return c.lru.Add(key, v)
}

func (c *ConcurrentLRU[K, V]) Del(key K) (V, bool) {
	c.Lock()
	defer c.Unlock()
	return c.lru.Del(key)
}

func (c *ConcurrentLRU[K, V]) Get(key K) (v V, ok bool) {
	c.Lock()
	defer c.Unlock()
	return c.lru.Get(key)
}

// Update atomically reads the current value of key and lets f decide
// whether to replace it. full reports that f wanted to store a new key but
// the shard had no room.
func (c *ConcurrentLRU[K, V]) Update(key K, f func(old V, exist bool) (v V, store bool)) (stored, full bool) {
	c.Lock()
	defer c.Unlock()
	old, exist := c.lru.Peek(key)
	v, store := f(old, exist)
	if !store {
		return false, false
	}
	if !c.lru.Add(key, v) {
		return false, true
	}
	return true, false
}

func (c *ConcurrentLRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	c.Lock()
	defer c.Unlock()
	return c.lru.Clean(f)
}

func (c *ConcurrentLRU[K, V]) Range(f func(key K, v V) bool) {
	c.Lock()
	defer c.Unlock()
	c.lru.Range(f)
}

func (c *ConcurrentLRU[K, V]) Reset() {
	c.Lock()
	c.lru.Reset()
	c.Unlock()
}

func (c *ConcurrentLRU[K, V]) Len() int {
	c.Lock()
	defer c.Unlock()
	return c.lru.Len()
}
