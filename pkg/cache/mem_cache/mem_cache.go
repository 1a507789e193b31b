package mem_cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pmkol/offsync/pkg/cache"
	"github.com/pmkol/offsync/pkg/concurrent_lru"
)

const (
	shardSize       = 64
	defaultSize     = 64 * 1024
	defaultMaxBytes = 256 << 20
)

type Opts struct {
	// Size is the maximum number of entries.
	Size int

	// MaxBytes caps the total payload and metadata size. Stores that would
	// exceed it fail with cache.ErrQuotaExceeded.
	MaxBytes int64

	// Now overrides time.Now. Used by tests.
	Now func() time.Time
}

func (opts *Opts) Init() {
	if opts.Size <= 0 {
		opts.Size = defaultSize
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
}

// MemCache is an in-memory cache.Backend.
type MemCache struct {
	opts   Opts
	closed uint32
	bytes  atomic.Int64
	lru    *concurrent_lru.ShardedLRU[*cache.Entry]
}

var _ cache.Backend = (*MemCache)(nil)

func NewMemCache(opts Opts) *MemCache {
	opts.Init()
	sizePerShard := opts.Size / shardSize
	if sizePerShard < 16 {
		sizePerShard = 16
	}
	return &MemCache{
		opts: opts,
		lru:  concurrent_lru.NewShardedLRU[*cache.Entry](shardSize, sizePerShard),
	}
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		c.lru.Reset()
		c.bytes.Store(0)
	}
	return nil
}

func (c *MemCache) Get(key string) (*cache.Entry, error) {
	if c.isClosed() {
		return nil, nil
	}

	var hit *cache.Entry
	now := c.opts.Now()
	c.lru.Update(key, func(old *cache.Entry, exist bool) (*cache.Entry, bool) {
		if !exist {
			return nil, false
		}
		// Entries are immutable once stored: replace with a touched copy.
		touched := *old
		touched.LastAccessedAt = now
		hit = &touched
		return &touched, true
	})
	if hit == nil {
		return nil, nil
	}
	return hit.Clone(), nil
}

func (c *MemCache) Store(key string, e *cache.Entry) (bool, error) {
	if c.isClosed() {
		return false, nil
	}

	ne := e.Clone()
	buf := make([]byte, len(e.Payload))
	copy(buf, e.Payload)
	ne.Payload = buf
	if ne.LastAccessedAt.IsZero() {
		ne.LastAccessedAt = ne.StoredAt
	}

	quotaHit := false
	stored, full := c.lru.Update(key, func(old *cache.Entry, exist bool) (*cache.Entry, bool) {
		if exist && !ne.Newer(old) {
			return nil, false
		}
		delta := int64(ne.Size())
		if exist {
			delta -= int64(old.Size())
		}
		if c.bytes.Load()+delta > c.opts.MaxBytes {
			quotaHit = true
			return nil, false
		}
		c.bytes.Add(delta)
		return ne, true
	})
	if full || quotaHit {
		return false, cache.ErrQuotaExceeded
	}
	return stored, nil
}

func (c *MemCache) Delete(key string) error {
	if e, ok := c.lru.Del(key); ok {
		c.bytes.Add(-int64(e.Size()))
	}
	return nil
}

func (c *MemCache) Evict(cutoff time.Time) (int, error) {
	return c.lru.Clean(func(_ string, e *cache.Entry) bool {
		if e.Priority == cache.PriorityCritical || !e.LastAccessedAt.Before(cutoff) {
			return false
		}
		c.bytes.Add(-int64(e.Size()))
		return true
	}), nil
}

func (c *MemCache) Range(f func(key string, e *cache.Entry) bool) error {
	// Snapshot first so f may call back into c.
	type kv struct {
		k string
		e *cache.Entry
	}
	var all []kv
	c.lru.Range(func(k string, e *cache.Entry) bool {
		all = append(all, kv{k, e})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].k < all[j].k })
	for _, x := range all {
		if !f(x.k, x.e.Clone()) {
			return nil
		}
	}
	return nil
}

func (c *MemCache) Clear() error {
	c.lru.Reset()
	c.bytes.Store(0)
	return nil
}

func (c *MemCache) Len() int {
	return c.lru.Len()
}

// Bytes returns the accounted size of all entries.
func (c *MemCache) Bytes() int64 {
	return c.bytes.Load()
}

// Provider keeps one MemCache per namespace.
type Provider struct {
	opts Opts

	m  sync.Mutex
	ns map[string]*MemCache
}

var _ cache.Provider = (*Provider)(nil)

func NewProvider(opts Opts) *Provider {
	return &Provider{opts: opts, ns: make(map[string]*MemCache)}
}

func (p *Provider) Open(namespace string) (cache.Backend, error) {
	p.m.Lock()
	defer p.m.Unlock()
	if c, ok := p.ns[namespace]; ok {
		return c, nil
	}
	c := NewMemCache(p.opts)
	p.ns[namespace] = c
	return c, nil
}

func (p *Provider) Drop(namespace string) error {
	p.m.Lock()
	c, ok := p.ns[namespace]
	delete(p.ns, namespace)
	p.m.Unlock()
	if ok {
		return c.Close()
	}
	return nil
}

func (p *Provider) List() ([]string, error) {
	p.m.Lock()
	defer p.m.Unlock()
	out := make([]string, 0, len(p.ns))
	for n := range p.ns {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (p *Provider) Close() error {
	p.m.Lock()
	defer p.m.Unlock()
	for n, c := range p.ns {
		_ = c.Close()
		delete(p.ns, n)
	}
	return nil
}
