package cachestore

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/offsync/pkg/cache"
	"github.com/pmkol/offsync/pkg/cache/mem_cache"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, memOpts mem_cache.Opts) (*Store, *mem_cache.Provider) {
	t.Helper()
	memOpts.Now = func() time.Time { return now }
	p := mem_cache.NewProvider(memOpts)
	s, err := New(Opts{Provider: p, Now: func() time.Time { return now }})
	require.NoError(t, err)
	return s, p
}

func key(t *testing.T, u string) cache.Key {
	t.Helper()
	k, err := cache.NewKey("GET", u, nil, "")
	require.NoError(t, err)
	return k
}

func entry(payload string, storedAt time.Time, p cache.Priority) *cache.Entry {
	return &cache.Entry{Payload: []byte(payload), Status: 200, StoredAt: storedAt, LastAccessedAt: storedAt, Priority: p}
}

func TestStore_getPut(t *testing.T) {
	s, _ := newStore(t, mem_cache.Opts{})
	k := key(t, "https://example.com/app.css")

	_, err := s.Get("static", k)
	assert.ErrorIs(t, err, ErrNoNamespace)

	require.NoError(t, s.Use("static", "v1"))
	e, err := s.Get("static", k)
	require.NoError(t, err)
	assert.Nil(t, e)

	stored, err := s.Put("static", k, entry("body{}", now, cache.PriorityNormal))
	require.NoError(t, err)
	assert.True(t, stored)

	// Last write wins on StoredAt.
	stored, err = s.Put("static", k, entry("stale", now.Add(-time.Minute), cache.PriorityNormal))
	require.NoError(t, err)
	assert.False(t, stored)

	e, err = s.Get("static", k)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "body{}", string(e.Payload))
	assert.Equal(t, k, e.Key)

	require.NoError(t, s.Delete("static", k))
	e, _ = s.Get("static", k)
	assert.Nil(t, e)
}

func TestStore_evict(t *testing.T) {
	s, _ := newStore(t, mem_cache.Opts{})
	require.NoError(t, s.Use("templates", "v1"))

	old := now.Add(-8 * 24 * time.Hour)
	crit := key(t, "https://example.com/templates/critical.md")
	norm := key(t, "https://example.com/templates/normal.md")
	_, err := s.Put("templates", crit, entry("c", old, cache.PriorityCritical))
	require.NoError(t, err)
	_, err = s.Put("templates", norm, entry("n", old, cache.PriorityNormal))
	require.NoError(t, err)

	n, err := s.EvictAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, _ := s.Get("templates", crit)
	assert.NotNil(t, e)
	e, _ = s.Get("templates", norm)
	assert.Nil(t, e)
}

func TestStore_quotaRetry(t *testing.T) {
	s, _ := newStore(t, mem_cache.Opts{MaxBytes: 256})
	require.NoError(t, s.Use("dynamic", "v1"))

	old := entry("", now.Add(-30*24*time.Hour), cache.PriorityNormal)
	old.Payload = make([]byte, 150)
	_, err := s.Put("dynamic", key(t, "https://example.com/api/a"), old)
	require.NoError(t, err)

	fresh := entry("", now, cache.PriorityNormal)
	fresh.Payload = make([]byte, 150)
	stored, err := s.Put("dynamic", key(t, "https://example.com/api/b"), fresh)
	require.NoError(t, err)
	assert.True(t, stored)

	// Nothing left to evict: the second failure is returned.
	other := entry("", now, cache.PriorityNormal)
	other.Payload = make([]byte, 150)
	_, err = s.Put("dynamic", key(t, "https://example.com/api/c"), other)
	assert.ErrorIs(t, err, cache.ErrQuotaExceeded)
}

func TestStore_cutover(t *testing.T) {
	s, p := newStore(t, mem_cache.Opts{})
	require.NoError(t, s.Use("static", "v1"))
	k := key(t, "https://example.com/index.html")
	_, err := s.Put("static", k, entry("old", now, cache.PriorityNormal))
	require.NoError(t, err)

	err = s.Cutover("static", "v1", "v2", func(w *Writer) error {
		return w.Put(k, entry("new", now, cache.PriorityCritical))
	})
	require.NoError(t, err)

	v, _ := s.Current("static")
	assert.Equal(t, "v2", v)
	e, err := s.Get("static", k)
	require.NoError(t, err)
	assert.Equal(t, "new", string(e.Payload))

	names, _ := p.List()
	assert.Equal(t, []string{"static-v2"}, names)
}

func TestStore_cutoverAllOrNothing(t *testing.T) {
	s, p := newStore(t, mem_cache.Opts{})
	require.NoError(t, s.Use("static", "v1"))
	keep := key(t, "https://example.com/app.js")
	_, err := s.Put("static", keep, entry("v1", now, cache.PriorityNormal))
	require.NoError(t, err)

	errFetch := errors.New("fetch failed")
	err = s.Cutover("static", "v1", "v2", func(w *Writer) error {
		for i := 0; i < 4; i++ {
			if i == 3 {
				return errFetch
			}
			if err := w.Put(key(t, fmt.Sprintf("https://example.com/%d.js", i)), entry("x", now, cache.PriorityNormal)); err != nil {
				return err
			}
		}
		return nil
	})
	assert.ErrorIs(t, err, ErrCutoverIncomplete)

	v, _ := s.Current("static")
	assert.Equal(t, "v1", v)
	_, staged := s.Staged("static")
	assert.False(t, staged)

	e, err := s.Get("static", keep)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "v1", string(e.Payload))

	names, _ := p.List()
	assert.Equal(t, []string{"static-v1"}, names)
}

func TestStore_cutoverWrongFrom(t *testing.T) {
	s, _ := newStore(t, mem_cache.Opts{})
	require.NoError(t, s.Use("static", "v1"))
	err := s.Cutover("static", "v0", "v2", func(*Writer) error { return nil })
	assert.ErrorIs(t, err, ErrNoNamespace)
}

func TestStore_namespacesAndPurge(t *testing.T) {
	s, p := newStore(t, mem_cache.Opts{})
	require.NoError(t, s.Use("static", "v2"))
	require.NoError(t, s.Stage("content", "v3", func(*Writer) error { return nil }))
	_, err := p.Open("static-v1")
	require.NoError(t, err)

	infos, err := s.Namespaces()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, StateStaged, infos[0].State)
	assert.Equal(t, "content-v3", infos[0].Physical)
	assert.Equal(t, StateOrphan, infos[1].State)
	assert.Equal(t, StateCurrent, infos[2].State)

	removed, err := s.Purge()
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v1"}, removed)

	require.NoError(t, s.Promote("content", "v3"))
	v, _ := s.Current("content")
	assert.Equal(t, "v3", v)
	assert.ErrorIs(t, s.Promote("content", "v4"), ErrNoNamespace)
}

func TestStore_clear(t *testing.T) {
	s, _ := newStore(t, mem_cache.Opts{})
	require.NoError(t, s.Use("assets", "v1"))
	k := key(t, "https://example.com/assets/images/a.png")
	_, err := s.Put("assets", k, entry("png", now, cache.PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, s.Clear("assets-v1"))
	e, err := s.Get("assets", k)
	require.NoError(t, err)
	assert.Nil(t, e)

	assert.ErrorIs(t, s.Clear("nope-v1"), ErrNoNamespace)
}

type corruptProvider struct {
	cache.Provider
}

func (p corruptProvider) Open(ns string) (cache.Backend, error) {
	b, err := p.Provider.Open(ns)
	if err != nil {
		return nil, err
	}
	return corruptBackend{b}, nil
}

type corruptBackend struct {
	cache.Backend
}

func (b corruptBackend) Get(key string) (*cache.Entry, error) {
	if e, _ := b.Backend.Get(key); e != nil {
		return nil, fmt.Errorf("decode: %w", cache.ErrCorrupt)
	}
	return nil, nil
}

func TestStore_corruptIsMiss(t *testing.T) {
	mem := mem_cache.NewProvider(mem_cache.Opts{})
	s, err := New(Opts{Provider: corruptProvider{mem}})
	require.NoError(t, err)
	require.NoError(t, s.Use("content", "v1"))

	k := key(t, "https://example.com/content/a")
	_, err = s.Put("content", k, entry("a", now, cache.PriorityNormal))
	require.NoError(t, err)

	e, err := s.Get("content", k)
	require.NoError(t, err)
	assert.Nil(t, e)

	b, _ := mem.Open("content-v1")
	assert.Equal(t, 0, b.Len())
}

// gatedProvider blocks the first Open of one namespace until release is
// closed.
type gatedProvider struct {
	*mem_cache.Provider
	namespace string
	once      sync.Once
	entered   chan struct{}
	release   chan struct{}
}

func (p *gatedProvider) Open(namespace string) (cache.Backend, error) {
	if namespace == p.namespace {
		p.once.Do(func() {
			close(p.entered)
			<-p.release
		})
	}
	return p.Provider.Open(namespace)
}

func TestStore_promoteWaitsForWrites(t *testing.T) {
	mp := mem_cache.NewProvider(mem_cache.Opts{Now: func() time.Time { return now }})
	gp := &gatedProvider{Provider: mp, entered: make(chan struct{}), release: make(chan struct{})}
	s, err := New(Opts{Provider: gp, Now: func() time.Time { return now }})
	require.NoError(t, err)
	require.NoError(t, s.Use("static", "v1"))
	require.NoError(t, s.Stage("static", "v2", func(*Writer) error { return nil }))
	gp.namespace = PhysicalName("static", "v1")

	k := key(t, "https://example.com/late.css")
	putErr := make(chan error, 1)
	go func() {
		_, err := s.Put("static", k, entry("late", now, cache.PriorityNormal))
		putErr <- err
	}()
	<-gp.entered

	promoted := make(chan error, 1)
	go func() { promoted <- s.Promote("static", "v2") }()
	select {
	case <-promoted:
		t.Fatal("promote finished while a write to the previous version was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gp.release)
	require.NoError(t, <-putErr)
	require.NoError(t, <-promoted)

	names, err := mp.List()
	require.NoError(t, err)
	assert.Equal(t, []string{PhysicalName("static", "v2")}, names)
	cur, _ := s.Current("static")
	assert.Equal(t, "v2", cur)
}
