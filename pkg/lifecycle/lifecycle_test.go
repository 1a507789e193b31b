package lifecycle

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/offsync/pkg/cache"
	"github.com/pmkol/offsync/pkg/cache/mem_cache"
	"github.com/pmkol/offsync/pkg/cachestore"
	"github.com/pmkol/offsync/pkg/classify"
	"github.com/pmkol/offsync/pkg/upstream"
)

const origin = "https://example.com"

type fakeOrigin struct {
	m       sync.Mutex
	calls   int
	missing map[string]bool
}

func (o *fakeOrigin) Fetch(_ context.Context, req *upstream.Request) (*upstream.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	o.m.Lock()
	o.calls++
	missing := o.missing[u.Path]
	o.m.Unlock()
	if missing {
		return &upstream.Response{Status: http.StatusNotFound, Header: make(http.Header)}, nil
	}
	return &upstream.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte("body of " + u.Path),
	}, nil
}

func (o *fakeOrigin) Calls() int {
	o.m.Lock()
	defer o.m.Unlock()
	return o.calls
}

type env struct {
	provider *mem_cache.Provider
	store    *cachestore.Store
	origin   *fakeOrigin
	mgr      *Manager
}

func newEnv(t *testing.T, opts Opts) *env {
	t.Helper()
	e := &env{provider: mem_cache.NewProvider(mem_cache.Opts{}), origin: &fakeOrigin{missing: map[string]bool{}}}
	var err error
	e.store, err = cachestore.New(cachestore.Opts{Provider: e.provider})
	require.NoError(t, err)
	e.mgr = e.newManager(t, opts)
	return e
}

func (e *env) newManager(t *testing.T, opts Opts) *Manager {
	t.Helper()
	opts.Store = e.store
	opts.Upstream = e.origin
	opts.Origin = origin
	c, err := classify.NewClassifier(classify.Opts{})
	require.NoError(t, err)
	opts.Classifier = c
	m, err := New(opts)
	require.NoError(t, err)
	return m
}

func (e *env) get(t *testing.T, ns, path string) *cache.Entry {
	t.Helper()
	key, err := cache.NewKey(http.MethodGet, origin+path, nil, "")
	require.NoError(t, err)
	entry, err := e.store.Get(ns, key)
	require.NoError(t, err)
	return entry
}

func manifest(version string, skip bool) *Manifest {
	return &Manifest{
		Version:     version,
		SkipWaiting: skip,
		Namespaces: []NamespaceSpec{
			{Name: classify.NamespaceStatic, Priority: "critical", URLs: []string{"/", "/css/main.css"}},
			{Name: classify.NamespaceTemplates, Priority: "high", URLs: []string{"/content/templates/a.md"}},
		},
	}
}

func TestManager_Start(t *testing.T) {
	e := newEnv(t, Opts{})
	require.NoError(t, e.mgr.Start(context.Background(), manifest("v1", false)))
	assert.Equal(t, "v1", e.mgr.Version())

	css := e.get(t, classify.NamespaceStatic, "/css/main.css")
	require.NotNil(t, css)
	assert.Equal(t, "body of /css/main.css", string(css.Payload))
	assert.Equal(t, cache.PriorityCritical, css.Priority)
	assert.Equal(t, classify.StaticAsset, css.Class)

	key, _ := cache.NewKey(http.MethodGet, origin+"/content/templates/a.md", nil, "")
	assert.Equal(t, cache.PriorityHigh, e.mgr.PriorityOf(classify.NamespaceTemplates, key))
	key, _ = cache.NewKey(http.MethodGet, origin+"/other.css", nil, "")
	assert.Equal(t, cache.PriorityNormal, e.mgr.PriorityOf(classify.NamespaceStatic, key))

	for _, ns := range classify.Namespaces() {
		v, ok := e.store.Current(ns)
		assert.True(t, ok, ns)
		assert.Equal(t, "v1", v, ns)
	}

	// A second start over the same storage reuses the installed version.
	calls := e.origin.Calls()
	mgr2 := e.newManager(t, Opts{})
	require.NoError(t, mgr2.Start(context.Background(), manifest("v1", false)))
	assert.Equal(t, calls, e.origin.Calls())
	assert.NotNil(t, e.get(t, classify.NamespaceStatic, "/"))
}

func TestManager_installIsAllOrNothing(t *testing.T) {
	e := newEnv(t, Opts{})
	require.NoError(t, e.mgr.Start(context.Background(), manifest("v1", false)))

	e.origin.missing["/js/missing.js"] = true
	m := manifest("v2", false)
	m.Namespaces[0].URLs = []string{"/", "/css/main.css", "/js/main.js", "/js/missing.js"}

	err := e.mgr.Install(context.Background(), m)
	assert.ErrorIs(t, err, cachestore.ErrCutoverIncomplete)
	assert.Equal(t, "v1", e.mgr.Version())
	assert.Empty(t, e.mgr.Waiting())

	names, err := e.provider.List()
	require.NoError(t, err)
	for _, n := range names {
		assert.NotContains(t, n, "-v2")
	}
	assert.NotNil(t, e.get(t, classify.NamespaceStatic, "/css/main.css"))
}

func TestManager_waitAndActivate(t *testing.T) {
	e := newEnv(t, Opts{})
	require.NoError(t, e.mgr.Start(context.Background(), manifest("v1", false)))
	assert.ErrorIs(t, e.mgr.Activate(), ErrNoWaitingVersion)

	require.NoError(t, e.mgr.Install(context.Background(), manifest("v2", false)))
	assert.Equal(t, "v1", e.mgr.Version())
	assert.Equal(t, "v2", e.mgr.Waiting())
	staged, ok := e.store.Staged(classify.NamespaceStatic)
	assert.True(t, ok)
	assert.Equal(t, "v2", staged)

	require.NoError(t, e.mgr.Activate())
	assert.Equal(t, "v2", e.mgr.Version())
	assert.Empty(t, e.mgr.Waiting())

	names, err := e.provider.List()
	require.NoError(t, err)
	for _, n := range names {
		assert.NotContains(t, n, "-v1")
	}
	assert.NotNil(t, e.get(t, classify.NamespaceStatic, "/"))
}

func TestManager_skipWaiting(t *testing.T) {
	e := newEnv(t, Opts{})
	require.NoError(t, e.mgr.Start(context.Background(), manifest("v1", false)))
	require.NoError(t, e.mgr.Install(context.Background(), manifest("v2", true)))
	assert.Equal(t, "v2", e.mgr.Version())

	// Installing the active version again is a no-op.
	calls := e.origin.Calls()
	require.NoError(t, e.mgr.Install(context.Background(), manifest("v2", true)))
	assert.Equal(t, calls, e.origin.Calls())
}

type refreshRecorder struct {
	urls []string
}

func (r *refreshRecorder) Refresh(req *upstream.Request, _ classify.Class) error {
	r.urls = append(r.urls, req.URL)
	return nil
}

func TestManager_cacheContentAndRefresh(t *testing.T) {
	rec := &refreshRecorder{}
	e := newEnv(t, Opts{Refresher: rec})
	require.NoError(t, e.mgr.Start(context.Background(), manifest("v1", false)))

	e.origin.missing["/gone"] = true
	n, err := e.mgr.CacheContent(context.Background(), []string{"/content/extra.md", "/gone"})
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, e.get(t, classify.NamespaceDynamic, "/content/extra.md"))

	assert.Equal(t, 1, e.mgr.RefreshDynamic())
	assert.Equal(t, []string{origin + "/content/extra.md"}, rec.urls)
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`
version: v3
skip_waiting: true
namespaces:
  - name: static
    priority: critical
    urls: ["/", "/index.html"]
  - name: content
    urls: ["/content/a.md"]
`))
	require.NoError(t, err)
	assert.Equal(t, "v3", m.Version)
	assert.True(t, m.SkipWaiting)
	assert.Len(t, m.Namespaces, 2)

	for name, doc := range map[string]string{
		"no version":        "namespaces: []",
		"unknown namespace": "version: v1\nnamespaces: [{name: nope}]",
		"duplicate":         "version: v1\nnamespaces: [{name: static}, {name: static}]",
		"bad priority":      "version: v1\nnamespaces: [{name: static, priority: urgent}]",
		"unknown field":     "version: v1\nextra: 1",
		"bad version":       "version: a/b",
	} {
		_, err := ParseManifest([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestManager_watchManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	write := func(version string) {
		doc := "version: " + version + "\nskip_waiting: true\nnamespaces:\n  - name: static\n    urls: [\"/\"]\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	}
	write("v1")

	e := newEnv(t, Opts{ManifestPath: path, ReloadDelay: 10 * time.Millisecond, EvictInterval: -1})
	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.NoError(t, e.mgr.Start(context.Background(), m))

	closeSignal := make(chan struct{})
	done := make(chan struct{})
	go func() {
		e.mgr.Run(closeSignal)
		close(done)
	}()
	defer func() {
		close(closeSignal)
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	write("v2")
	require.Eventually(t, func() bool { return e.mgr.Version() == "v2" }, 5*time.Second, 10*time.Millisecond)
}

func TestManager_Evict(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	provider := mem_cache.NewProvider(mem_cache.Opts{Now: clock})
	store, err := cachestore.New(cachestore.Opts{Provider: provider, Now: clock})
	require.NoError(t, err)
	mgr, err := New(Opts{Store: store, Upstream: &fakeOrigin{}, Origin: origin, Now: clock})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background(), manifest("v1", false)))

	// Critical manifest entries survive, a stale dynamic entry does not.
	key, _ := cache.NewKey(http.MethodGet, origin+"/api/old", nil, "")
	_, err = store.Put(classify.NamespaceDynamic, key, &cache.Entry{
		Payload:  []byte("old"),
		Status:   200,
		StoredAt: now.Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)

	now = now.Add(8 * 24 * time.Hour)
	n, err := mgr.Evict()
	require.NoError(t, err)
	assert.Equal(t, 2, n) // the dynamic entry and the high priority template

	got, err := store.Get(classify.NamespaceStatic, mustKey(t, "/css/main.css"))
	require.NoError(t, err)
	assert.NotNil(t, got)
	got, err = store.Get(classify.NamespaceDynamic, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func mustKey(t *testing.T, path string) cache.Key {
	t.Helper()
	k, err := cache.NewKey(http.MethodGet, origin+path, nil, "")
	require.NoError(t, err)
	return k
}
