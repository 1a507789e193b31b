package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/offsync/pkg/cache/mem_cache"
	"github.com/pmkol/offsync/pkg/cachestore"
	"github.com/pmkol/offsync/pkg/coordinator"
	"github.com/pmkol/offsync/pkg/fallback"
	"github.com/pmkol/offsync/pkg/lifecycle"
	"github.com/pmkol/offsync/pkg/notify"
	"github.com/pmkol/offsync/pkg/query_context"
	"github.com/pmkol/offsync/pkg/syncqueue"
	"github.com/pmkol/offsync/pkg/syncqueue/sqlite_queue"
	"github.com/pmkol/offsync/pkg/upstream"
)

const origin = "https://example.com"

type fakeOrigin struct {
	down atomic.Bool

	m      sync.Mutex
	gets   map[string]int
	posted []string
}

func (o *fakeOrigin) Fetch(_ context.Context, req *upstream.Request) (*upstream.Response, error) {
	if o.down.Load() {
		return nil, fmt.Errorf("dial tcp: %w", upstream.ErrNetworkUnavailable)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	o.m.Lock()
	defer o.m.Unlock()
	if upstream.IsMutation(req.Method) {
		o.posted = append(o.posted, req.Method+" "+u.Path+" "+string(req.Body))
		return &upstream.Response{Status: http.StatusCreated, Header: make(http.Header)}, nil
	}
	o.gets[u.Path]++
	ct := "text/plain"
	if u.Path == "/offline.html" {
		ct = "text/html"
	}
	return &upstream.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {ct}},
		Body:   []byte("origin " + u.Path),
	}, nil
}

func (o *fakeOrigin) getCount(path string) int {
	o.m.Lock()
	defer o.m.Unlock()
	return o.gets[path]
}

func (o *fakeOrigin) posts() []string {
	o.m.Lock()
	defer o.m.Unlock()
	return append([]string(nil), o.posted...)
}

func newEngine(t *testing.T) (*Engine, *fakeOrigin) {
	t.Helper()
	o := &fakeOrigin{gets: make(map[string]int)}
	store, err := cachestore.New(cachestore.Opts{Provider: mem_cache.NewProvider(mem_cache.Opts{})})
	require.NoError(t, err)
	q, err := sqlite_queue.Open(sqlite_queue.Opts{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)

	e, err := New(Opts{
		Store:    store,
		Upstream: o,
		Queue:    q,
		Manifest: &lifecycle.Manifest{
			Version: "v1",
			Namespaces: []lifecycle.NamespaceSpec{
				{Name: "static", Priority: "critical", URLs: []string{"/", "/offline.html", "/css/main.css"}},
			},
		},
		Coordinator: coordinator.Opts{Interval: -1},
		Lifecycle:   lifecycle.Opts{Origin: origin, EvictInterval: -1},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	// Wait for the startup pass so it does not race with the test.
	require.Eventually(t, func() bool { return e.LastSync() != nil }, 5*time.Second, 5*time.Millisecond)
	return e, o
}

func get(path string, accept string) *upstream.Request {
	h := make(http.Header)
	if accept != "" {
		h.Set("Accept", accept)
	}
	return &upstream.Request{Method: http.MethodGet, URL: origin + path, Header: h}
}

func TestEngine_cacheFirst(t *testing.T) {
	e, o := newEngine(t)
	require.Equal(t, 1, o.getCount("/css/main.css"))

	res, err := e.Handle(context.Background(), get("/css/main.css", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, "origin /css/main.css", string(res.Body))
	// The hit schedules a refresh without waiting for it.
	require.Eventually(t, func() bool { return o.getCount("/css/main.css") == 2 }, 5*time.Second, 5*time.Millisecond)

	o.down.Store(true)
	res, err = e.Handle(context.Background(), get("/css/main.css", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
}

func TestEngine_offlineFallbacks(t *testing.T) {
	e, o := newEngine(t)
	o.down.Store(true)

	res, err := e.Handle(context.Background(), get("/about", "text/html"), nil)
	require.NoError(t, err)
	assert.Equal(t, "origin /offline.html", string(res.Body))
	assert.Equal(t, "true", res.Header.Get(fallback.HeaderOffline))
	assert.False(t, e.Online())

	res, err = e.Handle(context.Background(), get("/api/search?q=x", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
}

// A progress update made offline is queued, acknowledged and replayed once
// connectivity returns.
func TestEngine_offlineProgressScenario(t *testing.T) {
	e, o := newEngine(t)
	ctx := context.Background()
	o.down.Store(true)

	req := &upstream.Request{
		Method: http.MethodPost,
		URL:    origin + "/api/progress",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"percentage":40}`),
	}
	res, err := e.Handle(ctx, req, query_context.NewRequestMeta(netipLoopback()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.Status)
	var ack struct {
		Queued bool  `json:"queued"`
		ID     int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(res.Body, &ack))
	assert.True(t, ack.Queued)
	assert.False(t, e.Online())

	stats, err := e.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	m, err := e.Queue().Get(ctx, ack.ID)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.StatusPending, m.Status)
	assert.Equal(t, 0, m.Attempts)

	o.down.Store(false)
	assert.True(t, e.SetOnline(true, "test"))
	require.Eventually(t, func() bool { return len(o.posts()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, `POST /api/progress {"percentage":40}`, o.posts()[0])

	require.Eventually(t, func() bool {
		s, err := e.Queue().Stats(ctx)
		return err == nil && s.Ready() == 0
	}, 5*time.Second, 10*time.Millisecond)
	stats, err = e.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Stats{}, stats)
	_, err = e.Queue().Get(ctx, ack.ID)
	assert.ErrorIs(t, err, syncqueue.ErrNotFound)

	var kinds []notify.Kind
	require.Eventually(t, func() bool {
		kinds = kinds[:0]
		for _, ev := range e.Events() {
			kinds = append(kinds, ev.Kind)
		}
		return len(kinds) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []notify.Kind{notify.OfflineEntered, notify.OnlineRestored, notify.SyncSucceeded}, kinds[:3])
}

func TestEngine_mutationOnline(t *testing.T) {
	e, o := newEngine(t)
	res, err := e.Handle(context.Background(), &upstream.Request{
		Method: http.MethodPut,
		URL:    origin + "/api/user/progress",
		Body:   []byte("x"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, []string{"PUT /api/user/progress x"}, o.posts())

	stats, err := e.Queue().Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Ready())
}

func TestEngine_commands(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	r, err := e.Command(ctx, Command{Type: CmdGetVersion})
	require.NoError(t, err)
	assert.Equal(t, "v1", r.Version)

	_, err = e.Command(ctx, Command{Type: "REBOOT"})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = e.Command(ctx, Command{Type: CmdSkipWaiting})
	assert.ErrorIs(t, err, lifecycle.ErrNoWaitingVersion)

	r, err = e.Command(ctx, Command{Type: CmdCacheContent, Payload: CommandPayload{URLs: []string{"/content/a.md"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Cached)

	r, err = e.Command(ctx, Command{Type: CmdClearCache, Payload: CommandPayload{CacheName: "static"}})
	require.NoError(t, err)
	assert.Equal(t, "static-v1", r.Cleared)

	_, err = e.Command(ctx, Command{Type: CmdClearCache, Payload: CommandPayload{CacheName: "nope-v9"}})
	assert.ErrorIs(t, err, cachestore.ErrNoNamespace)

	_, err = e.Command(ctx, Command{Type: CmdSyncNow})
	assert.NoError(t, err)
}

func TestEngine_syncTag(t *testing.T) {
	e, o := newEngine(t)
	ctx := context.Background()
	o.down.Store(true)
	_, err := e.Handle(ctx, &upstream.Request{Method: http.MethodPost, URL: origin + "/api/analytics/events", Body: []byte("e")}, nil)
	require.NoError(t, err)

	o.down.Store(false)
	s, err := e.SyncTag(ctx, "content-analytics")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 1, s.DrainedCount)

	s, err = e.SyncTag(ctx, "unknown")
	assert.NoError(t, err)
	assert.Nil(t, s)

	stats, err := e.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Ready())
	assert.Zero(t, stats.Dead)
}

func TestEngine_shutdown(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))

	_, err := e.Handle(context.Background(), get("/", ""), nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Command(context.Background(), Command{Type: CmdGetVersion})
	assert.ErrorIs(t, err, ErrClosed)
}

func netipLoopback() netip.Addr {
	return netip.MustParseAddr("127.0.0.1")
}
