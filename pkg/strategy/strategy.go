package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/offsync/pkg/cache"
	"github.com/pmkol/offsync/pkg/classify"
	"github.com/pmkol/offsync/pkg/pool"
	"github.com/pmkol/offsync/pkg/query_context"
	"github.com/pmkol/offsync/pkg/upstream"
)

// ErrNotReadable is returned for requests whose class has no read strategy.
var ErrNotReadable = errors.New("request is not served by a read strategy")

var nopLogger = zap.NewNop()

const defaultMaxAge = 24 * time.Hour

// Store is the part of cachestore.Store used by the Executor.
type Store interface {
	Get(name string, key cache.Key) (*cache.Entry, error)
	Put(name string, key cache.Key, e *cache.Entry) (bool, error)
}

type Opts struct {
	// Store and Upstream cannot be nil.
	Store    Store
	Upstream upstream.Upstream

	// Pool runs background refreshes. If nil, a pool of 16 workers is
	// created and closed by Executor.Close.
	Pool *pool.WorkerPool

	// MaxAge is the validity window of cache-first entries. Older entries
	// are revalidated before being served. Default is 24h, negative
	// disables revalidation.
	MaxAge time.Duration

	// VaryHeaders names the request headers that are part of cache keys.
	VaryHeaders string

	// PriorityOf returns the eviction priority of a new entry.
	// Default is cache.PriorityNormal for everything.
	PriorityOf func(namespace string, key cache.Key) cache.Priority

	// Registerer registers the executor metrics. Optional.
	Registerer prometheus.Registerer

	Now    func() time.Time
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	if opts.Upstream == nil {
		return errors.New("nil upstream")
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.PriorityOf == nil {
		opts.PriorityOf = func(string, cache.Key) cache.Priority { return cache.PriorityNormal }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Executor serves read requests with the strategy of their class.
type Executor struct {
	opts      Opts
	ownedPool bool

	missSF   singleflight.Group
	inflight sync.Map // background refresh keys

	requests *prometheus.CounterVec
	refresh  *prometheus.CounterVec
}

func NewExecutor(opts Opts) (*Executor, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	x := &Executor{
		opts: opts,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_requests_total",
			Help: "The total number of read requests by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_background_refresh_total",
			Help: "The total number of background refreshes by result",
		}, []string{"result"}),
	}
	if x.opts.Pool == nil {
		x.opts.Pool = pool.NewWorkerPool(pool.WorkerPoolOpts{Logger: opts.Logger})
		x.ownedPool = true
	}
	if r := opts.Registerer; r != nil {
		for _, c := range []prometheus.Collector{x.requests, x.refresh} {
			if err := r.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
		}
	}
	return x, nil
}

// Close closes the worker pool if the Executor created it.
func (x *Executor) Close() {
	if x.ownedPool {
		x.opts.Pool.Close()
	}
}

// Pool returns the pool running background refreshes.
func (x *Executor) Pool() *pool.WorkerPool {
	return x.opts.Pool
}

// Key returns the cache key of req.
func (x *Executor) Key(req *upstream.Request) (cache.Key, error) {
	return cache.NewKey(req.Method, req.URL, req.Header, x.opts.VaryHeaders)
}

// Exec serves qCtx with the strategy of its class and sets its response.
// It returns an error wrapping upstream.ErrNetworkUnavailable when neither
// the cache nor the network could answer.
func (x *Executor) Exec(ctx context.Context, qCtx *query_context.Context) error {
	req := qCtx.Req()
	class := qCtx.Class()
	st := classify.StrategyOf(class)
	if st == classify.Queue || upstream.IsMutation(req.Method) {
		return fmt.Errorf("%w: %s %s", ErrNotReadable, req.Method, class)
	}

	key, err := x.Key(req)
	if err != nil {
		return err
	}
	ns := classify.NamespaceOf(class)

	switch st {
	case classify.CacheFirst:
		err = x.cacheFirst(ctx, qCtx, ns, key)
	case classify.StaleWhileRevalidate:
		err = x.staleWhileRevalidate(ctx, qCtx, ns, key)
	default:
		err = x.networkFirst(ctx, qCtx, ns, key)
	}
	if err != nil {
		x.requests.WithLabelValues(st.String(), "error").Inc()
	}
	return err
}

func (x *Executor) cacheFirst(ctx context.Context, qCtx *query_context.Context, ns string, key cache.Key) error {
	const st = "cache-first"
	if e := x.lookup(qCtx, ns, key); e != nil {
		if x.opts.MaxAge < 0 || x.opts.Now().Sub(e.StoredAt) <= x.opts.MaxAge {
			x.requests.WithLabelValues(st, "hit").Inc()
			qCtx.SetResponse(entryResponse(e), query_context.SourceCache)
			x.revalidate(qCtx, ns, key)
			return nil
		}

		res, err := x.fetch(ctx, qCtx, ns, key)
		if err == nil && res.OK() {
			x.requests.WithLabelValues(st, "revalidated").Inc()
			qCtx.SetResponse(res, query_context.SourceNetwork)
			return nil
		}
		x.opts.Logger.Debug("revalidation failed, serving stale entry", qCtx.InfoField(), zap.Error(err))
		x.requests.WithLabelValues(st, "stale").Inc()
		qCtx.SetResponse(entryResponse(e), query_context.SourceStale)
		return nil
	}

	res, err := x.fetch(ctx, qCtx, ns, key)
	if err != nil {
		return err
	}
	x.requests.WithLabelValues(st, "miss").Inc()
	qCtx.SetResponse(res, query_context.SourceNetwork)
	return nil
}

func (x *Executor) networkFirst(ctx context.Context, qCtx *query_context.Context, ns string, key cache.Key) error {
	const st = "network-first"
	res, err := x.fetch(ctx, qCtx, ns, key)
	if err == nil {
		x.requests.WithLabelValues(st, "network").Inc()
		qCtx.SetResponse(res, query_context.SourceNetwork)
		return nil
	}

	if e := x.lookup(qCtx, ns, key); e != nil {
		x.opts.Logger.Debug("network failed, serving cached entry", qCtx.InfoField(), zap.Error(err))
		x.requests.WithLabelValues(st, "stale").Inc()
		qCtx.SetResponse(entryResponse(e), query_context.SourceStale)
		return nil
	}
	return err
}

func (x *Executor) staleWhileRevalidate(ctx context.Context, qCtx *query_context.Context, ns string, key cache.Key) error {
	const st = "stale-while-revalidate"
	if e := x.lookup(qCtx, ns, key); e != nil {
		x.requests.WithLabelValues(st, "hit").Inc()
		qCtx.SetResponse(entryResponse(e), query_context.SourceCache)
		x.revalidate(qCtx, ns, key)
		return nil
	}

	res, err := x.fetch(ctx, qCtx, ns, key)
	if err != nil {
		return err
	}
	x.requests.WithLabelValues(st, "miss").Inc()
	qCtx.SetResponse(res, query_context.SourceNetwork)
	return nil
}

// lookup reads the cache. Store errors are logged and treated as a miss.
func (x *Executor) lookup(qCtx *query_context.Context, ns string, key cache.Key) *cache.Entry {
	e, err := x.opts.Store.Get(ns, key)
	if err != nil {
		x.opts.Logger.Warn("cache read failed", qCtx.InfoField(), zap.String("namespace", ns), zap.Error(err))
		return nil
	}
	return e
}

// fetch gets qCtx from the network and stores 2xx responses to GET requests.
// Concurrent fetches of the same request share one network round trip.
// The shared fetch is not bound to any caller's cancellation, so a caller
// that leaves only stops waiting for it.
func (x *Executor) fetch(ctx context.Context, qCtx *query_context.Context, ns string, key cache.Key) (*upstream.Response, error) {
	req := qCtx.Req()
	sfKey := req.Method + " " + ns + " " + key.String()
	fetchCtx := context.WithoutCancel(ctx)
	ch := x.missSF.DoChan(sfKey, func() (interface{}, error) {
		res, err := x.opts.Upstream.Fetch(fetchCtx, req)
		if err != nil {
			return nil, err
		}
		x.store(qCtx, ns, key, res)
		return res, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*upstream.Response), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (x *Executor) store(qCtx *query_context.Context, ns string, key cache.Key, res *upstream.Response) {
	if !res.OK() || !strings.EqualFold(qCtx.Req().Method, http.MethodGet) {
		return
	}
	if cc := res.Header.Get("Cache-Control"); strings.Contains(cc, "no-store") {
		return
	}
	now := x.opts.Now()
	e := &cache.Entry{
		Payload:        res.Body,
		ContentType:    res.ContentType(),
		Status:         res.Status,
		Header:         res.Header.Clone(),
		StoredAt:       now,
		LastAccessedAt: now,
		Priority:       x.opts.PriorityOf(ns, key),
		Class:          qCtx.Class(),
	}
	if _, err := x.opts.Store.Put(ns, key, e); err != nil {
		x.opts.Logger.Warn("cache write failed", qCtx.InfoField(), zap.String("namespace", ns), zap.Error(err))
	}
}

// revalidate refreshes key in the background. At most one refresh per key
// runs at a time. Failures are logged and never reach the caller.
func (x *Executor) revalidate(qCtx *query_context.Context, ns string, key cache.Key) {
	k := ns + " " + key.String()
	if _, loaded := x.inflight.LoadOrStore(k, struct{}{}); loaded {
		x.refresh.WithLabelValues("deduplicated").Inc()
		return
	}
	bgCtx := qCtx.CopyForBackground()
	if bgCtx.Req().Method != http.MethodGet {
		bgCtx.Req().Method = http.MethodGet
	}
	err := x.opts.Pool.Go(func(ctx context.Context) {
		defer x.inflight.Delete(k)
		res, err := x.opts.Upstream.Fetch(ctx, bgCtx.Req())
		if err != nil {
			x.refresh.WithLabelValues("failed").Inc()
			x.opts.Logger.Debug("background refresh failed", bgCtx.InfoField(), zap.Error(err))
			return
		}
		if !res.OK() {
			x.refresh.WithLabelValues("failed").Inc()
			x.opts.Logger.Debug("background refresh got non-2xx", bgCtx.InfoField(), zap.Int("status", res.Status))
			return
		}
		x.store(bgCtx, ns, key, res)
		x.refresh.WithLabelValues("ok").Inc()
	})
	if err != nil {
		x.inflight.Delete(k)
		x.opts.Logger.Debug("background refresh not scheduled", qCtx.InfoField(), zap.Error(err))
	}
}

// Refresh schedules a background refresh of req in the namespace of class.
func (x *Executor) Refresh(req *upstream.Request, class classify.Class) error {
	key, err := x.Key(req)
	if err != nil {
		return err
	}
	qCtx := query_context.NewContext(req, nil)
	qCtx.SetClass(class)
	x.revalidate(qCtx, classify.NamespaceOf(class), key)
	return nil
}

func entryResponse(e *cache.Entry) *upstream.Response {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if e.ContentType != "" && h.Get("Content-Type") == "" {
		h.Set("Content-Type", e.ContentType)
	}
	return &upstream.Response{
		Status: e.Status,
		Header: h,
		Body:   e.Payload,
	}
}
