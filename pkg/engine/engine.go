package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/offsync/pkg/cache"
	"github.com/pmkol/offsync/pkg/cachestore"
	"github.com/pmkol/offsync/pkg/classify"
	"github.com/pmkol/offsync/pkg/connectivity"
	"github.com/pmkol/offsync/pkg/coordinator"
	"github.com/pmkol/offsync/pkg/fallback"
	"github.com/pmkol/offsync/pkg/lifecycle"
	"github.com/pmkol/offsync/pkg/notify"
	"github.com/pmkol/offsync/pkg/pool"
	"github.com/pmkol/offsync/pkg/query_context"
	"github.com/pmkol/offsync/pkg/safe_close"
	"github.com/pmkol/offsync/pkg/strategy"
	"github.com/pmkol/offsync/pkg/syncqueue"
	"github.com/pmkol/offsync/pkg/upstream"
)

var (
	ErrClosed         = errors.New("engine is closed")
	ErrNotStarted     = errors.New("engine is not started")
	ErrUnknownCommand = errors.New("unknown command")
)

var nopLogger = zap.NewNop()

// Opts configures an Engine. Store, Upstream and Queue are required. The
// component options are used as given except for the fields that wire
// components together, which the Engine sets.
type Opts struct {
	Store    *cachestore.Store
	Upstream upstream.Upstream
	Queue    syncqueue.Queue

	// Classifier defaults to the built-in rules.
	Classifier *classify.Classifier

	// Manifest is activated by Start. Default is an empty manifest of
	// version "v1".
	Manifest *lifecycle.Manifest

	Pool         pool.WorkerPoolOpts
	Strategy     strategy.Opts
	Coordinator  coordinator.Opts
	Lifecycle    lifecycle.Opts
	Connectivity connectivity.Opts

	// Notifiers receive events besides the engine's own log and ring.
	Notifiers []notify.Notifier

	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Store == nil {
		return errors.New("nil cache store")
	}
	if opts.Upstream == nil {
		return errors.New("nil upstream")
	}
	if opts.Queue == nil {
		return errors.New("nil sync queue")
	}
	if opts.Manifest == nil {
		opts.Manifest = &lifecycle.Manifest{Version: "v1"}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Engine intercepts requests, serves them from cache or network, queues
// mutations while offline and replays them later.
type Engine struct {
	opts   Opts
	logger *zap.Logger

	sc      *safe_close.SafeClose
	started atomic.Bool
	closed  atomic.Bool

	pool       *pool.WorkerPool
	classifier *classify.Classifier
	exec       *strategy.Executor
	coord      *coordinator.Coordinator
	life       *lifecycle.Manager
	conn       *connectivity.Monitor
	notifier   *notify.Broadcaster
	recent     *notify.Recent

	requests *prometheus.CounterVec
	queued   prometheus.Counter
}

func New(opts Opts) (*Engine, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	lg := opts.Logger

	e := &Engine{
		opts:   opts,
		logger: lg,
		sc:     safe_close.NewSafeClose(),
		recent: notify.NewRecent(0),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_requests_total",
			Help: "The total number of intercepted requests by class and response source",
		}, []string{"class", "source"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_mutations_queued_total",
			Help: "The total number of mutations accepted into the sync queue",
		}),
	}
	if r := opts.Registerer; r != nil {
		for _, c := range []prometheus.Collector{e.requests, e.queued} {
			if err := r.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
		}
	}

	e.notifier = notify.NewBroadcaster(notify.LogNotifier{L: lg.Named("notify")}, e.recent)
	for _, n := range opts.Notifiers {
		e.notifier.Add(n)
	}

	e.classifier = opts.Classifier
	if e.classifier == nil {
		c, err := classify.NewClassifier(classify.Opts{})
		if err != nil {
			return nil, err
		}
		e.classifier = c
	}

	poolOpts := opts.Pool
	if poolOpts.Logger == nil {
		poolOpts.Logger = lg.Named("pool")
	}
	e.pool = pool.NewWorkerPool(poolOpts)

	var err error
	connOpts := opts.Connectivity
	connOpts.Upstream = opts.Upstream
	if connOpts.Logger == nil {
		connOpts.Logger = lg.Named("connectivity")
	}
	if e.conn, err = connectivity.NewMonitor(connOpts); err != nil {
		e.pool.Close()
		return nil, fmt.Errorf("connectivity: %w", err)
	}

	lifeOpts := opts.Lifecycle
	lifeOpts.Store = opts.Store
	lifeOpts.Upstream = opts.Upstream
	lifeOpts.Classifier = e.classifier
	if lifeOpts.Logger == nil {
		lifeOpts.Logger = lg.Named("lifecycle")
	}

	stOpts := opts.Strategy
	stOpts.Store = opts.Store
	stOpts.Upstream = opts.Upstream
	stOpts.Pool = e.pool
	stOpts.Registerer = opts.Registerer
	if stOpts.Logger == nil {
		stOpts.Logger = lg.Named("strategy")
	}
	// The lifecycle manager needs the executor for refreshes and the
	// executor needs the manager for priorities.
	var life *lifecycle.Manager
	stOpts.PriorityOf = func(ns string, key cache.Key) cache.Priority {
		if life == nil {
			return cache.PriorityNormal
		}
		return life.PriorityOf(ns, key)
	}
	if e.exec, err = strategy.NewExecutor(stOpts); err != nil {
		e.pool.Close()
		return nil, fmt.Errorf("strategy: %w", err)
	}
	lifeOpts.Key = e.exec.Key
	lifeOpts.Refresher = e.exec
	if life, err = lifecycle.New(lifeOpts); err != nil {
		e.pool.Close()
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	e.life = life

	coOpts := opts.Coordinator
	coOpts.Queue = opts.Queue
	coOpts.Upstream = opts.Upstream
	coOpts.Online = e.conn.Online
	coOpts.Notifier = e.notifier
	coOpts.AfterRestore = func() { e.life.RefreshDynamic() }
	coOpts.Registerer = opts.Registerer
	if coOpts.Logger == nil {
		coOpts.Logger = lg.Named("sync")
	}
	if e.coord, err = coordinator.New(coOpts); err != nil {
		e.pool.Close()
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	e.conn.Subscribe(e.onConnectivity)
	return e, nil
}

func (e *Engine) onConnectivity(online bool) {
	if online {
		e.notifier.Notify(notify.Event{
			Kind:    notify.OnlineRestored,
			Message: "Connection restored - syncing data",
		})
	} else {
		e.notifier.Notify(notify.Event{
			Kind:    notify.OfflineEntered,
			Message: "You can continue using templates and content offline. Changes will sync when online.",
		})
	}
	e.coord.OnConnectivity(online)
}

// Start activates the manifest and starts the background loops.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	if err := e.life.Start(ctx, e.opts.Manifest); err != nil {
		e.started.Store(false)
		return fmt.Errorf("failed to activate version %s: %w", e.opts.Manifest.Version, err)
	}

	e.sc.Attach(func(closeSignal <-chan struct{}) error {
		e.coord.Run(closeSignal)
		return nil
	})
	e.sc.Attach(func(closeSignal <-chan struct{}) error {
		e.life.Run(closeSignal)
		return nil
	})
	e.sc.Attach(func(closeSignal <-chan struct{}) error {
		e.conn.Run(closeSignal)
		return nil
	})

	e.logger.Info("engine started",
		zap.String("version", e.life.Version()),
		zap.Bool("online", e.conn.Online()))

	// Replay anything left from a previous run.
	if e.conn.Online() {
		e.coord.SyncNow()
	}
	return nil
}

// Shutdown stops the background loops and waits for them and for detached
// tasks, then closes the queue and the cache store. It returns ctx.Err() if
// ctx is done first.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.sc.CloseWait(ctx); err != nil {
		return err
	}
	finished := make(chan struct{})
	go func() {
		e.pool.Close()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	if err := e.opts.Queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	if err := e.opts.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache store: %w", err))
	}
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// Handle serves one intercepted request. Read requests are answered from
// cache or network by the strategy of their class, with an offline fallback
// when both fail. Mutations go to the network while online. They are queued
// and answered with 202 when offline or when the network fails.
func (e *Engine) Handle(ctx context.Context, req *upstream.Request, meta *query_context.RequestMeta) (*upstream.Response, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if !e.started.Load() {
		return nil, ErrNotStarted
	}

	qCtx := query_context.NewContext(req, meta)
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	qCtx.SetClass(e.classifier.Classify(req.Method, u.Path))

	if upstream.IsMutation(req.Method) {
		err = e.handleMutation(ctx, qCtx)
	} else {
		err = e.handleRead(ctx, qCtx, u)
	}
	if err != nil {
		e.logger.Debug("request failed", qCtx.InfoField(), zap.Error(err))
		return nil, err
	}
	e.requests.WithLabelValues(qCtx.Class().String(), string(qCtx.Source())).Inc()
	e.logger.Debug("request served", qCtx.InfoField(), zap.String("source", string(qCtx.Source())), zap.Int("status", qCtx.R().Status))
	return qCtx.R(), nil
}

func (e *Engine) handleMutation(ctx context.Context, qCtx *query_context.Context) error {
	if e.conn.Online() {
		res, err := e.opts.Upstream.Fetch(ctx, qCtx.Req())
		if err == nil {
			qCtx.SetResponse(res, query_context.SourceNetwork)
			return nil
		}
		if !errors.Is(err, upstream.ErrNetworkUnavailable) {
			return err
		}
		e.conn.Set(false, "mutation failed: "+err.Error())
	}
	return e.enqueue(ctx, qCtx)
}

func (e *Engine) enqueue(ctx context.Context, qCtx *query_context.Context) error {
	req := qCtx.Req()
	id, err := e.opts.Queue.Enqueue(context.WithoutCancel(ctx), &syncqueue.Mutation{
		URL:    req.URL,
		Method: req.Method,
		Header: req.Header.Clone(),
		Body:   req.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to queue mutation: %w", err)
	}
	e.queued.Inc()
	e.logger.Info("mutation queued for sync", qCtx.InfoField(), zap.Int64("id", id))
	qCtx.SetResponse(fallback.Queued(id), query_context.SourceQueued)
	return nil
}

func (e *Engine) handleRead(ctx context.Context, qCtx *query_context.Context, u *url.URL) error {
	err := e.exec.Exec(ctx, qCtx)
	if err == nil {
		if qCtx.Source() == query_context.SourceNetwork {
			e.conn.Set(true, "request succeeded")
		}
		return nil
	}
	if !errors.Is(err, upstream.ErrNetworkUnavailable) {
		return err
	}
	e.conn.Set(false, "request failed: "+err.Error())

	base := &url.URL{Scheme: u.Scheme, Host: u.Host}
	lookup := func(p string) *upstream.Response {
		return e.lookupPage(base.ResolveReference(&url.URL{Path: p}).String())
	}
	qCtx.SetResponse(fallback.For(qCtx.Req(), qCtx.Class(), lookup, qCtx.StartTime()), query_context.SourceFallback)
	return nil
}

// lookupPage finds a cached page in any logical namespace.
func (e *Engine) lookupPage(rawURL string) *upstream.Response {
	key, err := cache.NewKey(http.MethodGet, rawURL, nil, "")
	if err != nil {
		return nil
	}
	for _, ns := range classify.Namespaces() {
		entry, err := e.opts.Store.Get(ns, key)
		if err != nil || entry == nil {
			continue
		}
		res := &upstream.Response{Status: entry.Status, Header: entry.Header.Clone(), Body: entry.Payload}
		if res.Header == nil {
			res.Header = make(http.Header)
		}
		res.Header.Set(fallback.HeaderOffline, "true")
		if res.Header.Get("Content-Type") == "" && entry.ContentType != "" {
			res.Header.Set("Content-Type", entry.ContentType)
		}
		return res
	}
	return nil
}

// Online reports the connectivity state.
func (e *Engine) Online() bool { return e.conn.Online() }

// SetOnline changes the connectivity state, e.g. from a platform event.
func (e *Engine) SetOnline(online bool, reason string) bool {
	return e.conn.Set(online, reason)
}

// SyncTag drains the endpoints of a background sync tag.
func (e *Engine) SyncTag(ctx context.Context, tag string) (*coordinator.SyncSession, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.coord.SyncTag(ctx, tag)
}

// LastSync returns the most recent sync pass, or nil.
func (e *Engine) LastSync() *coordinator.SyncSession { return e.coord.Last() }

// Events returns the recent notifier events, oldest first.
func (e *Engine) Events() []notify.Event { return e.recent.Events() }

func (e *Engine) Version() string { return e.life.Version() }

func (e *Engine) Queue() syncqueue.Queue { return e.opts.Queue }

func (e *Engine) Store() *cachestore.Store { return e.opts.Store }

func (e *Engine) Lifecycle() *lifecycle.Manager { return e.life }
