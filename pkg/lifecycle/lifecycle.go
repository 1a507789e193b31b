package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/offsync/pkg/cache"
	"github.com/pmkol/offsync/pkg/cachestore"
	"github.com/pmkol/offsync/pkg/classify"
	"github.com/pmkol/offsync/pkg/pool"
	"github.com/pmkol/offsync/pkg/upstream"
)

var nopLogger = zap.NewNop()

// ErrNoWaitingVersion is returned by Activate when no version is installed
// and waiting.
var ErrNoWaitingVersion = errors.New("no version is waiting")

const (
	defaultEvictInterval      = time.Hour
	defaultFetchTimeout       = 30 * time.Second
	defaultInstallConcurrency = 8
	defaultReloadDelay        = 2 * time.Second
)

// Refresher schedules a background refresh of a request.
type Refresher interface {
	Refresh(req *upstream.Request, class classify.Class) error
}

type Opts struct {
	// Store and Upstream cannot be nil.
	Store    *cachestore.Store
	Upstream upstream.Upstream

	// Origin resolves relative manifest URLs, e.g. "https://example.com".
	Origin string

	// Classifier sets the class of installed entries. Optional.
	Classifier *classify.Classifier

	// Key builds the cache key of a fetched request. Default ignores Vary.
	Key func(req *upstream.Request) (cache.Key, error)

	// Refresher is used by RefreshDynamic. Optional.
	Refresher Refresher

	// ManifestPath is watched for new versions by Run. Optional.
	ManifestPath string
	ReloadDelay  time.Duration

	// EvictInterval is the period of the eviction loop. Default is 1h,
	// negative disables it.
	EvictInterval time.Duration

	FetchTimeout       time.Duration
	InstallConcurrency int

	Now    func() time.Time
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Store == nil {
		return errors.New("nil cache store")
	}
	if opts.Upstream == nil {
		return errors.New("nil upstream")
	}
	if opts.Origin != "" {
		if u, err := url.Parse(opts.Origin); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid origin %q", opts.Origin)
		}
	}
	if opts.Key == nil {
		opts.Key = func(req *upstream.Request) (cache.Key, error) {
			return cache.NewKey(req.Method, req.URL, req.Header, "")
		}
	}
	if opts.ReloadDelay <= 0 {
		opts.ReloadDelay = defaultReloadDelay
	}
	if opts.EvictInterval == 0 {
		opts.EvictInterval = defaultEvictInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = defaultInstallConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Manager installs, activates and evicts namespace versions.
type Manager struct {
	opts Opts

	installM sync.Mutex // serializes Start, Install and Activate

	m          sync.RWMutex
	current    *Manifest
	waiting    *Manifest
	priorities map[string]map[string]cache.Priority // namespace -> url -> priority
}

func New(opts Opts) (*Manager, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Manager{opts: opts}, nil
}

// Version returns the active version, or "".
func (mg *Manager) Version() string {
	mg.m.RLock()
	defer mg.m.RUnlock()
	if mg.current == nil {
		return ""
	}
	return mg.current.Version
}

// Waiting returns the installed but not yet active version, or "".
func (mg *Manager) Waiting() string {
	mg.m.RLock()
	defer mg.m.RUnlock()
	if mg.waiting == nil {
		return ""
	}
	return mg.waiting.Version
}

// PriorityOf returns the priority a manifest gives to key in namespace.
// Entries the manifest does not list are normal.
func (mg *Manager) PriorityOf(namespace string, key cache.Key) cache.Priority {
	mg.m.RLock()
	defer mg.m.RUnlock()
	if p, ok := mg.priorities[namespace][key.URL]; ok {
		return p
	}
	return cache.PriorityNormal
}

// Start activates m. Namespaces that already hold m.Version are reused,
// otherwise m is installed and activated.
func (mg *Manager) Start(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	held, err := mg.opts.Store.Namespaces()
	if err != nil {
		return err
	}
	heldSet := make(map[string]bool, len(held))
	for _, info := range held {
		heldSet[info.Physical] = true
	}
	complete := len(m.Namespaces) > 0
	for _, ns := range m.Namespaces {
		if !heldSet[cachestore.PhysicalName(ns.Name, m.Version)] {
			complete = false
			break
		}
	}

	if complete {
		mg.installM.Lock()
		defer mg.installM.Unlock()
		for _, ns := range m.Namespaces {
			if err := mg.opts.Store.Use(ns.Name, m.Version); err != nil {
				return err
			}
		}
		mg.opts.Logger.Info("reusing installed version", zap.String("version", m.Version))
		return mg.activateLocked(m)
	}

	if err := mg.install(ctx, m); err != nil {
		return err
	}
	mg.installM.Lock()
	defer mg.installM.Unlock()
	return mg.promoteLocked(m)
}

// Install stages every namespace of m. Either all namespaces are staged or
// none is, in which case the error wraps cachestore.ErrCutoverIncomplete.
// The staged version is activated at once if m.SkipWaiting is set.
func (mg *Manager) Install(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if v := mg.Version(); v == m.Version {
		mg.opts.Logger.Debug("version is already active", zap.String("version", v))
		return nil
	}
	if err := mg.install(ctx, m); err != nil {
		return err
	}
	if m.SkipWaiting {
		return mg.Activate()
	}
	mg.opts.Logger.Info("version installed and waiting", zap.String("version", m.Version))
	return nil
}

func (mg *Manager) install(ctx context.Context, m *Manifest) error {
	mg.installM.Lock()
	defer mg.installM.Unlock()

	mg.m.Lock()
	prev := mg.waiting
	mg.waiting = nil
	mg.m.Unlock()
	if prev != nil && prev.Version != m.Version {
		for _, ns := range prev.Namespaces {
			if err := mg.opts.Store.Discard(ns.Name, prev.Version); err != nil {
				mg.opts.Logger.Warn("failed to discard superseded version", zap.String("namespace", ns.Name), zap.Error(err))
			}
		}
	}

	start := mg.opts.Now()
	var staged []string
	for _, ns := range m.Namespaces {
		prio, _ := cache.ParsePriority(ns.Priority)
		err := mg.opts.Store.Stage(ns.Name, m.Version, func(w *cachestore.Writer) error {
			return mg.populate(ctx, w, ns, prio)
		})
		if err != nil {
			for _, name := range staged {
				if dErr := mg.opts.Store.Discard(name, m.Version); dErr != nil {
					mg.opts.Logger.Error("failed to discard staged namespace", zap.String("namespace", name), zap.Error(dErr))
				}
			}
			mg.opts.Logger.Warn("version install failed", zap.String("version", m.Version), zap.Error(err))
			if !errors.Is(err, cachestore.ErrCutoverIncomplete) {
				err = fmt.Errorf("%w: %v", cachestore.ErrCutoverIncomplete, err)
			}
			return err
		}
		staged = append(staged, ns.Name)
	}

	mg.m.Lock()
	mg.waiting = m
	mg.m.Unlock()
	mg.opts.Logger.Info("version installed",
		zap.String("version", m.Version),
		zap.Int("namespaces", len(staged)),
		zap.Duration("elapsed", mg.opts.Now().Sub(start)))
	return nil
}

func (mg *Manager) populate(ctx context.Context, w *cachestore.Writer, ns NamespaceSpec, prio cache.Priority) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(mg.opts.InstallConcurrency)
	for _, u := range ns.URLs {
		g.Go(func() error {
			req, err := mg.request(u)
			if err != nil {
				return err
			}
			e, key, err := mg.fetchEntry(gCtx, req, prio)
			if err != nil {
				return err
			}
			return w.Put(key, e)
		})
	}
	return g.Wait()
}

func (mg *Manager) request(rawURL string) (*upstream.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if !u.IsAbs() {
		if mg.opts.Origin == "" {
			return nil, fmt.Errorf("relative url %q without an origin", rawURL)
		}
		base, _ := url.Parse(mg.opts.Origin)
		u = base.ResolveReference(u)
	}
	return &upstream.Request{
		Method: http.MethodGet,
		URL:    u.String(),
		Header: make(http.Header),
	}, nil
}

// fetchEntry gets req from the network. Anything but a 2xx is an error.
func (mg *Manager) fetchEntry(ctx context.Context, req *upstream.Request, prio cache.Priority) (*cache.Entry, cache.Key, error) {
	key, err := mg.opts.Key(req)
	if err != nil {
		return nil, cache.Key{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, mg.opts.FetchTimeout)
	defer cancel()
	res, err := mg.opts.Upstream.Fetch(ctx, req)
	if err != nil {
		return nil, key, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	if !res.OK() {
		return nil, key, fmt.Errorf("fetch %s: status %d", req.URL, res.Status)
	}
	class := classify.Generic
	if mg.opts.Classifier != nil {
		if u, err := url.Parse(req.URL); err == nil {
			class = mg.opts.Classifier.Classify(req.Method, u.Path)
		}
	}
	now := mg.opts.Now()
	return &cache.Entry{
		Payload:        res.Body,
		ContentType:    res.ContentType(),
		Status:         res.Status,
		Header:         res.Header.Clone(),
		StoredAt:       now,
		LastAccessedAt: now,
		Priority:       prio,
		Class:          class,
	}, key, nil
}

// Activate promotes the waiting version, the SKIP_WAITING command.
func (mg *Manager) Activate() error {
	mg.installM.Lock()
	defer mg.installM.Unlock()

	mg.m.RLock()
	m := mg.waiting
	mg.m.RUnlock()
	if m == nil {
		return ErrNoWaitingVersion
	}
	return mg.promoteLocked(m)
}

func (mg *Manager) promoteLocked(m *Manifest) error {
	for _, ns := range m.Namespaces {
		if err := mg.opts.Store.Promote(ns.Name, m.Version); err != nil {
			return err
		}
	}
	return mg.activateLocked(m)
}

// activateLocked makes m the active manifest. Logical namespaces m does not
// list start empty at m.Version. Everything else is purged.
func (mg *Manager) activateLocked(m *Manifest) error {
	for _, name := range classify.Namespaces() {
		if m.has(name) {
			continue
		}
		if err := mg.opts.Store.Use(name, m.Version); err != nil {
			return err
		}
	}

	prios := make(map[string]map[string]cache.Priority)
	for _, ns := range m.Namespaces {
		p, _ := cache.ParsePriority(ns.Priority)
		if p == cache.PriorityNormal {
			continue
		}
		byURL := make(map[string]cache.Priority, len(ns.URLs))
		for _, u := range ns.URLs {
			req, err := mg.request(u)
			if err != nil {
				continue
			}
			if key, err := mg.opts.Key(req); err == nil {
				byURL[key.URL] = p
			}
		}
		prios[ns.Name] = byURL
	}

	mg.m.Lock()
	mg.current = m
	if mg.waiting != nil && mg.waiting.Version == m.Version {
		mg.waiting = nil
	}
	mg.priorities = prios
	mg.m.Unlock()

	removed, err := mg.opts.Store.Purge()
	mg.opts.Logger.Info("version activated", zap.String("version", m.Version), zap.Strings("purged", removed))
	return err
}

// CacheContent fetches urls into the dynamic namespace.
func (mg *Manager) CacheContent(ctx context.Context, urls []string) (int, error) {
	var (
		cachedM sync.Mutex
		cached  int
		errs    []error
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(mg.opts.InstallConcurrency)
	for _, u := range urls {
		g.Go(func() error {
			err := mg.cacheOne(gCtx, u)
			cachedM.Lock()
			defer cachedM.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else {
				cached++
			}
			return nil
		})
	}
	_ = g.Wait()
	return cached, errors.Join(errs...)
}

func (mg *Manager) cacheOne(ctx context.Context, rawURL string) error {
	req, err := mg.request(rawURL)
	if err != nil {
		return err
	}
	e, key, err := mg.fetchEntry(ctx, req, cache.PriorityNormal)
	if err != nil {
		return err
	}
	_, err = mg.opts.Store.Put(classify.NamespaceDynamic, key, e)
	return err
}

// RefreshDynamic schedules a background refresh of every entry in the
// dynamic namespace and returns the number scheduled.
func (mg *Manager) RefreshDynamic() int {
	if mg.opts.Refresher == nil {
		return 0
	}
	var reqs []*upstream.Request
	var classes []classify.Class
	err := mg.opts.Store.Range(classify.NamespaceDynamic, func(e *cache.Entry) bool {
		if e.Key.Method != http.MethodGet {
			return true
		}
		reqs = append(reqs, &upstream.Request{Method: http.MethodGet, URL: e.Key.URL, Header: make(http.Header)})
		classes = append(classes, e.Class)
		return true
	})
	if err != nil {
		mg.opts.Logger.Warn("failed to list dynamic entries", zap.Error(err))
		return 0
	}
	n := 0
	for i, req := range reqs {
		if err := mg.opts.Refresher.Refresh(req, classes[i]); err != nil {
			mg.opts.Logger.Debug("refresh not scheduled", zap.String("url", req.URL), zap.Error(err))
			continue
		}
		n++
	}
	mg.opts.Logger.Info("dynamic namespace refresh scheduled", zap.Int("entries", n))
	return n
}

// Evict runs one eviction pass over every current namespace.
func (mg *Manager) Evict() (int, error) {
	n, err := mg.opts.Store.EvictAll()
	if n > 0 || err != nil {
		mg.opts.Logger.Info("eviction finished", zap.Int("removed", n), zap.Error(err))
	}
	return n, err
}

// Run runs the eviction loop and, if a manifest path is set, the manifest
// watcher until closeSignal is closed.
func (mg *Manager) Run(closeSignal <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-closeSignal
		cancel()
	}()

	var wg sync.WaitGroup
	if mg.opts.ManifestPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mg.watchManifest(ctx)
		}()
	}
	defer wg.Wait()

	if mg.opts.EvictInterval < 0 {
		<-closeSignal
		return
	}
	t := pool.GetTimer(mg.opts.EvictInterval)
	defer pool.ReleaseTimer(t)
	for {
		select {
		case <-t.C:
			_, _ = mg.Evict()
			pool.ResetAndDrainTimer(t, mg.opts.EvictInterval)
		case <-closeSignal:
			return
		}
	}
}

// ReloadManifest loads the manifest file and installs it if its version is
// new.
func (mg *Manager) ReloadManifest(ctx context.Context) error {
	m, err := LoadManifest(mg.opts.ManifestPath)
	if err != nil {
		return err
	}
	if m.Version == mg.Version() || m.Version == mg.Waiting() {
		return nil
	}
	mg.opts.Logger.Info("new version found", zap.String("version", m.Version), zap.String("file", mg.opts.ManifestPath))
	return mg.Install(ctx, m)
}
