package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/offsync/mlog"
	"github.com/pmkol/offsync/pkg/cache"
	"github.com/pmkol/offsync/pkg/cache/mem_cache"
	"github.com/pmkol/offsync/pkg/cache/redis_cache"
	"github.com/pmkol/offsync/pkg/cachestore"
	"github.com/pmkol/offsync/pkg/classify"
	"github.com/pmkol/offsync/pkg/connectivity"
	"github.com/pmkol/offsync/pkg/coordinator"
	"github.com/pmkol/offsync/pkg/engine"
	"github.com/pmkol/offsync/pkg/lifecycle"
	"github.com/pmkol/offsync/pkg/pool"
	"github.com/pmkol/offsync/pkg/safe_close"
	"github.com/pmkol/offsync/pkg/server"
	H "github.com/pmkol/offsync/pkg/server/http_handler"
	"github.com/pmkol/offsync/pkg/strategy"
	"github.com/pmkol/offsync/pkg/syncqueue"
	"github.com/pmkol/offsync/pkg/syncqueue/sqlite_queue"
	"github.com/pmkol/offsync/pkg/upstream/origin"
)

const (
	shutdownTimeout   = 15 * time.Second
	proxyDrainTimeout = 5 * time.Second
)

type Offsync struct {
	logger *zap.Logger

	engine *engine.Engine
	origin *origin.Upstream

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// NewOffsync builds the engine and the admin mux from cfg. The engine is
// not started.
func NewOffsync(cfg *Config, lg *zap.Logger) (*Offsync, error) {
	if err := cfg.Init(); err != nil {
		return nil, err
	}

	m := &Offsync{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}

	provider, err := newCacheProvider(&cfg.Cache, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to init cache backend, %w", err)
	}
	store, err := cachestore.New(cachestore.Opts{
		Provider:  provider,
		Retention: cfg.Cache.Retention,
		Logger:    lg.Named("cache"),
	})
	if err != nil {
		_ = provider.Close()
		return nil, err
	}

	q, err := openQueue(&cfg.Queue, lg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	closeAll := func() {
		_ = q.Close()
		_ = store.Close()
	}

	classifier, err := classify.NewClassifier(cfg.Classify)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("invalid classify rules, %w", err)
	}

	var manifest *lifecycle.Manifest
	if p := cfg.Lifecycle.Manifest; len(p) > 0 {
		if manifest, err = lifecycle.LoadManifest(p); err != nil {
			closeAll()
			return nil, err
		}
	}

	m.origin = origin.NewUpstream(origin.Opts{
		Timeout:     cfg.Engine.FetchTimeout,
		MaxBodySize: cfg.Engine.MaxBodySize,
		UserAgent:   cfg.Engine.UserAgent,
		Logger:      lg.Named("origin"),
	})

	m.engine, err = engine.New(engine.Opts{
		Store:      store,
		Upstream:   m.origin,
		Queue:      q,
		Classifier: classifier,
		Manifest:   manifest,
		Pool:       pool.WorkerPoolOpts{Size: cfg.Engine.Workers},
		Strategy: strategy.Opts{
			MaxAge:      cfg.Engine.MaxAge,
			VaryHeaders: cfg.Engine.VaryHeaders,
		},
		Coordinator: coordinator.Opts{
			Interval:      cfg.Sync.Interval,
			Concurrency:   cfg.Sync.Concurrency,
			ReplayTimeout: cfg.Sync.ReplayTimeout,
			Tags:          cfg.Sync.Tags,
		},
		Lifecycle: lifecycle.Opts{
			Origin:             cfg.Engine.Origin,
			ManifestPath:       cfg.Lifecycle.Manifest,
			ReloadDelay:        cfg.Lifecycle.ReloadDelay,
			EvictInterval:      cfg.Lifecycle.EvictInterval,
			FetchTimeout:       cfg.Engine.FetchTimeout,
			InstallConcurrency: cfg.Lifecycle.InstallConcurrency,
		},
		Connectivity: connectivity.Opts{
			CheckURL:     cfg.Connectivity.CheckURL,
			Interval:     cfg.Connectivity.Interval,
			Timeout:      cfg.Connectivity.Timeout,
			StartOffline: cfg.Connectivity.StartOffline,
		},
		Registerer: m.GetMetricsReg(),
		Logger:     lg.Named("engine"),
	})
	if err != nil {
		closeAll()
		_ = m.origin.Close()
		return nil, fmt.Errorf("failed to init engine, %w", err)
	}

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	registerEngineAPI(m.httpAPIMux, m.engine, lg.Named("api"))
	return m, nil
}

// RunOffsync runs the engine and its servers until stop is closed or one
// of the servers fails.
func RunOffsync(cfg *Config, stop <-chan struct{}) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.Replace(lg)

	m, err := NewOffsync(cfg, lg)
	if err != nil {
		return err
	}

	if err := m.engine.Start(context.Background()); err != nil {
		m.shutdown()
		return fmt.Errorf("failed to start engine, %w", err)
	}
	if len(cfg.Server.Addr) > 0 {
		if err := m.startProxyServer(&cfg.Server, cfg.Engine.Origin); err != nil {
			m.shutdown()
			return fmt.Errorf("failed to start proxy server, %w", err)
		}
	} else {
		lg.Warn("no proxy server is configured")
	}

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		m.sc.Attach(func(closeSignal <-chan struct{}) error {
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				return fmt.Errorf("api http server exited, %w", err)
			case <-closeSignal:
				return httpServer.Close()
			}
		})
	}

	select {
	case <-stop:
		lg.Info("shutting down")
	case <-m.sc.ReceiveCloseSignal():
	}
	return errors.Join(m.sc.Err(), m.shutdown())
}

func (m *Offsync) startProxyServer(sc *ServerConfig, originURL string) error {
	h, err := H.NewHandler(H.HandlerOpts{
		Engine:      m.engine,
		Origin:      originURL,
		SrcIPHeader: sc.SrcIPHeader,
		HealthPath:  sc.HealthPath,
		MaxBodySize: sc.MaxBodySize,
		Logger:      m.logger.Named("proxy"),
	})
	if err != nil {
		return err
	}
	s := server.NewServer(server.ServerOpts{
		Logger:        m.logger.Named("proxy"),
		HttpHandler:   h,
		Cert:          sc.Cert,
		Key:           sc.Key,
		KernelRX:      sc.KernelRX,
		KernelTX:      sc.KernelTX,
		IdleTimeout:   sc.IdleTimeout,
		ProxyProtocol: sc.ProxyProtocol,
	})
	l, err := net.Listen("tcp", sc.Addr)
	if err != nil {
		return err
	}

	started := m.sc.Attach(func(closeSignal <-chan struct{}) error {
		errChan := make(chan error, 1)
		go func() {
			errChan <- s.ServeHTTP(l)
		}()
		select {
		case err := <-errChan:
			return fmt.Errorf("proxy server exited, %w", err)
		case <-closeSignal:
			// In-flight mutations get a chance to reach the queue.
			ctx, cancel := context.WithTimeout(context.Background(), proxyDrainTimeout)
			defer cancel()
			return s.Shutdown(ctx)
		}
	})
	if !started {
		_ = l.Close()
		return errors.New("offsync is closing")
	}
	return nil
}

// shutdown stops the servers, then the engine.
func (m *Offsync) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := m.sc.CloseWait(ctx)
	err = errors.Join(err, m.engine.Shutdown(ctx))
	if cerr := m.origin.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (m *Offsync) GetEngine() *engine.Engine {
	return m.engine
}

func (m *Offsync) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("offsync_", m.metricsReg)
}

func (m *Offsync) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func newCacheProvider(cc *CacheConfig, lg *zap.Logger) (cache.Provider, error) {
	switch cc.Backend {
	case cacheBackendRedis:
		opt, err := redis.ParseURL(cc.Redis)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		opt.MaxRetries = -1
		client := redis.NewClient(opt)
		p, err := redis_cache.NewProvider(redis_cache.RedisCacheOpts{
			Client:        client,
			ClientCloser:  client,
			KeyPrefix:     cc.KeyPrefix,
			ClientTimeout: cc.RedisTimeout,
			Logger:        lg.Named("redis_cache"),
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return p, nil
	default:
		return mem_cache.NewProvider(mem_cache.Opts{Size: cc.Size, MaxBytes: cc.MaxBytes}), nil
	}
}

func openQueue(qc *QueueConfig, lg *zap.Logger) (*sqlite_queue.Queue, error) {
	q, err := sqlite_queue.Open(sqlite_queue.Opts{
		Path:        qc.Path,
		MaxAttempts: qc.MaxAttempts,
		LeaseTTL:    qc.LeaseTTL,
		Backoff:     syncqueue.Backoff{Base: qc.BackoffBase, Max: qc.BackoffMax},
		Logger:      lg.Named("queue"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sync queue %s, %w", qc.Path, err)
	}
	return q, nil
}
