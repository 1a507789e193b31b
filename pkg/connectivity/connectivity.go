package connectivity

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/offsync/pkg/pool"
	"github.com/pmkol/offsync/pkg/upstream"
)

var nopLogger = zap.NewNop()

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 5 * time.Second
)

type Opts struct {
	// CheckURL is requested with HEAD on every tick. Any response means the
	// origin is reachable. If empty, Run does not check and the state only
	// changes through Set.
	CheckURL string
	Interval time.Duration
	Timeout  time.Duration

	// Upstream is required when CheckURL is set.
	Upstream upstream.Upstream

	// StartOffline makes the monitor start in the offline state.
	StartOffline bool

	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.CheckURL != "" && opts.Upstream == nil {
		return errors.New("check url is set but upstream is nil")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Monitor tracks whether the origin is reachable and tells subscribers about
// transitions.
type Monitor struct {
	opts   Opts
	online atomic.Bool

	m    sync.Mutex // serializes transitions
	subs []func(online bool)
}

func NewMonitor(opts Opts) (*Monitor, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	m := &Monitor{opts: opts}
	m.online.Store(!opts.StartOffline)
	return m, nil
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Subscribe registers f to be called on every transition, in order.
// f must not call Set.
func (m *Monitor) Subscribe(f func(online bool)) {
	m.m.Lock()
	m.subs = append(m.subs, f)
	m.m.Unlock()
}

// Set changes the state and reports whether it was a transition.
func (m *Monitor) Set(online bool, reason string) bool {
	m.m.Lock()
	defer m.m.Unlock()
	if m.online.Load() == online {
		return false
	}
	m.online.Store(online)
	m.opts.Logger.Info("connectivity changed", zap.Bool("online", online), zap.String("reason", reason))
	for _, f := range m.subs {
		f(online)
	}
	return true
}

// Check requests CheckURL once and updates the state.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.opts.CheckURL == "" {
		return m.Online()
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	_, err := m.opts.Upstream.Fetch(ctx, &upstream.Request{
		Method: http.MethodHead,
		URL:    m.opts.CheckURL,
		Header: make(http.Header),
	})
	online := err == nil
	if err != nil && !errors.Is(err, upstream.ErrNetworkUnavailable) {
		m.opts.Logger.Debug("unexpected check error", zap.Error(err))
	}
	m.Set(online, "check")
	return online
}

// Run checks the origin every Interval until closeSignal is closed.
func (m *Monitor) Run(closeSignal <-chan struct{}) {
	if m.opts.CheckURL == "" {
		<-closeSignal
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-closeSignal
		cancel()
	}()

	t := pool.GetTimer(m.opts.Interval)
	defer pool.ReleaseTimer(t)
	for {
		select {
		case <-t.C:
			m.Check(ctx)
			pool.ResetAndDrainTimer(t, m.opts.Interval)
		case <-closeSignal:
			return
		}
	}
}
