package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/offsync/pkg/notify"
	"github.com/pmkol/offsync/pkg/pool"
	"github.com/pmkol/offsync/pkg/syncqueue"
	"github.com/pmkol/offsync/pkg/upstream"
)

var nopLogger = zap.NewNop()

const (
	defaultInterval      = 5 * time.Minute
	defaultConcurrency   = 4

	// DefaultReplayTimeout is used when Opts.ReplayTimeout is not set.
	DefaultReplayTimeout = 30 * time.Second

	// TagAll drains every endpoint.
	TagAll = "api-sync"
)

// DefaultTags maps background sync tags to the endpoint prefixes they drain.
// An empty prefix list drains everything.
func DefaultTags() map[string][]string {
	return map[string][]string{
		TagAll:              nil,
		"template-usage":    {"/api/analytics/template-usage"},
		"progress-tracking": {"/api/user/progress"},
		"content-analytics": {"/api/analytics/content", "/api/analytics/events"},
	}
}

// Trigger is what started a sync pass.
type Trigger string

const (
	TriggerConnectivity Trigger = "connectivity-restored"
	TriggerPeriodic     Trigger = "periodic"
	TriggerSyncNow      Trigger = "sync-now"
	TriggerTag          Trigger = "tag"
)

// SyncSession summarizes one drain pass.
type SyncSession struct {
	StartedAt    time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time `json:"finished_at" yaml:"finished_at"`
	Trigger      Trigger   `json:"trigger" yaml:"trigger"`
	Prefixes     []string  `json:"prefixes,omitempty" yaml:"prefixes,omitempty"`
	DrainedCount int       `json:"drained" yaml:"drained"`
	FailedCount  int       `json:"failed" yaml:"failed"`
	DeadCount    int       `json:"dead" yaml:"dead"`
}

type Opts struct {
	// Queue and Upstream cannot be nil.
	Queue    syncqueue.Queue
	Upstream upstream.Upstream

	// Interval of the periodic fallback pass. Default is 5m, negative
	// disables it.
	Interval time.Duration

	// Concurrency is the number of endpoints drained in parallel.
	Concurrency int

	ReplayTimeout time.Duration

	// Tags overrides DefaultTags.
	Tags map[string][]string

	// Online reports the connectivity state. Periodic passes are skipped
	// while offline. Default is always online.
	Online func() bool

	Notifier notify.Notifier

	// AfterRestore runs after a pass started by TriggerConnectivity.
	AfterRestore func()

	Registerer prometheus.Registerer
	Now        func() time.Time
	Logger     *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Queue == nil {
		return errors.New("nil queue")
	}
	if opts.Upstream == nil {
		return errors.New("nil upstream")
	}
	if opts.Interval == 0 {
		opts.Interval = defaultInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.ReplayTimeout <= 0 {
		opts.ReplayTimeout = DefaultReplayTimeout
	}
	if opts.Tags == nil {
		opts.Tags = DefaultTags()
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Func(func(notify.Event) {})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Coordinator replays queued mutations. Passes never overlap.
type Coordinator struct {
	opts Opts

	passM sync.Mutex
	last  atomic.Pointer[SyncSession]

	kick           chan Trigger
	restorePending atomic.Bool

	passes  *prometheus.CounterVec
	replays *prometheus.CounterVec
}

func New(opts Opts) (*Coordinator, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		opts: opts,
		kick: make(chan Trigger, 1),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_passes_total",
			Help: "The total number of sync passes by trigger",
		}, []string{"trigger"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_replays_total",
			Help: "The total number of mutation replays by result",
		}, []string{"result"}),
	}
	if r := opts.Registerer; r != nil {
		for _, col := range []prometheus.Collector{c.passes, c.replays} {
			if err := r.Register(col); err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
		}
	}
	return c, nil
}

// Tags returns the known sync tags, sorted.
func (c *Coordinator) Tags() []string {
	out := make([]string, 0, len(c.opts.Tags))
	for t := range c.opts.Tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Last returns the most recent finished pass, or nil.
func (c *Coordinator) Last() *SyncSession {
	return c.last.Load()
}

// Kick asks Run for a pass. Requests made while one is pending are
// merged into it.
func (c *Coordinator) Kick(t Trigger) {
	if t == TriggerConnectivity {
		c.restorePending.Store(true)
	}
	select {
	case c.kick <- t:
	default:
	}
}

// SyncNow is Kick(TriggerSyncNow).
func (c *Coordinator) SyncNow() {
	c.Kick(TriggerSyncNow)
}

// OnConnectivity is a connectivity subscriber.
func (c *Coordinator) OnConnectivity(online bool) {
	if online {
		c.Kick(TriggerConnectivity)
	}
}

// SyncTag drains the endpoints of a background sync tag. An unknown tag is
// logged and ignored, the returned session is nil.
func (c *Coordinator) SyncTag(ctx context.Context, tag string) (*SyncSession, error) {
	prefixes, ok := c.opts.Tags[tag]
	if !ok {
		c.opts.Logger.Warn("unknown sync tag", zap.String("tag", tag))
		return nil, nil
	}
	return c.Drain(ctx, TriggerTag, prefixes...)
}

// Run serves kicks and the periodic timer until closeSignal is closed.
func (c *Coordinator) Run(closeSignal <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-closeSignal
		cancel()
	}()

	var tick <-chan time.Time
	var t *time.Timer
	if c.opts.Interval > 0 {
		t = pool.GetTimer(c.opts.Interval)
		defer pool.ReleaseTimer(t)
		tick = t.C
	}
	for {
		select {
		case <-tick:
			if c.opts.Online() {
				c.pass(ctx, TriggerPeriodic)
			}
			pool.ResetAndDrainTimer(t, c.opts.Interval)
		case trig := <-c.kick:
			c.pass(ctx, trig)
		case <-closeSignal:
			return
		}
	}
}

func (c *Coordinator) pass(ctx context.Context, trig Trigger) {
	restore := c.restorePending.Swap(false)
	if restore {
		trig = TriggerConnectivity
	}
	if _, err := c.Drain(ctx, trig); err != nil {
		c.opts.Logger.Warn("sync pass failed", zap.String("trigger", string(trig)), zap.Error(err))
	}
	if restore && c.opts.AfterRestore != nil {
		c.opts.AfterRestore()
	}
}

// Drain replays ready mutations until none is ready. Endpoints are drained
// in parallel, each one strictly in enqueue order. A network failure ends
// the pass early.
func (c *Coordinator) Drain(ctx context.Context, trig Trigger, prefixes ...string) (*SyncSession, error) {
	c.passM.Lock()
	defer c.passM.Unlock()

	s := &SyncSession{
		StartedAt: c.opts.Now(),
		Trigger:   trig,
		Prefixes:  prefixes,
	}
	c.passes.WithLabelValues(string(trig)).Inc()

	var drained, failed, dead atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.Concurrency; i++ {
		g.Go(func() error {
			for {
				if err := gCtx.Err(); err != nil {
					return err
				}
				m, err := c.opts.Queue.DequeueNextReady(gCtx, c.opts.Now(), prefixes...)
				if err != nil {
					return fmt.Errorf("dequeue: %w", err)
				}
				if m == nil {
					return nil
				}
				res, err := c.replay(gCtx, m)
				switch res {
				case resultSucceeded:
					drained.Add(1)
				case resultDead:
					dead.Add(1)
				default:
					failed.Add(1)
				}
				if err != nil {
					return err
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, upstream.ErrNetworkUnavailable) {
		c.opts.Logger.Info("network unavailable, sync pass stopped", zap.Error(err))
		err = nil
	}

	s.FinishedAt = c.opts.Now()
	s.DrainedCount = int(drained.Load())
	s.FailedCount = int(failed.Load())
	s.DeadCount = int(dead.Load())
	c.last.Store(s)
	c.report(s)
	return s, err
}

type replayResult int

const (
	resultSucceeded replayResult = iota
	resultTransient
	resultDead
)

// replay sends m and records the outcome. The returned error is non-nil
// only if the pass should stop.
func (c *Coordinator) replay(ctx context.Context, m *syncqueue.Mutation) (replayResult, error) {
	logger := c.opts.Logger.With(zap.Int64("id", m.ID), zap.String("method", m.Method), zap.String("url", m.URL))

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.ReplayTimeout)
	res, fetchErr := c.opts.Upstream.Fetch(fetchCtx, &upstream.Request{
		Method: m.Method,
		URL:    m.URL,
		Header: m.Header.Clone(),
		Body:   m.Body,
	})
	cancel()

	// Outcomes are recorded even if ctx is done so that no item is left
	// inflight until its lease expires.
	markCtx := context.WithoutCancel(ctx)

	if fetchErr == nil && res.OK() {
		c.replays.WithLabelValues("succeeded").Inc()
		logger.Debug("mutation replayed")
		if err := c.opts.Queue.MarkSucceeded(markCtx, m.ID); err != nil {
			return resultSucceeded, fmt.Errorf("mark succeeded: %w", err)
		}
		return resultSucceeded, nil
	}

	permanent := false
	var cause error
	switch {
	case fetchErr != nil:
		cause = fetchErr
	case retriableStatus(res.Status):
		cause = fmt.Errorf("origin returned status %d", res.Status)
	default:
		permanent = true
		cause = fmt.Errorf("%w: origin returned status %d", syncqueue.ErrNonRetriable, res.Status)
	}

	if err := c.opts.Queue.MarkFailed(markCtx, m.ID, permanent, cause); err != nil {
		return resultTransient, fmt.Errorf("mark failed: %w", err)
	}

	result := resultTransient
	if permanent {
		result = resultDead
	} else if after, err := c.opts.Queue.Get(markCtx, m.ID); err == nil && after.Status == syncqueue.StatusDead {
		result = resultDead
	}
	if result == resultDead {
		c.replays.WithLabelValues("dead").Inc()
		logger.Warn("mutation dead-lettered", zap.Error(cause))
	} else {
		c.replays.WithLabelValues("transient").Inc()
		logger.Info("mutation replay failed, will retry", zap.Error(cause))
	}

	if fetchErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		if errors.Is(fetchErr, upstream.ErrNetworkUnavailable) {
			return result, fetchErr
		}
	}
	return result, nil
}

// retriableStatus reports whether a failed replay with status may succeed
// later.
func retriableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func (c *Coordinator) report(s *SyncSession) {
	logger := c.opts.Logger
	logger.Info("sync pass finished",
		zap.String("trigger", string(s.Trigger)),
		zap.Int("drained", s.DrainedCount),
		zap.Int("failed", s.FailedCount),
		zap.Int("dead", s.DeadCount),
		zap.Duration("elapsed", s.FinishedAt.Sub(s.StartedAt)),
	)
	if s.DrainedCount > 0 {
		c.opts.Notifier.Notify(notify.Event{
			Kind:    notify.SyncSucceeded,
			Message: fmt.Sprintf("Data synchronized successfully (%d changes)", s.DrainedCount),
			At:      s.FinishedAt,
		})
	}
	if s.FailedCount > 0 || s.DeadCount > 0 {
		msg := "Sync failed - will retry later"
		if s.DeadCount > 0 {
			msg = fmt.Sprintf("Sync failed - %d changes were rejected", s.DeadCount)
		}
		c.opts.Notifier.Notify(notify.Event{
			Kind:    notify.SyncFailed,
			Message: msg,
			At:      s.FinishedAt,
		})
	}
}
