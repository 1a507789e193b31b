package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNonRetriable marks a replay failure that must not be retried.
	ErrNonRetriable = errors.New("non-retriable replay failure")

	// ErrNotFound is returned for an unknown id or an item that is not in
	// the state an operation requires.
	ErrNotFound = errors.New("queued mutation not found")
)

// Status of a queued mutation.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInflight        Status = "inflight"
	StatusFailedTransient Status = "failed-transient"
	StatusDead            Status = "dead"
)

// Mutation is a state-changing request waiting to be replayed.
type Mutation struct {
	ID       int64       `json:"id" yaml:"id"`
	URL      string      `json:"url" yaml:"url"`
	Method   string      `json:"method" yaml:"method"`
	Header   http.Header `json:"header,omitempty" yaml:"header,omitempty"`
	Body     []byte      `json:"body,omitempty" yaml:"-"`
	Endpoint string      `json:"endpoint" yaml:"endpoint"`

	EnqueuedAt     time.Time `json:"enqueued_at" yaml:"enqueued_at"`
	Attempts       int       `json:"attempts" yaml:"attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at" yaml:"next_attempt_at"`
	Status         Status    `json:"status" yaml:"status"`
	LastError      string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero" yaml:"lease_expires_at,omitempty"`
	DeadAt         time.Time `json:"dead_at,omitzero" yaml:"dead_at,omitempty"`
}

// EndpointOf returns the endpoint identity of rawURL, its path. Mutations
// to the same endpoint are replayed in enqueue order.
func EndpointOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Path == "" {
		return "/", nil
	}
	return u.Path, nil
}

// Stats counts queued mutations by status.
type Stats struct {
	Pending         int `json:"pending" yaml:"pending"`
	Inflight        int `json:"inflight" yaml:"inflight"`
	FailedTransient int `json:"failed_transient" yaml:"failed_transient"`
	Dead            int `json:"dead" yaml:"dead"`
}

// Ready is the number of items that are not dead-lettered.
func (s Stats) Ready() int {
	return s.Pending + s.Inflight + s.FailedTransient
}

// Queue is a durable FIFO-per-endpoint queue of mutations.
type Queue interface {
	// Enqueue appends m and returns its id. m.Endpoint is derived from
	// m.URL when empty.
	Enqueue(ctx context.Context, m *Mutation) (int64, error)

	// DequeueNextReady atomically claims the oldest item of an endpoint
	// whose earlier items are all done, moving it to inflight. Only
	// endpoints with one of prefixes are considered if any is given.
	// It returns nil, nil when nothing is ready.
	DequeueNextReady(ctx context.Context, now time.Time, prefixes ...string) (*Mutation, error)

	// MarkSucceeded removes an inflight item.
	MarkSucceeded(ctx context.Context, id int64) error

	// MarkFailed records a failed replay of an inflight item. The item is
	// dead-lettered if permanent or out of attempts, otherwise scheduled
	// for a retry with backoff.
	MarkFailed(ctx context.Context, id int64, permanent bool, cause error) error

	Get(ctx context.Context, id int64) (*Mutation, error)
	ListDead(ctx context.Context) ([]*Mutation, error)

	// Requeue moves a dead item back to pending with a fresh attempt count.
	Requeue(ctx context.Context, id int64) error
	PurgeDead(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)

	io.Closer
}

// Backoff computes retry delays as Base * 2^attempts capped at Max, with
// up to half of the delay removed as jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempts int) time.Duration {
	base, maxDelay := b.Base, b.Max
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	d := base
	for i := 0; i < attempts && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half+1))
}

// Export writes mutations as yaml or json.
func Export(w io.Writer, format string, ms []*Mutation) error {
	if ms == nil {
		ms = []*Mutation{}
	}
	switch format {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(ms); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ms)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}
