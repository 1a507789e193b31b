package cache

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pmkol/offsync/pkg/classify"
)

var (
	// ErrQuotaExceeded is returned by Backend.Store when the backend has no
	// room for a new entry.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrCorrupt is returned by Backend.Get when the stored entry can not be
	// decoded. Callers treat it as a miss and delete the entry.
	ErrCorrupt = errors.New("cache entry corrupted")
)

// Priority is the eviction-exemption tier of an entry.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	// PriorityCritical entries are never removed by Evict.
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Entry is a cached response.
type Entry struct {
	Key            Key
	Payload        []byte
	ContentType    string
	Status         int
	Header         http.Header
	StoredAt       time.Time
	LastAccessedAt time.Time
	Priority       Priority
	Class          classify.Class
}

// Clone returns a shallow copy of e with its own Header map.
// Payload is shared since entries are never modified in place.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	return &c
}

// Size is the number of bytes e accounts for in a quota.
func (e *Entry) Size() int {
	n := len(e.Payload) + len(e.ContentType) + len(e.Key.URL) + len(e.Key.Vary)
	for k, vs := range e.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return n
}

// Newer reports whether e should replace old under last-write-wins.
func (e *Entry) Newer(old *Entry) bool {
	return old == nil || !e.StoredAt.Before(old.StoredAt)
}

// Backend stores the entries of one physical namespace.
// Implementations must be safe for concurrent use. Operations on the same
// key are atomic.
type Backend interface {
	// Get returns the entry of key and sets its LastAccessedAt to now.
	// A missing key returns nil, nil. An undecodable entry returns
	// ErrCorrupt.
	Get(key string) (*Entry, error)

	// Store writes e under key unless the existing entry has a later
	// StoredAt, in which case stored is false and e is discarded.
	Store(key string, e *Entry) (stored bool, err error)

	Delete(key string) error

	// Evict removes entries whose LastAccessedAt is before cutoff unless
	// their priority is critical.
	Evict(cutoff time.Time) (removed int, err error)

	// Range calls f for every entry until f returns false. Entries are
	// not touched.
	Range(f func(key string, e *Entry) bool) error

	// Clear removes every entry.
	Clear() error

	Len() int

	io.Closer
}

// Provider opens the backend of a physical namespace and lists the
// namespaces it knows about.
type Provider interface {
	Open(namespace string) (Backend, error)

	// Drop clears and forgets a namespace.
	Drop(namespace string) error

	// List returns the physical namespaces that currently hold data.
	List() ([]string, error)

	io.Closer
}
