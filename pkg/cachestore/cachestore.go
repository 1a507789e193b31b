package cachestore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/offsync/pkg/cache"
)

var (
	// ErrCutoverIncomplete is returned when a new namespace version could
	// not be fully populated. The previous version is still current and
	// nothing of the new version is kept.
	ErrCutoverIncomplete = errors.New("namespace cutover incomplete")

	// ErrNoNamespace is returned for a logical namespace that has no
	// current version.
	ErrNoNamespace = errors.New("no such namespace")
)

var nopLogger = zap.NewNop()

const defaultRetention = 7 * 24 * time.Hour

// State of a physical namespace.
type State string

const (
	StateCurrent State = "current"
	StateStaged  State = "staged"
	// StateOrphan namespaces are held by the backend but belong to no
	// current or staged version. Purge removes them.
	StateOrphan State = "orphan"
)

// PhysicalName is the backend name of version of a logical namespace.
func PhysicalName(name, version string) string {
	return name + "-" + version
}

type Opts struct {
	// Provider cannot be nil.
	Provider cache.Provider

	// Retention is how long an entry survives without being read.
	// Default is 7 days.
	Retention time.Duration

	Now    func() time.Time
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Provider == nil {
		return errors.New("nil cache provider")
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Store is a set of named, versioned cache namespaces on top of a
// cache.Provider. Each logical namespace has at most one current and one
// staged version.
type Store struct {
	opts Opts

	m       sync.RWMutex
	current map[string]string
	staged  map[string]string
}

func New(opts Opts) (*Store, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Store{
		opts:    opts,
		current: make(map[string]string),
		staged:  make(map[string]string),
	}, nil
}

// withCurrent runs f on the backend of the current version of name. The
// version can not be promoted away and dropped while f runs.
func (s *Store) withCurrent(name string, f func(b cache.Backend) error) error {
	s.m.RLock()
	defer s.m.RUnlock()
	v, ok := s.current[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoNamespace, name)
	}
	b, err := s.opts.Provider.Open(PhysicalName(name, v))
	if err != nil {
		return err
	}
	return f(b)
}

// Use makes version the current version of name without populating or
// dropping anything.
func (s *Store) Use(name, version string) error {
	if _, err := s.opts.Provider.Open(PhysicalName(name, version)); err != nil {
		return err
	}
	s.m.Lock()
	s.current[name] = version
	s.m.Unlock()
	return nil
}

// Current returns the current version of name.
func (s *Store) Current(name string) (string, bool) {
	s.m.RLock()
	defer s.m.RUnlock()
	v, ok := s.current[name]
	return v, ok
}

// Get returns the entry of key in the current version of name, or nil on a
// miss. A corrupted entry is deleted and reported as a miss.
func (s *Store) Get(name string, key cache.Key) (e *cache.Entry, err error) {
	err = s.withCurrent(name, func(b cache.Backend) error {
		k := key.String()
		var getErr error
		e, getErr = b.Get(k)
		if errors.Is(getErr, cache.ErrCorrupt) {
			s.opts.Logger.Warn("dropping corrupted entry", zap.String("namespace", name), zap.String("key", k), zap.Error(getErr))
			if err := b.Delete(k); err != nil {
				s.opts.Logger.Warn("failed to delete corrupted entry", zap.String("key", k), zap.Error(err))
			}
			e = nil
			return nil
		}
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Put upserts e under key in the current version of name. An older write
// than the stored one is discarded and stored is false. When the backend is
// out of quota, the namespace is evicted and the write retried once.
func (s *Store) Put(name string, key cache.Key, e *cache.Entry) (stored bool, err error) {
	err = s.withCurrent(name, func(b cache.Backend) error {
		var putErr error
		stored, putErr = s.put(name, b, key, e)
		return putErr
	})
	return stored, err
}

func (s *Store) put(name string, b cache.Backend, key cache.Key, e *cache.Entry) (bool, error) {
	e.Key = key
	k := key.String()
	stored, err := b.Store(k, e)
	if err == nil || !errors.Is(err, cache.ErrQuotaExceeded) {
		return stored, err
	}
	n, evictErr := b.Evict(s.opts.Now().Add(-s.opts.Retention))
	if evictErr != nil {
		return false, fmt.Errorf("%w, eviction failed: %v", err, evictErr)
	}
	s.opts.Logger.Info("quota exceeded, namespace evicted", zap.String("namespace", name), zap.Int("removed", n))
	return b.Store(k, e)
}

func (s *Store) Delete(name string, key cache.Key) error {
	return s.withCurrent(name, func(b cache.Backend) error {
		return b.Delete(key.String())
	})
}

// Range calls f for the entries of the current version of name. The
// entries are collected first, so f may call back into the Store.
func (s *Store) Range(name string, f func(e *cache.Entry) bool) error {
	var es []*cache.Entry
	err := s.withCurrent(name, func(b cache.Backend) error {
		return b.Range(func(_ string, e *cache.Entry) bool {
			es = append(es, e)
			return true
		})
	})
	if err != nil {
		return err
	}
	for _, e := range es {
		if !f(e) {
			break
		}
	}
	return nil
}

// Evict removes entries of the current version of name that were not read
// within the retention window. Critical entries are kept.
func (s *Store) Evict(name string) (n int, err error) {
	err = s.withCurrent(name, func(b cache.Backend) error {
		var evictErr error
		n, evictErr = b.Evict(s.opts.Now().Add(-s.opts.Retention))
		return evictErr
	})
	return n, err
}

// EvictAll runs Evict on every current namespace.
func (s *Store) EvictAll() (int, error) {
	var total int
	var errs []error
	for _, name := range s.currentNames() {
		n, err := s.Evict(name)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return total, errors.Join(errs...)
}

func (s *Store) currentNames() []string {
	s.m.RLock()
	defer s.m.RUnlock()
	names := make([]string, 0, len(s.current))
	for n := range s.current {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Writer populates a staged namespace version.
type Writer struct {
	s    *Store
	name string
	b    cache.Backend
}

func (w *Writer) Put(key cache.Key, e *cache.Entry) error {
	_, err := w.s.put(w.name, w.b, key, e)
	return err
}

// Stage builds version of name with populate without making it current.
// If populate fails the partial version is dropped and the error wraps
// ErrCutoverIncomplete.
func (s *Store) Stage(name, version string, populate func(w *Writer) error) error {
	s.m.Lock()
	if s.current[name] == version {
		s.m.Unlock()
		return fmt.Errorf("%s is already the current version of %s", version, name)
	}
	if v, ok := s.staged[name]; ok && v != version {
		s.m.Unlock()
		if err := s.Discard(name, v); err != nil {
			return err
		}
		s.m.Lock()
	}
	s.staged[name] = version
	s.m.Unlock()

	phys := PhysicalName(name, version)
	b, err := s.opts.Provider.Open(phys)
	if err == nil {
		err = populate(&Writer{s: s, name: name, b: b})
	}
	if err != nil {
		if dropErr := s.Discard(name, version); dropErr != nil {
			s.opts.Logger.Error("failed to drop partial namespace", zap.String("namespace", phys), zap.Error(dropErr))
		}
		return fmt.Errorf("%w: %s: %v", ErrCutoverIncomplete, phys, err)
	}
	return nil
}

// Staged returns the staged version of name.
func (s *Store) Staged(name string) (string, bool) {
	s.m.RLock()
	defer s.m.RUnlock()
	v, ok := s.staged[name]
	return v, ok
}

// Discard drops the staged version of name.
func (s *Store) Discard(name, version string) error {
	s.m.Lock()
	if s.staged[name] == version {
		delete(s.staged, name)
	}
	s.m.Unlock()
	return s.opts.Provider.Drop(PhysicalName(name, version))
}

// Promote makes the staged version of name current and drops the previous
// current version. Reads and writes of name wait for the drop, so none of
// them lands in the previous version afterwards.
func (s *Store) Promote(name, version string) error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.staged[name] != version {
		return fmt.Errorf("%w: %s is not staged", ErrNoNamespace, PhysicalName(name, version))
	}
	prev, hadPrev := s.current[name]
	s.current[name] = version
	delete(s.staged, name)

	if hadPrev && prev != version {
		if err := s.opts.Provider.Drop(PhysicalName(name, prev)); err != nil {
			return fmt.Errorf("failed to drop %s: %w", PhysicalName(name, prev), err)
		}
	}
	return nil
}

// Cutover populates version to of name and makes it current, replacing
// from. On failure from stays current and the error wraps
// ErrCutoverIncomplete.
func (s *Store) Cutover(name, from, to string, populate func(w *Writer) error) error {
	if cur, ok := s.Current(name); from != "" && (!ok || cur != from) {
		return fmt.Errorf("%w: %s", ErrNoNamespace, PhysicalName(name, from))
	}
	if err := s.Stage(name, to, populate); err != nil {
		return err
	}
	return s.Promote(name, to)
}

// Clear removes every entry of a physical namespace. The namespace stays
// registered.
func (s *Store) Clear(physical string) error {
	names, err := s.opts.Provider.List()
	if err != nil {
		return err
	}
	i := sort.SearchStrings(names, physical)
	if i == len(names) || names[i] != physical {
		if !s.registered(physical) {
			return fmt.Errorf("%w: %s", ErrNoNamespace, physical)
		}
	}
	return s.opts.Provider.Drop(physical)
}

func (s *Store) registered(physical string) bool {
	s.m.RLock()
	defer s.m.RUnlock()
	for n, v := range s.current {
		if PhysicalName(n, v) == physical {
			return true
		}
	}
	for n, v := range s.staged {
		if PhysicalName(n, v) == physical {
			return true
		}
	}
	return false
}

// NamespaceInfo describes a physical namespace.
type NamespaceInfo struct {
	Physical string `json:"physical" yaml:"physical"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	State    State  `json:"state" yaml:"state"`
	Entries  int    `json:"entries" yaml:"entries"`
}

// Namespaces lists current, staged and orphaned physical namespaces sorted
// by physical name.
func (s *Store) Namespaces() ([]NamespaceInfo, error) {
	held, err := s.opts.Provider.List()
	if err != nil {
		return nil, err
	}

	byPhys := make(map[string]NamespaceInfo)
	s.m.RLock()
	for n, v := range s.current {
		p := PhysicalName(n, v)
		byPhys[p] = NamespaceInfo{Physical: p, Name: n, Version: v, State: StateCurrent}
	}
	for n, v := range s.staged {
		p := PhysicalName(n, v)
		byPhys[p] = NamespaceInfo{Physical: p, Name: n, Version: v, State: StateStaged}
	}
	s.m.RUnlock()
	for _, p := range held {
		if _, ok := byPhys[p]; !ok {
			byPhys[p] = NamespaceInfo{Physical: p, State: StateOrphan}
		}
	}

	out := make([]NamespaceInfo, 0, len(byPhys))
	for p, info := range byPhys {
		if b, err := s.opts.Provider.Open(p); err == nil {
			info.Entries = b.Len()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Physical < out[j].Physical })
	return out, nil
}

// Purge drops every physical namespace that is neither current nor staged.
func (s *Store) Purge() ([]string, error) {
	held, err := s.opts.Provider.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs []error
	for _, p := range held {
		if s.registered(p) {
			continue
		}
		if err := s.opts.Provider.Drop(p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		removed = append(removed, p)
	}
	if len(removed) > 0 {
		s.opts.Logger.Info("purged namespaces", zap.Strings("namespaces", removed))
	}
	return removed, errors.Join(errs...)
}

// Close closes the provider.
func (s *Store) Close() error {
	return s.opts.Provider.Close()
}
