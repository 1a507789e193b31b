package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind is the type of an Event.
type Kind string

const (
	OfflineEntered Kind = "offline-entered"
	OnlineRestored Kind = "online-restored"
	SyncSucceeded  Kind = "sync-succeeded"
	SyncFailed     Kind = "sync-failed"
)

// Event is a user facing status message.
type Event struct {
	Kind    Kind      `json:"kind" yaml:"kind"`
	Message string    `json:"message" yaml:"message"`
	At      time.Time `json:"at" yaml:"at"`
}

// Notifier delivers events to a display surface. Notify must not block.
type Notifier interface {
	Notify(e Event)
}

// Func adapts a function to Notifier.
type Func func(e Event)

func (f Func) Notify(e Event) { f(e) }

// LogNotifier writes events to a logger.
type LogNotifier struct {
	L *zap.Logger
}

func (n LogNotifier) Notify(e Event) {
	lvl := zap.InfoLevel
	if e.Kind == SyncFailed || e.Kind == OfflineEntered {
		lvl = zap.WarnLevel
	}
	if ce := n.L.Check(lvl, e.Message); ce != nil {
		ce.Write(zap.String("kind", string(e.Kind)), zap.Time("at", e.At))
	}
}

// Broadcaster sends every event to all of its notifiers.
type Broadcaster struct {
	m  sync.RWMutex
	ns []Notifier
}

func NewBroadcaster(ns ...Notifier) *Broadcaster {
	return &Broadcaster{ns: ns}
}

func (b *Broadcaster) Add(n Notifier) {
	b.m.Lock()
	b.ns = append(b.ns, n)
	b.m.Unlock()
}

func (b *Broadcaster) Notify(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.m.RLock()
	defer b.m.RUnlock()
	for _, n := range b.ns {
		n.Notify(e)
	}
}

// Recent keeps the last events in memory.
type Recent struct {
	m    sync.Mutex
	buf  []Event
	next int
	full bool
}

const defaultRecentSize = 64

func NewRecent(size int) *Recent {
	if size <= 0 {
		size = defaultRecentSize
	}
	return &Recent{buf: make([]Event, size)}
}

func (r *Recent) Notify(e Event) {
	r.m.Lock()
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.m.Unlock()
}

// Events returns the kept events, oldest first.
func (r *Recent) Events() []Event {
	r.m.Lock()
	defer r.m.Unlock()
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
