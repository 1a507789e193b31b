package safe_close

import (
	"context"
	"sync"
)

// SafeClose runs a group of background tasks that stop together.
//
//  1. Tasks are started by Attach and must return after the close signal.
//  2. A task that returns a non-nil error sends the close signal with that
//     error, stopping the others.
//  3. CloseWait sends the close signal and waits for every task. It must
//     not be called from inside a task.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	closeErr    error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
	}
}

// CloseWait sends a close signal and waits until all attached tasks
// returned or ctx is done. It is concurrent safe and can be called
// multiple times.
func (s *SafeClose) CloseWait(ctx context.Context) error {
	s.SendCloseSignal(nil)
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCloseSignal sends a close signal. Only the first non-nil err sent
// before the signal is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
		return
	default:
		if err != nil {
			s.closeErr = err
		}
		close(s.closeSignal)
	}
}

// Err returns the error the group was closed with.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Closed reports whether the close signal was sent.
func (s *SafeClose) Closed() bool {
	select {
	case <-s.closeSignal:
		return true
	default:
		return false
	}
}

// Attach runs f in a new goroutine tracked by CloseWait. If s was closed,
// f will not run and Attach returns false.
func (s *SafeClose) Attach(f func(closeSignal <-chan struct{}) error) bool {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return false
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go func() {
		defer s.wg.Done()
		if err := f(s.closeSignal); err != nil {
			s.SendCloseSignal(err)
		}
	}()
	return true
}
