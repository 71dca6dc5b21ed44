package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/nstack/netcore/pkg/corenet/errs"
)

// Timer is a single-shot callback scheduled on the stack-wide timer
// service. A canceled timer has Due zero.
type Timer struct {
	Hook  func(ctx context.Context, data any)
	Data  any
	Due   time.Time
	Flags uint32

	seq uint64
}

func timerLess(a, b *Timer) bool {
	if a.Due.Equal(b.Due) {
		return a.seq < b.seq
	}
	return a.Due.Before(b.Due)
}

type workerCtxKey struct{}

// TimerService runs exactly one worker goroutine that sleeps until the
// nearest due timer, fires everything due, and repeats. Timers are ordered
// by (due, insertion sequence) in a btree so "nearest due" is a Min() query.
type TimerService struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*Timer]
	seq  uint64
	wake chan struct{}
	fire chan struct{} // closed and replaced after each fire round, for WaitForTimer

	cancel context.CancelFunc
	done   chan struct{}
}

func NewTimerService() *TimerService {
	s := &TimerService{
		tree: btree.NewG(32, timerLess),
		wake: make(chan struct{}, 1),
		fire: make(chan struct{}),
	}
	return s
}

// Run starts the worker; it exits when ctx is canceled.
func (s *TimerService) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop cancels the worker and waits for it to exit.
func (s *TimerService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *TimerService) loop(ctx context.Context) {
	defer close(s.done)
	for {
		sleep := s.sleepDuration()
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
		s.fireDue(workerContext())
	}
}

func workerContext() context.Context {
	return context.WithValue(context.Background(), workerCtxKey{}, true)
}

func (s *TimerService) sleepDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	min, ok := s.tree.Min()
	if !ok {
		return time.Hour
	}
	d := time.Until(min.Due)
	if d < 0 {
		return 0
	}
	return d
}

func (s *TimerService) fireDue(ctx context.Context) {
	now := time.Now()
	for {
		s.mu.Lock()
		min, ok := s.tree.Min()
		if !ok || min.Due.After(now) {
			s.mu.Unlock()
			break
		}
		s.tree.Delete(min)
		s.mu.Unlock()

		if min.Hook != nil {
			min.Hook(ctx, min.Data)
		}
	}
	s.mu.Lock()
	close(s.fire)
	s.fire = make(chan struct{})
	s.mu.Unlock()
}

// SetTimer (re)schedules t for due, or cancels it when due is zero (Flags
// carries caller intent; a negative delay is expressed by the caller
// passing a zero Due). A due time already in the past fires on the
// worker's next round.
func (s *TimerService) SetTimer(t *Timer, due time.Time) {
	s.mu.Lock()
	s.tree.Delete(t)
	t.seq = s.seq
	s.seq++
	t.Due = due
	if !due.IsZero() {
		s.tree.ReplaceOrInsert(t)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CancelTimer removes t if still pending.
func (s *TimerService) CancelTimer(t *Timer) {
	s.mu.Lock()
	s.tree.Delete(t)
	t.Due = time.Time{}
	s.mu.Unlock()
}

// WaitForTimer blocks until the next fire round completes. Calling it from
// the timer worker's own hook (ctx derived from the hook callback) fails
// with ErrBadValue, matching the source's reentrancy guard.
func (s *TimerService) WaitForTimer(ctx context.Context) error {
	if v, _ := ctx.Value(workerCtxKey{}).(bool); v {
		return errs.ErrBadValue
	}
	s.mu.Lock()
	ch := s.fire
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errs.ErrInterrupted
	}
}
