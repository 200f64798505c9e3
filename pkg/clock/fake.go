package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Time stands still until Advance.
type Fake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	done     bool
}

// NewFake returns a Fake clock set to start.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &fakeWaiter{deadline: f.now.Add(d), ch: ch})
	f.cond.Broadcast()
	return ch
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{deadline: f.now.Add(d), fn: fn}
	if d <= 0 {
		w.done = true
		go fn()
		return &fakeTimer{clock: f, waiter: w}
	}
	f.waiters = append(f.waiters, w)
	f.cond.Broadcast()
	return &fakeTimer{clock: f, waiter: w}
}

// Advance moves time forward and fires every waiter whose deadline has
// passed, in deadline order. AfterFunc callbacks run on new goroutines.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due, pending []*fakeWaiter
	for _, w := range f.waiters {
		if w.done {
			continue
		}
		if !w.deadline.After(now) {
			w.done = true
			due = append(due, w)
			continue
		}
		pending = append(pending, w)
	}
	f.waiters = pending
	f.cond.Broadcast()
	f.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		if w.ch != nil {
			w.ch <- now
			continue
		}
		go w.fn()
	}
}

// Pending returns the number of unfired, unstopped waiters.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *Fake) pendingLocked() int {
	n := 0
	for _, w := range f.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

// WaitForWaiters blocks until at least n waiters are pending or timeout
// elapses in real time. It reports whether the count was reached.
func (f *Fake) WaitForWaiters(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	stop := time.AfterFunc(timeout, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer stop.Stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		if !time.Now().Before(deadline) {
			return false
		}
		f.cond.Wait()
	}
	return true
}

type fakeTimer struct {
	clock  *Fake
	waiter *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.waiter.done {
		return false
	}
	t.waiter.done = true
	t.clock.cond.Broadcast()
	return true
}
