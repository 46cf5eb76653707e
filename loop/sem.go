package loop

import "sync"

// semWaiterHandle is a shared wait-handle indirection: Signal and a Killer
// both need to be able to reach a blocked task's slot in the semaphore's
// waiter list without racing each other, so the handle (not the raw *Task)
// is what actually lives in the list.
type semWaiterHandle struct {
	task    *Task
	sem     *Semaphore
	spliced bool // true once removed from the waiter list by Signal or a killer
}

// Semaphore is a counting semaphore whose blocked waiters resume through the
// owning Pool's ready queue rather than being woken directly.
type Semaphore struct {
	mu      sync.Mutex
	pool    *Pool
	counter int64
	waiters []*semWaiterHandle
}

// NewSemaphore creates a semaphore with the given initial counter value,
// owned by p.
func (p *Pool) NewSemaphore(initial int64) *Semaphore {
	return &Semaphore{pool: p, counter: initial}
}

// TryDecrement decrements the counter and returns true if it was positive,
// without blocking.
func (s *Semaphore) TryDecrement() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counter > 0 {
		s.counter--
		return true
	}
	return false
}

// NumWaiters reports how many tasks are currently parked on s.
func (s *Semaphore) NumWaiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Wait blocks t until the semaphore can be decremented, FIFO among
// concurrent waiters. It returns whatever error woke the task early (from a
// Killer), or nil on an ordinary Signal-driven wakeup.
func (s *Semaphore) Wait(t *Task) error {
	if s.TryDecrement() {
		return nil
	}

	s.pool.observer.ObserveSemWait(t)
	handle := &semWaiterHandle{task: t, sem: s}
	if err := t.mods.runWaitSem(t, s, handle); err != nil {
		return err
	}

	s.mu.Lock()
	s.waiters = append(s.waiters, handle)
	s.mu.Unlock()

	t.semWaiter = handle
	t.mods.runLeave(t)
	err := t.parkUntilResumed(TaskWaitingSem)
	t.mods.runEnter(t)
	t.semWaiter = nil
	t.mods.runUnwaitSem(t, s, handle)
	return err
}

// Signal increments the counter by delta and wakes as many FIFO waiters as
// the new counter value allows, pushing each onto the pool's ready queue.
// Signal never transfers control directly. As a special case, Signal(0)
// while the counter is already at or below zero broadcasts: every current
// waiter is woken and the counter is reset to zero, rather than waking no
// one.
func (s *Semaphore) Signal(delta int64) {
	s.mu.Lock()
	var woken []*semWaiterHandle

	if delta == 0 && s.counter <= 0 {
		woken = s.waiters
		for _, h := range woken {
			h.spliced = true
		}
		s.waiters = nil
		s.counter = 0
		s.mu.Unlock()

		for _, h := range woken {
			h.task.pendingErr = nil
			s.pool.scheduleReady(h.task)
		}
		return
	}

	s.counter += delta
	for s.counter > 0 && len(s.waiters) > 0 {
		h := s.waiters[0]
		s.waiters = s.waiters[1:]
		h.spliced = true
		s.counter--
		woken = append(woken, h)
	}
	s.mu.Unlock()

	for _, h := range woken {
		h.task.pendingErr = nil
		s.pool.scheduleReady(h.task)
	}
}

// removeWaiter splices h out of the waiter list without decrementing the
// counter, used by a Killer cancelling a blocked task.
func (s *Semaphore) removeWaiter(h *semWaiterHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.spliced {
		return
	}
	for i, cand := range s.waiters {
		if cand == h {
			s.waiters = append(s.waiters[:i:i], s.waiters[i+1:]...)
			h.spliced = true
			return
		}
	}
}

// Destroy cancels every waiter currently blocked on s with ErrDependFailed,
// the teardown path for a semaphore whose owner is going away.
func (s *Semaphore) Destroy() {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, h := range waiters {
		h.spliced = true
		h.task.pendingErr = ErrDependFailed
		s.pool.scheduleReady(h.task)
	}
}
