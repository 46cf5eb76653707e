// Package loop implements a cooperative coroutine scheduler: task state
// blocks, a single-threaded ready-queue driver loop, an I/O multiplexer and
// timer pool for waiting, semaphores, and a modification/interceptor system
// for instrumenting every lifecycle transition. Go has no user-mode stack
// switch, so each task is a goroutine parked on a channel rather than a raw
// stack, with the pool acting as a strict single-runner baton-pass
// scheduler instead of a setjmp/longjmp trampoline.
package loop

import (
	"runtime"
	"sync"
	"time"

	"github.com/arcoro/arcoro/internal/logging"
	"github.com/arcoro/arcoro/loop/internal/iomux"
	"github.com/arcoro/arcoro/loop/internal/smallalloc"
	"github.com/arcoro/arcoro/loop/internal/timerpool"
)

type msgKind int

const (
	msgParked msgKind = iota
	msgFinished
)

type controlMsg struct {
	task *Task
	kind msgKind
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithLogger attaches a logger, mirroring arena.WithLogger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithObserver attaches a scheduler Observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// WithTimerCap overrides the timer pool's cap (default 16).
func WithTimerCap(n int) Option {
	return func(p *Pool) { p.timerCap = n }
}

// Pool is the scheduler: a ready queue, an I/O multiplexer, a timer pool,
// and the small-object allocator its internals draw from. Exactly one
// goroutine may execute Run at a time; Schedule and the cross-thread entry
// points may be called concurrently from outside it.
type Pool struct {
	mu    sync.Mutex
	ready []*Task

	control chan controlMsg

	ioMux        iomux.Mux
	ioWaiterTask map[*iomux.Waiter]*Task

	timers   *timerpool.Pool
	timerCap int

	alloc *smallalloc.Allocator

	crossThreadMu    sync.Mutex
	crossThreadQueue []*Task

	forcedNext *Task // set when a callee finishes and control must return to its caller directly

	stopped   bool
	stopValue any
	storedErr error

	lastTaskID uint64

	logger   *logging.Logger
	observer Observer
}

// New builds a Pool with a real I/O multiplexer and timer pool (epoll and
// timerfd on Linux, portable stubs elsewhere).
func New(opts ...Option) (*Pool, error) {
	p := &Pool{
		control:      make(chan controlMsg),
		ioWaiterTask: make(map[*iomux.Waiter]*Task),
		alloc:        smallalloc.New(),
		timerCap:     16,
		logger:       logging.Default(),
		observer:     NoOpObserver{},
	}
	for _, o := range opts {
		o(p)
	}

	mux, err := iomux.New()
	if err != nil {
		return nil, WrapError("new", ErrCodeGeneric, err)
	}
	p.ioMux = mux

	timers, err := timerpool.New(p.timerCap)
	if err != nil {
		return nil, WrapError("new", ErrCodeGeneric, err)
	}
	p.timers = timers

	return p, nil
}

func (p *Pool) nextTaskID() uint64 {
	p.lastTaskID++
	return p.lastTaskID
}

// Close releases the pool's multiplexer and timer pool.
func (p *Pool) Close() error {
	err1 := p.ioMux.Close()
	err2 := p.timers.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Schedule runs schedule-callbacks on t and places it on the back of the
// ready queue, inheriting the scheduling parent's on-schedule modifications
// if from is non-nil.
func (p *Pool) Schedule(t *Task, from *Task) error {
	if from != nil {
		t.mods = t.mods.merge(from.mods.inheritedFor(InheritOnSchedule))
	}
	if err := t.mods.runSchedule(t); err != nil {
		return err
	}
	p.scheduleReady(t)
	p.observer.ObserveTaskScheduled(t)
	return nil
}

// scheduleReady pushes t to the back of the ready queue without running
// schedule-callbacks (used internally for resumption, not first scheduling).
func (p *Pool) scheduleReady(t *Task) {
	p.mu.Lock()
	p.ready = append(p.ready, t)
	p.mu.Unlock()
}

// scheduleFront pushes t to the front of the ready queue, used by ForceStop.
func (p *Pool) scheduleFront(t *Task) {
	p.mu.Lock()
	p.ready = append([]*Task{t}, p.ready...)
	p.mu.Unlock()
}

// spliceFromReady removes t from the ready queue if present, returning
// whether it was found there.
func (p *Pool) spliceFromReady(t *Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.ready {
		if cand == t {
			p.ready = append(p.ready[:i:i], p.ready[i+1:]...)
			return true
		}
	}
	return false
}

// ScheduleCrossThread enqueues t for scheduling from a goroutine other than
// the one driving Run; Run drains the queue at the start of its next
// scheduling step that is not a direct hand-off to a forced next task.
func (p *Pool) ScheduleCrossThread(t *Task) {
	p.crossThreadMu.Lock()
	p.crossThreadQueue = append(p.crossThreadQueue, t)
	p.crossThreadMu.Unlock()
}

func (p *Pool) drainCrossThread() {
	p.crossThreadMu.Lock()
	pending := p.crossThreadQueue
	p.crossThreadQueue = nil
	p.crossThreadMu.Unlock()
	for _, t := range pending {
		p.scheduleReady(t)
	}
}

// ReadyLen reports the current ready-queue depth, mainly for tests and
// metrics.
func (p *Pool) ReadyLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

// Run drives the scheduler until the ready queue is empty and no I/O waiter
// is registered (RunIdle; tasks still parked on a semaphore stay parked and
// do not keep Run going), a task's uncaught error propagates to
// the root (RunErrored), or a task calls ForceStop (RunStopped). Run may be
// called again afterward to resume exactly where it left off.
func (p *Pool) Run() RunResult {
	// Pinned for the duration of the call: the multiplexer and timer pool
	// are fds registered against this goroutine's OS thread, and the Go
	// runtime is otherwise free to migrate a goroutine between threads
	// between blocking calls.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		if p.forcedNext == nil {
			p.drainCrossThread()
		}

		next := p.forcedNext
		p.forcedNext = nil

		if next == nil {
			var rr RunResult
			next, rr = p.pickNext()
			if next == nil {
				return rr
			}
		}

		p.give(next)

		msg := <-p.control
		switch msg.kind {
		case msgFinished:
			p.finishTask(msg.task)
		case msgParked:
			// task already recorded itself on the appropriate wait list
			// (ready queue, io waiter map, semaphore waiters) before parking
		}

		if p.storedErr != nil {
			err := p.storedErr
			p.storedErr = nil
			p.observer.ObserveError(err)
			return RunErrored
		}
		if p.stopped {
			p.stopped = false
			return RunStopped
		}
	}
}

// StopValue returns the value passed to the ForceStop call that produced
// the most recent RunStopped result.
func (p *Pool) StopValue() any { return p.stopValue }

// give starts or resumes t, handing it the scheduler's single baton.
func (p *Pool) give(t *Task) {
	if !t.started {
		t.started = true
		go t.run()
		return
	}
	err := t.pendingErr
	t.pendingErr = nil
	t.resume <- err
}

// pickNext opportunistically harvests any fired I/O waiters and pops the
// ready queue's front (Run has already drained cross-thread work). If the ready queue is
// empty but I/O waiters exist, it blocks in the multiplexer until one
// fires.
func (p *Pool) pickNext() (*Task, RunResult) {
	p.harvestIO(0)

	p.mu.Lock()
	empty := len(p.ready) == 0
	p.mu.Unlock()

	if empty {
		if p.ioMux.NumWaiters() == 0 {
			return nil, RunIdle
		}
		p.harvestIO(-1)
		p.mu.Lock()
		empty = len(p.ready) == 0
		p.mu.Unlock()
		if empty {
			return nil, RunIdle
		}
	}

	p.mu.Lock()
	t := p.ready[0]
	p.ready = p.ready[1:]
	p.mu.Unlock()
	return t, 0
}

// harvestIO polls the multiplexer with the given timeout (0 = non-blocking,
// negative = indefinite) and moves any fired waiters' tasks onto the ready
// queue in the order the OS delivered them.
func (p *Pool) harvestIO(timeout time.Duration) {
	ready, err := p.ioMux.Wait(timeout)
	if err != nil {
		return
	}
	for _, r := range ready {
		t, ok := p.ioWaiterTask[r.Waiter]
		if !ok {
			continue
		}
		delete(p.ioWaiterTask, r.Waiter)
		t.ioEvents = r.Events
		t.pendingErr = nil
		p.scheduleReady(t)
	}
}

// finishTask runs exit-callbacks and, if the task had a caller awaiting it,
// transfers control back to that caller directly (bypassing the ready
// queue, since call/return is synchronous from the caller's perspective);
// otherwise an uncaught error becomes the pool's stored error.
func (p *Pool) finishTask(t *Task) {
	t.mods.runLeave(t)
	t.mods.runExit(t)
	p.observer.ObserveTaskFinished(t)

	for _, w := range t.finishWaiters {
		w.pendingErr = nil
		p.scheduleReady(w)
	}
	t.finishWaiters = nil

	if t.caller != nil {
		caller := t.caller
		caller.pendingErr = nil
		p.forcedNext = caller
		return
	}

	if t.err != nil {
		p.storedErr = t.err
	}
}

// WaitIO suspends t until fd becomes ready for one of the events in mask,
// registering with the multiplexer and running the wait-io/unwait-io
// modifications around the suspension.
func (p *Pool) WaitIO(t *Task, fd int, mask iomux.Event) (iomux.Event, error) {
	p.observer.ObserveIOWait(t)
	desc := &IODesc{FD: fd, Mask: mask}
	if err := t.mods.runWaitIO(t, desc); err != nil {
		return 0, err
	}

	w, err := p.ioMux.Add(fd, mask)
	if err != nil {
		return 0, WrapError("wait-io", ErrCodeGeneric, err)
	}
	t.ioWaiter = w
	p.ioWaiterTask[w] = t

	t.mods.runLeave(t)
	resumeErr := t.parkUntilResumed(TaskWaitingIO)
	events := t.ioEvents
	t.mods.runEnter(t)
	t.mods.runUnwaitIO(t, desc)
	t.ioWaiter = nil

	if resumeErr != nil {
		_ = p.ioMux.Remove(w)
		delete(p.ioWaiterTask, w)
		return 0, resumeErr
	}
	return events, nil
}

// Sleep suspends t for at least d, using a pooled timer integrated with the
// multiplexer as an ordinary waitable descriptor.
func (p *Pool) Sleep(t *Task, d time.Duration) error {
	p.observer.ObserveSleep(t)
	timer, err := p.timers.Get()
	if err != nil {
		return WrapError("sleep", ErrCodeGeneric, err)
	}
	defer p.timers.Free(timer)

	if err := p.timers.Set(timer, d); err != nil {
		return WrapError("sleep", ErrCodeGeneric, err)
	}

	_, err = p.WaitIO(t, timer.FD, iomux.Readable)
	return err
}

// Allocate draws a small fixed-size buffer from the pool's bucketed
// allocator, for internal list nodes and state blocks.
func (p *Pool) Allocate(n int) []byte { return p.alloc.Allocate(n) }

// Deallocate returns a buffer obtained from Allocate.
func (p *Pool) Deallocate(buf []byte) { p.alloc.Deallocate(buf) }
