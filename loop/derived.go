package loop

import (
	"errors"
	"time"
)

// ForceStop suspends the calling task at the front of the ready queue and
// makes the enclosing Run return RunStopped with value. A later call to
// Run transparently resumes the task right after this call returns.
func (t *Task) ForceStop(value any) error {
	t.pool.observer.ObserveForceStop(t)
	t.pool.scheduleFront(t)
	t.pool.stopValue = value
	t.pool.stopped = true
	return t.parkUntilResumed(TaskReady)
}

// Killer cancels an in-flight call chain rooted at a task, unwinding every
// frame below the root and resuming the root with a chosen error.
type Killer struct{}

// Trigger cancels whatever root is currently awaiting (root itself, if it
// isn't blocked on a callee) with err: it splices the innermost blocked
// frame out of whichever wait structure holds it, marks every intervening
// call frame destroyed, and schedules root to resume with err.
func (k Killer) Trigger(root *Task, err error) {
	if root.state == TaskDone {
		// Already finished (and its goroutine already exited) before the
		// trigger arrived: nothing to unwind, and scheduling it would send
		// on a resume channel nobody is left to receive.
		return
	}

	leaf := leafOf(root)

	switch leaf.state {
	case TaskReady:
		root.pool.spliceFromReady(leaf)
		if leaf == root && !root.started {
			// Never began executing: there is no resume point to deliver
			// err into, so cancellation just means it never runs.
			root.destroyed = true
			return
		}
	case TaskWaitingIO:
		if leaf.ioWaiter != nil {
			_ = root.pool.ioMux.Remove(leaf.ioWaiter)
			delete(root.pool.ioWaiterTask, leaf.ioWaiter)
		}
	case TaskWaitingSem:
		if leaf.semWaiter != nil {
			leaf.semWaiter.sem.removeWaiter(leaf.semWaiter)
		}
	}

	// Intervening frames are marked destroyed and abandoned rather than
	// physically unwound: Go has no way to preempt a goroutine parked on
	// Await, so those goroutines stay blocked on their resume channel
	// forever instead of being freed like a stackful coroutine's frames.
	cur := leaf
	for cur != root {
		parent := cur.caller
		cur.destroyed = true
		cur.pendingErr = err
		if parent != nil {
			parent.calleeInProgress = nil
		}
		cur = parent
	}

	root.pendingErr = err
	root.pool.scheduleReady(root)
}

// Timeout runs fn as a nested call, awaiting it through the calling task,
// but cancels it with ErrTimeout if it hasn't finished within d. The
// deadline itself is a small cooperative watchdog task sharing the same
// pooled timer and single-runner scheduler as everything else, rather than
// a raw background goroutine racing the scheduler's own state. Two killer
// packs run in opposite directions: the watchdog kills callee if it wakes
// first, and callee's completion kills the watchdog if it finishes first,
// so the loser of the race never lingers.
func Timeout(t *Task, d time.Duration, fn Func) (any, error) {
	var watchdog *Task

	calleeMods := NewModTable()
	calleeMods.Add(NewCallModification(TransExit, InheritNone, func(*Task) error {
		if watchdog.state != TaskDone {
			Killer{}.Trigger(watchdog, ErrWakeup)
		}
		return nil
	}))
	callee := t.pool.NewTask(fn, calleeMods)

	watchdog = t.pool.NewTask(func(wd *Task) (any, error) {
		if err := t.pool.Sleep(wd, d); err != nil {
			if errors.Is(err, ErrWakeup) {
				// callee finished first; the sleep was cut short on purpose.
				return nil, nil
			}
			return nil, err
		}
		if callee.state != TaskDone {
			Killer{}.Trigger(callee, ErrTimeout)
		}
		return nil, nil
	}, nil)
	if err := t.pool.Schedule(watchdog, t); err != nil {
		return nil, err
	}

	return t.Await(callee)
}

// Future runs fn as an independently-scheduled task and returns a handle
// whose Get suspends the calling task until fn completes. Unlike Await,
// Spawn only puts the producer on the back of the ready queue; it runs
// whenever the caller next gives up control, independently of when (or
// whether) the caller calls Get.
type Future struct {
	task *Task
}

// Spawn schedules fn to run independently of the calling task, returning a
// Future that can be awaited later.
func Spawn(p *Pool, from *Task, fn Func) (*Future, error) {
	task := p.NewTask(fn, nil)
	if err := p.Schedule(task, from); err != nil {
		return nil, err
	}
	return &Future{task: task}, nil
}

// Get blocks the calling task until the future's producer finishes,
// returning its result.
func (f *Future) Get(t *Task) (any, error) {
	return f.task.awaitFinish(t)
}

// WaitAll runs every fn concurrently (as independent tasks) and blocks t
// until all of them finish, returning their results in the same order. The
// first error encountered is returned, but every task still runs to
// completion before WaitAll returns.
func WaitAll(t *Task, fns ...Func) ([]any, error) {
	futures := make([]*Future, len(fns))
	for i, fn := range fns {
		f, err := Spawn(t.pool, t, fn)
		if err != nil {
			return nil, err
		}
		futures[i] = f
	}

	results := make([]any, len(fns))
	var firstErr error
	for i, f := range futures {
		r, err := f.Get(t)
		results[i] = r
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}
