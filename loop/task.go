package loop

import "github.com/arcoro/arcoro/loop/internal/iomux"

// TaskState is the scheduling state of a task's state block.
type TaskState int

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskWaitingIO
	TaskWaitingSem
	TaskWaitingCall
	TaskDone
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskWaitingIO:
		return "waiting-io"
	case TaskWaitingSem:
		return "waiting-sem"
	case TaskWaitingCall:
		return "waiting-call"
	case TaskDone:
		return "done"
	default:
		return "unknown"
	}
}

// Func is the body a task runs. t is the task's own handle, used to call,
// yield, await I/O or a semaphore, and so on from inside the body.
type Func func(t *Task) (any, error)

// Task is one coroutine's state block, realized as one goroutine parked on
// a per-task channel rather than a raw stack-switch: a goroutine-per-task
// baton-pass model.
type Task struct {
	id    uint64
	pool  *Pool
	fn    Func
	mods  *ModTable
	state TaskState

	caller          *Task // the task whose Await is blocked on this one, if any
	calleeInProgress *Task // set on the caller while awaiting a live callee

	resume chan error // pool sends the resume error here to unblock a parked task
	result any
	err    error

	userData any

	ioWaiter  *iomux.Waiter
	ioEvents  iomux.Event
	semWaiter *semWaiterHandle

	finishWaiters []*Task // tasks parked in awaitFinish, woken when this task finishes

	pendingErr error // error to deliver on the next resume, set by whoever schedules the task

	started  bool
	destroyed bool
}

// NewTask creates a task bound to p, running fn with the given modification
// table (may be nil for no instrumentation). The task is not scheduled
// until passed to Pool.Schedule or awaited via another task's Await.
func (p *Pool) NewTask(fn Func, mods *ModTable) *Task {
	if mods == nil {
		mods = NewModTable()
	}
	return &Task{
		id:     p.nextTaskID(),
		pool:   p,
		fn:     fn,
		mods:   mods,
		resume: make(chan error),
	}
}

// ID returns the task's pool-unique identifier.
func (t *Task) ID() uint64 { return t.id }

// State reports the task's current scheduling state.
func (t *Task) State() TaskState { return t.state }

// SetUserData attaches an arbitrary value to the task's state block, mirroring
// arena.Context's SetUser/GetUser pair.
func (t *Task) SetUserData(v any) { t.userData = v }

// UserData returns the value last passed to SetUserData.
func (t *Task) UserData() any { return t.userData }

// Result returns the value and error the task's body returned, valid only
// once State() reports TaskDone.
func (t *Task) Result() (any, error) { return t.result, t.err }

// parkUntilResumed notifies the pool's control channel that this task has
// suspended for reason, then blocks until the pool delivers a resume. This
// is the one blocking primitive every higher-level suspension (yield,
// await, I/O wait, semaphore wait, sleep) is built from.
func (t *Task) parkUntilResumed(reason TaskState) error {
	t.state = reason
	t.pool.control <- controlMsg{task: t, kind: msgParked}
	err := <-t.resume
	t.state = TaskRunning
	return err
}

// run is the goroutine body: executes fn to completion (however many
// suspensions it takes) and reports completion to the pool.
func (t *Task) run() {
	t.state = TaskRunning
	result, err := t.fn(t)
	t.result = result
	t.err = err
	t.state = TaskDone
	t.pool.control <- controlMsg{task: t, kind: msgFinished}
}

// Yield suspends the calling task, pushing it to the back of the ready
// queue so other ready tasks get a turn.
func (t *Task) Yield() error {
	t.pool.observer.ObserveYield(t)
	t.mods.runLeave(t)
	t.pool.scheduleReady(t)
	err := t.parkUntilResumed(TaskReady)
	t.mods.runEnter(t)
	return err
}

// Await runs callee to completion as a nested call: leave-callbacks run on
// the caller, call-callbacks run on callee (a
// non-nil error from those vetoes the call entirely, returning immediately
// without ever scheduling callee), then control transfers to callee next.
// The caller resumes, synchronously from its own point of view, only once
// callee's entire call chain has finished.
func (t *Task) Await(callee *Task) (any, error) {
	t.mods.runLeave(t)

	callee.caller = t
	callee.pool = t.pool
	callee.mods = callee.mods.merge(t.mods.inheritedFor(InheritOnCall))

	if err := callee.mods.runCall(callee); err != nil {
		t.mods.runEnter(t)
		return nil, err
	}

	t.calleeInProgress = callee
	t.pool.forcedNext = callee

	err := t.parkUntilResumed(TaskWaitingCall)
	t.calleeInProgress = nil
	t.mods.runEnter(t)
	if err != nil {
		return nil, err
	}
	return callee.result, callee.err
}

// awaitFinish suspends consumer until producer (p itself) finishes, without
// running call/schedule modifications: unlike Await, producer may already
// be running independently (the Future join case), so this only ever
// registers a completion waiter rather than initiating a call.
func (p *Task) awaitFinish(consumer *Task) (any, error) {
	if p.state == TaskDone {
		return p.result, p.err
	}
	p.finishWaiters = append(p.finishWaiters, consumer)
	consumer.mods.runLeave(consumer)
	err := consumer.parkUntilResumed(TaskWaitingCall)
	consumer.mods.runEnter(consumer)
	if err != nil {
		return nil, err
	}
	return p.result, p.err
}

// leafOf walks root's in-progress call chain down to the task actually
// suspended right now, used by Killer to find what to cancel.
func leafOf(root *Task) *Task {
	cur := root
	for cur.calleeInProgress != nil {
		cur = cur.calleeInProgress
	}
	return cur
}
