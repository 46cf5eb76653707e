package loop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillerCancelsTaskBlockedOnSemaphore(t *testing.T) {
	p := newTestPool(t)
	sem := p.NewSemaphore(0)

	var gotErr error
	target := p.NewTask(func(tk *Task) (any, error) {
		gotErr = sem.Wait(tk)
		return nil, nil
	}, nil)

	killMe := NewError("kill", ErrCodeWakeup, "cancelled")
	killer := p.NewTask(func(tk *Task) (any, error) {
		require.NoError(t, tk.Yield())
		Killer{}.Trigger(target, killMe)
		return nil, nil
	}, nil)

	require.NoError(t, p.Schedule(target, nil))
	require.NoError(t, p.Schedule(killer, nil))

	result := p.Run()
	assert.Equal(t, RunIdle, result)
	assert.Same(t, killMe, gotErr)
	assert.Equal(t, 0, sem.NumWaiters())
}

func TestKillerSplicesTaskOutOfReadyQueue(t *testing.T) {
	p := newTestPool(t)

	var ran bool
	target := p.NewTask(func(*Task) (any, error) {
		ran = true
		return nil, nil
	}, nil)

	// Schedule target, then kill it before Run ever gets to pop it.
	require.NoError(t, p.Schedule(target, nil))
	Killer{}.Trigger(target, ErrWakeup)

	assert.Equal(t, 0, p.ReadyLen())
	result := p.Run()
	assert.Equal(t, RunIdle, result)
	assert.False(t, ran, "spliced task must never run")
}

func TestTimeoutCancelsSlowCallee(t *testing.T) {
	p := newTestPool(t)

	var gotErr error
	root := p.NewTask(func(tk *Task) (any, error) {
		_, err := Timeout(tk, time.Millisecond, func(inner *Task) (any, error) {
			// Block forever on a semaphore nobody signals; Timeout's
			// killer must cancel it.
			sem := p.NewSemaphore(0)
			return nil, sem.Wait(inner)
		})
		gotErr = err
		return nil, nil
	}, nil)

	require.NoError(t, p.Schedule(root, nil))
	result := p.Run()

	assert.Equal(t, RunIdle, result)
	assert.ErrorIs(t, gotErr, ErrTimeout)
}

func TestTimeoutCancelsWatchdogWhenCalleeFinishesFirst(t *testing.T) {
	p := newTestPool(t)

	var gotResult any
	var gotErr error
	root := p.NewTask(func(tk *Task) (any, error) {
		// A deadline long enough that, if the watchdog were never cancelled,
		// Run would block on its timer for the whole duration (or worse,
		// deadlock once the stale watchdog fires against a TaskDone callee).
		r, err := Timeout(tk, time.Hour, func(*Task) (any, error) {
			return "fast", nil
		})
		gotResult = r
		gotErr = err
		return nil, nil
	}, nil)

	require.NoError(t, p.Schedule(root, nil))
	result := p.Run()

	assert.Equal(t, RunIdle, result)
	assert.NoError(t, gotErr)
	assert.Equal(t, "fast", gotResult)
}

func TestWaitAllJoinsEveryTaskAndPreservesOrder(t *testing.T) {
	p := newTestPool(t)

	var results []any
	var gotErr error
	root := p.NewTask(func(tk *Task) (any, error) {
		results, gotErr = WaitAll(tk,
			func(*Task) (any, error) { return 1, nil },
			func(*Task) (any, error) { return 2, nil },
			func(*Task) (any, error) { return 3, nil },
		)
		return nil, nil
	}, nil)

	require.NoError(t, p.Schedule(root, nil))
	result := p.Run()

	assert.Equal(t, RunIdle, result)
	assert.NoError(t, gotErr)
	assert.Equal(t, []any{1, 2, 3}, results)
}

func TestFutureGetReturnsProducerResult(t *testing.T) {
	p := newTestPool(t)

	var got any
	root := p.NewTask(func(tk *Task) (any, error) {
		f, err := Spawn(p, tk, func(*Task) (any, error) { return "done", nil })
		require.NoError(t, err)
		require.NoError(t, tk.Yield()) // let the producer make progress first
		v, err := f.Get(tk)
		require.NoError(t, err)
		got = v
		return nil, nil
	}, nil)

	require.NoError(t, p.Schedule(root, nil))
	result := p.Run()

	assert.Equal(t, RunIdle, result)
	assert.Equal(t, "done", got)
}
