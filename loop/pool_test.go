package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *Pool {
	p, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestYieldLetsBothTasksRunToCompletion(t *testing.T) {
	p := newTestPool(t)

	var order []string
	a := p.NewTask(func(task *Task) (any, error) {
		order = append(order, "a1")
		require.NoError(t, task.Yield())
		order = append(order, "a2")
		return nil, nil
	}, nil)
	b := p.NewTask(func(task *Task) (any, error) {
		order = append(order, "b1")
		return nil, nil
	}, nil)

	require.NoError(t, p.Schedule(a, nil))
	require.NoError(t, p.Schedule(b, nil))

	result := p.Run()
	assert.Equal(t, RunIdle, result)
	assert.Equal(t, []string{"a1", "b1", "a2"}, order)
}

func TestAwaitReturnsCalleeResult(t *testing.T) {
	p := newTestPool(t)

	var callerSaw any
	caller := p.NewTask(func(task *Task) (any, error) {
		callee := p.NewTask(func(*Task) (any, error) {
			return 42, nil
		}, nil)
		res, err := task.Await(callee)
		require.NoError(t, err)
		callerSaw = res
		return nil, nil
	}, nil)

	require.NoError(t, p.Schedule(caller, nil))
	result := p.Run()

	assert.Equal(t, RunIdle, result)
	assert.Equal(t, 42, callerSaw)
}

func TestAwaitPropagatesCalleeError(t *testing.T) {
	p := newTestPool(t)

	boom := NewError("callee", ErrCodeGeneric, "boom")
	var gotErr error
	caller := p.NewTask(func(task *Task) (any, error) {
		callee := p.NewTask(func(*Task) (any, error) {
			return nil, boom
		}, nil)
		_, err := task.Await(callee)
		gotErr = err
		return nil, nil
	}, nil)

	require.NoError(t, p.Schedule(caller, nil))
	p.Run()

	assert.Same(t, boom, gotErr)
}

func TestUncaughtRootErrorStopsRunWithErrored(t *testing.T) {
	p := newTestPool(t)

	boom := NewError("root", ErrCodeGeneric, "boom")
	root := p.NewTask(func(*Task) (any, error) {
		return nil, boom
	}, nil)

	require.NoError(t, p.Schedule(root, nil))
	result := p.Run()
	assert.Equal(t, RunErrored, result)
}

func TestForceStopSuspendsAndResumesOnNextRun(t *testing.T) {
	p := newTestPool(t)

	var resumed bool
	task := p.NewTask(func(tk *Task) (any, error) {
		require.NoError(t, tk.ForceStop("paused"))
		resumed = true
		return nil, nil
	}, nil)

	require.NoError(t, p.Schedule(task, nil))

	result := p.Run()
	assert.Equal(t, RunStopped, result)
	assert.Equal(t, "paused", p.StopValue())
	assert.False(t, resumed)

	result = p.Run()
	assert.Equal(t, RunIdle, result)
	assert.True(t, resumed)
}

func TestSleepSuspendsAndResumes(t *testing.T) {
	p := newTestPool(t)

	var slept bool
	task := p.NewTask(func(tk *Task) (any, error) {
		err := p.Sleep(tk, 1)
		slept = err == nil
		return nil, nil
	}, nil)

	require.NoError(t, p.Schedule(task, nil))
	result := p.Run()

	assert.Equal(t, RunIdle, result)
	assert.True(t, slept)
}
