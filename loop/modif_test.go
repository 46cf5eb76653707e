package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModTableRunsLeaveAndEnterAroundYield(t *testing.T) {
	p := newTestPool(t)

	var events []string
	mods := NewModTable()
	mods.Add(NewCallModification(TransLeave, InheritNone, func(*Task) error {
		events = append(events, "leave")
		return nil
	}))
	mods.Add(NewCallModification(TransEnter, InheritNone, func(*Task) error {
		events = append(events, "enter")
		return nil
	}))

	task := p.NewTask(func(tk *Task) (any, error) {
		events = append(events, "body")
		require.NoError(t, tk.Yield())
		events = append(events, "resumed")
		return nil, nil
	}, mods)

	require.NoError(t, p.Schedule(task, nil))
	p.Run()

	// The trailing "leave" comes from finishTask, which runs leave-callbacks
	// before exit-callbacks when the body returns.
	assert.Equal(t, []string{"body", "leave", "enter", "resumed", "leave"}, events)
}

func TestModTableRunsLeaveThenExitOnTaskCompletion(t *testing.T) {
	p := newTestPool(t)

	var events []string
	mods := NewModTable()
	mods.Add(NewCallModification(TransLeave, InheritNone, func(*Task) error {
		events = append(events, "leave")
		return nil
	}))
	mods.Add(NewCallModification(TransExit, InheritNone, func(*Task) error {
		events = append(events, "exit")
		return nil
	}))

	task := p.NewTask(func(tk *Task) (any, error) {
		events = append(events, "body")
		return nil, nil
	}, mods)

	require.NoError(t, p.Schedule(task, nil))
	p.Run()

	assert.Equal(t, []string{"body", "leave", "exit"}, events)
}

func TestModTableCallVetoPreventsCalleeFromRunning(t *testing.T) {
	p := newTestPool(t)

	vetoErr := NewError("call", ErrCodeGeneric, "denied")
	mods := NewModTable()
	mods.Add(NewCallModification(TransCall, InheritNone, func(*Task) error {
		return vetoErr
	}))

	var calleeRan bool
	var gotErr error
	caller := p.NewTask(func(tk *Task) (any, error) {
		callee := p.NewTask(func(*Task) (any, error) {
			calleeRan = true
			return nil, nil
		}, mods)
		_, err := tk.Await(callee)
		gotErr = err
		return nil, nil
	}, nil)

	require.NoError(t, p.Schedule(caller, nil))
	p.Run()

	assert.Same(t, vetoErr, gotErr)
	assert.False(t, calleeRan, "vetoed call must never run the callee body")
}

func TestOnCallInheritancePropagatesToCallee(t *testing.T) {
	p := newTestPool(t)

	var fired int
	inherited := NewCallModification(TransCall, InheritOnCall, func(*Task) error {
		fired++
		return nil
	})
	callerMods := NewModTable()
	callerMods.Add(inherited)

	caller := p.NewTask(func(tk *Task) (any, error) {
		callee := p.NewTask(func(*Task) (any, error) {
			return nil, nil
		}, NewModTable())
		_, err := tk.Await(callee)
		return nil, err
	}, callerMods)

	require.NoError(t, p.Schedule(caller, nil))
	p.Run()

	// The caller itself is scheduled, not called, so its own call hook never
	// runs; the single firing is the inherited copy running on the callee.
	assert.Equal(t, 1, fired)
}

func TestModTableInheritedForFiltersByAxis(t *testing.T) {
	onCall := NewCallModification(TransEnter, InheritOnCall, func(*Task) error { return nil })
	onSchedule := NewCallModification(TransEnter, InheritOnSchedule, func(*Task) error { return nil })
	neither := NewCallModification(TransEnter, InheritNone, func(*Task) error { return nil })

	mt := NewModTable()
	mt.Add(onCall, onSchedule, neither)

	callFiltered := mt.inheritedFor(InheritOnCall)
	assert.Len(t, callFiltered.lists[TransEnter], 1)
	assert.Same(t, onCall, callFiltered.lists[TransEnter][0])

	scheduleFiltered := mt.inheritedFor(InheritOnSchedule)
	assert.Len(t, scheduleFiltered.lists[TransEnter], 1)
	assert.Same(t, onSchedule, scheduleFiltered.lists[TransEnter][0])
}
