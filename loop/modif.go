package loop

import "github.com/arcoro/arcoro/loop/internal/iomux"

// Transition enumerates the points in a task's lifecycle a Modification can
// hook.
type Transition int

const (
	TransCall Transition = iota
	TransSchedule
	TransExit
	TransLeave
	TransEnter
	TransWaitIO
	TransUnwaitIO
	TransWaitSem
	TransUnwaitSem
	numTransitions
)

func (t Transition) String() string {
	switch t {
	case TransCall:
		return "call"
	case TransSchedule:
		return "schedule"
	case TransExit:
		return "exit"
	case TransLeave:
		return "leave"
	case TransEnter:
		return "enter"
	case TransWaitIO:
		return "wait-io"
	case TransUnwaitIO:
		return "unwait-io"
	case TransWaitSem:
		return "wait-sem"
	case TransUnwaitSem:
		return "unwait-sem"
	default:
		return "unknown"
	}
}

// Inherit is a bitmask of the two inheritance axes a Modification can be
// tagged with: whether it propagates to a callee on call, and whether it
// propagates to whatever gets scheduled from within the tagged task.
type Inherit uint8

const (
	InheritNone       Inherit = 0
	InheritOnCall     Inherit = 1 << 0
	InheritOnSchedule Inherit = 1 << 1
)

// CallFunc instruments a state-only transition (call, schedule, exit, leave,
// enter). Only the call and schedule hooks' errors can veto the transition;
// exit/leave/enter are notification-only and their errors are ignored.
type CallFunc func(t *Task) error

// IOFunc instruments the wait-io/unwait-io transitions.
type IOFunc func(t *Task, desc *IODesc) error

// SemFunc instruments the wait-sem/unwait-sem transitions.
type SemFunc func(t *Task, s *Semaphore, w *semWaiterHandle) error

// Modification is one instrumented callback bound to a single transition
// point, carrying its inheritance behavior.
type Modification struct {
	id         uint64
	Transition Transition
	Inherit    Inherit

	call CallFunc
	io   IOFunc
	sem  SemFunc
}

var nextModID uint64

func allocModID() uint64 {
	nextModID++
	return nextModID
}

// NewCallModification builds a Modification for a state-only transition.
func NewCallModification(tr Transition, inherit Inherit, fn CallFunc) *Modification {
	return &Modification{id: allocModID(), Transition: tr, Inherit: inherit, call: fn}
}

// NewIOModification builds a Modification for the I/O wait transitions.
func NewIOModification(tr Transition, inherit Inherit, fn IOFunc) *Modification {
	return &Modification{id: allocModID(), Transition: tr, Inherit: inherit, io: fn}
}

// NewSemModification builds a Modification for the semaphore wait
// transitions.
func NewSemModification(tr Transition, inherit Inherit, fn SemFunc) *Modification {
	return &Modification{id: allocModID(), Transition: tr, Inherit: inherit, sem: fn}
}

// IODesc describes the descriptor and interest mask of an in-flight I/O
// wait, passed to wait-io/unwait-io modifications.
type IODesc struct {
	FD   int
	Mask iomux.Event
}

// ModTable holds the per-task (or per-pool-default) set of modifications,
// bucketed by transition so invocation never scans irrelevant entries.
type ModTable struct {
	lists [numTransitions][]*Modification
}

// NewModTable returns an empty modification table.
func NewModTable() *ModTable {
	return &ModTable{}
}

// Add registers mods, appending to each one's transition bucket in call
// order.
func (mt *ModTable) Add(mods ...*Modification) {
	for _, m := range mods {
		mt.lists[m.Transition] = append(mt.lists[m.Transition], m)
	}
}

// Remove unregisters mods if present, identified by pointer identity.
func (mt *ModTable) Remove(mods ...*Modification) {
	for _, m := range mods {
		bucket := mt.lists[m.Transition]
		for i, cand := range bucket {
			if cand == m {
				mt.lists[m.Transition] = append(bucket[:i:i], bucket[i+1:]...)
				break
			}
		}
	}
}

// inheritedFor returns a new table containing only the mods from mt that
// carry axis in their Inherit mask, preserving relative order. Used to seed
// a callee's or a freshly-scheduled task's table from its parent's.
func (mt *ModTable) inheritedFor(axis Inherit) *ModTable {
	out := NewModTable()
	for _, bucket := range mt.lists {
		for _, m := range bucket {
			if m.Inherit&axis != 0 {
				out.Add(m)
			}
		}
	}
	return out
}

// merge folds other's entries into mt (used to combine an inherited table
// with a task's own explicit modifications), skipping duplicates by
// pointer identity.
func (mt *ModTable) merge(other *ModTable) *ModTable {
	if other == nil {
		return mt
	}
	out := NewModTable()
	seen := make(map[uint64]bool)
	for _, bucket := range mt.lists {
		for _, m := range bucket {
			if !seen[m.id] {
				seen[m.id] = true
				out.Add(m)
			}
		}
	}
	for _, bucket := range other.lists {
		for _, m := range bucket {
			if !seen[m.id] {
				seen[m.id] = true
				out.Add(m)
			}
		}
	}
	return out
}

func (mt *ModTable) runCall(t *Task) error {
	for _, m := range mt.lists[TransCall] {
		if err := m.call(t); err != nil {
			return err
		}
	}
	return nil
}

func (mt *ModTable) runSchedule(t *Task) error {
	for _, m := range mt.lists[TransSchedule] {
		if err := m.call(t); err != nil {
			return err
		}
	}
	return nil
}

func (mt *ModTable) runExit(t *Task) {
	for _, m := range mt.lists[TransExit] {
		_ = m.call(t)
	}
}

func (mt *ModTable) runLeave(t *Task) {
	for _, m := range mt.lists[TransLeave] {
		_ = m.call(t)
	}
}

func (mt *ModTable) runEnter(t *Task) {
	for _, m := range mt.lists[TransEnter] {
		_ = m.call(t)
	}
}

func (mt *ModTable) runWaitIO(t *Task, desc *IODesc) error {
	for _, m := range mt.lists[TransWaitIO] {
		if err := m.io(t, desc); err != nil {
			return err
		}
	}
	return nil
}

func (mt *ModTable) runUnwaitIO(t *Task, desc *IODesc) {
	for _, m := range mt.lists[TransUnwaitIO] {
		_ = m.io(t, desc)
	}
}

func (mt *ModTable) runWaitSem(t *Task, s *Semaphore, w *semWaiterHandle) error {
	for _, m := range mt.lists[TransWaitSem] {
		if err := m.sem(t, s, w); err != nil {
			return err
		}
	}
	return nil
}

func (mt *ModTable) runUnwaitSem(t *Task, s *Semaphore, w *semWaiterHandle) {
	for _, m := range mt.lists[TransUnwaitSem] {
		_ = m.sem(t, s, w)
	}
}
