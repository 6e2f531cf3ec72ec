package sched

import (
	"runtime"
	"unsafe"
)

func stackBase(s []byte) uintptr {
	return uintptr(unsafe.Pointer(&s[0]))
}

// TaskID is the stable, monotonically assigned identity of a task.  IDs are
// positive and never reused for the life of the scheduler, so stale
// references in timing stats or protection tables can never alias a newer
// task.
type TaskID int

// Priority has five levels.  Dispatch is strict: a higher level always wins
// over a lower one on the same core.
type Priority uint8

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// State is the scheduling state of one task slot.
type State uint8

const (
	StateInactive State = iota
	StateReady
	StateRunning
	StateBlocked
	StateSuspended
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Kind distinguishes one-shot tasks, which complete when their runner
// returns, from persistent tasks, which are rescheduled until deleted.
type Kind uint8

const (
	KindOneShot Kind = iota
	KindPersistent
)

// CoreAny is the affinity value that lets a task run on either core,
// though never on both at once.
const CoreAny uint8 = 0xff

const nameBytes = 16

// Runner is a task body.  For a persistent task Run must not return: it
// loops forever, giving up the core with Yield or Delay.  A one-shot task
// signals completion by returning normally.
type Runner interface {
	Run(t *Task)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(t *Task)

func (f RunnerFunc) Run(t *Task) { f(t) }

type eventKind uint8

const (
	evYield eventKind = iota
	evDelay
	evReturn
)

type yieldEvent struct {
	kind   eventKind
	wakeAt uint64 // micros, evDelay only
}

type resumeMsg struct {
	kill bool
}

// Task is the task control block.  Everything in it except the handshake
// channels is guarded by the scheduler's task-table lock.
type Task struct {
	core *Core

	id       TaskID
	name     [nameBytes]byte
	runner   Runner
	params   interface{}
	stack    []byte // dedicated stack region, owned by the task while alive
	priority Priority
	affinity uint8
	kind     Kind

	state          State
	wakeAt         uint64 // micros; meaningful while StateBlocked
	suspendPending bool
	deleting       bool
	runningOn      int

	runCount      uint64
	runMicros     uint64
	lastRunMicros uint64
	lastPicked    uint64 // dispatch sequence, for round-robin among equals

	resume chan resumeMsg
	yield  chan yieldEvent
}

// ID returns the task's id.
func (t *Task) ID() TaskID { return t.id }

// Params returns the opaque argument given at creation.  It is borrowed by
// the task for its lifetime.
func (t *Task) Params() interface{} { return t.params }

// Name returns the fixed-length task name, trimmed.
func (t *Task) Name() string {
	n := 0
	for n < nameBytes && t.name[n] != 0 {
		n++
	}
	return string(t.name[:n])
}

// StackBounds returns the base address and size of the task's stack region.
// The protection layers use this to build per-task regions.
func (t *Task) StackBounds() (base uintptr, size int) {
	if len(t.stack) == 0 {
		return 0, 0
	}
	return stackBase(t.stack), len(t.stack)
}

// Yield gives up the core voluntarily.  The task goes back to ready and the
// dispatcher regains control; it must only be called from inside the task's
// own Run.
func (t *Task) Yield() {
	t.yield <- yieldEvent{kind: evYield}
	t.block()
}

// Delay blocks the task for at least ms milliseconds.  Only the calling
// task's eligibility is suspended; the core's dispatch loop keeps running.
func (t *Task) Delay(ms uint32) {
	wake := t.core.clock.NowMicros() + uint64(ms)*1000
	t.yield <- yieldEvent{kind: evDelay, wakeAt: wake}
	t.block()
}

// block parks the task until the dispatcher resumes it.  A kill message
// terminates the task goroutine, unwinding through any user frames.
func (t *Task) block() {
	if msg := <-t.resume; msg.kill {
		runtime.Goexit()
	}
}

// start spawns the goroutine that carries the task.  It parks immediately
// and only runs when dispatched.  A persistent runner that returns anyway
// is treated like a yield: it goes back to ready and is restarted from the
// top on its next dispatch.
func (t *Task) start() {
	go func() {
		for {
			t.block()
			t.runner.Run(t)
			t.yield <- yieldEvent{kind: evReturn}
			if t.kind == KindOneShot {
				return
			}
		}
	}()
}

// TaskInfo is a copy of a task's scheduling metadata.  Readers get this
// snapshot, never a live reference, so they cannot race the dispatcher.
type TaskInfo struct {
	ID            TaskID
	Name          string
	State         State
	Priority      Priority
	Affinity      uint8
	Kind          Kind
	StackSize     int
	RunCount      uint64
	RunMicros     uint64
	LastRunMicros uint64
}

func (t *Task) snapshot() TaskInfo {
	return TaskInfo{
		ID:            t.id,
		Name:          t.Name(),
		State:         t.state,
		Priority:      t.priority,
		Affinity:      t.affinity,
		Kind:          t.kind,
		StackSize:     len(t.stack),
		RunCount:      t.runCount,
		RunMicros:     t.runMicros,
		LastRunMicros: t.lastRunMicros,
	}
}
