// Package sched is the priority task scheduler for the two-core dispatch
// core.  Each core polls RunPendingTasks from its own loop; tasks are
// cooperative between those polls and strict-priority preemptive at
// dispatch-pass granularity.  All cross-core visibility of the task table
// goes through one spinlock, so a task with affinity "any" can be picked up
// by either core but never by both at once.
package sched

import (
	"composure/fault"
	"composure/metal"
	"composure/poise"
	"composure/trust"
)

// MaxTasks is the fixed capacity of the task table.
const MaxTasks = 16

// MaxStackBytes is the compiled-in ceiling on a single task stack.
const MaxStackBytes = 32 * 1024

// TaskHooks is implemented by the protection layers (MPU, TrustZone).  The
// dispatcher applies settings right before a task gets the core and resets
// them right after it gives the core up; TaskDeleted fires before a deleted
// task's slot is reclaimed, so no subsystem is left indexing a dead id.
//
// Hooks are called with no scheduler lock held.  A hook may take its own
// subsystem lock but must not call back into the scheduler.
type TaskHooks interface {
	ApplyTaskSettings(core int, id TaskID) error
	ResetTaskSettings(core int, id TaskID) error
	TaskDeleted(id TaskID)
}

// Stats are the aggregate scheduler counters.  They are only touched under
// the scheduler-state lock, never the task-table lock.
type Stats struct {
	ContextSwitches [metal.NumCores]uint64
	TasksCreated    uint64
	TasksDeleted    uint64
	TotalRunMicros  uint64
}

// Core owns the task table and everything needed to dispatch on both
// hardware cores.  Construct exactly one per system and pass it by
// reference; it lives for the life of the process.
type Core struct {
	clock metal.Clock
	log   trust.Logger

	// core synchronization block: two locks, two flags
	taskLock     *poise.Spinlock
	schedLock    *poise.Spinlock
	running      bool
	core1Started bool

	tasks   [MaxTasks]*Task
	nextID  TaskID
	pickSeq uint64

	stats Stats
	hooks []TaskHooks
}

// NewCore builds the scheduler.  The clock drives delays and run
// statistics; log may be nil.
func NewCore(clock metal.Clock, ic metal.IntControl, log trust.Logger) *Core {
	return &Core{
		clock:     clock,
		log:       log,
		taskLock:  poise.New("task-table", ic),
		schedLock: poise.New("sched-state", ic),
		nextID:    1,
	}
}

// AddHooks registers a protection layer.  Must be called during bring-up,
// before the scheduler starts dispatching.
func (c *Core) AddHooks(h TaskHooks) {
	c.hooks = append(c.hooks, h)
}

// Start marks the scheduler running.  Dispatch passes are no-ops before
// this.
func (c *Core) Start() {
	is := c.schedLock.Lock()
	c.running = true
	c.schedLock.Unlock(is)
	if c.log != nil {
		c.log.Infof("scheduler running")
	}
}

// Running reports the scheduler-running flag.
func (c *Core) Running() bool {
	is := c.schedLock.Lock()
	r := c.running
	c.schedLock.Unlock(is)
	return r
}

// StartCore1 records that the second core's dispatch loop is up.  The
// board bring-up code launches the loop itself; this flag is the only
// cross-core signal besides the locks.
func (c *Core) StartCore1() {
	is := c.schedLock.Lock()
	c.core1Started = true
	c.schedLock.Unlock(is)
}

// Core1Started reports whether the second core's loop has been launched.
func (c *Core) Core1Started() bool {
	is := c.schedLock.Lock()
	r := c.core1Started
	c.schedLock.Unlock(is)
	return r
}

// CreateTask adds a task to the table and returns its id.  The task is
// immediately visible to both cores' dispatch passes.  Creation fails when
// the table is full or any parameter is out of range; nothing is mutated on
// failure.
func (c *Core) CreateTask(r Runner, params interface{}, stackBytes int, prio Priority, name string, affinity uint8, kind Kind) (TaskID, error) {
	if r == nil {
		return 0, fault.ErrNilRunner
	}
	if stackBytes <= 0 || stackBytes > MaxStackBytes {
		return 0, fault.ErrBadStackSize
	}
	if prio > PriorityCritical {
		return 0, fault.ErrBadPriority
	}
	if affinity != 0 && affinity != 1 && affinity != CoreAny {
		return 0, fault.ErrBadAffinity
	}

	t := &Task{
		core:      c,
		runner:    r,
		params:    params,
		stack:     make([]byte, stackBytes),
		priority:  prio,
		affinity:  affinity,
		kind:      kind,
		state:     StateReady,
		runningOn: -1,
		resume:    make(chan resumeMsg),
		yield:     make(chan yieldEvent),
	}
	copy(t.name[:], name)

	is := c.taskLock.Lock()
	slot := -1
	for i := 0; i < MaxTasks; i++ {
		if c.tasks[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		c.taskLock.Unlock(is)
		return 0, fault.ErrTaskTableFull
	}
	t.id = c.nextID
	c.nextID++
	c.tasks[slot] = t
	c.taskLock.Unlock(is)

	t.start()

	is = c.schedLock.Lock()
	c.stats.TasksCreated++
	c.schedLock.Unlock(is)

	if c.log != nil {
		c.log.Debugf("created task %d %q prio=%d affinity=%#x", t.id, t.Name(), prio, affinity)
	}
	return t.id, nil
}

// DeleteTask removes a task.  Deleting the currently running task is not
// supported and is rejected; the caller must arrange for the task to be off
// the core first.  Every registered hook is told about the deletion before
// the slot returns to inactive.
func (c *Core) DeleteTask(id TaskID) error {
	is := c.taskLock.Lock()
	slot, t := c.findLocked(id)
	if t == nil || t.deleting {
		c.taskLock.Unlock(is)
		return fault.ErrNoSuchTask.WithTask(int(id))
	}
	if t.state == StateRunning {
		c.taskLock.Unlock(is)
		return fault.ErrDeleteRunning.WithTask(int(id))
	}
	wasCompleted := t.state == StateCompleted
	// make it ineligible while we tear down outside the lock
	t.deleting = true
	t.state = StateSuspended
	c.taskLock.Unlock(is)

	if !wasCompleted {
		// parked goroutine unwinds and exits
		t.resume <- resumeMsg{kill: true}
	}
	for _, h := range c.hooks {
		h.TaskDeleted(id)
	}

	is = c.taskLock.Lock()
	c.tasks[slot] = nil
	c.taskLock.Unlock(is)

	is = c.schedLock.Lock()
	c.stats.TasksDeleted++
	c.schedLock.Unlock(is)

	if c.log != nil {
		c.log.Debugf("deleted task %d", id)
	}
	return nil
}

// SuspendTask makes a task ineligible until ResumeTask.  Suspending the
// running task takes effect at its next yield boundary.
func (c *Core) SuspendTask(id TaskID) error {
	is := c.taskLock.Lock()
	defer c.taskLock.Unlock(is)
	_, t := c.findLocked(id)
	if t == nil {
		return fault.ErrNoSuchTask.WithTask(int(id))
	}
	switch t.state {
	case StateCompleted:
		return fault.ErrAlreadyDone.WithTask(int(id))
	case StateRunning:
		t.suspendPending = true
	default:
		t.state = StateSuspended
	}
	return nil
}

// ResumeTask puts a suspended task back in the ready set.
func (c *Core) ResumeTask(id TaskID) error {
	is := c.taskLock.Lock()
	defer c.taskLock.Unlock(is)
	_, t := c.findLocked(id)
	if t == nil {
		return fault.ErrNoSuchTask.WithTask(int(id))
	}
	if t.state == StateRunning && t.suspendPending {
		t.suspendPending = false
		return nil
	}
	if t.state != StateSuspended {
		return fault.ErrNotSuspended.WithTask(int(id))
	}
	t.state = StateReady
	return nil
}

// NudgeTask wakes a delayed task early.  It never blocks and never fails;
// the interrupt manager uses it to pull the drain task forward when a
// coalescing threshold fires.
func (c *Core) NudgeTask(id TaskID) {
	is := c.taskLock.Lock()
	_, t := c.findLocked(id)
	if t != nil && t.state == StateBlocked {
		t.wakeAt = 0
	}
	c.taskLock.Unlock(is)
}

// TaskInfo returns a snapshot copy of a task's metadata.
func (c *Core) TaskInfo(id TaskID) (TaskInfo, error) {
	is := c.taskLock.Lock()
	defer c.taskLock.Unlock(is)
	_, t := c.findLocked(id)
	if t == nil {
		return TaskInfo{}, fault.ErrNoSuchTask.WithTask(int(id))
	}
	return t.snapshot(), nil
}

// Tasks returns snapshots of every live slot, in table order.
func (c *Core) Tasks() []TaskInfo {
	is := c.taskLock.Lock()
	defer c.taskLock.Unlock(is)
	var out []TaskInfo
	for _, t := range c.tasks {
		if t != nil {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// Stats returns a copy of the aggregate counters.
func (c *Core) Stats() Stats {
	is := c.schedLock.Lock()
	defer c.schedLock.Unlock(is)
	return c.stats
}

// RunPendingTasks performs one dispatch pass for the calling core and
// returns the number of tasks run (0 or 1).  It must be polled regularly;
// it blocks no longer than the chosen task's next voluntary yield or delay.
func (c *Core) RunPendingTasks(core int) int {
	if core < 0 || core >= metal.NumCores {
		return 0
	}
	if !c.Running() {
		return 0
	}

	now := c.clock.NowMicros()

	is := c.taskLock.Lock()
	c.wakeDelayedLocked(now)
	t := c.pickLocked(core)
	if t == nil {
		c.taskLock.Unlock(is)
		return 0
	}
	t.state = StateRunning
	t.runningOn = core
	t.lastRunMicros = now
	c.pickSeq++
	t.lastPicked = c.pickSeq
	id := t.id
	c.taskLock.Unlock(is)

	for _, h := range c.hooks {
		if err := h.ApplyTaskSettings(core, id); err != nil && c.log != nil {
			c.log.Warnf("apply settings for task %d on core %d: %v", id, core, err)
		}
	}

	t.resume <- resumeMsg{}
	ev := <-t.yield

	for _, h := range c.hooks {
		if err := h.ResetTaskSettings(core, id); err != nil && c.log != nil {
			c.log.Warnf("reset settings for task %d on core %d: %v", id, core, err)
		}
	}

	end := c.clock.NowMicros()
	elapsed := end - now

	is = c.taskLock.Lock()
	t.runCount++
	t.runMicros += elapsed
	t.runningOn = -1
	switch ev.kind {
	case evYield:
		t.state = StateReady
	case evDelay:
		t.state = StateBlocked
		t.wakeAt = ev.wakeAt
	case evReturn:
		if t.kind == KindOneShot {
			t.state = StateCompleted
		} else {
			t.state = StateReady
		}
	}
	if t.suspendPending && t.state != StateCompleted {
		t.state = StateSuspended
	}
	t.suspendPending = false
	c.taskLock.Unlock(is)

	is = c.schedLock.Lock()
	c.stats.ContextSwitches[core]++
	c.stats.TotalRunMicros += elapsed
	c.schedLock.Unlock(is)
	return 1
}

// wakeDelayedLocked moves delayed tasks whose deadline has passed back to
// ready.  Caller holds the task-table lock.
func (c *Core) wakeDelayedLocked(now uint64) {
	for _, t := range c.tasks {
		if t != nil && t.state == StateBlocked && t.wakeAt <= now {
			t.state = StateReady
		}
	}
}

// pickLocked selects the next task for a core: highest priority among ready
// tasks the core may run, round-robin (least recently picked, creation
// order first) among equals.  Caller holds the task-table lock.
func (c *Core) pickLocked(core int) *Task {
	var best *Task
	for _, t := range c.tasks {
		if t == nil || t.state != StateReady {
			continue
		}
		if t.affinity != uint8(core) && t.affinity != CoreAny {
			continue
		}
		if best == nil ||
			t.priority > best.priority ||
			(t.priority == best.priority && t.lastPicked < best.lastPicked) ||
			(t.priority == best.priority && t.lastPicked == best.lastPicked && t.id < best.id) {
			best = t
		}
	}
	return best
}

func (c *Core) findLocked(id TaskID) (int, *Task) {
	for i, t := range c.tasks {
		if t != nil && t.id == id {
			return i, t
		}
	}
	return -1, nil
}
