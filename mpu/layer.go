package mpu

import (
	"composure/fault"
	"composure/metal"
	"composure/poise"
	"composure/sched"
	"composure/trust"
)

// MaxTaskConfigs is the fixed capacity of the per-task region table.  It
// matches the scheduler's task table.
const MaxTaskConfigs = sched.MaxTasks

// TaskConfig is the requested protection setup for one task.
type TaskConfig struct {
	Task    sched.TaskID
	Regions []Region
}

type slot struct {
	used    bool
	id      sched.TaskID
	count   int
	regions [MaxRegionsPerTask]Region
}

// Layer owns the MPU state for every task and the port to the hardware.
// One instance per system; it implements sched.TaskHooks so the dispatcher
// applies and resets regions around every task switch.
type Layer struct {
	lock *poise.Spinlock
	port metal.MPUPort
	log  trust.Logger

	slots [MaxTaskConfigs]slot
}

// NewLayer builds the MPU layer.  log may be nil.
func NewLayer(port metal.MPUPort, ic metal.IntControl, log trust.Logger) *Layer {
	return &Layer{
		lock: poise.New("mpu-table", ic),
		port: port,
		log:  log,
	}
}

// ConfigureTask stores the region list for a task, replacing any previous
// list.  A task's slot is allocated on first use and never relocated.  The
// layer does not check region lists for overlaps with conflicting access
// classes; that remains the caller's responsibility.
func (l *Layer) ConfigureTask(cfg TaskConfig) error {
	if len(cfg.Regions) > MaxRegionsPerTask {
		return fault.ErrTooManyRegions.WithTask(int(cfg.Task))
	}
	for _, r := range cfg.Regions {
		if r.Size == 0 {
			return fault.ErrBadRegion.WithTask(int(cfg.Task))
		}
	}

	is := l.lock.Lock()
	defer l.lock.Unlock(is)
	s := l.slotFor(cfg.Task)
	if s == nil {
		return fault.ErrMpuTableFull.WithTask(int(cfg.Task))
	}
	s.used = true
	s.id = cfg.Task
	s.count = len(cfg.Regions)
	copy(s.regions[:], cfg.Regions)
	if l.log != nil {
		l.log.Debugf("task %d: %d region(s) configured", cfg.Task, s.count)
	}
	return nil
}

// TaskConfig returns a copy of the stored region list, order preserved.
func (l *Layer) TaskConfig(id sched.TaskID) (TaskConfig, error) {
	is := l.lock.Lock()
	defer l.lock.Unlock(is)
	s := l.findLocked(id)
	if s == nil {
		return TaskConfig{}, fault.ErrNoMpuConfig.WithTask(int(id))
	}
	out := TaskConfig{Task: id, Regions: make([]Region, s.count)}
	copy(out.Regions, s.regions[:s.count])
	return out, nil
}

// ApplyTaskSettings programs the task's regions on the given core: all
// hardware regions are disabled first, then each configured region is
// legalized and programmed.  The whole operation runs under the MPU lock so
// concurrent readers see all-or-nothing; the hardware's own multi-register
// program sequence is serialized by the same lock.  A task with no stored
// configuration gets the fail-safe default: everything disabled.
func (l *Layer) ApplyTaskSettings(core int, id sched.TaskID) error {
	is := l.lock.Lock()
	defer l.lock.Unlock(is)
	l.port.DisableRegions(core)
	s := l.findLocked(id)
	if s == nil {
		return nil
	}
	for i := 0; i < s.count; i++ {
		r := s.regions[i]
		base, size := Legalize(r.Base, r.Size)
		l.port.ProgramRegion(core, i, base, size, r.encode())
	}
	return nil
}

// ResetTaskSettings disables every hardware region on the core.  No access
// beats stale access, so this runs the same whether or not the task ever
// had a configuration.
func (l *Layer) ResetTaskSettings(core int, _ sched.TaskID) error {
	is := l.lock.Lock()
	defer l.lock.Unlock(is)
	l.port.DisableRegions(core)
	return nil
}

// TaskDeleted drops the task's stored configuration.
func (l *Layer) TaskDeleted(id sched.TaskID) {
	is := l.lock.Lock()
	defer l.lock.Unlock(is)
	s := l.findLocked(id)
	if s != nil {
		*s = slot{}
	}
}

// slotFor finds the task's existing slot or allocates the first free one.
// Caller holds the lock.
func (l *Layer) slotFor(id sched.TaskID) *slot {
	if s := l.findLocked(id); s != nil {
		return s
	}
	for i := range l.slots {
		if !l.slots[i].used {
			return &l.slots[i]
		}
	}
	return nil
}

func (l *Layer) findLocked(id sched.TaskID) *slot {
	for i := range l.slots {
		if l.slots[i].used && l.slots[i].id == id {
			return &l.slots[i]
		}
	}
	return nil
}
