// Package tz manages per-task security states and the registry of
// secure-callable functions.  Like the MPU layer it hangs off the
// scheduler's task hooks: the secure/non-secure world of a core is switched
// right before a task runs and restored right after.
package tz

import (
	"composure/fault"
	"composure/metal"
	"composure/poise"
	"composure/sched"
	"composure/trust"
)

// SecurityState is the world a task executes in.
type SecurityState uint8

const (
	StateSecure SecurityState = iota
	StateNonSecure
	// StateTransitional marks a task mid world-switch; the layer sets it
	// internally while a transition is in flight.
	StateTransitional
)

func (s SecurityState) String() string {
	switch s {
	case StateSecure:
		return "secure"
	case StateNonSecure:
		return "non-secure"
	case StateTransitional:
		return "transitional"
	}
	return "unknown"
}

// MaxTaskConfigs matches the scheduler's task table.
const MaxTaskConfigs = sched.MaxTasks

// MaxSecureFunctions caps the append-only registry.
const MaxSecureFunctions = 64

// VeneerBase is where the generated non-secure-callable veneers live.  The
// address of registration i is VeneerBase + i*VeneerSlotBytes; external
// code relies on that determinism, so both constants are part of the
// contract.
const VeneerBase uintptr = 0x100f_f000

// VeneerSlotBytes is the stride between veneers.
const VeneerSlotBytes = 32

// Binding names one secure function a task may call, with the secure entry
// point and the veneer the non-secure side jumps through.
type Binding struct {
	Name        string
	SecureEntry uintptr
	Veneer      uintptr
}

// TaskConfig is the desired security setup for one task.
type TaskConfig struct {
	Task     sched.TaskID
	State    SecurityState
	Bindings []Binding
}

type slot struct {
	used     bool
	id       sched.TaskID
	state    SecurityState
	bindings []Binding
}

type regEntry struct {
	name   string
	secure uintptr
	veneer uintptr
}

// Layer owns the per-task security table and the secure-function registry.
type Layer struct {
	lock *poise.Spinlock
	port metal.SecurePort
	log  trust.Logger

	slots    [MaxTaskConfigs]slot
	registry []regEntry
}

// NewLayer builds the TrustZone layer.  port may be nil on parts without
// the security extension; applying a non-secure task then fails with an
// explicit unsupported error instead of silently doing nothing.  log may be
// nil.
func NewLayer(port metal.SecurePort, ic metal.IntControl, log trust.Logger) *Layer {
	return &Layer{
		lock: poise.New("tz-table", ic),
		port: port,
		log:  log,
	}
}

// ConfigureTask stores the desired security state and bindings for a task.
// Veneer addresses on the bindings are filled in from the registry when the
// name is already registered.
func (l *Layer) ConfigureTask(cfg TaskConfig) error {
	if cfg.State > StateTransitional {
		return fault.ErrBadSecurityState.WithTask(int(cfg.Task))
	}

	is := l.lock.Lock()
	defer l.lock.Unlock(is)
	s := l.slotFor(cfg.Task)
	if s == nil {
		return fault.ErrTzTableFull.WithTask(int(cfg.Task))
	}
	bindings := make([]Binding, len(cfg.Bindings))
	copy(bindings, cfg.Bindings)
	for i := range bindings {
		if bindings[i].Veneer == 0 {
			if e := l.findRegisteredLocked(bindings[i].Name); e != nil {
				bindings[i].Veneer = e.veneer
			}
		}
	}
	s.used = true
	s.id = cfg.Task
	s.state = cfg.State
	s.bindings = bindings
	return nil
}

// TaskConfig returns a copy of the stored configuration.
func (l *Layer) TaskConfig(id sched.TaskID) (TaskConfig, error) {
	is := l.lock.Lock()
	defer l.lock.Unlock(is)
	s := l.findLocked(id)
	if s == nil {
		return TaskConfig{}, fault.ErrNoTzConfig.WithTask(int(id))
	}
	out := TaskConfig{Task: id, State: s.state, Bindings: make([]Binding, len(s.bindings))}
	copy(out.Bindings, s.bindings)
	return out, nil
}

// ApplyTaskSettings switches the core to the task's configured world.  A
// task with no stored configuration is secure by default and the call
// succeeds without touching anything.  When the task is non-secure the
// secure-to-non-secure sequence runs through the port; a missing port is an
// explicit error, never a silent no-op.
func (l *Layer) ApplyTaskSettings(core int, id sched.TaskID) error {
	is := l.lock.Lock()
	s := l.findLocked(id)
	if s == nil || s.state == StateSecure {
		l.lock.Unlock(is)
		return nil
	}
	if l.port == nil {
		l.lock.Unlock(is)
		return fault.ErrUnsupported.WithTask(int(id))
	}
	want := s.state
	s.state = StateTransitional
	l.lock.Unlock(is)

	err := l.port.EnterNonSecure(core)

	is = l.lock.Lock()
	if s.used && s.id == id {
		if err != nil {
			s.state = StateSecure
		} else {
			s.state = want
		}
	}
	l.lock.Unlock(is)
	return err
}

// ResetTaskSettings returns the core to the secure world after a
// non-secure task gives it up.
func (l *Layer) ResetTaskSettings(core int, id sched.TaskID) error {
	is := l.lock.Lock()
	s := l.findLocked(id)
	nonSecure := s != nil && s.state == StateNonSecure
	l.lock.Unlock(is)
	if !nonSecure {
		return nil
	}
	if l.port == nil {
		return fault.ErrUnsupported.WithTask(int(id))
	}
	return l.port.EnterSecure(core)
}

// TaskDeleted drops the task's stored configuration.  The secure-function
// registry is append-only for the process lifetime and is untouched.
func (l *Layer) TaskDeleted(id sched.TaskID) {
	is := l.lock.Lock()
	defer l.lock.Unlock(is)
	s := l.findLocked(id)
	if s != nil {
		*s = slot{}
	}
}

// RegisterSecureFunction appends a secure entry point to the registry and
// returns the non-secure-callable veneer address, computed as
// VeneerBase + index*VeneerSlotBytes.  Registering the same name with the
// same entry point returns the existing veneer; the same name with a
// different entry point is rejected.
func (l *Layer) RegisterSecureFunction(name string, secureEntry uintptr) (uintptr, error) {
	is := l.lock.Lock()
	defer l.lock.Unlock(is)
	if e := l.findRegisteredLocked(name); e != nil {
		if e.secure == secureEntry {
			return e.veneer, nil
		}
		return 0, fault.ErrDuplicateSecure
	}
	if len(l.registry) >= MaxSecureFunctions {
		return 0, fault.ErrRegistryFull
	}
	veneer := VeneerBase + uintptr(len(l.registry))*VeneerSlotBytes
	l.registry = append(l.registry, regEntry{name: name, secure: secureEntry, veneer: veneer})
	if l.log != nil {
		l.log.Debugf("secure function %q -> veneer %#x", name, veneer)
	}
	return veneer, nil
}

// SecureFunctions returns a copy of the registry as bindings.
func (l *Layer) SecureFunctions() []Binding {
	is := l.lock.Lock()
	defer l.lock.Unlock(is)
	out := make([]Binding, len(l.registry))
	for i, e := range l.registry {
		out[i] = Binding{Name: e.name, SecureEntry: e.secure, Veneer: e.veneer}
	}
	return out
}

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

func (l *Layer) findRegisteredLocked(name string) *regEntry {
	for i := range l.registry {
		if l.registry[i].name == name {
			return &l.registry[i]
		}
	}
	return nil
}
