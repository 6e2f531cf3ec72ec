// Package irq bridges hardware interrupts into the scheduled-task world.
// Each managed IRQ either invokes its handler immediately from the trigger
// wrapper or accumulates a coalescing counter that a dedicated scheduler
// task drains on a time, count or hybrid policy.
package irq

import (
	"composure/fault"
	"composure/gen"
	"composure/metal"
	"composure/poise"
	"composure/trust"
)

// NumIRQ is the fixed size of the interrupt table.
const NumIRQ = 32

// MaxPriority is the highest hardware priority accepted by Register.
const MaxPriority = 3

// Mode selects how triggers are batched for deferred processing.
type Mode uint8

const (
	CoalesceNone Mode = iota
	CoalesceTime
	CoalesceCount
	CoalesceHybrid
)

func (m Mode) String() string {
	switch m {
	case CoalesceNone:
		return "none"
	case CoalesceTime:
		return "time"
	case CoalesceCount:
		return "count"
	case CoalesceHybrid:
		return "hybrid"
	}
	return "unknown"
}

// Handler services one IRQ.  It must be safe to invoke both from the
// hardware trigger wrapper (immediate path) and from the drain task
// (coalesced path); it cannot assume which context it is in.
type Handler interface {
	HandleIRQ(irq uint32, params interface{})
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(irq uint32, params interface{})

func (f HandlerFunc) HandleIRQ(irq uint32, params interface{}) { f(irq, params) }

// Event identifies what an EventFunc is observing.
type Event uint8

const (
	// EventTriggered fires on every trigger, both paths.
	EventTriggered Event = iota
	// EventBatch fires when the drain task decides a coalesced batch is due.
	EventBatch
)

// EventFunc observes manager activity.  It is invoked while the interrupt
// table lock is held, so it must not block and must not call back into the
// manager.
type EventFunc func(ev Event, irq uint32)

// Config is the snapshot of one registration's policy, as returned by
// ConfigOf.
type Config struct {
	Registered       bool
	Enabled          bool
	Priority         uint8
	CoalesceEnabled  bool
	Mode             Mode
	TimeMicros       uint64
	CountThreshold   uint32
	TotalTriggers    uint64
	PendingCoalesced uint32
	LastTriggered    uint64
	LastHandled      uint64
}

// Stats are the lock-protected aggregate counters.
type Stats struct {
	Total            uint64
	Immediate        uint64
	Coalesced        uint64
	Batches          uint64
	MaxCoalesceDepth uint32
	PerMode          [4]uint64 // batch invocations by Mode
	ProcessingMicros uint64
}

type entry struct {
	handler  Handler
	params   interface{}
	priority uint8
	enabled  bool

	coalesce       bool
	mode           Mode
	timeMicros     uint64
	countThreshold uint32

	total         uint64
	pending       uint32 // accumulated, not yet drained
	lastTriggered uint64
	lastHandled   uint64
}

// Manager owns the interrupt table.  Construct one at bring-up and keep it
// for the life of the process; registrations are permanent.
type Manager struct {
	lock  *poise.Spinlock
	clock metal.Clock
	log   trust.Logger

	entries  [NumIRQ]entry
	pendingI *gen.BitSet // IRQs with coalesced work waiting
	stats    Stats
	event    EventFunc

	// wakeHint pulls the drain task forward; set by StartDrainTask.  Called
	// with no lock held and must not block.
	wakeHint func()
}

// New builds an interrupt manager.  log may be nil.
func New(clock metal.Clock, ic metal.IntControl, log trust.Logger) *Manager {
	return &Manager{
		lock:     poise.New("irq-table", ic),
		clock:    clock,
		log:      log,
		pendingI: gen.NewBitSet(NumIRQ),
	}
}

// Register binds a handler to an IRQ.  The context is borrowed and must
// outlive the registration.  There is no unregister: a second registration
// for the same IRQ fails and the original, including its statistics, is
// untouched.  New registrations start disabled.
func (m *Manager) Register(irq uint32, h Handler, params interface{}, priority uint8) error {
	if irq >= NumIRQ {
		return fault.ErrBadIrq
	}
	if h == nil {
		return fault.ErrNilHandler
	}
	if priority > MaxPriority {
		return fault.ErrBadIrqPriority
	}
	is := m.lock.Lock()
	defer m.lock.Unlock(is)
	e := &m.entries[irq]
	if e.handler != nil {
		return fault.ErrDuplicateIrq
	}
	e.handler = h
	e.params = params
	e.priority = priority
	e.enabled = false
	e.lastHandled = m.clock.NowMicros()
	return nil
}

// SetEnabled turns delivery for a registered IRQ on or off.
func (m *Manager) SetEnabled(irq uint32, on bool) error {
	if irq >= NumIRQ {
		return fault.ErrBadIrq
	}
	is := m.lock.Lock()
	defer m.lock.Unlock(is)
	e := &m.entries[irq]
	if e.handler == nil {
		return fault.ErrNotRegistered
	}
	e.enabled = on
	return nil
}

// ConfigureCoalescing sets the deferred-processing policy for an IRQ.  The
// coalescing window restarts from now.
func (m *Manager) ConfigureCoalescing(irq uint32, enabled bool, mode Mode, timeMicros uint64, count uint32) error {
	if irq >= NumIRQ {
		return fault.ErrBadIrq
	}
	if mode > CoalesceHybrid {
		return fault.ErrBadCoalesceMode
	}
	is := m.lock.Lock()
	defer m.lock.Unlock(is)
	e := &m.entries[irq]
	if e.handler == nil {
		return fault.ErrNotRegistered
	}
	e.coalesce = enabled
	e.mode = mode
	e.timeMicros = timeMicros
	e.countThreshold = count
	e.lastHandled = m.clock.NowMicros()
	return nil
}

// SetEventCallback installs the global observer.  Pass nil to remove it.
func (m *Manager) SetEventCallback(fn EventFunc) {
	is := m.lock.Lock()
	m.event = fn
	m.lock.Unlock(is)
}

// Trigger is the hardware-level wrapper: the vector stub for a managed IRQ
// lands here.  On the immediate path the handler runs right away, outside
// the lock.  On the coalesced path only the counter and the pending bit are
// touched; the handler runs later from the drain task.
func (m *Manager) Trigger(irq uint32) error {
	if irq >= NumIRQ {
		return fault.ErrBadIrq
	}
	now := m.clock.NowMicros()

	is := m.lock.Lock()
	e := &m.entries[irq]
	if e.handler == nil {
		m.lock.Unlock(is)
		return fault.ErrNotRegistered
	}
	if !e.enabled {
		// masked at the controller; nothing is delivered
		m.lock.Unlock(is)
		return nil
	}

	e.total++
	e.lastTriggered = now
	m.stats.Total++
	if m.event != nil {
		m.event(EventTriggered, irq)
	}

	if e.coalesce && e.mode != CoalesceNone {
		e.pending++
		if e.pending > m.stats.MaxCoalesceDepth {
			m.stats.MaxCoalesceDepth = e.pending
		}
		m.stats.Coalesced++
		m.pendingI.Set(gen.BitIndex(irq))
		wake := m.wakeHint
		if wake != nil {
			due := (e.mode == CoalesceCount || e.mode == CoalesceHybrid) &&
				e.pending >= e.countThreshold
			if !due {
				wake = nil
			}
		}
		m.lock.Unlock(is)
		if wake != nil {
			wake()
		}
		return nil
	}

	h, params := e.handler, e.params
	m.stats.Immediate++
	m.lock.Unlock(is)

	h.HandleIRQ(irq, params)

	done := m.clock.NowMicros()
	is = m.lock.Lock()
	m.entries[irq].lastHandled = done
	m.stats.ProcessingMicros += done - now
	m.lock.Unlock(is)
	return nil
}

// TriggerTest synchronously re-enters the hardware trigger wrapper.  It
// exists for tests and fault injection; behavior is identical to a real
// trigger.
func (m *Manager) TriggerTest(irq uint32) error {
	return m.Trigger(irq)
}

// ConfigOf returns a snapshot of one registration.
func (m *Manager) ConfigOf(irq uint32) (Config, error) {
	if irq >= NumIRQ {
		return Config{}, fault.ErrBadIrq
	}
	is := m.lock.Lock()
	defer m.lock.Unlock(is)
	e := &m.entries[irq]
	return Config{
		Registered:       e.handler != nil,
		Enabled:          e.enabled,
		Priority:         e.priority,
		CoalesceEnabled:  e.coalesce,
		Mode:             e.mode,
		TimeMicros:       e.timeMicros,
		CountThreshold:   e.countThreshold,
		TotalTriggers:    e.total,
		PendingCoalesced: e.pending,
		LastTriggered:    e.lastTriggered,
		LastHandled:      e.lastHandled,
	}, nil
}

// Stats returns a copy of the aggregate counters.
func (m *Manager) Stats() Stats {
	is := m.lock.Lock()
	defer m.lock.Unlock(is)
	return m.stats
}

// ResetStats zeroes the aggregate counters.  Per-entry counters and pending
// work are left alone.
func (m *Manager) ResetStats() {
	is := m.lock.Lock()
	m.stats = Stats{}
	m.lock.Unlock(is)
}
