package irq

import (
	"composure/gen"
	"composure/sched"
)

// DrainPollMillis is how often the drain task wakes to look for coalesced
// work.
const DrainPollMillis = 5

// Drain performs one pass over every IRQ with coalesced work pending and
// returns the number of batches it processed.  The drain task calls this on
// its poll interval, but it is also safe to call directly (tests do).
//
// For each due batch the count is snapshotted and reset, the pending bit
// cleared and the lock released before the handler runs, then the lock is
// retaken just to fold in timing stats.  The lock is never held across
// handler execution.
func (m *Manager) Drain() int {
	batches := 0

	is := m.lock.Lock()
	var due []uint32
	m.pendingI.ForEachSet(func(bit gen.BitIndex) {
		due = append(due, uint32(bit))
	})
	m.lock.Unlock(is)

	for _, irq := range due {
		now := m.clock.NowMicros()

		is := m.lock.Lock()
		e := &m.entries[irq]
		if !m.shouldProcessLocked(e, now) || e.pending == 0 {
			m.lock.Unlock(is)
			continue
		}
		count := e.pending
		e.pending = 0
		m.pendingI.Clear(gen.BitIndex(irq))
		e.lastHandled = now
		mode := e.mode
		h, params := e.handler, e.params
		if m.event != nil {
			m.event(EventBatch, irq)
		}
		m.lock.Unlock(is)

		for i := uint32(0); i < count; i++ {
			h.HandleIRQ(irq, params)
		}

		done := m.clock.NowMicros()
		is = m.lock.Lock()
		m.stats.Batches++
		m.stats.PerMode[mode]++
		m.stats.ProcessingMicros += done - now
		m.lock.Unlock(is)
		batches++
	}
	return batches
}

// shouldProcessLocked decides whether a pending batch is due.  Caller holds
// the table lock.
func (m *Manager) shouldProcessLocked(e *entry, now uint64) bool {
	timeDue := now-e.lastHandled >= e.timeMicros
	countDue := e.pending >= e.countThreshold
	switch e.mode {
	case CoalesceTime:
		return timeDue
	case CoalesceCount:
		return countDue
	case CoalesceHybrid:
		return timeDue || countDue
	}
	return false
}

// drainRunner is the persistent task body that drains coalesced work.
type drainRunner struct {
	m *Manager
}

func (d drainRunner) Run(t *sched.Task) {
	for {
		d.m.Drain()
		t.Delay(DrainPollMillis)
	}
}

// StartDrainTask creates the manager's scheduled drain task.  It runs at
// high priority on either core and polls every DrainPollMillis; count and
// hybrid policies additionally nudge it awake when a threshold fires.
func (m *Manager) StartDrainTask(c *sched.Core) (sched.TaskID, error) {
	id, err := c.CreateTask(drainRunner{m: m}, nil, 4096, sched.PriorityHigh,
		"irq-drain", sched.CoreAny, sched.KindPersistent)
	if err != nil {
		return 0, err
	}
	is := m.lock.Lock()
	m.wakeHint = func() { c.NudgeTask(id) }
	m.lock.Unlock(is)
	if m.log != nil {
		m.log.Infof("drain task %d started", id)
	}
	return id, nil
}
