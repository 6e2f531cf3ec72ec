// Package hosted provides metal implementations that run on a normal
// operating system.  They are deterministic enough for tests and good
// enough for the aplomb monitor to drive the whole core interactively.
package hosted

import (
	"sync"
	"time"

	"composure/metal"
)

//
// IntControl
//

// IntControl is a hosted stand-in for the DAIF-style interrupt mask.  There
// are no real interrupts to mask on a hosted build, so it only tracks
// nesting depth, which lets tests assert that every Disable has a matching
// Restore.
type IntControl struct {
	mu    sync.Mutex
	depth int
}

func NewIntControl() *IntControl {
	return &IntControl{}
}

func (ic *IntControl) Disable() metal.IntState {
	ic.mu.Lock()
	ic.depth++
	d := ic.depth
	ic.mu.Unlock()
	return metal.IntState(d)
}

func (ic *IntControl) Restore(_ metal.IntState) {
	ic.mu.Lock()
	if ic.depth > 0 {
		ic.depth--
	}
	ic.mu.Unlock()
}

// Depth reports the current nesting depth.  Zero means interrupts are
// "enabled".
func (ic *IntControl) Depth() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.depth
}

//
// Clocks
//

// Clock is a monotonic wall clock.
type Clock struct {
	start time.Time
}

func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

func (c *Clock) NowMicros() uint64 {
	return uint64(time.Since(c.start) / time.Microsecond)
}

// ManualClock only moves when Advance is called.  Tests use it to step
// through delay deadlines and coalescing windows exactly.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
}

func NewManualClock() *ManualClock {
	return &ManualClock{}
}

func (c *ManualClock) NowMicros() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(micros uint64) {
	c.mu.Lock()
	c.now += micros
	c.mu.Unlock()
}

//
// MPU port
//

// ProgrammedRegion is one region as the hosted MPU saw it programmed.
type ProgrammedRegion struct {
	Slot  int
	Base  uintptr
	Size  uintptr
	Attrs uint32
}

// MPU records region programming per core instead of touching registers.
type MPU struct {
	mu      sync.Mutex
	regions [metal.NumCores][]ProgrammedRegion
}

func NewMPU() *MPU {
	return &MPU{}
}

func (m *MPU) DisableRegions(core int) {
	m.mu.Lock()
	m.regions[core] = nil
	m.mu.Unlock()
}

func (m *MPU) ProgramRegion(core int, slot int, base uintptr, size uintptr, attrs uint32) {
	m.mu.Lock()
	m.regions[core] = append(m.regions[core], ProgrammedRegion{
		Slot:  slot,
		Base:  base,
		Size:  size,
		Attrs: attrs,
	})
	m.mu.Unlock()
}

// Regions returns a copy of the currently programmed regions for a core.
func (m *MPU) Regions(core int) []ProgrammedRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProgrammedRegion, len(m.regions[core]))
	copy(out, m.regions[core])
	return out
}

//
// Secure port
//

// SecureWorld records per-core security-state transitions.
type SecureWorld struct {
	mu        sync.Mutex
	nonSecure [metal.NumCores]bool
	trans     int
}

func NewSecureWorld() *SecureWorld {
	return &SecureWorld{}
}

func (s *SecureWorld) EnterNonSecure(core int) error {
	s.mu.Lock()
	s.nonSecure[core] = true
	s.trans++
	s.mu.Unlock()
	return nil
}

func (s *SecureWorld) EnterSecure(core int) error {
	s.mu.Lock()
	s.nonSecure[core] = false
	s.trans++
	s.mu.Unlock()
	return nil
}

// NonSecure reports whether the core is currently in the non-secure world.
func (s *SecureWorld) NonSecure(core int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonSecure[core]
}

// Transitions reports how many world switches have happened.
func (s *SecureWorld) Transitions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trans
}
