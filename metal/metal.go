// Package metal holds the narrow interfaces between the dispatch core and
// the hardware it runs on.  Everything above this package is portable; the
// real implementations live in board support code and the hosted versions
// (metal/hosted) are used for development and tests.
package metal

// NumCores is the number of hardware cores the dispatch core manages.
// The target parts (RP2-class) all have two.
const NumCores = 2

// IntState is the saved interrupt-enable state returned by IntControl.Disable
// and accepted by Restore.  Its contents are meaningful only to the
// implementation that produced it.
type IntState uint32

// IntControl masks and restores interrupts on the calling core.  Disable and
// Restore must nest: each Restore receives the value from the matching
// Disable.
type IntControl interface {
	Disable() IntState
	Restore(IntState)
}

// Clock is the time source for delays, coalescing windows and run statistics.
// NowMicros must be monotonic.
type Clock interface {
	NowMicros() uint64
}

// MPUPort programs the per-core memory protection hardware.  Slot is the
// hardware region number.  The attrs word is the encoded permission and
// memory-type bits produced by the mpu package; base and size have already
// been legalized to the power-of-two, self-aligned form the hardware needs.
//
// The region-select/program sequence is a multi-register write on the real
// part, so callers serialize all use of this port behind one lock.
type MPUPort interface {
	DisableRegions(core int)
	ProgramRegion(core int, slot int, base uintptr, size uintptr, attrs uint32)
}

// SecurePort performs the security-state transitions for a core.  An
// implementation that cannot perform the sequence must return an error
// rather than pretend it did.
type SecurePort interface {
	EnterNonSecure(core int) error
	EnterSecure(core int) error
}
