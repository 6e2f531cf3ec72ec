// Package fault defines the error values returned by the dispatch core.
// Every code packs a subsystem and an error number into a single word so a
// failure can be reported over a byte-sized channel on the target; the task
// field is filled in dynamically where it is known.
package fault

import "fmt"

const subsystemMask = 0x00ff_0000_0000_0000
const taskIDMask = 0x0000_ffff_0000_0000
const errorNumberMask = 0x0000_0000_0000_ffff

const staticMask = subsystemMask | errorNumberMask

// Code is an error value.  The zero Code means no error.
type Code uint64

// Subsystem identifies which table or layer produced the error.
type Subsystem byte

const (
	SchedSubsystem Subsystem = 1
	IrqSubsystem   Subsystem = 2
	MpuSubsystem   Subsystem = 3
	TzSubsystem    Subsystem = 4
)

// Scheduler errors
var (
	ErrTaskTableFull = register(SchedSubsystem, 1, "task table is full")
	ErrNilRunner     = register(SchedSubsystem, 2, "task runner is nil")
	ErrBadPriority   = register(SchedSubsystem, 3, "priority out of range")
	ErrBadAffinity   = register(SchedSubsystem, 4, "core affinity is not 0, 1 or any")
	ErrBadStackSize  = register(SchedSubsystem, 5, "stack size is zero or above the compiled-in maximum")
	ErrNoSuchTask    = register(SchedSubsystem, 6, "no task with that id")
	ErrDeleteRunning = register(SchedSubsystem, 7, "deleting the running task is not supported")
	ErrNotSuspended  = register(SchedSubsystem, 8, "task is not suspended")
	ErrAlreadyDone   = register(SchedSubsystem, 9, "task has already completed")
)

// Interrupt manager errors
var (
	ErrBadIrq          = register(IrqSubsystem, 1, "irq number out of range")
	ErrNilHandler      = register(IrqSubsystem, 2, "interrupt handler is nil")
	ErrBadIrqPriority  = register(IrqSubsystem, 3, "interrupt priority out of range")
	ErrDuplicateIrq    = register(IrqSubsystem, 4, "irq already has a handler")
	ErrNotRegistered   = register(IrqSubsystem, 5, "irq has no handler")
	ErrBadCoalesceMode = register(IrqSubsystem, 6, "unknown coalescing mode")
)

// MPU errors
var (
	ErrTooManyRegions = register(MpuSubsystem, 1, "region count above the per-task maximum")
	ErrMpuTableFull   = register(MpuSubsystem, 2, "mpu task table is full")
	ErrBadRegion      = register(MpuSubsystem, 3, "region has zero size")
	ErrNoMpuConfig    = register(MpuSubsystem, 4, "task has no mpu configuration")
)

// TrustZone errors
var (
	ErrTzTableFull      = register(TzSubsystem, 1, "trustzone task table is full")
	ErrRegistryFull     = register(TzSubsystem, 2, "secure function registry is full")
	ErrDuplicateSecure  = register(TzSubsystem, 3, "secure function name already registered")
	ErrBadSecurityState = register(TzSubsystem, 4, "unknown security state")
	ErrUnsupported      = register(TzSubsystem, 5, "security transition not supported on this port")
	ErrNoTzConfig       = register(TzSubsystem, 6, "task has no trustzone configuration")
)

var messages = map[Code]string{}

func register(subsys Subsystem, errorNumber uint16, text string) Code {
	c := value(subsys, errorNumber)
	messages[c] = text
	return c
}

func value(subsys Subsystem, errorNumber uint16) Code {
	ss := subsystemMask & (uint64(subsys) << 48)
	en := errorNumberMask & uint64(errorNumber)
	return Code(ss | en)
}

// WithTask returns a copy of the code carrying the task id it concerns.
func (c Code) WithTask(id int) Code {
	t := taskIDMask & (uint64(id) << 32)
	return Code(uint64(c)&^taskIDMask | t)
}

// Task extracts the task id from the code, or 0 if none was attached.
func (c Code) Task() int {
	return int((uint64(c) & taskIDMask) >> 32)
}

func (c Code) Error() string {
	text, ok := messages[c&staticMask]
	if !ok {
		return fmt.Sprintf("unknown error code %x", uint64(c))
	}
	if id := c.Task(); id != 0 {
		return fmt.Sprintf("task %d: %s", id, text)
	}
	return text
}

// Is makes errors.Is ignore the dynamic task field, so a code with a task
// attached still matches its registered value.
func (c Code) Is(target error) bool {
	t, ok := target.(Code)
	if !ok {
		return false
	}
	return c&staticMask == t&staticMask
}
