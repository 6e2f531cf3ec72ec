// Package mpu computes and applies per-task memory-protection regions.  The
// dispatcher applies a task's regions immediately before it runs and resets
// them to no-access immediately after, through the scheduler's task hooks.
package mpu

import "math/bits"

// MaxRegionsPerTask matches the hardware region count.
const MaxRegionsPerTask = 8

// MinRegionBytes is the smallest region the hardware can express.
const MinRegionBytes = 32

// Access is the access class of a region.
type Access uint8

const (
	AccessNone Access = iota
	AccessRO
	AccessRW
	AccessRX
	AccessRWX
)

// Security is the TrustZone attribute of a region.
type Security uint8

const (
	SecuritySecure Security = iota
	SecurityNonSecure
	SecurityNSC // non-secure callable
)

// Region describes one requested protection region.  Base and Size need not
// be hardware-legal; Legalize is applied when the region is programmed.
type Region struct {
	Base       uintptr
	Size       uintptr
	Access     Access
	Security   Security
	Cacheable  bool
	Bufferable bool
	Shareable  bool
}

// Legalize converts a requested (base, size) into the power-of-two sized,
// self-aligned region the hardware requires.  The size is rounded up to the
// smallest power of two that is at least MinRegionBytes, the base is aligned
// down to that size, and the region grows (doubling) until it covers the
// whole requested range.  The result can over-cover adjacent memory, which
// is the accepted cost of taking unaligned requests.
//
// Legalize is idempotent and monotone: the returned base is never above the
// requested one and the returned size never below.
func Legalize(base, size uintptr) (uintptr, uintptr) {
	if size < MinRegionBytes {
		size = MinRegionBytes
	}
	end := base + size
	sz := ceilPow2(size)
	for {
		aligned := base &^ (sz - 1)
		if aligned+sz >= end {
			return aligned, sz
		}
		sz <<= 1
	}
}

func ceilPow2(v uintptr) uintptr {
	if v&(v-1) == 0 {
		return v
	}
	return 1 << bits.Len64(uint64(v))
}

// Attribute-word layout, loosely following the MPU RASR encoding.  The
// mapping from the Region enums to these bits is deterministic; ConfigOf
// round-trips decode exactly what encode produced.
const (
	attrEnable = 1 << 0

	attrBufferable = 1 << 16
	attrCacheable  = 1 << 17
	attrShareable  = 1 << 18

	attrSecurityShift = 20 // 2 bits
	attrAPShift       = 24 // 3 bits
	attrXN            = 1 << 28
)

// apBits returns the AP field and execute-never flag for an access class.
func apBits(a Access) (uint32, bool) {
	switch a {
	case AccessRO:
		return 0b110, true
	case AccessRW:
		return 0b011, true
	case AccessRX:
		return 0b110, false
	case AccessRWX:
		return 0b011, false
	}
	return 0b000, true // AccessNone and anything unknown
}

func (r Region) encode() uint32 {
	ap, xn := apBits(r.Access)
	attrs := uint32(attrEnable)
	attrs |= ap << attrAPShift
	if xn {
		attrs |= attrXN
	}
	attrs |= uint32(r.Security) << attrSecurityShift
	if r.Cacheable {
		attrs |= attrCacheable
	}
	if r.Bufferable {
		attrs |= attrBufferable
	}
	if r.Shareable {
		attrs |= attrShareable
	}
	return attrs
}
