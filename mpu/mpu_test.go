package mpu

import (
	"errors"
	"testing"

	"composure/fault"
	"composure/metal/hosted"
	"composure/sched"
	"composure/trust"
)

func newTestLayer(t *testing.T) (*Layer, *hosted.MPU) {
	t.Helper()
	port := hosted.NewMPU()
	return NewLayer(port, hosted.NewIntControl(), trust.NewLog("mpu", nil)), port
}

func TestLegalizeExactCases(t *testing.T) {
	tests := []struct {
		name     string
		base     uintptr
		size     uintptr
		wantBase uintptr
		wantSize uintptr
	}{
		{"already legal", 0x2000_0000, 4096, 0x2000_0000, 4096},
		{"minimum size", 0x2000_0000, 1, 0x2000_0000, 32},
		{"sub-minimum unaligned", 0x2000_0010, 16, 0x2000_0000, 32},
		{"size rounds to pow2", 0x2000_0000, 33, 0x2000_0000, 64},
		{"base aligns down", 0x2000_0020, 64, 0x2000_0000, 64},
		{"grows over pow2 boundary", 0x2000_0fe0, 64, 0x2000_0000, 8192},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, size := Legalize(tt.base, tt.size)
			if base != tt.wantBase || size != tt.wantSize {
				t.Errorf("Legalize(%#x, %#x) = (%#x, %#x), want (%#x, %#x)",
					tt.base, tt.size, base, size, tt.wantBase, tt.wantSize)
			}
		})
	}
}

func TestLegalizeProperties(t *testing.T) {
	cases := []struct{ base, size uintptr }{
		{0, 1},
		{0x2000_0000, 4096},
		{0x2000_0001, 1},
		{0x2000_0fff, 2},
		{0x1000_4000, 100},
		{0x100f_f000, 32},
		{0x7, 0x3000},
	}
	for _, c := range cases {
		base, size := Legalize(c.base, c.size)
		if size < MinRegionBytes {
			t.Errorf("Legalize(%#x, %#x): size %#x below minimum", c.base, c.size, size)
		}
		if size&(size-1) != 0 {
			t.Errorf("Legalize(%#x, %#x): size %#x not a power of two", c.base, c.size, size)
		}
		if base&(size-1) != 0 {
			t.Errorf("Legalize(%#x, %#x): base %#x not size-aligned", c.base, c.size, base)
		}
		if base > c.base {
			t.Errorf("Legalize(%#x, %#x): base grew to %#x", c.base, c.size, base)
		}
		reqSize := c.size
		if reqSize < MinRegionBytes {
			reqSize = MinRegionBytes
		}
		if base+size < c.base+reqSize {
			t.Errorf("Legalize(%#x, %#x): result [%#x,%#x) does not cover request",
				c.base, c.size, base, base+size)
		}
		// applying Legalize to its own output changes nothing
		base2, size2 := Legalize(base, size)
		if base2 != base || size2 != size {
			t.Errorf("Legalize not idempotent on (%#x, %#x): got (%#x, %#x)",
				base, size, base2, size2)
		}
	}
}

func TestConfigureTaskRoundTrip(t *testing.T) {
	l, _ := newTestLayer(t)
	want := TaskConfig{
		Task: 3,
		Regions: []Region{
			{Base: 0x2000_0000, Size: 4096, Access: AccessRW, Security: SecurityNonSecure, Cacheable: true},
			{Base: 0x1000_0000, Size: 1024, Access: AccessRX, Security: SecuritySecure},
			{Base: 0x3000_0000, Size: 32, Access: AccessRO, Security: SecurityNSC, Shareable: true},
		},
	}
	if err := l.ConfigureTask(want); err != nil {
		t.Fatalf("configure: %v", err)
	}
	got, err := l.TaskConfig(3)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got.Regions) != len(want.Regions) {
		t.Fatalf("got %d regions, want %d", len(got.Regions), len(want.Regions))
	}
	for i := range want.Regions {
		if got.Regions[i] != want.Regions[i] {
			t.Errorf("region %d = %+v, want %+v", i, got.Regions[i], want.Regions[i])
		}
	}
}

func TestConfigureTaskReplaces(t *testing.T) {
	l, _ := newTestLayer(t)
	first := TaskConfig{Task: 1, Regions: []Region{
		{Base: 0x2000_0000, Size: 4096, Access: AccessRW},
		{Base: 0x2000_1000, Size: 4096, Access: AccessRO},
	}}
	if err := l.ConfigureTask(first); err != nil {
		t.Fatalf("configure: %v", err)
	}
	second := TaskConfig{Task: 1, Regions: []Region{
		{Base: 0x3000_0000, Size: 1024, Access: AccessRX},
	}}
	if err := l.ConfigureTask(second); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	got, _ := l.TaskConfig(1)
	if len(got.Regions) != 1 || got.Regions[0].Base != 0x3000_0000 {
		t.Fatalf("stale configuration survived: %+v", got)
	}
}

func TestConfigureTaskValidation(t *testing.T) {
	l, _ := newTestLayer(t)

	over := TaskConfig{Task: 1, Regions: make([]Region, MaxRegionsPerTask+1)}
	for i := range over.Regions {
		over.Regions[i] = Region{Base: uintptr(i) * 0x1000, Size: 32}
	}
	if err := l.ConfigureTask(over); !errors.Is(err, fault.ErrTooManyRegions) {
		t.Fatalf("too many regions: got %v", err)
	}

	zero := TaskConfig{Task: 1, Regions: []Region{{Base: 0x2000_0000, Size: 0}}}
	if err := l.ConfigureTask(zero); !errors.Is(err, fault.ErrBadRegion) {
		t.Fatalf("zero-size region: got %v", err)
	}

	if _, err := l.TaskConfig(1); !errors.Is(err, fault.ErrNoMpuConfig) {
		t.Fatal("rejected configuration was stored")
	}
}

func TestTableFull(t *testing.T) {
	l, _ := newTestLayer(t)
	r := []Region{{Base: 0x2000_0000, Size: 32, Access: AccessRO}}
	for i := 0; i < MaxTaskConfigs; i++ {
		if err := l.ConfigureTask(TaskConfig{Task: sched.TaskID(i + 1), Regions: r}); err != nil {
			t.Fatalf("configure %d: %v", i, err)
		}
	}
	if err := l.ConfigureTask(TaskConfig{Task: 100, Regions: r}); !errors.Is(err, fault.ErrMpuTableFull) {
		t.Fatalf("got %v, want %v", err, fault.ErrMpuTableFull)
	}
	// an existing task reconfigures in place even when the table is full
	if err := l.ConfigureTask(TaskConfig{Task: 1, Regions: r}); err != nil {
		t.Fatalf("reconfigure with full table: %v", err)
	}
}

func TestApplyProgramsLegalizedRegions(t *testing.T) {
	l, port := newTestLayer(t)
	if err := l.ConfigureTask(TaskConfig{Task: 2, Regions: []Region{
		{Base: 0x2000_0010, Size: 16, Access: AccessRW, Cacheable: true},
		{Base: 0x1000_0000, Size: 4096, Access: AccessRX},
	}}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := l.ApplyTaskSettings(0, 2); err != nil {
		t.Fatalf("apply: %v", err)
	}

	regions := port.Regions(0)
	if len(regions) != 2 {
		t.Fatalf("programmed %d regions, want 2", len(regions))
	}
	if regions[0].Slot != 0 || regions[0].Base != 0x2000_0000 || regions[0].Size != 32 {
		t.Fatalf("region 0 = %+v", regions[0])
	}
	if regions[1].Slot != 1 || regions[1].Base != 0x1000_0000 || regions[1].Size != 4096 {
		t.Fatalf("region 1 = %+v", regions[1])
	}
	if regions[0].Attrs == regions[1].Attrs {
		t.Fatal("distinct access classes encoded identically")
	}
	for i, r := range regions {
		if r.Attrs&1 == 0 {
			t.Fatalf("region %d programmed without enable bit", i)
		}
	}
	// core 1 was never touched
	if n := len(port.Regions(1)); n != 0 {
		t.Fatalf("core 1 has %d regions", n)
	}
}

func TestApplyWithoutConfigDisablesEverything(t *testing.T) {
	l, port := newTestLayer(t)
	if err := l.ConfigureTask(TaskConfig{Task: 1, Regions: []Region{
		{Base: 0x2000_0000, Size: 4096, Access: AccessRW},
	}}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := l.ApplyTaskSettings(0, 1); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// unknown task: fail-safe default, hardware left with nothing enabled
	if err := l.ApplyTaskSettings(0, 99); err != nil {
		t.Fatalf("apply unknown task: %v", err)
	}
	if n := len(port.Regions(0)); n != 0 {
		t.Fatalf("%d regions live for a task with no configuration", n)
	}
}

func TestResetDisablesRegions(t *testing.T) {
	l, port := newTestLayer(t)
	if err := l.ConfigureTask(TaskConfig{Task: 1, Regions: []Region{
		{Base: 0x2000_0000, Size: 4096, Access: AccessRW},
	}}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := l.ApplyTaskSettings(1, 1); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if n := len(port.Regions(1)); n != 1 {
		t.Fatalf("programmed %d regions", n)
	}
	if err := l.ResetTaskSettings(1, 1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n := len(port.Regions(1)); n != 0 {
		t.Fatalf("%d regions survived reset", n)
	}
}

func TestTaskDeletedFreesSlot(t *testing.T) {
	l, _ := newTestLayer(t)
	r := []Region{{Base: 0x2000_0000, Size: 32, Access: AccessRO}}
	for i := 0; i < MaxTaskConfigs; i++ {
		if err := l.ConfigureTask(TaskConfig{Task: sched.TaskID(i + 1), Regions: r}); err != nil {
			t.Fatalf("configure %d: %v", i, err)
		}
	}
	l.TaskDeleted(5)
	if _, err := l.TaskConfig(5); !errors.Is(err, fault.ErrNoMpuConfig) {
		t.Fatal("deleted task still configured")
	}
	if err := l.ConfigureTask(TaskConfig{Task: 100, Regions: r}); err != nil {
		t.Fatalf("freed slot not reusable: %v", err)
	}
}
