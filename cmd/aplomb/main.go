// Command aplomb runs the whole dispatch core on the hosted metal ports and
// gives you a single-key console to poke at it: trigger test interrupts,
// watch coalescing do its thing, suspend and resume tasks, dump statistics.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	tty "github.com/mattn/go-tty"

	"composure/irq"
	"composure/metal/hosted"
	"composure/mpu"
	"composure/sched"
	"composure/trust"
	"composure/tz"
)

var verbose = flag.Int("v", 0, "verbosity: 0 errors and warnings, 1 info, 2 everything")
var testIRQ = flag.Uint("irq", 5, "irq number wired to the 't' key")

const demoThreshold = 4

func main() {
	flag.Parse()

	ic := hosted.NewIntControl()
	clock := hosted.NewClock()
	sink := trust.Sink(consoleSink)

	schedLog := trust.NewLog("sched", sink)
	irqLog := trust.NewLog("irq", sink)
	mpuLog := trust.NewLog("mpu", sink)
	tzLog := trust.NewLog("tz", sink)
	for _, l := range []*trust.Log{schedLog, irqLog, mpuLog, tzLog} {
		switch *verbose {
		case 0:
			l.SetLevel(trust.ErrorMask | trust.WarnMask)
		case 1:
			l.SetLevel(trust.ErrorMask | trust.WarnMask | trust.InfoMask)
		}
	}

	core := sched.NewCore(clock, ic, schedLog)
	mpuLayer := mpu.NewLayer(hosted.NewMPU(), ic, mpuLog)
	tzLayer := tz.NewLayer(hosted.NewSecureWorld(), ic, tzLog)
	core.AddHooks(mpuLayer)
	core.AddHooks(tzLayer)

	manager := irq.New(clock, ic, irqLog)

	var handled atomic.Int64
	err := manager.Register(uint32(*testIRQ), irq.HandlerFunc(func(n uint32, _ interface{}) {
		handled.Add(1)
	}), nil, 1)
	if err != nil {
		log.Fatalf("register irq %d: %v", *testIRQ, err)
	}
	if err := manager.SetEnabled(uint32(*testIRQ), true); err != nil {
		log.Fatalf("enable irq %d: %v", *testIRQ, err)
	}
	if err := manager.ConfigureCoalescing(uint32(*testIRQ), true, irq.CoalesceCount, 0, demoThreshold); err != nil {
		log.Fatalf("configure coalescing: %v", err)
	}

	var blinks atomic.Int64
	blinker, err := core.CreateTask(sched.RunnerFunc(func(t *sched.Task) {
		for {
			blinks.Add(1)
			t.Delay(250)
		}
	}), nil, 4096, sched.PriorityNormal, "blinker", sched.CoreAny, sched.KindPersistent)
	if err != nil {
		log.Fatalf("create blinker: %v", err)
	}
	if err := configureProtection(mpuLayer, tzLayer, blinker); err != nil {
		log.Fatalf("protect blinker: %v", err)
	}

	if _, err := manager.StartDrainTask(core); err != nil {
		log.Fatalf("start drain task: %v", err)
	}

	core.Start()
	go pollLoop(core, 0)
	go pollLoop(core, 1)
	core.StartCore1()

	t, err := tty.Open()
	if err != nil {
		log.Fatalf("this is an interactive tool and needs a terminal: %v", err)
	}
	defer t.Close()

	usage()
	for {
		r, err := t.ReadRune()
		if err != nil {
			log.Fatalf("read key: %v", err)
		}
		switch r {
		case 't':
			if err := manager.TriggerTest(uint32(*testIRQ)); err != nil {
				fmt.Printf("trigger: %v\r\n", err)
				continue
			}
			cfg, _ := manager.ConfigOf(uint32(*testIRQ))
			fmt.Printf("irq %d triggered; %d pending, %d handled\r\n",
				*testIRQ, cfg.PendingCoalesced, handled.Load())
		case 'i':
			s := manager.Stats()
			fmt.Printf("irq: total=%d immediate=%d coalesced=%d batches=%d maxdepth=%d\r\n",
				s.Total, s.Immediate, s.Coalesced, s.Batches, s.MaxCoalesceDepth)
		case 's':
			for _, info := range core.Tasks() {
				fmt.Printf("task %2d %-16s %-9s prio=%d runs=%d\r\n",
					info.ID, info.Name, info.State, info.Priority, info.RunCount)
			}
			fmt.Printf("blinker has blinked %d time(s)\r\n", blinks.Load())
		case 'x':
			st := core.Stats()
			fmt.Printf("sched: switches=[%d %d] created=%d deleted=%d run=%dus\r\n",
				st.ContextSwitches[0], st.ContextSwitches[1],
				st.TasksCreated, st.TasksDeleted, st.TotalRunMicros)
		case 'p':
			report("suspend", core.SuspendTask(blinker))
		case 'r':
			report("resume", core.ResumeTask(blinker))
		case 'q':
			fmt.Printf("bye\r\n")
			os.Exit(0)
		case 'h', '?':
			usage()
		}
	}
}

func pollLoop(core *sched.Core, n int) {
	for {
		if core.RunPendingTasks(n) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// configureProtection gives the demo task an MPU region and a non-secure
// TrustZone state, so every dispatch exercises both protection layers.
func configureProtection(mpuLayer *mpu.Layer, tzLayer *tz.Layer, id sched.TaskID) error {
	veneer, err := tzLayer.RegisterSecureFunction("demo_report", 0x1000_4000)
	if err != nil {
		return err
	}
	if err := mpuLayer.ConfigureTask(mpu.TaskConfig{
		Task: id,
		Regions: []mpu.Region{
			{Base: 0x2000_0000, Size: 4096, Access: mpu.AccessRW, Security: mpu.SecurityNonSecure, Cacheable: true},
		},
	}); err != nil {
		return err
	}
	return tzLayer.ConfigureTask(tz.TaskConfig{
		Task:  id,
		State: tz.StateNonSecure,
		Bindings: []tz.Binding{
			{Name: "demo_report", SecureEntry: 0x1000_4000, Veneer: veneer},
		},
	})
}

func report(what string, err error) {
	if err != nil {
		fmt.Printf("%s: %v\r\n", what, err)
		return
	}
	fmt.Printf("%s: ok\r\n", what)
}

func consoleSink(level trust.MaskLevel, module string, message string) {
	fmt.Printf("%s[%s] %s\r\n", trust.ConsolePrefix(level), module, message)
}

func usage() {
	fmt.Printf("keys: t=trigger irq  i=irq stats  s=tasks  x=sched stats  p=suspend  r=resume  q=quit\r\n")
}
