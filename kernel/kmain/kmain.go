// Package kmain contains the typed kernel entry point that the rt0 trampoline
// jumps to.
package kmain

import (
	"github.com/mansoormemon/asmos/kernel"
	"github.com/mansoormemon/asmos/kernel/bootinfo"
	"github.com/mansoormemon/asmos/kernel/cpu"
	"github.com/mansoormemon/asmos/kernel/exception"
	"github.com/mansoormemon/asmos/kernel/gdt"
	"github.com/mansoormemon/asmos/kernel/hal"
	"github.com/mansoormemon/asmos/kernel/kfmt"
	"github.com/mansoormemon/asmos/kernel/sync"
	"github.com/mansoormemon/asmos/multiboot"
)

var (
	// Overridden by tests
	bootinfoInitFn      = bootinfo.Init
	detectHardwareFn    = hal.DetectHardware
	gdtInitFn           = gdt.Init
	exceptionInitFn     = exception.Init
	cpuVendorFn         = cpu.Vendor
	cmdLineValueFn      = multiboot.BootCmdLineValue
	breakpointFn        = cpu.Breakpoint
	raiseDoubleFaultFn  = cpu.RaiseAbsentVector
	haltFn              = cpu.Halt
	maskInterruptsFn    = cpu.SaveAndDisableInterrupts
	restoreInterruptsFn = cpu.RestoreInterrupts

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// SelfTestSentinel is printed once execution resumes after the breakpoint
// self-test.
const SelfTestSentinel = "[selftest] resumed after breakpoint"

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up a minimal g0 struct that allows Go code to use the stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	boot(multibootInfoPtr)

	kfmt.Infof("boot complete; halting")
	haltFn()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// boot runs the boot sequence up to the point where the protection
// environment is active and the requested self-test (if any) has run.
func boot(multibootInfoPtr uintptr) {
	kfmt.SetInterruptGuard(maskInterruptsFn, restoreInterruptsFn)
	sync.SetInterruptControl(maskInterruptsFn, restoreInterruptsFn)

	bootinfoInitFn(multibootInfoPtr)
	detectHardwareFn()
	configureLogging()
	printBanner()

	var err *kernel.Error
	if err = gdtInitFn(); err != nil {
		panic(err)
	} else if err = exceptionInitFn(); err != nil {
		panic(err)
	}
	kfmt.Infof("descriptor tables and exception handlers installed")

	runSelfTest()
}

// configureLogging applies the "loglevel" and "logcolor" boot command line
// options.
func configureLogging() {
	if v, found := cmdLineValueFn("loglevel"); found {
		level, ok := kfmt.ParseLevel(v)
		if !ok {
			kfmt.Warnf("unknown log level %s; using %s", v, level.String())
		}
		kfmt.SetLevel(level)
	}

	if v, found := cmdLineValueFn("logcolor"); found && v == "off" {
		kfmt.SetColor(false)
	}
}

// printBanner logs the boot loader, the memory layout and the CPU vendor.
func printBanner() {
	var vendor [12]byte
	cpuVendorFn(&vendor)

	if !bootinfo.Present() {
		kfmt.Warnf("boot information unavailable: %s", bootinfo.Err().Message)
		kfmt.Infof("cpu: %s", vendor[:])
		return
	}

	info := bootinfo.Info()
	kfmt.Infof("booted by %s; boot information at 0x%x (%d bytes)", info.BootLoaderName(), info.Addr(), info.Size())
	kfmt.Infof("cpu: %s", vendor[:])

	printRegion("boot info", bootinfo.BootInfoRegion())
	printRegion("reserved", bootinfo.ReservedRegion())
	printRegion("trampoline", bootinfo.TrampolineRegion())
	printRegion("image", bootinfo.ImageRegion())
	kfmt.Debugf("image to link offset: 0x%16x", bootinfo.ImageToLinkOffset())

	info.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		kfmt.Debugf("mem: [0x%16x - 0x%16x] %s", entry.PhysAddress, entry.PhysAddress+entry.Length-1, entry.Type.String())
		return true
	})

	if err := bootinfo.CheckLayout(); err != nil {
		panic(err)
	}
}

func printRegion(name string, r bootinfo.Region) {
	kfmt.Infof("%10s: [0x%16x - 0x%16x) %d bytes", name, r.Begin, r.End, r.Size())
}

// runSelfTest raises the exception requested by the "selftest" boot command
// line option.
func runSelfTest() {
	v, found := cmdLineValueFn("selftest")
	if !found {
		return
	}

	switch v {
	case "breakpoint":
		kfmt.Infof("[selftest] raising breakpoint")
		breakpointFn()
		kfmt.Infof(SelfTestSentinel)
	case "doublefault":
		kfmt.Infof("[selftest] raising double fault")
		raiseDoubleFaultFn()
	default:
		kfmt.Warnf("[selftest] unknown self-test %s", v)
	}
}
