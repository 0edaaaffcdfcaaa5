// Package exception provides the handlers for the processor exceptions that
// the kernel services during early boot.
package exception

import (
	"unsafe"

	"github.com/mansoormemon/asmos/kernel"
	"github.com/mansoormemon/asmos/kernel/gate"
	"github.com/mansoormemon/asmos/kernel/gdt"
	"github.com/mansoormemon/asmos/kernel/kfmt"
)

var (
	// Overridden by tests
	handleInterruptFn       = gate.HandleInterrupt
	handleFatalFn           = gate.HandleFatal
	gateInitFn              = gate.Init
	interruptStackFn        = gdt.InterruptStack
	doubleFaultStackUsageFn = gdt.DoubleFaultStackUsage

	errDoubleFault = &kernel.Error{Module: "exception", Message: "double fault"}
)

// Init registers the breakpoint and double fault handlers and installs the
// interrupt descriptor table. The double fault handler runs on the interrupt
// stack provisioned by the gdt package. Init must be called after gdt.Init.
func Init() *kernel.Error {
	if err := handleInterruptFn(gate.Breakpoint, 0, breakpointHandler); err != nil {
		return err
	}

	if err := handleFatalFn(gate.DoubleFault, gdt.DoubleFaultIST, doubleFaultHandler); err != nil {
		return err
	}

	return gateInitFn()
}

// breakpointHandler reports the location of an INT3 instruction and returns
// so that execution resumes right after it.
func breakpointHandler(regs *gate.Registers) {
	kfmt.Printf("(%s, 0x%2x) @ RIP=0x%16x RSP=0x%16x\n",
		gate.Breakpoint.Mnemonic(), uint8(gate.Breakpoint), regs.RIP, regs.RSP)
	regs.DumpTo(kfmt.GetOutputSink())
}

// doubleFaultHandler reports a double fault and halts the system.
func doubleFaultHandler(regs *gate.Registers) {
	kfmt.Printf("(%s, 0x%2x) @ RIP=0x%16x RSP=0x%16x, E=0x%x\n",
		gate.DoubleFault.Mnemonic(), uint8(gate.DoubleFault), regs.RIP, regs.RSP, regs.Info)

	lo, hi := interruptStackFn(gdt.DoubleFaultIST)
	addr := uintptr(unsafe.Pointer(regs))
	kfmt.Printf("[exception] isolated stack: %t (frame at 0x%16x, stack [0x%16x, 0x%16x), %d bytes used)\n",
		addr >= lo && addr < hi, addr, lo, hi, doubleFaultStackUsageFn())
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errDoubleFault)
}
