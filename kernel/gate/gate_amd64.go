// Package gate builds the interrupt descriptor table and routes the
// interrupts delivered through it to registered Go handlers.
package gate

//go:generate go run github.com/mansoormemon/asmos/tools/kerntool gates -dir .

import (
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/mansoormemon/asmos/kernel"
	"github.com/mansoormemon/asmos/kernel/cpu"
	"github.com/mansoormemon/asmos/kernel/gdt"
	"github.com/mansoormemon/asmos/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the number of the gate that was used to enter the kernel.
	Vector uint64

	// Info contains the error code pushed by the processor for exceptions
	// that supply one and 0 otherwise.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x VEC = %16x\n", r.RFlags, r.Vector)
	kfmt.Fprintf(w, "ERR = %16x\n", r.Info)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// Debug is raised by hardware breakpoints and single-stepping.
	Debug = InterruptNumber(1)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint is raised by the INT3 instruction. The saved RIP points
	// to the instruction following INT3 so returning from the handler
	// resumes execution.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler. The processor
	// always pushes an error code of 0.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a gate
	// or load a segment whose present bit is clear.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)
)

// mnemonics holds the assembler mnemonics of the architecturally defined
// exceptions.
var mnemonics = [...]string{
	DivideByZero:               "#DE",
	Debug:                      "#DB",
	NMI:                        "NMI",
	Breakpoint:                 "#BP",
	Overflow:                   "#OF",
	BoundRangeExceeded:         "#BR",
	InvalidOpcode:              "#UD",
	DeviceNotAvailable:         "#NM",
	DoubleFault:                "#DF",
	InvalidTSS:                 "#TS",
	SegmentNotPresent:          "#NP",
	StackSegmentFault:          "#SS",
	GPFException:               "#GP",
	PageFaultException:         "#PF",
	FloatingPointException:     "#MF",
	AlignmentCheck:             "#AC",
	MachineCheck:               "#MC",
	SIMDFloatingPointException: "#XM",
}

// Mnemonic returns the short name of the exception (e.g. "#BP") or "INT"
// for vectors without an architectural definition.
func (n InterruptNumber) Mnemonic() string {
	if int(n) < len(mnemonics) && mnemonics[n] != "" {
		return mnemonics[n]
	}
	return "INT"
}

// HasErrorCode returns true if the processor pushes an error code when it
// delivers exception n.
func (n InterruptNumber) HasErrorCode() bool {
	switch n {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GPFException, PageFaultException, AlignmentCheck, 21, 29, 30:
		return true
	}
	return false
}

const (
	// gateCount is the number of entries in the interrupt descriptor table.
	gateCount = 256

	// maxIST is the highest interrupt stack table slot.
	maxIST = 7

	// stackGuardSize is the distance between the low end of a stack and
	// the guard the Go function prologues compare the stack pointer to.
	stackGuardSize = 1024
)

// handlerKind classifies a registered handler.
type handlerKind uint8

const (
	handlerNone handlerKind = iota

	// handlerResumable handlers return and execution continues where it
	// was interrupted.
	handlerResumable

	// handlerTerminal handlers never return; if they do anyway, the
	// dispatcher halts the system.
	handlerTerminal
)

type vectorEntry struct {
	kind    handlerKind
	ist     uint8
	handler func(*Registers)
}

// stackBounds mirrors the stack fields at the start of the runtime g struct.
type stackBounds struct {
	lo, hi, guard uintptr
}

var (
	vectors   [gateCount]vectorEntry
	table     [gateCount]idtEntry
	idtr      [10]byte
	installed bool

	// Overridden by tests
	loadIDTFn            = cpu.LoadIDT
	gateEntryAddrFn      = gateEntryAddr
	gdtActiveFn          = gdt.Active
	interruptStackFn     = gdt.InterruptStack
	currentStackBoundsFn = currentStackBounds
	setStackBoundsFn     = setStackBounds
	panicFn              = kfmt.Panic
	enterPanicModeFn     = kfmt.EnterPanicMode

	errAlreadyInstalled    = &kernel.Error{Module: "gate", Message: "interrupt descriptor table already installed"}
	errDescriptorsInactive = &kernel.Error{Module: "gate", Message: "descriptor tables must be installed before the interrupt descriptor table"}
	errNilHandler          = &kernel.Error{Module: "gate", Message: "nil interrupt handler"}
	errInvalidIST          = &kernel.Error{Module: "gate", Message: "interrupt stack table index out of range"}
	errUnhandledVector     = &kernel.Error{Module: "gate", Message: "interrupt without a registered handler"}
	errTerminalReturned    = &kernel.Error{Module: "gate", Message: "terminal interrupt handler returned"}
)

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Once the handler returns, execution
// resumes at the interrupted instruction stream. The value of the istOffset
// argument specifies the offset in the interrupt stack table (if 0 then IST
// is not used). Handlers must be registered before Init.
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) *kernel.Error {
	return register(intNumber, istOffset, handler, handlerResumable)
}

// HandleFatal registers a terminal handler for a particular interrupt number.
// A terminal handler must end in the kernel panic path; should it return, the
// dispatcher panics on its behalf.
func HandleFatal(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) *kernel.Error {
	return register(intNumber, istOffset, handler, handlerTerminal)
}

func register(intNumber InterruptNumber, istOffset uint8, handler func(*Registers), kind handlerKind) *kernel.Error {
	switch {
	case installed:
		return errAlreadyInstalled
	case handler == nil:
		return errNilHandler
	case istOffset > maxIST:
		return errInvalidIST
	}

	vectors[intNumber] = vectorEntry{kind: kind, ist: istOffset, handler: handler}
	return nil
}

// Init populates the interrupt descriptor table with a present gate for each
// registered vector and loads it into the processor. Vectors without a
// handler keep a non-present gate. Init requires the descriptor tables to be
// active and may only be called once.
func Init() *kernel.Error {
	switch {
	case installed:
		return errAlreadyInstalled
	case !gdtActiveFn():
		return errDescriptorsInactive
	}

	codeSel := uint16(gdt.Build().Get(gdt.KernelCode))
	for vec := 0; vec < gateCount; vec++ {
		if vectors[vec].kind == handlerNone {
			table[vec] = idtEntry{}
			continue
		}

		table[vec].set(gateEntryAddrFn(uint8(vec)), codeSel, vectors[vec].ist, 0)
	}

	binary.LittleEndian.PutUint16(idtr[:2], uint16(unsafe.Sizeof(table)-1))
	binary.LittleEndian.PutUint64(idtr[2:], uint64(uintptr(unsafe.Pointer(&table[0]))))

	loadIDTFn(uintptr(unsafe.Pointer(&idtr[0])))
	installed = true
	return nil
}

// dispatchInterrupt is invoked by the interrupt gate entrypoints to route
// an incoming interrupt to the selected handler. regs points to the register
// snapshot on the stack selected by the processor.
//
// When the processor switched to an interrupt stack, the stack bounds of the
// current goroutine are pointed at that stack while the handler runs so that
// the stack checks in the handler prologues do not trigger a stack growth.
//
//go:nosplit
func dispatchInterrupt(regs *Registers) {
	entry := &vectors[uint8(regs.Vector)]
	if entry.kind == handlerNone {
		panicFn(errUnhandledVector)
		return
	}

	// A terminal handler may have interrupted code that holds the output
	// device lock; output must not wait for it from here on.
	if entry.kind == handlerTerminal {
		enterPanicModeFn()
	}

	var (
		saved   stackBounds
		swapped bool
	)

	if entry.ist != 0 {
		lo, hi := interruptStackFn(entry.ist)
		if addr := uintptr(unsafe.Pointer(regs)); addr >= lo && addr < hi {
			saved = currentStackBoundsFn()
			setStackBoundsFn(stackBounds{lo: lo, hi: hi, guard: lo + stackGuardSize})
			swapped = true
		}
	}

	entry.handler(regs)

	if entry.kind == handlerTerminal {
		panicFn(errTerminalReturned)
	}

	if swapped {
		setStackBoundsFn(saved)
	}
}

// gateEntryAddr returns the address of the assembly entrypoint for vector.
func gateEntryAddr(vector uint8) uintptr

// gateCommon is jumped to by every gate entrypoint. It saves the general
// purpose registers, calls dispatchInterrupt and returns with IRETQ.
func gateCommon()

// currentStackBounds returns the stack bounds of the running goroutine.
func currentStackBounds() stackBounds

// setStackBounds overwrites the stack bounds of the running goroutine.
func setStackBounds(bounds stackBounds)
