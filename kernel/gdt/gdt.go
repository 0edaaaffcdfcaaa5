// Package gdt builds the global descriptor table and the task state segment
// and installs them into the processor.
package gdt

import (
	"encoding/binary"
	"unsafe"

	"github.com/mansoormemon/asmos/kernel"
	"github.com/mansoormemon/asmos/kernel/cpu"
	"github.com/mansoormemon/asmos/kernel/kfmt"
)

const (
	// DoubleFaultIST is the interrupt stack table slot that the double
	// fault gate switches to.
	DoubleFaultIST = uint8(1)

	// DoubleFaultStackSize is the size of the stack reserved for the
	// double fault handler.
	DoubleFaultStackSize = 8192

	// stackPaint is the byte pattern the double fault stack is filled
	// with so that its high-water mark can be measured.
	stackPaint = byte(0xA5)

	stackAlignment = 16
)

// Indices of the GDT entries. The TSS descriptor spans two entries.
const (
	entryNull = iota
	entryKernelCode
	entryKernelData
	entryTaskState
	entryTaskStateHi
	entryCount
)

// SelectorKind identifies one of the selectors exported by the descriptor
// table.
type SelectorKind uint8

// The selectors created by Build.
const (
	KernelCode SelectorKind = iota
	KernelData
	TaskState
	selectorKindCount
)

// String implements fmt.Stringer for SelectorKind.
func (k SelectorKind) String() string {
	switch k {
	case KernelCode:
		return "kernel code"
	case KernelData:
		return "kernel data"
	case TaskState:
		return "task state"
	default:
		return "unknown"
	}
}

// Selector is an index into the descriptor table combined with a requested
// privilege level and table indicator.
type Selector uint16

// SelectorSet maps each SelectorKind to its Selector.
type SelectorSet [selectorKindCount]Selector

// Get returns the selector for kind.
func (s SelectorSet) Get(kind SelectorKind) Selector {
	return s[kind]
}

// descriptorTables groups the state produced by Build. It is written once and
// never modified afterwards.
type descriptorTables struct {
	built     bool
	entries   [entryCount]segmentDescriptor
	tss       taskState64
	selectors SelectorSet

	// gdtr holds the pseudo-descriptor consumed by LGDT.
	gdtr [10]byte
}

var (
	tables descriptorTables
	active bool

	doubleFaultStack [DoubleFaultStackSize]byte

	loadGDTFn           = cpu.LoadGDT
	reloadCodeSegmentFn = cpu.ReloadCodeSegment
	loadDataSegmentsFn  = cpu.LoadDataSegments
	loadStackSegmentFn  = cpu.LoadStackSegment
	loadTaskRegisterFn  = cpu.LoadTaskRegister

	errAlreadyActive = &kernel.Error{Module: "gdt", Message: "descriptor tables already installed"}
)

// Build constructs the descriptor table and the task state segment on its
// first invocation and returns the selectors of the table entries. Later calls
// return the same selectors without rebuilding anything.
func Build() SelectorSet {
	if !tables.built {
		tables.build()
	}

	return tables.selectors
}

func (t *descriptorTables) build() {
	lo, top := doubleFaultStackBounds()
	kernel.Memset(lo, stackPaint, top-lo)
	t.tss.setIST(DoubleFaultIST, top)

	// Place the I/O permission bitmap beyond the TSS limit so that every
	// port access from user mode faults.
	tssLimit := uint32(unsafe.Sizeof(t.tss) - 1)
	t.tss.ioPerm = uint16(tssLimit + 1)

	tssBase := uint64(uintptr(unsafe.Pointer(&t.tss)))
	t.entries[entryNull] = segmentDescriptor{}
	t.entries[entryKernelCode].setCode64(0)
	t.entries[entryKernelData].setData(0)
	t.entries[entryTaskState].set(uint32(tssBase), tssLimit, 0, segmentPresent|segmentTSSAvailable)
	t.entries[entryTaskStateHi].setHi(uint32(tssBase >> 32))

	t.selectors[KernelCode] = selectorFor(entryKernelCode)
	t.selectors[KernelData] = selectorFor(entryKernelData)
	t.selectors[TaskState] = selectorFor(entryTaskState)

	binary.LittleEndian.PutUint16(t.gdtr[:2], uint16(unsafe.Sizeof(t.entries)-1))
	binary.LittleEndian.PutUint64(t.gdtr[2:], uint64(uintptr(unsafe.Pointer(&t.entries[0]))))

	t.built = true
}

// selectorFor returns a ring 0 GDT selector for entry.
func selectorFor(entry int) Selector {
	return Selector(entry << 3)
}

// Init installs the descriptor table into the processor and switches every
// segment register over to it: CS is reloaded via a far return, DS, ES, FS
// and GS receive the kernel data selector, SS is set to the null selector and
// finally the task register is loaded. Init must be called exactly once;
// further calls return an error without touching the processor.
func Init() *kernel.Error {
	if active {
		return errAlreadyActive
	}

	selectors := Build()

	loadGDTFn(uintptr(unsafe.Pointer(&tables.gdtr[0])))
	reloadCodeSegmentFn(uint16(selectors[KernelCode]))
	loadDataSegmentsFn(uint16(selectors[KernelData]))
	loadStackSegmentFn(0)
	loadTaskRegisterFn(uint16(selectors[TaskState]))
	active = true

	lo, hi := doubleFaultStackBounds()
	kfmt.Debugf("[gdt] code=0x%x data=0x%x tss=0x%x; #DF stack [0x%16x, 0x%16x)",
		uint16(selectors[KernelCode]), uint16(selectors[KernelData]), uint16(selectors[TaskState]), lo, hi)

	return nil
}

// Active returns true once Init has installed the descriptor tables.
func Active() bool {
	return active
}

// InterruptStack returns the bounds [lo, hi) of the stack the processor
// switches to when delivering an interrupt through interrupt stack table slot
// ist. A zero range is returned for slots that have not been provisioned.
func InterruptStack(ist uint8) (lo, hi uintptr) {
	if ist != DoubleFaultIST {
		return 0, 0
	}

	return doubleFaultStackBounds()
}

// DoubleFaultStackUsage returns the number of bytes of the double fault stack
// that have been written to since Build painted it.
func DoubleFaultStackUsage() uintptr {
	if !tables.built {
		return 0
	}

	lo, hi := doubleFaultStackBounds()
	return (hi - lo) - kernel.CountLeading(lo, stackPaint, hi-lo)
}

// doubleFaultStackBounds returns the usable range of the double fault stack
// with both ends aligned to a 16-byte boundary.
func doubleFaultStackBounds() (lo, hi uintptr) {
	base := uintptr(unsafe.Pointer(&doubleFaultStack[0]))
	lo = (base + stackAlignment - 1) &^ (stackAlignment - 1)
	hi = (base + DoubleFaultStackSize) &^ (stackAlignment - 1)
	return lo, hi
}
