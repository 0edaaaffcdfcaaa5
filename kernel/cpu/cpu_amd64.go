// Package cpu is the hardware control surface of the kernel. Every
// privileged instruction issued by the boot core lives behind a function in
// this package so that the rest of the kernel can be exercised by hosted
// tests with the hardware touch points swapped out.
package cpu

var (
	cpuidFn = ID
)

// FlagInterruptEnable is the IF bit of the RFLAGS register.
const FlagInterruptEnable = uint64(1 << 9)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// SaveAndDisableInterrupts returns the current value of the RFLAGS register
// and then disables interrupt handling. The returned value must be passed to
// RestoreInterrupts once the critical section completes.
func SaveAndDisableInterrupts() uint64

// RestoreInterrupts reloads RFLAGS with a value previously obtained by a call
// to SaveAndDisableInterrupts. Interrupts are re-enabled only if they were
// enabled when the flags were saved.
func RestoreInterrupts(flags uint64)

// Halt disables interrupts and stops instruction execution. Calls to Halt
// never return.
func Halt()

// Breakpoint raises a breakpoint exception (#BP) via the INT3 instruction.
func Breakpoint()

// RaiseAbsentVector issues a software interrupt for a vector whose gate is
// not present. The processor reports this as a segment-not-present fault
// which, while no handler for it is installed, escalates to a double fault.
func RaiseAbsentVector()

// LoadGDT loads the global descriptor table register from the 10-byte
// pseudo-descriptor (16-bit limit followed by the 64-bit base) located at
// descriptorAddr.
func LoadGDT(descriptorAddr uintptr)

// LoadIDT loads the interrupt descriptor table register from the 10-byte
// pseudo-descriptor located at descriptorAddr.
func LoadIDT(descriptorAddr uintptr)

// ReloadCodeSegment switches CS to the supplied selector. A far return is
// used for the switch as CS cannot be the target of a MOV.
func ReloadCodeSegment(sel uint16)

// reloadCodeSegmentTail is the far return target of ReloadCodeSegment.
func reloadCodeSegmentTail()

// LoadDataSegments loads DS, ES, FS and GS with the supplied selector. The
// FS and GS base MSRs are saved before the load and restored afterwards as
// the Go runtime keeps its thread-local storage pointer in the FS base.
func LoadDataSegments(sel uint16)

// LoadStackSegment loads SS with the supplied selector.
func LoadStackSegment(sel uint16)

// LoadTaskRegister loads the task register with the supplied TSS selector.
func LoadTaskRegister(sel uint16)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// Vendor fills buf with the 12-character vendor identification string
// reported by CPUID leaf 0 (e.g. "GenuineIntel" or "AuthenticAMD").
func Vendor(buf *[12]byte) {
	_, ebx, ecx, edx := cpuidFn(0)
	for i, reg := range [3]uint32{ebx, edx, ecx} {
		buf[i*4] = byte(reg)
		buf[i*4+1] = byte(reg >> 8)
		buf[i*4+2] = byte(reg >> 16)
		buf[i*4+3] = byte(reg >> 24)
	}
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortWriteWord writes a uint16 value to the requested port.
func PortWriteWord(port uint16, val uint16)

// PortWriteDword writes a uint32 value to the requested port.
func PortWriteDword(port uint16, val uint32)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

// PortReadWord reads a uint16 value from the requested port.
func PortReadWord(port uint16) uint16

// PortReadDword reads a uint32 value from the requested port.
func PortReadDword(port uint16) uint32
