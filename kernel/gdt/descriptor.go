package gdt

// Segment descriptor flags, expressed as bit offsets into the upper 32-bit
// word of a descriptor.
const (
	segmentAccessed   = 1 << 8
	segmentWritable   = 1 << 9
	segmentExecutable = 1 << 11
	segmentCodeData   = 1 << 12
	segmentPresent    = 1 << 15
	segmentLongMode   = 1 << 21
	segmentDefault32  = 1 << 22
	segmentGranular   = 1 << 23

	// segmentTSSAvailable is the system type of an available 64-bit TSS.
	segmentTSSAvailable = segmentExecutable | segmentAccessed

	dplShift = 13
)

// segmentDescriptor is a single 8-byte GDT entry.
type segmentDescriptor struct {
	bits [2]uint32
}

// set encodes a descriptor for the supplied base and limit. Limits that do
// not fit into 20 bits are scaled to 4KiB pages.
func (d *segmentDescriptor) set(base, limit uint32, dpl uint8, flags uint32) {
	if limit>>12 != 0 {
		limit >>= 12
		flags |= segmentGranular
	}

	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 | (base>>16)&0xFF | limit&0xF0000 | flags | uint32(dpl)<<dplShift
}

// setHi encodes the upper half of a 16-byte system descriptor.
func (d *segmentDescriptor) setHi(baseHi uint32) {
	d.bits[0] = baseHi
	d.bits[1] = 0
}

// setCode64 encodes a flat 64-bit code segment.
func (d *segmentDescriptor) setCode64(dpl uint8) {
	d.set(0, 0xFFFFFFFF, dpl, segmentPresent|segmentCodeData|segmentExecutable|segmentWritable|segmentAccessed|segmentLongMode)
}

// setData encodes a flat writable data segment.
func (d *segmentDescriptor) setData(dpl uint8) {
	d.set(0, 0xFFFFFFFF, dpl, segmentPresent|segmentCodeData|segmentWritable|segmentAccessed|segmentDefault32)
}

// value returns the descriptor as it appears in memory.
func (d *segmentDescriptor) value() uint64 {
	return uint64(d.bits[1])<<32 | uint64(d.bits[0])
}

// taskState64 is the 64-bit task state segment.
type taskState64 struct {
	_              uint32
	rsp0Lo, rsp0Hi uint32
	rsp1Lo, rsp1Hi uint32
	rsp2Lo, rsp2Hi uint32
	_              [2]uint32

	// ist holds the low and high words of the seven interrupt stack
	// table pointers. Slot n of the architecture lives at ist[n-1].
	ist [7][2]uint32

	_      [2]uint32
	_      uint16
	ioPerm uint16
}

// setIST points interrupt stack table slot index (1-7) at top.
func (t *taskState64) setIST(index uint8, top uintptr) {
	t.ist[index-1][0] = uint32(top)
	t.ist[index-1][1] = uint32(uint64(top) >> 32)
}

// istTop returns the stack pointer stored in interrupt stack table slot index.
func (t *taskState64) istTop(index uint8) uintptr {
	return uintptr(uint64(t.ist[index-1][1])<<32 | uint64(t.ist[index-1][0]))
}
