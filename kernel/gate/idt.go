package gate

const (
	gatePresent       = 1 << 15
	gateTypeInterrupt = 0xE
)

// idtEntry is a 16-byte long mode gate descriptor.
type idtEntry struct {
	bits [4]uint32
}

// set encodes an interrupt gate that transfers control to pc through the
// code segment sel. If ist is non-zero the processor switches to the
// matching interrupt stack table entry before pushing the return frame.
// Interrupt gates clear IF on entry.
func (e *idtEntry) set(pc uintptr, sel uint16, ist, dpl uint8) {
	e.bits[0] = uint32(sel)<<16 | uint32(pc)&0xFFFF
	e.bits[1] = uint32(pc)&0xFFFF0000 | gatePresent | uint32(dpl&3)<<13 | gateTypeInterrupt<<8 | uint32(ist&7)
	e.bits[2] = uint32(uint64(pc) >> 32)
	e.bits[3] = 0
}

func (e *idtEntry) present() bool {
	return e.bits[1]&gatePresent != 0
}

func (e *idtEntry) offset() uintptr {
	return uintptr(uint64(e.bits[2])<<32 | uint64(e.bits[1]&0xFFFF0000) | uint64(e.bits[0]&0xFFFF))
}

func (e *idtEntry) selector() uint16 {
	return uint16(e.bits[0] >> 16)
}

func (e *idtEntry) ist() uint8 {
	return uint8(e.bits[1] & 7)
}
