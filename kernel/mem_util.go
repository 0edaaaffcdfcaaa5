package kernel

import "unsafe"

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte loop it performs log2(size) copy calls that double the filled
// prefix on each step.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// CountLeading returns the number of consecutive bytes, starting at addr,
// that are equal to value. At most size bytes are inspected.
func CountLeading(addr uintptr, value byte, size uintptr) uintptr {
	var count uintptr
	for ; count < size; count++ {
		if *(*byte)(unsafe.Pointer(addr + count)) != value {
			break
		}
	}

	return count
}
