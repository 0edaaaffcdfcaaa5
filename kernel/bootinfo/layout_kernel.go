//go:build kernel

package bootinfo

// readLayout returns the region boundaries exported by the linker script.
func readLayout() linkerLayout {
	resBegin, resEnd, preBegin, preEnd, offset, imgBegin, imgEnd := linkerSymbols()

	return linkerLayout{
		reserved:    Region{Begin: resBegin, End: resEnd},
		trampoline:  Region{Begin: preBegin, End: preEnd},
		image:       Region{Begin: imgBegin, End: imgEnd},
		imageOffset: offset,
	}
}

// linkerSymbols returns the addresses of the _RESERVED_REGION_BEGIN,
// _RESERVED_REGION_END, _PRELUDE_REGION_BEGIN, _PRELUDE_REGION_END,
// _KERNEL_OFFSET, _KERNEL_REGION_BEGIN and _KERNEL_REGION_END symbols.
func linkerSymbols() (resBegin, resEnd, preBegin, preEnd, offset, imgBegin, imgEnd uintptr)
