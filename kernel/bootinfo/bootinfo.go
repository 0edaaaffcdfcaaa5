// Package bootinfo resolves the boot information handed over by the boot
// loader together with the memory layout described by the linker script.
//
// Init must be called exactly once with the address supplied by the rt0
// trampoline. A structure that cannot be parsed does not abort the boot;
// instead the resolver state becomes absent and every accessor panics when
// invoked. Err reports why the state is absent.
package bootinfo

import (
	"github.com/mansoormemon/asmos/kernel"
	"github.com/mansoormemon/asmos/multiboot"
)

var (
	readLayoutFn = readLayout

	state resolverState

	errNotInitialized = &kernel.Error{Module: "bootinfo", Message: "boot information accessed before Init"}
	errInvertedRegion = &kernel.Error{Module: "bootinfo", Message: "region end precedes region begin"}
	errImageOverlap   = &kernel.Error{Module: "bootinfo", Message: "kernel image overlaps the reserved region"}
)

// linkerLayout holds the addresses of the symbols exported by the linker
// script.
type linkerLayout struct {
	reserved   Region
	trampoline Region
	image      Region

	// imageOffset is the distance between the address the image was
	// linked at and the address it was loaded at.
	imageOffset uintptr
}

type resolverState struct {
	initialized bool

	// err is non-nil if the boot information could not be parsed.
	err *kernel.Error

	info   Structure
	layout linkerLayout
}

// Structure describes a successfully parsed multiboot2 information structure.
type Structure struct {
	addr uintptr
	size uintptr
}

// Addr returns the address of the boot information structure.
func (s Structure) Addr() uintptr { return s.addr }

// Size returns the total size of the boot information structure as reported
// by its header.
func (s Structure) Size() uintptr { return s.size }

// BootLoaderName returns the name reported by the boot loader.
func (s Structure) BootLoaderName() string { return multiboot.BootLoaderName() }

// CmdLineValue returns the value of key in the kernel command line.
func (s Structure) CmdLineValue(key string) (string, bool) { return multiboot.BootCmdLineValue(key) }

// VisitMemRegions invokes visitor for each entry of the boot loader memory map.
func (s Structure) VisitMemRegions(visitor multiboot.MemRegionVisitor) {
	multiboot.VisitMemRegions(visitor)
}

// Init parses the boot information structure at addr and records the linker
// provided memory layout. Parse failures are retained and reported through
// Err; Init itself never panics.
func Init(addr uintptr) {
	state = resolverState{initialized: true}

	if err := multiboot.Validate(addr); err != nil {
		state.err = err
		multiboot.SetInfoPtr(0)
		return
	}

	multiboot.SetInfoPtr(addr)
	state.info = Structure{addr: addr, size: uintptr(multiboot.TotalSize())}
	state.layout = readLayoutFn()
}

// Present returns true if Init has been called with a valid boot information
// structure.
func Present() bool {
	return state.initialized && state.err == nil
}

// Err returns the reason why the boot information is absent or nil if it is
// present.
func Err() *kernel.Error {
	if !state.initialized {
		return errNotInitialized
	}
	return state.err
}

// mustBePresent panics if the resolver state is absent.
func mustBePresent() {
	if err := Err(); err != nil {
		panic(err)
	}
}

// Info returns the parsed boot information structure.
func Info() Structure {
	mustBePresent()
	return state.info
}

// BootInfoRegion returns the memory occupied by the boot information
// structure. Its size always equals Info().Size().
func BootInfoRegion() Region {
	mustBePresent()
	return Region{Begin: state.info.addr, End: state.info.addr + state.info.size}
}

// ReservedRegion returns the region that the linker script reserves for the
// boot loader and firmware data.
func ReservedRegion() Region {
	mustBePresent()
	return state.layout.reserved
}

// TrampolineRegion returns the region holding the rt0 prelude code that runs
// before the Go entry point.
func TrampolineRegion() Region {
	mustBePresent()
	return state.layout.trampoline
}

// ImageRegion returns the region occupied by the loaded kernel image.
func ImageRegion() Region {
	mustBePresent()
	return state.layout.image
}

// ImageToLinkOffset returns the offset between the address the kernel image
// was linked at and the address it was loaded at.
func ImageToLinkOffset() uintptr {
	mustBePresent()
	return state.layout.imageOffset
}

// CheckLayout verifies that none of the resolved regions is inverted and that
// the kernel image does not overlap the reserved region.
func CheckLayout() *kernel.Error {
	if err := Err(); err != nil {
		return err
	}

	for _, r := range [...]Region{BootInfoRegion(), state.layout.reserved, state.layout.trampoline, state.layout.image} {
		if !r.Valid() {
			return errInvertedRegion
		}
	}

	if state.layout.image.Overlaps(state.layout.reserved) {
		return errImageOverlap
	}

	return nil
}
