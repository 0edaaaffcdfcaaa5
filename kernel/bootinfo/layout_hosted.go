//go:build !kernel

package bootinfo

// readLayout returns an empty layout when the package is built outside of the
// kernel image as the linker script symbols are not available.
func readLayout() linkerLayout {
	return linkerLayout{}
}
