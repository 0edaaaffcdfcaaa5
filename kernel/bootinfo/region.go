package bootinfo

// Region describes the half-open address range [Begin, End).
type Region struct {
	Begin uintptr
	End   uintptr
}

// Size returns the number of bytes covered by the region or 0 if the region
// is inverted.
func (r Region) Size() uintptr {
	if r.End < r.Begin {
		return 0
	}
	return r.End - r.Begin
}

// Valid returns true if the region end does not precede its begin.
func (r Region) Valid() bool {
	return r.Begin <= r.End
}

// Contains returns true if addr lies within the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Begin && addr < r.End
}

// Overlaps returns true if both regions are non-empty and share at least one
// address.
func (r Region) Overlaps(other Region) bool {
	if r.Size() == 0 || other.Size() == 0 {
		return false
	}
	return r.Begin < other.End && other.Begin < r.End
}
