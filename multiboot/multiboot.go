// Package multiboot parses the multiboot2 boot information structure that the
// boot loader hands to the kernel. None of the functions in this package
// allocate memory so they can be used before the Go allocator is available.
package multiboot

import (
	"unsafe"

	"github.com/mansoormemon/asmos/kernel"
)

var (
	infoData uintptr

	errNullInfo       = &kernel.Error{Module: "multiboot", Message: "boot information address is null"}
	errMisalignedInfo = &kernel.Error{Module: "multiboot", Message: "boot information address is not 8-byte aligned"}
	errInfoTooSmall   = &kernel.Error{Module: "multiboot", Message: "boot information total size is too small"}
	errReservedNotSet = &kernel.Error{Module: "multiboot", Message: "boot information reserved field is not zero"}
	errTagTooSmall    = &kernel.Error{Module: "multiboot", Message: "tag size is smaller than the tag header"}
	errTagOutOfBounds = &kernel.Error{Module: "multiboot", Message: "tag extends past the end of the boot information"}
	errMissingEndTag  = &kernel.Error{Module: "multiboot", Message: "boot information is missing the end tag"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize is the size of the fixed header that precedes the
	// first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the header that precedes each tag.
	tagHeaderSize = 8

	// tagAlignment is the alignment of every tag and of the structure
	// itself.
	tagAlignment = 8
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. According to the spec, each tag starts at a 8-byte aligned
	// address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

type elfSections struct {
	numSections        uint16
	sectionSize        uint32
	strtabSectionIndex uint32
	sectionData        [0]byte
}

type elfSection64 struct {
	nameIndex   uint32
	sectionType uint32
	flags       uint64
	address     uint64
	offset      uint64
	size        uint64
	link        uint32
	info        uint32
	addrAlign   uint64
	entSize     uint64
}

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionVisitor defies a visitor function that gets invoked by VisitElfSections
// for rach ELF section that belongs to the loaded kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// CmdLineVisitor is invoked by VisitBootCmdLine for each key/value pair of the
// boot command line. Flags without a value (e.g. "nocolor") are reported with
// the value set to the key. The visitor must return true to continue or false
// to abort the scan.
type CmdLineVisitor func(key, value string) bool

// Validate checks that ptr points to a well-formed multiboot2 information
// structure: the address must be non-null and 8-byte aligned, the header must
// report a total size large enough to hold the header and the end tag, every
// tag must be 8-byte aligned and fit within the total size and the tag list
// must be terminated by an end tag.
func Validate(ptr uintptr) *kernel.Error {
	switch {
	case ptr == 0:
		return errNullInfo
	case ptr&(tagAlignment-1) != 0:
		return errMisalignedInfo
	}

	hdr := (*info)(unsafe.Pointer(ptr))
	switch {
	case hdr.totalSize < infoHeaderSize+tagHeaderSize:
		return errInfoTooSmall
	case hdr.reserved != 0:
		return errReservedNotSet
	}

	endPtr := ptr + uintptr(hdr.totalSize)
	for curPtr := ptr + infoHeaderSize; curPtr+tagHeaderSize <= endPtr; {
		tag := (*tagHeader)(unsafe.Pointer(curPtr))
		switch {
		case tag.size < tagHeaderSize:
			return errTagTooSmall
		case curPtr+uintptr(tag.size) > endPtr:
			return errTagOutOfBounds
		case tag.tagType == tagMbSectionEnd:
			return nil
		}

		curPtr += alignTag(tag.size)
	}

	return errMissingEndTag
}

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package. Callers should check the structure with Validate
// before installing it.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoPtr returns the address of the installed multiboot information
// structure or 0 if none has been installed.
func InfoPtr() uintptr {
	return infoData
}

// TotalSize returns the size in bytes of the installed multiboot information
// structure as reported by its header, including the end tag.
func TotalSize() uint32 {
	if infoData == 0 {
		return 0
	}

	return (*info)(unsafe.Pointer(infoData)).totalSize
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr < endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type > memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitElfSections invokes visitor for each ELF entry that belongs to the
// loaded kernel image.
func VisitElfSections(visitor ElfSectionVisitor) {
	curPtr, size := findTagByType(tagElfSymbols)
	if size == 0 {
		return
	}

	var (
		sectionPayload elfSection64
		ptrElfSections = (*elfSections)(unsafe.Pointer(curPtr))
		secPtr         = uintptr(unsafe.Pointer(&ptrElfSections.sectionData))
		sizeofSection  = unsafe.Sizeof(sectionPayload)
	)

	// Only 64-bit section headers are supported.
	if uintptr(ptrElfSections.sectionSize) != sizeofSection || uint32(ptrElfSections.numSections) <= ptrElfSections.strtabSectionIndex {
		return
	}

	strTableSection := (*elfSection64)(unsafe.Pointer(secPtr + uintptr(ptrElfSections.strtabSectionIndex)*sizeofSection))

	for secIndex := uint16(0); secIndex < ptrElfSections.numSections; secIndex, secPtr = secIndex+1, secPtr+sizeofSection {
		secData := (*elfSection64)(unsafe.Pointer(secPtr))
		if secData.size == 0 {
			continue
		}

		visitor(
			cString(uintptr(strTableSection.address)+uintptr(secData.nameIndex), ^uintptr(0)),
			ElfSectionFlag(secData.flags),
			uintptr(secData.address),
			secData.size,
		)
	}
}

// VisitBootCmdLine invokes visitor for each whitespace-separated entry of the
// kernel command line. Entries of the form "key=value" are split at the "="
// sign; entries containing more than one "=" sign are skipped.
func VisitBootCmdLine(visitor CmdLineVisitor) {
	curPtr, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return
	}

	cmdLine := cString(curPtr, uintptr(size))
	for start := 0; start < len(cmdLine); {
		for start < len(cmdLine) && isSpace(cmdLine[start]) {
			start++
		}

		end := start
		for end < len(cmdLine) && !isSpace(cmdLine[end]) {
			end++
		}

		if start == end {
			break
		}

		if key, value, ok := splitPair(cmdLine[start:end]); ok && !visitor(key, value) {
			return
		}

		start = end
	}
}

// BootCmdLineValue returns the value associated with key in the kernel command
// line. The second return value is false if key is not present.
func BootCmdLineValue(key string) (string, bool) {
	var (
		found bool
		value string
	)

	VisitBootCmdLine(func(k, v string) bool {
		if k == key {
			found, value = true, v
			return false
		}
		return true
	})

	return value, found
}

// BootLoaderName returns the name of the boot loader that loaded the kernel
// or an empty string if the boot loader did not provide one.
func BootLoaderName() string {
	curPtr, size := findTagByType(tagBootLoaderName)
	if size == 0 {
		return ""
	}

	return cString(curPtr, uintptr(size))
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	endPtr := infoData + uintptr((*info)(unsafe.Pointer(infoData)).totalSize)
	for curPtr := infoData + infoHeaderSize; curPtr+tagHeaderSize <= endPtr; {
		ptrTagHeader := (*tagHeader)(unsafe.Pointer(curPtr))
		if ptrTagHeader.tagType == tagMbSectionEnd || ptrTagHeader.size < tagHeaderSize {
			break
		}

		if ptrTagHeader.tagType == tagType {
			return curPtr + tagHeaderSize, ptrTagHeader.size - tagHeaderSize
		}

		curPtr += alignTag(ptrTagHeader.size)
	}

	return 0, 0
}

// alignTag rounds a tag size up to the next 8-byte boundary.
func alignTag(size uint32) uintptr {
	return (uintptr(size) + tagAlignment - 1) &^ (tagAlignment - 1)
}

// cString returns a string that overlays the C-style NULL-terminated string
// at addr. At most maxLen bytes are scanned for the terminator.
func cString(addr, maxLen uintptr) string {
	var n uintptr
	for ; n < maxLen && *(*byte)(unsafe.Pointer(addr + n)) != 0; n++ {
	}

	if n == 0 {
		return ""
	}

	return unsafe.String((*byte)(unsafe.Pointer(addr)), n)
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

// splitPair splits "key=value" into its components. Entries without an "="
// sign are returned with the value set to the key.
func splitPair(entry string) (string, string, bool) {
	eqIndex := -1
	for i := 0; i < len(entry); i++ {
		if entry[i] != '=' {
			continue
		}

		if eqIndex != -1 {
			return "", "", false
		}
		eqIndex = i
	}

	if eqIndex == -1 {
		return entry, entry, true
	}

	return entry[:eqIndex], entry[eqIndex+1:], true
}
