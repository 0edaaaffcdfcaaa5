package multiboot

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/mansoormemon/asmos/kernel"
)

func TestFindTagByType(t *testing.T) {
	specs := []struct {
		tagType tagType
		expSize uint32
	}{
		{tagBootCmdLine, 1},
		{tagBootLoaderName, 27},
		{tagBasicMemoryInfo, 8},
		{tagBiosBootDevice, 12},
		{tagMemoryMap, 152},
		{tagFramebufferInfo, 24},
		{tagElfSymbols, 972},
		{tagApmTable, 20},
	}

	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))

	for specIndex, spec := range specs {
		_, size := findTagByType(spec.tagType)

		if size != spec.expSize {
			t.Errorf("[spec %d] expected tag size for tag type %d to be %d; got %d", specIndex, spec.tagType, spec.expSize, size)
		}
	}
}

func TestFindTagByTypeWithMissingTag(t *testing.T) {
	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))

	if offset, size := findTagByType(tagModules); offset != 0 || size != 0 {
		t.Fatalf("expected findTagByType to return (0,0) for missing tag; got (%d, %d)", offset, size)
	}

	SetInfoPtr(0)
	if offset, size := findTagByType(tagMemoryMap); offset != 0 || size != 0 {
		t.Fatalf("expected findTagByType to return (0,0) when no info is installed; got (%d, %d)", offset, size)
	}
}

func TestValidate(t *testing.T) {
	dump := alignedCopy(multibootInfoTestData)

	specs := []struct {
		descr  string
		ptr    func() uintptr
		expErr *kernel.Error
	}{
		{
			"qemu dump",
			func() uintptr { return dump },
			nil,
		},
		{
			"minimal structure",
			func() uintptr { return newInfoBuilder().build() },
			nil,
		},
		{
			"null address",
			func() uintptr { return 0 },
			errNullInfo,
		},
		{
			"misaligned address",
			func() uintptr { return newInfoBuilder().build() + 4 },
			errMisalignedInfo,
		},
		{
			"total size smaller than header and end tag",
			func() uintptr {
				ptr := newInfoBuilder().build()
				putUint32(ptr, 0, 8)
				return ptr
			},
			errInfoTooSmall,
		},
		{
			"reserved field set",
			func() uintptr {
				ptr := newInfoBuilder().build()
				putUint32(ptr, 4, 1)
				return ptr
			},
			errReservedNotSet,
		},
		{
			"tag size smaller than header",
			func() uintptr {
				ptr := newInfoBuilder().addTag(tagBootLoaderName, []byte("grub\x00")).build()
				putUint32(ptr, 12, 4)
				return ptr
			},
			errTagTooSmall,
		},
		{
			"tag extends past total size",
			func() uintptr {
				ptr := newInfoBuilder().addTag(tagBootLoaderName, []byte("grub\x00")).build()
				putUint32(ptr, 12, 512)
				return ptr
			},
			errTagOutOfBounds,
		},
		{
			"missing end tag",
			func() uintptr {
				ptr := newInfoBuilder().addTag(tagBootLoaderName, []byte("grub\x00")).build()
				// drop the end tag by shrinking the reported size
				putUint32(ptr, 0, 8+8+8)
				return ptr
			},
			errMissingEndTag,
		},
		{
			"empty info",
			func() uintptr { return alignedCopy(emptyInfoData) },
			errInfoTooSmall,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			if err := Validate(spec.ptr()); err != spec.expErr {
				t.Fatalf("expected Validate to return %v; got %v", spec.expErr, err)
			}
		})
	}
}

func TestTotalSize(t *testing.T) {
	SetInfoPtr(0)
	if got := TotalSize(); got != 0 {
		t.Fatalf("expected TotalSize to return 0 when no info is installed; got %d", got)
	}

	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))
	if exp, got := uint32(0x548), TotalSize(); got != exp {
		t.Fatalf("expected TotalSize to return %d; got %d", exp, got)
	}

	if exp, got := uintptr(unsafe.Pointer(&multibootInfoTestData[0])), InfoPtr(); got != exp {
		t.Fatalf("expected InfoPtr to return 0x%x; got 0x%x", exp, got)
	}
}

func TestVisitMemRegion(t *testing.T) {
	specs := []struct {
		expPhys uint64
		expLen  uint64
		expType MemoryEntryType
	}{
		// This region type is actually MemAvailable but we patch it to
		// a bogus value to test whether it gets flagged as reserved
		{0, 654336, MemReserved},
		{654336, 1024, MemReserved},
		{983040, 65536, MemReserved},
		{1048576, 133038080, MemAvailable},
		{134086656, 131072, MemReserved},
		{4294705152, 262144, MemReserved},
	}

	var visitCount int

	SetInfoPtr(uintptr(unsafe.Pointer(&emptyInfoData[0])))
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return true
	})

	if visitCount != 0 {
		t.Fatal("expected visitor not to be invoked when no memory map tag is present")
	}

	// Set a bogus type for the first entry in the map
	data := append([]byte(nil), multibootInfoTestData...)
	SetInfoPtr(uintptr(unsafe.Pointer(&data[0])))
	data[128] = 0xFF

	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.PhysAddress != specs[visitCount].expPhys {
			t.Errorf("[visit %d] expected physical address to be %x; got %x", visitCount, specs[visitCount].expPhys, entry.PhysAddress)
		}
		if entry.Length != specs[visitCount].expLen {
			t.Errorf("[visit %d] expected region len to be %x; got %x", visitCount, specs[visitCount].expLen, entry.Length)
		}
		if entry.Type != specs[visitCount].expType {
			t.Errorf("[visit %d] expected region type to be %d; got %d", visitCount, specs[visitCount].expType, entry.Type)
		}
		visitCount++
		return true
	})

	if visitCount != len(specs) {
		t.Errorf("expected the visitor func to be invoked %d times; got %d", len(specs), visitCount)
	}

	// Aborting the scan
	visitCount = 0
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return false
	})

	if visitCount != 1 {
		t.Errorf("expected the visitor func to be invoked once; got %d", visitCount)
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{memUnknown, "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestBootLoaderName(t *testing.T) {
	SetInfoPtr(uintptr(unsafe.Pointer(&emptyInfoData[0])))
	if got := BootLoaderName(); got != "" {
		t.Fatalf("expected empty boot loader name when tag is missing; got %q", got)
	}

	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))
	if exp, got := "GRUB 2.02~beta2-9ubuntu1.6", BootLoaderName(); got != exp {
		t.Fatalf("expected boot loader name to be %q; got %q", exp, got)
	}
}

func TestVisitBootCmdLine(t *testing.T) {
	type kv struct{ Key, Value string }

	specs := []struct {
		cmdLine string
		exp     []kv
	}{
		{"", nil},
		{"   ", nil},
		{"selftest=breakpoint", []kv{{"selftest", "breakpoint"}}},
		{
			"  selftest=doublefault nocolor\tloglevel=debug  ",
			[]kv{{"selftest", "doublefault"}, {"nocolor", "nocolor"}, {"loglevel", "debug"}},
		},
		{"a=b=c key=", []kv{{"key", ""}}},
	}

	for specIndex, spec := range specs {
		SetInfoPtr(newInfoBuilder().addTag(tagBootCmdLine, append([]byte(spec.cmdLine), 0)).build())

		var got []kv
		VisitBootCmdLine(func(k, v string) bool {
			got = append(got, kv{k, v})
			return true
		})

		if diff := cmp.Diff(spec.exp, got); diff != "" {
			t.Errorf("[spec %d] command line mismatch (-want +got):\n%s", specIndex, diff)
		}
	}

	// The qemu dump contains an empty command line
	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))
	VisitBootCmdLine(func(k, v string) bool {
		t.Errorf("unexpected visit for %q=%q", k, v)
		return true
	})
}

func TestBootCmdLineValue(t *testing.T) {
	SetInfoPtr(newInfoBuilder().addTag(tagBootCmdLine, []byte("serial=off selftest=breakpoint selftest=doublefault\x00")).build())

	specs := []struct {
		key      string
		expValue string
		expFound bool
	}{
		{"selftest", "breakpoint", true},
		{"serial", "off", true},
		{"loglevel", "", false},
	}

	for specIndex, spec := range specs {
		value, found := BootCmdLineValue(spec.key)
		if value != spec.expValue || found != spec.expFound {
			t.Errorf("[spec %d] expected BootCmdLineValue(%q) to return (%q, %t); got (%q, %t)", specIndex, spec.key, spec.expValue, spec.expFound, value, found)
		}
	}
}

func TestVisitElfSections(t *testing.T) {
	strTab := []byte("\x00.text\x00.rodata\x00.shstrtab\x00")
	strTabAddr := uint64(uintptr(unsafe.Pointer(&strTab[0])))

	sections := []elfSection64{
		{},
		{nameIndex: 1, flags: uint64(ElfSectionAllocated | ElfSectionExecutable), address: 0x100000, size: 0x2000},
		{nameIndex: 7, flags: uint64(ElfSectionAllocated), address: 0x102000, size: 0x800},
		{nameIndex: 15, address: strTabAddr, size: uint64(len(strTab))},
	}

	payload := make([]byte, 12+len(sections)*int(unsafe.Sizeof(elfSection64{})))
	binary.LittleEndian.PutUint32(payload[0:], uint32(len(sections)))
	binary.LittleEndian.PutUint32(payload[4:], uint32(unsafe.Sizeof(elfSection64{})))
	binary.LittleEndian.PutUint32(payload[8:], 3)
	for i, sec := range sections {
		src := unsafe.Slice((*byte)(unsafe.Pointer(&sec)), unsafe.Sizeof(sec))
		copy(payload[12+i*len(src):], src)
	}

	type section struct {
		Name    string
		Flags   ElfSectionFlag
		Address uintptr
		Size    uint64
	}

	exp := []section{
		{".text", ElfSectionAllocated | ElfSectionExecutable, 0x100000, 0x2000},
		{".rodata", ElfSectionAllocated, 0x102000, 0x800},
		{".shstrtab", 0, uintptr(strTabAddr), uint64(len(strTab))},
	}

	SetInfoPtr(newInfoBuilder().addTag(tagElfSymbols, payload).build())

	var got []section
	VisitElfSections(func(name string, flags ElfSectionFlag, address uintptr, size uint64) {
		got = append(got, section{name, flags, address, size})
	})

	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("section mismatch (-want +got):\n%s", diff)
	}

	// 32-bit section headers (as found in the qemu dump) are skipped
	SetInfoPtr(uintptr(unsafe.Pointer(&multibootInfoTestData[0])))
	VisitElfSections(func(name string, _ ElfSectionFlag, _ uintptr, _ uint64) {
		t.Errorf("unexpected visit for section %q", name)
	})
}

// infoBuilder assembles a multiboot2 information structure in an 8-byte
// aligned buffer.
type infoBuilder struct {
	data []byte
}

func newInfoBuilder() *infoBuilder {
	return &infoBuilder{data: make([]byte, 8)}
}

func (b *infoBuilder) addTag(tag tagType, payload []byte) *infoBuilder {
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(tag))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(8+len(payload)))
	b.data = append(b.data, hdr...)
	b.data = append(b.data, payload...)
	for len(b.data)%8 != 0 {
		b.data = append(b.data, 0)
	}
	return b
}

func (b *infoBuilder) build() uintptr {
	b.addTag(tagMbSectionEnd, nil)
	binary.LittleEndian.PutUint32(b.data[0:], uint32(len(b.data)))
	return alignedCopy(b.data)
}

// alignedCopy copies data into a buffer backed by uint64 values so that the
// returned address is 8-byte aligned.
func alignedCopy(data []byte) uintptr {
	buf := make([]uint64, (len(data)+7)/8+1)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), len(buf)*8)
	copy(dst, data)
	keepAlive = append(keepAlive, buf)
	return uintptr(unsafe.Pointer(&buf[0]))
}

func putUint32(ptr uintptr, offset int, value uint32) {
	*(*uint32)(unsafe.Pointer(ptr + uintptr(offset))) = value
}

// keepAlive holds on to the buffers returned by alignedCopy as tests only
// retain their addresses.
var keepAlive [][]uint64

var (
	emptyInfoData = []byte{
		0, 0, 0, 0, // size
		0, 0, 0, 0, // reserved
		0, 0, 0, 0, // tag with type zero and length zero
		0, 0, 0, 0,
	}

	// A dump of multiboot data when running under qemu.
	multibootInfoTestData = []byte{
		72, 5, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 9, 0, 0, 0,
		0, 171, 253, 7, 118, 119, 123, 0, 2, 0, 0, 0, 35, 0, 0, 0,
		71, 82, 85, 66, 32, 50, 46, 48, 50, 126, 98, 101, 116, 97, 50, 45,
		57, 117, 98, 117, 110, 116, 117, 49, 46, 54, 0, 0, 0, 0, 0, 0,
		10, 0, 0, 0, 28, 0, 0, 0, 2, 1, 0, 240, 4, 213, 0, 0,
		0, 240, 0, 240, 3, 0, 240, 255, 240, 255, 240, 255, 0, 0, 0, 0,
		6, 0, 0, 0, 160, 0, 0, 0, 24, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
		0, 4, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 15, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0,
		0, 0, 238, 7, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 254, 7, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 255, 0, 0, 0, 0,
		0, 0, 4, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		9, 0, 0, 0, 212, 3, 0, 0, 24, 0, 0, 0, 40, 0, 0, 0,
		21, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 27, 0, 0, 0,
		1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 16, 0, 0, 16, 0, 0,
		24, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 8, 0, 0, 0,
		0, 0, 0, 0, 38, 0, 0, 0, 1, 0, 0, 0, 6, 0, 0, 0,
		0, 16, 16, 0, 0, 32, 0, 0, 135, 26, 4, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0, 0, 44, 0, 0, 0,
		1, 0, 0, 0, 2, 0, 0, 0, 0, 48, 20, 0, 0, 64, 4, 0,
		194, 167, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0,
		0, 0, 0, 0, 52, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0,
		224, 215, 21, 0, 224, 231, 5, 0, 176, 6, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 32, 0, 0, 0, 0, 0, 0, 0, 62, 0, 0, 0,
		1, 0, 0, 0, 2, 0, 0, 0, 144, 222, 21, 0, 144, 238, 5, 0,
		4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0,
		0, 0, 0, 0, 72, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0,
		160, 222, 21, 0, 160, 238, 5, 0, 119, 23, 2, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 32, 0, 0, 0, 0, 0, 0, 0, 83, 0, 0, 0,
		7, 0, 0, 0, 2, 0, 0, 0, 32, 246, 23, 0, 32, 6, 8, 0,
		56, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 32, 0, 0, 0,
		0, 0, 0, 0, 100, 0, 0, 0, 1, 0, 0, 0, 3, 0, 0, 0,
		0, 0, 24, 0, 0, 16, 8, 0, 204, 5, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0, 0, 106, 0, 0, 0,
		1, 0, 0, 0, 3, 0, 0, 0, 224, 5, 24, 0, 224, 21, 8, 0,
		178, 9, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 32, 0, 0, 0,
		0, 0, 0, 0, 117, 0, 0, 0, 8, 0, 0, 0, 3, 4, 0, 0,
		148, 15, 24, 0, 146, 31, 8, 0, 4, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0, 123, 0, 0, 0,
		8, 0, 0, 0, 3, 0, 0, 0, 0, 16, 24, 0, 146, 31, 8, 0,
		176, 61, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0,
		0, 0, 0, 0, 128, 0, 0, 0, 8, 0, 0, 0, 3, 0, 0, 0,
		192, 77, 25, 0, 146, 31, 8, 0, 32, 56, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 32, 0, 0, 0, 0, 0, 0, 0, 138, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 224, 133, 25, 0, 146, 31, 8, 0,
		64, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 153, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		32, 134, 25, 0, 210, 31, 8, 0, 129, 26, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 169, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 161, 160, 25, 0, 83, 58, 8, 0,
		2, 201, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 181, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		163, 105, 27, 0, 85, 3, 10, 0, 25, 1, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 195, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 188, 106, 27, 0, 110, 4, 10, 0,
		67, 153, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 207, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		0, 4, 28, 0, 184, 157, 10, 0, 252, 112, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 8, 0, 0, 0, 0, 0, 0, 0, 220, 0, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0, 252, 116, 28, 0, 180, 14, 11, 0,
		16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 231, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
		12, 117, 28, 0, 196, 14, 11, 0, 239, 79, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 17, 0, 0, 0,
		3, 0, 0, 0, 0, 0, 0, 0, 251, 196, 28, 0, 179, 94, 11, 0,
		247, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
		244, 197, 28, 0, 108, 99, 11, 0, 80, 77, 0, 0, 23, 0, 0, 0,
		210, 4, 0, 0, 4, 0, 0, 0, 16, 0, 0, 0, 9, 0, 0, 0,
		3, 0, 0, 0, 0, 0, 0, 0, 68, 19, 29, 0, 188, 176, 11, 0,
		107, 104, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 16, 0, 0, 0,
		127, 2, 0, 0, 128, 251, 1, 0, 5, 0, 0, 0, 20, 0, 0, 0,
		224, 0, 0, 0, 255, 255, 255, 255, 255, 255, 255, 255, 0, 0, 0, 0,
		8, 0, 0, 0, 32, 0, 0, 0, 0, 128, 11, 0, 0, 0, 0, 0,
		160, 0, 0, 0, 80, 0, 0, 0, 25, 0, 0, 0, 16, 2, 0, 0,
		14, 0, 0, 0, 28, 0, 0, 0, 82, 83, 68, 32, 80, 84, 82, 32,
		89, 66, 79, 67, 72, 83, 32, 0, 220, 24, 254, 7, 0, 0, 0, 0,
		0, 0, 0, 0, 8, 0, 0, 0,
	}
)
