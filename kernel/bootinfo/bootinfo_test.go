package bootinfo

import (
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/mansoormemon/asmos/kernel"
	"github.com/mansoormemon/asmos/multiboot"
)

func TestAccessorsBeforeInit(t *testing.T) {
	state = resolverState{}

	if Present() {
		t.Fatal("expected Present to return false before Init")
	}

	if err := Err(); err != errNotInitialized {
		t.Fatalf("expected Err to return errNotInitialized; got %v", err)
	}

	assertAccessorsPanic(t, errNotInitialized)
}

func TestInitWithInvalidInfo(t *testing.T) {
	defer func() { readLayoutFn = readLayout }()

	readLayoutFn = func() linkerLayout {
		t.Fatal("expected linker layout not to be read for invalid boot information")
		return linkerLayout{}
	}

	specs := []struct {
		descr string
		addr  uintptr
	}{
		{"null address", 0},
		{"misaligned address", newInfo("grub") + 2},
		{"empty structure", uintptr(unsafe.Pointer(&make([]uint64, 2)[0]))},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			// Init must not panic
			Init(spec.addr)

			if Present() {
				t.Fatal("expected Present to return false")
			}

			err := Err()
			if err == nil || err.Module != "multiboot" {
				t.Fatalf("expected Err to report a multiboot error; got %v", err)
			}

			assertAccessorsPanic(t, err)
		})
	}
}

func TestInit(t *testing.T) {
	defer func() { readLayoutFn = readLayout }()

	layout := linkerLayout{
		reserved:    Region{Begin: 0x0, End: 0x100000},
		trampoline:  Region{Begin: 0x100000, End: 0x101000},
		image:       Region{Begin: 0xffffffff80101000, End: 0xffffffff80200000},
		imageOffset: 0xffffffff80000000,
	}
	readLayoutFn = func() linkerLayout { return layout }

	addr := newInfo("GRUB 2.06")
	Init(addr)

	if !Present() {
		t.Fatalf("expected Present to return true; Err: %v", Err())
	}

	info := Info()
	if info.Addr() != addr {
		t.Fatalf("expected Info().Addr() to return 0x%x; got 0x%x", addr, info.Addr())
	}

	if exp, got := "GRUB 2.06", info.BootLoaderName(); got != exp {
		t.Fatalf("expected boot loader name %q; got %q", exp, got)
	}

	if _, found := info.CmdLineValue("selftest"); found {
		t.Fatal("expected selftest key not to be present")
	}

	bootRegion := BootInfoRegion()
	if bootRegion.End-bootRegion.Begin != info.Size() {
		t.Fatalf("expected boot info region size to equal Info().Size() (%d); got %d", info.Size(), bootRegion.Size())
	}

	// header + 24-byte padded loader name tag + end tag
	if info.Size() != 40 {
		t.Fatalf("expected Info().Size() to be 40; got %d", info.Size())
	}

	got := linkerLayout{
		reserved:    ReservedRegion(),
		trampoline:  TrampolineRegion(),
		image:       ImageRegion(),
		imageOffset: ImageToLinkOffset(),
	}
	if diff := cmp.Diff(layout, got, cmp.AllowUnexported(linkerLayout{})); diff != "" {
		t.Fatalf("layout mismatch (-want +got):\n%s", diff)
	}

	if err := CheckLayout(); err != nil {
		t.Fatalf("unexpected CheckLayout error: %v", err)
	}

	var visited int
	info.VisitMemRegions(func(_ *multiboot.MemoryMapEntry) bool {
		visited++
		return true
	})
	if visited != 0 {
		t.Fatalf("expected no memory regions; got %d", visited)
	}
}

func TestCheckLayout(t *testing.T) {
	defer func() { readLayoutFn = readLayout }()

	specs := []struct {
		descr  string
		layout linkerLayout
		expErr *kernel.Error
	}{
		{
			"empty layout",
			linkerLayout{},
			nil,
		},
		{
			"inverted reserved region",
			linkerLayout{reserved: Region{Begin: 0x2000, End: 0x1000}},
			errInvertedRegion,
		},
		{
			"inverted image region",
			linkerLayout{image: Region{Begin: 0x200000, End: 0x100000}},
			errInvertedRegion,
		},
		{
			"image overlaps reserved region",
			linkerLayout{
				reserved: Region{Begin: 0x0, End: 0x100000},
				image:    Region{Begin: 0xff000, End: 0x200000},
			},
			errImageOverlap,
		},
		{
			"image adjacent to reserved region",
			linkerLayout{
				reserved: Region{Begin: 0x0, End: 0x100000},
				image:    Region{Begin: 0x100000, End: 0x200000},
			},
			nil,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			layout := spec.layout
			readLayoutFn = func() linkerLayout { return layout }
			Init(newInfo("grub"))

			if err := CheckLayout(); err != spec.expErr {
				t.Fatalf("expected CheckLayout to return %v; got %v", spec.expErr, err)
			}
		})
	}

	Init(0)
	if err := CheckLayout(); err != Err() {
		t.Fatalf("expected CheckLayout to report the parse error %v; got %v", Err(), err)
	}
}

func assertAccessorsPanic(t *testing.T, expErr *kernel.Error) {
	t.Helper()

	accessors := map[string]func(){
		"Info":              func() { Info() },
		"BootInfoRegion":    func() { BootInfoRegion() },
		"ReservedRegion":    func() { ReservedRegion() },
		"TrampolineRegion":  func() { TrampolineRegion() },
		"ImageRegion":       func() { ImageRegion() },
		"ImageToLinkOffset": func() { ImageToLinkOffset() },
	}

	for name, fn := range accessors {
		func() {
			defer func() {
				err := recover()
				if err != expErr {
					t.Errorf("expected %s to panic with %v; got %v", name, expErr, err)
				}
			}()

			fn()
		}()
	}
}

// newInfo returns the address of an 8-byte aligned multiboot2 structure that
// contains a boot loader name tag followed by the end tag.
func newInfo(loaderName string) uintptr {
	// header (8) + loader name tag (8 + len + NUL, padded to 8) + end tag (8)
	payloadLen := len(loaderName) + 1
	tagLen := 8 + payloadLen
	paddedTagLen := (tagLen + 7) &^ 7
	total := 8 + paddedTagLen + 8

	buf := make([]uint64, total/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), total)

	putUint32(data[0:], uint32(total))
	putUint32(data[8:], 2) // boot loader name
	putUint32(data[12:], uint32(tagLen))
	copy(data[16:], loaderName)
	putUint32(data[8+paddedTagLen+4:], 8) // end tag

	retained = append(retained, buf)
	return uintptr(unsafe.Pointer(&buf[0]))
}

func putUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

var retained [][]uint64
