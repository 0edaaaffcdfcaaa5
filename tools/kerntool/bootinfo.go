package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"unsafe"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"github.com/mansoormemon/asmos/multiboot"
)

// BootInfo implements subcommands.Command for the "bootinfo" command. It
// decodes a raw multiboot2 information dump (for example one saved from the
// QEMU monitor with pmemsave) using the parser that the kernel itself runs.
type BootInfo struct{}

// Name implements subcommands.Command.Name.
func (*BootInfo) Name() string {
	return "bootinfo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*BootInfo) Synopsis() string {
	return "decode a multiboot2 information dump"
}

// Usage implements subcommands.Command.Usage.
func (*BootInfo) Usage() string {
	return `bootinfo dump-file
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*BootInfo) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*BootInfo) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	dump, err := os.ReadFile(f.Arg(0))
	if err != nil {
		log.WithError(err).Error("reading boot information dump")
		return subcommands.ExitFailure
	}

	if err = describeBootInfo(os.Stdout, dump); err != nil {
		log.WithError(err).WithField("file", f.Arg(0)).Error("decoding boot information")
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

// describeBootInfo validates dump and writes the boot loader name, the
// command line and the memory map to w.
func describeBootInfo(w io.Writer, dump []byte) error {
	if len(dump) < 8 {
		return fmt.Errorf("dump is %d bytes long; expected at least 8", len(dump))
	}

	// The parser requires an 8-byte aligned structure; the header tells us
	// how much of the dump belongs to it.
	totalSize := binary.LittleEndian.Uint32(dump)
	if uint64(totalSize) > uint64(len(dump)) {
		return fmt.Errorf("header reports %d bytes but the dump is %d bytes long", totalSize, len(dump))
	}

	buf := make([]uint64, (len(dump)+7)/8)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), len(buf)*8), dump)
	defer runtime.KeepAlive(buf)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	if kerr := multiboot.Validate(ptr); kerr != nil {
		return kerr
	}

	multiboot.SetInfoPtr(ptr)
	defer multiboot.SetInfoPtr(0)

	fmt.Fprintf(w, "total size: %d bytes\n", multiboot.TotalSize())
	fmt.Fprintf(w, "boot loader: %s\n", multiboot.BootLoaderName())

	fmt.Fprintln(w, "command line:")
	multiboot.VisitBootCmdLine(func(key, value string) bool {
		fmt.Fprintf(w, "  %s = %s\n", key, value)
		return true
	})

	fmt.Fprintln(w, "memory map:")
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		fmt.Fprintf(w, "  [%#016x - %#016x) %-18s %d KiB\n",
			entry.PhysAddress, entry.PhysAddress+entry.Length, entry.Type.String(), entry.Length/1024)
		return true
	})

	return nil
}
