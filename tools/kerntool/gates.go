package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"github.com/mansoormemon/asmos/kernel/gate"
)

// gateCount is the number of interrupt vectors on x86-64.
const gateCount = 256

const (
	gateEntriesAsm  = "gate_entries_amd64.s"
	gateEntriesDecl = "gate_entries_amd64.go"

	generatedHeader = "// Code generated by \"kerntool gates\"; DO NOT EDIT.\n\n"
)

// Gates implements subcommands.Command for the "gates" command. It generates
// the assembly entrypoints of the interrupt gates, the table that gate.Init
// reads their addresses from and the Go declarations of the entrypoints.
type Gates struct {
	dir string
}

// Name implements subcommands.Command.Name.
func (*Gates) Name() string {
	return "gates"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Gates) Synopsis() string {
	return "generate the interrupt gate entrypoints"
}

// Usage implements subcommands.Command.Usage.
func (*Gates) Usage() string {
	return `gates [-dir package-dir]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (g *Gates) SetFlags(f *flag.FlagSet) {
	f.StringVar(&g.dir, "dir", ".", "directory of the gate package.")
}

// Execute implements subcommands.Command.Execute.
func (g *Gates) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	for _, out := range []struct {
		name  string
		write func(io.Writer)
	}{
		{gateEntriesAsm, writeGateEntries},
		{gateEntriesDecl, writeGateDecls},
	} {
		var buf bytes.Buffer
		out.write(&buf)

		path := filepath.Join(g.dir, out.name)
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			log.WithError(err).Error("writing gate entrypoints")
			return subcommands.ExitFailure
		}
		log.WithField("file", path).Debug("gate entrypoints generated")
	}

	return subcommands.ExitSuccess
}

// writeGateEntries emits one entrypoint per vector. Entrypoints for vectors
// without a processor-supplied error code push a 0 in its place so that every
// handler sees the same frame layout.
func writeGateEntries(w io.Writer) {
	fmt.Fprint(w, generatedHeader+"#include \"textflag.h\"\n\n")

	for vec := 0; vec < gateCount; vec++ {
		fmt.Fprintf(w, "TEXT ·gateEntry%d(SB),NOSPLIT,$0\n", vec)
		if !gate.InterruptNumber(vec).HasErrorCode() {
			fmt.Fprint(w, "\tPUSHQ $0 // no error code\n")
		}
		fmt.Fprintf(w, "\tPUSHQ $%d\n", vec)
		fmt.Fprint(w, "\tJMP ·gateCommon(SB)\n\n")
	}

	for vec := 0; vec < gateCount; vec++ {
		fmt.Fprintf(w, "DATA gateEntryTable<>+%d(SB)/8, $·gateEntry%d(SB)\n", vec*8, vec)
	}
	fmt.Fprintf(w, "GLOBL gateEntryTable<>(SB), RODATA, $%d\n\n", gateCount*8)

	fmt.Fprint(w, "TEXT ·gateEntryAddr(SB),NOSPLIT,$0-16\n"+
		"\tMOVBQZX vector+0(FP), AX\n"+
		"\tLEAQ gateEntryTable<>(SB), BX\n"+
		"\tMOVQ (BX)(AX*8), AX\n"+
		"\tMOVQ AX, ret+8(FP)\n"+
		"\tRET\n")
}

// writeGateDecls emits the Go declarations matching the entrypoints written
// by writeGateEntries.
func writeGateDecls(w io.Writer) {
	fmt.Fprint(w, generatedHeader+"package gate\n\n")
	fmt.Fprint(w, "// Interrupt gate entrypoints. gateEntryAddr returns their addresses.\n")
	for vec := 0; vec < gateCount; vec++ {
		fmt.Fprintf(w, "func gateEntry%d()\n", vec)
	}
}
