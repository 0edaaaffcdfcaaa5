package kfmt

import (
	"github.com/mansoormemon/asmos/kernel"
	"github.com/mansoormemon/asmos/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// panicMode is set once the kernel is on a path that ends in a halt.
	panicMode bool

	// panicking is set while Panic reports an error. A second Panic in the
	// meantime (a fault raised by the report itself) halts straight away.
	panicking bool

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// EnterPanicMode marks the kernel as being on a terminal path. Output devices
// check PanicMode and stop waiting for locks that may be owned by the code
// the terminal path interrupted. Panic mode is never left.
func EnterPanicMode() {
	panicMode = true
}

// PanicMode returns true once EnterPanicMode has been called.
func PanicMode() bool {
	return panicMode
}

// Panic outputs the supplied error (if not nil) to the output sink and halts
// the CPU. Calls to Panic never return. Panic also works as a redirection
// target for calls to panic() (resolved via runtime.gopanic) which makes it
// the single unrecoverable-failure path of the kernel.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	EnterPanicMode()
	if panicking {
		cpuHaltFn()
		return
	}
	panicking = true

	var err *kernel.Error
	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	Panic(msg)
}
