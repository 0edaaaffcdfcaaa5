package main

import "github.com/mansoormemon/asmos/kernel/kmain"

var multibootInfoPtr uintptr

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code.
//
// A global variable is passed as an argument to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
// The rt0 code calls Kmain directly with the address of the boot information.
func main() {
	kmain.Kmain(multibootInfoPtr)
}
