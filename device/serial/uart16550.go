// Package serial implements a driver for 16550-compatible UARTs. The boot
// core uses the first detected UART as the kernel output sink.
package serial

import (
	"io"

	"github.com/mansoormemon/asmos/device"
	"github.com/mansoormemon/asmos/kernel"
	"github.com/mansoormemon/asmos/kernel/cpu"
	"github.com/mansoormemon/asmos/kernel/kfmt"
	"github.com/mansoormemon/asmos/kernel/sync"
	"github.com/mansoormemon/asmos/multiboot"
)

// COM1 is the I/O port base of the first serial port.
const COM1 = uint16(0x3F8)

// Register offsets relative to the port base.
const (
	regData         = 0 // DLAB=0
	regDivisorLo    = 0 // DLAB=1
	regIntEnable    = 1 // DLAB=0
	regDivisorHi    = 1 // DLAB=1
	regFIFOControl  = 2
	regLineControl  = 3
	regModemControl = 4
	regLineStatus   = 5
)

const (
	lineControl8N1  = 0x03
	lineControlDLAB = 0x80

	// Enable and clear both FIFOs with a 14-byte threshold.
	fifoControlInit = 0xC7

	// DTR, RTS and OUT2 asserted.
	modemControlReady = 0x0B

	// Loopback mode with RTS, OUT1 and OUT2 asserted.
	modemControlLoopback = 0x1E

	intEnableRxAvailable = 0x01

	lineStatusTxEmpty = 1 << 5

	// clockRate is the UART input clock divided by 16.
	clockRate   = 115200
	defaultBaud = 38400

	// loopbackPattern is sent while in loopback mode to check that a
	// UART is listening on the probed port.
	loopbackPattern = 0xAE

	// maxTxPolls bounds the busy-wait for the transmit holding register
	// so that a wedged UART cannot hang the kernel.
	maxTxPolls = 1 << 16

	// panicLockAttempts bounds the attempts to take the lock in panic
	// mode before writing without it.
	panicLockAttempts = 1 << 10
)

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
	cmdLineValueFn  = multiboot.BootCmdLineValue
	panicModeFn     = kfmt.PanicMode

	// com1 is the driver instance handed out by the probe. It lives in
	// static storage as no allocator is available during boot.
	com1 Uart16550

	errInvalidBaud = &kernel.Error{Module: "uart16550", Message: "baud rate must evenly divide 115200"}

	// DriverInfo registers the driver for the UART at COM1. It is
	// initialized statically as package init blocks do not run in the
	// kernel.
	DriverInfo = &device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForUart16550,
	}
)

// Uart16550 drives a 16550 UART. It implements io.Writer and translates line
// feeds into CR-LF pairs.
type Uart16550 struct {
	port uint16
	baud uint32

	// lock serializes access to the UART registers between the boot path
	// and interrupt handlers.
	lock sync.Spinlock

	// dropped counts the bytes discarded because the transmitter did not
	// become ready in time.
	dropped uint64
}

// Port returns the I/O port base of the UART.
func (u *Uart16550) Port() uint16 {
	return u.port
}

// Dropped returns the number of bytes discarded because the transmitter was
// not ready.
func (u *Uart16550) Dropped() uint64 {
	return u.dropped
}

// Write transmits p. It implements io.Writer.
//
// In panic mode the lock may be held by the context that a terminal
// exception interrupted and which will never run again. Write then gives up
// on the lock after a bounded number of attempts and transmits anyway.
func (u *Uart16550) Write(p []byte) (int, error) {
	if panicModeFn() {
		held := u.tryLock()
		u.transmitAll(p)
		if held {
			u.lock.Release()
		}
		return len(p), nil
	}

	flags := u.lock.AcquireIRQSave()
	u.transmitAll(p)
	u.lock.ReleaseIRQRestore(flags)

	return len(p), nil
}

func (u *Uart16550) tryLock() bool {
	for attempt := 0; attempt < panicLockAttempts; attempt++ {
		if u.lock.TryToAcquire() {
			return true
		}
	}
	return false
}

func (u *Uart16550) transmitAll(p []byte) {
	for _, b := range p {
		if b == '\n' {
			u.transmit('\r')
		}
		u.transmit(b)
	}
}

// transmit waits for the transmit holding register to drain and writes b.
func (u *Uart16550) transmit(b byte) {
	for polls := 0; portReadByteFn(u.port+regLineStatus)&lineStatusTxEmpty == 0; polls++ {
		if polls == maxTxPolls {
			u.dropped++
			return
		}
	}

	portWriteByteFn(u.port+regData, b)
}

// DriverName returns the name of this driver.
func (u *Uart16550) DriverName() string {
	return "uart16550"
}

// DriverVersion returns the version of this driver.
func (u *Uart16550) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit programs the UART for 8N1 operation at the configured baud rate
// with FIFOs enabled.
func (u *Uart16550) DriverInit(w io.Writer) *kernel.Error {
	if u.baud == 0 || clockRate%u.baud != 0 {
		return errInvalidBaud
	}
	divisor := uint16(clockRate / u.baud)

	flags := u.lock.AcquireIRQSave()
	portWriteByteFn(u.port+regIntEnable, 0)
	portWriteByteFn(u.port+regLineControl, lineControlDLAB)
	portWriteByteFn(u.port+regDivisorLo, uint8(divisor))
	portWriteByteFn(u.port+regDivisorHi, uint8(divisor>>8))
	portWriteByteFn(u.port+regLineControl, lineControl8N1)
	portWriteByteFn(u.port+regFIFOControl, fifoControlInit)
	portWriteByteFn(u.port+regModemControl, modemControlReady)
	portWriteByteFn(u.port+regIntEnable, intEnableRxAvailable)
	u.lock.ReleaseIRQRestore(flags)

	kfmt.Fprintf(w, "port 0x%x, %d baud, 8N1\n", u.port, u.baud)
	return nil
}

// loopbackTest puts the UART at port into loopback mode, sends a test pattern
// and checks that it is received unchanged. The modem control register is
// restored before returning.
func loopbackTest(port uint16) bool {
	portWriteByteFn(port+regIntEnable, 0)
	portWriteByteFn(port+regModemControl, modemControlLoopback)
	portWriteByteFn(port+regData, loopbackPattern)
	ok := portReadByteFn(port+regData) == loopbackPattern
	portWriteByteFn(port+regModemControl, modemControlReady)

	return ok
}

// probeForUart16550 returns a driver for the UART at COM1 unless serial
// output has been disabled via the "serial=off" boot command line option or
// the UART fails its loopback test.
func probeForUart16550() device.Driver {
	if v, found := cmdLineValueFn("serial"); found && v == "off" {
		return nil
	}

	if !loopbackTest(COM1) {
		return nil
	}

	com1 = Uart16550{port: COM1, baud: defaultBaud}
	return &com1
}
