// Package hal probes for the hardware needed during boot and attaches the
// kernel output sink.
package hal

import (
	"io"
	"sort"

	"github.com/mansoormemon/asmos/device"
	"github.com/mansoormemon/asmos/device/serial"
	"github.com/mansoormemon/asmos/kernel/kfmt"
)

// maxActiveDrivers bounds the number of drivers the HAL keeps track of.
const maxActiveDrivers = 8

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeSink io.Writer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers     [maxActiveDrivers]device.Driver
	activeDriverCount int
}

var (
	devices managedDevices
	strBuf  prefixBuffer

	// builtinDrivers lists the drivers linked into the kernel image.
	builtinDrivers = [...]*device.DriverInfo{
		serial.DriverInfo,
	}
	builtinsRegistered bool

	registerDriverFn = device.RegisterDriver
	driverListFn     = device.DriverList
)

// ActiveOutput returns the device that currently receives the kernel output
// or nil if output is still captured by the early ring buffer.
func ActiveOutput() io.Writer {
	return devices.activeSink
}

// ActiveDrivers returns the drivers that were successfully initialized.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers[:devices.activeDriverCount]
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers. The first initialized driver that implements io.Writer becomes
// the kfmt output sink.
func DetectHardware() {
	if !builtinsRegistered {
		for _, info := range builtinDrivers {
			if err := registerDriverFn(info); err != nil {
				kfmt.Printf("[hal] %s\n", err.Message)
			}
		}
		builtinsRegistered = true
	}

	// Get driver list and sort by detection priority
	drivers := driverListFn()
	sort.Sort(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Sink = kfmt.GetOutputSink()
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized.
func onDriverInit(drv device.Driver) {
	if devices.activeDriverCount < maxActiveDrivers {
		devices.activeDrivers[devices.activeDriverCount] = drv
		devices.activeDriverCount++
	}

	if sink, ok := drv.(io.Writer); ok && devices.activeSink == nil {
		devices.activeSink = sink
		kfmt.SetOutputSink(sink)
	}
}

// prefixBuffer is a fixed-capacity io.Writer used for assembling the per
// driver log prefix. Writes past its capacity are truncated.
type prefixBuffer struct {
	buf [64]byte
	len int
}

func (b *prefixBuffer) Write(p []byte) (int, error) {
	n := copy(b.buf[b.len:], p)
	b.len += n
	return len(p), nil
}

func (b *prefixBuffer) Bytes() []byte {
	return b.buf[:b.len]
}

func (b *prefixBuffer) Reset() {
	b.len = 0
}
