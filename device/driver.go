// Package device defines the contract between the kernel and the drivers for
// the hardware it probes during boot.
package device

import (
	"io"

	"github.com/mansoormemon/asmos/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprint.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func() Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by the hal package.
type DetectOrder int8

const (
	// DetectOrderEarly specifies that the driver's probe function should
	// be executed at the beginning of the HW detection phase. It is used
	// by the drivers that provide the kernel output sink.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderBeforeACPI specifies that the driver's probe function
	// should be executed before attempting any ACPI-based HW detection.
	DetectOrderBeforeACPI DetectOrder = -127

	// DetectOrderACPI specifies that the driver's probe function should
	// be executed after parsing the ACPI tables.
	DetectOrderACPI DetectOrder = 0

	// DetectOrderLast specifies that the driver's probe function should
	// be executed at the end of the HW detection phase.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo is a driver-defined struct that is passed to calls to
// RegisterDriver.
type DriverInfo struct {
	// Order specifies at which stage of the HW detection step should
	// the probe function be invoked.
	Order DetectOrder

	// Probe is a function that checks for the presence of a particular
	// piece of hardware and returns back a driver for it.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements
// sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var (
	// registeredDrivers is the list of drivers that have been registered
	// via calls to RegisterDriver. The array is sized for the drivers
	// linked into the kernel image so that registration, which runs
	// before the allocator exists, never grows a slice.
	registeredDrivers      [maxRegisteredDrivers]*DriverInfo
	registeredDriversCount int

	errTooManyDrivers = &kernel.Error{Module: "device", Message: "driver registry is full"}
)

// maxRegisteredDrivers is the capacity of the driver registry.
const maxRegisteredDrivers = 16

// RegisterDriver adds the supplied driver info entry to the list of
// registered drivers. The list is consulted by the hal package when
// it attempts to probe for hardware. Drivers register themselves from an
// init block.
func RegisterDriver(info *DriverInfo) *kernel.Error {
	if registeredDriversCount == maxRegisteredDrivers {
		return errTooManyDrivers
	}

	registeredDrivers[registeredDriversCount] = info
	registeredDriversCount++
	return nil
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return DriverInfoList(registeredDrivers[:registeredDriversCount])
}
