package device

import (
	"gopheros/kernel"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Any diagnostic output
	// produced while probing or initializing the driver is written to w.
	DriverInit(w io.Writer) *kernel.Error
}

// ProbeFn attempts to detect a particular piece of hardware. It returns an
// uninitialized Driver instance if the hardware is present, or nil otherwise.
type ProbeFn func() Driver

// DetectOrder controls the order in which registered drivers are probed by
// the hal package; lower values are probed first.
type DetectOrder int

const (
	// DetectOrderEarly is used by drivers that other drivers depend on,
	// such as the console.
	DetectOrderEarly DetectOrder = iota
	// DetectOrderLast is used by drivers that depend on everything else
	// having already been probed, such as the TTY layer.
	DetectOrderLast
)

// DriverInfo describes a single driver candidate registered via
// RegisterDriver.
type DriverInfo struct {
	// Order controls when this driver is probed relative to others.
	Order DetectOrder

	// Probe attempts to detect the hardware this driver targets.
	Probe ProbeFn
}

// DriverInfoList is a sortable list of DriverInfo, ascending by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the set of drivers hal.DetectHardware probes
// for. Driver packages call this from an init() function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the currently registered driver list.
func DriverList() DriverInfoList {
	return registeredDrivers
}
