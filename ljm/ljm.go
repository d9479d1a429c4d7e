// Package ljm defines the surface of the vendor LJM library that labdaq
// uses to talk to LabJack T-series devices: open/close a device session,
// read/write named registers, and configure/start/stop stream mode.
//
// The production binding is the vendor's shared library; this package holds
// the Go-side contract plus a no-hardware simulation usable in tests and in
// the daemon's simulation mode.
package ljm

import "fmt"

// Handle identifies one open device session.
type Handle int

// HandleInvalid is returned by OpenS on failure.
const HandleInvalid Handle = -1

// Stream scan-rate limits for T-series devices in stream-out mode.
const (
	MinScanRate = 1.0
	MaxScanRate = 100000.0
)

// DAC output range in volts.
const (
	DACMinVolts = 0.0
	DACMaxVolts = 5.0
)

// Error codes used by the simulation. They follow the vendor's convention of
// small integers in a reserved range.
const (
	ErrcodeDeviceNotOpen   = 1224
	ErrcodeDeviceNotFound  = 1227
	ErrcodeInvalidName     = 1262
	ErrcodeInvalidValue    = 1263
	ErrcodeStreamActive    = 2605
	ErrcodeStreamNotActive = 2606
	ErrcodeInvalidScanRate = 2607
	ErrcodeBufferFull      = 2610
	ErrcodeBufferEmpty     = 2611
)

// Error is a failure reported by the library, carrying the vendor error code.
type Error struct {
	Code int
	What string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ljm error %d: %s", e.Code, e.What)
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code int) bool {
	lerr, ok := err.(*Error)
	return ok && lerr.Code == code
}

// HandleInfo describes an open session, as reported by GetHandleInfo.
type HandleInfo struct {
	DeviceType     string
	ConnectionType string
	SerialNumber   int
	IPAddress      string
	Port           int
	MaxBytesPerMTU int
}

// LJM is the set of library calls labdaq needs. All device I/O in this
// repository goes through an implementation of this interface.
type LJM interface {
	// OpenS opens a session with the first device matching the device type
	// ("ANY", "T4", "T7", "DIGIT"), connection type ("ANY", "USB",
	// "ETHERNET", "WIFI") and identifier (serial number, IP, name or "ANY").
	OpenS(deviceType, connectionType, identifier string) (Handle, error)
	Close(h Handle) error
	GetHandleInfo(h Handle) (HandleInfo, error)

	EReadName(h Handle, name string) (float64, error)
	EWriteName(h Handle, name string, value float64) error
	EReadNames(h Handle, names []string) ([]float64, error)
	EWriteNames(h Handle, names []string, values []float64) error
	EReadNameArray(h Handle, name string, n int) ([]float64, error)
	EWriteNameArray(h Handle, name string, values []float64) error

	// NameToAddress resolves a register name to its Modbus address.
	NameToAddress(name string) (int, error)

	// EStreamStart begins stream mode at the requested scan rate and returns
	// the actual rate granted by the device.
	EStreamStart(h Handle, scansPerRead int, scanList []int, scanRate float64) (float64, error)
	EStreamStop(h Handle) error
}
