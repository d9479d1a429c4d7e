package labdaq

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	sysctl "github.com/lorenzosaino/go-sysctl"

	"github.com/microfab/labdaq/internal/daqdb"
	"github.com/microfab/labdaq/ljm"
)

// DeviceType names the kind of LabJack to open, per the vendor's OpenS call.
type DeviceType string

// Values of DeviceType
const (
	DeviceAny   DeviceType = "ANY"
	DeviceT4    DeviceType = "T4"
	DeviceT7    DeviceType = "T7"
	DeviceDigit DeviceType = "DIGIT"
)

// ConnectionType selects the transport used to open the device session.
type ConnectionType string

// Values of ConnectionType
const (
	ConnectAny      ConnectionType = "ANY"
	ConnectUSB      ConnectionType = "USB"
	ConnectEthernet ConnectionType = "ETHERNET"
	ConnectWiFi     ConnectionType = "WIFI"
)

// networked tells whether this transport runs over the host network stack.
func (ct ConnectionType) networked() bool {
	return ct == ConnectEthernet || ct == ConnectWiFi
}

// DAQ is the facade that owns one open device session. It opens the handle
// at construction, shares it (read-only) with any components built from it,
// and closes it exactly once. Components built after Close fail with a
// ConnectionError rather than silently doing nothing.
type DAQ struct {
	lib      ljm.LJM
	handle   ljm.Handle
	info     ljm.HandleInfo
	registry *RegisterRegistry

	recorder *daqdb.Connection // optional transaction log; may be nil

	handleLock sync.Mutex // guards closed
	closed     bool
}

// Open opens a session with the first device matching the given device type,
// connection type and identifier, through the supplied library binding.
func Open(lib ljm.LJM, devtype DeviceType, conntype ConnectionType, identifier string) (*DAQ, error) {
	if conntype.networked() {
		checkNetBuffers()
	}
	handle, err := lib.OpenS(string(devtype), string(conntype), identifier)
	if err != nil {
		return nil, &ConnectionError{Op: fmt.Sprintf("open %s over %s", devtype, conntype), Err: err}
	}
	daq := &DAQ{
		lib:      lib,
		handle:   handle,
		registry: TSeriesRegisters(),
	}
	if daq.info, err = lib.GetHandleInfo(handle); err != nil {
		lib.Close(handle)
		return nil, &ConnectionError{Op: "query handle info", Err: err}
	}
	UpdateLogger.Printf("Opened %s over %s, ID %q: serial %d, IP %s, port %d, %d bytes per MTU",
		daq.info.DeviceType, daq.info.ConnectionType, identifier, daq.info.SerialNumber,
		daq.info.IPAddress, daq.info.Port, daq.info.MaxBytesPerMTU)
	return daq, nil
}

// Close ends the device session. Closing an already-closed DAQ is a no-op,
// matching the vendor library's tolerance for double close.
func (daq *DAQ) Close() error {
	daq.handleLock.Lock()
	defer daq.handleLock.Unlock()
	if daq.closed {
		return nil
	}
	daq.closed = true
	if err := daq.lib.Close(daq.handle); err != nil {
		if ljm.IsCode(err, ljm.ErrcodeDeviceNotOpen) {
			return nil
		}
		return &ConnectionError{Op: "close", Err: err}
	}
	return nil
}

// Info describes the open session.
func (daq *DAQ) Info() ljm.HandleInfo {
	return daq.info
}

// Registry returns the register registry in force for this device.
func (daq *DAQ) Registry() *RegisterRegistry {
	return daq.registry
}

// checkOpen returns the shared handle, or a ConnectionError if the session
// has been closed. Every component call goes through here first.
func (daq *DAQ) checkOpen(op string) (ljm.Handle, error) {
	daq.handleLock.Lock()
	defer daq.handleLock.Unlock()
	if daq.closed {
		return ljm.HandleInvalid, &ConnectionError{Op: op, Err: fmt.Errorf("handle is closed")}
	}
	return daq.handle, nil
}

// SetRecorder attaches an optional database transaction log. Register writes
// and stream runs are recorded there when it is connected.
func (daq *DAQ) SetRecorder(conn *daqdb.Connection) {
	daq.recorder = conn
}

func (daq *DAQ) recordWrite(register string, value float64, opID string) {
	if daq.recorder.IsConnected() {
		daq.recorder.RecordWrite(daqdb.RegisterWriteMessage{
			Time: time.Now(), Register: register, Value: value, OpID: opID,
		})
	}
}

func (daq *DAQ) recordRun(msg daqdb.StreamRunMessage) {
	if daq.recorder.IsConnected() {
		daq.recorder.RecordRun(msg)
	}
}

// NewUpdater attaches an Updater for the given read and write register sets.
// All names must be in the registry, and the write names must be writable.
func (daq *DAQ) NewUpdater(readNames, writeNames []string) (*Updater, error) {
	for _, name := range readNames {
		if err := daq.registry.ValidateRead(name); err != nil {
			return nil, err
		}
	}
	for _, name := range writeNames {
		spec, err := daq.registry.Lookup(name)
		if err != nil {
			return nil, err
		}
		if !spec.Writable {
			return nil, &RegisterError{Register: name, Reason: "not writable"}
		}
	}
	return &Updater{daq: daq, readNames: readNames, writeNames: writeNames}, nil
}

// NewAsyncUpdater attaches an AsyncUpdater sharing this DAQ's handle.
func (daq *DAQ) NewAsyncUpdater() *AsyncUpdater {
	return newAsyncUpdater(daq)
}

// NewIntervaler attaches an Intervaler enforcing the given minimum spacing.
func (daq *DAQ) NewIntervaler(minInterval time.Duration) *Intervaler {
	return &Intervaler{MinInterval: minInterval}
}

// NewStreamer attaches a Streamer sharing this DAQ's handle.
func (daq *DAQ) NewStreamer() *Streamer {
	return &Streamer{daq: daq}
}

// minNetReadBuffer is the smallest net.core receive buffer that avoids
// drops when a T-series streams over Ethernet or WiFi.
const minNetReadBuffer = 4 << 20

// checkNetBuffers warns if the host's network buffers are too small for a
// networked device session. Linux only; elsewhere there is nothing to check.
func checkNetBuffers() {
	if runtime.GOOS != "linux" {
		return
	}
	for _, key := range []string{"net.core.rmem_max", "net.core.wmem_max"} {
		raw, err := sysctl.Get(key)
		if err != nil {
			ProblemLogger.Printf("could not read sysctl %s: %v", key, err)
			continue
		}
		size, err := strconv.Atoi(raw)
		if err != nil {
			ProblemLogger.Printf("could not parse sysctl %s=%q: %v", key, raw, err)
			continue
		}
		if size < minNetReadBuffer {
			ProblemLogger.Printf("sysctl %s=%d is below %d; networked streaming may drop data",
				key, size, minNetReadBuffer)
		}
	}
}
