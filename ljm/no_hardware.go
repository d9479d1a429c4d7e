package ljm

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// addressMap resolves the register names this simulation understands to their
// Modbus addresses, per the T-series register map.
var addressMap = map[string]int{
	"AIN0": 0, "AIN1": 2, "AIN2": 4, "AIN3": 6,
	"DAC0": 1000, "DAC1": 1002,
	"FIO0": 2000, "FIO1": 2001, "FIO2": 2002, "FIO3": 2003,
	"FIO4": 2004, "FIO5": 2005, "FIO6": 2006, "FIO7": 2007,
	"STREAM_OUT0": 4800, "STREAM_OUT1": 4801,
	"STREAM_OUT2": 4802, "STREAM_OUT3": 4803,
	"TEST":             55100,
	"PRODUCT_ID":       60000,
	"SERIAL_NUMBER":    60028,
	"FIRMWARE_VERSION": 60004,
}

// streamOut models one stream-out buffer on the device: a fixed capacity in
// values, a fill level, and a consumption clock that runs while streaming.
type streamOut struct {
	capacity int // values the buffer can hold
	fill     int // values currently queued
	enabled  bool
	target   int // Modbus address samples are copied to
	loopSize int
}

// NoHardware is a drop-in replacement for the vendor library (implements
// LJM) that requires no hardware. One NoHardware value simulates one device.
type NoHardware struct {
	mu             sync.Mutex
	isOpen         bool
	deviceType     string
	connectionType string
	identifier     string
	regs           map[string]float64
	outs           [4]streamOut
	streaming      bool
	scanRate       float64
	lastDrain      time.Time
	underrun       bool
	ncalls         int
}

// NewNoHardware returns a simulated T7 with default register contents.
func NewNoHardware() *NoHardware {
	return &NoHardware{}
}

// Ncalls reports how many library calls have been issued, not counting
// OpenS. Tests use it to verify that validation failures touch no hardware.
func (sim *NoHardware) Ncalls() int {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.ncalls
}

// OpenS opens the simulated device. Only one session at a time.
func (sim *NoHardware) OpenS(deviceType, connectionType, identifier string) (Handle, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if sim.isOpen {
		return HandleInvalid, &Error{ErrcodeDeviceNotFound, "device already claimed by an open handle"}
	}
	sim.isOpen = true
	sim.deviceType = deviceType
	sim.connectionType = connectionType
	sim.identifier = identifier
	sim.streaming = false
	sim.underrun = false
	sim.outs = [4]streamOut{}
	sim.regs = map[string]float64{
		"AIN0": 1.25, "AIN1": 2.5, "AIN2": 0.0, "AIN3": 4.99,
		"DAC0": 0, "DAC1": 0,
		"FIO0": 0, "FIO1": 0, "FIO2": 0, "FIO3": 0,
		"FIO4": 0, "FIO5": 0, "FIO6": 0, "FIO7": 0,
		"TEST":             0x00112233,
		"PRODUCT_ID":       7,
		"SERIAL_NUMBER":    470012345,
		"FIRMWARE_VERSION": 1.0292,
	}
	return Handle(1), nil
}

// Close errors if the handle is not open.
func (sim *NoHardware) Close(h Handle) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if err := sim.checkOpen(h); err != nil {
		return err
	}
	sim.isOpen = false
	sim.streaming = false
	return nil
}

// GetHandleInfo describes the simulated session.
func (sim *NoHardware) GetHandleInfo(h Handle) (HandleInfo, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if err := sim.checkOpen(h); err != nil {
		return HandleInfo{}, err
	}
	devtype := sim.deviceType
	if devtype == "ANY" {
		devtype = "T7"
	}
	conntype := sim.connectionType
	if conntype == "ANY" {
		conntype = "USB"
	}
	return HandleInfo{
		DeviceType:     devtype,
		ConnectionType: conntype,
		SerialNumber:   470012345,
		IPAddress:      "0.0.0.0",
		Port:           0,
		MaxBytesPerMTU: 64,
	}, nil
}

// checkOpen must be called with sim.mu held.
func (sim *NoHardware) checkOpen(h Handle) error {
	if !sim.isOpen || h != Handle(1) {
		return &Error{ErrcodeDeviceNotOpen, "device not open"}
	}
	return nil
}

// drainOutput advances the stream-out consumption clock. Must be called with
// sim.mu held. Sets the underrun flag if the active buffer ran dry.
func (sim *NoHardware) drainOutput() {
	if !sim.streaming {
		return
	}
	now := time.Now()
	consumed := int(now.Sub(sim.lastDrain).Seconds() * sim.scanRate)
	if consumed <= 0 {
		return
	}
	sim.lastDrain = now
	for i := range sim.outs {
		out := &sim.outs[i]
		if !out.enabled {
			continue
		}
		out.fill -= consumed
		if out.fill <= 0 {
			if out.loopSize > 0 {
				// Looping buffers replay their tail and never empty.
				out.fill = out.loopSize
			} else {
				out.fill = 0
				sim.underrun = true
			}
		}
	}
}

func (sim *NoHardware) EReadName(h Handle, name string) (float64, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.ncalls++
	if err := sim.checkOpen(h); err != nil {
		return 0, err
	}
	if n, ok := parseStreamOutName(name, "_BUFFER_STATUS"); ok {
		sim.drainOutput()
		if sim.underrun {
			return 0, &Error{ErrcodeBufferEmpty, "stream-out buffer underrun"}
		}
		out := &sim.outs[n]
		return float64(out.capacity - out.fill), nil
	}
	v, ok := sim.regs[name]
	if !ok {
		return 0, &Error{ErrcodeInvalidName, fmt.Sprintf("unknown register %q", name)}
	}
	return v, nil
}

func (sim *NoHardware) EWriteName(h Handle, name string, value float64) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.ncalls++
	if err := sim.checkOpen(h); err != nil {
		return err
	}
	return sim.writeLocked(name, value)
}

// writeLocked handles one register write. Must be called with sim.mu held.
func (sim *NoHardware) writeLocked(name string, value float64) error {
	if n, ok := parseStreamOutName(name, "_BUFFER_ALLOCATE_NUM_BYTES"); ok {
		// Buffer sizing in bytes; the simulation holds float32 values.
		// Allocation empties the buffer, as on the device.
		sim.outs[n].capacity = int(value) / 4
		sim.outs[n].fill = 0
		return nil
	}
	if n, ok := parseStreamOutName(name, "_TARGET"); ok {
		sim.outs[n].target = int(value)
		return nil
	}
	if n, ok := parseStreamOutName(name, "_ENABLE"); ok {
		sim.outs[n].enabled = value != 0
		return nil
	}
	if n, ok := parseStreamOutName(name, "_LOOP_SIZE"); ok {
		sim.outs[n].loopSize = int(value)
		return nil
	}
	if _, ok := parseStreamOutName(name, "_SET_LOOP"); ok {
		return nil
	}
	if strings.HasPrefix(name, "STREAM_") {
		// Remaining stream configuration registers are plain scalars.
		sim.regs[name] = value
		return nil
	}
	if _, ok := sim.regs[name]; !ok {
		return &Error{ErrcodeInvalidName, fmt.Sprintf("unknown register %q", name)}
	}
	sim.regs[name] = value
	return nil
}

func (sim *NoHardware) EReadNames(h Handle, names []string) ([]float64, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.ncalls++
	if err := sim.checkOpen(h); err != nil {
		return nil, err
	}
	values := make([]float64, len(names))
	for i, name := range names {
		v, ok := sim.regs[name]
		if !ok {
			return nil, &Error{ErrcodeInvalidName, fmt.Sprintf("unknown register %q", name)}
		}
		values[i] = v
	}
	return values, nil
}

func (sim *NoHardware) EWriteNames(h Handle, names []string, values []float64) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.ncalls++
	if err := sim.checkOpen(h); err != nil {
		return err
	}
	if len(names) != len(values) {
		return &Error{ErrcodeInvalidValue, "names and values differ in length"}
	}
	for i, name := range names {
		if err := sim.writeLocked(name, values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (sim *NoHardware) EReadNameArray(h Handle, name string, n int) ([]float64, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.ncalls++
	if err := sim.checkOpen(h); err != nil {
		return nil, err
	}
	return nil, &Error{ErrcodeInvalidName, fmt.Sprintf("register %q is not a readable array", name)}
}

func (sim *NoHardware) EWriteNameArray(h Handle, name string, values []float64) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.ncalls++
	if err := sim.checkOpen(h); err != nil {
		return err
	}
	n, ok := parseStreamOutName(name, "_BUFFER_F32")
	if !ok {
		return &Error{ErrcodeInvalidName, fmt.Sprintf("register %q is not a writable array", name)}
	}
	sim.drainOutput()
	if sim.underrun {
		return &Error{ErrcodeBufferEmpty, "stream-out buffer underrun"}
	}
	out := &sim.outs[n]
	if out.capacity == 0 {
		return &Error{ErrcodeInvalidValue, "stream-out buffer not allocated"}
	}
	if out.fill+len(values) > out.capacity {
		return &Error{ErrcodeBufferFull, "stream-out buffer overflow"}
	}
	out.fill += len(values)
	return nil
}

func (sim *NoHardware) NameToAddress(name string) (int, error) {
	addr, ok := addressMap[name]
	if !ok {
		return 0, &Error{ErrcodeInvalidName, fmt.Sprintf("unknown register %q", name)}
	}
	return addr, nil
}

func (sim *NoHardware) EStreamStart(h Handle, scansPerRead int, scanList []int, scanRate float64) (float64, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.ncalls++
	if err := sim.checkOpen(h); err != nil {
		return 0, err
	}
	if sim.streaming {
		return 0, &Error{ErrcodeStreamActive, "stream already running"}
	}
	if scanRate < MinScanRate || scanRate > MaxScanRate {
		return 0, &Error{ErrcodeInvalidScanRate, fmt.Sprintf("scan rate %g outside [%g, %g]", scanRate, MinScanRate, MaxScanRate)}
	}
	if len(scanList) == 0 {
		return 0, &Error{ErrcodeInvalidValue, "empty scan list"}
	}
	sim.streaming = true
	sim.underrun = false
	sim.scanRate = scanRate
	sim.lastDrain = time.Now()
	return scanRate, nil
}

func (sim *NoHardware) EStreamStop(h Handle) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.ncalls++
	if err := sim.checkOpen(h); err != nil {
		return err
	}
	if !sim.streaming {
		return &Error{ErrcodeStreamNotActive, "stream not running"}
	}
	sim.streaming = false
	sim.underrun = false
	return nil
}

// parseStreamOutName matches names of the form STREAM_OUT<n><suffix> and
// returns n. The T-series has 4 stream-out channels.
func parseStreamOutName(name, suffix string) (int, bool) {
	if !strings.HasPrefix(name, "STREAM_OUT") || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, "STREAM_OUT"), suffix)
	if len(mid) != 1 || mid[0] < '0' || mid[0] > '3' {
		return 0, false
	}
	return int(mid[0] - '0'), true
}
