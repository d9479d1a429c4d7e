package labdaq

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/microfab/labdaq/ljm"
)

// tracingLJM records the sequence of stream-relevant device calls.
type tracingLJM struct {
	ljm.LJM

	mu     sync.Mutex
	events []string
}

func (tr *tracingLJM) record(event string) {
	tr.mu.Lock()
	tr.events = append(tr.events, event)
	tr.mu.Unlock()
}

func (tr *tracingLJM) recorded() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func (tr *tracingLJM) EWriteName(h ljm.Handle, name string, value float64) error {
	tr.record(fmt.Sprintf("%s=%g", name, value))
	return tr.LJM.EWriteName(h, name, value)
}

func (tr *tracingLJM) EWriteNameArray(h ljm.Handle, name string, values []float64) error {
	tr.record(name)
	return tr.LJM.EWriteNameArray(h, name, values)
}

func (tr *tracingLJM) EStreamStart(h ljm.Handle, scansPerRead int, scanList []int, scanRate float64) (float64, error) {
	tr.record("eStreamStart")
	return tr.LJM.EStreamStart(h, scansPerRead, scanList, scanRate)
}

func TestStreamerRejectsBadConfig(t *testing.T) {
	daq, sim := openSimDAQ(t)
	s := daq.NewStreamer()

	sine := Waveform{Shape: Sine, Amplitude: 1, Frequency: 100, Offset: 2.5}
	bad := []StreamConfig{
		{Channel: "AIN0", SampleRate: 1000, Waveform: sine},  // not an output
		{Channel: "FIO0", SampleRate: 1000, Waveform: sine},  // not streamable
		{Channel: "DAC0", SampleRate: 0.5, Waveform: sine},   // rate too low
		{Channel: "DAC0", SampleRate: 2e6, Waveform: sine},   // rate too high
		{Channel: "DAC0", SampleRate: 1000},                  // no waveform shape
		{Channel: "DAC0", SampleRate: 1000, Waveform: Waveform{Shape: Sine, Amplitude: 4, Frequency: 100, Offset: 2.5}},
	}
	before := sim.Ncalls()
	for _, cfg := range bad {
		err := s.Configure(cfg)
		if err == nil {
			t.Errorf("Configure(%+v) succeeds, want ConfigurationError", cfg)
			continue
		}
		var cerr *ConfigurationError
		if !errors.As(err, &cerr) {
			t.Errorf("Configure(%+v) error is %T, want *ConfigurationError", cfg, err)
		}
	}
	if after := sim.Ncalls(); after != before {
		t.Errorf("rejected configurations issued %d hardware calls, want none", after-before)
	}
	if err := s.Start(); err == nil {
		t.Error("Start before any successful Configure succeeds, want error")
	}
}

func TestStreamerRun(t *testing.T) {
	daq, _ := openSimDAQ(t)
	s := daq.NewStreamer()

	cfg := StreamConfig{
		Channel:    "DAC1",
		SampleRate: 2000,
		Waveform:   Waveform{Shape: Sine, Amplitude: 2, Frequency: 20, Offset: 2.5},
	}
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("Configure fails: %s", err)
	}
	if s.Running() {
		t.Error("Running() true before Start")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start fails: %s", err)
	}
	if !s.Running() {
		t.Error("Running() false after Start")
	}
	if err := s.Start(); err == nil {
		t.Error("second Start succeeds, want error while running")
	}
	if err := s.Configure(cfg); err == nil {
		t.Error("Configure succeeds while running, want error")
	}

	time.Sleep(30 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Errorf("Stop fails: %s", err)
	}
	if s.Running() {
		t.Error("Running() true after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop on a stopped stream returns %s, want nil", err)
	}

	// The session can be restarted without reconfiguring.
	if err := s.Start(); err != nil {
		t.Fatalf("restart fails: %s", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop after restart fails: %s", err)
	}
}

func TestStreamerRestartRearmsOutput(t *testing.T) {
	sim := ljm.NewNoHardware()
	trace := &tracingLJM{LJM: sim}
	daq, err := Open(trace, DeviceAny, ConnectUSB, "ANY")
	if err != nil {
		t.Fatalf("Open fails: %s", err)
	}
	defer daq.Close()
	s := daq.NewStreamer()

	cfg := StreamConfig{
		Channel:    "DAC0",
		SampleRate: 2000,
		Waveform:   Waveform{Shape: Sine, Amplitude: 1, Frequency: 20, Offset: 2.5},
	}
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("Configure fails: %s", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start fails: %s", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop fails: %s", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("restart fails: %s", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop after restart fails: %s", err)
	}

	// Every stream start must find the output enabled with a freshly loaded
	// buffer, including a restart after Stop disabled the output.
	enabled := false
	loaded := false
	starts := 0
	for _, event := range trace.recorded() {
		switch event {
		case "STREAM_OUT0_ENABLE=1":
			enabled = true
		case "STREAM_OUT0_ENABLE=0":
			enabled = false
			loaded = false
		case "STREAM_OUT0_BUFFER_F32":
			loaded = true
		case "eStreamStart":
			starts++
			if !enabled {
				t.Errorf("stream start #%d issued with STREAM_OUT0 disabled", starts)
			}
			if !loaded {
				t.Errorf("stream start #%d issued with no table loaded since enabling", starts)
			}
		}
	}
	if starts != 2 {
		t.Errorf("%d stream starts traced, want 2", starts)
	}
}

// starvingLJM fakes a failing stream-out buffer: after a few polls the
// buffer status register read fails with the configured error code.
type starvingLJM struct {
	ljm.LJM
	code  int
	polls atomic.Int32
}

func (f *starvingLJM) EReadName(h ljm.Handle, name string) (float64, error) {
	if strings.HasSuffix(name, "_BUFFER_STATUS") && f.polls.Add(1) > 2 {
		return 0, &ljm.Error{Code: f.code, What: "injected status failure"}
	}
	return f.LJM.EReadName(h, name)
}

// runUntilHalt configures and starts a stream against lib, waits for the
// feeder to halt it, and returns the halting error.
func runUntilHalt(t *testing.T, lib ljm.LJM) error {
	t.Helper()
	daq, err := Open(lib, DeviceAny, ConnectUSB, "ANY")
	if err != nil {
		t.Fatalf("Open fails: %s", err)
	}
	t.Cleanup(func() { daq.Close() })
	s := daq.NewStreamer()

	cfg := StreamConfig{
		Channel:    "DAC0",
		SampleRate: 50000,
		Waveform:   Waveform{Shape: Triangle, Amplitude: 1, Frequency: 1000, Offset: 2.5},
	}
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("Configure fails: %s", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start fails: %s", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Running() {
		t.Fatal("stream still running 2s after its status reads began failing, want a halt")
	}

	var serr *StreamingError
	if err := s.Err(); !errors.As(err, &serr) {
		t.Fatalf("Err() = %v, want *StreamingError", err)
	}
	halted := s.Err()
	if err := s.Stop(); !errors.As(err, &serr) {
		t.Errorf("Stop after halt = %v, want the StreamingError", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop after halt = %v, want nil once reported", err)
	}
	return halted
}

func TestStreamerUnderrunHalts(t *testing.T) {
	lib := &starvingLJM{LJM: ljm.NewNoHardware(), code: ljm.ErrcodeBufferEmpty}
	err := runUntilHalt(t, lib)
	if !strings.Contains(err.Error(), "buffer underrun") {
		t.Errorf("empty-buffer halt reports %q, want a buffer underrun", err)
	}
}

func TestStreamerStatusFailureIsNotUnderrun(t *testing.T) {
	// A disconnect mid-stream halts the session too, but must not be
	// mislabeled as an underrun.
	lib := &starvingLJM{LJM: ljm.NewNoHardware(), code: ljm.ErrcodeDeviceNotOpen}
	err := runUntilHalt(t, lib)
	if strings.Contains(err.Error(), "underrun") {
		t.Errorf("status read failure reports %q; underrun is reserved for an empty buffer", err)
	}
	if !strings.Contains(err.Error(), "buffer status read failed") {
		t.Errorf("status read failure reports %q, want a status read failure", err)
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := [][2]int{{1, 1}, {2, 2}, {3, 4}, {800, 1024}, {1024, 1024}, {1025, 2048}}
	for _, c := range cases {
		if got := nextPowerOfTwo(c[0]); got != c[1] {
			t.Errorf("nextPowerOfTwo(%d) = %d, want %d", c[0], got, c[1])
		}
	}
}
