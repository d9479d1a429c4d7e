package labdaq

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/microfab/labdaq/internal/daqdb"
	"github.com/microfab/labdaq/ljm"
)

// StreamConfig holds the parameters of one stream-out session. It is fixed
// once streaming starts; reconfiguring a running stream is an error.
type StreamConfig struct {
	Channel    string  // output register, DAC0 or DAC1
	SampleRate float64 // scans per second
	Waveform   Waveform
}

// outNumForChannel maps an output channel to its stream-out buffer index.
var outNumForChannel = map[string]int{"DAC0": 0, "DAC1": 1}

// Streamer drives a continuous output waveform at a fixed scan rate. The
// synthesized table is loaded into the device's stream-out buffer, and a
// feeder goroutine keeps the buffer topped up while the device consumes it.
// A buffer underrun halts the session and surfaces as a StreamingError.
type Streamer struct {
	daq *DAQ

	stateLock  sync.Mutex // guards all fields below
	cfg        StreamConfig
	configured bool
	running    bool
	table      []float64
	outNum     int
	runID      ulid.ULID
	actualRate float64
	startTime  time.Time
	samplesFed int
	abort      chan struct{}
	feederDone sync.WaitGroup
	lastErr    error
}

// Configure validates the stream parameters and sets up the device's
// stream-out registers. An unsupported rate or waveform is rejected with a
// ConfigurationError before any hardware call is made.
func (s *Streamer) Configure(cfg StreamConfig) error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.running {
		return &ConfigurationError{Reason: "cannot reconfigure a running stream"}
	}
	outNum, ok := outNumForChannel[cfg.Channel]
	if !ok {
		return &ConfigurationError{Reason: fmt.Sprintf("channel %q is not a streamable output", cfg.Channel)}
	}
	if cfg.SampleRate < ljm.MinScanRate || cfg.SampleRate > ljm.MaxScanRate {
		return &ConfigurationError{Reason: fmt.Sprintf("scan rate %g outside device limits [%g, %g]",
			cfg.SampleRate, ljm.MinScanRate, ljm.MaxScanRate)}
	}
	if err := cfg.Waveform.Validate(ljm.DACMinVolts, ljm.DACMaxVolts); err != nil {
		return &ConfigurationError{Reason: err.Error()}
	}

	table := cfg.Waveform.Table(cfg.SampleRate)
	handle, err := s.daq.checkOpen("configure stream")
	if err != nil {
		return err
	}

	// Reset to default stream configuration: internally clocked, untriggered.
	resets := []string{"STREAM_SETTLING_US", "STREAM_RESOLUTION_INDEX",
		"STREAM_CLOCK_SOURCE", "STREAM_TRIGGER_INDEX"}
	for _, name := range resets {
		if err := s.daq.lib.EWriteName(handle, name, 0); err != nil {
			return &RegisterError{Register: name, Reason: "stream reset failed", Err: err}
		}
	}

	s.cfg = cfg
	s.table = table
	s.outNum = outNum
	if err := s.armOutputLocked(handle); err != nil {
		s.configured = false
		return err
	}
	s.configured = true
	s.lastErr = nil
	return nil
}

// armOutputLocked sets up the stream-out buffer for s.outNum and loads the
// table: allocate (which empties the device buffer), target, enable, load.
// Must be called with stateLock held. Stop disables the output, so a restart
// has to arm it again.
func (s *Streamer) armOutputLocked(handle ljm.Handle) error {
	target, err := s.daq.lib.NameToAddress(s.cfg.Channel)
	if err != nil {
		return &RegisterError{Register: s.cfg.Channel, Reason: "address lookup failed", Err: err}
	}

	// Buffer big enough to hold two table lengths, rounded up to a power of
	// two in bytes as the device requires.
	bufferBytes := nextPowerOfTwo(8 * len(s.table))
	outSettings := []struct {
		name  string
		value float64
	}{
		{fmt.Sprintf("STREAM_OUT%d_BUFFER_ALLOCATE_NUM_BYTES", s.outNum), float64(bufferBytes)},
		{fmt.Sprintf("STREAM_OUT%d_TARGET", s.outNum), float64(target)},
		{fmt.Sprintf("STREAM_OUT%d_ENABLE", s.outNum), 1},
		{fmt.Sprintf("STREAM_OUT%d_LOOP_SIZE", s.outNum), 0},
	}
	for _, setting := range outSettings {
		if err := s.daq.lib.EWriteName(handle, setting.name, setting.value); err != nil {
			return &RegisterError{Register: setting.name, Reason: "stream-out setup failed", Err: err}
		}
	}
	bufferName := fmt.Sprintf("STREAM_OUT%d_BUFFER_F32", s.outNum)
	if err := s.daq.lib.EWriteNameArray(handle, bufferName, s.table); err != nil {
		return &RegisterError{Register: bufferName, Reason: "table load failed", Err: err}
	}
	setLoop := fmt.Sprintf("STREAM_OUT%d_SET_LOOP", s.outNum)
	if err := s.daq.lib.EWriteName(handle, setLoop, 1); err != nil {
		return &RegisterError{Register: setLoop, Reason: "stream-out setup failed", Err: err}
	}
	return nil
}

// Start begins continuous output and launches the buffer feeder.
func (s *Streamer) Start() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if !s.configured {
		return &ConfigurationError{Reason: "stream not configured"}
	}
	if s.running {
		return &StreamingError{RunID: s.runID.String(), Reason: "stream already running"}
	}
	handle, err := s.daq.checkOpen("start stream")
	if err != nil {
		return err
	}
	// Stop disabled the output and the device drained whatever was queued,
	// so arm the buffer afresh on every start.
	if err := s.armOutputLocked(handle); err != nil {
		return err
	}
	streamOutAddr, err := s.daq.lib.NameToAddress(fmt.Sprintf("STREAM_OUT%d", s.outNum))
	if err != nil {
		return &RegisterError{Register: fmt.Sprintf("STREAM_OUT%d", s.outNum),
			Reason: "address lookup failed", Err: err}
	}
	actual, err := s.daq.lib.EStreamStart(handle, 1, []int{streamOutAddr}, s.cfg.SampleRate)
	if err != nil {
		return &StreamingError{Reason: "could not start stream", Err: err}
	}
	s.runID = ulid.Make()
	s.actualRate = actual
	s.running = true
	s.startTime = time.Now()
	s.samplesFed = len(s.table)
	s.lastErr = nil
	s.abort = make(chan struct{})
	s.feederDone.Add(1)
	go s.feed(handle, s.abort)

	UpdateLogger.Printf("stream run %s started on %s at %.1f scans/s", s.runID, s.cfg.Channel, actual)
	publish("STREAM_START", struct {
		RunID    string
		Channel  string
		ScanRate float64
	}{s.runID.String(), s.cfg.Channel, actual})
	return nil
}

// feed keeps the device's stream-out buffer topped up, one table length at a
// time, and polls buffer status for underruns.
func (s *Streamer) feed(handle ljm.Handle, abort chan struct{}) {
	defer s.feederDone.Done()

	// Refill twice per table period so normal jitter never empties the buffer.
	interval := time.Duration(float64(len(s.table)) / (2 * s.actualRate) * float64(time.Second))
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statusName := fmt.Sprintf("STREAM_OUT%d_BUFFER_STATUS", s.outNum)
	bufferName := fmt.Sprintf("STREAM_OUT%d_BUFFER_F32", s.outNum)
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			free, err := s.daq.lib.EReadName(handle, statusName)
			if err != nil {
				reason := "buffer status read failed"
				if ljm.IsCode(err, ljm.ErrcodeBufferEmpty) {
					reason = "buffer underrun"
				}
				s.halt(&StreamingError{RunID: s.runID.String(), Reason: reason, Err: err})
				return
			}
			if int(free) < len(s.table) {
				continue
			}
			if err := s.daq.lib.EWriteNameArray(handle, bufferName, s.table); err != nil {
				s.halt(&StreamingError{RunID: s.runID.String(), Reason: "buffer refill failed", Err: err})
				return
			}
			s.stateLock.Lock()
			s.samplesFed += len(s.table)
			s.stateLock.Unlock()
		}
	}
}

// halt stops the session after a runtime fault. The error is kept and
// returned by the next call to Stop (or Err).
func (s *Streamer) halt(serr *StreamingError) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if !s.running {
		return
	}
	s.stopHardwareLocked()
	s.running = false
	s.lastErr = serr
	ProblemLogger.Printf("%s", serr)
	publish("STREAM_ERROR", struct {
		RunID string
		Error string
	}{s.runID.String(), serr.Error()})
	s.recordRunLocked()
}

// Stop halts streaming and releases the stream-out buffer. If the session
// already halted itself on a fault, Stop returns that StreamingError.
func (s *Streamer) Stop() error {
	s.stateLock.Lock()
	if !s.running {
		err := s.lastErr
		s.lastErr = nil
		s.stateLock.Unlock()
		return err
	}
	close(s.abort)
	s.stateLock.Unlock()
	s.feederDone.Wait()

	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if !s.running { // feeder halted in the meantime
		err := s.lastErr
		s.lastErr = nil
		return err
	}
	s.running = false
	err := s.stopHardwareLocked()
	s.recordRunLocked()
	UpdateLogger.Printf("stream run %s stopped after %d samples", s.runID, s.samplesFed)
	publish("STREAM_STOP", struct {
		RunID   string
		Samples int
	}{s.runID.String(), s.samplesFed})
	return err
}

// stopHardwareLocked stops the device stream and disables the stream-out
// target. Must be called with stateLock held.
func (s *Streamer) stopHardwareLocked() error {
	handle, err := s.daq.checkOpen("stop stream")
	if err != nil {
		return err
	}
	if err := s.daq.lib.EStreamStop(handle); err != nil && !ljm.IsCode(err, ljm.ErrcodeStreamNotActive) {
		return &StreamingError{RunID: s.runID.String(), Reason: "could not stop stream", Err: err}
	}
	enable := fmt.Sprintf("STREAM_OUT%d_ENABLE", s.outNum)
	if err := s.daq.lib.EWriteName(handle, enable, 0); err != nil {
		return &RegisterError{Register: enable, Reason: "stream-out disable failed", Err: err}
	}
	return nil
}

func (s *Streamer) recordRunLocked() {
	s.daq.recordRun(daqdb.StreamRunMessage{
		RunID:    s.runID.String(),
		Channel:  s.cfg.Channel,
		ScanRate: s.actualRate,
		Start:    s.startTime,
		End:      time.Now(),
		Samples:  s.samplesFed,
	})
}

// Running tells whether the stream is actively producing output.
func (s *Streamer) Running() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.running
}

// Err returns the fault that halted the stream, if any, without clearing it.
func (s *Streamer) Err() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.lastErr
}

// Config returns the configuration currently in force.
func (s *Streamer) Config() StreamConfig {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.cfg
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}
