package labdaq

import (
	"errors"
	"testing"

	"github.com/microfab/labdaq/ljm"
)

func openSimDAQ(t *testing.T) (*DAQ, *ljm.NoHardware) {
	t.Helper()
	sim := ljm.NewNoHardware()
	daq, err := Open(sim, DeviceAny, ConnectUSB, "ANY")
	if err != nil {
		t.Fatalf("Open fails: %s", err)
	}
	t.Cleanup(func() { daq.Close() })
	return daq, sim
}

func TestUpdaterReadWrite(t *testing.T) {
	daq, _ := openSimDAQ(t)
	u, err := daq.NewUpdater([]string{"DAC0", "AIN0"}, []string{"DAC0"})
	if err != nil {
		t.Fatalf("NewUpdater fails: %s", err)
	}

	if err := u.Write("DAC0", 1.5); err != nil {
		t.Fatalf("Write(DAC0, 1.5) fails: %s", err)
	}
	v, err := u.Read("DAC0")
	if err != nil {
		t.Fatalf("Read(DAC0) fails: %s", err)
	}
	if v != 1.5 {
		t.Errorf("Read(DAC0) = %g after writing 1.5", v)
	}

	if v, err = u.Read("AIN0"); err != nil {
		t.Errorf("Read(AIN0) fails: %s", err)
	} else if v != 1.25 {
		t.Errorf("Read(AIN0) = %g, want the device default 1.25", v)
	}
}

func TestUpdaterValidationBeforeHardware(t *testing.T) {
	daq, sim := openSimDAQ(t)
	u, err := daq.NewUpdater([]string{"DAC0"}, []string{"DAC0", "FIO0"})
	if err != nil {
		t.Fatalf("NewUpdater fails: %s", err)
	}

	before := sim.Ncalls()
	cases := []struct {
		name  string
		value float64
	}{
		{"DAC0", 7.5},  // out of range
		{"DAC0", -1},   // out of range
		{"FIO0", 0.25}, // not a line state
		{"AIN0", 1},    // not in the write set, and read-only anyway
	}
	for _, c := range cases {
		err := u.Write(c.name, c.value)
		if err == nil {
			t.Errorf("Write(%s, %g) succeeds, want RegisterError", c.name, c.value)
			continue
		}
		var rerr *RegisterError
		if !errors.As(err, &rerr) {
			t.Errorf("Write(%s, %g) error is %T, want *RegisterError", c.name, c.value, err)
		}
	}
	if after := sim.Ncalls(); after != before {
		t.Errorf("rejected writes issued %d hardware calls, want none", after-before)
	}
}

func TestUpdaterBatch(t *testing.T) {
	daq, sim := openSimDAQ(t)
	u, err := daq.NewUpdater([]string{"DAC0", "DAC1"}, []string{"DAC0", "DAC1"})
	if err != nil {
		t.Fatalf("NewUpdater fails: %s", err)
	}

	if err := u.WriteAll([]float64{1.0, 2.0}); err != nil {
		t.Fatalf("WriteAll fails: %s", err)
	}
	values, err := u.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll fails: %s", err)
	}
	if values["DAC0"] != 1.0 || values["DAC1"] != 2.0 {
		t.Errorf("ReadAll = %v after WriteAll([1, 2])", values)
	}

	// Wrong cardinality and out-of-range values are rejected whole: no
	// partial writes reach the device.
	if err := u.WriteAll([]float64{1.0}); err == nil {
		t.Error("WriteAll with 1 value for 2 registers succeeds, want error")
	}
	before := sim.Ncalls()
	if err := u.WriteAll([]float64{1.0, 99.0}); err == nil {
		t.Error("WriteAll with an out-of-range value succeeds, want error")
	}
	if after := sim.Ncalls(); after != before {
		t.Errorf("rejected WriteAll issued %d hardware calls, want none", after-before)
	}

	readback, err := u.Update([]float64{3.0, 4.0})
	if err != nil {
		t.Fatalf("Update fails: %s", err)
	}
	if readback["DAC0"] != 3.0 || readback["DAC1"] != 4.0 {
		t.Errorf("Update readback = %v, want the written values", readback)
	}
}

func TestUpdaterDistinctReadWriteSets(t *testing.T) {
	daq, _ := openSimDAQ(t)
	u, err := daq.NewUpdater([]string{"AIN0", "AIN1"}, []string{"DAC0"})
	if err != nil {
		t.Fatalf("NewUpdater fails: %s", err)
	}
	readback, err := u.Update([]float64{2.25})
	if err != nil {
		t.Fatalf("Update fails: %s", err)
	}
	// With distinct sets, the read set is what comes back.
	if _, ok := readback["DAC0"]; ok {
		t.Error("Update readback contains DAC0, want only the read set")
	}
	if readback["AIN0"] != 1.25 || readback["AIN1"] != 2.5 {
		t.Errorf("Update readback = %v, want the AIN defaults", readback)
	}
}
