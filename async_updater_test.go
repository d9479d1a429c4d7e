package labdaq

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/microfab/labdaq/ljm"
)

// orderedLJM wraps the simulated library to record the order of single-name
// writes, optionally holding each write until the gate channel closes.
type orderedLJM struct {
	ljm.LJM
	gate chan struct{}

	mu     sync.Mutex
	writes []float64
}

func (o *orderedLJM) EWriteName(h ljm.Handle, name string, value float64) error {
	if o.gate != nil {
		<-o.gate
	}
	o.mu.Lock()
	o.writes = append(o.writes, value)
	o.mu.Unlock()
	return o.LJM.EWriteName(h, name, value)
}

func (o *orderedLJM) recorded() []float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]float64(nil), o.writes...)
}

func TestAsyncReadWrite(t *testing.T) {
	daq, _ := openSimDAQ(t)
	au := daq.NewAsyncUpdater()
	defer au.Close()

	wp, err := au.WriteAsync("DAC0", 2.5)
	if err != nil {
		t.Fatalf("WriteAsync fails: %s", err)
	}
	if _, err := wp.Result(); err != nil {
		t.Fatalf("async write result: %s", err)
	}

	rp, err := au.ReadAsync("DAC0")
	if err != nil {
		t.Fatalf("ReadAsync fails: %s", err)
	}
	v, err := rp.Result()
	if err != nil {
		t.Fatalf("async read result: %s", err)
	}
	if v != 2.5 {
		t.Errorf("async read of DAC0 = %g after writing 2.5", v)
	}
	if wp.ID == rp.ID {
		t.Error("two operations share one ID, want unique IDs")
	}
}

func TestAsyncValidation(t *testing.T) {
	daq, sim := openSimDAQ(t)
	au := daq.NewAsyncUpdater()
	defer au.Close()

	before := sim.Ncalls()
	if _, err := au.WriteAsync("DAC0", 9.0); err == nil {
		t.Error("WriteAsync(DAC0, 9.0) accepted, want RegisterError before queueing")
	}
	if _, err := au.WriteAsync("AIN0", 1.0); err == nil {
		t.Error("WriteAsync(AIN0, ...) accepted, want RegisterError: read-only")
	}
	if _, err := au.ReadAsync("NOPE"); err == nil {
		t.Error("ReadAsync(NOPE) accepted, want RegisterError: unknown")
	}
	if after := sim.Ncalls(); after != before {
		t.Errorf("rejected submissions issued %d hardware calls, want none", after-before)
	}
}

func TestAsyncFIFOPerRegister(t *testing.T) {
	sim := ljm.NewNoHardware()
	rec := &orderedLJM{LJM: sim}
	daq, err := Open(rec, DeviceAny, ConnectUSB, "ANY")
	if err != nil {
		t.Fatalf("Open fails: %s", err)
	}
	defer daq.Close()
	au := daq.NewAsyncUpdater()

	const n = 20
	pendings := make([]*Pending, 0, n)
	want := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		value := float64(i) * 0.1
		p, err := au.WriteAsync("DAC0", value)
		if err != nil {
			t.Fatalf("WriteAsync #%d fails: %s", i, err)
		}
		pendings = append(pendings, p)
		want = append(want, value)
	}
	for i, p := range pendings {
		if _, err := p.Result(); err != nil {
			t.Errorf("operation #%d fails: %s", i, err)
		}
	}
	au.Close()

	assert.Equal(t, want, rec.recorded(), "writes must reach the device in submission order")
}

func TestAsyncCancel(t *testing.T) {
	sim := ljm.NewNoHardware()
	rec := &orderedLJM{LJM: sim, gate: make(chan struct{})}
	daq, err := Open(rec, DeviceAny, ConnectUSB, "ANY")
	if err != nil {
		t.Fatalf("Open fails: %s", err)
	}
	defer daq.Close()
	au := daq.NewAsyncUpdater()

	// op1 blocks in the device call; op2 waits behind it in the queue.
	op1, err := au.WriteAsync("DAC0", 1.0)
	if err != nil {
		t.Fatalf("WriteAsync fails: %s", err)
	}
	op2, err := au.WriteAsync("DAC0", 2.0)
	if err != nil {
		t.Fatalf("WriteAsync fails: %s", err)
	}
	op2.Cancel()
	close(rec.gate)

	if _, err := op1.Result(); err != nil {
		t.Errorf("uncanceled operation fails: %s", err)
	}
	if _, err := op2.Result(); !errors.Is(err, ErrCanceled) {
		t.Errorf("canceled operation reports %v, want ErrCanceled", err)
	}
	au.Close()

	// The canceled write never reached the device.
	if got := rec.recorded(); len(got) != 1 || got[0] != 1.0 {
		t.Errorf("device saw writes %v, want only the uncanceled 1.0", got)
	}
	v, err := sim.EReadName(ljm.Handle(1), "DAC0")
	if err != nil {
		t.Fatalf("EReadName fails: %s", err)
	}
	if v != 1.0 {
		t.Errorf("DAC0 = %g, want 1.0 from the uncanceled write", v)
	}
}

func TestAsyncCloseDuringSubmissions(t *testing.T) {
	// Close may race active submitters; late submissions get a
	// ConnectionError and nothing panics on a closed queue.
	daq, _ := openSimDAQ(t)
	au := daq.NewAsyncUpdater()

	var wg sync.WaitGroup
	start := make(chan struct{})
	registers := []string{"DAC0", "DAC1", "FIO0", "FIO2"}
	for g := 0; g < len(registers); g++ {
		wg.Add(1)
		go func(register string) {
			defer wg.Done()
			<-start
			for i := 0; i < 10000; i++ {
				if _, err := au.WriteAsync(register, float64(i%2)); err != nil {
					var cerr *ConnectionError
					if !errors.As(err, &cerr) {
						t.Errorf("racing submission fails with %T (%v), want *ConnectionError", err, err)
					}
					return
				}
			}
		}(registers[g])
	}
	close(start)
	au.Close()
	wg.Wait()
}

func TestAsyncClosedRejectsSubmissions(t *testing.T) {
	daq, _ := openSimDAQ(t)
	au := daq.NewAsyncUpdater()
	au.Close()
	if _, err := au.WriteAsync("DAC0", 1.0); err == nil {
		t.Error("WriteAsync after Close succeeds, want ConnectionError")
	}
	au.Close() // second Close is a no-op
}
