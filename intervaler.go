package labdaq

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Intervaler spaces repeated command execution so that consecutive
// invocations complete at least MinInterval apart. Callers that invoke
// faster than MinInterval are throttled by sleeping, never dropped: every
// call runs, only delayed. The first call runs immediately, and a wrapped
// function that itself takes longer than MinInterval imposes no extra wait.
type Intervaler struct {
	MinInterval time.Duration

	statsLock sync.Mutex // guards the fields below
	last      time.Time  // when the previous invocation completed
	ncalls    int
	spacings  []float64 // seconds between consecutive completions
}

// IntervalStats summarizes the timing of calls made through an Intervaler.
type IntervalStats struct {
	Calls       int
	MeanSpacing time.Duration
}

// NewIntervaler wraps callables with the given minimum spacing.
func NewIntervaler(minInterval time.Duration) *Intervaler {
	return &Intervaler{MinInterval: minInterval}
}

// Do runs f, first blocking as needed so that at least MinInterval has
// elapsed since the previous invocation completed. It returns f's error.
func (iv *Intervaler) Do(f func() error) error {
	iv.statsLock.Lock()
	last := iv.last
	iv.statsLock.Unlock()

	if !last.IsZero() {
		if wait := iv.MinInterval - time.Since(last); wait > 0 {
			time.Sleep(wait)
		}
	}
	err := f()
	now := time.Now()

	iv.statsLock.Lock()
	if !last.IsZero() {
		iv.spacings = append(iv.spacings, now.Sub(last).Seconds())
	}
	iv.last = now
	iv.ncalls++
	iv.statsLock.Unlock()
	return err
}

// Stats reports how many calls have run and their mean completion spacing.
func (iv *Intervaler) Stats() IntervalStats {
	iv.statsLock.Lock()
	defer iv.statsLock.Unlock()
	s := IntervalStats{Calls: iv.ncalls}
	if len(iv.spacings) > 0 {
		s.MeanSpacing = time.Duration(stat.Mean(iv.spacings, nil) * float64(time.Second))
	}
	return s
}
