package labdaq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// WaveformShape names the output shapes the Streamer can synthesize.
type WaveformShape string

// Values of WaveformShape
const (
	Sine     WaveformShape = "sine"
	Triangle WaveformShape = "triangle"
	Sawtooth WaveformShape = "sawtooth"
	Square   WaveformShape = "square"
	Constant WaveformShape = "constant"
)

// Waveform holds the parameters of a synthesized output signal. Sample
// values are a pure function of sample time and these parameters, e.g. the
// sine shape is amplitude*sin(2*pi*frequency*t) + offset.
type Waveform struct {
	Shape     WaveformShape
	Amplitude float64 // volts, zero-to-peak
	Frequency float64 // Hz; ignored for Constant
	Offset    float64 // volts
}

// Validate checks the parameters against the DAC output range. The check
// runs before any hardware call; nothing is clamped.
func (w Waveform) Validate(minVolts, maxVolts float64) error {
	switch w.Shape {
	case Sine, Triangle, Sawtooth, Square:
		if w.Frequency <= 0 {
			return fmt.Errorf("%s waveform needs frequency > 0, got %g", w.Shape, w.Frequency)
		}
	case Constant:
	default:
		return fmt.Errorf("unknown waveform shape %q", w.Shape)
	}
	if w.Amplitude < 0 {
		return fmt.Errorf("amplitude %g is negative", w.Amplitude)
	}
	if lo := w.Offset - w.Amplitude; lo < minVolts {
		return fmt.Errorf("waveform minimum %g V below DAC range limit %g V", lo, minVolts)
	}
	if hi := w.Offset + w.Amplitude; hi > maxVolts {
		return fmt.Errorf("waveform maximum %g V above DAC range limit %g V", hi, maxVolts)
	}
	return nil
}

// Value returns the waveform value at time t (seconds).
func (w Waveform) Value(t float64) float64 {
	var unit float64
	switch w.Shape {
	case Sine:
		unit = math.Sin(2 * math.Pi * w.Frequency * t)
	case Triangle:
		_, frac := math.Modf(w.Frequency * t)
		unit = 4*math.Abs(frac-0.5) - 1
	case Sawtooth:
		_, frac := math.Modf(w.Frequency * t)
		unit = 2*frac - 1
	case Square:
		_, frac := math.Modf(w.Frequency * t)
		if frac < 0.5 {
			unit = 1
		} else {
			unit = -1
		}
	case Constant:
		unit = 0
	}
	return w.Amplitude*unit + w.Offset
}

// maxTableLen caps the synthesized table at the device's stream-out buffer
// chunk limit.
const maxTableLen = 8192

// Table synthesizes one full period of the waveform sampled at the given
// scan rate. Constant waveforms get a short fixed-length table.
func (w Waveform) Table(sampleRate float64) []float64 {
	n := 64
	if w.Shape != Constant {
		n = int(sampleRate/w.Frequency + 0.5)
		if n < 2 {
			n = 2
		}
		if n > maxTableLen {
			n = maxTableLen
		}
	}
	unit := Waveform{Shape: w.Shape, Amplitude: 1, Frequency: w.Frequency}
	table := make([]float64, n)
	for i := range table {
		table[i] = unit.Value(float64(i) / sampleRate)
	}
	floats.Scale(w.Amplitude, table)
	floats.AddConst(w.Offset, table)
	return table
}
