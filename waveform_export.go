package labdaq

import (
	"os"

	"github.com/sbinet/npyio"
)

// ExportWaveformTable synthesizes the waveform at the given scan rate and
// writes the table to filename in NumPy .npy format, ready for offline
// inspection or plotting.
func ExportWaveformTable(filename string, w Waveform, sampleRate float64) error {
	return writeNpy(filename, w.Table(sampleRate))
}

// SaveTable writes the Streamer's configured table to filename in NumPy
// .npy format.
func (s *Streamer) SaveTable(filename string) error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if !s.configured {
		return &ConfigurationError{Reason: "stream not configured"}
	}
	table := make([]float64, len(s.table))
	copy(table, s.table)
	return writeNpy(filename, table)
}

func writeNpy(filename string, table []float64) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, table); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
