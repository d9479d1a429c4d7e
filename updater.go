package labdaq

import "fmt"

// Updater reads and writes device registers synchronously through the shared
// handle. The read and write register sets are fixed at construction and can
// be the same or different.
type Updater struct {
	daq        *DAQ
	readNames  []string
	writeNames []string
}

// ReadNames returns the registers this Updater reads.
func (u *Updater) ReadNames() []string { return u.readNames }

// WriteNames returns the registers this Updater writes.
func (u *Updater) WriteNames() []string { return u.writeNames }

// sameRegisters tells whether the read and write register sets coincide.
func (u *Updater) sameRegisters() bool {
	if len(u.readNames) != len(u.writeNames) {
		return false
	}
	seen := make(map[string]bool, len(u.writeNames))
	for _, name := range u.writeNames {
		seen[name] = true
	}
	for _, name := range u.readNames {
		if !seen[name] {
			return false
		}
	}
	return true
}

// Read reads one register. Failures surface as a RegisterError (or a
// ConnectionError if the handle is closed), never as a sentinel value.
func (u *Updater) Read(name string) (float64, error) {
	if err := u.daq.registry.ValidateRead(name); err != nil {
		return 0, err
	}
	handle, err := u.daq.checkOpen("read " + name)
	if err != nil {
		return 0, err
	}
	value, err := u.daq.lib.EReadName(handle, name)
	if err != nil {
		return 0, &RegisterError{Register: name, Reason: "read failed", Err: err}
	}
	return value, nil
}

// Write writes one register, validating the value against the registry
// before any hardware call. No side effects beyond the device write itself.
func (u *Updater) Write(name string, value float64) error {
	if err := u.daq.registry.ValidateWrite(name, value); err != nil {
		return err
	}
	handle, err := u.daq.checkOpen("write " + name)
	if err != nil {
		return err
	}
	if err := u.daq.lib.EWriteName(handle, name, value); err != nil {
		return &RegisterError{Register: name, Reason: "write failed", Err: err}
	}
	u.daq.recordWrite(name, value, "")
	return nil
}

// ReadAll reads every register in the read set in one vendor call and
// returns a name-to-value map.
func (u *Updater) ReadAll() (map[string]float64, error) {
	handle, err := u.daq.checkOpen("read registers")
	if err != nil {
		return nil, err
	}
	values, err := u.daq.lib.EReadNames(handle, u.readNames)
	if err != nil {
		return nil, &RegisterError{Register: fmt.Sprint(u.readNames), Reason: "batch read failed", Err: err}
	}
	result := make(map[string]float64, len(u.readNames))
	for i, name := range u.readNames {
		result[name] = values[i]
	}
	return result, nil
}

// WriteAll writes the values to the write set, in order, in one vendor call.
// Every value is validated before any hardware call happens.
func (u *Updater) WriteAll(values []float64) error {
	if len(values) != len(u.writeNames) {
		return &RegisterError{Register: fmt.Sprint(u.writeNames),
			Reason: fmt.Sprintf("got %d values for %d write registers", len(values), len(u.writeNames))}
	}
	for i, name := range u.writeNames {
		if err := u.daq.registry.ValidateWrite(name, values[i]); err != nil {
			return err
		}
	}
	handle, err := u.daq.checkOpen("write registers")
	if err != nil {
		return err
	}
	if err := u.daq.lib.EWriteNames(handle, u.writeNames, values); err != nil {
		return &RegisterError{Register: fmt.Sprint(u.writeNames), Reason: "batch write failed", Err: err}
	}
	for i, name := range u.writeNames {
		u.daq.recordWrite(name, values[i], "")
	}
	return nil
}

// Update writes the values, then reads back. When the read and write sets
// coincide the same registers are read back; otherwise the read set is read.
func (u *Updater) Update(values []float64) (map[string]float64, error) {
	if err := u.WriteAll(values); err != nil {
		return nil, err
	}
	if u.sameRegisters() {
		handle, err := u.daq.checkOpen("read back registers")
		if err != nil {
			return nil, err
		}
		raw, err := u.daq.lib.EReadNames(handle, u.writeNames)
		if err != nil {
			return nil, &RegisterError{Register: fmt.Sprint(u.writeNames), Reason: "read back failed", Err: err}
		}
		result := make(map[string]float64, len(u.writeNames))
		for i, name := range u.writeNames {
			result[name] = raw[i]
		}
		return result, nil
	}
	return u.ReadAll()
}
