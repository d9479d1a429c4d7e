package labdaq

import "fmt"

// RegKind says what sort of value a register holds, so that writes can be
// checked before they are dispatched to the device.
type RegKind int

// Names for the possible values of RegKind
const (
	AnalogReg  RegKind = iota // floating-point volts
	DigitalReg                // a single 0/1 line state
	IntegerReg                // integer-valued configuration or ID register
)

func (k RegKind) String() string {
	switch k {
	case AnalogReg:
		return "analog"
	case DigitalReg:
		return "digital"
	case IntegerReg:
		return "integer"
	}
	return fmt.Sprintf("RegKind(%d)", int(k))
}

// RegisterSpec describes one named device register: its kind, whether the
// host may write it, and (for bounded registers) the valid write range.
type RegisterSpec struct {
	Name     string
	Kind     RegKind
	Writable bool
	Bounded  bool
	Min, Max float64
}

// RegisterRegistry is the enumerated set of registers a DAQ will accept, a
// validated replacement for passing raw strings through to the device.
type RegisterRegistry struct {
	specs map[string]RegisterSpec
}

// NewRegisterRegistry builds a registry from the given specs.
func NewRegisterRegistry(specs []RegisterSpec) *RegisterRegistry {
	r := &RegisterRegistry{specs: make(map[string]RegisterSpec, len(specs))}
	for _, s := range specs {
		r.specs[s.Name] = s
	}
	return r
}

// TSeriesRegisters returns the registry for the T4/T7 registers this layer
// uses. Addresses and ranges follow the T-series Modbus map.
func TSeriesRegisters() *RegisterRegistry {
	specs := []RegisterSpec{
		{Name: "AIN0", Kind: AnalogReg},
		{Name: "AIN1", Kind: AnalogReg},
		{Name: "AIN2", Kind: AnalogReg},
		{Name: "AIN3", Kind: AnalogReg},
		{Name: "DAC0", Kind: AnalogReg, Writable: true, Bounded: true, Min: 0, Max: 5},
		{Name: "DAC1", Kind: AnalogReg, Writable: true, Bounded: true, Min: 0, Max: 5},
		{Name: "TEST", Kind: IntegerReg},
		{Name: "PRODUCT_ID", Kind: IntegerReg},
		{Name: "SERIAL_NUMBER", Kind: IntegerReg},
		{Name: "FIRMWARE_VERSION", Kind: AnalogReg},
	}
	for i := 0; i < 8; i++ {
		specs = append(specs, RegisterSpec{
			Name: fmt.Sprintf("FIO%d", i), Kind: DigitalReg,
			Writable: true, Bounded: true, Min: 0, Max: 1,
		})
	}
	return NewRegisterRegistry(specs)
}

// Lookup finds the spec for a register name.
func (r *RegisterRegistry) Lookup(name string) (RegisterSpec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return RegisterSpec{}, &RegisterError{Register: name, Reason: "not a known register"}
	}
	return spec, nil
}

// Names returns all register names in the registry, in no particular order.
func (r *RegisterRegistry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}

// ValidateRead checks that name may be read.
func (r *RegisterRegistry) ValidateRead(name string) error {
	_, err := r.Lookup(name)
	return err
}

// ValidateWrite checks that name may be written with value. Out-of-range
// values are rejected here, before any hardware call; nothing is clamped.
func (r *RegisterRegistry) ValidateWrite(name string, value float64) error {
	spec, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if !spec.Writable {
		return &RegisterError{Register: name, Reason: "not writable"}
	}
	if spec.Kind == DigitalReg && value != 0 && value != 1 {
		return &RegisterError{Register: name,
			Reason: fmt.Sprintf("digital register takes 0 or 1, got %g", value)}
	}
	if spec.Bounded && (value < spec.Min || value > spec.Max) {
		return &RegisterError{Register: name,
			Reason: fmt.Sprintf("value %g outside valid range [%g, %g]", value, spec.Min, spec.Max)}
	}
	return nil
}
