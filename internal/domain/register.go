package domain

import (
	"fmt"
)

// RegisterDescriptor describes one named holding register on a meter.
// Descriptors are immutable once a profile is loaded.
type RegisterDescriptor struct {
	// Name is the key the decoded value is stored under
	Name string `json:"name" yaml:"name"`

	// Address is the zero-based holding register address
	Address uint16 `json:"address" yaml:"address"`

	// WordCount is the number of 16-bit words (1 or 2)
	WordCount uint16 `json:"word_count" yaml:"word_count"`

	// Scale divides the raw integer value
	Scale float64 `json:"scale" yaml:"scale"`

	// Unit is the engineering unit of the decoded value
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Validate checks the descriptor invariants.
func (r *RegisterDescriptor) Validate() error {
	if r.Name == "" {
		return ErrRegisterNameRequired
	}
	if r.WordCount != 1 && r.WordCount != 2 {
		return fmt.Errorf("%w: %s has %d", ErrInvalidWordCount, r.Name, r.WordCount)
	}
	if !(r.Scale > 0) {
		return fmt.Errorf("%w: %s has %v", ErrInvalidScale, r.Name, r.Scale)
	}
	return nil
}

// RegisterMap is the ordered register set of one device profile.
// Registers are read and decoded in slice order.
type RegisterMap struct {
	Profile   string               `json:"profile" yaml:"profile"`
	Registers []RegisterDescriptor `json:"registers" yaml:"registers"`
}

// Validate checks every descriptor and rejects duplicate names.
func (m *RegisterMap) Validate() error {
	if len(m.Registers) == 0 {
		return ErrNoRegistersDefined
	}
	seen := make(map[string]struct{}, len(m.Registers))
	for i := range m.Registers {
		if err := m.Registers[i].Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", m.Profile, err)
		}
		if _, dup := seen[m.Registers[i].Name]; dup {
			return fmt.Errorf("profile %q: %w: %s", m.Profile, ErrDuplicateRegisterName, m.Registers[i].Name)
		}
		seen[m.Registers[i].Name] = struct{}{}
	}
	return nil
}

// Names returns the register names in read order.
func (m *RegisterMap) Names() []string {
	names := make([]string, len(m.Registers))
	for i := range m.Registers {
		names[i] = m.Registers[i].Name
	}
	return names
}

// TotalWords returns the number of words one full read transfers.
// The pool uses it only as a sizing hint.
func (m *RegisterMap) TotalWords() int {
	total := 0
	for i := range m.Registers {
		total += int(m.Registers[i].WordCount)
	}
	return total
}

// DefaultProfile is the profile used for meters that name none.
const DefaultProfile = "generic-energy-meter"

// DefaultRegisterMap returns the built-in register map for a generic
// three-value energy meter.
func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		Profile: DefaultProfile,
		Registers: []RegisterDescriptor{
			{Name: "voltage", Address: 0, WordCount: 1, Scale: 10, Unit: "V"},
			{Name: "current", Address: 1, WordCount: 1, Scale: 100, Unit: "A"},
			{Name: "power", Address: 2, WordCount: 2, Scale: 1000, Unit: "kW"},
			{Name: "energy", Address: 4, WordCount: 2, Scale: 100, Unit: "kWh"},
		},
	}
}
