package config

import (
	"fmt"
	"os"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"gopkg.in/yaml.v3"
)

// ProfileConfig represents one register profile in YAML.
type ProfileConfig struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Registers   []RegisterConfig `yaml:"registers"`
}

// RegisterConfig represents a register descriptor in YAML.
type RegisterConfig struct {
	Name      string  `yaml:"name"`
	Address   int     `yaml:"address"`
	WordCount int     `yaml:"word_count"`
	Scale     float64 `yaml:"scale"`
	Unit      string  `yaml:"unit,omitempty"`
}

// ProfilesFile represents the top-level register profiles file.
type ProfilesFile struct {
	Version  string          `yaml:"version"`
	Profiles []ProfileConfig `yaml:"profiles"`
}

// Profiles resolves register maps by profile name.
type Profiles struct {
	maps map[string]domain.RegisterMap
}

// NewProfiles returns a profile set holding only the built-in default profile.
func NewProfiles() *Profiles {
	def := domain.DefaultRegisterMap()
	return &Profiles{maps: map[string]domain.RegisterMap{def.Profile: def}}
}

// LoadProfiles loads register profiles from a YAML file. The built-in
// default profile is always present unless the file overrides it.
// An empty path yields the default profile only.
func LoadProfiles(path string) (*Profiles, error) {
	profiles := NewProfiles()
	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	if err := profiles.parse(data); err != nil {
		return nil, err
	}
	return profiles, nil
}

func (p *Profiles) parse(data []byte) error {
	var file ProfilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse profiles file: %w", err)
	}

	// Track seen names to detect duplicates
	seen := make(map[string]int)
	for idx, pc := range file.Profiles {
		if prevIdx, exists := seen[pc.Name]; exists {
			return fmt.Errorf("duplicate profile '%s' at index %d (first seen at index %d)", pc.Name, idx, prevIdx)
		}
		seen[pc.Name] = idx

		rm, err := convertProfileConfig(pc)
		if err != nil {
			return fmt.Errorf("error in profile %s: %w", pc.Name, err)
		}
		p.maps[rm.Profile] = rm
	}
	return nil
}

// convertProfileConfig converts a ProfileConfig to a validated domain.RegisterMap.
func convertProfileConfig(pc ProfileConfig) (domain.RegisterMap, error) {
	if pc.Name == "" {
		return domain.RegisterMap{}, fmt.Errorf("profile name is required")
	}

	regs := make([]domain.RegisterDescriptor, 0, len(pc.Registers))
	for _, rc := range pc.Registers {
		if rc.Address < 0 || rc.Address > 0xFFFF {
			return domain.RegisterMap{}, fmt.Errorf("register %s: address %d out of range", rc.Name, rc.Address)
		}
		if rc.WordCount < 0 || rc.WordCount > 0xFFFF {
			return domain.RegisterMap{}, fmt.Errorf("%w: %s has %d", domain.ErrInvalidWordCount, rc.Name, rc.WordCount)
		}
		regs = append(regs, domain.RegisterDescriptor{
			Name:      rc.Name,
			Address:   uint16(rc.Address),
			WordCount: uint16(rc.WordCount),
			Scale:     rc.Scale,
			Unit:      rc.Unit,
		})
	}

	rm := domain.RegisterMap{Profile: pc.Name, Registers: regs}
	if err := rm.Validate(); err != nil {
		return domain.RegisterMap{}, err
	}
	return rm, nil
}

// Resolve returns the register map for a profile. An empty name selects
// the default profile.
func (p *Profiles) Resolve(name string) (domain.RegisterMap, error) {
	if name == "" {
		name = domain.DefaultProfile
	}
	rm, ok := p.maps[name]
	if !ok {
		return domain.RegisterMap{}, fmt.Errorf("%w: %s", domain.ErrProfileNotFound, name)
	}
	return rm, nil
}

// Len returns the number of loaded profiles.
func (p *Profiles) Len() int {
	return len(p.maps)
}
