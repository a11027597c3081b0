package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
)

const sampleProfiles = `
version: "1.0"
profiles:
  - name: three-phase
    registers:
      - name: voltage
        address: 5
        word_count: 1
        scale: 200
        unit: V
      - name: energy
        address: 40
        word_count: 2
        scale: 1
        unit: kWh
`

func TestLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(sampleProfiles), 0600); err != nil {
		t.Fatal(err)
	}

	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profiles.Len() != 2 {
		t.Errorf("expected default plus one profile, got %d", profiles.Len())
	}

	rm, err := profiles.Resolve("three-phase")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(rm.Registers) != 2 || rm.Registers[1].Address != 40 || rm.Registers[1].WordCount != 2 {
		t.Errorf("unexpected register map: %+v", rm)
	}

	def, err := profiles.Resolve("")
	if err != nil || def.Profile != domain.DefaultProfile {
		t.Errorf("expected default profile for empty name, got %q (%v)", def.Profile, err)
	}

	if _, err := profiles.Resolve("unknown"); !errors.Is(err, domain.ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestParseProfilesErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{
			name: "word count three",
			yaml: "profiles:\n  - name: p\n    registers:\n      - {name: a, address: 0, word_count: 3, scale: 1}\n",
			want: domain.ErrInvalidWordCount,
		},
		{
			name: "zero scale",
			yaml: "profiles:\n  - name: p\n    registers:\n      - {name: a, address: 0, word_count: 1, scale: 0}\n",
			want: domain.ErrInvalidScale,
		},
		{
			name: "duplicate register",
			yaml: "profiles:\n  - name: p\n    registers:\n      - {name: a, address: 0, word_count: 1, scale: 1}\n      - {name: a, address: 1, word_count: 1, scale: 1}\n",
			want: domain.ErrDuplicateRegisterName,
		},
		{
			name: "no registers",
			yaml: "profiles:\n  - name: p\n    registers: []\n",
			want: domain.ErrNoRegistersDefined,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewProfiles().parse([]byte(tt.yaml))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParseProfilesDuplicateName(t *testing.T) {
	yaml := "profiles:\n  - name: p\n    registers:\n      - {name: a, address: 0, word_count: 1, scale: 1}\n  - name: p\n    registers:\n      - {name: a, address: 0, word_count: 1, scale: 1}\n"
	if err := NewProfiles().parse([]byte(yaml)); err == nil {
		t.Error("expected duplicate profile error")
	}
}
