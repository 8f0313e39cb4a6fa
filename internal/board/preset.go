package board

import (
	"fmt"
	"strings"
)

// Preset selects one independently buffered channel set of a board.
type Preset int

const (
	DefaultPreset Preset = iota
	AuxiliaryPreset
	AncillaryPreset
)

var presetNames = [...]string{"default", "auxiliary", "ancillary"}

func (p Preset) String() string {
	if p >= 0 && int(p) < len(presetNames) {
		return presetNames[p]
	}
	return fmt.Sprintf("preset(%d)", int(p))
}

// MarshalText renders the preset name, so presets can key JSON objects.
func (p Preset) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a preset name.
func (p *Preset) UnmarshalText(text []byte) error {
	v, err := ParsePreset(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePreset accepts a preset name in any case.
func ParsePreset(s string) (Preset, error) {
	for i, name := range presetNames {
		if strings.EqualFold(s, name) {
			return Preset(i), nil
		}
	}
	return 0, Errorf(InvalidArguments, "parse preset", "unknown preset %q", s)
}
