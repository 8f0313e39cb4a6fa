package board

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind identifies a supported board.
type Kind int

const (
	SyntheticBoard Kind = -1
	CytonBoard     Kind = 0
	GanglionBoard  Kind = 1
)

var kindNames = map[Kind]string{
	SyntheticBoard: "synthetic",
	CytonBoard:     "cyton",
	GanglionBoard:  "ganglion",
}

// Kinds lists every supported board in display order.
func Kinds() []Kind {
	return []Kind{CytonBoard, GanglionBoard, SyntheticBoard}
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("board(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind accepts a board name in any case.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, Errorf(UnsupportedBoard, "parse board", "unknown board %q", s)
}

// Description fixes the row layout of one preset. Row width and channel indices never
// change for the lifetime of a session.
type Description struct {
	Name             string `json:"name"`
	SamplingRate     int    `json:"sampling_rate"`
	NumRows          int    `json:"num_rows"`
	PackageChannel   int    `json:"package_num_channel"`
	TimestampChannel int    `json:"timestamp_channel"`
	MarkerChannel    int    `json:"marker_channel"`

	EEGChannels        []int `json:"eeg_channels,omitempty"`
	AccelChannels      []int `json:"accel_channels,omitempty"`
	AnalogChannels     []int `json:"analog_channels,omitempty"`
	OtherChannels      []int `json:"other_channels,omitempty"`
	ResistanceChannels []int `json:"resistance_channels,omitempty"`
	PPGChannels        []int `json:"ppg_channels,omitempty"`
	BatteryChannel     *int  `json:"battery_channel,omitempty"`
}

// Validate checks that every channel index falls inside the row.
func (d Description) Validate() error {
	if d.NumRows <= 0 {
		return fmt.Errorf("description %q: num_rows must be > 0", d.Name)
	}
	if d.SamplingRate <= 0 {
		return fmt.Errorf("description %q: sampling_rate must be > 0", d.Name)
	}
	check := func(what string, idx int) error {
		if idx < 0 || idx >= d.NumRows {
			return fmt.Errorf("description %q: %s channel %d outside row of %d", d.Name, what, idx, d.NumRows)
		}
		return nil
	}
	for _, c := range []struct {
		what string
		idx  int
	}{{"package", d.PackageChannel}, {"timestamp", d.TimestampChannel}, {"marker", d.MarkerChannel}} {
		if err := check(c.what, c.idx); err != nil {
			return err
		}
	}
	groups := map[string][]int{
		"eeg": d.EEGChannels, "accel": d.AccelChannels, "analog": d.AnalogChannels,
		"other": d.OtherChannels, "resistance": d.ResistanceChannels, "ppg": d.PPGChannels,
	}
	for what, idxs := range groups {
		for _, idx := range idxs {
			if err := check(what, idx); err != nil {
				return err
			}
		}
	}
	if d.BatteryChannel != nil {
		return check("battery", *d.BatteryChannel)
	}
	return nil
}

// NewRow allocates a zeroed row of the described width.
func (d Description) NewRow() []float64 {
	return make([]float64, d.NumRows)
}

// MaxCapacity is the buffer ceiling: one week of samples at the nominal rate.
func (d Description) MaxCapacity() int {
	return d.SamplingRate * 3600 * 24 * 7
}

// Descriptions maps each preset a board produces to its row layout, in preset order.
type Descriptions = orderedmap.OrderedMap[Preset, Description]

// NewDescriptions builds a Descriptions map holding d as the default preset.
func NewDescriptions(d Description) *Descriptions {
	m := orderedmap.New[Preset, Description]()
	m.Set(DefaultPreset, d)
	return m
}

func span(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func intPtr(v int) *int {
	return &v
}

// CytonDescription is the default preset of the 8-channel serial board.
func CytonDescription() Description {
	return Description{
		Name:             "Cyton",
		SamplingRate:     250,
		NumRows:          24,
		PackageChannel:   0,
		EEGChannels:      span(1, 8),
		AccelChannels:    span(9, 11),
		OtherChannels:    span(12, 18),
		AnalogChannels:   span(19, 21),
		TimestampChannel: 22,
		MarkerChannel:    23,
	}
}

// GanglionDescription is the default preset of the 4-channel BLE board.
func GanglionDescription() Description {
	return Description{
		Name:               "Ganglion",
		SamplingRate:       200,
		NumRows:            15,
		PackageChannel:     0,
		EEGChannels:        span(1, 4),
		AccelChannels:      span(5, 7),
		ResistanceChannels: span(8, 12),
		TimestampChannel:   13,
		MarkerChannel:      14,
	}
}

// SyntheticDescriptions covers both presets of the software board.
func SyntheticDescriptions() *Descriptions {
	m := NewDescriptions(Description{
		Name:             "Synthetic",
		SamplingRate:     250,
		NumRows:          16,
		PackageChannel:   0,
		EEGChannels:      span(1, 8),
		AccelChannels:    span(9, 11),
		BatteryChannel:   intPtr(12),
		TimestampChannel: 13,
		MarkerChannel:    14,
		OtherChannels:    []int{15},
	})
	m.Set(AuxiliaryPreset, Description{
		Name:             "Synthetic",
		SamplingRate:     250,
		NumRows:          5,
		PackageChannel:   0,
		PPGChannels:      span(1, 2),
		TimestampChannel: 3,
		MarkerChannel:    4,
	})
	return m
}

// DescribeKind returns the catalog entry for a board without constructing a driver.
func DescribeKind(k Kind) (*Descriptions, error) {
	switch k {
	case CytonBoard:
		return NewDescriptions(CytonDescription()), nil
	case GanglionBoard:
		return NewDescriptions(GanglionDescription()), nil
	case SyntheticBoard:
		return SyntheticDescriptions(), nil
	}
	return nil, Errorf(UnsupportedBoard, "describe", "unknown board %d", int(k))
}
