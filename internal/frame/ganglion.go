package frame

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// GanglionFrameSize is the fixed notification frame length after padding.
	GanglionFrameSize = 20
	// GanglionMinPayload is the shortest notification accepted from the board.
	GanglionMinPayload = 18

	// GanglionEEGChannels is the number of MCP3912 channels on the board.
	GanglionEEGChannels = 4

	// GanglionEEGScale converts raw counts to microvolts.
	GanglionEEGScale = 1.2 * 1000000 / (8388607.0 * 1.5 * 51.0)
	// GanglionAccelScale converts raw accelerometer counts to g.
	GanglionAccelScale = 0.016
)

var (
	// ErrUnknownPacket reports a frame whose id byte belongs to no known packet type.
	ErrUnknownPacket = errors.New("unknown ganglion packet id")
	// ErrImpedance reports an impedance frame whose ASCII value cannot be parsed.
	ErrImpedance = errors.New("malformed impedance value")
)

// GanglionSample is one decoded Ganglion row.
type GanglionSample struct {
	Package    float64
	EEG        [GanglionEEGChannels]float64
	Accel      [3]float64
	Resistance [5]float64 // channels 1-4, then reference
	Impedance  bool       // row came from an impedance frame
}

// GanglionDecoder reconstructs samples from delta-compressed frames. It keeps the
// previous absolute values between frames, so each session owns its own decoder.
type GanglionDecoder struct {
	last   [8]float64
	accel  [3]float64
	resist [5]float64
}

// NewGanglionDecoder returns a decoder with zeroed history.
func NewGanglionDecoder() *GanglionDecoder {
	return &GanglionDecoder{}
}

// Reset clears decompression history. Call it after a reconnect.
func (d *GanglionDecoder) Reset() {
	*d = GanglionDecoder{}
}

// Decode consumes one 20-byte frame and returns up to two rows in out. n is the
// number of rows written.
func (d *GanglionDecoder) Decode(data []byte) (out [2]GanglionSample, n int, err error) {
	if len(data) < GanglionFrameSize {
		return out, 0, fmt.Errorf("%w: frame length %d, want %d", ErrFraming, len(data), GanglionFrameSize)
	}

	id := data[0]
	switch {
	case id == 0:
		d.last[0], d.last[1], d.last[2], d.last[3] = d.last[4], d.last[5], d.last[6], d.last[7]
		for i := 0; i < 4; i++ {
			d.last[4+i] = float64(Int24BE(data[1+3*i:]))
		}
		out[0] = d.row(0, d.last[4:8])
		return out, 1, nil

	case id >= 1 && id <= 200:
		bits := 19
		if id <= 100 {
			bits = 18
			d.updateAccel(id, data[19])
		}

		var delta [8]float64
		for i, counter := 8, 0; counter < 8; i, counter = i+bits, counter+1 {
			delta[counter] = float64(GanglionBits(data, i, bits))
		}
		for i := 0; i < 4; i++ {
			d.last[i] = d.last[i+4] - delta[i]
		}
		for i := 4; i < 8; i++ {
			d.last[i] = d.last[i-4] - delta[i]
		}

		out[0] = d.row(float64(id), d.last[0:4])
		out[1] = d.row(float64(id), d.last[4:8])
		return out, 2, nil

	case id >= 201 && id <= 205:
		val, perr := parseImpedance(data)
		if perr != nil {
			return out, 0, perr
		}
		if idx := int(id%10) - 1; idx >= 0 && idx < len(d.resist) {
			d.resist[idx] = val
		}
		out[0] = GanglionSample{
			Package:    float64(id),
			Resistance: d.resist,
			Impedance:  true,
		}
		return out, 1, nil
	}

	return out, 0, fmt.Errorf("%w: %d", ErrUnknownPacket, id)
}

func (d *GanglionDecoder) row(pkg float64, raw []float64) GanglionSample {
	s := GanglionSample{Package: pkg, Accel: d.accel}
	for i := 0; i < GanglionEEGChannels; i++ {
		s.EEG[i] = GanglionEEGScale * raw[i]
	}
	return s
}

// updateAccel stores one accelerometer axis; x and z are swapped and z inverted to
// match the standard coordinate space.
func (d *GanglionDecoder) updateAccel(id, raw byte) {
	v := float64(int8(raw))
	switch id % 10 {
	case 0:
		d.accel[2] = -GanglionAccelScale * v
	case 1:
		d.accel[1] = GanglionAccelScale * v
	case 2:
		d.accel[0] = GanglionAccelScale * v
	}
}

func parseImpedance(data []byte) (float64, error) {
	i := 1
	for ; i < 6; i++ {
		if data[i] == 'Z' {
			break
		}
	}
	digits := string(data[1:i])
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrImpedance, digits)
	}
	return float64(v), nil
}
