package frame

import (
	"errors"
	"fmt"
)

const (
	// CytonPacketSize is the fixed length of a Cyton serial packet.
	CytonPacketSize = 33
	// CytonStartByte marks the first byte of every packet.
	CytonStartByte byte = 0xA0
	// CytonEndStandard terminates packets whose aux bytes carry accelerometer data.
	CytonEndStandard byte = 0xC0
	// CytonEndAnalog terminates packets whose aux bytes carry analog pin readings.
	CytonEndAnalog byte = 0xC1
	// CytonEndMax is the highest END marker the firmware emits.
	CytonEndMax byte = 0xC6

	// CytonEEGChannels is the number of ADS1299 channels on the board.
	CytonEEGChannels = 8

	cytonVRef = 4.5
	// CytonAccelScale converts raw LIS3DH counts to g.
	CytonAccelScale = 0.002 / 16.0
)

// CytonGains lists the amplifier gains selectable through channel settings, in
// firmware index order.
var CytonGains = [...]float64{1, 2, 4, 6, 8, 12, 24}

// DefaultCytonGain is the gain the firmware applies after reset.
const DefaultCytonGain = 24.0

// ErrFraming reports a packet with a bad START or END marker or a wrong length.
var ErrFraming = errors.New("framing error")

// CytonEEGScale returns the microvolts-per-count factor for the given gain.
func CytonEEGScale(gain float64) float64 {
	return cytonVRef / float64((1<<23)-1) / gain * 1e6
}

// CytonSample is one decoded Cyton packet.
type CytonSample struct {
	Counter uint8
	EEG     [CytonEEGChannels]float64

	// Accel is valid when End == CytonEndStandard.
	Accel [3]float64
	// Analog is valid when End == CytonEndAnalog.
	Analog [3]float64
	// Other holds aux bytes 26..31 verbatim followed by the END byte.
	Other [7]float64

	End byte
}

// CytonDecoder converts 33-byte packets into samples using per-channel EEG scales.
// The zero value is not usable; construct with NewCytonDecoder.
type CytonDecoder struct {
	scales [CytonEEGChannels]float64
}

// NewCytonDecoder creates a decoder with every channel at the default gain.
func NewCytonDecoder() *CytonDecoder {
	d := &CytonDecoder{}
	for i := range d.scales {
		d.scales[i] = CytonEEGScale(DefaultCytonGain)
	}
	return d
}

// SetGain updates the scale of channel ch (0-based).
func (d *CytonDecoder) SetGain(ch int, gain float64) {
	if ch < 0 || ch >= CytonEEGChannels || gain <= 0 {
		return
	}
	d.scales[ch] = CytonEEGScale(gain)
}

// Scale returns the current scale of channel ch (0-based).
func (d *CytonDecoder) Scale(ch int) float64 {
	return d.scales[ch]
}

// Decode validates and decodes one packet. It does not allocate on success.
func (d *CytonDecoder) Decode(packet []byte) (CytonSample, error) {
	var s CytonSample

	if len(packet) != CytonPacketSize {
		return s, fmt.Errorf("%w: packet length %d, want %d", ErrFraming, len(packet), CytonPacketSize)
	}
	if packet[0] != CytonStartByte {
		return s, fmt.Errorf("%w: start byte 0x%02X", ErrFraming, packet[0])
	}
	end := packet[CytonPacketSize-1]
	if end < CytonEndStandard || end > CytonEndMax {
		return s, fmt.Errorf("%w: end byte 0x%02X", ErrFraming, end)
	}

	s.Counter = packet[1]
	s.End = end

	for i := 0; i < CytonEEGChannels; i++ {
		s.EEG[i] = d.scales[i] * float64(Int24BE(packet[2+3*i:]))
	}

	for i := 0; i < 6; i++ {
		s.Other[i] = float64(packet[26+i])
	}
	s.Other[6] = float64(end)

	switch end {
	case CytonEndStandard:
		for i := 0; i < 3; i++ {
			s.Accel[i] = CytonAccelScale * float64(Int16BE(packet[26+2*i:]))
		}
	case CytonEndAnalog:
		for i := 0; i < 3; i++ {
			s.Analog[i] = float64(Int16BE(packet[26+2*i:]))
		}
	}

	return s, nil
}

// EncodeCyton fills dst with one packet carrying raw EEG counts and six aux bytes.
// dst must hold at least CytonPacketSize bytes.
func EncodeCyton(dst []byte, counter uint8, eeg [CytonEEGChannels]int32, aux [6]byte, end byte) {
	_ = dst[CytonPacketSize-1]
	dst[0] = CytonStartByte
	dst[1] = counter
	for i, v := range eeg {
		off := 2 + 3*i
		dst[off] = byte(v >> 16)
		dst[off+1] = byte(v >> 8)
		dst[off+2] = byte(v)
	}
	copy(dst[26:32], aux[:])
	dst[CytonPacketSize-1] = end
}
