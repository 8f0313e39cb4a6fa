package cyton

import (
	"fmt"
	"strings"

	"github.com/srg/biolink/internal/frame"
)

// channelLetters maps the channel character of an x...X command to a 0-based index.
// The upper eight belong to a daisy module, which this driver does not support.
const channelLetters = "12345678QWERTYUI"

const settingLen = len("x1060110X")

// ParseChannelSettings scans command for channel setting blocks
// (x<ch><power><gain><input><bias><srb2><srb1>X) and returns the gain they select per
// 0-based channel. reset is true when the command restores default settings ("d").
func ParseChannelSettings(command string) (gains map[int]float64, reset bool, err error) {
	gains = make(map[int]float64)
	for i := 0; i < len(command); i++ {
		switch command[i] {
		case 'd':
			reset = true
			clear(gains)
		case 'x':
			if i+settingLen > len(command) || command[i+settingLen-1] != 'X' {
				return nil, false, fmt.Errorf("malformed channel setting at offset %d in %q", i, command)
			}
			block := command[i : i+settingLen]

			ch := strings.IndexByte(channelLetters, block[1])
			if ch < 0 {
				return nil, false, fmt.Errorf("unknown channel %q in %q", block[1], block)
			}
			if ch >= frame.CytonEEGChannels {
				return nil, false, fmt.Errorf("channel %q needs a daisy module", block[1])
			}

			g := int(block[3] - '0')
			if g < 0 || g >= len(frame.CytonGains) {
				return nil, false, fmt.Errorf("unknown gain code %q in %q", block[3], block)
			}
			gains[ch] = frame.CytonGains[g]
			i += settingLen - 1
		}
	}
	return gains, reset, nil
}
