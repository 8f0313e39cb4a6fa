package board

import (
	"fmt"
	"strings"
	"time"
)

// InputParams carries connection parameters. Which fields matter depends on the board.
type InputParams struct {
	SerialPort string        `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	MACAddress string        `json:"mac_address,omitempty" yaml:"mac_address,omitempty"`
	DeviceName string        `json:"device_name,omitempty" yaml:"device_name,omitempty"` // BLE advertised-name filter
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`         // per handshake step
	Other      string        `json:"other_info,omitempty" yaml:"other_info,omitempty"`
}

// Key renders the fields that identify a physical device. Timeouts are excluded, so
// two requests differing only in timing address the same session.
func (p InputParams) Key() string {
	parts := make([]string, 0, 4)
	if p.SerialPort != "" {
		parts = append(parts, "port="+p.SerialPort)
	}
	if p.MACAddress != "" {
		parts = append(parts, "mac="+strings.ToLower(p.MACAddress))
	}
	if p.DeviceName != "" {
		parts = append(parts, "name="+p.DeviceName)
	}
	if p.Other != "" {
		parts = append(parts, "other="+p.Other)
	}
	return strings.Join(parts, ",")
}

// Identity is the registry key of a session: board kind plus device parameters.
type Identity string

// NewIdentity combines kind and params into an Identity.
func NewIdentity(kind Kind, params InputParams) Identity {
	return Identity(fmt.Sprintf("%s[%s]", kind, params.Key()))
}

func (id Identity) String() string {
	return string(id)
}
