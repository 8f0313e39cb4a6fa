//go:build !darwin && !linux

package goble

import (
	"errors"

	"github.com/go-ble/ble"
)

func newHostDevice() (ble.Device, error) {
	return nil, errors.New("no BLE host stack for this platform")
}
