package ganglion

import "fmt"

// State is the position of the BLE handshake. Every blocking step is tagged with the
// state it waits in, so late events for an earlier step are ignored.
type State int32

const (
	StateNone State = iota
	StateScanningForAddress
	StateConnecting
	StateConnected
	StateServiceDiscovery
	StateCharacteristicDiscovery
	StateConfiguringNotifications
	StateSendingCommand
	StateStreaming
	StateDisconnected
)

var stateNames = [...]string{
	"none",
	"scanning_for_address",
	"connecting",
	"connected",
	"service_discovery",
	"characteristic_discovery",
	"configuring_notifications",
	"sending_command",
	"streaming",
	"disconnected",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
