package ganglion

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
)

// GATT identifiers of the Ganglion.
var (
	ServiceUUID        = ble.UUID16(0xfe84)
	PrimaryServiceUUID = ble.UUID16(0x2800)
	CCCDUUID           = ble.UUID16(0x2902)
	SendUUID           = ble.MustParse("2d30c083-f39f-4ce6-923f-3484ea480596")
	RecvUUID           = ble.MustParse("2d30c082-f39f-4ce6-923f-3484ea480596")
)

// EnableNotifications is the CCCD value that turns notifications on.
var EnableNotifications = []byte{0x01, 0x00}

// EventType classifies transport events.
type EventType int

const (
	EventAdvertisement EventType = iota
	EventConnected
	EventGroupFound
	EventAttributeFound
	EventProcedureCompleted
	EventNotification
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventAdvertisement:
		return "advertisement"
	case EventConnected:
		return "connected"
	case EventGroupFound:
		return "group_found"
	case EventAttributeFound:
		return "attribute_found"
	case EventProcedureCompleted:
		return "procedure_completed"
	case EventNotification:
		return "notification"
	case EventDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is delivered by a Transport to its handler. Which fields are set depends on
// Type.
type Event struct {
	Type EventType

	Address string // Advertisement, Connected, Disconnected
	Name    string // Advertisement
	RSSI    int    // Advertisement

	UUID       ble.UUID // GroupFound, AttributeFound
	Start, End uint16   // GroupFound
	Handle     uint16   // AttributeFound, Notification, ProcedureCompleted

	Value []byte // Notification
	Err   error  // Connected, ProcedureCompleted, Disconnected
}

// Transport is an event-driven GATT client. Requests return as soon as they are
// issued; their outcome arrives later as events on the handler. The handler may be
// called from any goroutine.
type Transport interface {
	SetHandler(func(Event))

	StartScan(ctx context.Context) error
	StopScan() error

	Connect(address string) error
	// ReadByGroupType reports every primary service as EventGroupFound, then
	// EventProcedureCompleted.
	ReadByGroupType(group ble.UUID) error
	// FindInformation reports every attribute between start and end as
	// EventAttributeFound, then EventProcedureCompleted.
	FindInformation(start, end uint16) error
	// WriteAttribute writes value to handle and reports EventProcedureCompleted.
	WriteAttribute(handle uint16, value []byte) error

	Disconnect() error
	Close() error
}
