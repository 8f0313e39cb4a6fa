package ganglion

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
)

type advert struct {
	address, name string
}

type attribute struct {
	uuid   ble.UUID
	handle uint16
}

type write struct {
	handle uint16
	value  string
}

// scriptedTransport answers requests with canned events, delivered asynchronously
// like a real radio stack.
type scriptedTransport struct {
	mu      sync.Mutex
	handler func(Event)
	wg      sync.WaitGroup

	adverts    []advert
	connectErr error
	services   []Event
	attributes []attribute

	silentConnect  bool
	connectAs      string // address reported in EventConnected, when set
	silentFindInfo bool
	writeErr       error

	connects    []string
	writes      []write
	disconnects int
	closes      int
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		services: []Event{
			{UUID: ble.UUID16(0x1800), Start: 1, End: 7},
			{UUID: ServiceUUID, Start: 8, End: 30},
		},
		attributes: []attribute{
			{ble.UUID16(0x2803), 9},
			{RecvUUID, 10},
			{CCCDUUID, 11},
			{ble.UUID16(0x2803), 12},
			{SendUUID, 13},
		},
	}
}

func (t *scriptedTransport) SetHandler(h func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *scriptedTransport) emit(events ...Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for _, ev := range events {
			h(ev)
		}
	}()
}

func (t *scriptedTransport) StartScan(context.Context) error {
	var events []Event
	for _, a := range t.adverts {
		events = append(events, Event{Type: EventAdvertisement, Address: a.address, Name: a.name, RSSI: -60})
	}
	t.emit(events...)
	return nil
}

func (t *scriptedTransport) StopScan() error { return nil }

func (t *scriptedTransport) Connect(address string) error {
	t.mu.Lock()
	t.connects = append(t.connects, address)
	silent, err, reported := t.silentConnect, t.connectErr, t.connectAs
	t.mu.Unlock()

	if reported == "" {
		reported = address
	}
	if !silent {
		t.emit(Event{Type: EventConnected, Address: reported, Err: err})
	}
	return nil
}

func (t *scriptedTransport) ReadByGroupType(ble.UUID) error {
	var events []Event
	for _, svc := range t.services {
		svc.Type = EventGroupFound
		events = append(events, svc)
	}
	events = append(events, Event{Type: EventProcedureCompleted})
	t.emit(events...)
	return nil
}

func (t *scriptedTransport) FindInformation(start, end uint16) error {
	var events []Event
	for _, a := range t.attributes {
		if a.handle >= start && a.handle <= end {
			events = append(events, Event{Type: EventAttributeFound, UUID: a.uuid, Handle: a.handle})
		}
	}
	if !t.silentFindInfo {
		events = append(events, Event{Type: EventProcedureCompleted})
	}
	t.emit(events...)
	return nil
}

func (t *scriptedTransport) WriteAttribute(handle uint16, value []byte) error {
	t.mu.Lock()
	t.writes = append(t.writes, write{handle, string(value)})
	err := t.writeErr
	t.mu.Unlock()

	if err != nil {
		return err
	}
	t.emit(Event{Type: EventProcedureCompleted, Handle: handle})
	return nil
}

func (t *scriptedTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	return nil
}

func (t *scriptedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

// notify delivers a notification synchronously.
func (t *scriptedTransport) notify(value []byte) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	h(Event{Type: EventNotification, Handle: 10, Value: value})
}

// dropLink simulates the board going out of range.
func (t *scriptedTransport) dropLink() {
	t.emit(Event{Type: EventDisconnected, Err: errors.New("supervision timeout")})
}

func (t *scriptedTransport) setSilentConnect(silent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.silentConnect = silent
}

func (t *scriptedTransport) written() []write {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]write(nil), t.writes...)
}

func (t *scriptedTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connects)
}
