// Package goble adapts the go-ble host stack to the event-driven ganglion.Transport.
//
// go-ble exposes blocking GATT calls. Each Transport request runs the matching call on
// its own goroutine and reports the outcome as ganglion events, so the driver sees the
// same request/event flow on every platform.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/biolink/internal/board/ganglion"
	"github.com/srg/biolink/internal/groutine"
)

// ConnectTimeout bounds a single dial. The driver's step timeout usually fires first.
const ConnectTimeout = 30 * time.Second

// characteristicDeclaration is the GATT attribute type of a characteristic declaration.
var characteristicDeclaration = ble.UUID16(0x2803)

// DeviceFactory creates the host BLE device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newHostDevice

type attribute struct {
	uuid   ble.UUID
	handle uint16
}

// Transport implements ganglion.Transport over go-ble.
type Transport struct {
	logger *logrus.Logger

	mu         sync.Mutex
	handler    func(ganglion.Event)
	dev        ble.Device
	client     ble.Client
	address    string
	services   []*ble.Service
	chars      map[uint16]*ble.Characteristic
	cccds      map[uint16]*ble.Characteristic
	scanCancel context.CancelFunc
	scanDone   <-chan struct{}
	linkCancel context.CancelFunc
	stale      bool

	pending sync.WaitGroup
}

var _ ganglion.Transport = (*Transport)(nil)

// New creates a Transport. The host device is opened lazily on the first scan or
// connect, so a closed Transport can be reused.
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger: logger,
		chars:  make(map[uint16]*ble.Characteristic),
		cccds:  make(map[uint16]*ble.Characteristic),
	}
}

func (t *Transport) SetHandler(h func(ganglion.Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) emit(ev ganglion.Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// async runs fn on a named goroutine tracked by Close.
func (t *Transport) async(name string, fn func(ctx context.Context)) {
	t.pending.Add(1)
	groutine.Go(context.Background(), name, func(ctx context.Context) {
		defer t.pending.Done()
		fn(ctx)
	})
}

// deviceLocked returns the host device, creating it on first use. Caller holds t.mu.
func (t *Transport) deviceLocked() (ble.Device, error) {
	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithError(err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	t.dev = dev
	return dev, nil
}

// StartScan reports every advertisement until StopScan or ctx is done.
func (t *Transport) StartScan(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scanCancel != nil {
		return errors.New("scan already running")
	}
	dev, err := t.deviceLocked()
	if err != nil {
		return err
	}

	scanCtx, cancel := context.WithCancel(ctx)
	t.scanCancel = cancel
	t.scanDone = groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		t.logger.Debug("BLE scan started")
		err := dev.Scan(ctx, false, func(adv ble.Advertisement) {
			t.emit(ganglion.Event{
				Type:    ganglion.EventAdvertisement,
				Address: adv.Addr().String(),
				Name:    adv.LocalName(),
				RSSI:    adv.RSSI(),
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.logger.WithError(NormalizeError(err)).Warn("BLE scan failed")
		}
	})
	return nil
}

func (t *Transport) StopScan() error {
	t.mu.Lock()
	cancel, done := t.scanCancel, t.scanDone
	t.scanCancel, t.scanDone = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	t.logger.Debug("BLE scan stopped")
	return nil
}

// Connect dials address and reports EventConnected. A link lost afterwards is
// reported as EventDisconnected.
func (t *Transport) Connect(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return ErrAlreadyConnected
	}
	if _, err := t.deviceLocked(); err != nil {
		return err
	}

	if t.linkCancel != nil {
		t.linkCancel()
	}
	linkCtx, cancel := context.WithCancel(context.Background())
	t.linkCancel = cancel
	t.address = address

	t.async("ble-connect", func(context.Context) {
		dialCtx, cancelDial := context.WithTimeout(linkCtx, ConnectTimeout)
		defer cancelDial()

		t.logger.WithField("address", address).Debug("Dialing BLE device...")
		client, err := ble.Dial(dialCtx, ble.NewAddr(address))
		if err != nil {
			t.emit(ganglion.Event{Type: ganglion.EventConnected, Address: address, Err: NormalizeError(err)})
			return
		}

		t.mu.Lock()
		if linkCtx.Err() != nil {
			t.mu.Unlock()
			_ = client.CancelConnection()
			return
		}
		t.client = client
		t.mu.Unlock()

		t.monitor(linkCtx, client, address)
		t.logger.WithField("address", address).Info("BLE device connected")
		t.emit(ganglion.Event{Type: ganglion.EventConnected, Address: address})
	})
	return nil
}

// monitor reports a link dropped by the host stack.
func (t *Transport) monitor(linkCtx context.Context, client ble.Client, address string) {
	watched, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		t.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(linkCtx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-watched.Disconnected():
		case <-ctx.Done():
			return
		}

		t.mu.Lock()
		current := t.client == client
		if current {
			t.resetLinkLocked()
		}
		t.mu.Unlock()

		if current {
			t.logger.WithField("address", address).Warn("BLE link lost")
			t.emit(ganglion.Event{Type: ganglion.EventDisconnected, Address: address, Err: ErrNotConnected})
		}
	})
}

func (t *Transport) connected() (ble.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

// ReadByGroupType discovers primary services.
func (t *Transport) ReadByGroupType(group ble.UUID) error {
	if !group.Equal(ganglion.PrimaryServiceUUID) {
		return fmt.Errorf("unsupported group type %s", group)
	}
	client, err := t.connected()
	if err != nil {
		return err
	}

	t.async("ble-discover-services", func(context.Context) {
		services, err := client.DiscoverServices(nil)
		if err == nil {
			assignServiceHandles(services)
			t.mu.Lock()
			t.services = services
			clear(t.chars)
			clear(t.cccds)
			t.stale = false
			t.mu.Unlock()
			for _, svc := range services {
				t.emit(ganglion.Event{
					Type:  ganglion.EventGroupFound,
					UUID:  svc.UUID,
					Start: svc.Handle,
					End:   svc.EndHandle,
				})
			}
		}
		t.emit(ganglion.Event{Type: ganglion.EventProcedureCompleted, Err: NormalizeError(err)})
	})
	return nil
}

// FindInformation discovers the characteristics and descriptors of the service that
// spans start..end.
func (t *Transport) FindInformation(start, end uint16) error {
	client, err := t.connected()
	if err != nil {
		return err
	}

	t.mu.Lock()
	var svc *ble.Service
	for _, s := range t.services {
		if s.Handle == start && s.EndHandle == end {
			svc = s
			break
		}
	}
	t.mu.Unlock()
	if svc == nil {
		return fmt.Errorf("no service at handles %d..%d", start, end)
	}

	t.async("ble-discover-attributes", func(context.Context) {
		attrs, err := t.discoverAttributes(client, svc)
		for _, a := range attrs {
			if a.handle >= start && a.handle <= end {
				t.emit(ganglion.Event{Type: ganglion.EventAttributeFound, UUID: a.uuid, Handle: a.handle})
			}
		}
		t.emit(ganglion.Event{Type: ganglion.EventProcedureCompleted, Err: NormalizeError(err)})
	})
	return nil
}

func (t *Transport) discoverAttributes(client ble.Client, svc *ble.Service) ([]attribute, error) {
	chars, err := client.DiscoverCharacteristics(nil, svc)
	if err != nil {
		return nil, err
	}

	var attrs []attribute
	next := svc.Handle + 1
	for _, c := range chars {
		descs, err := client.DiscoverDescriptors(nil, c)
		if err != nil {
			return attrs, err
		}
		next = assignCharacteristicHandles(c, descs, next)

		attrs = append(attrs,
			attribute{characteristicDeclaration, c.Handle},
			attribute{c.UUID, c.ValueHandle},
		)
		t.mu.Lock()
		t.chars[c.ValueHandle] = c
		for _, d := range descs {
			attrs = append(attrs, attribute{d.UUID, d.Handle})
			if d.UUID.Equal(ganglion.CCCDUUID) {
				t.cccds[d.Handle] = c
			}
		}
		t.mu.Unlock()
	}

	sort.Slice(attrs, func(i, j int) bool { return attrs[i].handle < attrs[j].handle })
	return attrs, nil
}

// rediscover rebuilds the attribute maps on a new link. Handles are stable for a
// given peripheral, so the driver keeps using the ones from the first discovery.
func (t *Transport) rediscover(client ble.Client) error {
	services, err := client.DiscoverServices(nil)
	if err != nil {
		return err
	}
	assignServiceHandles(services)

	t.mu.Lock()
	t.services = services
	clear(t.chars)
	clear(t.cccds)
	t.mu.Unlock()

	for _, svc := range services {
		if _, err := t.discoverAttributes(client, svc); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.stale = false
	t.mu.Unlock()
	t.logger.WithField("services", len(services)).Debug("Attributes rediscovered after reconnect")
	return nil
}

func (t *Transport) lookup(handle uint16) (owner *ble.Characteristic, isCCCD bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, found := t.cccds[handle]; found {
		return c, true, true
	}
	c, found := t.chars[handle]
	return c, false, found
}

// WriteAttribute writes value to handle. A write to a CCCD subscribes or
// unsubscribes the owning characteristic; notifications are then reported against
// its value handle.
func (t *Transport) WriteAttribute(handle uint16, value []byte) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	if _, _, ok := t.lookup(handle); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, handle)
	}

	payload := append([]byte(nil), value...)
	t.async("ble-write", func(context.Context) {
		err := t.write(client, handle, payload)
		t.emit(ganglion.Event{Type: ganglion.EventProcedureCompleted, Handle: handle, Err: NormalizeError(err)})
	})
	return nil
}

func (t *Transport) write(client ble.Client, handle uint16, value []byte) error {
	t.mu.Lock()
	stale := t.stale
	t.mu.Unlock()
	if stale {
		if err := t.rediscover(client); err != nil {
			return err
		}
	}

	c, isCCCD, ok := t.lookup(handle)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, handle)
	}
	if !isCCCD {
		return client.WriteCharacteristic(c, value, false)
	}

	if len(value) == 0 || value[0]&0x01 == 0 {
		return client.Unsubscribe(c, false)
	}
	valueHandle := c.ValueHandle
	return client.Subscribe(c, false, func(data []byte) {
		t.emit(ganglion.Event{
			Type:   ganglion.EventNotification,
			Handle: valueHandle,
			Value:  append([]byte(nil), data...),
		})
	})
}

// resetLinkLocked forgets the client. Attribute maps survive and are marked stale
// until the next write on a new link.
func (t *Transport) resetLinkLocked() {
	if t.linkCancel != nil {
		t.linkCancel()
		t.linkCancel = nil
	}
	t.client = nil
	t.address = ""
	t.stale = len(t.chars) > 0
}

// Disconnect drops the link without reporting EventDisconnected.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client, address := t.client, t.address
	t.resetLinkLocked()
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	err := NormalizeError(client.CancelConnection())
	if err != nil {
		t.logger.WithError(err).Warn("BLE device disconnected with errors")
	} else {
		t.logger.WithField("address", address).Info("BLE device disconnected")
	}
	return err
}

// Close stops scanning, drops the link and releases the host device.
func (t *Transport) Close() error {
	_ = t.StopScan()
	err := t.Disconnect()
	t.pending.Wait()

	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()

	if dev != nil {
		if stopErr := dev.Stop(); stopErr != nil && err == nil {
			err = NormalizeError(stopErr)
		}
	}
	return err
}

// assignServiceHandles numbers services the host stack reported without handles.
// CoreBluetooth hides ATT handles, so synthetic, non-overlapping ranges stand in.
func assignServiceHandles(services []*ble.Service) {
	next := uint16(1)
	for _, svc := range services {
		if svc.Handle == 0 {
			svc.Handle = next
			svc.EndHandle = next + 0xff
		}
		next = svc.EndHandle + 1
	}
}

// assignCharacteristicHandles fills zero handles with the standard declaration,
// value, descriptor layout starting at next, and returns the first free handle.
func assignCharacteristicHandles(c *ble.Characteristic, descs []*ble.Descriptor, next uint16) uint16 {
	if c.Handle == 0 {
		c.Handle = next
	}
	if c.ValueHandle == 0 {
		c.ValueHandle = c.Handle + 1
	}
	last := c.ValueHandle
	for _, d := range descs {
		if d.Handle == 0 {
			d.Handle = last + 1
		}
		last = d.Handle
	}
	return last + 1
}
