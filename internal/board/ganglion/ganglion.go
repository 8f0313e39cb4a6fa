// Package ganglion drives the 4-channel OpenBCI Ganglion over BLE.
//
// The transport is event driven: every request (scan, connect, discovery, write)
// returns immediately and its outcome arrives as an Event. The driver turns each
// request into a blocking, timeout-bounded step with a gate.Gate tagged by the
// handshake State the step waits in.
package ganglion

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/biolink/internal/backoff"
	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/frame"
	"github.com/srg/biolink/internal/gate"
	"github.com/srg/biolink/internal/groutine"
	"github.com/srg/biolink/internal/ringchan"
)

const (
	// DefaultTimeout bounds every handshake step.
	DefaultTimeout = 15 * time.Second
	// DefaultNameFilter matches advertised names when no MAC address is given.
	DefaultNameFilter = "ganglion"
	// DefaultQueueCapacity is the number of notification frames kept between reads.
	DefaultQueueCapacity = 2048
	// PollInterval bounds a single ReadUnit wait.
	PollInterval = 100 * time.Millisecond
)

var (
	errDisconnected         = errors.New("board disconnected")
	errServiceMissing       = errors.New("ganglion service not advertised")
	errCharacteristicsShort = errors.New("discovery completed without all ganglion characteristics")
	errClosed               = errors.New("driver closed")
)

// Frame is one notification payload padded to frame.GanglionFrameSize, with the time
// it was received.
type Frame struct {
	Data      [frame.GanglionFrameSize]byte
	Timestamp float64
}

// Option configures a Driver.
type Option func(*Driver)

// WithReconnectPolicy sets the backoff schedule used after a mid-stream disconnect.
func WithReconnectPolicy(p backoff.Policy) Option {
	return func(d *Driver) {
		d.policy = p
	}
}

// WithQueueCapacity sets the notification queue size.
func WithQueueCapacity(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.queueCapacity = n
		}
	}
}

// Driver implements board.Driver for the Ganglion.
type Driver struct {
	params    board.InputParams
	transport Transport
	logger    *logrus.Logger
	policy    backoff.Policy

	descs *board.Descriptions
	desc  board.Description

	// handshake serializes blocking steps between the API and the reconnect loop.
	handshake sync.Mutex
	gate      *gate.Gate[State]

	// mu guards the connection state below; the event handler reads it.
	mu          sync.RWMutex
	state       State
	address     string
	serviceFrom uint16
	serviceTo   uint16
	cccd        uint16
	send        uint16
	recv        uint16

	// linked is set between a successful Open and Close; a dropped link is only
	// restored while it holds.
	linked       atomic.Bool
	streaming    atomic.Bool
	reconnecting atomic.Bool
	reconnects   atomic.Uint64

	reconnectMu     sync.Mutex
	reconnectCancel context.CancelFunc
	reconnectDone   <-chan struct{}

	queueCapacity int
	frames        *ringchan.RingChannel[Frame]
	resetDecoder  atomic.Bool
	decoder       *frame.GanglionDecoder
	row           []float64
}

// New creates a driver talking through transport. Nothing is sent until Open.
func New(params board.InputParams, transport Transport, logger *logrus.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	desc := board.GanglionDescription()
	d := &Driver{
		params:        params,
		transport:     transport,
		logger:        logger,
		policy:        backoff.DefaultPolicy(),
		descs:         board.NewDescriptions(desc),
		desc:          desc,
		gate:          gate.New[State](),
		queueCapacity: DefaultQueueCapacity,
		decoder:       frame.NewGanglionDecoder(),
		row:           desc.NewRow(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.frames = ringchan.NewRingChannel[Frame](d.queueCapacity)
	transport.SetHandler(d.handleEvent)
	return d
}

func (d *Driver) Kind() board.Kind { return board.GanglionBoard }

func (d *Driver) Descriptions() *board.Descriptions { return d.descs }

// State returns the current handshake state.
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Address returns the address the driver is connected or connecting to.
func (d *Driver) Address() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.address
}

// Reconnects returns the number of successful reconnects since creation.
func (d *Driver) Reconnects() uint64 {
	return d.reconnects.Load()
}

// QueueMetrics exposes the notification queue counters.
func (d *Driver) QueueMetrics() ringchan.Metrics {
	return d.frames.GetMetrics()
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		d.log().WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Debug("Handshake state changed")
	}
}

func (d *Driver) log() *logrus.Entry {
	return d.logger.WithFields(logrus.Fields{
		"board":   board.GanglionBoard.String(),
		"address": d.Address(),
	})
}

func (d *Driver) timeout() time.Duration {
	if d.params.Timeout > 0 {
		return d.params.Timeout
	}
	return DefaultTimeout
}

func (d *Driver) nameFilter() string {
	if d.params.DeviceName != "" {
		return strings.ToLower(d.params.DeviceName)
	}
	return DefaultNameFilter
}

// step arms the gate for state, issues request and waits for the matching event.
// Steps that need a link fail fast once it dropped.
func (d *Driver) step(state State, request func() error) error {
	d.mu.Lock()
	prev := d.state
	if needsLink(state) && !hasLink(prev) {
		d.mu.Unlock()
		return errDisconnected
	}
	d.state = state
	d.gate.Arm(state)
	d.mu.Unlock()

	if prev != state {
		d.log().WithFields(logrus.Fields{"from": prev.String(), "to": state.String()}).Debug("Handshake state changed")
	}
	if err := request(); err != nil {
		return err
	}
	return d.gate.Wait(d.timeout())
}

func needsLink(step State) bool {
	return step != StateScanningForAddress && step != StateConnecting
}

func hasLink(s State) bool {
	return s != StateNone && s != StateDisconnected
}

// settle moves the handshake back to its resting state after a step. A link that
// dropped meanwhile stays Disconnected.
func (d *Driver) settle() {
	target := StateConnected
	if d.streaming.Load() {
		target = StateStreaming
	}

	d.mu.Lock()
	prev := d.state
	if !hasLink(prev) {
		d.mu.Unlock()
		return
	}
	d.state = target
	d.mu.Unlock()

	if prev != target {
		d.log().WithFields(logrus.Fields{"from": prev.String(), "to": target.String()}).Debug("Handshake state changed")
	}
}

// Open finds the board, by scanning when no MAC address is given, and connects.
func (d *Driver) Open(ctx context.Context) error {
	const op = "open ganglion"

	address := d.params.MACAddress
	if address != "" {
		if hw, err := net.ParseMAC(address); err != nil || len(hw) != 6 {
			return board.Errorf(board.InvalidMac, op, "%q is not a 6-byte MAC address", address)
		}
	}

	d.handshake.Lock()
	defer d.handshake.Unlock()

	if address == "" {
		found, err := d.scanLocked(ctx)
		if err != nil {
			d.setState(StateNone)
			return board.NewError(board.BoardNotReady, op, err)
		}
		address = found
	}

	if err := d.connectLocked(address); err != nil {
		d.setState(StateNone)
		return board.NewError(board.BoardNotReady, op, err)
	}
	d.linked.Store(true)
	d.log().Info("Ganglion connected")
	return nil
}

func (d *Driver) scanLocked(ctx context.Context) (string, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.address = ""
	d.mu.Unlock()

	d.log().WithField("filter", d.nameFilter()).Debug("Scanning for board")
	err := d.step(StateScanningForAddress, func() error { return d.transport.StartScan(scanCtx) })
	if serr := d.transport.StopScan(); serr != nil {
		d.log().WithError(serr).Debug("Failed to stop scan")
	}
	if err != nil {
		return "", err
	}
	return d.Address(), nil
}

func (d *Driver) connectLocked(address string) error {
	d.mu.Lock()
	d.address = address
	d.mu.Unlock()

	if err := d.step(StateConnecting, func() error { return d.transport.Connect(address) }); err != nil {
		return err
	}

	d.mu.Lock()
	if d.state != StateConnecting {
		d.mu.Unlock()
		return errDisconnected
	}
	d.state = StateConnected
	d.mu.Unlock()
	d.log().Debug("Handshake state changed to connected")
	return nil
}

// StartStreaming discovers the Ganglion service and characteristics, enables
// notifications and sends "b". On failure the driver stays connected.
func (d *Driver) StartStreaming(context.Context) error {
	d.handshake.Lock()
	defer d.handshake.Unlock()

	if !hasLink(d.State()) {
		return board.Errorf(board.BoardNotReady, "start ganglion stream", "board is not connected")
	}

	d.frames.Drain()
	d.resetDecoder.Store(true)

	if err := d.discoverLocked(); err != nil {
		d.settle()
		return err
	}
	if err := d.enableNotificationsLocked(); err != nil {
		d.settle()
		return err
	}
	if err := d.sendLocked("b"); err != nil {
		d.settle()
		return err
	}

	d.streaming.Store(true)
	d.settle()
	d.log().Info("Ganglion streaming")
	return nil
}

func (d *Driver) discoverLocked() error {
	const op = "discover ganglion"

	d.mu.Lock()
	d.serviceFrom, d.serviceTo = 0, 0
	d.cccd, d.send, d.recv = 0, 0, 0
	d.mu.Unlock()

	if err := d.step(StateServiceDiscovery, func() error {
		return d.transport.ReadByGroupType(PrimaryServiceUUID)
	}); err != nil {
		return board.NewError(board.ServiceNotFound, op, err)
	}

	d.mu.RLock()
	from, to := d.serviceFrom, d.serviceTo
	d.mu.RUnlock()
	d.log().WithFields(logrus.Fields{"start": from, "end": to}).Debug("Ganglion service found")

	if err := d.step(StateCharacteristicDiscovery, func() error {
		return d.transport.FindInformation(from, to)
	}); err != nil {
		return board.NewError(board.CharacteristicNotFound, op, err)
	}
	return nil
}

func (d *Driver) enableNotificationsLocked() error {
	d.mu.RLock()
	cccd := d.cccd
	d.mu.RUnlock()

	if err := d.step(StateConfiguringNotifications, func() error {
		return d.transport.WriteAttribute(cccd, EnableNotifications)
	}); err != nil {
		return board.NewError(board.BoardNotReady, "enable ganglion notifications", err)
	}
	return nil
}

func (d *Driver) sendLocked(cmd string) error {
	d.mu.RLock()
	handle := d.send
	d.mu.RUnlock()

	if handle == 0 {
		return board.Errorf(board.BoardNotReady, "send ganglion command", "send characteristic not discovered")
	}
	err := d.step(StateSendingCommand, func() error {
		return d.transport.WriteAttribute(handle, []byte(cmd))
	})
	if err != nil {
		return board.NewError(board.BoardWriteError, "send ganglion command", err)
	}
	d.log().WithField("command", cmd).Debug("Sent command")
	return nil
}

// ReadUnit waits up to PollInterval for one notification frame and emits the rows it
// decodes to.
func (d *Driver) ReadUnit(_ context.Context, emit board.EmitFunc) error {
	f, ok := d.frames.ReceiveTimeout(PollInterval)
	if !ok {
		return nil
	}
	if d.resetDecoder.Swap(false) {
		d.decoder.Reset()
	}

	samples, n, err := d.decoder.Decode(f.Data[:])
	if err != nil {
		d.log().WithError(err).WithField("id", f.Data[0]).Warn("Skipping frame")
		return nil
	}
	for i := 0; i < n; i++ {
		d.fillRow(samples[i])
		emit(board.DefaultPreset, f.Timestamp, d.row)
	}
	return nil
}

func (d *Driver) fillRow(s frame.GanglionSample) {
	row := d.row
	clear(row)
	row[d.desc.PackageChannel] = s.Package
	if !s.Impedance {
		for i, ch := range d.desc.EEGChannels {
			row[ch] = s.EEG[i]
		}
		for i, ch := range d.desc.AccelChannels {
			row[ch] = s.Accel[i]
		}
	}
	for i, ch := range d.desc.ResistanceChannels {
		row[ch] = s.Resistance[i]
	}
}

// StopStreaming sends "s" and drops queued frames. A reconnect in progress keeps
// running and restores the link without restarting the stream.
func (d *Driver) StopStreaming(context.Context) error {
	d.streaming.Store(false)

	d.handshake.Lock()
	defer d.handshake.Unlock()

	var err error
	if hasLink(d.State()) {
		err = d.sendLocked("s")
		d.settle()
	}
	dropped := d.frames.Drain()
	d.log().WithField("dropped", dropped).Info("Ganglion stream stopped")
	return err
}

// Configure sends a raw command to the board. The Ganglion does not reply over the
// write path, so the returned string is always empty.
func (d *Driver) Configure(_ context.Context, command string) (string, error) {
	if command == "" {
		return "", board.Errorf(board.InvalidArguments, "config ganglion", "empty command")
	}
	d.handshake.Lock()
	defer d.handshake.Unlock()

	err := d.sendLocked(command)
	d.settle()
	return "", err
}

// Close cancels reconnects, disconnects and releases the transport.
func (d *Driver) Close() error {
	d.linked.Store(false)
	d.streaming.Store(false)
	d.stopReconnect()

	d.handshake.Lock()
	defer d.handshake.Unlock()

	var errs []error
	if hasLink(d.State()) {
		if err := d.transport.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	d.frames.Drain()
	d.setState(StateNone)
	return errors.Join(errs...)
}

// handleEvent runs on transport goroutines. It records discovery results, resolves the
// gate for the step the event completes and queues notifications.
func (d *Driver) handleEvent(ev Event) {
	d.mu.RLock()
	state := d.state
	d.mu.RUnlock()

	switch ev.Type {
	case EventAdvertisement:
		if state != StateScanningForAddress || !strings.Contains(strings.ToLower(ev.Name), d.nameFilter()) {
			return
		}
		d.mu.Lock()
		if d.address != "" {
			d.mu.Unlock()
			return
		}
		d.address = ev.Address
		d.mu.Unlock()
		if d.gate.Signal(StateScanningForAddress, nil) {
			d.log().WithFields(logrus.Fields{"name": ev.Name, "rssi": ev.RSSI}).Debug("Board found")
		}

	case EventConnected:
		if issued := d.Address(); !strings.EqualFold(ev.Address, issued) {
			d.log().WithField("event_address", ev.Address).Debug("Ignoring connection event for another address")
			return
		}
		d.gate.Signal(StateConnecting, ev.Err)

	case EventGroupFound:
		if state == StateServiceDiscovery && ev.UUID.Equal(ServiceUUID) {
			d.mu.Lock()
			d.serviceFrom, d.serviceTo = ev.Start, ev.End
			d.mu.Unlock()
		}

	case EventAttributeFound:
		if state == StateCharacteristicDiscovery && d.recordAttribute(ev) {
			d.gate.Signal(StateCharacteristicDiscovery, nil)
		}

	case EventProcedureCompleted:
		d.completeProcedure(state, ev)

	case EventNotification:
		if !d.streaming.Load() {
			return
		}
		if len(ev.Value) < frame.GanglionMinPayload {
			d.log().WithField("length", len(ev.Value)).Debug("Dropping short notification")
			return
		}
		f := Frame{Timestamp: board.Timestamp(board.Now())}
		copy(f.Data[:], ev.Value)
		d.frames.Send(f)

	case EventDisconnected:
		d.mu.Lock()
		d.state = StateDisconnected
		if step, armed := d.gate.Step(); armed {
			d.gate.Signal(step, errDisconnected)
		}
		d.mu.Unlock()

		d.log().WithError(ev.Err).WithField("from", state.String()).Warn("Ganglion disconnected")
		if d.linked.Load() && d.Address() != "" {
			d.startReconnect()
		}
	}
}

// recordAttribute stores a discovered handle and reports whether all three required
// handles are now known.
func (d *Driver) recordAttribute(ev Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case ev.UUID.Equal(CCCDUUID):
		d.cccd = ev.Handle
	case ev.UUID.Equal(SendUUID):
		d.send = ev.Handle
	case ev.UUID.Equal(RecvUUID):
		d.recv = ev.Handle
	}
	return d.cccd != 0 && d.send != 0 && d.recv != 0
}

func (d *Driver) completeProcedure(state State, ev Event) {
	d.mu.RLock()
	found := d.serviceFrom != 0 && d.serviceTo != 0
	complete := d.cccd != 0 && d.send != 0 && d.recv != 0
	cccd, send := d.cccd, d.send
	d.mu.RUnlock()

	switch state {
	case StateServiceDiscovery:
		err := ev.Err
		if err == nil && !found {
			err = errServiceMissing
		}
		d.gate.Signal(StateServiceDiscovery, err)
	case StateCharacteristicDiscovery:
		if !complete {
			err := ev.Err
			if err == nil {
				err = errCharacteristicsShort
			}
			d.gate.Signal(StateCharacteristicDiscovery, err)
		}
	case StateConfiguringNotifications:
		if ev.Handle == cccd {
			d.gate.Signal(StateConfiguringNotifications, ev.Err)
		}
	case StateSendingCommand:
		if ev.Handle == send {
			d.gate.Signal(StateSendingCommand, ev.Err)
		}
	}
}

func (d *Driver) startReconnect() {
	if !d.reconnecting.CompareAndSwap(false, true) {
		return
	}
	d.reconnectMu.Lock()
	defer d.reconnectMu.Unlock()

	if d.reconnectCancel != nil {
		d.reconnectCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.reconnectCancel = cancel
	d.reconnectDone = groutine.Go(ctx, "ganglion-reconnect", d.reconnect)
}

func (d *Driver) stopReconnect() {
	d.reconnectMu.Lock()
	cancel, done := d.reconnectCancel, d.reconnectDone
	d.reconnectCancel, d.reconnectDone = nil, nil
	d.reconnectMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// reconnect restores a dropped link to the same address. A running stream also
// gets notifications re-enabled and "b" resent; handles from the first discovery are
// reused. An idle link is left Connected.
func (d *Driver) reconnect(ctx context.Context) {
	address := d.Address()
	err := backoff.Retry(ctx, d.policy, func(attempt int) error {
		d.handshake.Lock()
		defer d.handshake.Unlock()

		if !d.linked.Load() {
			return backoff.Permanent(errClosed)
		}
		streaming := d.streaming.Load()
		log := d.log().WithFields(logrus.Fields{"attempt": attempt, "streaming": streaming})
		log.Info("Reconnecting")

		if err := d.connectLocked(address); err != nil {
			d.setState(StateDisconnected)
			log.WithError(err).Warn("Reconnect failed")
			return err
		}
		if !streaming {
			return nil
		}
		if err := d.enableNotificationsLocked(); err != nil {
			log.WithError(err).Warn("Re-enabling notifications failed")
			d.dropLinkLocked()
			return err
		}
		if err := d.sendLocked("b"); err != nil {
			log.WithError(err).Warn("Restarting stream failed")
			d.dropLinkLocked()
			return err
		}

		d.resetDecoder.Store(true)
		d.settle()
		return nil
	})
	d.reconnecting.Store(false)

	if err != nil {
		if !errors.Is(err, errClosed) && ctx.Err() == nil {
			d.log().WithError(err).Error("Giving up on reconnect")
		}
		return
	}
	d.reconnects.Add(1)
	d.log().Info("Ganglion reconnected")

	// A drop that arrived before the flag was cleared found this loop still running.
	if d.linked.Load() && d.State() == StateDisconnected {
		d.startReconnect()
	}
}

// dropLinkLocked tears down a half-restored connection so the next attempt starts
// from a clean link.
func (d *Driver) dropLinkLocked() {
	if err := d.transport.Disconnect(); err != nil {
		d.log().WithError(err).Debug("Disconnect after failed reconnect")
	}
	d.setState(StateDisconnected)
}
