// Package scanner discovers boards the drivers can open: Ganglions advertising over
// BLE and Cyton dongles enumerated as USB serial ports.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial/enumerator"

	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/board/ganglion"
	"github.com/srg/biolink/internal/ringchan"
	"github.com/srg/biolink/internal/transport/goble"
)

// USB ids of the FTDI bridge on the Cyton dongle.
const (
	CytonDongleVID = "0403"
	CytonDonglePID = "6015"
)

// PortLister enumerates serial ports (can be overridden in tests).
//
//nolint:revive // PortLister name is intentional for test mocking
var PortLister = enumerator.GetDetailedPortsList

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// EventType marks if a candidate was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

type Event struct {
	Type      EventType
	Candidate Candidate
}

// Candidate is a board found during a scan. Address is the MAC for BLE boards and
// the port path for serial ones.
type Candidate struct {
	Board        board.Kind `json:"board"`
	Transport    string     `json:"transport"`
	Address      string     `json:"address"`
	Name         string     `json:"name,omitempty"`
	RSSI         int        `json:"rssi,omitempty"`
	Connectable  bool       `json:"connectable,omitempty"`
	SerialNumber string     `json:"serial_number,omitempty"`
	LastSeen     time.Time  `json:"-"`
}

// Params returns the input params that open this candidate.
func (c Candidate) Params() board.InputParams {
	if c.Transport == TransportSerial {
		return board.InputParams{SerialPort: c.Address}
	}
	return board.InputParams{MACAddress: c.Address}
}

const (
	TransportBLE    = "ble"
	TransportSerial = "serial"
)

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// NameFilter is matched case-insensitively against the advertised name.
	NameFilter string
	AllowList  []string
	BlockList  []string
	// AllPorts lists every serial port, not only Cyton dongles.
	AllPorts bool
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
		NameFilter:      ganglion.DefaultNameFilter,
	}
}

// Scanner handles board discovery
type Scanner struct {
	candidates *hashmap.Map[string, Candidate]
	events     *ringchan.RingChannel[Event]
	logger     *logrus.Logger
	opts       *ScanOptions
}

// NewScanner creates a new Scanner
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		candidates: hashmap.New[string, Candidate](),
		events:     ringchan.NewRingChannel[Event](100),
		logger:     logger,
	}
}

// Scan lists serial dongles, then listens for BLE advertisements for
// opts.Duration. Results are sorted by transport and address.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progress ProgressCallback) ([]Candidate, error) {
	s.candidates = hashmap.New[string, Candidate]()
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}
	s.opts = opts
	defer func() {
		s.opts = nil
	}()

	progress("Listing serial ports")
	if err := s.scanSerial(opts); err != nil {
		s.logger.WithError(err).Warn("Serial port enumeration failed")
	}

	progress("Scanning")
	if err := s.scanBLE(ctx, opts); err != nil {
		return nil, err
	}

	progress("Processing results")
	out := make([]Candidate, 0, s.candidates.Len())
	s.candidates.Range(func(_ string, c Candidate) bool {
		out = append(out, c)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Transport != out[j].Transport {
			return out[i].Transport > out[j].Transport
		}
		return out[i].Address < out[j].Address
	})

	s.logger.WithField("candidates", len(out)).Info("Scan completed")
	return out, nil
}

func (s *Scanner) scanSerial(opts *ScanOptions) error {
	ports, err := PortLister()
	if err != nil {
		return fmt.Errorf("failed to list serial ports: %w", err)
	}
	for _, p := range ports {
		dongle := p.IsUSB && strings.EqualFold(p.VID, CytonDongleVID) && strings.EqualFold(p.PID, CytonDonglePID)
		if !dongle && !opts.AllPorts {
			continue
		}
		c := Candidate{
			Board:        board.CytonBoard,
			Transport:    TransportSerial,
			Address:      p.Name,
			Name:         p.Product,
			SerialNumber: p.SerialNumber,
			LastSeen:     time.Now(),
		}
		if !s.allowed(c.Address, opts) {
			continue
		}
		s.upsert(c)
	}
	return nil
}

func (s *Scanner) scanBLE(ctx context.Context, opts *ScanOptions) error {
	if opts.Duration <= 0 {
		return nil
	}
	dev, err := goble.DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", goble.NormalizeError(err))
	}
	defer func() {
		if err := dev.Stop(); err != nil {
			s.logger.WithError(err).Debug("Failed to stop BLE device")
		}
	}()

	scanCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	err = dev.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", goble.NormalizeError(err))
	}
	return nil
}

// handleAdvertisement updates an existing or adds a new candidate
func (s *Scanner) handleAdvertisement(adv ble.Advertisement) {
	opts := s.opts
	if opts == nil {
		return
	}
	addr := strings.ToLower(adv.Addr().String())
	name := adv.LocalName()

	if prev, ok := s.candidates.Get(candidateKey(TransportBLE, addr)); ok {
		if name == "" {
			name = prev.Name
		}
	} else if !s.matches(addr, name, opts) {
		return
	}

	s.upsert(Candidate{
		Board:       board.GanglionBoard,
		Transport:   TransportBLE,
		Address:     addr,
		Name:        name,
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		LastSeen:    time.Now(),
	})
}

func (s *Scanner) matches(addr, name string, opts *ScanOptions) bool {
	if opts.NameFilter != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(opts.NameFilter)) {
		return false
	}
	return s.allowed(addr, opts)
}

// allowed applies the allow and block lists.
func (s *Scanner) allowed(addr string, opts *ScanOptions) bool {
	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}
	if len(opts.AllowList) == 0 {
		return true
	}
	for _, a := range opts.AllowList {
		if strings.EqualFold(addr, a) {
			return true
		}
	}
	return false
}

func candidateKey(transport, addr string) string {
	return transport + "/" + addr
}

func (s *Scanner) upsert(c Candidate) {
	key := candidateKey(c.Transport, c.Address)
	_, existing := s.candidates.Get(key)
	s.candidates.Set(key, c)

	event := Event{Type: EventUpdated, Candidate: c}
	if !existing {
		s.logger.WithFields(logrus.Fields{
			"board":   c.Board,
			"address": c.Address,
			"name":    c.Name,
			"rssi":    c.RSSI,
		}).Info("Discovered new board")
		event.Type = EventNew
	}
	s.events.Send(event)
}

// Events return a read-only channel of discovery events
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}
