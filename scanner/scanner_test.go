package scanner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
	"go.bug.st/serial/enumerator"

	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/transport/goble"
	"github.com/srg/biolink/scanner"
)

type advertisement struct {
	ble.Advertisement
	addr string
	name string
	rssi int
}

func (a advertisement) Addr() ble.Addr    { return ble.NewAddr(a.addr) }
func (a advertisement) LocalName() string { return a.name }
func (a advertisement) RSSI() int         { return a.rssi }
func (a advertisement) Connectable() bool { return true }

type scanDevice struct {
	ble.Device
	adverts []advertisement
	scanErr error
	stopped bool
}

func (d *scanDevice) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	if d.scanErr != nil {
		return d.scanErr
	}
	for _, adv := range d.adverts {
		h(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *scanDevice) Stop() error {
	d.stopped = true
	return nil
}

type ScannerTestSuite struct {
	suite.Suite
	logger      *logrus.Logger
	device      *scanDevice
	ports       []*enumerator.PortDetails
	origDevice  func() (ble.Device, error)
	origLister  func() ([]*enumerator.PortDetails, error)
	fastOptions *scanner.ScanOptions
}

func (s *ScannerTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)

	s.device = &scanDevice{adverts: []advertisement{
		{addr: "C4:5A:00:00:00:01", name: "Ganglion-4a1b", rssi: -60},
		{addr: "00:11:22:33:44:55", name: "Polar H10", rssi: -40},
		{addr: "c4:5a:00:00:00:01", rssi: -55},
		{addr: "C4:5A:00:00:00:02", name: "ganglion-77aa", rssi: -70},
	}}
	s.ports = []*enumerator.PortDetails{
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6015", SerialNumber: "DM00XYZ", Product: "FT231X USB UART"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043"},
		{Name: "/dev/ttyS0"},
	}

	s.origDevice = goble.DeviceFactory
	s.origLister = scanner.PortLister
	goble.DeviceFactory = func() (ble.Device, error) { return s.device, nil }
	scanner.PortLister = func() ([]*enumerator.PortDetails, error) { return s.ports, nil }

	s.fastOptions = scanner.DefaultScanOptions()
	s.fastOptions.Duration = 50 * time.Millisecond
}

func (s *ScannerTestSuite) TearDownTest() {
	goble.DeviceFactory = s.origDevice
	scanner.PortLister = s.origLister
}

func (s *ScannerTestSuite) TestDefaultScanOptions() {
	opts := scanner.DefaultScanOptions()

	s.Equal(10*time.Second, opts.Duration)
	s.True(opts.DuplicateFilter)
	s.Equal("ganglion", opts.NameFilter)
	s.Nil(opts.AllowList)
	s.Nil(opts.BlockList)
	s.False(opts.AllPorts)
}

func (s *ScannerTestSuite) TestScanFindsBoards() {
	// GOAL: Verify a scan reports Cyton dongles and Ganglions and nothing else
	//
	// TEST SCENARIO: three ports + four adverts → one dongle, two ganglions, repeat advert merged
	var phases []string
	found, err := scanner.NewScanner(s.logger).Scan(context.Background(), s.fastOptions, func(p string) {
		phases = append(phases, p)
	})
	s.Require().NoError(err)
	s.Equal([]string{"Listing serial ports", "Scanning", "Processing results"}, phases)
	s.True(s.device.stopped, "the scan device MUST be released")

	s.Require().Len(found, 3)

	s.Equal(board.CytonBoard, found[0].Board)
	s.Equal(scanner.TransportSerial, found[0].Transport)
	s.Equal("/dev/ttyUSB0", found[0].Address)
	s.Equal("DM00XYZ", found[0].SerialNumber)
	s.Equal(board.InputParams{SerialPort: "/dev/ttyUSB0"}, found[0].Params())

	s.Equal(board.GanglionBoard, found[1].Board)
	s.Equal("c4:5a:00:00:00:01", found[1].Address)
	s.Equal("Ganglion-4a1b", found[1].Name, "a nameless repeat MUST keep the earlier name")
	s.Equal(-55, found[1].RSSI, "a repeat MUST refresh RSSI")
	s.Equal(board.InputParams{MACAddress: "c4:5a:00:00:00:01"}, found[1].Params())

	s.Equal("c4:5a:00:00:00:02", found[2].Address)
}

func (s *ScannerTestSuite) TestFilters() {
	s.Run("block list hides a board", func() {
		opts := *s.fastOptions
		opts.BlockList = []string{"C4:5A:00:00:00:02", "/dev/ttyUSB0"}

		found, err := scanner.NewScanner(s.logger).Scan(context.Background(), &opts, nil)
		s.Require().NoError(err)
		s.Require().Len(found, 1)
		s.Equal("c4:5a:00:00:00:01", found[0].Address)
	})

	s.Run("allow list keeps only listed boards", func() {
		opts := *s.fastOptions
		opts.AllowList = []string{"c4:5a:00:00:00:02"}

		found, err := scanner.NewScanner(s.logger).Scan(context.Background(), &opts, nil)
		s.Require().NoError(err)
		s.Require().Len(found, 1)
		s.Equal("c4:5a:00:00:00:02", found[0].Address)
	})

	s.Run("empty name filter accepts every advertiser", func() {
		opts := *s.fastOptions
		opts.NameFilter = ""

		found, err := scanner.NewScanner(s.logger).Scan(context.Background(), &opts, nil)
		s.Require().NoError(err)
		s.Len(found, 4)
	})

	s.Run("all ports lists non-dongle ports", func() {
		opts := *s.fastOptions
		opts.AllPorts = true
		opts.Duration = 0

		found, err := scanner.NewScanner(s.logger).Scan(context.Background(), &opts, nil)
		s.Require().NoError(err)
		s.Len(found, 3)
		for _, c := range found {
			s.Equal(scanner.TransportSerial, c.Transport)
		}
	})
}

func (s *ScannerTestSuite) TestEvents() {
	sc := scanner.NewScanner(s.logger)
	_, err := sc.Scan(context.Background(), s.fastOptions, nil)
	s.Require().NoError(err)

	var news, updates int
	for {
		select {
		case ev := <-sc.Events():
			if ev.Type == scanner.EventNew {
				news++
			} else {
				updates++
			}
			continue
		default:
		}
		break
	}
	s.Equal(3, news)
	s.Equal(1, updates)
}

func (s *ScannerTestSuite) TestFailures() {
	s.Run("scan error is normalized", func() {
		s.device.scanErr = errors.New("can't init hci: no devices available")
		defer func() { s.device.scanErr = nil }()

		_, err := scanner.NewScanner(s.logger).Scan(context.Background(), s.fastOptions, nil)
		s.ErrorIs(err, goble.ErrBluetoothOff)
	})

	s.Run("port enumeration failure does not abort the BLE scan", func() {
		scanner.PortLister = func() ([]*enumerator.PortDetails, error) { return nil, errors.New("no sysfs") }

		found, err := scanner.NewScanner(s.logger).Scan(context.Background(), s.fastOptions, nil)
		s.Require().NoError(err)
		s.Len(found, 2)
	})
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}
