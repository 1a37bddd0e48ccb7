package link

import (
	"context"
	"fmt"
	"io"
	"sort"

	"go.bug.st/serial"

	"github.com/teslashibe/fanbridge/internal/log"
)

// SerialConfig configures a serial link.
type SerialConfig struct {
	Port      string
	BaudRate  int
	QueueSize int
}

// Serial is a device on a serial port, 8N1.
type Serial struct {
	*stream
	cfg  SerialConfig
	open func() (io.ReadWriteCloser, error)
}

// NewSerial creates a serial link. The port is opened by Run.
func NewSerial(cfg SerialConfig) *Serial {
	s := &Serial{
		stream: newStream(cfg.QueueSize, log.Component("link").With("transport", "serial", "port", cfg.Port)),
		cfg:    cfg,
	}
	s.open = s.openPort
	return s
}

func (s *Serial) openPort() (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", s.cfg.Port, err)
	}
	return port, nil
}

// Run opens the port and pumps it until the port fails or ctx is done.
// The port is not reopened.
func (s *Serial) Run(ctx context.Context) error {
	port, err := s.open()
	if err != nil {
		return err
	}
	s.logger.Info("serial port opened", "baud", s.cfg.BaudRate)

	err = s.serve(ctx, port)
	if err != nil {
		s.logger.Error("serial port closed with error", "error", err)
		return fmt.Errorf("link: serial %s: %w", s.cfg.Port, err)
	}
	s.logger.Info("serial port closed")
	return nil
}

// Transport returns "serial".
func (s *Serial) Transport() string {
	return "serial"
}

// Close closes the port.
func (s *Serial) Close() error {
	return s.closeActive()
}

// Stats returns link counters.
func (s *Serial) Stats() Stats {
	return s.stats()
}

// Ports lists the serial ports present on this machine, sorted.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("link: list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
