package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

const defaultRescanInterval = 2 * time.Second

// foldString case-folds s. A Caser is stateful, so each call gets its own.
func foldString(s string) string {
	return cases.Fold().String(s)
}

// SerialScanner advertises serial ports. Wireless dispenser bridges (RFCOMM, BLE UART)
// show up as serial ports, so a scan is repeated enumeration for the scan window.
type SerialScanner struct {
	serviceMatch string
	interval     time.Duration
	list         func() ([]*enumerator.PortDetails, error)
	logger       *zap.Logger
}

// NewSerialScanner returns a scanner. Ports whose name or product contains
// serviceMatch (case-insensitive) are flagged as offering the dispenser service;
// an empty serviceMatch flags every port.
func NewSerialScanner(serviceMatch string, interval time.Duration, logger *zap.Logger) *SerialScanner {
	if interval <= 0 {
		interval = defaultRescanInterval
	}
	return &SerialScanner{
		serviceMatch: foldString(strings.TrimSpace(serviceMatch)),
		interval:     interval,
		list:         enumerator.GetDetailedPortsList,
		logger:       logger,
	}
}

// Scan implements Scanner.
func (s *SerialScanner) Scan(ctx context.Context) (<-chan Descriptor, error) {
	if _, err := s.list(); err != nil {
		return nil, fmt.Errorf("device: enumerate ports: %w", err)
	}

	out := make(chan Descriptor)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			ports, err := s.list()
			if err != nil {
				s.logger.Warn("serial enumeration failed", zap.Error(err))
			}
			for _, p := range ports {
				select {
				case out <- s.describe(p):
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (s *SerialScanner) describe(p *enumerator.PortDetails) Descriptor {
	label := strings.TrimSpace(p.Product)
	if label == "" && p.IsUSB {
		label = fmt.Sprintf("usb %s:%s", p.VID, p.PID)
	}
	offers := s.serviceMatch == "" ||
		strings.Contains(foldString(p.Name), s.serviceMatch) ||
		strings.Contains(foldString(label), s.serviceMatch)
	return Descriptor{
		Name:          p.Name,
		Label:         label,
		OffersService: offers,
	}
}

// SerialDialer opens serial ports in 8N1 mode.
type SerialDialer struct {
	baudRate int
}

// NewSerialDialer returns a dialer for the given baud rate.
func NewSerialDialer(baudRate int) *SerialDialer {
	if baudRate <= 0 {
		baudRate = 9600
	}
	return &SerialDialer{baudRate: baudRate}
}

// Open implements Dialer. serial.Open is not cancellable, so a port that opens
// after ctx is done is closed in the background.
func (d *SerialDialer) Open(ctx context.Context, desc Descriptor) (Port, error) {
	mode := &serial.Mode{
		BaudRate: d.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	type result struct {
		port serial.Port
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := serial.Open(desc.Name, mode)
		ch <- result{port: p, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open %s: %w", desc.Name, r.err)
		}
		if err := r.port.ResetInputBuffer(); err != nil {
			_ = r.port.Close()
			return nil, fmt.Errorf("reset %s: %w", desc.Name, err)
		}
		return r.port, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.port != nil {
				_ = r.port.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
