// Package serialmon streams the serial output of a connected board onto
// the event bus.
package serialmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/pkg/events"
)

const (
	readTimeout = 200 * time.Millisecond
	bufferSize  = 4096
)

// Port is the part of a serial port the monitor uses.
type Port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

// OpenFunc opens a serial port by name at the given baud rate.
type OpenFunc func(name string, baud int) (Port, error)

// OpenSerial opens a real serial port. name is given without the /dev/
// prefix.
func OpenSerial(name string, baud int) (Port, error) {
	if runtime.GOOS != "windows" && !strings.HasPrefix(name, "/") {
		name = "/dev/" + name
	}
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", name, err)
	}
	return p, nil
}

// Monitor reads one port and publishes what it reads.
type Monitor struct {
	port   string
	baud   int
	open   OpenFunc
	bus    events.EventBus
	logger *zap.Logger
}

// NewMonitor creates a monitor for port. open defaults to OpenSerial.
func NewMonitor(port string, baud int, open OpenFunc, bus events.EventBus, logger *zap.Logger) *Monitor {
	if open == nil {
		open = OpenSerial
	}
	return &Monitor{port: port, baud: baud, open: open, bus: bus, logger: logger}
}

// Run streams until ctx is cancelled or the port fails. Cancellation is
// checked after every read, which returns at least every 200ms.
func (m *Monitor) Run(ctx context.Context) error {
	if m.baud <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", m.baud)
	}
	p, err := m.open(m.port, m.baud)
	if err != nil {
		return err
	}
	defer p.Close()
	if err := p.SetReadTimeout(readTimeout); err != nil {
		return fmt.Errorf("set serial read timeout: %w", err)
	}
	m.logger.Info("serial monitor started", zap.String("port", m.port), zap.Int("baud", m.baud))

	buf := make([]byte, bufferSize)
	for ctx.Err() == nil {
		n, err := p.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			_ = m.bus.Publish(ctx, events.New(events.TopicSerialData, "serial", events.SerialData{Port: m.port, Data: chunk}))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				break
			}
			return fmt.Errorf("read serial port %q: %w", m.port, err)
		}
	}
	m.logger.Info("serial monitor stopped", zap.String("port", m.port))
	return nil
}
