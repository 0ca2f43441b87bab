package arduino

import (
	"context"
	"errors"
	"fmt"
)

// USBDevice is a USB device that exposes a serial port.
type USBDevice struct {
	VendorID  string
	ProductID string
	// Port is the serial port name without the /dev/ prefix.
	Port string
}

// Enumerator lists USB serial devices.
type Enumerator interface {
	Devices(ctx context.Context) ([]USBDevice, error)
}

// EnumeratorFunc adapts a function to Enumerator.
type EnumeratorFunc func(ctx context.Context) ([]USBDevice, error)

func (f EnumeratorFunc) Devices(ctx context.Context) ([]USBDevice, error) { return f(ctx) }

// fallbackEnumerator tries each enumerator until one succeeds.
type fallbackEnumerator []Enumerator

func (f fallbackEnumerator) Devices(ctx context.Context) ([]USBDevice, error) {
	var errs []error
	for _, e := range f {
		devices, err := e.Devices(ctx)
		if err == nil {
			return devices, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("enumerate usb devices: %w", errors.Join(errs...))
}

// DefaultEnumerator returns the enumerator for the running OS, backed by
// the serial port enumerator when the native mechanism is unavailable.
func DefaultEnumerator() Enumerator {
	return fallbackEnumerator{platformEnumerator(), portsEnumerator{}}
}
