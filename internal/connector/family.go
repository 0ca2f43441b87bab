package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/HerbHall/robobridge/internal/protocol"
	"github.com/HerbHall/robobridge/pkg/models"
)

var (
	// ErrDeviceNotFound keeps the connector in DISCOVER.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrUnsupported is returned by families that do not implement an
	// optional step.
	ErrUnsupported = errors.New("not supported by this robot family")
	// ErrTokenTimeout is reported when the server drops an unclaimed token.
	ErrTokenTimeout = errors.New("registration token timed out")
)

// DeviceError wraps a failure talking to the robot itself.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("device %s: %v", e.Op, e.Err) }

func (e *DeviceError) Unwrap() error { return e.Err }

// HALSource provides the NAO hardware abstraction layer archive.
type HALSource interface {
	HALChecksum(ctx context.Context) (string, error)
	DownloadHAL(ctx context.Context) ([]byte, error)
}

// FirmwareSource provides firmware files by name.
type FirmwareSource interface {
	DownloadFirmware(ctx context.Context, name string) (protocol.Program, error)
}

// Server is the programming server as seen by the connector.
type Server interface {
	HALSource
	FirmwareSource
	Push(ctx context.Context, p protocol.Payload) (protocol.Response, error)
	DownloadProgram(ctx context.Context, p protocol.Payload) (protocol.Program, error)
	Address() string
}

// Family supplies the robot specific steps of a connector session. All
// methods are called from the connector goroutine only.
type Family interface {
	Robot() models.Robot
	// Open prepares the device communicator. ErrDeviceNotFound means the
	// robot is gone.
	Open(ctx context.Context) error
	// Check runs while waiting for the user to connect. A non-nil error
	// sends the connector back to DISCOVER without an error state.
	Check(ctx context.Context) error
	// PrepareConnect runs once after the user pressed connect, before the
	// device registers.
	PrepareConnect(ctx context.Context, hal HALSource) error
	// DeviceInfo returns the brick data sent with every push.
	DeviceInfo(ctx context.Context) (protocol.Payload, error)
	// Upload transfers and starts a program.
	Upload(ctx context.Context, prog protocol.Program) error
	// Busy reports whether the last uploaded program is still running.
	Busy(ctx context.Context) (bool, error)
	// Update handles the server's update command. ErrUnsupported makes it
	// a no-op.
	Update(ctx context.Context, fw FirmwareSource) error
	Close() error
}
