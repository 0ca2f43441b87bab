package arduino

import (
	"context"

	"github.com/HerbHall/robobridge/internal/connector"
	"github.com/HerbHall/robobridge/internal/protocol"
	"github.com/HerbHall/robobridge/pkg/models"
)

// Compile-time interface check.
var _ connector.Family = (*Family)(nil)

// Locator reports the robots currently attached.
type Locator interface {
	Detect(ctx context.Context) []models.Robot
}

// Programmer writes a program to a board.
type Programmer interface {
	Flash(ctx context.Context, typ models.ArduinoType, port string, name string, prog []byte) error
}

// Family implements the Arduino connector steps. Programs run as soon as
// they are flashed, so the board is never busy; firmware updates do not
// apply.
type Family struct {
	robot      models.Arduino
	locator    Locator
	programmer Programmer
}

// NewFamily creates the connector family for robot.
func NewFamily(robot models.Arduino, locator Locator, programmer Programmer) *Family {
	return &Family{robot: robot, locator: locator, programmer: programmer}
}

func (f *Family) Robot() models.Robot { return f.robot }

func (f *Family) Open(ctx context.Context) error {
	if !f.present(ctx) {
		return connector.ErrDeviceNotFound
	}
	return nil
}

func (f *Family) Check(ctx context.Context) error {
	if !f.present(ctx) {
		return &connector.DeviceError{Op: "check", Err: connector.ErrDeviceNotFound}
	}
	return nil
}

func (f *Family) PrepareConnect(context.Context, connector.HALSource) error { return nil }

func (f *Family) DeviceInfo(context.Context) (protocol.Payload, error) {
	return protocol.Payload{
		protocol.KeyFirmwareName: string(f.robot.Type),
		protocol.KeyRobot:        string(f.robot.Type),
		protocol.KeyBrickName:    f.robot.Name(),
	}, nil
}

func (f *Family) Upload(ctx context.Context, prog protocol.Program) error {
	if err := f.programmer.Flash(ctx, f.robot.Type, f.robot.Port, prog.Name, prog.Data); err != nil {
		return &connector.DeviceError{Op: "flash", Err: err}
	}
	return nil
}

func (f *Family) Busy(context.Context) (bool, error) { return false, nil }

func (f *Family) Update(context.Context, connector.FirmwareSource) error {
	return connector.ErrUnsupported
}

func (f *Family) Close() error { return nil }

func (f *Family) present(ctx context.Context) bool {
	for _, r := range f.locator.Detect(ctx) {
		if r.Key() == f.robot.Key() {
			return true
		}
	}
	return false
}
