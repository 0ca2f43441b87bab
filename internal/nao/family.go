package nao

import (
	"context"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/connector"
	"github.com/HerbHall/robobridge/internal/protocol"
	"github.com/HerbHall/robobridge/pkg/models"
)

// Compile-time interface check.
var _ connector.Family = (*Family)(nil)

// Locator reports the robots currently announced.
type Locator interface {
	Detect(ctx context.Context) []models.Robot
}

// Family implements the NAO connector steps. The HAL is verified when the
// user connects; programs run synchronously during upload.
type Family struct {
	robot    models.NAO
	locator  Locator
	hal      *HAL
	deployer Deployer
	logger   *zap.Logger
}

// NewFamily creates the connector family for robot. locator may be nil to
// skip the presence check while waiting for the user.
func NewFamily(robot models.NAO, locator Locator, hal *HAL, deployer Deployer, logger *zap.Logger) *Family {
	return &Family{robot: robot, locator: locator, hal: hal, deployer: deployer, logger: logger}
}

func (f *Family) Robot() models.Robot { return f.robot }

func (f *Family) Open(context.Context) error {
	if f.robot.Address == "" {
		return connector.ErrDeviceNotFound
	}
	return nil
}

// Check fails once the robot stops announcing itself.
func (f *Family) Check(ctx context.Context) error {
	if f.locator == nil {
		return nil
	}
	for _, r := range f.locator.Detect(ctx) {
		if r.Key() == f.robot.Key() {
			return nil
		}
	}
	return &connector.DeviceError{Op: "check", Err: connector.ErrDeviceNotFound}
}

func (f *Family) PrepareConnect(ctx context.Context, src connector.HALSource) error {
	return f.hal.Verify(ctx, src)
}

func (f *Family) DeviceInfo(context.Context) (protocol.Payload, error) {
	return protocol.Payload{
		protocol.KeyFirmwareName:    "Nao",
		protocol.KeyRobot:           "nao",
		protocol.KeyFirmwareVersion: "2.1",
		protocol.KeyMacAddr:         "usb",
		protocol.KeyBrickName:       f.robot.Name(),
		protocol.KeyBattery:         "1.0",
	}, nil
}

func (f *Family) Upload(ctx context.Context, prog protocol.Program) error {
	files, err := f.hal.Files()
	if err != nil {
		return &connector.DeviceError{Op: "deploy", Err: err}
	}
	f.logger.Info("deploying program to NAO", zap.String("address", f.robot.Address), zap.String("file", prog.Name))
	if err := f.deployer.Deploy(ctx, f.robot.Address, files, prog); err != nil {
		return &connector.DeviceError{Op: "deploy", Err: err}
	}
	return nil
}

func (f *Family) Busy(context.Context) (bool, error) { return false, nil }

func (f *Family) Update(context.Context, connector.FirmwareSource) error {
	return connector.ErrUnsupported
}

func (f *Family) Close() error { return nil }
