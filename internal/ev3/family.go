package ev3

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/connector"
	"github.com/HerbHall/robobridge/internal/protocol"
	"github.com/HerbHall/robobridge/pkg/models"
)

// Compile-time interface check.
var _ connector.Family = (*Family)(nil)

// Family implements the EV3 connector steps against the brick client.
type Family struct {
	robot    models.EV3
	brick    *Brick
	firmware []string
	logger   *zap.Logger
}

// NewFamily creates the connector family for robot. firmware lists the
// files fetched from the server on an update command.
func NewFamily(robot models.EV3, brick *Brick, firmware []string, logger *zap.Logger) *Family {
	return &Family{robot: robot, brick: brick, firmware: firmware, logger: logger}
}

func (f *Family) Robot() models.Robot { return f.robot }

func (f *Family) Open(ctx context.Context) error {
	if _, err := f.brick.IsRunning(ctx); err != nil {
		return fmt.Errorf("%w: %v", connector.ErrDeviceNotFound, err)
	}
	return nil
}

func (f *Family) Check(ctx context.Context) error {
	if _, err := f.brick.IsRunning(ctx); err != nil {
		return &connector.DeviceError{Op: "check", Err: err}
	}
	return nil
}

func (f *Family) PrepareConnect(context.Context, connector.HALSource) error { return nil }

func (f *Family) DeviceInfo(ctx context.Context) (protocol.Payload, error) {
	info, err := f.brick.Info(ctx)
	if err != nil {
		return nil, &connector.DeviceError{Op: "info", Err: err}
	}
	if _, ok := info[protocol.KeyBrickName]; !ok {
		info[protocol.KeyBrickName] = f.robot.Name()
	}
	return info, nil
}

func (f *Family) Upload(ctx context.Context, prog protocol.Program) error {
	if err := f.brick.Upload(ctx, prog); err != nil {
		return &connector.DeviceError{Op: "upload", Err: err}
	}
	return nil
}

func (f *Family) Busy(ctx context.Context) (bool, error) {
	running, err := f.brick.IsRunning(ctx)
	if err != nil {
		return false, &connector.DeviceError{Op: "status", Err: err}
	}
	return running, nil
}

// Update replaces the brick firmware with the configured files from the
// server and restarts the brick. Nothing is restarted unless every file
// was stored.
func (f *Family) Update(ctx context.Context, src connector.FirmwareSource) error {
	if len(f.firmware) == 0 {
		return errors.New("no firmware files configured")
	}
	for _, name := range f.firmware {
		file, err := src.DownloadFirmware(ctx, name)
		if err != nil {
			return fmt.Errorf("download firmware %s: %w", name, err)
		}
		if err := f.brick.StoreFirmware(ctx, file); err != nil {
			return &connector.DeviceError{Op: "store firmware " + name, Err: err}
		}
		f.logger.Info("firmware file stored", zap.String("file", file.Name), zap.Int("bytes", len(file.Data)))
	}
	if err := f.brick.Restart(ctx); err != nil {
		return &connector.DeviceError{Op: "restart", Err: err}
	}
	return nil
}

func (f *Family) Close() error {
	f.brick.http.CloseIdleConnections()
	return nil
}
