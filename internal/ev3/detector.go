package ev3

import (
	"context"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/protocol"
	"github.com/HerbHall/robobridge/pkg/models"
)

// Detector reports the brick when it answers and is idle. A brick that is
// running a program cannot be taken over and is not reported.
type Detector struct {
	brick  *Brick
	prober Prober
	logger *zap.Logger
}

// NewDetector creates a detector for brick. prober may be nil to skip the
// reachability probe.
func NewDetector(brick *Brick, prober Prober, logger *zap.Logger) *Detector {
	return &Detector{brick: brick, prober: prober, logger: logger}
}

// Name implements detect.Detector.
func (d *Detector) Name() string { return "ev3" }

// Detect returns the brick or nothing.
func (d *Detector) Detect(ctx context.Context) []models.Robot {
	if d.prober != nil && !d.prober.Reachable(ctx, d.brick.Address()) {
		return nil
	}
	running, err := d.brick.IsRunning(ctx)
	if err != nil {
		return nil
	}
	if running {
		d.logger.Info("EV3 is executing a program", zap.String("address", d.brick.Address()))
		return nil
	}

	robot := models.EV3{Address: d.brick.Address()}
	if info, err := d.brick.Info(ctx); err == nil {
		if name, ok := info[protocol.KeyBrickName].(string); ok {
			robot.BrickName = name
		}
	}
	return []models.Robot{robot}
}
