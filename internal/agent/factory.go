package agent

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/arduino"
	"github.com/HerbHall/robobridge/internal/connector"
	"github.com/HerbHall/robobridge/internal/ev3"
	"github.com/HerbHall/robobridge/internal/nao"
	"github.com/HerbHall/robobridge/pkg/models"
)

// Families builds connector families from the device collaborators of
// each robot kind. A kind whose collaborators are missing is disabled.
type Families struct {
	ArduinoLocator arduino.Locator
	Programmer     arduino.Programmer

	EV3Timeout  time.Duration
	EV3Firmware []string

	NAOLocator nao.Locator
	HAL        *nao.HAL
	Deployer   nao.Deployer

	Logger *zap.Logger
}

// Family implements Factory.
func (f *Families) Family(robot models.Robot) (connector.Family, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch r := robot.(type) {
	case models.Arduino:
		if f.ArduinoLocator == nil || f.Programmer == nil {
			return nil, fmt.Errorf("arduino support: %w", connector.ErrUnsupported)
		}
		return arduino.NewFamily(r, f.ArduinoLocator, f.Programmer), nil
	case models.EV3:
		brick := ev3.NewBrick(r.Address, f.EV3Timeout, logger.Named("ev3"))
		return ev3.NewFamily(r, brick, f.EV3Firmware, logger.Named("ev3")), nil
	case models.NAO:
		if f.HAL == nil || f.Deployer == nil {
			return nil, fmt.Errorf("nao support: %w", connector.ErrUnsupported)
		}
		return nao.NewFamily(r, f.NAOLocator, f.HAL, f.Deployer, logger.Named("nao")), nil
	default:
		return nil, fmt.Errorf("unknown robot kind %q", robot.Kind())
	}
}
