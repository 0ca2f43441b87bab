package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/agent"
	"github.com/HerbHall/robobridge/internal/arduino"
	"github.com/HerbHall/robobridge/internal/config"
	"github.com/HerbHall/robobridge/internal/control"
	"github.com/HerbHall/robobridge/internal/detect"
	"github.com/HerbHall/robobridge/internal/ev3"
	"github.com/HerbHall/robobridge/internal/event"
	"github.com/HerbHall/robobridge/internal/metrics"
	"github.com/HerbHall/robobridge/internal/nao"
	"github.com/HerbHall/robobridge/internal/protocol"
	"github.com/HerbHall/robobridge/internal/serialmon"
	"github.com/HerbHall/robobridge/internal/store"
	"github.com/HerbHall/robobridge/internal/version"
	"github.com/HerbHall/robobridge/pkg/events"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Detect robots and connect them to the server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd, flags)
		},
	}
}

// detectors holds the enabled robot detectors and their background loops.
type detectors struct {
	arduino *arduino.Detector
	ev3     *ev3.Detector
	nao     *nao.Detector
}

func (d detectors) list() []detect.Detector {
	var out []detect.Detector
	if d.arduino != nil {
		out = append(out, d.arduino)
	}
	if d.ev3 != nil {
		out = append(out, d.ev3)
	}
	if d.nao != nil {
		out = append(out, d.nao)
	}
	return out
}

func buildDetectors(s *config.Settings, bus events.EventBus, logger *zap.Logger) detectors {
	var d detectors
	if s.Arduino.Enabled {
		d.arduino = arduino.NewDetector(s.Arduino.IDFile, bus, logger.Named("arduino"))
	}
	if s.EV3.Enabled {
		var prober ev3.Prober
		if s.EV3.Ping {
			prober = ev3.NewICMPProber(s.EV3.Timeout)
		}
		brick := ev3.NewBrick(s.EV3.Address, s.EV3.Timeout, logger.Named("ev3"))
		d.ev3 = ev3.NewDetector(brick, prober, logger.Named("ev3"))
	}
	if s.NAO.Enabled {
		d.nao = nao.NewDetector(bus, logger.Named("nao"), s.NAO.BrowseInterval, s.NAO.MissedRounds)
	}
	return d
}

func runAgent(cmd *cobra.Command, flags *globalFlags) error {
	settings, logger, err := setup(flags)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("robobridge starting",
		zap.String("version", version.Short()),
		zap.String("server", settings.Server.Address),
	)

	bus := event.NewBus(logger.Named("event"))
	m := metrics.New()
	defer m.Subscribe(bus)()

	db, err := store.New(settings.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	history, err := store.NewHistory(ctx, db)
	if err != nil {
		return err
	}

	client := protocol.NewClient(settings.Server.Address, logger.Named("protocol"),
		protocol.WithDialTimeout(settings.Server.DialTimeout),
		protocol.WithRequestTimeout(settings.Server.RequestTimeout),
		protocol.WithHALVersion(settings.NAO.HALVersion),
		protocol.WithObserver(m.ObserveRequest),
	)

	dets := buildDetectors(settings, bus, logger)
	arbitrator := detect.New(dets.list(), bus, logger.Named("detect"),
		detect.WithInterval(settings.Detection.Interval),
		detect.WithHelpAfter(settings.Detection.HelpAfter),
	)

	families := &agent.Families{
		Programmer:  arduino.NewFlasher(settings.Arduino.Avrdude.Path, settings.Arduino.Avrdude.Conf, logger.Named("avrdude")),
		EV3Timeout:  settings.EV3.Timeout,
		EV3Firmware: settings.EV3.FirmwareFiles,
		HAL:         nao.NewHAL(settings.NAO.WorkDir, logger.Named("nao")),
		Deployer: nao.NewRemoteDeployer(nao.Login{
			Username: settings.NAO.Username,
			Password: settings.NAO.Password,
		}, settings.Server.DialTimeout, logger.Named("nao")),
		Logger: logger,
	}
	if dets.arduino != nil {
		families.ArduinoLocator = dets.arduino
	}
	if dets.nao != nil {
		families.NAOLocator = dets.nao
	}

	a := agent.New(agent.Config{
		SessionBackoff: settings.Agent.SessionBackoff,
		PollInterval:   settings.Connector.PollInterval,
	}, arbitrator, client, families, history, bus, logger.Named("agent"))

	serial := serialmon.NewManager(bus, logger.Named("serial"), settings.Serial.BaudRate, serialmon.OpenSerial)
	serial.Subscribe()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("component failed", zap.String("component", name), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				stop()
			}
		}()
	}

	if dets.arduino != nil && settings.Arduino.WatchIDFile {
		spawn("arduino id watcher", dets.arduino.Watch)
	}
	if dets.nao != nil {
		spawn("nao browser", func(ctx context.Context) error {
			dets.nao.Run(ctx)
			return nil
		})
	}
	spawn("serial monitor", func(ctx context.Context) error {
		serial.Run(ctx)
		return nil
	})
	if settings.Control.Listen != "" {
		opts := control.Options{
			History: history,
			Serial:  serial,
			Metrics: m.Handler(),
		}
		if dets.arduino != nil {
			opts.IDTable = dets.arduino
		}
		srv := control.New(settings.Control.Listen, a, bus, opts, logger.Named("control"))
		spawn("control API", srv.Run)
	}
	spawn("agent", a.Run)

	logger.Info("robobridge ready")
	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	logger.Info("robobridge stopped")
	return errors.Join(errs...)
}
