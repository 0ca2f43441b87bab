// Package agent runs the orchestration loop: detect a robot, start a
// connector session for it, and start over when the session ends. It is
// also the control surface a user interface talks to.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/robobridge/internal/connector"
	"github.com/HerbHall/robobridge/internal/store"
	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

// ErrNoSession is returned by controls that need a running connector.
var ErrNoSession = errors.New("no robot session is running")

// Arbitrator chooses the robot to connect to.
type Arbitrator interface {
	Reset()
	Resolve(ctx context.Context) (models.Robot, error)
	SelectKey(key string) error
	Candidates() []models.Robot
}

// Server is the programming server client shared by all sessions.
type Server interface {
	connector.Server
	SetAddress(address string)
	ResetAddress()
}

// Factory builds the connector family for a robot.
type Factory interface {
	Family(robot models.Robot) (connector.Family, error)
}

// Recorder keeps the address and session history. It is optional.
type Recorder interface {
	RecordAddress(ctx context.Context, address string) error
	StartSession(ctx context.Context, rec store.SessionRecord) error
	SetSessionState(ctx context.Context, id, state string) error
	EndSession(ctx context.Context, id, errMsg string) error
}

// Config holds the agent timings.
type Config struct {
	// SessionBackoff is the minimum spacing between two sessions.
	SessionBackoff time.Duration
	// PollInterval is handed to every connector.
	PollInterval time.Duration
}

// Snapshot is the agent state as last announced on the bus.
type Snapshot struct {
	State         models.State       `json:"state"`
	Token         string             `json:"token,omitempty"`
	Session       string             `json:"session,omitempty"`
	Robot         *models.RobotInfo  `json:"robot,omitempty"`
	Candidates    []models.RobotInfo `json:"candidates"`
	ServerAddress string             `json:"server_address"`
	CustomAddress bool               `json:"custom_address"`
}

// Agent runs one connector session at a time.
type Agent struct {
	cfg        Config
	arbitrator Arbitrator
	server     Server
	factory    Factory
	recorder   Recorder
	bus        events.EventBus
	logger     *zap.Logger

	mu       sync.Mutex
	current  *connector.Connector
	snapshot Snapshot
}

// New creates an agent. recorder may be nil.
func New(cfg Config, arbitrator Arbitrator, server Server, factory Factory, recorder Recorder, bus events.EventBus, logger *zap.Logger) *Agent {
	if cfg.SessionBackoff <= 0 {
		cfg.SessionBackoff = time.Second
	}
	return &Agent{
		cfg:        cfg,
		arbitrator: arbitrator,
		server:     server,
		factory:    factory,
		recorder:   recorder,
		bus:        bus,
		logger:     logger,
		snapshot: Snapshot{
			State:         models.StateDiscover,
			Candidates:    []models.RobotInfo{},
			ServerAddress: server.Address(),
		},
	}
}

// Run detects robots and drives sessions until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	unsubscribe := []func(){
		a.bus.Subscribe(events.TopicStateChanged, a.onStateChanged),
		a.bus.Subscribe(events.TopicRobotsDetected, a.onRobotsDetected),
	}
	defer func() {
		for _, u := range unsubscribe {
			u()
		}
	}()

	a.logger.Info("agent started", zap.String("server", a.server.Address()))
	limiter := rate.NewLimiter(rate.Every(a.cfg.SessionBackoff), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		a.arbitrator.Reset()
		robot, err := a.arbitrator.Resolve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			a.logger.Warn("robot detection failed", zap.Error(err))
			continue
		}
		if err := a.session(ctx, robot); err != nil {
			a.logger.Error("session failed", zap.String("robot", robot.Key()), zap.Error(err))
		}
	}

	a.logger.Info("agent stopped")
	return nil
}

// session runs one connector for robot until it is interrupted or ctx ends.
func (a *Agent) session(ctx context.Context, robot models.Robot) error {
	family, err := a.factory.Family(robot)
	if err != nil {
		return fmt.Errorf("build %s family: %w", robot.Kind(), err)
	}

	opts := []connector.Option{}
	if a.cfg.PollInterval > 0 {
		opts = append(opts, connector.WithPollInterval(a.cfg.PollInterval))
	}
	conn := connector.New(family, a.server, a.bus, a.logger.Named("connector"), opts...)
	id := conn.Session().String()

	a.mu.Lock()
	a.current = conn
	info := models.Describe(robot)
	a.snapshot.Robot = &info
	a.snapshot.Session = id
	a.mu.Unlock()

	a.logger.Info("session started", zap.String("session", id), zap.String("robot", robot.Key()))
	a.record(func(r Recorder) error {
		return r.StartSession(ctx, store.SessionRecord{
			ID:        id,
			Robot:     robot.Key(),
			RobotName: robot.Name(),
			Server:    a.server.Address(),
		})
	})
	a.publish(ctx, events.TopicSessionStarted, events.Session{ID: conn.Session(), Robot: robot})

	runErr := conn.Run(ctx)

	a.mu.Lock()
	a.current = nil
	a.snapshot.Robot = nil
	a.snapshot.Session = ""
	a.snapshot.Token = ""
	a.snapshot.State = models.StateDiscover
	a.mu.Unlock()

	ended := events.Session{ID: conn.Session(), Robot: robot}
	if runErr != nil {
		ended.Err = runErr.Error()
	}
	// The session may end because ctx did; the final bookkeeping still
	// needs to happen.
	endCtx := context.WithoutCancel(ctx)
	a.publish(endCtx, events.TopicSessionEnded, ended)
	a.record(func(r Recorder) error { return r.EndSession(endCtx, id, ended.Err) })
	a.logger.Info("session ended", zap.String("session", id))
	return runErr
}

// SelectRobot chooses among several detected robots by key.
func (a *Agent) SelectRobot(key string) error {
	return a.arbitrator.SelectKey(key)
}

// Connect presses the connect button of the running session.
func (a *Agent) Connect() error {
	conn := a.connector()
	if conn == nil {
		return ErrNoSession
	}
	conn.PressConnect()
	return nil
}

// Disconnect drops the server registration of the running session.
func (a *Agent) Disconnect() error {
	conn := a.connector()
	if conn == nil {
		return ErrNoSession
	}
	conn.PressDisconnect()
	return nil
}

// Rescan ends the running session so detection starts over.
func (a *Agent) Rescan() {
	if conn := a.connector(); conn != nil {
		conn.Interrupt()
	}
}

// SetServerAddress switches to a custom server given as host:port and
// remembers it in the address history.
func (a *Agent) SetServerAddress(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return errors.New("server address must not be empty")
	}
	if strings.Contains(address, "://") {
		return fmt.Errorf("server address %q must not contain a scheme", address)
	}
	a.server.SetAddress(address)
	a.record(func(r Recorder) error { return r.RecordAddress(ctx, address) })
	a.addressChanged(ctx, true)
	return nil
}

// ResetServerAddress returns to the configured server.
func (a *Agent) ResetServerAddress(ctx context.Context) {
	a.server.ResetAddress()
	a.addressChanged(ctx, false)
}

// Snapshot returns the state last announced on the bus.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.snapshot
	s.Candidates = append([]models.RobotInfo(nil), a.snapshot.Candidates...)
	if a.snapshot.Robot != nil {
		r := *a.snapshot.Robot
		s.Robot = &r
	}
	return s
}

// Candidates returns the robots found by the last detection pass.
func (a *Agent) Candidates() []models.Robot {
	return a.arbitrator.Candidates()
}

func (a *Agent) addressChanged(ctx context.Context, custom bool) {
	address := a.server.Address()
	a.mu.Lock()
	a.snapshot.ServerAddress = address
	a.snapshot.CustomAddress = custom
	a.mu.Unlock()
	a.logger.Info("server address changed", zap.String("address", address), zap.Bool("custom", custom))
	a.publish(ctx, events.TopicAddressChanged, events.AddressChanged{Address: address, Custom: custom})
}

func (a *Agent) onStateChanged(ctx context.Context, e events.Event) {
	p, ok := e.Payload.(events.StateChange)
	if !ok {
		return
	}
	a.mu.Lock()
	a.snapshot.State = p.State
	a.snapshot.Token = p.Token
	a.snapshot.ServerAddress = p.ServerAddress
	a.mu.Unlock()

	a.record(func(r Recorder) error {
		return r.SetSessionState(context.WithoutCancel(ctx), p.Session.String(), string(p.State))
	})
}

func (a *Agent) onRobotsDetected(_ context.Context, e events.Event) {
	p, ok := e.Payload.(events.RobotsDetected)
	if !ok {
		return
	}
	infos := make([]models.RobotInfo, len(p.Robots))
	for i, r := range p.Robots {
		infos[i] = models.Describe(r)
	}
	a.mu.Lock()
	a.snapshot.Candidates = infos
	a.mu.Unlock()
}

func (a *Agent) connector() *connector.Connector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Agent) publish(ctx context.Context, topic string, payload any) {
	_ = a.bus.Publish(ctx, events.New(topic, "agent", payload))
}

func (a *Agent) record(fn func(Recorder) error) {
	if a.recorder == nil {
		return
	}
	if err := fn(a.recorder); err != nil {
		a.logger.Warn("history update failed", zap.Error(err))
	}
}
