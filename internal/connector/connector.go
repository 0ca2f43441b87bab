// Package connector drives one robot session against the programming
// server: discovery of the device, registration with a token, and the
// long-poll command loop.
package connector

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/protocol"
	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

const (
	tokenLength     = 8
	tokenAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	defaultInterval = time.Second
)

// Option configures a Connector.
type Option func(*Connector)

// WithPollInterval sets the pause between device checks.
func WithPollInterval(d time.Duration) Option {
	return func(c *Connector) { c.pollInterval = d }
}

// WithSession fixes the session id instead of generating one.
func WithSession(id uuid.UUID) Option {
	return func(c *Connector) { c.session = id }
}

// Connector is the state machine of a single robot session. Run owns the
// state, token and brick data; the Press and Interrupt methods are safe to
// call from any goroutine.
type Connector struct {
	family       Family
	server       Server
	bus          events.EventBus
	logger       *zap.Logger
	session      uuid.UUID
	pollInterval time.Duration

	connect        chan struct{}
	wake           chan struct{}
	userDisconnect atomic.Bool

	mu         sync.Mutex
	runCancel  context.CancelFunc
	tickCancel context.CancelFunc
	finished   bool

	// Confined to the Run goroutine.
	state     models.State
	token     string
	brickData protocol.Payload
}

// New creates a connector in DISCOVER.
func New(family Family, server Server, bus events.EventBus, logger *zap.Logger, opts ...Option) *Connector {
	c := &Connector{
		family:       family,
		server:       server,
		bus:          bus,
		session:      uuid.New(),
		pollInterval: defaultInterval,
		connect:      make(chan struct{}, 1),
		wake:         make(chan struct{}, 1),
		state:        models.StateDiscover,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.With(
		zap.String("session", c.session.String()),
		zap.String("robot", family.Robot().Key()),
	)
	return c
}

// Session returns the session id carried on every event.
func (c *Connector) Session() uuid.UUID { return c.session }

// Robot returns the robot this connector drives.
func (c *Connector) Robot() models.Robot { return c.family.Robot() }

// PressConnect asks the connector to register the robot. It only has an
// effect while waiting for the connect button.
func (c *Connector) PressConnect() {
	select {
	case c.connect <- struct{}{}:
	default:
	}
}

// PressDisconnect drops the registration. A pending server request or
// device operation is abandoned and no error state is reported for it.
func (c *Connector) PressDisconnect() {
	c.userDisconnect.Store(true)
	c.mu.Lock()
	if c.tickCancel != nil {
		c.tickCancel()
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Interrupt ends Run without a state transition.
func (c *Connector) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
	if c.runCancel != nil {
		c.runCancel()
	}
}

// Run drives the state machine until ctx is cancelled or Interrupt is
// called. Each loop iteration performs at most one transition. Cancellation
// leaves the current state as it is.
func (c *Connector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return nil
	}
	c.runCancel = cancel
	c.mu.Unlock()

	defer func() {
		if err := c.family.Close(); err != nil {
			c.logger.Warn("closing device communicator failed", zap.Error(err))
		}
	}()

	c.logger.Info("connector started", zap.String("server", c.server.Address()))
	c.publish(ctx, c.state)

	for ctx.Err() == nil {
		if c.userDisconnect.Load() {
			c.handleDisconnect(ctx)
			continue
		}
		c.tick(ctx)
	}

	c.logger.Info("connector stopped", zap.String("state", string(c.state)))
	return nil
}

// tick runs the handler of the current state under a cancellable context
// so PressDisconnect can abandon it.
func (c *Connector) tick(ctx context.Context) {
	tctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.tickCancel = cancel
	c.mu.Unlock()
	// A press that landed before tickCancel was set found nothing to cancel.
	if c.userDisconnect.Load() {
		cancel()
	}

	defer func() {
		c.mu.Lock()
		c.tickCancel = nil
		c.mu.Unlock()
		cancel()
	}()

	switch c.state {
	case models.StateDiscover:
		c.discover(ctx, tctx)
	case models.StateWaitForConnectButtonPress:
		c.waitForConnect(ctx, tctx)
	case models.StateConnectButtonIsPressed:
		c.register(ctx, tctx)
	case models.StateWaitForServer:
		c.waitForServer(ctx, tctx)
	case models.StateWaitForCmd:
		c.waitForCmd(ctx, tctx)
	case models.StateWaitUpload:
		c.upload(ctx, tctx)
	case models.StateWaitExecution:
		c.waitExecution(ctx, tctx)
	case models.StateUpdateSuccess:
		c.clearSession()
		c.transition(ctx, models.StateDiscover)
	default:
		c.logger.Error("connector in resting state it cannot leave", zap.String("state", string(c.state)))
		c.reset(ctx, "", nil)
	}
}

func (c *Connector) discover(ctx, tctx context.Context) {
	err := c.family.Open(tctx)
	if err == nil {
		c.drainConnect()
		c.transition(ctx, models.StateWaitForConnectButtonPress)
		return
	}
	if !errors.Is(err, ErrDeviceNotFound) && ctx.Err() == nil {
		c.logger.Debug("device not ready", zap.Error(err))
	}
	c.sleep(tctx, c.pollInterval)
}

func (c *Connector) waitForConnect(ctx, tctx context.Context) {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	select {
	case <-tctx.Done():
	case <-c.wake:
	case <-c.connect:
		c.transition(ctx, models.StateConnectButtonIsPressed)
	case <-timer.C:
		if err := c.family.Check(tctx); err != nil && ctx.Err() == nil {
			c.logger.Info("robot no longer available", zap.Error(err))
			c.reset(ctx, "", err)
		}
	}
}

// register prepares the device and generates the token; the register push
// itself happens in WAIT_FOR_SERVER.
func (c *Connector) register(ctx, tctx context.Context) {
	if err := c.family.PrepareConnect(tctx, c.server); err != nil {
		c.reset(ctx, models.StateErrorUpdate, err)
		return
	}
	info, err := c.family.DeviceInfo(tctx)
	if err != nil {
		c.reset(ctx, models.StateErrorBrick, err)
		return
	}
	token, err := newToken()
	if err != nil {
		c.reset(ctx, models.StateErrorBrick, err)
		return
	}
	c.token = token
	c.brickData = info.With(protocol.KeyToken, token).With(protocol.KeyCmd, string(protocol.CmdRegister))
	c.transition(ctx, models.StateWaitForServer)
}

func (c *Connector) waitForServer(ctx, tctx context.Context) {
	resp, err := c.server.Push(tctx, c.brickData)
	if err != nil {
		c.pushFailed(ctx, err)
		return
	}
	switch resp.Cmd {
	case protocol.CmdRepeat:
		c.logger.Info("robot registered, waiting for commands", zap.String("token", c.token))
		c.transition(ctx, models.StateWaitForCmd)
	case protocol.CmdAbort:
		c.reset(ctx, models.StateTokenTimeout, ErrTokenTimeout)
	default:
		c.reset(ctx, models.StateErrorHTTP, unexpected(resp.Cmd))
	}
}

func (c *Connector) waitForCmd(ctx, tctx context.Context) {
	info, err := c.family.DeviceInfo(tctx)
	if err != nil {
		c.reset(ctx, models.StateErrorBrick, err)
		return
	}
	c.brickData = info.With(protocol.KeyToken, c.token).With(protocol.KeyCmd, string(protocol.CmdPush))

	resp, err := c.server.Push(tctx, c.brickData)
	if err != nil {
		c.pushFailed(ctx, err)
		return
	}

	switch resp.Cmd {
	case protocol.CmdRepeat:
	case protocol.CmdDownload:
		c.logger.Info("program ready for download")
		c.transition(ctx, models.StateWaitUpload)
	case protocol.CmdConfiguration:
		c.logger.Debug("configuration request ignored")
	case protocol.CmdUpdate:
		c.update(ctx, tctx)
	default:
		c.reset(ctx, models.StateErrorHTTP, unexpected(resp.Cmd))
	}
}

func (c *Connector) update(ctx, tctx context.Context) {
	err := c.family.Update(tctx, c.server)
	switch {
	case err == nil:
		c.logger.Info("firmware updated")
		c.transition(ctx, models.StateUpdateSuccess)
	case errors.Is(err, ErrUnsupported):
		c.logger.Info("firmware update not supported by robot, ignored")
	default:
		c.reset(ctx, models.StateUpdateFail, err)
	}
}

func (c *Connector) upload(ctx, tctx context.Context) {
	prog, err := c.server.DownloadProgram(tctx, c.brickData)
	if err != nil {
		c.reset(ctx, models.StateErrorDownload, err)
		return
	}
	c.logger.Info("uploading program", zap.String("file", prog.Name), zap.Int("bytes", len(prog.Data)))
	if err := c.family.Upload(tctx, prog); err != nil {
		c.reset(ctx, models.StateErrorUploadToRobot, err)
		return
	}
	c.transition(ctx, models.StateWaitExecution)
}

func (c *Connector) waitExecution(ctx, tctx context.Context) {
	busy, err := c.family.Busy(tctx)
	if err != nil {
		c.reset(ctx, models.StateErrorBrick, err)
		return
	}
	if !busy {
		c.logger.Info("program finished")
		c.transition(ctx, models.StateWaitForCmd)
		return
	}
	c.sleep(tctx, c.pollInterval)
}

// pushFailed maps a failed server exchange onto a reset.
func (c *Connector) pushFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if protocol.IsTransport(err) && !c.userDisconnect.Load() {
		c.publish(ctx, models.StateReconnect)
	}
	c.reset(ctx, models.StateErrorHTTP, err)
}

// reset returns to DISCOVER and clears the registration. errState is
// announced first unless the reset comes from a user disconnect; an empty
// errState resets silently. Nothing happens once ctx is done.
func (c *Connector) reset(ctx context.Context, errState models.State, cause error) {
	if ctx.Err() != nil {
		return
	}
	switch {
	case c.userDisconnect.Swap(false):
		c.logger.Info("disconnected by user")
		c.publish(ctx, models.StateDisconnect)
	case errState != "":
		c.logger.Warn("connector reset",
			zap.String("from", string(c.state)),
			zap.String("error_state", string(errState)),
			zap.Error(cause),
		)
		c.publish(ctx, errState)
	}
	c.clearSession()
	c.state = models.StateDiscover
	c.publish(ctx, c.state)
}

func (c *Connector) handleDisconnect(ctx context.Context) {
	switch c.state {
	case models.StateDiscover, models.StateWaitForConnectButtonPress:
		c.userDisconnect.Store(false)
	default:
		c.reset(ctx, "", nil)
	}
}

func (c *Connector) clearSession() {
	c.token = ""
	c.brickData = nil
}

// transition moves to s and announces it. Self transitions are silent.
func (c *Connector) transition(ctx context.Context, s models.State) {
	if ctx.Err() != nil || s == c.state {
		return
	}
	c.logger.Debug("state transition", zap.String("from", string(c.state)), zap.String("to", string(s)))
	c.state = s
	c.publish(ctx, s)
}

func (c *Connector) publish(ctx context.Context, s models.State) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, events.New(events.TopicStateChanged, "connector", events.StateChange{
		Session:       c.session,
		Robot:         c.family.Robot(),
		State:         s,
		Token:         c.token,
		ServerAddress: c.server.Address(),
	}))
}

func (c *Connector) drainConnect() {
	select {
	case <-c.connect:
	default:
	}
}

func (c *Connector) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-c.wake:
	case <-timer.C:
	}
}

func unexpected(cmd protocol.Command) error {
	return &protocol.ProtocolError{Endpoint: protocol.EndpointPush, Msg: fmt.Sprintf("unexpected command %q", cmd)}
}

// newToken returns a random registration token of uppercase letters and
// digits.
func newToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf), nil
}
