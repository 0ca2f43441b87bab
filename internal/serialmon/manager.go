package serialmon

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

// ErrNoPort is returned by Start when no Arduino session is active and no
// port was given.
var ErrNoPort = errors.New("no serial port to monitor")

// Manager follows the Arduino session on the bus and runs a Monitor on
// demand. Monitoring is paused while a program is uploaded because the
// flasher needs the port.
type Manager struct {
	bus    events.EventBus
	logger *zap.Logger
	open   OpenFunc

	mu      sync.Mutex
	base    context.Context
	session string
	port    string
	baud    int
	wanted  bool
	cancel  context.CancelFunc
	done    chan struct{}
	unsubs  []func()
}

// NewManager creates a manager reading at baud. open may be nil.
func NewManager(bus events.EventBus, logger *zap.Logger, baud int, open OpenFunc) *Manager {
	return &Manager{
		bus:    bus,
		logger: logger,
		open:   open,
		baud:   baud,
		base:   context.Background(),
	}
}

// Subscribe attaches the manager to session and state events. Call it
// before the agent starts so the first session is not missed; Run calls it
// when it has not been called yet.
func (m *Manager) Subscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubs != nil {
		return
	}
	m.unsubs = []func(){
		m.bus.Subscribe(events.TopicSessionStarted, m.onSessionStarted),
		m.bus.Subscribe(events.TopicSessionEnded, m.onSessionEnded),
		m.bus.Subscribe(events.TopicStateChanged, m.onStateChanged),
	}
}

// Run blocks until ctx is cancelled, then unsubscribes and stops any
// monitor.
func (m *Manager) Run(ctx context.Context) {
	m.Subscribe()
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	m.Stop()
}

// Start begins monitoring port, or the current session's port when port
// is empty. baud <= 0 keeps the configured rate.
func (m *Manager) Start(port string, baud int) error {
	m.mu.Lock()
	if port == "" {
		port = m.session
	}
	if port == "" {
		m.mu.Unlock()
		return ErrNoPort
	}
	if baud > 0 {
		m.baud = baud
	}
	m.port = port
	m.wanted = true
	m.mu.Unlock()

	m.restart()
	return nil
}

// Stop ends monitoring.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.wanted = false
	m.mu.Unlock()
	m.halt()
}

// Status reports the monitored port and whether a monitor is running.
func (m *Manager) Status() (port string, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port, m.cancel != nil
}

func (m *Manager) restart() {
	m.halt()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.wanted || m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.base)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	mon := NewMonitor(m.port, m.baud, m.open, m.bus, m.logger)
	port := m.port

	go func() {
		defer close(done)
		err := mon.Run(ctx)
		payload := events.SerialStopped{Port: port}
		if err != nil {
			m.logger.Warn("serial monitor failed", zap.String("port", port), zap.Error(err))
			payload.Err = err.Error()
		}
		m.mu.Lock()
		if m.done == done {
			m.cancel, m.done = nil, nil
		}
		m.mu.Unlock()
		m.bus.PublishAsync(context.Background(), events.New(events.TopicSerialStopped, "serial", payload))
	}()
}

// halt stops the running monitor and waits for it to release the port.
func (m *Manager) halt() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) onSessionStarted(_ context.Context, e events.Event) {
	s, ok := e.Payload.(events.Session)
	if !ok {
		return
	}
	a, ok := s.Robot.(models.Arduino)
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.session = a.Port
	} else {
		m.session = ""
	}
}

func (m *Manager) onSessionEnded(context.Context, events.Event) {
	m.mu.Lock()
	m.session = ""
	m.mu.Unlock()
	m.Stop()
}

func (m *Manager) onStateChanged(_ context.Context, e events.Event) {
	sc, ok := e.Payload.(events.StateChange)
	if !ok {
		return
	}
	switch sc.State {
	case models.StateWaitUpload:
		m.logger.Debug("pausing serial monitor for upload")
		m.halt()
	case models.StateWaitExecution, models.StateWaitForCmd:
		m.mu.Lock()
		resume := m.wanted && m.cancel == nil
		m.mu.Unlock()
		if resume {
			m.logger.Debug("resuming serial monitor")
			m.restart()
		}
	}
}
