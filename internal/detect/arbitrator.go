// Package detect merges the robots reported by the detectors and resolves
// them to the one robot a session is started with.
package detect

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

// ErrUnknownRobot is returned when selecting a robot that was not among
// the candidates of the last poll.
var ErrUnknownRobot = errors.New("robot is not among the detected candidates")

const (
	defaultInterval  = time.Second
	defaultHelpAfter = 20 * time.Second
)

// Detector finds robots of one family.
type Detector interface {
	Name() string
	Detect(ctx context.Context) []models.Robot
}

// Option configures an Arbitrator.
type Option func(*Arbitrator)

// WithInterval sets the pause between polls while nothing is resolved.
func WithInterval(d time.Duration) Option {
	return func(a *Arbitrator) { a.interval = d }
}

// WithHelpAfter sets how long Resolve waits before publishing a help
// event. Zero disables it.
func WithHelpAfter(d time.Duration) Option {
	return func(a *Arbitrator) { a.helpAfter = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Arbitrator) { a.now = now }
}

// Arbitrator polls the detectors and tracks the user's selection.
type Arbitrator struct {
	detectors []Detector
	bus       events.EventBus
	logger    *zap.Logger
	interval  time.Duration
	helpAfter time.Duration
	now       func() time.Time

	wake chan struct{}

	mu         sync.Mutex
	candidates []models.Robot
	published  []string
	baseline   bool
	selection  models.Robot
}

// New creates an arbitrator over detectors, polled in order.
func New(detectors []Detector, bus events.EventBus, logger *zap.Logger, opts ...Option) *Arbitrator {
	a := &Arbitrator{
		detectors: detectors,
		bus:       bus,
		logger:    logger,
		interval:  defaultInterval,
		helpAfter: defaultHelpAfter,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Poll runs every detector once and returns the merged candidates, first
// occurrence of a key winning. A RobotsDetected event is published when
// the candidate keys differ from the previous poll.
func (a *Arbitrator) Poll(ctx context.Context) []models.Robot {
	var merged []models.Robot
	seen := make(map[string]bool)
	for _, d := range a.detectors {
		if ctx.Err() != nil {
			return nil
		}
		found := d.Detect(ctx)
		a.logger.Debug("detector finished", zap.String("detector", d.Name()), zap.Int("robots", len(found)))
		for _, r := range found {
			if seen[r.Key()] {
				continue
			}
			seen[r.Key()] = true
			merged = append(merged, r)
		}
	}

	keys := models.RobotKeys(merged)
	a.mu.Lock()
	a.candidates = merged
	changed := !a.baseline || !slices.Equal(keys, a.published)
	a.published = keys
	a.baseline = true
	a.mu.Unlock()

	if changed {
		a.logger.Info("detected robots changed", zap.Strings("robots", keys))
		if a.bus != nil {
			_ = a.bus.Publish(ctx, events.New(events.TopicRobotsDetected, "detect", events.RobotsDetected{Robots: merged}))
		}
	}
	return merged
}

// Candidates returns the result of the last poll.
func (a *Arbitrator) Candidates() []models.Robot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.candidates)
}

// SetSelection records the user's choice and wakes a waiting Resolve.
func (a *Arbitrator) SetSelection(r models.Robot) error {
	if r == nil {
		return ErrUnknownRobot
	}
	return a.SelectKey(r.Key())
}

// SelectKey selects the candidate with the given key.
func (a *Arbitrator) SelectKey(key string) error {
	a.mu.Lock()
	idx := slices.IndexFunc(a.candidates, func(c models.Robot) bool { return c.Key() == key })
	if idx < 0 {
		a.mu.Unlock()
		return ErrUnknownRobot
	}
	a.selection = a.candidates[idx]
	a.mu.Unlock()

	a.logger.Info("robot selected", zap.String("robot", key))
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Selection returns the current selection, if any.
func (a *Arbitrator) Selection() (models.Robot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selection, a.selection != nil
}

// Reset clears the selection and forgets the last published candidates,
// so the next poll publishes again.
func (a *Arbitrator) Reset() {
	a.mu.Lock()
	a.selection = nil
	a.published = nil
	a.baseline = false
	a.mu.Unlock()

	select {
	case <-a.wake:
	default:
	}
}

// Resolve polls until exactly one robot is found, or until the user has
// selected one of several. It publishes a help event once when nothing is
// found within the help threshold.
func (a *Arbitrator) Resolve(ctx context.Context) (models.Robot, error) {
	start := a.now()
	helped := false

	for {
		robots := a.Poll(ctx)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch {
		case len(robots) == 1:
			return robots[0], nil
		case len(robots) > 1:
			if sel, ok := a.Selection(); ok && contains(robots, sel) {
				return sel, nil
			}
		default:
			if !helped && a.helpAfter > 0 && a.now().Sub(start) >= a.helpAfter {
				helped = true
				a.logger.Info("no robot found yet", zap.Duration("waited", a.now().Sub(start)))
				if a.bus != nil {
					_ = a.bus.Publish(ctx, events.New(events.TopicDetectionHelp, "detect", nil))
				}
			}
		}

		timer := time.NewTimer(a.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-a.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func contains(robots []models.Robot, r models.Robot) bool {
	return slices.ContainsFunc(robots, func(c models.Robot) bool { return c.Key() == r.Key() })
}
