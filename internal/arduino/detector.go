// Package arduino detects USB attached Arduino boards and flashes them
// with avrdude.
package arduino

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 100 * time.Millisecond

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithEnumerator replaces the platform USB enumerator.
func WithEnumerator(e Enumerator) DetectorOption {
	return func(d *Detector) { d.enum = e }
}

// Detector finds the first attached board whose USB id is in the ID table.
type Detector struct {
	path   string
	enum   Enumerator
	bus    events.EventBus
	logger *zap.Logger

	mu    sync.RWMutex
	table *IDTable
	errs  LoadErrors
}

// NewDetector loads the ID table at path and returns a detector using it.
func NewDetector(path string, bus events.EventBus, logger *zap.Logger, opts ...DetectorOption) *Detector {
	d := &Detector{
		path:   path,
		bus:    bus,
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.enum == nil {
		d.enum = DefaultEnumerator()
	}
	d.Reload(context.Background())
	return d
}

// Name implements detect.Detector.
func (d *Detector) Name() string { return "arduino" }

// Table returns the ID table in use.
func (d *Detector) Table() *IDTable {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.table
}

// Errors returns the rejected lines of the last load.
func (d *Detector) Errors() LoadErrors {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(LoadErrors(nil), d.errs...)
}

// Report returns the rejected lines of the last load in wire form.
func (d *Detector) Report() events.IDTableErrors {
	return toReport(d.path, d.Errors())
}

func toReport(path string, errs LoadErrors) events.IDTableErrors {
	report := events.IDTableErrors{Path: path, Errors: make([]events.IDTableError, 0, len(errs))}
	for _, e := range errs {
		report.Errors = append(report.Errors, events.IDTableError{Line: e.Line, Kind: string(e.Kind)})
	}
	return report
}

// Reload re-reads the ID table. Rejected lines are logged and published;
// they never prevent the valid lines from being used.
func (d *Detector) Reload(ctx context.Context) LoadErrors {
	table, errs := LoadIDTable(d.path)

	d.mu.Lock()
	d.table = table
	d.errs = errs
	d.mu.Unlock()

	if table.Embedded() {
		d.logger.Warn("arduino id file not found, using built-in table", zap.String("path", d.path))
	}
	d.logger.Info("arduino id table loaded",
		zap.String("path", d.path),
		zap.Int("entries", table.Len()),
		zap.Int("errors", len(errs)),
	)
	if len(errs) > 0 {
		d.logger.Warn("arduino id table has invalid lines", zap.Error(errs))
		d.publishErrors(ctx, errs)
	}
	return errs
}

// Detect returns the first supported board found, or nothing.
func (d *Detector) Detect(ctx context.Context) []models.Robot {
	devices, err := d.enum.Devices(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Debug("usb enumeration failed", zap.Error(err))
		}
		return nil
	}
	table := d.Table()
	for _, dev := range devices {
		typ, ok := table.Lookup(dev.VendorID, dev.ProductID)
		if !ok {
			continue
		}
		d.logger.Debug("found arduino",
			zap.String("usb_id", dev.VendorID+":"+dev.ProductID),
			zap.String("type", string(typ)),
			zap.String("port", dev.Port),
		)
		return []models.Robot{models.Arduino{Type: typ, Port: dev.Port}}
	}
	return nil
}

// Watch reloads the table whenever the ID file changes. It watches the
// parent directory so files that are replaced or created later are seen.
// Watch blocks until ctx is cancelled.
func (d *Detector) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(d.path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", d.path, err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	d.logger.Debug("watching arduino id file", zap.String("path", target))

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case <-debounce:
			debounce = nil
			d.logger.Info("arduino id file changed, reloading", zap.String("path", target))
			d.Reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (d *Detector) publishErrors(ctx context.Context, errs LoadErrors) {
	if d.bus == nil {
		return
	}
	_ = d.bus.Publish(ctx, events.New(events.TopicIDTableErrors, "arduino", toReport(d.path, errs)))
}
