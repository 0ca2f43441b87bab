// Package nao discovers NAO robots over mDNS and deploys Python programs
// to them over FTP and SSH.
package nao

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

// Service is the mDNS service type NAO robots announce.
const Service = "_nao._tcp"

type tracked struct {
	robot  models.NAO
	missed int
}

// Detector keeps a live list of NAO robots from periodic mDNS browses.
// A robot that misses missedRounds consecutive browses is dropped.
type Detector struct {
	bus          events.EventBus
	logger       *zap.Logger
	interval     time.Duration
	missedRounds int
	query        func(context.Context, *mdns.QueryParam) error

	mu     sync.Mutex
	robots map[string]*tracked
}

// NewDetector creates a detector. Call Run to start browsing.
func NewDetector(bus events.EventBus, logger *zap.Logger, interval time.Duration, missedRounds int) *Detector {
	if missedRounds < 1 {
		missedRounds = 1
	}
	return &Detector{
		bus:          bus,
		logger:       logger,
		interval:     interval,
		missedRounds: missedRounds,
		query:        mdns.QueryContext,
		robots:       make(map[string]*tracked),
	}
}

// Name implements detect.Detector.
func (d *Detector) Name() string { return "nao" }

// Detect returns the robots currently announced, ordered by key.
func (d *Detector) Detect(context.Context) []models.Robot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Robot, 0, len(d.robots))
	for _, t := range d.robots {
		out = append(out, t.robot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Run browses immediately and then once per interval until ctx is
// cancelled.
func (d *Detector) Run(ctx context.Context) {
	d.logger.Info("NAO discovery started", zap.Duration("interval", d.interval))
	d.browse(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("NAO discovery stopped")
			return
		case <-ticker.C:
			d.browse(ctx)
		}
	}
}

func (d *Detector) browse(ctx context.Context) {
	entries := make(chan *mdns.ServiceEntry, 16)
	var found []*mdns.ServiceEntry
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			found = append(found, entry)
		}
	}()

	params := mdns.DefaultParams(Service)
	params.Timeout = d.interval
	params.Entries = entries
	params.DisableIPv6 = true
	if err := d.query(ctx, params); err != nil && ctx.Err() == nil {
		d.logger.Debug("mDNS query failed", zap.String("service", Service), zap.Error(err))
	}
	close(entries)
	wg.Wait()

	if ctx.Err() != nil {
		return
	}
	d.observe(ctx, found)
}

// observe applies the result of one browse round.
func (d *Detector) observe(ctx context.Context, entries []*mdns.ServiceEntry) {
	seen := make(map[string]bool)

	d.mu.Lock()
	for _, entry := range entries {
		robot, ok := robotFromEntry(entry)
		if !ok {
			continue
		}
		seen[robot.Key()] = true
		if t, ok := d.robots[robot.Key()]; ok {
			t.robot = robot
			t.missed = 0
			continue
		}
		d.robots[robot.Key()] = &tracked{robot: robot}
		d.logger.Info("NAO found", zap.String("name", robot.Name()), zap.String("address", robot.Address))
	}

	var removed []models.NAO
	for key, t := range d.robots {
		if seen[key] {
			continue
		}
		t.missed++
		if t.missed >= d.missedRounds {
			delete(d.robots, key)
			removed = append(removed, t.robot)
		}
	}
	d.mu.Unlock()

	for _, robot := range removed {
		d.logger.Info("NAO gone", zap.String("name", robot.Name()), zap.String("address", robot.Address))
		if d.bus != nil {
			d.bus.PublishAsync(ctx, events.New(events.TopicNAORemoved, "nao", robot))
		}
	}
}

func robotFromEntry(entry *mdns.ServiceEntry) (models.NAO, bool) {
	if entry == nil {
		return models.NAO{}, false
	}
	var ip string
	switch {
	case entry.AddrV4 != nil && !entry.AddrV4.IsUnspecified():
		ip = entry.AddrV4.String()
	case entry.Addr != nil && !entry.Addr.IsUnspecified():
		ip = entry.Addr.String()
	default:
		return models.NAO{}, false
	}
	return models.NAO{RobotName: instanceName(entry.Name), Address: ip}, true
}

// instanceName strips the service and domain from "Nao._nao._tcp.local.".
func instanceName(name string) string {
	name = strings.TrimSuffix(name, ".")
	if i := strings.Index(name, "."+Service); i >= 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, `\ `, " ")
}
