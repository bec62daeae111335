package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/upstra/upstra/internal/vsphere"
)

// DefaultInterval is the collection period when none is configured.
const DefaultInterval = 60 * time.Second

// Inventory is the read-only slice of the controller API the poller consumes.
type Inventory interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ListAllVMs(ctx context.Context) ([]vsphere.VMInfo, error)
	ListAllHosts(ctx context.Context) ([]vsphere.HostInfo, error)
	VMMetricsSnapshot(ctx context.Context, moid string) (*vsphere.VMMetrics, error)
	HostMetricsSnapshot(ctx context.Context, moid string) (*vsphere.HostMetrics, error)
}

// Cache is the sink the poller writes snapshots to.
type Cache interface {
	Upsert(elementType, moid string, snapshot any) error
}

// Poller walks the full inventory on a fixed interval and refreshes the
// metric cache. It never touches plan or event state.
type Poller struct {
	inventory Inventory
	cache     Cache
	interval  time.Duration
}

// NewPoller creates a poller with the given collection interval.
func NewPoller(inventory Inventory, cache Cache, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{inventory: inventory, cache: cache, interval: interval}
}

// Run collects immediately, then on every scheduled interval until the
// context is cancelled. A pass that overruns the interval is not stacked; the
// next scheduled one is skipped instead.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.inventory.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := p.inventory.Disconnect(ctx); err != nil {
			log.WithError(err).Warn("Failed to disconnect from vCenter")
		}
	}()

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := scheduler.AddFunc(fmt.Sprintf("@every %s", p.interval), func() {
		p.collect(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule metric collection: %w", err)
	}

	p.collect(ctx)
	scheduler.Start()

	<-ctx.Done()
	// Wait for an in-flight pass before releasing the connection.
	<-scheduler.Stop().Done()
	return ctx.Err()
}

// collect refreshes every element it can; per-element failures are logged
// and skipped so one broken VM cannot starve the rest of the cache.
func (p *Poller) collect(ctx context.Context) {
	started := time.Now()
	collected := 0

	vms, err := p.inventory.ListAllVMs(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list VMs for metric collection")
	}
	for _, vm := range vms {
		if ctx.Err() != nil {
			return
		}
		snapshot, err := p.inventory.VMMetricsSnapshot(ctx, vm.Moid)
		if err != nil {
			log.WithError(err).WithField("vm", vm.Moid).Warn("Failed to snapshot VM metrics")
			continue
		}
		if err := p.cache.Upsert(ElementVM, vm.Moid, snapshot); err != nil {
			log.WithError(err).WithField("vm", vm.Moid).Error("Failed to cache VM metrics")
			continue
		}
		collected++
	}

	hosts, err := p.inventory.ListAllHosts(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list hosts for metric collection")
	}
	for _, host := range hosts {
		if ctx.Err() != nil {
			return
		}
		snapshot, err := p.inventory.HostMetricsSnapshot(ctx, host.Moid)
		if err != nil {
			log.WithError(err).WithField("host", host.Moid).Warn("Failed to snapshot host metrics")
			continue
		}
		if err := p.cache.Upsert(ElementHost, host.Moid, snapshot); err != nil {
			log.WithError(err).WithField("host", host.Moid).Error("Failed to cache host metrics")
			continue
		}
		collected++
	}

	log.WithFields(log.Fields{
		"elements": collected,
		"took":     time.Since(started).Round(time.Millisecond),
	}).Debug("Metric collection pass complete")
}
