// Package lifecycle implements §4.9's LifecycleManager: a periodic
// sweeper that deletes expired datasets, and the startup reconciliation
// that makes demo datasets durable across ephemeral hosts. Grounded on
// the teacher's internal/cache.TileCache background-worker shape
// (cache.go's evictionWorker goroutine loop) retargeted from a
// channel-signaled eviction trigger to a time.Ticker-driven periodic
// sweep, since §4.9 is explicitly interval-based rather than
// threshold-triggered.
package lifecycle

import (
	"context"
	"log"
	"time"

	"imagerypipeline/internal/datasetprocessor"
	"imagerypipeline/internal/metadatastore"
	"imagerypipeline/internal/model"
)

// DefaultInterval and BackoffInterval are §4.9's sweep cadence and
// on-exception backoff.
const (
	DefaultInterval  = time.Hour
	BackoffInterval  = 5 * time.Minute
)

// systemIdentity is the caller DatasetProcessor.Delete sees for sweeper-
// initiated deletes; accesspolicy.Allowed special-cases IsSystem to
// bypass the ownership check (§4.9's sweeper deletes datasets it does
// not itself own).
var systemIdentity = &model.Identity{ID: "system", IsActive: true, IsSystem: true}

// Manager owns the periodic sweep goroutine.
type Manager struct {
	store     *metadatastore.Store
	processor *datasetprocessor.Processor
	interval  time.Duration

	stop chan struct{}
	done chan struct{}
}

func New(store *metadatastore.Store, processor *datasetprocessor.Processor, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Manager{
		store:     store,
		processor: processor,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start reconciles demo metadata once, then launches the sweep loop in
// a background goroutine.
func (m *Manager) Start(ctx context.Context) {
	if err := m.processor.ReconcileDemoMetadata(ctx); err != nil {
		log.Printf("[lifecycle] startup reconciliation failed: %v", err)
	}
	go m.loop(ctx)
}

// Stop signals the sweep loop to exit and waits for it to do so.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.sweepOnce(ctx); err != nil {
				log.Printf("[lifecycle] sweep failed, backing off %s: %v", BackoffInterval, err)
				ticker.Reset(BackoffInterval)
				continue
			}
			ticker.Reset(m.interval)
		}
	}
}

// sweepOnce implements §4.9 step 1/2: find expired datasets, delete
// each, log and continue past individual failures.
func (m *Manager) sweepOnce(ctx context.Context) error {
	expired, err := m.store.ExpiredDatasets(ctx, time.Now())
	if err != nil {
		return err
	}

	for _, d := range expired {
		if err := m.processor.Delete(ctx, d.ID, systemIdentity); err != nil {
			log.Printf("[lifecycle] delete expired dataset %s: %v", d.ID, err)
			continue
		}
		log.Printf("[lifecycle] swept expired dataset %s (%s)", d.ID, d.Name)
	}
	return nil
}
