package storage

import (
	"context"
	"time"

	"github.com/router-for-me/usagehub/internal/export"
	"github.com/router-for-me/usagehub/internal/usagerecord"
	log "github.com/sirupsen/logrus"
)

// MemoryPlugin keeps records in process. With a snapshot path configured it reloads
// the last snapshot on Initialize and saves changes periodically and on Close.
type MemoryPlugin struct {
	engine
	snapshots *snapshotter
}

// NewMemoryPlugin creates an uninitialized memory plugin. opts are applied after the
// options derived from the Initialize config.
func NewMemoryPlugin(opts ...usagerecord.Option) *MemoryPlugin {
	return &MemoryPlugin{engine: engine{extra: opts}}
}

func (p *MemoryPlugin) Initialize(ctx context.Context, cfg map[string]any) error {
	opts, err := storeOptions(cfg)
	if err != nil {
		return err
	}
	store := usagerecord.NewStore(append(opts, p.extra...)...)

	if path := optString(cfg, KeySnapshotPath); path != "" {
		restored, err := loadSnapshot(store, path)
		if err != nil {
			return err
		}
		interval, err := optDuration(cfg, KeySnapshotInterval)
		if err != nil {
			return err
		}
		p.snapshots = newSnapshotter(store, path, interval)
		p.snapshots.start()
		log.WithFields(log.Fields{"path": path, "restored": restored}).Info("memory usage store restored from snapshot")
	}

	p.SetRetentionPolicy(optPolicy(cfg))
	p.attach(store, export.NewWriter(optS3(cfg)))
	return nil
}

func (p *MemoryPlugin) HealthCheck(ctx context.Context) error {
	_, err := p.ready(ctx)
	return err
}

func (p *MemoryPlugin) Close() error {
	p.snapshots.close()
	p.mu.RLock()
	store := p.store
	p.mu.RUnlock()
	if store == nil {
		return nil
	}
	return store.Close()
}

func (p *MemoryPlugin) StoreUsageRecords(ctx context.Context, clientID string, records []usagerecord.Record) (usagerecord.IngestionResult, error) {
	res, err := p.engine.StoreUsageRecords(ctx, clientID, records)
	if err == nil && res.Stored > 0 {
		p.snapshots.markDirty()
	}
	return res, err
}

func (p *MemoryPlugin) StoreUsageRecordsBatch(ctx context.Context, batches []usagerecord.ClientBatch) (usagerecord.BatchIngestionResult, error) {
	res, err := p.engine.StoreUsageRecordsBatch(ctx, batches)
	if res.TotalStored > 0 {
		p.snapshots.markDirty()
	}
	return res, err
}

func (p *MemoryPlugin) ApplyRetentionPolicy(ctx context.Context, policy usagerecord.RetentionPolicy) (usagerecord.RetentionResult, error) {
	res, err := p.engine.ApplyRetentionPolicy(ctx, policy)
	if err == nil && res.Deleted > 0 {
		p.snapshots.markDirty()
	}
	return res, err
}

// ExportUsageData reports the size of the export without writing it.
func (p *MemoryPlugin) ExportUsageData(ctx context.Context, req export.Request) (export.Result, error) {
	records, err := p.exportRecords(ctx, req)
	if err != nil {
		return export.Result{}, err
	}
	return export.Measure(records, req)
}

func (p *MemoryPlugin) GetStorageStats(ctx context.Context) (StorageStats, error) {
	return p.stats(ctx, BackendMemory)
}

func (p *MemoryPlugin) OptimizeStorage(ctx context.Context) (OptimizationResult, error) {
	store, err := p.ready(ctx)
	if err != nil {
		return OptimizationResult{}, err
	}
	start := time.Now()
	store.Compact()
	return OptimizationResult{
		Backend:    BackendMemory,
		Operations: []string{"compact"},
		Records:    store.Len(),
		ElapsedMs:  time.Since(start).Milliseconds(),
	}, nil
}
