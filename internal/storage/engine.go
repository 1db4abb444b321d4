package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/router-for-me/usagehub/internal/export"
	"github.com/router-for-me/usagehub/internal/usagerecord"
)

// engine carries the in-memory store every backend answers queries from.
type engine struct {
	mu     sync.RWMutex
	store  *usagerecord.Store
	writer *export.Writer

	policy atomic.Pointer[usagerecord.RetentionPolicy]

	// extra is appended to the options derived from config; tests use it for clocks.
	extra []usagerecord.Option
}

func (e *engine) attach(store *usagerecord.Store, writer *export.Writer) {
	e.mu.Lock()
	e.store = store
	e.writer = writer
	e.mu.Unlock()
}

func (e *engine) ready(ctx context.Context) (*usagerecord.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.store == nil {
		return nil, ErrNotInitialized
	}
	return e.store, nil
}

func (e *engine) StoreUsageRecords(ctx context.Context, clientID string, records []usagerecord.Record) (usagerecord.IngestionResult, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return usagerecord.IngestionResult{}, err
	}
	return store.Ingest(ctx, clientID, records)
}

func (e *engine) StoreUsageRecordsBatch(ctx context.Context, batches []usagerecord.ClientBatch) (usagerecord.BatchIngestionResult, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return usagerecord.BatchIngestionResult{}, err
	}
	return store.IngestBatch(ctx, batches)
}

func (e *engine) QueryUsage(ctx context.Context, query usagerecord.UsageQuery) (usagerecord.UsageQueryResult, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return usagerecord.UsageQueryResult{}, err
	}
	return store.Query(query)
}

func (e *engine) GetUsageRecord(ctx context.Context, hash string) (usagerecord.Record, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return usagerecord.Record{}, err
	}
	return store.Get(hash)
}

func (e *engine) GetUsageTrend(ctx context.Context, req usagerecord.TrendRequest) (usagerecord.TrendData, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return usagerecord.TrendData{}, err
	}
	return store.Trend(req)
}

func (e *engine) GetTopUsage(ctx context.Context, req usagerecord.TopUsageRequest) (usagerecord.TopUsageResult, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return usagerecord.TopUsageResult{}, err
	}
	return store.TopUsage(req)
}

func (e *engine) GetUsageSummary(ctx context.Context, req usagerecord.SummaryRequest) (usagerecord.UsageSummary, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return usagerecord.UsageSummary{}, err
	}
	return store.Summary(req)
}

func (e *engine) GetCostBreakdown(ctx context.Context, req usagerecord.CostBreakdownRequest) (usagerecord.CostBreakdown, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return usagerecord.CostBreakdown{}, err
	}
	return store.CostBreakdown(req)
}

func (e *engine) CalculateProjectedCost(ctx context.Context, req usagerecord.ProjectionRequest) (usagerecord.CostProjection, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return usagerecord.CostProjection{}, err
	}
	return store.ProjectCost(req)
}

func (e *engine) GetRetentionInfo(ctx context.Context) (usagerecord.RetentionInfo, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return usagerecord.RetentionInfo{}, err
	}
	return store.RetentionInfo(e.policy.Load())
}

func (e *engine) ApplyRetentionPolicy(ctx context.Context, policy usagerecord.RetentionPolicy) (usagerecord.RetentionResult, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return usagerecord.RetentionResult{}, err
	}
	return store.ApplyRetention(ctx, policy)
}

func (e *engine) PreviewRetentionPolicy(ctx context.Context, policy usagerecord.RetentionPolicy) (int, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return 0, err
	}
	return store.PreviewRetention(policy)
}

func (e *engine) SetRetentionPolicy(policy *usagerecord.RetentionPolicy) {
	if policy == nil {
		e.policy.Store(nil)
		return
	}
	p := policy.Clone()
	e.policy.Store(&p)
}

// exportRecords returns the records an export request selects, oldest first.
func (e *engine) exportRecords(ctx context.Context, req export.Request) ([]usagerecord.Record, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return nil, err
	}
	res, err := store.Query(usagerecord.UsageQuery{
		Filter:  req.Filter,
		OrderBy: []usagerecord.OrderBy{{Field: "timestamp"}},
	})
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

func (e *engine) stats(ctx context.Context, backend string) (StorageStats, error) {
	store, err := e.ready(ctx)
	if err != nil {
		return StorageStats{}, err
	}
	s, err := store.Stats()
	if err != nil {
		return StorageStats{}, err
	}
	return StorageStats{StorageStats: s, Backend: backend}, nil
}
