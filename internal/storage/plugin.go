// Package storage exposes the usage engine behind a backend-neutral plugin contract.
// The memory backend keeps records in process (optionally snapshotted to disk); the
// sqlite and postgres backends write through to a usage_records table and reload it
// on startup.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/usagehub/internal/export"
	"github.com/router-for-me/usagehub/internal/usagerecord"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config keys understood by Initialize.
const (
	KeyTimezone         = "timezone"
	KeyQueryCacheTTL    = "query_cache_ttl"
	KeyRetentionPolicy  = "retention_policy"
	KeyS3               = "s3"
	KeyExportDir        = "export_dir"
	KeyPath             = "path"
	KeyDSN              = "dsn"
	KeySnapshotPath     = "snapshot_path"
	KeySnapshotInterval = "snapshot_interval"
)

// ErrNotInitialized is returned by plugin calls made before Initialize succeeded.
var ErrNotInitialized = errors.New("storage plugin is not initialized")

// Plugin is the contract consumed by the ingestion and analytics handlers.
type Plugin interface {
	Initialize(ctx context.Context, cfg map[string]any) error
	HealthCheck(ctx context.Context) error
	Close() error

	StoreUsageRecords(ctx context.Context, clientID string, records []usagerecord.Record) (usagerecord.IngestionResult, error)
	StoreUsageRecordsBatch(ctx context.Context, batches []usagerecord.ClientBatch) (usagerecord.BatchIngestionResult, error)
	QueryUsage(ctx context.Context, query usagerecord.UsageQuery) (usagerecord.UsageQueryResult, error)
	GetUsageRecord(ctx context.Context, hash string) (usagerecord.Record, error)

	GetUsageTrend(ctx context.Context, req usagerecord.TrendRequest) (usagerecord.TrendData, error)
	GetTopUsage(ctx context.Context, req usagerecord.TopUsageRequest) (usagerecord.TopUsageResult, error)
	GetUsageSummary(ctx context.Context, req usagerecord.SummaryRequest) (usagerecord.UsageSummary, error)
	GetCostBreakdown(ctx context.Context, req usagerecord.CostBreakdownRequest) (usagerecord.CostBreakdown, error)
	CalculateProjectedCost(ctx context.Context, req usagerecord.ProjectionRequest) (usagerecord.CostProjection, error)

	GetRetentionInfo(ctx context.Context) (usagerecord.RetentionInfo, error)
	ApplyRetentionPolicy(ctx context.Context, policy usagerecord.RetentionPolicy) (usagerecord.RetentionResult, error)
	// PreviewRetentionPolicy counts the records policy would delete.
	PreviewRetentionPolicy(ctx context.Context, policy usagerecord.RetentionPolicy) (int, error)
	// SetRetentionPolicy replaces the policy reported by GetRetentionInfo.
	SetRetentionPolicy(policy *usagerecord.RetentionPolicy)

	ExportUsageData(ctx context.Context, req export.Request) (export.Result, error)
	GetStorageStats(ctx context.Context) (StorageStats, error)
	OptimizeStorage(ctx context.Context) (OptimizationResult, error)
}

// StorageStats extends the engine's record statistics with backend details.
type StorageStats struct {
	usagerecord.StorageStats
	Backend           string `json:"backend"`
	DatabaseSizeBytes int64  `json:"database_size_bytes,omitempty"`
}

// OptimizationResult reports what OptimizeStorage did.
type OptimizationResult struct {
	Backend    string   `json:"backend"`
	Operations []string `json:"operations"`
	Records    int      `json:"records"`
	ElapsedMs  int64    `json:"elapsed_ms"`
}

// New returns an uninitialized plugin for backend.
func New(backend string) (Plugin, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryPlugin(), nil
	case BackendSQLite:
		return NewSQLPlugin(sqliteDialect), nil
	case BackendPostgres, "postgresql":
		return NewSQLPlugin(postgresDialect), nil
	}
	return nil, fmt.Errorf("%w: storage backend %q", usagerecord.ErrUnsupported, backend)
}

func optString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func optDuration(cfg map[string]any, key string) (time.Duration, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return 0, nil
		}
		if secs, err := strconv.Atoi(t); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, t, err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("invalid %s: unsupported type %T", key, v)
}

func optPolicy(cfg map[string]any) *usagerecord.RetentionPolicy {
	switch t := cfg[KeyRetentionPolicy].(type) {
	case *usagerecord.RetentionPolicy:
		return t
	case usagerecord.RetentionPolicy:
		return &t
	}
	return nil
}

func optS3(cfg map[string]any) *export.S3Config {
	switch t := cfg[KeyS3].(type) {
	case *export.S3Config:
		return t
	case export.S3Config:
		return &t
	}
	return nil
}

// storeOptions translates the shared config keys into engine options.
func storeOptions(cfg map[string]any) ([]usagerecord.Option, error) {
	var opts []usagerecord.Option
	if tz := optString(cfg, KeyTimezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", KeyTimezone, tz, err)
		}
		opts = append(opts, usagerecord.WithLocation(loc))
	}
	ttl, err := optDuration(cfg, KeyQueryCacheTTL)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		opts = append(opts, usagerecord.WithQueryCacheTTL(ttl))
	}
	return opts, nil
}
