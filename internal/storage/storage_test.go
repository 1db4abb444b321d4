package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/router-for-me/usagehub/internal/export"
	"github.com/router-for-me/usagehub/internal/usagerecord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testClock() usagerecord.Option {
	return usagerecord.WithClock(func() time.Time { return testNow })
}

func sampleRecords() []usagerecord.Record {
	day := 24 * time.Hour
	return []usagerecord.Record{
		{
			Timestamp: testNow.Add(-2 * day), Service: "openai", Model: "gpt-4o",
			InputTokens: usagerecord.Int64(100), OutputTokens: usagerecord.Int64(20), TotalTokens: usagerecord.Int64(120),
			CostUSD: usagerecord.Float64(0.10), SessionID: "s-1", Metadata: map[string]any{"team": "search"},
		},
		{
			Timestamp: testNow.Add(-day), Service: "openai", Model: "gpt-4o-mini",
			TotalTokens: usagerecord.Int64(80), CostUSD: usagerecord.Float64(0.15),
		},
		{
			Timestamp: testNow.Add(-60 * day), Service: "anthropic", Model: "claude-sonnet",
			CostUSD: usagerecord.Float64(0.08),
		},
	}
}

func TestNew(t *testing.T) {
	cases := map[string]string{
		"":           BackendMemory,
		"memory":     BackendMemory,
		"SQLite":     BackendSQLite,
		"postgres":   BackendPostgres,
		"postgresql": BackendPostgres,
	}
	for in, want := range cases {
		p, err := New(in)
		require.NoError(t, err, in)
		switch want {
		case BackendMemory:
			assert.IsType(t, &MemoryPlugin{}, p)
		default:
			require.IsType(t, &SQLPlugin{}, p)
			assert.Equal(t, want, p.(*SQLPlugin).dialect.name)
		}
	}

	_, err := New("cassandra")
	assert.ErrorIs(t, err, usagerecord.ErrUnsupported)
}

func TestPlugin_NotInitialized(t *testing.T) {
	p := NewMemoryPlugin()
	ctx := context.Background()

	assert.ErrorIs(t, p.HealthCheck(ctx), ErrNotInitialized)
	_, err := p.StoreUsageRecords(ctx, "c", sampleRecords())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, p.Close())
}

func TestMemoryPlugin_Contract(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPlugin(testClock())
	policy := &usagerecord.RetentionPolicy{DefaultRetentionDays: 30}
	require.NoError(t, p.Initialize(ctx, map[string]any{
		KeyTimezone:        "UTC",
		KeyQueryCacheTTL:   "30s",
		KeyRetentionPolicy: policy,
	}))
	defer p.Close()
	require.NoError(t, p.HealthCheck(ctx))

	res, err := p.StoreUsageRecords(ctx, "client-a", sampleRecords())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stored)

	batch, err := p.StoreUsageRecordsBatch(ctx, []usagerecord.ClientBatch{
		{ClientID: "client-b", Records: sampleRecords()[:1]},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.TotalDuplicate)

	q, err := p.QueryUsage(ctx, usagerecord.UsageQuery{Filter: usagerecord.Filter{Services: []string{"openai"}}})
	require.NoError(t, err)
	assert.Equal(t, 2, q.TotalMatched)

	got, err := p.GetUsageRecord(ctx, q.Records[0].RecordHash)
	require.NoError(t, err)
	assert.Equal(t, q.Records[0].RecordHash, got.RecordHash)
	_, err = p.GetUsageRecord(ctx, "missing")
	assert.ErrorIs(t, err, usagerecord.ErrNotFound)

	trend, err := p.GetUsageTrend(ctx, usagerecord.TrendRequest{Interval: "day"})
	require.NoError(t, err)
	assert.Len(t, trend.Points, 3)

	top, err := p.GetTopUsage(ctx, usagerecord.TopUsageRequest{GroupBy: "service"})
	require.NoError(t, err)
	assert.Equal(t, "openai", top.Entries[0].Key)

	summary, err := p.GetUsageSummary(ctx, usagerecord.SummaryRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0.33, summary.TotalCostUSD)

	breakdown, err := p.GetCostBreakdown(ctx, usagerecord.CostBreakdownRequest{Dimensions: []string{"model"}})
	require.NoError(t, err)
	assert.Len(t, breakdown.Entries, 3)

	projection, err := p.CalculateProjectedCost(ctx, usagerecord.ProjectionRequest{ProjectPeriod: "weekly"})
	require.NoError(t, err)
	assert.Equal(t, testNow, projection.BasePeriodEnd)

	info, err := p.GetRetentionInfo(ctx)
	require.NoError(t, err)
	require.NotNil(t, info.Policy)
	assert.Equal(t, 1, info.EligibleForDeletion)

	exp, err := p.ExportUsageData(ctx, export.Request{Destination: filepath.Join(t.TempDir(), "ignored.ndjson")})
	require.NoError(t, err)
	assert.False(t, exp.Written)
	assert.Equal(t, 3, exp.Records)
	assert.Positive(t, exp.Bytes)

	preview, err := p.PreviewRetentionPolicy(ctx, *policy)
	require.NoError(t, err)
	assert.Equal(t, 1, preview)

	retention, err := p.ApplyRetentionPolicy(ctx, *policy)
	require.NoError(t, err)
	assert.Equal(t, 1, retention.Deleted)

	stats, err := p.GetStorageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, stats.Backend)
	assert.Equal(t, 2, stats.TotalRecords)

	opt, err := p.OptimizeStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, opt.Records)
}

func TestMemoryPlugin_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snap", "usage.json")

	first := NewMemoryPlugin(testClock())
	require.NoError(t, first.Initialize(ctx, map[string]any{KeySnapshotPath: path, KeySnapshotInterval: time.Hour}))
	_, err := first.StoreUsageRecords(ctx, "client-a", sampleRecords())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	second := NewMemoryPlugin(testClock())
	require.NoError(t, second.Initialize(ctx, map[string]any{KeySnapshotPath: path}))
	defer second.Close()

	stats, err := second.GetStorageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRecords)

	res, err := second.StoreUsageRecords(ctx, "client-a", sampleRecords())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Duplicate)
}

func TestInitialize_RejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	assert.Error(t, NewMemoryPlugin().Initialize(ctx, map[string]any{KeyTimezone: "Mars/Olympus"}))
	assert.Error(t, NewMemoryPlugin().Initialize(ctx, map[string]any{KeyQueryCacheTTL: "soon"}))
	assert.Error(t, NewPostgresPlugin().Initialize(ctx, map[string]any{}))
}

func TestOptDuration(t *testing.T) {
	cases := []struct {
		in   any
		want time.Duration
	}{
		{in: nil, want: 0},
		{in: 5, want: 5 * time.Second},
		{in: "90", want: 90 * time.Second},
		{in: "1m30s", want: 90 * time.Second},
		{in: 2 * time.Minute, want: 2 * time.Minute},
	}
	for _, tc := range cases {
		got, err := optDuration(map[string]any{"k": tc.in}, "k")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestDialect_Rebind(t *testing.T) {
	q := "DELETE FROM usage_records WHERE record_hash IN (" + placeholders(3) + ")"
	assert.Equal(t, "DELETE FROM usage_records WHERE record_hash IN (?, ?, ?)", sqliteDialect.rebind(q))
	assert.Equal(t, "DELETE FROM usage_records WHERE record_hash IN ($1, $2, $3)", postgresDialect.rebind(q))
	assert.Equal(t, "", placeholders(0))
}
