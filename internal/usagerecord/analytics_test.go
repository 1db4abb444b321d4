package usagerecord

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ingestAll(t *testing.T, store *Store, clientID string, records ...Record) {
	t.Helper()
	res, err := store.Ingest(context.Background(), clientID, records)
	require.NoError(t, err)
	require.Equal(t, len(records), res.Stored)
}

func TestTrend_DayAndHourBuckets(t *testing.T) {
	store := newTestStore(t)
	ingestAll(t, store, "client-a",
		testRecord(time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC), "openai", "gpt-4o", 0.10),
		testRecord(time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC), "openai", "gpt-4o", 0.15),
	)

	daily, err := store.Trend(TrendRequest{Interval: "day", Metric: "cost"})
	require.NoError(t, err)
	require.Len(t, daily.Points, 1)
	assert.Equal(t, 0.25, daily.Points[0].Value)
	assert.Equal(t, int64(2), daily.Points[0].Count)
	assert.Equal(t, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), daily.Points[0].Timestamp)

	hourly, err := store.Trend(TrendRequest{Interval: "hour"})
	require.NoError(t, err)
	require.Len(t, hourly.Points, 2)
	assert.Equal(t, int64(1), hourly.Points[0].Count)
	assert.Equal(t, int64(1), hourly.Points[1].Count)
	assert.True(t, hourly.Points[0].Timestamp.Before(hourly.Points[1].Timestamp))
	assert.Equal(t, 0.25, hourly.TotalValue)
	assert.Equal(t, 0.13, hourly.AverageValue)
}

func TestTrend_CalendarTruncation(t *testing.T) {
	// 2025-01-10 is a Friday.
	friday := time.Date(2025, 1, 10, 23, 30, 0, 0, time.UTC)
	cases := []struct {
		interval Interval
		want     time.Time
	}{
		{IntervalHour, time.Date(2025, 1, 10, 23, 0, 0, 0, time.UTC)},
		{IntervalDay, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)},
		{IntervalWeek, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)},
		{IntervalMonth, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(string(tc.interval), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.interval.Truncate(friday, time.UTC))
		})
	}

	// A Sunday belongs to the week that started six days earlier.
	sunday := time.Date(2025, 1, 12, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), IntervalWeek.Truncate(sunday, time.UTC))
}

func TestTrend_UsesStoreLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	store := newTestStore(t, WithLocation(tokyo))
	// 20:00 UTC on Jan 10 is already Jan 11 in Tokyo.
	ingestAll(t, store, "client-a",
		testRecord(time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC), "openai", "gpt-4o", 0.10),
		testRecord(time.Date(2025, 1, 10, 20, 0, 0, 0, time.UTC), "openai", "gpt-4o", 0.10),
	)

	trend, err := store.Trend(TrendRequest{Interval: "day"})
	require.NoError(t, err)
	assert.Len(t, trend.Points, 2)
}

func TestTrend_Metrics(t *testing.T) {
	store := newTestStore(t)
	ingestAll(t, store, "client-a",
		testRecord(queryBase, "openai", "gpt-4o", 0.10),
		testRecord(queryBase.Add(time.Minute), "openai", "gpt-4o", 0.20),
	)

	cases := map[string]float64{
		"total_tokens":  300,
		"input_tokens":  200,
		"output_tokens": 100,
		"request_count": 2,
		"cost":          0.3,
	}
	for metric, want := range cases {
		t.Run(metric, func(t *testing.T) {
			trend, err := store.Trend(TrendRequest{Metric: metric})
			require.NoError(t, err)
			assert.Equal(t, want, trend.TotalValue)
		})
	}
}

func TestAnalytics_RejectUnsupportedEnums(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Trend(TrendRequest{Interval: "fortnight"})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = store.Trend(TrendRequest{Metric: "latency"})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = store.TopUsage(TopUsageRequest{GroupBy: "region"})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = store.CostBreakdown(CostBreakdownRequest{Dimensions: []string{"service", "region"}})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func seedTopUsage(t *testing.T, store *Store) {
	t.Helper()
	ingestAll(t, store, "client-a",
		testRecord(queryBase, "openai", "gpt-4o", 0.12),
		testRecord(queryBase.Add(time.Minute), "openai", "gpt-4o-mini", 0.15),
	)
	ingestAll(t, store, "client-b",
		testRecord(queryBase.Add(2*time.Minute), "anthropic", "claude-sonnet", 0.08),
	)
}

func TestTopUsage_OrderAndPercentage(t *testing.T) {
	store := newTestStore(t)
	seedTopUsage(t, store)

	top, err := store.TopUsage(TopUsageRequest{GroupBy: "service", Metric: "cost"})
	require.NoError(t, err)
	require.Len(t, top.Entries, 2)

	assert.Equal(t, "openai", top.Entries[0].Key)
	assert.Equal(t, 0.27, top.Entries[0].Value)
	assert.Equal(t, 77.1, top.Entries[0].Percentage)
	assert.Equal(t, "anthropic", top.Entries[1].Key)
	assert.Equal(t, 22.9, top.Entries[1].Percentage)
	assert.InDelta(t, 100, top.Entries[0].Percentage+top.Entries[1].Percentage, 0.1)
}

func TestTopUsage_PercentageUsesPreTruncationTotal(t *testing.T) {
	store := newTestStore(t)
	seedTopUsage(t, store)

	top, err := store.TopUsage(TopUsageRequest{GroupBy: "service", Limit: 1})
	require.NoError(t, err)
	require.Len(t, top.Entries, 1)
	assert.Equal(t, 77.1, top.Entries[0].Percentage)
	assert.Equal(t, 0.35, top.TotalValue)
	assert.Equal(t, 2, top.Groups)
}

func TestTopUsage_GroupByClient(t *testing.T) {
	store := newTestStore(t)
	seedTopUsage(t, store)

	top, err := store.TopUsage(TopUsageRequest{GroupBy: "client_id", Metric: "request_count"})
	require.NoError(t, err)
	require.Len(t, top.Entries, 2)
	assert.Equal(t, "client-a", top.Entries[0].Key)
	assert.Equal(t, 2.0, top.Entries[0].Value)
}

func TestCostBreakdown_MultipleDimensions(t *testing.T) {
	store := newTestStore(t)
	seedTopUsage(t, store)

	breakdown, err := store.CostBreakdown(CostBreakdownRequest{Dimensions: []string{"service", "model"}})
	require.NoError(t, err)
	require.Len(t, breakdown.Entries, 3)
	assert.Equal(t, 0.35, breakdown.TotalCostUSD)

	first := breakdown.Entries[0]
	assert.Equal(t, "openai/gpt-4o-mini", first.Key)
	assert.Equal(t, map[string]string{"service": "openai", "model": "gpt-4o-mini"}, first.Dimensions)
	assert.Equal(t, 0.15, first.CostUSD)
	assert.Equal(t, int64(150), first.TotalTokens)
	assert.Equal(t, int64(1), first.RequestCount)
	assert.Equal(t, 42.9, first.Percentage)
}

func TestCostBreakdown_DefaultsToService(t *testing.T) {
	store := newTestStore(t)
	seedTopUsage(t, store)

	breakdown, err := store.CostBreakdown(CostBreakdownRequest{})
	require.NoError(t, err)
	assert.Equal(t, []Dimension{DimensionService}, breakdown.Dimensions)
	require.Len(t, breakdown.Entries, 2)
	assert.Equal(t, int64(2), breakdown.Entries[0].RequestCount)
}

func TestSummary_TotalsAndGrowth(t *testing.T) {
	store := newTestStore(t)
	day := func(n int) time.Time { return time.Date(2025, 1, n, 9, 0, 0, 0, time.UTC) }
	ingestAll(t, store, "client-a",
		testRecord(day(1), "openai", "gpt-4o", 1),
		testRecord(day(2), "openai", "gpt-4o", 1),
		testRecord(day(3), "anthropic", "claude-sonnet", 3),
	)
	ingestAll(t, store, "client-b",
		testRecord(day(4), "anthropic", "claude-sonnet", 3),
	)

	sum, err := store.Summary(SummaryRequest{})
	require.NoError(t, err)
	assert.Equal(t, 8.0, sum.TotalCostUSD)
	assert.Equal(t, int64(4), sum.TotalRequests)
	assert.Equal(t, int64(600), sum.TotalTokens)
	assert.Len(t, sum.DailyTrend, 4)
	assert.Equal(t, 200.0, sum.CostGrowthRate)
	assert.Equal(t, 0.0, sum.TokenGrowthRate)

	require.Len(t, sum.ByService, 2)
	assert.Equal(t, "anthropic", sum.ByService[0].Key)
	assert.Equal(t, 75.0, sum.ByService[0].Percentage)
	require.Len(t, sum.ByClient, 2)
	assert.Equal(t, "client-a", sum.ByClient[0].Key)
	assert.Len(t, sum.ByModel, 2)
}

func TestSummary_GrowthEdgeCases(t *testing.T) {
	store := newTestStore(t)
	ingestAll(t, store, "client-a", testRecord(queryBase, "openai", "gpt-4o", 1))

	sum, err := store.Summary(SummaryRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, sum.CostGrowthRate)

	empty := newTestStore(t)
	sum, err = empty.Summary(SummaryRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.TotalRequests)
	assert.Empty(t, sum.DailyTrend)
}

func TestGrowthRate(t *testing.T) {
	cases := []struct {
		name   string
		values []float64
		want   float64
	}{
		{name: "odd count splits at floor", values: []float64{2, 1, 2}, want: 50},
		{name: "zero first half", values: []float64{0, 5}, want: 0},
		{name: "decline", values: []float64{4, 1}, want: -75},
		{name: "single", values: []float64{4}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			values := make([]decimal.Decimal, len(tc.values))
			for i, v := range tc.values {
				values[i] = decimal.NewFromFloat(v)
			}
			assert.Equal(t, tc.want, growthRate(values))
		})
	}
}
