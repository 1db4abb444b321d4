package usagerecord

import (
	"cmp"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

func round(d decimal.Decimal, places int32) float64 {
	return d.Round(places).InexactFloat64()
}

func metricValue(m Metric, r *Record) decimal.Decimal {
	return decimal.NewFromFloat(m.valueOf(r))
}

// percentOf returns part/total*100 rounded to places, or 0 when total is zero.
func percentOf(part, total decimal.Decimal, places int32) float64 {
	if total.IsZero() {
		return 0
	}
	return round(part.Div(total).Mul(hundred), places)
}

// TrendRequest selects the records and bucketing of a trend.
type TrendRequest struct {
	Filter
	Interval string `json:"interval,omitempty"`
	Metric   string `json:"metric,omitempty"`
}

// TrendPoint is one time bucket.
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Count     int64     `json:"count"`
}

// TrendData is a bucketed time series over the matched records.
type TrendData struct {
	Interval     Interval     `json:"interval"`
	Metric       Metric       `json:"metric"`
	Points       []TrendPoint `json:"points"`
	TotalValue   float64      `json:"total_value"`
	AverageValue float64      `json:"average_value"`
}

type bucket struct {
	start  time.Time
	value  decimal.Decimal
	tokens int64
	count  int64
}

// bucketize groups records by interval and returns buckets in ascending time order.
func bucketize(records []Record, interval Interval, metric Metric, loc *time.Location) []bucket {
	byStart := make(map[int64]*bucket)
	for i := range records {
		start := interval.Truncate(records[i].Timestamp, loc)
		key := start.UnixNano()
		b, ok := byStart[key]
		if !ok {
			b = &bucket{start: start}
			byStart[key] = b
		}
		b.value = b.value.Add(metricValue(metric, &records[i]))
		b.tokens += records[i].Total()
		b.count++
	}
	out := make([]bucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b bucket) int { return a.start.Compare(b.start) })
	return out
}

func trendPoints(buckets []bucket) []TrendPoint {
	points := make([]TrendPoint, len(buckets))
	for i, b := range buckets {
		points[i] = TrendPoint{Timestamp: b.start, Value: round(b.value, 2), Count: b.count}
	}
	return points
}

// Trend buckets the matched records by calendar interval in the store's location.
func (s *Store) Trend(req TrendRequest) (TrendData, error) {
	interval, err := ParseInterval(req.Interval)
	if err != nil {
		return TrendData{}, err
	}
	metric, err := ParseMetric(req.Metric)
	if err != nil {
		return TrendData{}, err
	}
	return cached(s, "trend", req, func() (TrendData, error) {
		matched, err := s.snapshot(req.Filter)
		if err != nil {
			return TrendData{}, err
		}
		buckets := bucketize(matched, interval, metric, s.loc)

		total := decimal.Zero
		for _, b := range buckets {
			total = total.Add(b.value)
		}
		data := TrendData{
			Interval:   interval,
			Metric:     metric,
			Points:     trendPoints(buckets),
			TotalValue: round(total, 2),
		}
		if len(buckets) > 0 {
			data.AverageValue = round(total.Div(decimal.NewFromInt(int64(len(buckets)))), 2)
		}
		return data, nil
	}, func(d TrendData) TrendData {
		d.Points = slices.Clone(d.Points)
		return d
	})
}

// TopUsageRequest ranks groups of one dimension by a metric.
type TopUsageRequest struct {
	Filter
	GroupBy string `json:"group_by,omitempty"`
	Metric  string `json:"metric,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// TopUsageEntry is one ranked group.
type TopUsageEntry struct {
	Key        string  `json:"key"`
	Value      float64 `json:"value"`
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

// TopUsageResult lists the highest groups. TotalValue covers every group, including
// those cut by the limit.
type TopUsageResult struct {
	GroupBy    Dimension       `json:"group_by"`
	Metric     Metric          `json:"metric"`
	Entries    []TopUsageEntry `json:"entries"`
	TotalValue float64         `json:"total_value"`
	Groups     int             `json:"groups"`
}

const defaultTopLimit = 10

type group struct {
	key    string
	value  decimal.Decimal
	tokens int64
	count  int64
}

// groupBy sums metric per key and sorts descending by value, ties by key.
func groupBy(records []Record, keyOf func(*Record) string, metric Metric) ([]group, decimal.Decimal) {
	groups := make(map[string]*group)
	total := decimal.Zero
	for i := range records {
		key := keyOf(&records[i])
		g, ok := groups[key]
		if !ok {
			g = &group{key: key}
			groups[key] = g
		}
		v := metricValue(metric, &records[i])
		g.value = g.value.Add(v)
		g.tokens += records[i].Total()
		g.count++
		total = total.Add(v)
	}
	out := make([]group, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	slices.SortFunc(out, func(a, b group) int {
		if c := b.value.Cmp(a.value); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})
	return out, total
}

// TopUsage ranks groups by the requested metric.
func (s *Store) TopUsage(req TopUsageRequest) (TopUsageResult, error) {
	dim, err := ParseDimension(req.GroupBy)
	if err != nil {
		return TopUsageResult{}, err
	}
	metric, err := ParseMetric(req.Metric)
	if err != nil {
		return TopUsageResult{}, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultTopLimit
	}
	return cached(s, "top", req, func() (TopUsageResult, error) {
		matched, err := s.snapshot(req.Filter)
		if err != nil {
			return TopUsageResult{}, err
		}
		groups, total := groupBy(matched, dim.valueOf, metric)

		res := TopUsageResult{
			GroupBy:    dim,
			Metric:     metric,
			TotalValue: round(total, 2),
			Groups:     len(groups),
			Entries:    make([]TopUsageEntry, 0, min(limit, len(groups))),
		}
		for _, g := range groups[:min(limit, len(groups))] {
			res.Entries = append(res.Entries, TopUsageEntry{
				Key:        g.key,
				Value:      round(g.value, 2),
				Count:      g.count,
				Percentage: percentOf(g.value, total, 1),
			})
		}
		return res, nil
	}, func(r TopUsageResult) TopUsageResult {
		r.Entries = slices.Clone(r.Entries)
		return r
	})
}

// CostBreakdownRequest groups cost by an ordered list of dimensions.
type CostBreakdownRequest struct {
	Filter
	Dimensions []string `json:"dimensions,omitempty"`
}

// CostBreakdownEntry is one distinct tuple of dimension values.
type CostBreakdownEntry struct {
	Key          string            `json:"key"`
	Dimensions   map[string]string `json:"dimensions"`
	CostUSD      float64           `json:"cost_usd"`
	TotalTokens  int64             `json:"total_tokens"`
	RequestCount int64             `json:"request_count"`
	Percentage   float64           `json:"percentage"`
}

// CostBreakdown lists the tuples by descending cost.
type CostBreakdown struct {
	Dimensions   []Dimension          `json:"dimensions"`
	Entries      []CostBreakdownEntry `json:"entries"`
	TotalCostUSD float64              `json:"total_cost_usd"`
}

const (
	breakdownKeySeparator = "/"
	tupleSeparator        = "\x1f"
)

// CostBreakdown groups the matched records by every requested dimension.
// With no dimensions it groups by service.
func (s *Store) CostBreakdown(req CostBreakdownRequest) (CostBreakdown, error) {
	names := req.Dimensions
	if len(names) == 0 {
		names = []string{string(DimensionService)}
	}
	dims := make([]Dimension, 0, len(names))
	for _, name := range names {
		d, err := ParseDimension(name)
		if err != nil {
			return CostBreakdown{}, err
		}
		dims = append(dims, d)
	}

	return cached(s, "breakdown", req, func() (CostBreakdown, error) {
		matched, err := s.snapshot(req.Filter)
		if err != nil {
			return CostBreakdown{}, err
		}
		tuples := make(map[string][]string)
		keyOf := func(r *Record) string {
			values := make([]string, len(dims))
			for i, d := range dims {
				values[i] = d.valueOf(r)
			}
			key := strings.Join(values, tupleSeparator)
			tuples[key] = values
			return key
		}
		groups, total := groupBy(matched, keyOf, MetricCost)

		out := CostBreakdown{
			Dimensions:   dims,
			Entries:      make([]CostBreakdownEntry, 0, len(groups)),
			TotalCostUSD: round(total, 2),
		}
		for _, g := range groups {
			labels := make(map[string]string, len(dims))
			for i, d := range dims {
				labels[string(d)] = tuples[g.key][i]
			}
			out.Entries = append(out.Entries, CostBreakdownEntry{
				Key:          strings.Join(tuples[g.key], breakdownKeySeparator),
				Dimensions:   labels,
				CostUSD:      round(g.value, 2),
				TotalTokens:  g.tokens,
				RequestCount: g.count,
				Percentage:   percentOf(g.value, total, 1),
			})
		}
		return out, nil
	}, func(b CostBreakdown) CostBreakdown {
		b.Dimensions = slices.Clone(b.Dimensions)
		b.Entries = slices.Clone(b.Entries)
		for i := range b.Entries {
			b.Entries[i].Dimensions = maps.Clone(b.Entries[i].Dimensions)
		}
		return b
	})
}
