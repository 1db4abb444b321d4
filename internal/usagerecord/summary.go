package usagerecord

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// SummaryRequest selects the period of a usage summary.
type SummaryRequest struct {
	Filter
}

// SummaryEntry is one service, model or client share of a summary.
type SummaryEntry struct {
	Key          string  `json:"key"`
	CostUSD      float64 `json:"cost_usd"`
	TotalTokens  int64   `json:"total_tokens"`
	RequestCount int64   `json:"request_count"`
	Percentage   float64 `json:"percentage"`
}

// UsageSummary is an overview of the matched period.
type UsageSummary struct {
	StartTime         *time.Time     `json:"start_time,omitempty"`
	EndTime           *time.Time     `json:"end_time,omitempty"`
	TotalCostUSD      float64        `json:"total_cost_usd"`
	TotalInputTokens  int64          `json:"total_input_tokens"`
	TotalOutputTokens int64          `json:"total_output_tokens"`
	TotalTokens       int64          `json:"total_tokens"`
	TotalRequests     int64          `json:"total_requests"`
	ByService         []SummaryEntry `json:"by_service"`
	ByModel           []SummaryEntry `json:"by_model"`
	ByClient          []SummaryEntry `json:"by_client"`
	DailyTrend        []TrendPoint   `json:"daily_trend"`
	CostGrowthRate    float64        `json:"cost_growth_rate"`
	TokenGrowthRate   float64        `json:"token_growth_rate"`
}

func summaryEntries(records []Record, dim Dimension) []SummaryEntry {
	groups, total := groupBy(records, dim.valueOf, MetricCost)
	out := make([]SummaryEntry, len(groups))
	for i, g := range groups {
		out[i] = SummaryEntry{
			Key:          g.key,
			CostUSD:      round(g.value, 2),
			TotalTokens:  g.tokens,
			RequestCount: g.count,
			Percentage:   percentOf(g.value, total, 1),
		}
	}
	return out
}

// growthRate compares the second half of values against the first, split by count.
// It is 0 with fewer than two values or a zero first half.
func growthRate(values []decimal.Decimal) float64 {
	if len(values) < 2 {
		return 0
	}
	mid := len(values) / 2
	first := decimal.Sum(decimal.Zero, values[:mid]...)
	second := decimal.Sum(decimal.Zero, values[mid:]...)
	if first.IsZero() {
		return 0
	}
	return round(second.Sub(first).Div(first).Mul(hundred), 1)
}

// Summary totals the matched records and breaks them down by service, model and client.
func (s *Store) Summary(req SummaryRequest) (UsageSummary, error) {
	return cached(s, "summary", req, func() (UsageSummary, error) {
		matched, err := s.snapshot(req.Filter)
		if err != nil {
			return UsageSummary{}, err
		}

		sum := UsageSummary{TotalRequests: int64(len(matched))}
		if !req.StartTime.IsZero() {
			start := req.StartTime
			sum.StartTime = &start
		}
		if !req.EndTime.IsZero() {
			end := req.EndTime
			sum.EndTime = &end
		}

		cost := decimal.Zero
		for i := range matched {
			cost = cost.Add(decimal.NewFromFloat(matched[i].Cost()))
			sum.TotalInputTokens += matched[i].Input()
			sum.TotalOutputTokens += matched[i].Output()
			sum.TotalTokens += matched[i].Total()
		}
		sum.TotalCostUSD = round(cost, 2)
		sum.ByService = summaryEntries(matched, DimensionService)
		sum.ByModel = summaryEntries(matched, DimensionModel)
		sum.ByClient = summaryEntries(matched, DimensionClientID)

		days := bucketize(matched, IntervalDay, MetricCost, s.loc)
		sum.DailyTrend = trendPoints(days)

		costs := make([]decimal.Decimal, len(days))
		tokens := make([]decimal.Decimal, len(days))
		for i, d := range days {
			costs[i] = d.value
			tokens[i] = decimal.NewFromInt(d.tokens)
		}
		sum.CostGrowthRate = growthRate(costs)
		sum.TokenGrowthRate = growthRate(tokens)
		return sum, nil
	}, func(u UsageSummary) UsageSummary {
		u.ByService = slices.Clone(u.ByService)
		u.ByModel = slices.Clone(u.ByModel)
		u.ByClient = slices.Clone(u.ByClient)
		u.DailyTrend = slices.Clone(u.DailyTrend)
		return u
	})
}
