package usagerecord

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Filter selects records. Every predicate is optional and predicates are AND-combined.
// The time range is half-open: [StartTime, EndTime).
type Filter struct {
	StartTime    time.Time `json:"start_time,omitempty"`
	EndTime      time.Time `json:"end_time,omitempty"`
	ClientIDs    []string  `json:"client_ids,omitempty"`
	Services     []string  `json:"services,omitempty"`
	Models       []string  `json:"models,omitempty"`
	Applications []string  `json:"applications,omitempty"`
	Environments []string  `json:"environments,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func inSet(set map[string]struct{}, v string) bool {
	if set == nil {
		return true
	}
	_, ok := set[v]
	return ok
}

func (f Filter) matcher() func(*Record) bool {
	clients := toSet(f.ClientIDs)
	services := toSet(f.Services)
	models := toSet(f.Models)
	apps := toSet(f.Applications)
	envs := toSet(f.Environments)

	return func(r *Record) bool {
		if !f.StartTime.IsZero() && r.Timestamp.Before(f.StartTime) {
			return false
		}
		if !f.EndTime.IsZero() && !r.Timestamp.Before(f.EndTime) {
			return false
		}
		if f.SessionID != "" && r.SessionID != f.SessionID {
			return false
		}
		if f.UserID != "" && r.UserID != f.UserID {
			return false
		}
		return inSet(clients, r.ClientID) &&
			inSet(services, r.Service) &&
			inSet(models, r.Model) &&
			inSet(apps, r.Application) &&
			inSet(envs, r.Environment)
	}
}

// OrderBy is one sort key of a query.
type OrderBy struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Aggregate names accepted by UsageQuery.Aggregates.
const (
	AggregateCount = "count"
	AggregateSum   = "sum"
	AggregateAvg   = "avg"
)

// UsageQuery is a filtered, ordered and paginated read of raw records.
type UsageQuery struct {
	Filter
	OrderBy    []OrderBy `json:"order_by,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Offset     int       `json:"offset,omitempty"`
	Aggregates []string  `json:"aggregates,omitempty"`
}

// QueryAggregates holds the requested aggregates over the matched set.
type QueryAggregates struct {
	Count           *int64   `json:"count,omitempty"`
	SumCostUSD      *float64 `json:"sum_cost_usd,omitempty"`
	SumInputTokens  *int64   `json:"sum_input_tokens,omitempty"`
	SumOutputTokens *int64   `json:"sum_output_tokens,omitempty"`
	SumTotalTokens  *int64   `json:"sum_total_tokens,omitempty"`
	AvgCostUSD      *float64 `json:"avg_cost_usd,omitempty"`
}

// UsageQueryResult is the page of records plus aggregates over the full match.
type UsageQueryResult struct {
	Records      []Record         `json:"records"`
	TotalMatched int              `json:"total_matched"`
	Aggregates   *QueryAggregates `json:"aggregates,omitempty"`
	Limit        int              `json:"limit,omitempty"`
	Offset       int              `json:"offset,omitempty"`
}

// compareFunc compares a and b on one field. The booleans report whether the
// field is present on each side.
type compareFunc func(a, b *Record) (int, bool, bool)

func compareStrings(get func(*Record) string) compareFunc {
	return func(a, b *Record) (int, bool, bool) {
		av, bv := get(a), get(b)
		return strings.Compare(av, bv), av != "", bv != ""
	}
}

func compareInts(get func(*Record) *int64) compareFunc {
	return func(a, b *Record) (int, bool, bool) {
		av, bv := get(a), get(b)
		if av == nil || bv == nil {
			return 0, av != nil, bv != nil
		}
		return cmp.Compare(*av, *bv), true, true
	}
}

func compareTimes(get func(*Record) time.Time) compareFunc {
	return func(a, b *Record) (int, bool, bool) {
		av, bv := get(a), get(b)
		return av.Compare(bv), !av.IsZero(), !bv.IsZero()
	}
}

var orderFields = map[string]compareFunc{
	"timestamp":     compareTimes(func(r *Record) time.Time { return r.Timestamp }),
	"ingested_at":   compareTimes(func(r *Record) time.Time { return r.IngestedAt }),
	"service":       compareStrings(func(r *Record) string { return r.Service }),
	"model":         compareStrings(func(r *Record) string { return r.Model }),
	"client_id":     compareStrings(func(r *Record) string { return r.ClientID }),
	"application":   compareStrings(func(r *Record) string { return r.Application }),
	"environment":   compareStrings(func(r *Record) string { return r.Environment }),
	"session_id":    compareStrings(func(r *Record) string { return r.SessionID }),
	"request_id":    compareStrings(func(r *Record) string { return r.RequestID }),
	"user_id":       compareStrings(func(r *Record) string { return r.UserID }),
	"cost_model":    compareStrings(func(r *Record) string { return r.CostModel }),
	"input_tokens":  compareInts(func(r *Record) *int64 { return r.InputTokens }),
	"output_tokens": compareInts(func(r *Record) *int64 { return r.OutputTokens }),
	"total_tokens":  compareInts(func(r *Record) *int64 { return r.TotalTokens }),
	"cost_usd": func(a, b *Record) (int, bool, bool) {
		if a.CostUSD == nil || b.CostUSD == nil {
			return 0, a.CostUSD != nil, b.CostUSD != nil
		}
		return cmp.Compare(*a.CostUSD, *b.CostUSD), true, true
	},
}

type sortKey struct {
	compare compareFunc
	desc    bool
}

func buildSortKeys(order []OrderBy) ([]sortKey, error) {
	keys := make([]sortKey, 0, len(order))
	for _, o := range order {
		fn, ok := orderFields[strings.ToLower(strings.TrimSpace(o.Field))]
		if !ok {
			return nil, fmt.Errorf("%w: order_by field %q", ErrUnsupported, o.Field)
		}
		keys = append(keys, sortKey{compare: fn, desc: o.Desc})
	}
	return keys, nil
}

// compareRecords applies the sort keys in order. Absent values sort last when
// ascending and first when descending; records equal on every key keep their order.
func compareRecords(keys []sortKey, a, b *Record) int {
	for _, k := range keys {
		c, aok, bok := k.compare(a, b)
		switch {
		case !aok && !bok:
			continue
		case !aok:
			if k.desc {
				return -1
			}
			return 1
		case !bok:
			if k.desc {
				return 1
			}
			return -1
		}
		if c == 0 {
			continue
		}
		if k.desc {
			return -c
		}
		return c
	}
	return 0
}

func parseAggregates(names []string) (count, sum, avg bool, err error) {
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case AggregateCount:
			count = true
		case AggregateSum:
			sum = true
		case AggregateAvg:
			avg = true
		default:
			return false, false, false, fmt.Errorf("%w: aggregate %q", ErrUnsupported, name)
		}
	}
	return count, sum, avg, nil
}

// Query filters, sorts and paginates the stored records. Aggregates and
// TotalMatched describe the whole matched set, not just the returned page.
func (s *Store) Query(q UsageQuery) (UsageQueryResult, error) {
	keys, err := buildSortKeys(q.OrderBy)
	if err != nil {
		return UsageQueryResult{}, err
	}
	wantCount, wantSum, wantAvg, err := parseAggregates(q.Aggregates)
	if err != nil {
		return UsageQueryResult{}, err
	}

	matched, err := s.snapshot(q.Filter)
	if err != nil {
		return UsageQueryResult{}, err
	}

	result := UsageQueryResult{TotalMatched: len(matched), Limit: q.Limit, Offset: q.Offset}
	if wantCount || wantSum || wantAvg {
		result.Aggregates = aggregateRecords(matched, wantCount, wantSum, wantAvg)
	}

	if len(keys) > 0 {
		slices.SortStableFunc(matched, func(a, b Record) int {
			return compareRecords(keys, &a, &b)
		})
	}

	offset := max(q.Offset, 0)
	if offset > len(matched) {
		offset = len(matched)
	}
	end := len(matched)
	if q.Limit > 0 && offset+q.Limit < end {
		end = offset + q.Limit
	}

	page := matched[offset:end]
	result.Records = make([]Record, len(page))
	for i := range page {
		result.Records[i] = page[i].Clone()
	}
	return result, nil
}

func aggregateRecords(records []Record, wantCount, wantSum, wantAvg bool) *QueryAggregates {
	agg := &QueryAggregates{}
	cost := decimal.Zero
	var input, output, total int64
	for i := range records {
		cost = cost.Add(decimal.NewFromFloat(records[i].Cost()))
		input += records[i].Input()
		output += records[i].Output()
		total += records[i].Total()
	}
	if wantCount {
		n := int64(len(records))
		agg.Count = &n
	}
	if wantSum {
		agg.SumCostUSD = Float64(cost.InexactFloat64())
		agg.SumInputTokens = Int64(input)
		agg.SumOutputTokens = Int64(output)
		agg.SumTotalTokens = Int64(total)
	}
	if wantAvg {
		avg := 0.0
		if len(records) > 0 {
			avg = cost.Div(decimal.NewFromInt(int64(len(records)))).InexactFloat64()
		}
		agg.AvgCostUSD = &avg
	}
	return agg
}
