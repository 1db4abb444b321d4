package usagerecord

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProjectionPeriod is the horizon of a cost projection.
type ProjectionPeriod string

const (
	PeriodDaily   ProjectionPeriod = "daily"
	PeriodWeekly  ProjectionPeriod = "weekly"
	PeriodMonthly ProjectionPeriod = "monthly"
)

// Days returns the length of the period in days.
func (p ProjectionPeriod) Days() int {
	switch p {
	case PeriodDaily:
		return 1
	case PeriodWeekly:
		return 7
	default:
		return 30
	}
}

// ProjectionMethod selects how history is extrapolated.
type ProjectionMethod string

const (
	MethodLinear      ProjectionMethod = "linear"
	MethodExponential ProjectionMethod = "exponential"
	MethodSeasonal    ProjectionMethod = "seasonal"
	MethodAverage     ProjectionMethod = "average"
)

const (
	defaultBasePeriod = 30 * 24 * time.Hour

	confidenceLinear      = 0.85
	confidenceLinearShort = 0.6
	confidenceExponential = 0.7
	confidenceFlat        = 0.75

	// linear projections need a week of daily history for full confidence.
	linearConfidentDays = 7
)

// ProjectionRequest describes the base period and the projection to compute.
// The base period is [StartTime, EndTime); EndTime defaults to now and StartTime to
// thirty days before EndTime.
type ProjectionRequest struct {
	Filter
	ProjectPeriod string `json:"project_period,omitempty"`
	Method        string `json:"method,omitempty"`
}

// CostProjection is a forward estimate derived from the base period.
type CostProjection struct {
	Method            ProjectionMethod `json:"method"`
	ProjectPeriod     ProjectionPeriod `json:"project_period"`
	ProjectionDays    int              `json:"projection_days"`
	BasePeriodStart   time.Time        `json:"base_period_start"`
	BasePeriodEnd     time.Time        `json:"base_period_end"`
	BasePeriodDays    int              `json:"base_period_days"`
	BaseCostUSD       float64          `json:"base_cost_usd"`
	ProjectedCostUSD  float64          `json:"projected_cost_usd"`
	ProjectedTokens   int64            `json:"projected_tokens"`
	ProjectedRequests int64            `json:"projected_requests"`
	GrowthRatio       float64          `json:"growth_ratio"`
	Confidence        float64          `json:"confidence"`
	HistoricalTrend   []TrendPoint     `json:"historical_trend"`
	ProjectedTrend    []TrendPoint     `json:"projected_trend"`
}

func parseProjectionPeriod(s string) (ProjectionPeriod, error) {
	p := ProjectionPeriod(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return PeriodMonthly, nil
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	}
	return "", fmt.Errorf("%w: project_period %q", ErrUnsupported, s)
}

func parseProjectionMethod(s string) (ProjectionMethod, error) {
	m := ProjectionMethod(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case "":
		return MethodLinear, nil
	case MethodLinear, MethodExponential, MethodSeasonal, MethodAverage:
		return m, nil
	}
	return "", fmt.Errorf("%w: method %q", ErrUnsupported, s)
}

// halfMeansRatio returns mean(second half)/mean(first half) of the daily values,
// or 1 when it is undefined.
func halfMeansRatio(days []bucket) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if len(days) < 2 {
		return one
	}
	mid := len(days) / 2
	mean := func(bs []bucket) decimal.Decimal {
		total := decimal.Zero
		for _, b := range bs {
			total = total.Add(b.value)
		}
		return total.Div(decimal.NewFromInt(int64(len(bs))))
	}
	first, second := mean(days[:mid]), mean(days[mid:])
	if first.IsZero() {
		return one
	}
	return second.Div(first)
}

// ProjectCost extrapolates the base period's spend over the requested horizon.
func (s *Store) ProjectCost(req ProjectionRequest) (CostProjection, error) {
	period, err := parseProjectionPeriod(req.ProjectPeriod)
	if err != nil {
		return CostProjection{}, err
	}
	method, err := parseProjectionMethod(req.Method)
	if err != nil {
		return CostProjection{}, err
	}

	if req.EndTime.IsZero() {
		req.EndTime = s.now()
	}
	if req.StartTime.IsZero() {
		req.StartTime = req.EndTime.Add(-defaultBasePeriod)
	}
	if !req.StartTime.Before(req.EndTime) {
		return CostProjection{}, fmt.Errorf("%w: start_time must be before end_time", ErrInvalidQuery)
	}

	return cached(s, "projection", req, func() (CostProjection, error) {
		matched, err := s.snapshot(req.Filter)
		if err != nil {
			return CostProjection{}, err
		}

		baseDays := max(int(req.EndTime.Sub(req.StartTime)/(24*time.Hour)), 1)
		projectionDays := period.Days()
		scale := decimal.NewFromInt(int64(projectionDays)).Div(decimal.NewFromInt(int64(baseDays)))

		cost := decimal.Zero
		var tokens int64
		for i := range matched {
			cost = cost.Add(decimal.NewFromFloat(matched[i].Cost()))
			tokens += matched[i].Total()
		}
		days := bucketize(matched, IntervalDay, MetricCost, s.loc)

		projected := cost.Mul(scale)
		ratio := decimal.NewFromInt(1)
		var confidence float64
		switch method {
		case MethodLinear:
			confidence = confidenceLinearShort
			if len(days) >= linearConfidentDays {
				confidence = confidenceLinear
			}
		case MethodExponential:
			ratio = halfMeansRatio(days)
			projected = projected.Mul(ratio)
			confidence = confidenceExponential
		case MethodSeasonal, MethodAverage:
			confidence = confidenceFlat
		}

		projectedCost := round(projected, 2)
		return CostProjection{
			Method:            method,
			ProjectPeriod:     period,
			ProjectionDays:    projectionDays,
			BasePeriodStart:   req.StartTime,
			BasePeriodEnd:     req.EndTime,
			BasePeriodDays:    baseDays,
			BaseCostUSD:       round(cost, 2),
			ProjectedCostUSD:  projectedCost,
			ProjectedTokens:   decimal.NewFromInt(tokens).Mul(scale).Round(0).IntPart(),
			ProjectedRequests: decimal.NewFromInt(int64(len(matched))).Mul(scale).Round(0).IntPart(),
			GrowthRatio:       round(ratio, 4),
			Confidence:        confidence,
			HistoricalTrend:   trendPoints(days),
			ProjectedTrend:    []TrendPoint{{Timestamp: req.EndTime, Value: projectedCost}},
		}, nil
	}, func(p CostProjection) CostProjection {
		p.HistoricalTrend = slices.Clone(p.HistoricalTrend)
		p.ProjectedTrend = slices.Clone(p.ProjectedTrend)
		return p
	})
}
