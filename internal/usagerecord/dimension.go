package usagerecord

import (
	"fmt"
	"strings"
	"time"
)

// Dimension is a record attribute usable for grouping.
type Dimension string

const (
	DimensionService     Dimension = "service"
	DimensionModel       Dimension = "model"
	DimensionClientID    Dimension = "client_id"
	DimensionApplication Dimension = "application"
	DimensionEnvironment Dimension = "environment"
)

// ParseDimension maps a group-by key to a Dimension.
func ParseDimension(s string) (Dimension, error) {
	d := Dimension(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DimensionService, DimensionModel, DimensionClientID, DimensionApplication, DimensionEnvironment:
		return d, nil
	}
	return "", fmt.Errorf("%w: group_by %q", ErrUnsupported, s)
}

func (d Dimension) valueOf(r *Record) string {
	switch d {
	case DimensionService:
		return r.Service
	case DimensionModel:
		return r.Model
	case DimensionClientID:
		return r.ClientID
	case DimensionApplication:
		return r.Application
	case DimensionEnvironment:
		return r.Environment
	}
	return ""
}

// Metric is a per-record quantity summed by analytics operations.
type Metric string

const (
	MetricCost         Metric = "cost"
	MetricTotalTokens  Metric = "total_tokens"
	MetricInputTokens  Metric = "input_tokens"
	MetricOutputTokens Metric = "output_tokens"
	MetricRequestCount Metric = "request_count"
)

// ParseMetric maps a metric name to a Metric. Empty defaults to cost.
func ParseMetric(s string) (Metric, error) {
	m := Metric(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case "":
		return MetricCost, nil
	case MetricCost, MetricTotalTokens, MetricInputTokens, MetricOutputTokens, MetricRequestCount:
		return m, nil
	}
	return "", fmt.Errorf("%w: metric %q", ErrUnsupported, s)
}

func (m Metric) valueOf(r *Record) float64 {
	switch m {
	case MetricCost:
		return r.Cost()
	case MetricTotalTokens:
		return float64(r.Total())
	case MetricInputTokens:
		return float64(r.Input())
	case MetricOutputTokens:
		return float64(r.Output())
	case MetricRequestCount:
		return 1
	}
	return 0
}

// Interval is the bucket width of a trend.
type Interval string

const (
	IntervalHour  Interval = "hour"
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
)

// ParseInterval maps an interval name to an Interval. Empty defaults to day.
func ParseInterval(s string) (Interval, error) {
	i := Interval(strings.ToLower(strings.TrimSpace(s)))
	switch i {
	case "":
		return IntervalDay, nil
	case IntervalHour, IntervalDay, IntervalWeek, IntervalMonth:
		return i, nil
	}
	return "", fmt.Errorf("%w: interval %q", ErrUnsupported, s)
}

// Truncate floors t to the start of its bucket in loc. Weeks start on Monday.
func (i Interval) Truncate(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, mo, d := t.Date()
	switch i {
	case IntervalHour:
		return time.Date(y, mo, d, t.Hour(), 0, 0, 0, loc)
	case IntervalWeek:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, mo, d-offset, 0, 0, 0, 0, loc)
	case IntervalMonth:
		return time.Date(y, mo, 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(y, mo, d, 0, 0, 0, 0, loc)
	}
}
