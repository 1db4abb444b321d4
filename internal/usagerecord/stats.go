package usagerecord

import (
	"time"

	"github.com/shopspring/decimal"
)

// StorageStats describes the stored record set.
type StorageStats struct {
	TotalRecords       int        `json:"total_records"`
	DistinctClients    int        `json:"distinct_clients"`
	DistinctServices   int        `json:"distinct_services"`
	DistinctModels     int        `json:"distinct_models"`
	OldestRecord       *time.Time `json:"oldest_record,omitempty"`
	NewestRecord       *time.Time `json:"newest_record,omitempty"`
	TotalCostUSD       float64    `json:"total_cost_usd"`
	EstimatedSizeBytes int64      `json:"estimated_size_bytes"`
}

// RetentionInfo describes the record set relative to a retention policy.
type RetentionInfo struct {
	Policy              *RetentionPolicy `json:"policy,omitempty"`
	TotalRecords        int              `json:"total_records"`
	OldestRecord        *time.Time       `json:"oldest_record,omitempty"`
	NewestRecord        *time.Time       `json:"newest_record,omitempty"`
	EligibleForDeletion int              `json:"eligible_for_deletion"`
}

// Stats walks the store once and reports its shape.
func (s *Store) Stats() (StorageStats, error) {
	records, err := s.snapshot(Filter{})
	if err != nil {
		return StorageStats{}, err
	}

	clients := make(map[string]struct{})
	services := make(map[string]struct{})
	models := make(map[string]struct{})
	cost := decimal.Zero
	stats := StorageStats{TotalRecords: len(records)}
	for i := range records {
		r := &records[i]
		clients[r.ClientID] = struct{}{}
		services[r.Service] = struct{}{}
		models[r.Model] = struct{}{}
		cost = cost.Add(decimal.NewFromFloat(r.Cost()))
		stats.EstimatedSizeBytes += estimateRecordSize(r)
	}
	stats.DistinctClients = len(clients)
	stats.DistinctServices = len(services)
	stats.DistinctModels = len(models)
	stats.TotalCostUSD = round(cost, 2)
	stats.OldestRecord, stats.NewestRecord = timeRange(records)
	return stats, nil
}

// RetentionInfo reports record age bounds and, when policy is set, how many
// records it would delete now.
func (s *Store) RetentionInfo(policy *RetentionPolicy) (RetentionInfo, error) {
	records, err := s.snapshot(Filter{})
	if err != nil {
		return RetentionInfo{}, err
	}
	info := RetentionInfo{TotalRecords: len(records)}
	info.OldestRecord, info.NewestRecord = timeRange(records)
	if policy == nil {
		return info, nil
	}

	p := policy.Clone()
	info.Policy = &p
	if p.Validate() != nil {
		return info, nil
	}
	now := s.now()
	for i := range records {
		if !p.Retains(&records[i], now) {
			info.EligibleForDeletion++
		}
	}
	return info, nil
}

func timeRange(records []Record) (oldest, newest *time.Time) {
	if len(records) == 0 {
		return nil, nil
	}
	lo, hi := records[0].Timestamp, records[0].Timestamp
	for i := 1; i < len(records); i++ {
		ts := records[i].Timestamp
		if ts.Before(lo) {
			lo = ts
		}
		if ts.After(hi) {
			hi = ts
		}
	}
	return &lo, &hi
}
