package usagerecord

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// maxRetentionDays caps a window; longer windows are treated as keep-forever.
const maxRetentionDays = 1_000_000

// RetentionPolicy bounds how long records are kept. Service and client overrides
// can only extend retention: a record survives while any applicable window covers it.
type RetentionPolicy struct {
	// DefaultRetentionDays applies to every record.
	DefaultRetentionDays int `yaml:"default-retention-days" json:"default_retention_days"`

	// ServiceRetentionDays overrides the window for records of a service.
	ServiceRetentionDays map[string]int `yaml:"service-retention-days,omitempty" json:"service_retention_days,omitempty"`

	// ClientRetentionDays overrides the window for records of a client.
	ClientRetentionDays map[string]int `yaml:"client-retention-days,omitempty" json:"client_retention_days,omitempty"`
}

// ConfigurationError reports a malformed retention policy.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid retention policy: %s %s", e.Field, e.Reason)
}

// Validate rejects non-positive day counts.
func (p RetentionPolicy) Validate() error {
	if p.DefaultRetentionDays <= 0 {
		return &ConfigurationError{Field: "default_retention_days", Reason: fmt.Sprintf("must be positive, got %d", p.DefaultRetentionDays)}
	}
	for service, days := range p.ServiceRetentionDays {
		if days <= 0 {
			return &ConfigurationError{Field: "service_retention_days[" + service + "]", Reason: fmt.Sprintf("must be positive, got %d", days)}
		}
	}
	for client, days := range p.ClientRetentionDays {
		if days <= 0 {
			return &ConfigurationError{Field: "client_retention_days[" + client + "]", Reason: fmt.Sprintf("must be positive, got %d", days)}
		}
	}
	return nil
}

// Clone returns a copy that shares no maps with p.
func (p RetentionPolicy) Clone() RetentionPolicy {
	p.ServiceRetentionDays = maps.Clone(p.ServiceRetentionDays)
	p.ClientRetentionDays = maps.Clone(p.ClientRetentionDays)
	return p
}

// windowDays returns the largest window applicable to r.
func (p RetentionPolicy) windowDays(r *Record) int {
	days := p.DefaultRetentionDays
	if d, ok := p.ServiceRetentionDays[r.Service]; ok && d > days {
		days = d
	}
	if d, ok := p.ClientRetentionDays[r.ClientID]; ok && d > days {
		days = d
	}
	return min(days, maxRetentionDays)
}

// Retains reports whether r is kept at now.
func (p RetentionPolicy) Retains(r *Record, now time.Time) bool {
	cutoff := now.AddDate(0, 0, -p.windowDays(r))
	return !r.Timestamp.Before(cutoff)
}

// RetentionResult reports the outcome of a retention sweep.
type RetentionResult struct {
	Deleted            int   `json:"deleted"`
	Remaining          int   `json:"remaining"`
	FreedBytesEstimate int64 `json:"freed_bytes_estimate"`
	ElapsedMs          int64 `json:"elapsed_ms"`
}

// ApplyRetention deletes every record outside all of its applicable windows.
// The sweep and the index rebuild happen under one write lock, so readers never see
// a half-applied policy. An invalid policy deletes nothing.
func (s *Store) ApplyRetention(ctx context.Context, policy RetentionPolicy) (RetentionResult, error) {
	if err := policy.Validate(); err != nil {
		return RetentionResult{}, err
	}
	start := time.Now()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return RetentionResult{}, ErrStoreClosed
	}

	kept := make([]Record, 0, len(s.records))
	var expired []string
	var freed int64
	for i := range s.records {
		if policy.Retains(&s.records[i], now) {
			kept = append(kept, s.records[i])
			continue
		}
		expired = append(expired, s.records[i].RecordHash)
		freed += estimateRecordSize(&s.records[i])
	}

	if len(expired) > 0 {
		if s.persister != nil {
			if err := s.persister.DeleteRecords(ctx, expired); err != nil {
				return RetentionResult{}, fmt.Errorf("delete expired usage records: %w", err)
			}
		}
		s.rebuildLocked(kept)
	}

	return RetentionResult{
		Deleted:            len(expired),
		Remaining:          len(s.records),
		FreedBytesEstimate: freed,
		ElapsedMs:          time.Since(start).Milliseconds(),
	}, nil
}

// PreviewRetention counts the records ApplyRetention would delete without deleting them.
func (s *Store) PreviewRetention(policy RetentionPolicy) (int, error) {
	if err := policy.Validate(); err != nil {
		return 0, err
	}
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for i := range s.records {
		if !policy.Retains(&s.records[i], now) {
			n++
		}
	}
	return n, nil
}

func estimateRecordSize(r *Record) int64 {
	raw, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}
