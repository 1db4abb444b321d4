// Package usagerecord holds the usage record store and the analytics computed over it.
// Clients report metered LLM calls; the store validates and deduplicates them by content
// fingerprint and answers trend, ranking, breakdown, summary and projection queries.
package usagerecord

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidRecord marks a record rejected by validation.
	ErrInvalidRecord = errors.New("invalid usage record")
	// ErrUnsupported is returned for unknown dimensions, metrics, intervals or methods.
	ErrUnsupported = errors.New("unsupported value")
	// ErrInvalidQuery is returned for requests whose parameters contradict each other.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

const fingerprintDelimiter = "|"

// Record is a single metered usage event reported by a client.
type Record struct {
	Timestamp    time.Time      `json:"timestamp"`
	Service      string         `json:"service"`
	Model        string         `json:"model"`
	InputTokens  *int64         `json:"input_tokens,omitempty"`
	OutputTokens *int64         `json:"output_tokens,omitempty"`
	TotalTokens  *int64         `json:"total_tokens,omitempty"`
	CostUSD      *float64       `json:"cost_usd,omitempty"`
	CostModel    string         `json:"cost_model,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Application  string         `json:"application,omitempty"`
	Environment  string         `json:"environment,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Assigned by the store at ingestion time.
	ClientID   string    `json:"client_id"`
	IngestedAt time.Time `json:"ingested_at"`
	RecordHash string    `json:"record_hash"`
}

// Int64 returns a pointer to v. Handy for building records.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Cost returns the record's cost in USD, or 0 when absent.
func (r *Record) Cost() float64 {
	if r.CostUSD == nil {
		return 0
	}
	return *r.CostUSD
}

// Input returns the input token count, or 0 when absent.
func (r *Record) Input() int64 { return derefInt(r.InputTokens) }

// Output returns the output token count, or 0 when absent.
func (r *Record) Output() int64 { return derefInt(r.OutputTokens) }

// Total returns the total token count, or 0 when absent.
func (r *Record) Total() int64 { return derefInt(r.TotalTokens) }

func derefInt(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// Clone returns a deep copy so callers never alias stored state.
func (r Record) Clone() Record {
	out := r
	if r.InputTokens != nil {
		out.InputTokens = Int64(*r.InputTokens)
	}
	if r.OutputTokens != nil {
		out.OutputTokens = Int64(*r.OutputTokens)
	}
	if r.TotalTokens != nil {
		out.TotalTokens = Int64(*r.TotalTokens)
	}
	if r.CostUSD != nil {
		out.CostUSD = Float64(*r.CostUSD)
	}
	if r.Metadata != nil {
		out.Metadata = maps.Clone(r.Metadata)
	}
	return out
}

// ValidateRecord reports why a record cannot be stored, or nil when it is valid.
// Only the timestamp, service and model are checked.
func ValidateRecord(r *Record) error {
	if r == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidRecord)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Service) == "" {
		return fmt.Errorf("%w: service is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRecord)
	}
	return nil
}

// Valid reports whether the record passes validation.
func (r *Record) Valid() bool {
	return ValidateRecord(r) == nil
}

// Fingerprint derives the deduplication key of a record. Records with identical
// identity fields collide on purpose; client id, metadata, cost model and the
// ingestion time are not part of the identity.
func Fingerprint(r *Record) string {
	parts := []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Service,
		r.Model,
		formatOptionalInt(r.InputTokens),
		formatOptionalInt(r.OutputTokens),
		formatOptionalInt(r.TotalTokens),
		formatOptionalFloat(r.CostUSD),
		r.SessionID,
		r.RequestID,
		r.UserID,
		r.Application,
		r.Environment,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, fingerprintDelimiter)))
	return hex.EncodeToString(sum[:])
}

func formatOptionalInt(p *int64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatInt(*p, 10)
}

func formatOptionalFloat(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}
