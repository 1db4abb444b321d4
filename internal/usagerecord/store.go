package usagerecord

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	maxIngestionErrors      = 100
	defaultIngestBatchLimit = 8
)

// Persister mirrors store mutations to a durable backend. Both calls run inside the
// store's write lock; a non-nil error aborts the mutation before memory is touched.
type Persister interface {
	PersistRecords(ctx context.Context, records []Record) error
	DeleteRecords(ctx context.Context, hashes []string) error
}

// IngestionResult summarizes a single client's ingestion call.
type IngestionResult struct {
	Processed int      `json:"processed"`
	Stored    int      `json:"stored"`
	Duplicate int      `json:"duplicate"`
	Invalid   int      `json:"invalid"`
	Errors    []string `json:"errors,omitempty"`
}

// ClientBatch is one client's share of a batch ingestion.
type ClientBatch struct {
	ClientID string   `json:"client_id"`
	Records  []Record `json:"records"`
}

// ClientIngestionResult is the outcome for one ClientBatch.
type ClientIngestionResult struct {
	ClientID string `json:"client_id"`
	IngestionResult
	Error string `json:"error,omitempty"`
}

// BatchIngestionResult aggregates per-client results of a batch ingestion.
type BatchIngestionResult struct {
	Results        []ClientIngestionResult `json:"results"`
	TotalProcessed int                     `json:"total_processed"`
	TotalStored    int                     `json:"total_stored"`
	TotalDuplicate int                     `json:"total_duplicate"`
	TotalInvalid   int                     `json:"total_invalid"`
	FailedClients  int                     `json:"failed_clients"`
}

// Store owns the canonical record set and its fingerprint index.
// Records are never modified after insertion, so readers may keep shallow copies
// taken under the read lock.
type Store struct {
	mu      sync.RWMutex
	records []Record
	index   map[string]int
	closed  bool

	loc       *time.Location
	now       func() time.Time
	persister Persister
	cache     *queryCache
}

// Option configures a Store.
type Option func(*Store)

// WithLocation sets the time zone used for calendar bucketing.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides the store's notion of now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPersister attaches a durable backend.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithQueryCacheTTL memoises analytics results for ttl. Zero disables caching.
func WithQueryCacheTTL(ttl time.Duration) Option {
	return func(s *Store) { s.cache = newQueryCache(ttl) }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		index: make(map[string]int),
		loc:   time.Local,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location returns the time zone used for bucketing.
func (s *Store) Location() *time.Location { return s.loc }

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// Ingest validates, fingerprints and stores records on behalf of clientID.
// Invalid records and duplicates are counted, never fatal. An error is returned only
// when the store is closed or the persister fails, in which case nothing was stored.
func (s *Store) Ingest(ctx context.Context, clientID string, records []Record) (IngestionResult, error) {
	var result IngestionResult
	ingestedAt := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return result, ErrStoreClosed
	}

	pending := make([]Record, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for i := range records {
		result.Processed++
		rec := records[i].Clone()
		if err := ValidateRecord(&rec); err != nil {
			result.Invalid++
			if len(result.Errors) < maxIngestionErrors {
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i, err))
			}
			continue
		}
		rec.ClientID = clientID
		rec.IngestedAt = ingestedAt
		rec.RecordHash = Fingerprint(&rec)

		if _, ok := s.index[rec.RecordHash]; ok {
			result.Duplicate++
			continue
		}
		if _, ok := seen[rec.RecordHash]; ok {
			result.Duplicate++
			continue
		}
		seen[rec.RecordHash] = struct{}{}
		pending = append(pending, rec)
	}

	if len(pending) > 0 && s.persister != nil {
		if err := s.persister.PersistRecords(ctx, pending); err != nil {
			return result, fmt.Errorf("persist usage records: %w", err)
		}
	}
	for _, rec := range pending {
		s.index[rec.RecordHash] = len(s.records)
		s.records = append(s.records, rec)
	}
	result.Stored = len(pending)

	if result.Stored > 0 {
		s.cache.clear()
	}
	return result, nil
}

// IngestBatch ingests several client batches independently. A failing client is
// reported in its own result and does not affect the others.
func (s *Store) IngestBatch(ctx context.Context, batches []ClientBatch) (BatchIngestionResult, error) {
	out := BatchIngestionResult{Results: make([]ClientIngestionResult, len(batches))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultIngestBatchLimit)
	for i := range batches {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.Ingest(gctx, batches[i].ClientID, batches[i].Records)
			out.Results[i] = ClientIngestionResult{ClientID: batches[i].ClientID, IngestionResult: res}
			if err != nil {
				out.Results[i].Error = err.Error()
				log.WithError(err).WithField("client_id", batches[i].ClientID).Warn("batch ingestion failed for client")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}

	for _, r := range out.Results {
		out.TotalProcessed += r.Processed
		out.TotalStored += r.Stored
		out.TotalDuplicate += r.Duplicate
		out.TotalInvalid += r.Invalid
		if r.Error != "" {
			out.FailedClients++
		}
	}
	return out, nil
}

// Restore loads already-stamped records, typically read back from a durable backend.
// Records without a hash are fingerprinted; invalid or duplicate ones are skipped.
func (s *Store) Restore(records []Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for i := range records {
		rec := records[i].Clone()
		if !rec.Valid() {
			continue
		}
		if rec.RecordHash == "" {
			rec.RecordHash = Fingerprint(&rec)
		}
		if _, ok := s.index[rec.RecordHash]; ok {
			continue
		}
		s.index[rec.RecordHash] = len(s.records)
		s.records = append(s.records, rec)
		restored++
	}
	if restored > 0 {
		s.cache.clear()
	}
	return restored
}

// Contains reports whether a record with the given fingerprint is stored.
func (s *Store) Contains(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[hash]
	return ok
}

// Get returns a copy of the record with the given fingerprint.
func (s *Store) Get(hash string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[hash]
	if !ok {
		return Record{}, fmt.Errorf("record %s: %w", hash, ErrNotFound)
	}
	return s.records[pos].Clone(), nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Reset drops every record.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.index = make(map[string]int)
	s.cache.clear()
}

// Compact reallocates the record slice and index to release memory held by
// deleted records.
func (s *Store) Compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildLocked(append(make([]Record, 0, len(s.records)), s.records...))
}

// Close marks the store closed; further ingestion fails with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// rebuildLocked replaces the record set and rebuilds the index from it.
func (s *Store) rebuildLocked(records []Record) {
	index := make(map[string]int, len(records))
	for i := range records {
		index[records[i].RecordHash] = i
	}
	s.records = records
	s.index = index
	s.cache.clear()
}

// snapshot returns shallow copies of every record matching f.
func (s *Store) snapshot(f Filter) ([]Record, error) {
	match := f.matcher()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Record, 0, len(s.records))
	for i := range s.records {
		if match(&s.records[i]) {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

// All returns copies of every stored record in insertion order.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	for i := range s.records {
		out[i] = s.records[i].Clone()
	}
	return out
}
