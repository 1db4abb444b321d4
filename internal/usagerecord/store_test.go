package usagerecord

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	base := []Option{
		WithLocation(time.UTC),
		WithClock(func() time.Time { return testNow }),
	}
	return NewStore(append(base, opts...)...)
}

func testRecord(ts time.Time, service, model string, cost float64) Record {
	return Record{
		Timestamp:    ts,
		Service:      service,
		Model:        model,
		InputTokens:  Int64(100),
		OutputTokens: Int64(50),
		TotalTokens:  Int64(150),
		CostUSD:      Float64(cost),
	}
}

type fakePersister struct {
	failClient string
	failDelete bool
	persisted  []Record
	deleted    []string
}

func (p *fakePersister) PersistRecords(_ context.Context, records []Record) error {
	for _, r := range records {
		if p.failClient != "" && r.ClientID == p.failClient {
			return errors.New("disk full")
		}
	}
	p.persisted = append(p.persisted, records...)
	return nil
}

func (p *fakePersister) DeleteRecords(_ context.Context, hashes []string) error {
	if p.failDelete {
		return errors.New("locked")
	}
	p.deleted = append(p.deleted, hashes...)
	return nil
}

func TestIngest_StampsRecords(t *testing.T) {
	store := newTestStore(t)
	rec := testRecord(testNow.Add(-time.Hour), "openai", "gpt-4o", 0.1)
	rec.ClientID = "spoofed"

	res, err := store.Ingest(context.Background(), "client-a", []Record{rec})
	require.NoError(t, err)
	assert.Equal(t, IngestionResult{Processed: 1, Stored: 1}, res)

	all := store.All()
	require.Len(t, all, 1)
	assert.Equal(t, "client-a", all[0].ClientID)
	assert.Equal(t, testNow, all[0].IngestedAt)
	assert.Equal(t, Fingerprint(&all[0]), all[0].RecordHash)
	assert.Len(t, all[0].RecordHash, 64)
}

func TestIngest_Deduplicates(t *testing.T) {
	store := newTestStore(t)
	rec := testRecord(testNow.Add(-time.Hour), "openai", "gpt-4o", 0.1)

	first, err := store.Ingest(context.Background(), "client-a", []Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Stored)

	second, err := store.Ingest(context.Background(), "client-a", []Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Stored)
	assert.Equal(t, 1, second.Duplicate)

	// Client id is not part of the identity.
	third, err := store.Ingest(context.Background(), "client-b", []Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, third.Duplicate)

	assert.Equal(t, 1, store.Len())
}

func TestIngest_DeduplicatesWithinBatch(t *testing.T) {
	store := newTestStore(t)
	rec := testRecord(testNow.Add(-time.Hour), "openai", "gpt-4o", 0.1)
	other := rec
	other.RequestID = "req-2"

	res, err := store.Ingest(context.Background(), "client-a", []Record{rec, rec, other})
	require.NoError(t, err)
	assert.Equal(t, IngestionResult{Processed: 3, Stored: 2, Duplicate: 1}, res)
	assert.Equal(t, 2, store.Len())
}

func TestIngest_RejectsInvalidRecords(t *testing.T) {
	ts := testNow.Add(-time.Hour)
	cases := []struct {
		name string
		rec  Record
	}{
		{name: "zero timestamp", rec: Record{Service: "openai", Model: "gpt-4o"}},
		{name: "empty service", rec: Record{Timestamp: ts, Model: "gpt-4o"}},
		{name: "blank service", rec: Record{Timestamp: ts, Service: "  \t", Model: "gpt-4o"}},
		{name: "empty model", rec: Record{Timestamp: ts, Service: "openai"}},
		{name: "blank model", rec: Record{Timestamp: ts, Service: "openai", Model: " "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t)
			valid := testRecord(ts, "openai", "gpt-4o", 0.2)

			res, err := store.Ingest(context.Background(), "client-a", []Record{tc.rec, valid})
			require.NoError(t, err)
			assert.Equal(t, 2, res.Processed)
			assert.Equal(t, 1, res.Invalid)
			assert.Equal(t, 1, res.Stored)
			require.Len(t, res.Errors, 1)
			assert.Contains(t, res.Errors[0], "record 0")
			assert.Equal(t, 1, store.Len())
		})
	}
}

func TestIngest_BoundsErrorList(t *testing.T) {
	store := newTestStore(t)
	records := make([]Record, maxIngestionErrors+50)

	res, err := store.Ingest(context.Background(), "client-a", records)
	require.NoError(t, err)
	assert.Equal(t, maxIngestionErrors+50, res.Invalid)
	assert.Len(t, res.Errors, maxIngestionErrors)
}

func TestIngest_PersisterFailureStoresNothing(t *testing.T) {
	persister := &fakePersister{failClient: "client-a"}
	store := newTestStore(t, WithPersister(persister))

	records := []Record{testRecord(testNow, "openai", "gpt-4o", 0.1), {Service: "openai"}}
	res, err := store.Ingest(context.Background(), "client-a", records)
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 0, res.Stored)
	assert.Equal(t, 1, res.Invalid)
	assert.Len(t, res.Errors, 1)
}

func TestIngestBatch_IsolatesClients(t *testing.T) {
	persister := &fakePersister{failClient: "bad"}
	store := newTestStore(t, WithPersister(persister))
	ts := testNow.Add(-time.Hour)

	batches := []ClientBatch{
		{ClientID: "good", Records: []Record{
			testRecord(ts, "openai", "gpt-4o", 0.1),
			testRecord(ts.Add(time.Minute), "openai", "gpt-4o", 0.2),
			{Service: "openai"},
		}},
		{ClientID: "bad", Records: []Record{testRecord(ts.Add(2*time.Minute), "anthropic", "claude", 0.3)}},
	}

	res, err := store.IngestBatch(context.Background(), batches)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)

	assert.Equal(t, "good", res.Results[0].ClientID)
	assert.Equal(t, 2, res.Results[0].Stored)
	assert.Equal(t, 1, res.Results[0].Invalid)
	assert.Empty(t, res.Results[0].Error)

	assert.Equal(t, "bad", res.Results[1].ClientID)
	assert.NotEmpty(t, res.Results[1].Error)

	assert.Equal(t, 4, res.TotalProcessed)
	assert.Equal(t, 2, res.TotalStored)
	assert.Equal(t, 1, res.TotalInvalid)
	assert.Equal(t, 1, res.FailedClients)
	assert.Equal(t, 2, store.Len())
}

func TestIngestBatch_ManyClientsConcurrently(t *testing.T) {
	store := newTestStore(t)
	ts := testNow.Add(-time.Hour)
	shared := testRecord(ts, "openai", "gpt-4o", 0.1)

	var batches []ClientBatch
	for i := 0; i < 20; i++ {
		own := testRecord(ts.Add(time.Duration(i+1)*time.Second), "openai", "gpt-4o", 0.1)
		batches = append(batches, ClientBatch{
			ClientID: fmt.Sprintf("client-%d", i),
			Records:  []Record{shared, own},
		})
	}

	res, err := store.IngestBatch(context.Background(), batches)
	require.NoError(t, err)
	assert.Equal(t, 21, res.TotalStored)
	assert.Equal(t, 19, res.TotalDuplicate)
	assert.Equal(t, 21, store.Len())
}

func TestStore_GetReturnsCopies(t *testing.T) {
	store := newTestStore(t)
	rec := testRecord(testNow, "openai", "gpt-4o", 0.1)
	rec.Metadata = map[string]any{"team": "search"}
	_, err := store.Ingest(context.Background(), "client-a", []Record{rec})
	require.NoError(t, err)

	hash := store.All()[0].RecordHash
	got, err := store.Get(hash)
	require.NoError(t, err)
	*got.InputTokens = 999
	got.Metadata["team"] = "ads"

	again, err := store.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, int64(100), *again.InputTokens)
	assert.Equal(t, "search", again.Metadata["team"])

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Closed(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.Ingest(context.Background(), "client-a", []Record{testRecord(testNow, "openai", "gpt-4o", 0.1)})
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, err = store.Query(UsageQuery{})
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := testRecord(testNow, "openai", "gpt-4o", 0.1)

	_, err := store.Ingest(ctx, "client-a", []Record{rec})
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	store.Reset()
	assert.Equal(t, 0, store.Len())

	res, err := store.Ingest(ctx, "client-a", []Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
}

func TestStore_RestoreSkipsInvalidAndDuplicates(t *testing.T) {
	store := newTestStore(t)
	rec := testRecord(testNow, "openai", "gpt-4o", 0.1)
	rec.ClientID = "client-a"

	n := store.Restore([]Record{rec, rec, {Service: "openai"}})
	assert.Equal(t, 1, n)
	assert.True(t, store.Contains(Fingerprint(&rec)))

	res, err := store.Ingest(context.Background(), "client-a", []Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicate)
}

func TestStore_QueryCacheInvalidatedOnIngest(t *testing.T) {
	store := newTestStore(t, WithQueryCacheTTL(time.Minute))
	ctx := context.Background()
	ts := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)

	_, err := store.Ingest(ctx, "client-a", []Record{testRecord(ts, "openai", "gpt-4o", 0.1)})
	require.NoError(t, err)

	first, err := store.Trend(TrendRequest{})
	require.NoError(t, err)
	require.Len(t, first.Points, 1)
	first.Points[0].Value = 42

	cachedAgain, err := store.Trend(TrendRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0.1, cachedAgain.Points[0].Value)

	_, err = store.Ingest(ctx, "client-a", []Record{testRecord(ts.Add(time.Hour), "openai", "gpt-4o", 0.15)})
	require.NoError(t, err)

	fresh, err := store.Trend(TrendRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0.25, fresh.TotalValue)
}

func TestFingerprint_Stable(t *testing.T) {
	a := testRecord(time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC), "openai", "gpt-4o", 0.1)
	b := a.Clone()
	b.ClientID = "other"
	b.CostModel = "list-price"
	b.Metadata = map[string]any{"k": "v"}
	b.IngestedAt = testNow
	assert.Equal(t, Fingerprint(&a), Fingerprint(&b))

	// Same instant in another zone is the same event.
	c := a.Clone()
	c.Timestamp = a.Timestamp.In(time.FixedZone("UTC+2", 2*3600))
	assert.Equal(t, Fingerprint(&a), Fingerprint(&c))

	d := a.Clone()
	d.SessionID = "s-1"
	assert.NotEqual(t, Fingerprint(&a), Fingerprint(&d))

	e := a.Clone()
	e.CostUSD = nil
	assert.NotEqual(t, Fingerprint(&a), Fingerprint(&e))
}
