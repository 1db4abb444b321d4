package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/router-for-me/usagehub/internal/export"
	"github.com/router-for-me/usagehub/internal/usagerecord"
	log "github.com/sirupsen/logrus"
)

const (
	defaultSQLiteFile = "usage_records.db"
	deleteChunkSize   = 500
)

// SQLPlugin writes every accepted record through to a usage_records table keyed by
// record_hash and answers queries from the in-memory engine loaded at startup.
type SQLPlugin struct {
	engine
	dialect   dialect
	db        *sql.DB
	dbPath    string
	exportDir string
}

// NewSQLPlugin creates an uninitialized plugin for the given dialect.
func NewSQLPlugin(d dialect, opts ...usagerecord.Option) *SQLPlugin {
	return &SQLPlugin{dialect: d, engine: engine{extra: opts}}
}

// NewSQLitePlugin creates an uninitialized sqlite plugin.
func NewSQLitePlugin(opts ...usagerecord.Option) *SQLPlugin {
	return NewSQLPlugin(sqliteDialect, opts...)
}

// NewPostgresPlugin creates an uninitialized postgres plugin.
func NewPostgresPlugin(opts ...usagerecord.Option) *SQLPlugin {
	return NewSQLPlugin(postgresDialect, opts...)
}

func (p *SQLPlugin) dataSource(cfg map[string]any) (string, error) {
	if p.dialect.name == BackendPostgres {
		dsn := optString(cfg, KeyDSN)
		if dsn == "" {
			return "", fmt.Errorf("postgres backend requires %q", KeyDSN)
		}
		return dsn, nil
	}

	path := optString(cfg, KeyPath)
	if path == "" {
		path = defaultSQLiteFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	p.dbPath = path
	return path, nil
}

func (p *SQLPlugin) Initialize(ctx context.Context, cfg map[string]any) error {
	opts, err := storeOptions(cfg)
	if err != nil {
		return err
	}
	dsn, err := p.dataSource(cfg)
	if err != nil {
		return err
	}

	db, err := sql.Open(p.dialect.driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if p.dialect.name == BackendSQLite {
		// SQLite only supports one writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to %s: %w", p.dialect.name, err)
	}
	p.db = db

	if err := p.initSchema(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	records, err := p.loadRecords(ctx)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to load usage records: %w", err)
	}

	store := usagerecord.NewStore(append(append(opts, usagerecord.WithPersister(p)), p.extra...)...)
	restored := store.Restore(records)

	p.exportDir = optString(cfg, KeyExportDir)
	p.SetRetentionPolicy(optPolicy(cfg))
	p.attach(store, export.NewWriter(optS3(cfg)))

	log.WithFields(log.Fields{
		"backend":  p.dialect.name,
		"restored": restored,
	}).Info("usage record store initialized")
	return nil
}

func (p *SQLPlugin) initSchema(ctx context.Context) error {
	for _, stmt := range p.dialect.setup {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	for _, stmt := range usageRecordsSchema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const selectUsageRecords = `
	SELECT record_hash, client_id, timestamp, ingested_at, service, model,
		input_tokens, output_tokens, total_tokens, cost_usd, cost_model,
		session_id, request_id, user_id, application, environment, metadata
	FROM usage_records
	ORDER BY timestamp ASC
`

func (p *SQLPlugin) loadRecords(ctx context.Context) ([]usagerecord.Record, error) {
	rows, err := p.db.QueryContext(ctx, selectUsageRecords)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []usagerecord.Record
	for rows.Next() {
		var (
			rec                  usagerecord.Record
			ts, ingested, meta   string
			input, output, total sql.NullInt64
			cost                 sql.NullFloat64
		)
		if err := rows.Scan(
			&rec.RecordHash, &rec.ClientID, &ts, &ingested, &rec.Service, &rec.Model,
			&input, &output, &total, &cost, &rec.CostModel,
			&rec.SessionID, &rec.RequestID, &rec.UserID, &rec.Application, &rec.Environment, &meta,
		); err != nil {
			return nil, err
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			log.WithError(err).WithField("record_hash", rec.RecordHash).Warn("skipping usage record with unparsable timestamp")
			continue
		}
		rec.IngestedAt, _ = time.Parse(time.RFC3339Nano, ingested)
		if input.Valid {
			rec.InputTokens = usagerecord.Int64(input.Int64)
		}
		if output.Valid {
			rec.OutputTokens = usagerecord.Int64(output.Int64)
		}
		if total.Valid {
			rec.TotalTokens = usagerecord.Int64(total.Int64)
		}
		if cost.Valid {
			rec.CostUSD = usagerecord.Float64(cost.Float64)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				log.WithError(err).WithField("record_hash", rec.RecordHash).Debug("ignoring malformed usage record metadata")
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// PersistRecords implements usagerecord.Persister. Rows already present are skipped,
// so a replay after a crash cannot duplicate records.
func (p *SQLPlugin) PersistRecords(ctx context.Context, records []usagerecord.Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, p.dialect.rebind(`
		INSERT INTO usage_records (
			record_hash, client_id, timestamp, ingested_at, service, model,
			input_tokens, output_tokens, total_tokens, cost_usd, cost_model,
			session_id, request_id, user_id, application, environment, metadata
		) VALUES (`+placeholders(17)+`)
		ON CONFLICT (record_hash) DO NOTHING
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		meta := []byte("{}")
		if len(rec.Metadata) > 0 {
			if meta, err = json.Marshal(rec.Metadata); err != nil {
				meta = []byte("{}")
			}
		}
		if _, err := stmt.ExecContext(ctx,
			rec.RecordHash,
			rec.ClientID,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.IngestedAt.UTC().Format(time.RFC3339Nano),
			rec.Service,
			rec.Model,
			nullInt(rec.InputTokens),
			nullInt(rec.OutputTokens),
			nullInt(rec.TotalTokens),
			nullFloat(rec.CostUSD),
			rec.CostModel,
			rec.SessionID,
			rec.RequestID,
			rec.UserID,
			rec.Application,
			rec.Environment,
			string(meta),
		); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteRecords implements usagerecord.Persister. All hashes are deleted in one
// transaction.
func (p *SQLPlugin) DeleteRecords(ctx context.Context, hashes []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(hashes); start += deleteChunkSize {
		chunk := hashes[start:min(start+deleteChunkSize, len(hashes))]
		args := make([]any, len(chunk))
		for i, h := range chunk {
			args[i] = h
		}
		query := p.dialect.rebind("DELETE FROM usage_records WHERE record_hash IN (" + placeholders(len(chunk)) + ")")
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete records: %w", err)
		}
	}
	return tx.Commit()
}

func (p *SQLPlugin) HealthCheck(ctx context.Context) error {
	if _, err := p.ready(ctx); err != nil {
		return err
	}
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s ping: %w", p.dialect.name, err)
	}
	return nil
}

func (p *SQLPlugin) Close() error {
	p.mu.RLock()
	store := p.store
	p.mu.RUnlock()
	if store != nil {
		_ = store.Close()
	}
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// ExportUsageData writes the export. Local destinations are relative to the
// configured export directory; without one the file gets a timestamped name there.
func (p *SQLPlugin) ExportUsageData(ctx context.Context, req export.Request) (export.Result, error) {
	if err := req.Normalize(); err != nil {
		return export.Result{}, err
	}
	dest, err := export.ResolveDestination(p.exportDir, req.Destination)
	if err != nil {
		return export.Result{}, err
	}
	req.Destination = dest
	records, err := p.exportRecords(ctx, req)
	if err != nil {
		return export.Result{}, err
	}
	if req.Destination == "" {
		name := "usage-export-" + time.Now().UTC().Format("20060102T150405Z") + ".ndjson"
		if req.Compression == export.CompressionZstd {
			name += ".zst"
		}
		req.Destination = filepath.Join(p.exportDir, name)
	}

	p.mu.RLock()
	writer := p.writer
	p.mu.RUnlock()
	res, err := writer.Write(ctx, records, req)
	if err != nil {
		return export.Result{}, err
	}
	log.WithFields(log.Fields{
		"destination": res.Destination,
		"records":     res.Records,
		"bytes":       res.Bytes,
	}).Info("usage records exported")
	return res, nil
}

func (p *SQLPlugin) GetStorageStats(ctx context.Context) (StorageStats, error) {
	stats, err := p.stats(ctx, p.dialect.name)
	if err != nil {
		return StorageStats{}, err
	}
	switch p.dialect.name {
	case BackendSQLite:
		if info, err := os.Stat(p.dbPath); err == nil {
			stats.DatabaseSizeBytes = info.Size()
		}
	case BackendPostgres:
		var size int64
		if err := p.db.QueryRowContext(ctx, "SELECT pg_total_relation_size('usage_records')").Scan(&size); err == nil {
			stats.DatabaseSizeBytes = size
		}
	}
	return stats, nil
}

func (p *SQLPlugin) OptimizeStorage(ctx context.Context) (OptimizationResult, error) {
	store, err := p.ready(ctx)
	if err != nil {
		return OptimizationResult{}, err
	}
	start := time.Now()
	ops := make([]string, 0, len(p.dialect.optimize)+1)
	for _, stmt := range p.dialect.optimize {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return OptimizationResult{}, fmt.Errorf("%s: %w", stmt, err)
		}
		ops = append(ops, strings.ToLower(stmt))
	}
	store.Compact()
	ops = append(ops, "compact")

	return OptimizationResult{
		Backend:    p.dialect.name,
		Operations: ops,
		Records:    store.Len(),
		ElapsedMs:  time.Since(start).Milliseconds(),
	}, nil
}
