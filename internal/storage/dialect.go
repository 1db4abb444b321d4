package storage

import (
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name   string
	driver string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	setup    []string
	optimize []string
}

var sqliteDialect = dialect{
	name:   BackendSQLite,
	driver: "sqlite",
	setup: []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	},
	optimize: []string{"VACUUM", "ANALYZE"},
}

var postgresDialect = dialect{
	name:     BackendPostgres,
	driver:   "pgx",
	numbered: true,
	optimize: []string{"VACUUM ANALYZE usage_records"},
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns n comma-separated ? markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// The schema is shared: both engines accept these column types.
// Statements run one at a time since not every driver accepts a multi-statement Exec.
var usageRecordsSchema = []string{
	`CREATE TABLE IF NOT EXISTS usage_records (
		record_hash TEXT PRIMARY KEY,
		client_id TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		ingested_at TEXT NOT NULL,
		service TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens BIGINT,
		output_tokens BIGINT,
		total_tokens BIGINT,
		cost_usd DOUBLE PRECISION,
		cost_model TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		application TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_timestamp ON usage_records(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_client_id ON usage_records(client_id)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_service ON usage_records(service)`,
}
