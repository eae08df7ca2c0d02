package usagelog

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex is a queryable projection of the JSONL usage files, stored
// at <usage dir>/index.db. WAL mode lets the relay write while the CLI
// reads.
type sqliteIndex struct {
	db *sql.DB
}

func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_records (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			ts                  TEXT NOT NULL,
			api_key             TEXT NOT NULL DEFAULT '',
			account             TEXT NOT NULL DEFAULT '',
			provider            TEXT NOT NULL DEFAULT '',
			model               TEXT NOT NULL DEFAULT '',
			stream              INTEGER NOT NULL DEFAULT 0,
			status              INTEGER NOT NULL DEFAULT 0,
			input_tokens        INTEGER NOT NULL DEFAULT 0,
			output_tokens       INTEGER NOT NULL DEFAULT 0,
			cached_read_tokens  INTEGER NOT NULL DEFAULT 0,
			cache_create_tokens INTEGER NOT NULL DEFAULT 0,
			actual_input_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens        INTEGER NOT NULL DEFAULT 0,
			cost                REAL NOT NULL DEFAULT 0,
			translated          INTEGER NOT NULL DEFAULT 0,
			latency_ms          INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_usage_api_key ON usage_records(api_key);
		CREATE INDEX IF NOT EXISTS idx_usage_account ON usage_records(account);
		CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model);
		CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_records(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}

// insert adds a record. Errors are logged but never propagated — the
// JSONL file is the source of truth.
func (idx *sqliteIndex) insert(e *Entry) {
	_, err := idx.db.Exec(
		`INSERT INTO usage_records
		 (ts, api_key, account, provider, model, stream, status,
		  input_tokens, output_tokens, cached_read_tokens, cache_create_tokens,
		  actual_input_tokens, total_tokens, cost, translated, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.APIKey, e.Account, e.Provider, e.Model,
		boolToInt(e.Stream), e.Status,
		e.InputTokens, e.OutputTokens, e.CachedReadTokens, e.CacheCreateTokens,
		e.ActualInputTokens, e.TotalTokens, e.Cost, boolToInt(e.Translated), e.LatencyMs,
	)
	if err != nil {
		slog.Error("sqlite usage insert failed", "account", e.Account, "error", err)
	}
}

func (idx *sqliteIndex) query(params QueryParams) ([]Entry, error) {
	query := `SELECT ts, api_key, account, provider, model, stream, status,
	 input_tokens, output_tokens, cached_read_tokens, cache_create_tokens,
	 actual_input_tokens, total_tokens, cost, translated, latency_ms
	 FROM usage_records WHERE 1=1`
	var args []any

	if params.APIKey != "" {
		query += " AND api_key = ?"
		args = append(args, params.APIKey)
	}
	if params.Account != "" {
		query += " AND account = ?"
		args = append(args, params.Account)
	}
	if params.Model != "" {
		query += " AND model = ?"
		args = append(args, params.Model)
	}
	if params.Since != "" {
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}
	query += " ORDER BY ts DESC"
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage index: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order — queries read newest-first for the
	// LIMIT but callers display oldest-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (idx *sqliteIndex) tail(limit int) ([]Entry, error) {
	return idx.query(QueryParams{Limit: limit})
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var stream, translated int
		if err := rows.Scan(
			&e.Timestamp, &e.APIKey, &e.Account, &e.Provider, &e.Model,
			&stream, &e.Status,
			&e.InputTokens, &e.OutputTokens, &e.CachedReadTokens, &e.CacheCreateTokens,
			&e.ActualInputTokens, &e.TotalTokens, &e.Cost, &translated, &e.LatencyMs,
		); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		e.Stream = stream != 0
		e.Translated = translated != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
