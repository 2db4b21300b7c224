// Package costledger keeps an append-only record of every priced provider
// call in SQLite.
package costledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/aide/pkg/agent"
	"github.com/harun/aide/pkg/session"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS cost_records (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	ts                 INTEGER NOT NULL,
	session_id         TEXT NOT NULL,
	model              TEXT NOT NULL,
	input_tokens       INTEGER NOT NULL,
	output_tokens      INTEGER NOT NULL,
	cache_read_tokens  INTEGER NOT NULL,
	cache_write_tokens INTEGER NOT NULL,
	cost_usd           REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_records_session ON cost_records(session_id);
CREATE INDEX IF NOT EXISTS idx_cost_records_ts ON cost_records(ts);
`

// Totals aggregates a set of records.
type Totals struct {
	Calls   int           `json:"calls"`
	CostUSD float64       `json:"cost_usd"`
	Usage   session.Usage `json:"usage"`
}

// Ledger is the SQLite-backed cost sink.
type Ledger struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens the ledger database at path.
func Open(path string, logger *zerolog.Logger) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One connection keeps writes serialised without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Ledger{db: db, logger: l.With().Str("component", "costledger").Logger()}, nil
}

// RecordCost appends rec. It implements agent.CostSink.
func (l *Ledger) RecordCost(ctx context.Context, rec agent.CostRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO cost_records
			(ts, session_id, model, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UnixMilli(), rec.SessionID, rec.Model,
		rec.Usage.InputTokens, rec.Usage.OutputTokens,
		rec.Usage.CacheReadTokens, rec.Usage.CacheWriteTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}
	l.logger.Debug().
		Str("session_id", rec.SessionID).
		Str("model", rec.Model).
		Float64("cost_usd", rec.CostUSD).
		Msg("Cost recorded")
	return nil
}

// SessionTotal sums every record of one session.
func (l *Ledger) SessionTotal(ctx context.Context, sessionID string) (Totals, error) {
	return l.totals(ctx, "WHERE session_id = ?", sessionID)
}

// TotalSince sums records at or after since.
func (l *Ledger) TotalSince(ctx context.Context, since time.Time) (Totals, error) {
	return l.totals(ctx, "WHERE ts >= ?", since.UnixMilli())
}

func (l *Ledger) totals(ctx context.Context, where string, arg any) (Totals, error) {
	var t Totals
	row := l.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_write_tokens), 0)
		FROM cost_records `+where, arg)
	err := row.Scan(&t.Calls, &t.CostUSD,
		&t.Usage.InputTokens, &t.Usage.OutputTokens,
		&t.Usage.CacheReadTokens, &t.Usage.CacheWriteTokens)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query cost totals: %w", err)
	}
	return t, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
