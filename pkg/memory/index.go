package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT UNIQUE NOT NULL,
	content_hash TEXT NOT NULL,
	indexed_at INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	file_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	position INTEGER NOT NULL,
	FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	chunk_id UNINDEXED,
	content,
	tokenize='porter unicode61'
);
`

// index keeps chunked workspace files in SQLite. With FTS5 compiled in
// (build tag sqlite_fts5) queries rank by bm25; without it they fall back to
// term coverage over the chunks table.
type index struct {
	db     *sql.DB
	fts    bool
	logger zerolog.Logger
}

func openIndex(path string, logger zerolog.Logger) (*index, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		dsn = path + "?_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory index: %w", err)
	}
	// A single connection also keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if path != "" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index schema: %w", err)
	}

	idx := &index{db: db, fts: true, logger: logger}
	if _, err := db.Exec(ftsSchema); err != nil {
		if !strings.Contains(err.Error(), "no such module") {
			db.Close()
			return nil, fmt.Errorf("failed to create fts table: %w", err)
		}
		idx.fts = false
		logger.Warn().Msg("SQLite built without FTS5, memory search uses term matching")
	}
	return idx, nil
}

func (x *index) close() error {
	return x.db.Close()
}

// sync brings the index in line with the markdown files under root. Files
// whose hash is unchanged are skipped; files that disappeared are dropped.
func (x *index) sync(ctx context.Context, root string) error {
	seen := make(map[string]bool)
	indexed := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true

		changed, err := x.indexFile(ctx, path, rel)
		if err != nil {
			return err
		}
		if changed {
			indexed++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk workspace: %w", err)
	}

	removed, err := x.dropMissing(ctx, seen)
	if err != nil {
		return err
	}
	if indexed > 0 || removed > 0 {
		x.logger.Debug().Int("indexed", indexed).Int("removed", removed).Msg("Memory index synced")
	}
	return nil
}

func (x *index) indexFile(ctx context.Context, path, rel string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	var existing string
	err = x.db.QueryRowContext(ctx, "SELECT content_hash FROM files WHERE path = ?", rel).Scan(&existing)
	if err == nil && existing == hash {
		return false, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to look up %s: %w", rel, err)
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := x.deleteFile(ctx, tx, rel); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO files (path, content_hash, indexed_at, size_bytes) VALUES (?, ?, ?, ?)",
		rel, hash, time.Now().Unix(), len(data))
	if err != nil {
		return false, fmt.Errorf("failed to insert file %s: %w", rel, err)
	}
	fileID, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to get file id: %w", err)
	}

	for i, chunk := range chunkContent(string(data)) {
		id := fmt.Sprintf("%s#%d", rel, i)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks (id, file_id, content, position) VALUES (?, ?, ?, ?)",
			id, fileID, chunk, i); err != nil {
			return false, fmt.Errorf("failed to insert chunk: %w", err)
		}
		if x.fts {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)", id, chunk); err != nil {
				return false, fmt.Errorf("failed to insert fts row: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit %s: %w", rel, err)
	}
	return true, nil
}

func (x *index) deleteFile(ctx context.Context, tx *sql.Tx, rel string) error {
	if x.fts {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE chunk_id IN (
			SELECT c.id FROM chunks c JOIN files f ON f.id = c.file_id WHERE f.path = ?)`, rel); err != nil {
			return fmt.Errorf("failed to clear fts rows for %s: %w", rel, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM chunks WHERE file_id IN (SELECT id FROM files WHERE path = ?)", rel); err != nil {
		return fmt.Errorf("failed to clear chunks for %s: %w", rel, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE path = ?", rel); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", rel, err)
	}
	return nil
}

func (x *index) dropMissing(ctx context.Context, seen map[string]bool) (int, error) {
	rows, err := x.db.QueryContext(ctx, "SELECT path FROM files")
	if err != nil {
		return 0, fmt.Errorf("failed to list indexed files: %w", err)
	}
	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan indexed file: %w", err)
		}
		if !seen[p] {
			stale = append(stale, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, p := range stale {
		if err := x.deleteFile(ctx, tx, p); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit removals: %w", err)
	}
	return len(stale), nil
}

// queryTerms lowercases the query and splits it on anything that is not a
// letter or digit, so MATCH never sees FTS5 operators from user input.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

func (x *index) search(ctx context.Context, terms []string, limit int) ([]SearchResult, error) {
	if x.fts {
		return x.keywordSearch(ctx, terms, limit)
	}
	return x.coverageSearch(ctx, terms, limit)
}

func (x *index) keywordSearch(ctx context.Context, terms []string, limit int) ([]SearchResult, error) {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}

	rows, err := x.db.QueryContext(ctx, `
		SELECT f.path, c.content, bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.chunk_id
		JOIN files f ON f.id = c.file_id
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?`, strings.Join(quoted, " OR "), limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Path, &r.Content, &r.Score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		// bm25 is lower-is-better.
		r.Score = -r.Score
		out = append(out, r)
	}
	return out, rows.Err()
}

func (x *index) coverageSearch(ctx context.Context, terms []string, limit int) ([]SearchResult, error) {
	var matched []string
	var args []any
	for _, t := range terms {
		matched = append(matched, "(instr(lower(c.content), ?) > 0)")
		args = append(args, t)
	}
	coverage := "(" + strings.Join(matched, " + ") + ")"
	args = append(args, len(terms), limit)

	rows, err := x.db.QueryContext(ctx, `
		SELECT f.path, c.content, CAST(`+coverage+` AS REAL) / ? AS score
		FROM chunks c
		JOIN files f ON f.id = c.file_id
		WHERE score > 0
		ORDER BY score DESC, f.path, c.position
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("term search failed: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Path, &r.Content, &r.Score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
