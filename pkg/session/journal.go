package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type recordType string

const (
	recordCreate     recordType = "create"
	recordEntry      recordType = "entry"
	recordCompaction recordType = "compaction"
	recordUsage      recordType = "usage"
	recordModel      recordType = "model"
	recordWarning    recordType = "warning"
)

// logRecord is one line of a session's daily log.
type logRecord struct {
	TS        time.Time  `json:"ts"`
	Seq       uint64     `json:"seq"`
	Type      recordType `json:"type"`
	SessionID string     `json:"session_id"`
	SenderKey string     `json:"sender_key,omitempty"`
	Entry     *Entry     `json:"entry,omitempty"`
	// Replaced is the number of leading messages a compaction folded into Entry.
	Replaced int     `json:"replaced,omitempty"`
	Usage    *Usage  `json:"usage,omitempty"`
	Model    string  `json:"model,omitempty"`
	Warning  *string `json:"warning,omitempty"`
}

const logPrefix = "log-"

func logFileName(ts time.Time) string {
	return logPrefix + ts.UTC().Format("2006-01-02") + ".jsonl"
}

// appendRecord appends rec to the day's log of dir and syncs it.
func appendRecord(dir string, rec logRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode log record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(filepath.Join(dir, logFileName(rec.TS)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open session log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write session log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync session log: %w", err)
	}
	return f.Close()
}

// readRecords returns every readable record of dir ordered by sequence. The
// sequence is per session and monotonic; timestamps are not, the clock can
// step back.
// Unreadable lines are skipped with a warning.
func readRecords(dir string, logger zerolog.Logger) ([]logRecord, error) {
	names, err := filepath.Glob(filepath.Join(dir, logPrefix+"*.jsonl"))
	if err != nil {
		return nil, err
	}

	var records []logRecord
	for _, name := range names {
		f, err := os.Open(name)
		if err != nil {
			logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable session log")
			continue
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			var rec logRecord
			if err := json.Unmarshal([]byte(text), &rec); err != nil || rec.Type == "" {
				logger.Warn().
					Str("file", filepath.Base(name)).
					Int("line", lineNo).
					Msg("Skipping malformed session log record")
				continue
			}
			records = append(records, rec)
		}
		if err := scanner.Err(); err != nil {
			logger.Warn().Err(err).Str("file", name).Msg("Session log read stopped early")
		}
		f.Close()
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
	return records, nil
}

// apply folds rec into s. Records at or below s.seq are ignored.
func apply(s *Session, rec logRecord) {
	if rec.Seq != 0 && rec.Seq <= s.seq {
		return
	}
	switch rec.Type {
	case recordCreate:
		if s.ID == "" {
			s.ID = rec.SessionID
		}
		if s.SenderKey == "" {
			s.SenderKey = rec.SenderKey
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = rec.TS
		}
	case recordEntry:
		if rec.Entry != nil {
			s.Messages = append(s.Messages, *rec.Entry)
		}
	case recordCompaction:
		if rec.Entry != nil && rec.Replaced > 0 && rec.Replaced <= len(s.Messages) {
			rest := s.Messages[rec.Replaced:]
			s.Messages = append([]Entry{*rec.Entry}, rest...)
			s.CompactionCount++
			s.LastTurnUsage = Usage{}
		}
	case recordUsage:
		if rec.Usage != nil {
			s.LastTurnUsage = *rec.Usage
		}
	case recordModel:
		s.Model = rec.Model
	case recordWarning:
		if rec.Warning != nil {
			s.PendingWarning = *rec.Warning
		}
	}
	if rec.Seq > s.seq {
		s.seq = rec.Seq
	}
	if rec.TS.After(s.UpdatedAt) {
		s.UpdatedAt = rec.TS
	}
}
