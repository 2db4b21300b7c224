package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/aide/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// SearchResult is one matching chunk.
type SearchResult struct {
	Path    string  `json:"path"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Search ranks indexed chunks against the query. The index is brought up to
// date first when the watcher has reported a change or is not running.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "aide.memory", "memory.search",
		attribute.Int("limit", limit))
	defer span.End()

	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, errors.New("query is required")
	}
	if limit <= 0 {
		limit = 5
	}

	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	if err := s.syncIndexLocked(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	results, err := s.index.search(ctx, terms, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("query", query).
		Int("results", len(results)).
		Msg("Memory search completed")
	return results, nil
}

// Reindex syncs the search index with the workspace files.
func (s *Store) Reindex(ctx context.Context) error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.mu.Lock()
	s.indexStale = true
	s.mu.Unlock()
	return s.syncIndexLocked(ctx)
}

func (s *Store) syncIndexLocked(ctx context.Context) error {
	s.mu.Lock()
	stale := s.indexStale || s.watcher == nil
	s.indexStale = false
	s.mu.Unlock()
	if !stale {
		return nil
	}
	if err := s.index.sync(ctx, s.workspace); err != nil {
		s.mu.Lock()
		s.indexStale = true
		s.mu.Unlock()
		return fmt.Errorf("failed to index workspace: %w", err)
	}
	return nil
}

// chunkContent splits text on line boundaries into chunks of at most
// maxSize bytes, carrying a short overlap between neighbours.
func chunkContent(content string) []string {
	const maxSize = 1000
	const overlap = 50

	var chunks []string
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		if current.Len() > 0 && current.Len()+len(line)+1 > maxSize {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			prev := current.String()
			current.Reset()
			if len(prev) > overlap {
				current.WriteString(prev[len(prev)-overlap:])
			}
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if strings.TrimSpace(current.String()) != "" {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}
	return chunks
}
