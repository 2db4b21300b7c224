package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/aide/pkg/tools"
)

// Tools returns memory_search and memory_append bound to this store.
func (s *Store) Tools() []tools.Definition {
	return []tools.Definition{
		{
			Name:        "memory_search",
			Description: "Search the workspace memory files (SOUL.md, USER.md, MEMORY.md, memory/*.md) for a query",
			Parameters: []tools.Parameter{
				{Name: "query", Type: "string", Description: "Words to look for", Required: true},
				{Name: "limit", Type: "integer", Description: "Maximum number of results", Default: 5},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				query, _ := args["query"].(string)
				limit := 5
				if v, ok := args["limit"].(float64); ok {
					limit = int(v)
				}
				results, err := s.Search(ctx, query, limit)
				if err != nil {
					return "", err
				}
				if len(results) == 0 {
					return "no matches", nil
				}
				data, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return "", fmt.Errorf("failed to encode results: %w", err)
				}
				return string(data), nil
			},
		},
		{
			Name:        "memory_append",
			Description: "Append a note to long-term memory. Defaults to today's file under memory/",
			Parameters: []tools.Parameter{
				{Name: "text", Type: "string", Description: "Note to remember", Required: true},
				{Name: "file", Type: "string", Description: "Relative .md path, e.g. MEMORY.md"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				text, _ := args["text"].(string)
				file, _ := args["file"].(string)
				rel, err := s.Append(ctx, file, text)
				if err != nil {
					return "", err
				}
				return "saved to " + rel, nil
			},
		},
	}
}
