package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/clawdbot/kiki/internal/memory"
)

// MemoryStore is the part of the memory store the memory effectors use.
type MemoryStore interface {
	SaveMemory(ctx context.Context, typ, content string, opts memory.MemoryOptions) (int64, error)
	SearchMemories(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Memory, error)
	ArchiveMemoriesByQuery(ctx context.Context, query string) (int, error)
	LogCapabilityGap(ctx context.Context, request string, opts memory.GapOptions) (int64, error)
}

// RegisterMemory adds remember, recall, forget and report_capability_gap.
func (r *Registry) RegisterMemory(store MemoryStore) {
	r.Register(&Tool{
		Name:        "remember",
		Description: "Save a durable fact about the user or the world so it is available in future conversations.",
		Properties: map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The fact to remember, as a self-contained sentence",
			},
			"type": map[string]any{
				"type":        "string",
				"enum":        memory.Types,
				"description": "Kind of memory (default: fact)",
			},
			"tags": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional keywords to find it by",
			},
			"importance": map[string]any{
				"type":        "integer",
				"description": "1 (trivia) to 10 (critical); default 5",
			},
		},
		Required: []string{"content"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			content := strings.TrimSpace(stringArg(args, "content"))
			if content == "" {
				return "", fmt.Errorf("content is required")
			}
			typ := memory.NormalizeType(stringArg(args, "type"))
			importance := 0
			if n, ok := args["importance"].(float64); ok {
				importance = int(n)
			}
			id, err := store.SaveMemory(ctx, typ, content, memory.MemoryOptions{
				Tags:       stringSliceArg(args, "tags"),
				Source:     PlatformFromContext(ctx),
				UserID:     UserIDFromContext(ctx),
				Importance: importance,
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Remembered (#%d, %s).", id, typ), nil
		},
	})

	r.Register(&Tool{
		Name:        "recall",
		Description: "Search what you remember. Returns the most important matching memories first.",
		Properties: map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Words to search for; empty lists the most important memories",
			},
			"type": map[string]any{
				"type":        "string",
				"enum":        memory.Types,
				"description": "Only return this kind of memory",
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := stringArg(args, "query")
			ms, err := store.SearchMemories(ctx, query, memory.SearchOptions{
				Type:  stringArg(args, "type"),
				Limit: 10,
			})
			if err != nil {
				return "", err
			}
			if len(ms) == 0 {
				return "Nothing remembered about that.", nil
			}
			return FormatMemories(ms), nil
		},
	})

	r.Register(&Tool{
		Name:        "forget",
		Description: "Archive memories that are wrong or outdated. Every memory containing the query is archived.",
		Properties: map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Text identifying the memories to forget",
			},
		},
		Required: []string{"query"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			n, err := store.ArchiveMemoriesByQuery(ctx, query)
			if err != nil {
				return "", err
			}
			if n == 0 {
				return "No matching memories.", nil
			}
			return fmt.Sprintf("Forgot %d memories.", n), nil
		},
	})

	r.Register(&Tool{
		Name:        "report_capability_gap",
		Description: "Record a request you could not fulfil because no tool supports it, so the capability can be built later.",
		Properties: map[string]any{
			"request": map[string]any{
				"type":        "string",
				"description": "What the user asked for",
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Why it could not be done",
			},
			"category": map[string]any{
				"type":        "string",
				"description": "Area such as calendar, smart_home or payments",
			},
			"priority": map[string]any{
				"type":        "string",
				"enum":        []string{memory.PriorityLow, memory.PriorityMedium, memory.PriorityHigh},
				"description": "How much it matters to the user",
			},
		},
		Required: []string{"request"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			request := strings.TrimSpace(stringArg(args, "request"))
			if request == "" {
				return "", fmt.Errorf("request is required")
			}
			id, err := store.LogCapabilityGap(ctx, request, memory.GapOptions{
				Reason:   stringArg(args, "reason"),
				Category: stringArg(args, "category"),
				Priority: stringArg(args, "priority"),
				UserID:   UserIDFromContext(ctx),
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Logged capability gap #%d.", id), nil
		},
	})
}

// FormatMemories renders memories one per line as "- [type] content".
func FormatMemories(ms []memory.Memory) string {
	var sb strings.Builder
	for _, m := range ms {
		fmt.Fprintf(&sb, "- [%s] %s\n", m.Type, m.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// stringSliceArg accepts a JSON array of strings or a comma-separated
// string.
func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		return strings.Split(v, ",")
	}
	return nil
}
