package fetch

import (
	"context"
	"fmt"
	"strings"
)

// ToolHandler adapts a Fetcher to the effector handler signature.
func ToolHandler(f *Fetcher) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		url, _ := args["url"].(string)
		if strings.TrimSpace(url) == "" {
			return "", fmt.Errorf("url is required")
		}

		maxChars := 0
		if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
			maxChars = int(mc)
		}

		result, err := f.Fetch(ctx, url, maxChars)
		if err != nil {
			return "", err
		}
		return formatResult(result), nil
	}
}

func formatResult(r *Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", r.URL)
	if r.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", strings.TrimSpace(r.Title))
	}
	sb.WriteString("\n")
	sb.WriteString(r.Content)
	if r.Truncated {
		fmt.Fprintf(&sb, "\n\n[truncated at %d characters]", r.Length)
	}
	return sb.String()
}

// ToolProperties returns the JSON Schema properties of web_fetch.
func ToolProperties() map[string]any {
	return map[string]any{
		"url": map[string]any{
			"type":        "string",
			"description": "URL to fetch and extract readable text from.",
		},
		"max_chars": map[string]any{
			"type":        "integer",
			"description": "Maximum characters to return. Default: 20000.",
		},
	}
}
