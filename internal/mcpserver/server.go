// Package mcpserver exposes Kiki's memory store to other assistants over
// the Model Context Protocol. `kiki mcp` serves it on stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/clawdbot/kiki/internal/buildinfo"
	"github.com/clawdbot/kiki/internal/memory"
	"github.com/clawdbot/kiki/internal/tools"
)

// Source tags memories saved through MCP.
const Source = "mcp"

const (
	defaultRecallLimit = 10
	maxRecallLimit     = 50
)

// Store is the part of the memory store served over MCP.
type Store interface {
	SaveMemory(ctx context.Context, typ, content string, opts memory.MemoryOptions) (int64, error)
	SearchMemories(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Memory, error)
	RecentMemories(ctx context.Context, limit int) ([]memory.Memory, error)
	ArchiveMemoriesByQuery(ctx context.Context, query string) (int, error)
	GetStats(ctx context.Context) (*memory.Stats, error)
	GetOpenGaps(ctx context.Context) ([]memory.CapabilityGap, error)
}

// Deps holds the MCP server's collaborators.
type Deps struct {
	Store Store
	// Name is the assistant name shown to MCP clients.
	Name string
}

// New creates an MCP server with the memory tools and resources
// registered.
func New(deps Deps) *server.MCPServer {
	name := deps.Name
	if name == "" {
		name = "kiki"
	}
	s := server.NewMCPServer(
		strings.ToLower(name),
		buildinfo.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions(name+" long-term memory: facts, preferences and people remembered across conversations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Save a durable memory so it is available in future conversations."),
			mcp.WithString("content", mcp.Description("The fact to remember, as a self-contained sentence"), mcp.Required()),
			mcp.WithString("type", mcp.Description("Kind of memory (default fact)"), mcp.Enum(memory.Types...)),
			mcp.WithArray("tags", mcp.Description("Optional keywords"), mcp.WithStringItems()),
			mcp.WithNumber("importance", mcp.Description("1 (trivia) to 10 (critical); default 5")),
		),
		handleRemember(deps.Store),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Search memories. The most important matches come first."),
			mcp.WithString("query", mcp.Description("Words to search for; empty lists the most important memories")),
			mcp.WithString("type", mcp.Description("Only return this kind of memory"), mcp.Enum(memory.Types...)),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		handleRecall(deps.Store),
	)

	s.AddTool(
		mcp.NewTool("forget",
			mcp.WithDescription("Archive every memory containing the query."),
			mcp.WithString("query", mcp.Description("Text identifying the memories to forget"), mcp.Required()),
		),
		handleForget(deps.Store),
	)

	s.AddTool(
		mcp.NewTool("brain_stats",
			mcp.WithDescription("Counts of memories, conversations, errors, users and open capability gaps."),
		),
		handleStats(deps.Store),
	)

	s.AddTool(
		mcp.NewTool("open_gaps",
			mcp.WithDescription("Requests the assistant could not fulfil yet, highest priority first."),
		),
		handleOpenGaps(deps.Store),
	)

	s.AddResource(
		mcp.NewResource(
			"kiki://memories/recent",
			"Recent Memories",
			mcp.WithResourceDescription("The 20 newest memories as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		handleRecentResource(deps.Store),
	)

	return s
}

func handleRemember(store Store) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil || strings.TrimSpace(content) == "" {
			return toolError("content is required"), nil
		}
		typ := memory.NormalizeType(req.GetString("type", ""))
		id, err := store.SaveMemory(ctx, typ, content, memory.MemoryOptions{
			Tags:       req.GetStringSlice("tags", nil),
			Source:     Source,
			Importance: req.GetInt("importance", 0),
		})
		if err != nil {
			return toolError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		return toolText(fmt.Sprintf("Remembered (#%d, %s).", id, typ)), nil
	}
}

func handleRecall(store Store) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", defaultRecallLimit)
		if limit <= 0 {
			limit = defaultRecallLimit
		}
		limit = min(limit, maxRecallLimit)

		ms, err := store.SearchMemories(ctx, req.GetString("query", ""), memory.SearchOptions{
			Type:  req.GetString("type", ""),
			Limit: limit,
		})
		if err != nil {
			return toolError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(ms) == 0 {
			return toolText("Nothing remembered about that."), nil
		}
		return toolText(tools.FormatMemories(ms)), nil
	}
}

func handleForget(store Store) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return toolError("query is required"), nil
		}
		n, err := store.ArchiveMemoriesByQuery(ctx, query)
		if err != nil {
			return toolError(fmt.Sprintf("forget failed: %v", err)), nil
		}
		return toolText(fmt.Sprintf("Forgot %d memories.", n)), nil
	}
}

func handleStats(store Store) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := store.GetStats(ctx)
		if err != nil {
			return toolError(fmt.Sprintf("stats failed: %v", err)), nil
		}
		return toolJSON(st)
	}
}

func handleOpenGaps(store Store) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		gaps, err := store.GetOpenGaps(ctx)
		if err != nil {
			return toolError(fmt.Sprintf("listing gaps failed: %v", err)), nil
		}
		if len(gaps) == 0 {
			return toolText("No open capability gaps."), nil
		}
		return toolJSON(gaps)
	}
}

func handleRecentResource(store Store) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ms, err := store.RecentMemories(ctx, 20)
		if err != nil {
			return nil, fmt.Errorf("recent memories: %w", err)
		}
		if ms == nil {
			ms = []memory.Memory{}
		}
		b, err := json.Marshal(ms)
		if err != nil {
			return nil, fmt.Errorf("marshal memories: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return toolText(string(b)), nil
}

func toolText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
