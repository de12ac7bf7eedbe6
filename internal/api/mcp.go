package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/localrecall/internal/retrieval"
	"github.com/kalambet/localrecall/internal/storage"
)

// ActivityReader is the part of the activity store MCP tools read from.
type ActivityReader interface {
	ActivityCounter
	GetActivity(ctx context.Context, ts string) (storage.Activity, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    ActivityReader
	Index    retrieval.VectorStore
	Embedder retrieval.QueryEmbedder
	Version  string
}

// NewMCPServer creates an MCP server exposing activity search and lookup.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"localrecall",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("localrecall: searchable history of the user's screen activity."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_activities",
			mcp.WithDescription("Semantically search captured screen activities and return the closest captions."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("start_time", mcp.Description("Only activities at or after this RFC 3339 time")),
			mcp.WithString("end_time", mcp.Description("Only activities at or before this RFC 3339 time")),
		),
		mcpSearchActivities(deps),
	)

	s.AddTool(
		mcp.NewTool("get_activity",
			mcp.WithDescription("Return one captured activity by its timestamp key (YYYYMMDD_HHMMSS)."),
			mcp.WithString("timestamp", mcp.Description("Activity key"), mcp.Required()),
		),
		mcpGetActivity(deps),
	)

	s.AddTool(
		mcp.NewTool("pipeline_status",
			mcp.WithDescription("Report how many activities are captured, indexed and pending."),
		),
		mcpPipelineStatus(deps),
	)

	return s
}

type activityHit struct {
	Timestamp    string  `json:"timestamp"`
	CreatedAt    string  `json:"created_at"`
	ActiveWindow string  `json:"active_window,omitempty"`
	Caption      string  `json:"caption"`
	Distance     float32 `json:"distance"`
}

func mcpSearchActivities(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		var tr *retrieval.TimeRange
		start, end := req.GetString("start_time", ""), req.GetString("end_time", "")
		if start != "" || end != "" {
			tr = &retrieval.TimeRange{}
			if tr.Start, err = parseOptionalTime(start); err != nil {
				return mcpError(fmt.Sprintf("invalid start_time: %v", err)), nil
			}
			if tr.End, err = parseOptionalTime(end); err != nil {
				return mcpError(fmt.Sprintf("invalid end_time: %v", err)), nil
			}
		}

		results, err := retrieval.NewRetriever(deps.Embedder, deps.Index).Retrieve(ctx, query, limit, tr)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		hits := make([]activityHit, len(results))
		for i, r := range results {
			hits[i] = activityHit{
				Timestamp:    r.ID,
				CreatedAt:    time.Unix(r.Metadata.CreatedAt, 0).Format(time.RFC3339),
				ActiveWindow: r.Metadata.ActiveWindow,
				Caption:      r.Document,
				Distance:     r.Distance,
			}
		}
		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

type activityView struct {
	Timestamp    string           `json:"timestamp"`
	CreatedAt    string           `json:"created_at"`
	ActiveWindow *storage.Window  `json:"active_window"`
	UserApps     []storage.Window `json:"user_apps"`
	Analysis     string           `json:"analysis"`
	Processed    bool             `json:"processed"`
}

func mcpGetActivity(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ts, err := req.RequireString("timestamp")
		if err != nil {
			return mcpError("timestamp is required"), nil
		}
		a, err := deps.Store.GetActivity(ctx, ts)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no activity %s", ts)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read activity: %v", err)), nil
		}
		b, err := json.Marshal(activityView{
			Timestamp:    a.Timestamp,
			CreatedAt:    a.CreatedAt.Format(time.RFC3339),
			ActiveWindow: a.ActiveWindow,
			UserApps:     a.UserApps,
			Analysis:     a.Analysis,
			Processed:    a.Processed,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal activity: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPipelineStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		total, processed, err := deps.Store.CountActivities(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count activities: %v", err)), nil
		}
		latest, err := latestActivity(ctx, deps.Store)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read latest activity: %v", err)), nil
		}
		vectors, err := deps.Index.Count(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count vectors: %v", err)), nil
		}
		b, _ := json.Marshal(map[string]any{
			"total":     total,
			"processed": processed,
			"pending":   total - processed,
			"latest":    latest,
			"vectors":   vectors,
		})
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
