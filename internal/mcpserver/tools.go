// Package mcpserver registers MCP tools that expose keysync diagnostics.
// It adapts the engine's snapshot API to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexjbarnes/keysync/internal/cache"
	"github.com/alexjbarnes/keysync/internal/connectivity"
	errs "github.com/alexjbarnes/keysync/internal/errors"
	"github.com/alexjbarnes/keysync/internal/keysync"
	"github.com/alexjbarnes/keysync/internal/queue"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Diagnostics is the read side of the engine plus the two controls
// exposed as tools. *engine.Engine satisfies it.
type Diagnostics interface {
	SyncStatus() keysync.Status
	QueueStats(ctx context.Context) (queue.Stats, error)
	ConnectivityInfo() connectivity.Info
	CacheStatistics() map[cache.Category]cache.CategoryStats
	CheckConnectivity(ctx context.Context) bool
	SyncNow(ctx context.Context) (bool, error)
}

// RegisterTools adds all diagnostics tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Diagnostics) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "keysync_status",
		Description: "Key sync status: followed user and groups, live subscriptions, last successful sync, last error and event counters.",
	}, statusHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keysync_queue_stats",
		Description: "Offline queue snapshot: pending operations by type, oldest entry, current retry round and next scheduled retry.",
	}, queueStatsHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keysync_connectivity",
		Description: "Connectivity snapshot: online flag, last online/offline times, consecutive probe failures and probe target.",
	}, connectivityHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keysync_cache_stats",
		Description: "Per-category cache size, capacity, hits, misses and hit rate.",
	}, cacheStatsHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keysync_check_connectivity",
		Description: "Probe connectivity now instead of waiting for the next interval. Returns the resulting state.",
	}, checkConnectivityHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "keysync_force_sync",
		Description: "Reconcile the local user's keys with the directory now. Offline, the sync is queued for replay.",
	}, forceSyncHandler(d))
}

// --- Input and output types ---
// The MCP SDK infers JSON schema from these struct types.

// NoInput is shared by every tool; none take parameters.
type NoInput struct{}

// CacheStatsResult holds per-category statistics keyed by category name.
type CacheStatsResult struct {
	Categories map[string]cache.CategoryStats `json:"categories"`
}

// CheckConnectivityResult is the state after an explicit probe.
type CheckConnectivityResult struct {
	Online bool              `json:"online"`
	Info   connectivity.Info `json:"info"`
}

// ForceSyncResult reports a forced sync.
type ForceSyncResult struct {
	Found  bool   `json:"found"`
	Queued bool   `json:"queued"`
	Note   string `json:"note,omitempty"`
}

// --- Handlers ---

func statusHandler(d Diagnostics) mcp.ToolHandlerFor[NoInput, *keysync.Status] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *keysync.Status, error) {
		result := d.SyncStatus()
		return textResult(result), &result, nil
	}
}

func queueStatsHandler(d Diagnostics) mcp.ToolHandlerFor[NoInput, *queue.Stats] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *queue.Stats, error) {
		result, err := d.QueueStats(ctx)
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), &result, nil
	}
}

func connectivityHandler(d Diagnostics) mcp.ToolHandlerFor[NoInput, *connectivity.Info] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *connectivity.Info, error) {
		result := d.ConnectivityInfo()
		return textResult(result), &result, nil
	}
}

func cacheStatsHandler(d Diagnostics) mcp.ToolHandlerFor[NoInput, *CacheStatsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *CacheStatsResult, error) {
		stats := d.CacheStatistics()

		result := &CacheStatsResult{Categories: make(map[string]cache.CategoryStats, len(stats))}
		for cat, s := range stats {
			result.Categories[string(cat)] = s
		}

		return textResult(result), result, nil
	}
}

func checkConnectivityHandler(d Diagnostics) mcp.ToolHandlerFor[NoInput, *CheckConnectivityResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *CheckConnectivityResult, error) {
		online := d.CheckConnectivity(ctx)
		result := &CheckConnectivityResult{Online: online, Info: d.ConnectivityInfo()}

		return textResult(result), result, nil
	}
}

func forceSyncHandler(d Diagnostics) mcp.ToolHandlerFor[NoInput, *ForceSyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *ForceSyncResult, error) {
		found, err := d.SyncNow(ctx)

		switch {
		case errors.Is(err, errs.ErrOffline):
			result := &ForceSyncResult{Queued: true, Note: "offline, sync queued"}
			return textResult(result), result, nil
		case err != nil:
			return nil, nil, err
		}

		result := &ForceSyncResult{Found: found}
		if !found {
			result.Note = "directory has no keys for this user"
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
