package engine

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/knowpool/dashd/kit"
)

// RegisterMCP registers the engine's read operations as MCP tools.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerDocumentsTool(srv)
	e.registerFoldersTool(srv)
	e.registerHealthTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- documents ---

type documentsReq struct {
	Page int `json:"page"`
}

func (e *Engine) registerDocumentsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pool_documents",
		Description: "Return one page of the merged cross-pipeline document view, newest first.",
		InputSchema: inputSchema(map[string]any{
			"page": map[string]any{"type": "integer", "description": "Zero-based page index"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*documentsReq)
		return e.MergedPage(ctx, r.Page)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r documentsReq
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- folders ---

func (e *Engine) registerFoldersTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pool_folders",
		Description: "Return the folder forest with per-folder direct and recursive document counts.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{
			"forest":  e.FolderForest(),
			"unfiled": len(e.UnfiledDocuments()),
		}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- health ---

func (e *Engine) registerHealthTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pool_health",
		Description: "Return the processing-health categories (stuck, pending, failed) with sample items.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"categories": e.HealthSnapshot()}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
