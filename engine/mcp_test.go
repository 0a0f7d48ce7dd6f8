package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "dashd-test", Version: "0.1.0"}

func mcpSession(t *testing.T, e *Engine) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	e.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func TestMCP_Documents(t *testing.T) {
	src := newFakeSource(SourceUpload,
		doc("u1", SourceUpload, "", time.Minute),
		doc("u2", SourceUpload, "Reports", 2*time.Minute),
	)
	e := startEngine(t, testConfig(), Deps{Sources: []Source{src}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.MergedPage(ctx, 0); err != nil {
		t.Fatal(err)
	}

	session := mcpSession(t, e)
	text := mcpCallTool(t, session, "pool_documents", map[string]any{"page": 0})

	var page Page
	if err := json.Unmarshal([]byte(text), &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if page.TotalCount != 2 || len(page.Items) != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Items[0].ID != "u1" {
		t.Fatalf("expected newest first, got %s", page.Items[0].ID)
	}
}

func TestMCP_Folders(t *testing.T) {
	src := newFakeSource(SourceUpload,
		doc("u1", SourceUpload, "Reports/Q1", time.Minute),
		doc("u2", SourceUpload, "", 2*time.Minute),
	)
	e := startEngine(t, testConfig(), Deps{Sources: []Source{src}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.MergedPage(ctx, 0); err != nil {
		t.Fatal(err)
	}

	session := mcpSession(t, e)
	text := mcpCallTool(t, session, "pool_folders", map[string]any{})

	var resp struct {
		Forest  []*FolderNode `json:"forest"`
		Unfiled int           `json:"unfiled"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Forest) != 1 || resp.Forest[0].FullPath != "Reports" {
		t.Fatalf("unexpected forest: %+v", resp.Forest)
	}
	if resp.Forest[0].RecursiveCount != 1 {
		t.Fatalf("recursive count: %d", resp.Forest[0].RecursiveCount)
	}
	if resp.Unfiled != 1 {
		t.Fatalf("unfiled: %d", resp.Unfiled)
	}
}

func TestMCP_Health(t *testing.T) {
	src := newFakeSource(SourceUpload)
	e := startEngine(t, testConfig(), Deps{
		Sources: []Source{src},
		Probes:  []HealthProbe{countingProbe("stuck_processing", 3)},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.MergedPage(ctx, 0); err != nil {
		t.Fatal(err)
	}

	session := mcpSession(t, e)
	text := mcpCallTool(t, session, "pool_health", map[string]any{})

	var resp struct {
		Categories []HealthCategory `json:"categories"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Categories) != 1 || resp.Categories[0].Key != "stuck_processing" || resp.Categories[0].Count != 3 {
		t.Fatalf("unexpected health: %+v", resp.Categories)
	}
}
