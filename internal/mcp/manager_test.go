package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeServer answers the MCP methods the client uses and records the ids and
// session headers it saw for tools/call.
type fakeServer struct {
	*httptest.Server

	tools []Tool

	mu       sync.Mutex
	callIDs  []string
	sessions []string
}

func newFakeServer(t *testing.T, tools []Tool) *fakeServer {
	t.Helper()
	f := &fakeServer{tools: tools}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Header.Get("X-Token") != "secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	resp := rpcResponse{JSONRPC: jsonrpcVersion, ID: req.ID}
	switch req.Method {
	case "initialize":
		w.Header().Set(sessionHeader, "sess-1")
		resp.Result, _ = json.Marshal(initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: "fake", Version: "0.1"},
		})
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
		return
	case "tools/list":
		resp.Result, _ = json.Marshal(listToolsResult{Tools: f.tools})
	case "tools/call":
		f.mu.Lock()
		f.callIDs = append(f.callIDs, req.ID)
		f.sessions = append(f.sessions, r.Header.Get(sessionHeader))
		f.mu.Unlock()

		var params callToolParams
		_ = json.Unmarshal(req.Params, &params)
		var result CallResult
		switch params.Name {
		case "echo":
			result.Content = []Content{
				{Type: "text", Text: "said"},
				{Type: "image", Data: "AAAA", MimeType: "image/png"},
				{Type: "text", Text: params.Arguments["text"].(string)},
			}
		case "broken":
			result.IsError = true
			result.Content = []Content{{Type: "text", Text: "kaput"}}
		default:
			resp.Error = &RPCError{Code: CodeToolNotFound, Message: "no such tool"}
		}
		if resp.Error == nil {
			resp.Result, _ = json.Marshal(result)
		}
	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestManagerRoutesToolCalls(t *testing.T) {
	srv := newFakeServer(t, []Tool{
		{Name: "echo", Description: "Echo text", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "broken"},
		{Name: "ghost"},
	})

	mgr := NewManager(&Config{
		Enabled: true,
		Servers: []*ServerConfig{{ID: "fake", URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}},
	}, nil)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !mgr.HasTool("echo") || mgr.HasTool("missing") {
		t.Fatal("HasTool() mismatch")
	}

	got, err := mgr.CallTool(context.Background(), "call_1", "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool(echo) error = %v", err)
	}
	if got != "said\nhi" {
		t.Errorf("CallTool(echo) = %q", got)
	}

	if _, err := mgr.CallTool(context.Background(), "call_2", "broken", nil); err == nil || err.Error() != "kaput" {
		t.Errorf("CallTool(broken) error = %v", err)
	}

	var rpcErr *RPCError
	if _, err := mgr.CallTool(context.Background(), "call_3", "ghost", nil); !errors.As(err, &rpcErr) || rpcErr.Code != CodeToolNotFound {
		t.Errorf("CallTool(ghost) error = %v", err)
	}

	if _, err := mgr.CallTool(context.Background(), "call_4", "missing", nil); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("CallTool(missing) error = %v", err)
	}

	defs := mgr.Definitions()
	if len(defs) != 3 || defs[0].Name != "broken" || defs[1].Name != "echo" || defs[1].Description != "Echo text" {
		t.Errorf("Definitions() = %+v", defs)
	}
}

func TestClientSendsCallIDAndSession(t *testing.T) {
	srv := newFakeServer(t, []Tool{{Name: "echo"}})

	client := NewClient(&ServerConfig{ID: "fake", URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.ServerName() != "fake" {
		t.Errorf("ServerName() = %q", client.ServerName())
	}
	if _, err := client.CallTool(context.Background(), "call_42", "echo", map[string]any{"text": "x"}); err != nil {
		t.Fatal(err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.callIDs) != 1 || srv.callIDs[0] != "call_42" {
		t.Errorf("request ids = %v, want [call_42]", srv.callIDs)
	}
	if srv.sessions[0] != "sess-1" {
		t.Errorf("session header = %q, want sess-1", srv.sessions[0])
	}
}

func TestManagerSkipsFailingServer(t *testing.T) {
	srv := newFakeServer(t, nil)

	mgr := NewManager(&Config{
		Enabled: true,
		Servers: []*ServerConfig{{ID: "noauth", URL: srv.URL}},
	}, nil)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(mgr.Definitions()) != 0 {
		t.Error("expected no tools from an unreachable server")
	}

	err := mgr.Connect(context.Background(), &ServerConfig{ID: "noauth", URL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Errorf("Connect() error = %v", err)
	}
}

func TestManagerDisabled(t *testing.T) {
	mgr := NewManager(&Config{Servers: []*ServerConfig{{ID: "x", URL: "http://127.0.0.1:1"}}}, nil)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mgr.HasTool("anything") {
		t.Error("disabled manager routed a tool")
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		cfg     ServerConfig
		wantErr bool
	}{
		{ServerConfig{ID: "a", URL: "https://mcp.example.com/rpc"}, false},
		{ServerConfig{URL: "https://mcp.example.com"}, true},
		{ServerConfig{ID: "a"}, true},
		{ServerConfig{ID: "a", URL: "stdio://tool"}, true},
	}
	for _, tt := range tests {
		if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
		}
	}
}
