package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loykin/mcp-supervisor/internal/config"
	"github.com/loykin/mcp-supervisor/internal/controller"
	"github.com/loykin/mcp-supervisor/internal/procspec"
)

func testController(t *testing.T) *controller.Controller {
	t.Helper()
	dir := t.TempDir()
	settings := &config.Settings{
		McPPort:                    4000,
		DevTimeout:                 time.Hour,
		DevCrashWait:               30 * time.Millisecond,
		ReleaseCrashBackoffInitial: 10 * time.Millisecond,
		ReleaseCrashBackoffMax:     40 * time.Millisecond,
		Processes: []procspec.Config{
			{Name: "web", Kind: procspec.KindExternal, Command: []string{"sh", "-c", "sleep 5"}, WorkingDir: dir},
		},
	}
	return controller.New(settings, dir, nil, nil)
}

func TestDispatchInitialize(t *testing.T) {
	ctrl := testController(t)
	resp := Dispatch(context.Background(), ctrl, Request{JSONRPC: "2.0", Method: "initialize"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	m, ok := resp.Result.(map[string]interface{})
	if !ok || m["protocolVersion"] != ProtocolVersion {
		t.Fatalf("expected protocolVersion %s, got %+v", ProtocolVersion, resp.Result)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	ctrl := testController(t)
	resp := Dispatch(context.Background(), ctrl, Request{JSONRPC: "2.0", Method: "bogus"})
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp)
	}
}

func TestDispatchToolsList(t *testing.T) {
	ctrl := testController(t)
	resp := Dispatch(context.Background(), ctrl, Request{JSONRPC: "2.0", Method: "tools/list"})
	m := resp.Result.(map[string]interface{})
	tools := m["tools"].([]map[string]interface{})
	if len(tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(tools))
	}
}

func TestDispatchGetStatusToolCall(t *testing.T) {
	ctrl := testController(t)
	params, _ := json.Marshal(map[string]interface{}{"name": "get_status"})
	resp := Dispatch(context.Background(), ctrl, Request{JSONRPC: "2.0", Method: "tools/call", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestDispatchSearchLogsUnknownProcess(t *testing.T) {
	ctrl := testController(t)
	params, _ := json.Marshal(map[string]interface{}{
		"name":      "search_logs",
		"arguments": map[string]interface{}{"process": "nope"},
	})
	resp := Dispatch(context.Background(), ctrl, Request{JSONRPC: "2.0", Method: "tools/call", Params: params})
	if resp.Error == nil {
		t.Fatal("expected an error for unknown process")
	}
}

func TestDispatchRestartRequiresProcess(t *testing.T) {
	ctrl := testController(t)
	params, _ := json.Marshal(map[string]interface{}{
		"name":      "restart",
		"arguments": map[string]interface{}{},
	})
	resp := Dispatch(context.Background(), ctrl, Request{JSONRPC: "2.0", Method: "tools/call", Params: params})
	if resp.Error == nil {
		t.Fatal("expected an error for missing process")
	}
}
