// Package transport implements the JSON-RPC 2.0 request/response shapes and
// tool dispatch for the remote-control surface, grounded on the original
// implementation's mcp_server.rs (JsonRpcRequest/JsonRpcResponse, the
// initialize/tools-list/tools-call method trio, and the four tool
// definitions), translated into idiomatic Go: struct tags instead of serde
// derives, error values instead of anyhow::Result.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/loykin/mcp-supervisor/internal/controller"
	"github.com/loykin/mcp-supervisor/internal/logbuffer"
)

var errMissingProcess = errors.New("missing 'process' parameter")

// ProtocolVersion is echoed back verbatim in the initialize handshake, per
// spec.md §6.
const ProtocolVersion = "2024-11-05"

// Request is one JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 reply. Result and Error are mutually
// exclusive.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError mirrors the JSON-RPC error object shape.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC error codes used by this server.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

var nullID = json.RawMessage("null")

func errorResponse(id json.RawMessage, code int, message string) Response {
	if id == nil {
		id = nullID
	}
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func resultResponse(id json.RawMessage, result interface{}) Response {
	if id == nil {
		id = nullID
	}
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// Dispatch handles one Request against ctrl and returns the Response to
// serialize back to the client.
func Dispatch(ctx context.Context, ctrl *controller.Controller, req Request) Response {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]interface{}{"name": "supervisor", "version": "1.0.0"},
			"sessionId":       uuid.NewString(),
		})
	case "tools/list":
		return resultResponse(req.ID, map[string]interface{}{"tools": toolDefinitions})
	case "tools/call":
		return dispatchToolCall(ctx, ctrl, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func dispatchToolCall(ctx context.Context, ctrl *controller.Controller, req Request) Response {
	if len(req.Params) == 0 {
		return errorResponse(req.ID, codeInvalidParams, "missing params")
	}
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid params: "+err.Error())
	}

	var (
		text string
		err  error
	)
	switch params.Name {
	case "search_logs":
		text, err = toolSearchLogs(ctrl, params.Arguments, ctrl.SearchLogs)
	case "search_build_log":
		text, err = toolSearchLogs(ctrl, params.Arguments, ctrl.SearchBuildLog)
	case "restart":
		text, err = toolRestart(ctx, ctrl, params.Arguments)
	case "get_status":
		text, err = toolGetStatus(ctrl)
	default:
		return errorResponse(req.ID, codeInvalidParams, "unknown tool: "+params.Name)
	}
	if err != nil {
		return errorResponse(req.ID, codeInternalError, "tool execution error: "+err.Error())
	}

	return resultResponse(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": text}},
	})
}

type searchArgs struct {
	Process      string `json:"process"`
	Pattern      string `json:"pattern"`
	ContextLines int    `json:"context_lines"`
	Head         *int   `json:"head"`
	Tail         *int   `json:"tail"`
	Index        *int   `json:"index"`
}

func toolSearchLogs(_ *controller.Controller, raw json.RawMessage, search func(string, logbuffer.SearchParams) (logbuffer.SearchResult, error)) (string, error) {
	var a searchArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			return "", err
		}
	}
	if a.Process == "" {
		return "", errMissingProcess
	}
	result, err := search(a.Process, logbuffer.SearchParams{
		Index:        a.Index,
		Pattern:      a.Pattern,
		ContextLines: a.ContextLines,
		Head:         a.Head,
		Tail:         a.Tail,
	})
	if err != nil {
		return "", err
	}
	return strings.Join(logbuffer.FormatLines(result), "\n"), nil
}

type restartArgs struct {
	Process string `json:"process"`
}

func toolRestart(ctx context.Context, ctrl *controller.Controller, raw json.RawMessage) (string, error) {
	var a restartArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			return "", err
		}
	}
	if a.Process == "" {
		return "", errMissingProcess
	}
	if err := ctrl.Restart(ctx, a.Process); err != nil {
		return "", err
	}
	return "process '" + a.Process + "' restarted successfully in dev mode", nil
}

func toolGetStatus(ctrl *controller.Controller) (string, error) {
	entries := ctrl.GetStatus()
	var b strings.Builder
	b.WriteString("Processes:\n")
	for _, e := range entries {
		b.WriteString("\n  " + e.Name + ": " + e.State + " (" + e.CurrentMode + " mode)\n")
		if e.PID != 0 {
			b.WriteString("    pid: ")
			b.WriteString(itoa(e.PID))
			b.WriteString("\n")
		}
		if e.State == "running" {
			b.WriteString("    uptime_seconds: ")
			b.WriteString(itoa(int(e.UptimeSeconds)))
			b.WriteString("\n")
		}
		b.WriteString("    consecutive_crashes: ")
		b.WriteString(itoa(e.ConsecutiveCrashes))
		b.WriteString("\n")
		if len(e.RecentEvents) > 0 {
			b.WriteString("    recent_events:\n")
			for _, ev := range e.RecentEvents {
				b.WriteString("      - " + ev.Kind)
				if ev.Detail != "" {
					b.WriteString(": " + ev.Detail)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String(), nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
