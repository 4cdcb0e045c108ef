package transport

// toolDefinitions is the tools/list payload, translated verbatim in shape
// (name, description, JSON Schema inputSchema) from the original
// implementation's mcp_server.rs tool table.
var toolDefinitions = []map[string]interface{}{
	{
		"name":        "search_logs",
		"description": "Search process logs with optional regex pattern, context lines, and head/tail limiting. Execution order: pattern matching -> context expansion -> head/tail limiting",
		"inputSchema": searchInputSchema,
	},
	{
		"name":        "search_build_log",
		"description": "Search build logs with optional regex pattern, context lines, and head/tail limiting. Execution order: pattern matching -> context expansion -> head/tail limiting",
		"inputSchema": searchInputSchema,
	},
	{
		"name":        "restart",
		"description": "Restart a process (builds first for Rust projects, then restarts). Switches back to dev mode.",
		"inputSchema": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"process": map[string]interface{}{"type": "string", "description": "Process name"},
			},
			"required": []string{"process"},
		},
	},
	{
		"name":        "get_status",
		"description": "Get status of all processes including mode, uptime, state, and recent events",
		"inputSchema": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	},
}

var searchInputSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"process": map[string]interface{}{"type": "string", "description": "Process name"},
		"pattern": map[string]interface{}{
			"type":        "string",
			"description": "Optional regex pattern (Go RE2 syntax, case-sensitive). Examples: 'ERROR|WARN', 'started.*server', '\\d{3}'.",
		},
		"context_lines": map[string]interface{}{
			"type":        "number",
			"description": "Number of lines to show before and after each match. Only applies when pattern is provided",
		},
		"head": map[string]interface{}{
			"type":        "number",
			"description": "Return only first N lines of the result (applied after pattern/context)",
		},
		"tail": map[string]interface{}{
			"type":        "number",
			"description": "Return only last N lines of the result (applied after head, per the fixed resolution order)",
		},
		"index": map[string]interface{}{
			"type":        "number",
			"description": "Log instance index. Negative = recent (-1 most recent, -2 second-to-last), positive = absolute (0 oldest). Default: -1",
		},
	},
	"required": []string{"process"},
}
