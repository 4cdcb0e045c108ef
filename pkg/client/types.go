package client

// SearchOptions mirrors the search_logs/search_build_log tool's optional
// arguments (logbuffer.SearchParams on the wire).
type SearchOptions struct {
	Pattern      string `json:"pattern,omitempty"`
	ContextLines int    `json:"context_lines,omitempty"`
	Head         *int   `json:"head,omitempty"`
	Tail         *int   `json:"tail,omitempty"`
	Index        *int   `json:"index,omitempty"`
}

func (o SearchOptions) withProcess(process string) map[string]interface{} {
	return map[string]interface{}{
		"process":       process,
		"pattern":       o.Pattern,
		"context_lines": o.ContextLines,
		"head":          o.Head,
		"tail":          o.Tail,
		"index":         o.Index,
	}
}
