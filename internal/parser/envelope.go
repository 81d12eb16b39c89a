// Package parser implements the Message Parser (§4.B): translating raw agent
// SDK envelopes into the canonical Message form persisted by the Message
// Service. Unknown shapes are preserved verbatim rather than rejected.
package parser

import "encoding/json"

// Envelope is the minimal shape every recognized top-level SDK message
// carries. The full raw JSON is kept alongside for lossless persistence.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Subtype   string `json:"subtype,omitempty"`

	// system envelope fields
	CWD            string          `json:"cwd,omitempty"`
	Tools          []string        `json:"tools,omitempty"`
	Model          string          `json:"model,omitempty"`
	MCPServers     json.RawMessage `json:"mcp_servers,omitempty"`
	PermissionMode string          `json:"permissionMode,omitempty"`
	SlashCommands  []string        `json:"slash_commands,omitempty"`

	// user / assistant envelope fields
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"` // string | []ContentBlock

	// assistant usage
	Usage *Usage `json:"usage,omitempty"`

	// result envelope fields
	DurationMS    int64   `json:"duration_ms,omitempty"`
	DurationAPIMS int64   `json:"duration_api_ms,omitempty"`
	IsError       bool    `json:"is_error,omitempty"`
	NumTurns      int     `json:"num_turns,omitempty"`
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`
}

// Usage carries token-usage counters, used by both assistant and result
// envelopes.
type Usage struct {
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens"`
}

// Total sums the four token counters per §4.B: a nil
// CacheCreationInputTokens contributes zero (§9 open question resolution).
func (u *Usage) Total() int64 {
	if u == nil {
		return 0
	}
	cache := int64(0)
	if u.CacheCreationInputTokens != nil {
		cache = *u.CacheCreationInputTokens
	}
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + cache
}

// ContentBlock is one element of a user/assistant content array. Unknown
// block types round-trip through RawMessage without data loss.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsErr     bool   `json:"is_error,omitempty"`

	raw json.RawMessage
}

// UnmarshalJSON keeps the original bytes so unknown fields survive re-serialization.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = ContentBlock(a)
	b.raw = append([]byte(nil), data...)
	return nil
}

// MarshalJSON re-emits the original bytes verbatim when available.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if b.raw != nil {
		return b.raw, nil
	}
	type alias ContentBlock
	return json.Marshal(alias(b))
}

// ContentBlocks attempts to parse Content as an array of blocks; returns nil
// (not an error) if Content is a plain string or absent.
func (e *Envelope) ContentBlocks() []ContentBlock {
	if len(e.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(e.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ContentString attempts to parse Content as a plain string.
func (e *Envelope) ContentString() string {
	if len(e.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err != nil {
		return ""
	}
	return s
}
