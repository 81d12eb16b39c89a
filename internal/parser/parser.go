package parser

import (
	"encoding/json"
	"fmt"

	"github.com/justbecauselabs/pokecode/internal/models"
)

// Parsed is the result of normalizing one raw SDK envelope: the verbatim
// bytes for faithful re-serialization, plus the fields the Message Service
// needs to update counters and session state without re-parsing JSON.
type Parsed struct {
	Type              models.MessageType
	Raw               json.RawMessage
	ParentToolUseID   *string
	ProviderSessionID *string
	TokenCount        int64

	// DisplayText is the concatenation of assistant text blocks, surfaced
	// to clients that want a plain-text preview. Empty for non-assistant
	// types or assistant messages with no text blocks.
	DisplayText string
}

// Parse normalizes one raw agent SDK message into its canonical form.
// Malformed envelopes (missing type or session_id) produce a synthetic
// error message rather than failing the caller (§4.B).
func Parse(raw []byte) *Parsed {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		return syntheticError(raw, fmt.Sprintf("malformed agent envelope: %v", errOrMissingType(err)))
	}
	if env.SessionID == "" {
		return syntheticError(raw, "malformed agent envelope: missing required field \"session_id\"")
	}

	var p *Parsed
	switch env.Type {
	case "system":
		p = parseSystem(raw, &env)
	case "user":
		p = parseUser(raw, &env)
	case "assistant":
		p = parseAssistant(raw, &env)
	case "result":
		p = parseResult(raw, &env)
	default:
		// Unknown top-level type: preserved verbatim, tagged with the
		// envelope's own role/type, never a parse failure (§4.B).
		t := models.MessageType(env.Type)
		if env.Role == "assistant" || env.Role == "user" {
			t = models.MessageType(env.Role)
		}
		if t == "" {
			t = models.MessageTypeSystem
		}
		p = &Parsed{Type: t, Raw: raw}
	}
	if env.SessionID != "" {
		id := env.SessionID
		p.ProviderSessionID = &id
	}
	return p
}

func errOrMissingType(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("missing required field \"type\"")
}

func syntheticError(raw []byte, reason string) *Parsed {
	body, _ := json.Marshal(map[string]any{
		"type":  "error",
		"error": reason,
		"raw":   json.RawMessage(raw),
	})
	return &Parsed{Type: models.MessageTypeError, Raw: body, DisplayText: reason}
}

func parseSystem(raw []byte, _ *Envelope) *Parsed {
	return &Parsed{Type: models.MessageTypeSystem, Raw: raw}
}

func parseUser(raw []byte, env *Envelope) *Parsed {
	p := &Parsed{Type: models.MessageTypeUser, Raw: raw}
	for _, block := range env.ContentBlocks() {
		if block.Type == "tool_result" && block.ToolUseID != "" {
			id := block.ToolUseID
			p.ParentToolUseID = &id
		}
	}
	return p
}

func parseAssistant(raw []byte, env *Envelope) *Parsed {
	p := &Parsed{Type: models.MessageTypeAssistant, Raw: raw}
	p.TokenCount = env.Usage.Total()

	for _, block := range env.ContentBlocks() {
		switch block.Type {
		case "text":
			p.DisplayText += block.Text
		case "tool_use":
			// toolId = content.id; no separate side-table, the id lives in
			// the persisted envelope and is matched by later tool_result
			// blocks via ParentToolUseID.
		}
	}
	return p
}

func parseResult(raw []byte, env *Envelope) *Parsed {
	p := &Parsed{Type: models.MessageTypeResult, Raw: raw}
	p.TokenCount = env.Usage.Total()
	if env.IsError || env.Subtype == "error_max_turns" || env.Subtype == "error_during_execution" {
		// Still a `result` type per §4.B: the envelope's own subtype carries
		// the failure; the core does not recast it as MessageTypeError.
	}
	return p
}
