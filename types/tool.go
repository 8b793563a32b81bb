package types

import "encoding/json"

// ToolSchema defines a tool's interface for LLM function calling.
// Parameters is a raw JSON Schema, forwarded to each vendor's native
// tool declaration without interpretation.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}
