// Package builtin ships the runtime's built-in tools: think, todo_write,
// memory_append, memory_replace, read_file, http_fetch, and shell. Together
// they cover every side-effect class the executor distinguishes, so a default
// registry exercises the full policy surface.
package builtin

import (
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/strand/internal/agent"
)

// Config controls built-in tool defaults.
type Config struct {
	// MaxReadBytes caps read_file output. Zero selects 200000.
	MaxReadBytes int

	// MaxFetchBytes caps http_fetch response bodies. Zero selects 1MB.
	MaxFetchBytes int64

	// ShellTimeout bounds shell commands that do not ask for their own
	// timeout. Zero selects 60s.
	ShellTimeout time.Duration
}

// All returns one instance of every built-in tool, in registration order.
func All(cfg Config) []agent.Tool {
	return []agent.Tool{
		NewThinkTool(),
		NewTodoWriteTool(NewTodoManager()),
		NewMemoryAppendTool(),
		NewMemoryReplaceTool(),
		NewReadFileTool(cfg),
		NewHTTPFetchTool(cfg),
		NewShellTool(cfg),
	}
}

// reflectSchema derives a tool's argument schema from its args struct.
// Descriptions and constraints come from jsonschema struct tags; the
// registry strictifies the result before it goes over the wire.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	payload, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}

	var node map[string]any
	if err := json.Unmarshal(payload, &node); err != nil {
		return payload
	}
	delete(node, "$schema")
	delete(node, "$id")
	out, err := json.Marshal(node)
	if err != nil {
		return payload
	}
	return out
}
