package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolRegistry maps tool names to Tools. Membership is assembled at startup
// and read-only afterwards; enumeration follows registration order so schema
// lists sent to the LLM are stable across requests.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	compiled sync.Map // tool name -> *jsonschema.Schema
}

// NewToolRegistry creates a registry holding the given tools in order.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool. A tool re-registered under an existing name replaces
// the original in place, keeping its position in enumeration order.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
	r.compiled.Delete(name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// List returns the registered tools in registration order.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// SchemasFor returns wire-ready strict schemas for the named tools, in
// registration order. Unknown names are skipped. A nil or empty list selects
// every registered tool.
func (r *ToolRegistry) SchemasFor(names []string) []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := r.order
	if len(names) > 0 {
		want := make(map[string]bool, len(names))
		for _, n := range names {
			want[n] = true
		}
		selected = make([]string, 0, len(names))
		for _, name := range r.order {
			if want[name] {
				selected = append(selected, name)
			}
		}
	}

	out := make([]ToolSchema, 0, len(selected))
	for _, name := range selected {
		tool := r.tools[name]
		out = append(out, ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  StrictSchema(tool.Schema()),
		})
	}
	return out
}

// FunctionSpecs returns the named tools' schemas wrapped in the OpenAI-style
// function envelope with strict mode enabled.
func (r *ToolRegistry) FunctionSpecs(names []string) []FunctionSpec {
	schemas := r.SchemasFor(names)
	out := make([]FunctionSpec, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, FunctionSpec{
			Type: "function",
			Function: FunctionBody{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
				Strict:      true,
			},
		})
	}
	return out
}

// ValidateArgs checks tool-call arguments against the tool's strict schema.
// Schemas are compiled once per tool and cached.
func (r *ToolRegistry) ValidateArgs(name string, args json.RawMessage) error {
	tool, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}

	var sch *jsonschema.Schema
	if cached, ok := r.compiled.Load(name); ok {
		sch = cached.(*jsonschema.Schema)
	} else {
		compiled, err := jsonschema.CompileString(name+".json", string(StrictSchema(tool.Schema())))
		if err != nil {
			return fmt.Errorf("compile schema for %q: %w", name, err)
		}
		r.compiled.Store(name, compiled)
		sch = compiled
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("arguments for %q are not valid JSON: %w", name, err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("arguments for %q: %w", name, err)
	}
	return nil
}

// StrictSchema rewrites a JSON schema so every declared property is required
// and additional properties are forbidden, recursively. Grammar-enforcing
// backends such as llama.cpp reject schemas with optional properties, so the
// strict form is what goes over the wire.
func StrictSchema(schema json.RawMessage) json.RawMessage {
	var node map[string]any
	if err := json.Unmarshal(schema, &node); err != nil {
		return schema
	}
	strictify(node)
	out, err := json.Marshal(node)
	if err != nil {
		return schema
	}
	return out
}

func strictify(node map[string]any) {
	if t, _ := node["type"].(string); t == "object" {
		props, _ := node["properties"].(map[string]any)
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		required := make([]any, len(names))
		for i, name := range names {
			required[i] = name
		}
		node["required"] = required
		node["additionalProperties"] = false
	}
	for _, key := range []string{"properties", "$defs", "definitions"} {
		if children, ok := node[key].(map[string]any); ok {
			for _, child := range children {
				if m, ok := child.(map[string]any); ok {
					strictify(m)
				}
			}
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		strictify(items)
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if list, ok := node[key].([]any); ok {
			for _, child := range list {
				if m, ok := child.(map[string]any); ok {
					strictify(m)
				}
			}
		}
	}
}

// ClientStubs renders remote stubs for the named tools as Python source. The
// LLM host can register these in its own sandbox; each stub's signature
// matches the schema and its body unconditionally raises, signalling that the
// tool executes on this side of the connection.
func (r *ToolRegistry) ClientStubs(names []string) string {
	schemas := r.SchemasFor(names)
	var b strings.Builder
	for i, s := range schemas {
		if i > 0 {
			b.WriteString("\n\n")
		}
		writeStub(&b, s)
	}
	return b.String()
}

func writeStub(b *strings.Builder, s ToolSchema) {
	var node struct {
		Properties map[string]map[string]any `json:"properties"`
	}
	_ = json.Unmarshal(s.Parameters, &node)

	params := make([]string, 0, len(node.Properties))
	for name := range node.Properties {
		params = append(params, name)
	}
	sort.Strings(params)

	args := make([]string, len(params))
	for i, name := range params {
		args[i] = name + ": " + pythonType(node.Properties[name])
	}

	fmt.Fprintf(b, "def %s(%s) -> str:\n", s.Name, strings.Join(args, ", "))
	if s.Description != "" {
		fmt.Fprintf(b, "    \"\"\"%s\"\"\"\n", strings.ReplaceAll(s.Description, `"""`, `\"\"\"`))
	}
	fmt.Fprintf(b, "    raise RuntimeError(\"tool '%s' is executed client-side\")", s.Name)
}

func pythonType(prop map[string]any) string {
	t, _ := prop["type"].(string)
	switch t {
	case "string":
		return "str"
	case "integer":
		return "int"
	case "number":
		return "float"
	case "boolean":
		return "bool"
	case "array":
		return "list"
	case "object":
		return "dict"
	default:
		return "object"
	}
}
