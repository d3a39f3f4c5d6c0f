package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/strand/internal/agent"
)

const defaultMaxReadBytes = 200000

// ReadFileTool reads files from the agent's workspace with byte offset and
// limit support. Paths are confined to the workspace when one is set.
type ReadFileTool struct {
	maxBytes int
}

type readFileArgs struct {
	Path     string `json:"path" jsonschema:"required,description=File path relative to the agent workspace."`
	Offset   int64  `json:"offset" jsonschema:"description=Byte offset to start reading from.,minimum=0"`
	MaxBytes int    `json:"max_bytes" jsonschema:"description=Maximum bytes to return.,minimum=0"`
}

// NewReadFileTool creates the read_file tool.
func NewReadFileTool(cfg Config) *ReadFileTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	return &ReadFileTool{maxBytes: limit}
}

func (t *ReadFileTool) Name() string {
	return "read_file"
}

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace with optional byte offset and limit."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return reflectSchema(&readFileArgs{})
}

func (t *ReadFileTool) Kind() agent.ToolKind {
	return agent.ToolKindRead
}

func (t *ReadFileTool) SideEffect() agent.SideEffect {
	return agent.SideEffectFilesystem
}

func (t *ReadFileTool) ReturnCharLimit() int {
	return 0
}

func (t *ReadFileTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolResult, error) {
	var args readFileArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return agent.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(args.Path) == "" {
		return agent.ErrorResult("path is required"), nil
	}
	if args.Offset < 0 {
		return agent.ErrorResult("offset must be >= 0"), nil
	}

	workDir := ""
	if tc != nil {
		workDir = tc.WorkDir
	}
	resolved, err := resolvePath(workDir, args.Path)
	if err != nil {
		return agent.ErrorResult(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("stat file: %v", err)), nil
	}
	if info.IsDir() {
		return agent.ErrorResult(fmt.Sprintf("%s is a directory", args.Path)), nil
	}

	if args.Offset > 0 {
		if _, err := file.Seek(args.Offset, io.SeekStart); err != nil {
			return agent.ErrorResult(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxBytes
	if args.MaxBytes > 0 && args.MaxBytes < limit {
		limit = args.MaxBytes
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("read file: %v", err)), nil
	}

	truncated := args.Offset+int64(len(buf)) < info.Size()
	payload, err := json.MarshalIndent(map[string]any{
		"path":      args.Path,
		"content":   string(buf),
		"offset":    args.Offset,
		"bytes":     len(buf),
		"truncated": truncated,
	}, "", "  ")
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return agent.TextResult(string(payload)), nil
}

// resolvePath returns an absolute, cleaned path confined to the workspace
// root. An empty root resolves against the current directory.
func resolvePath(root, path string) (string, error) {
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	target := filepath.Clean(path)
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", path)
	}
	return targetAbs, nil
}
