package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/agenticwork/awchat/internal/tools"
)

const (
	defaultMaxReadBytes = 200000
	defaultMaxFiles     = 32
)

// Config bounds filesystem tool access.
type Config struct {
	// Workspace is the root directory used when the invocation carries no
	// working directory.
	Workspace string
	// MaxReadBytes caps the bytes returned per file.
	MaxReadBytes int
	// MaxFiles caps the paths accepted by one read_many_files call.
	MaxFiles int
}

func (c Config) withDefaults() Config {
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = defaultMaxReadBytes
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = defaultMaxFiles
	}
	return c
}

// root prefers the invocation working directory over the configured
// workspace.
func (c Config) root(inv tools.Invocation) string {
	if inv.WorkDir != "" {
		return inv.WorkDir
	}
	return c.Workspace
}

// ReadManyFilesTool reads several workspace files in one call.
type ReadManyFilesTool struct {
	cfg Config
}

// NewReadManyFilesTool creates a read_many_files tool scoped to the workspace.
func NewReadManyFilesTool(cfg Config) *ReadManyFilesTool {
	return &ReadManyFilesTool{cfg: cfg.withDefaults()}
}

// Name returns the tool name.
func (t *ReadManyFilesTool) Name() string {
	return "read_many_files"
}

// Description returns the tool description.
func (t *ReadManyFilesTool) Description() string {
	return "Read the contents of multiple files from the workspace in one call. Unreadable files are reported per entry without failing the rest."
}

type readManyFilesArgs struct {
	Paths    []string `json:"paths" jsonschema:"description=Workspace-relative or absolute paths to read"`
	MaxBytes int      `json:"max_bytes,omitempty" jsonschema:"description=Maximum bytes to return per file (capped by the tool default)"`
}

// Schema returns the JSON schema for the tool parameters.
func (t *ReadManyFilesTool) Schema() json.RawMessage {
	return tools.SchemaFor[readManyFilesArgs]()
}

type fileEntry struct {
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Execute reads each requested file with safety limits.
func (t *ReadManyFilesTool) Execute(ctx context.Context, inv tools.Invocation) (*tools.Output, error) {
	var input readManyFilesArgs
	if err := json.Unmarshal(inv.Args, &input); err != nil {
		return tools.Errorf("Invalid parameters: %v", err), nil
	}
	if len(input.Paths) == 0 {
		return tools.ErrorOutput("paths is required"), nil
	}
	if len(input.Paths) > t.cfg.MaxFiles {
		return tools.Errorf("too many paths: %d exceeds limit of %d", len(input.Paths), t.cfg.MaxFiles), nil
	}

	limit := t.cfg.MaxReadBytes
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	resolver := Resolver{Root: t.cfg.root(inv)}
	entries := make([]fileEntry, 0, len(input.Paths))
	for _, path := range input.Paths {
		if err := ctx.Err(); err != nil {
			return tools.Errorf("read cancelled: %v", err), nil
		}
		entries = append(entries, readOne(resolver, path, limit))
	}

	return tools.JSONOutput(map[string]any{"files": entries}), nil
}

func readOne(resolver Resolver, path string, limit int) fileEntry {
	entry := fileEntry{Path: path}
	if strings.TrimSpace(path) == "" {
		entry.Error = "path is required"
		return entry
	}
	resolved, err := resolver.Resolve(path)
	if err != nil {
		entry.Error = err.Error()
		return entry
	}

	file, err := os.Open(resolved)
	if err != nil {
		entry.Error = fmt.Sprintf("open file: %v", err)
		return entry
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		entry.Error = fmt.Sprintf("stat file: %v", err)
		return entry
	}
	if info.IsDir() {
		entry.Error = "path is a directory"
		return entry
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		entry.Error = fmt.Sprintf("read file: %v", err)
		return entry
	}

	entry.Content = string(buf)
	entry.Bytes = len(buf)
	entry.Truncated = info.Size() > int64(len(buf))
	return entry
}
