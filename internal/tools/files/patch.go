package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/agenticwork/awchat/internal/tools"
)

// ApplyPatchTool applies unified diffs to workspace files.
type ApplyPatchTool struct {
	cfg Config
}

// NewApplyPatchTool creates an apply_patch tool scoped to the workspace.
func NewApplyPatchTool(cfg Config) *ApplyPatchTool {
	return &ApplyPatchTool{cfg: cfg.withDefaults()}
}

// Name returns the tool name.
func (t *ApplyPatchTool) Name() string {
	return "apply_patch"
}

// Description returns the tool description.
func (t *ApplyPatchTool) Description() string {
	return "Apply a unified diff patch to one or more files in the workspace."
}

type applyPatchArgs struct {
	Patch string `json:"patch" jsonschema:"description=Unified diff with ---/+++ file headers"`
}

// Schema returns the JSON schema for the tool parameters.
func (t *ApplyPatchTool) Schema() json.RawMessage {
	return tools.SchemaFor[applyPatchArgs]()
}

// Execute parses and applies the patch file by file. The first failing file
// aborts the call; earlier files stay modified and are listed in the error.
func (t *ApplyPatchTool) Execute(ctx context.Context, inv tools.Invocation) (*tools.Output, error) {
	var input applyPatchArgs
	if err := json.Unmarshal(inv.Args, &input); err != nil {
		return tools.Errorf("Invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Patch) == "" {
		return tools.ErrorOutput("patch is required"), nil
	}

	patches, err := parseUnifiedDiff(input.Patch)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}

	resolver := Resolver{Root: t.cfg.root(inv)}
	applied := make([]map[string]any, 0, len(patches))
	for _, patch := range patches {
		if err := ctx.Err(); err != nil {
			return tools.Errorf("patch cancelled: %v", err), nil
		}
		result, err := applyOne(resolver, patch)
		if err != nil {
			if len(applied) > 0 {
				return tools.Errorf("%v (already applied: %d of %d files)", err, len(applied), len(patches)), nil
			}
			return tools.ErrorOutput(err.Error()), nil
		}
		applied = append(applied, result)
	}

	return tools.JSONOutput(map[string]any{"applied": applied}), nil
}

func applyOne(resolver Resolver, patch filePatch) (map[string]any, error) {
	resolved, err := resolver.Resolve(patch.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read file: %v", err)
	}
	outcome, err := applyToContent(string(data), patch)
	if err != nil {
		return nil, fmt.Errorf("apply patch to %s: %v", patch.Path, err)
	}
	if err := os.WriteFile(resolved, []byte(outcome.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %v", err)
	}
	return map[string]any{
		"path":          patch.Path,
		"hunks":         len(patch.Hunks),
		"lines_added":   outcome.Added,
		"lines_removed": outcome.Removed,
	}, nil
}

type filePatch struct {
	Path  string
	Hunks []hunk
}

// hunk is one @@ block. Lines keep their single-character prefix.
type hunk struct {
	OldStart int
	Lines    []string
}

type patchOutcome struct {
	Content string
	Added   int
	Removed int
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

func parseUnifiedDiff(patch string) ([]filePatch, error) {
	lines := strings.Split(patch, "\n")
	var patches []filePatch
	var current *filePatch
	var open *hunk

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff ") || strings.HasPrefix(line, "index "):
			continue
		case strings.HasPrefix(line, "--- "):
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				return nil, fmt.Errorf("invalid patch: missing +++ header")
			}
			target := strings.TrimSpace(strings.TrimPrefix(lines[i+1], "+++ "))
			target = strings.TrimPrefix(strings.TrimPrefix(target, "b/"), "a/")
			patches = append(patches, filePatch{Path: target})
			current = &patches[len(patches)-1]
			open = nil
			i++
		case strings.HasPrefix(line, "@@ "):
			if current == nil {
				return nil, fmt.Errorf("invalid patch: hunk without file header")
			}
			match := hunkHeader.FindStringSubmatch(line)
			if match == nil {
				return nil, fmt.Errorf("invalid patch: malformed hunk header: %s", line)
			}
			start, _ := strconv.Atoi(match[1])
			current.Hunks = append(current.Hunks, hunk{OldStart: start})
			open = &current.Hunks[len(current.Hunks)-1]
		default:
			if open == nil || line == "" || line == `\ No newline at end of file` {
				continue
			}
			switch line[:1] {
			case " ", "+", "-":
				open.Lines = append(open.Lines, line)
			default:
				return nil, fmt.Errorf("invalid patch line: %s", line)
			}
		}
	}

	if len(patches) == 0 {
		return nil, fmt.Errorf("invalid patch: no file headers found")
	}
	return patches, nil
}

func applyToContent(content string, patch filePatch) (patchOutcome, error) {
	hadTrailing := strings.HasSuffix(content, "\n")
	trimmed := strings.TrimSuffix(content, "\n")
	lines := []string{}
	if trimmed != "" {
		lines = strings.Split(trimmed, "\n")
	}

	out := patchOutcome{}
	for _, h := range patch.Hunks {
		idx := h.OldStart - 1
		if idx < 0 {
			idx = 0
		}
		for _, line := range h.Lines {
			text := line[1:]
			switch line[:1] {
			case " ":
				if idx >= len(lines) || lines[idx] != text {
					return patchOutcome{}, fmt.Errorf("context mismatch at line %d", idx+1)
				}
				idx++
			case "-":
				if idx >= len(lines) || lines[idx] != text {
					return patchOutcome{}, fmt.Errorf("delete mismatch at line %d", idx+1)
				}
				lines = append(lines[:idx], lines[idx+1:]...)
				out.Removed++
			case "+":
				lines = append(lines[:idx], append([]string{text}, lines[idx:]...)...)
				idx++
				out.Added++
			}
		}
	}

	out.Content = strings.Join(lines, "\n")
	if hadTrailing {
		out.Content += "\n"
	}
	return out, nil
}
