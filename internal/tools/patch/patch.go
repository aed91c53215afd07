// Package patch implements the apply_patch tool: a lightweight diff
// format with Add/Update/Delete File directives and context-anchored
// hunks, applied atomically per file.
package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/anvil/internal/agent"
)

const toolName = "apply_patch"

var operations = []string{"apply"}

// Tool is the apply_patch implementation.
type Tool struct{}

// New returns the apply_patch tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Name() string { return toolName }

func (t *Tool) Description() string {
	return "Apply a patch in the lightweight format: '*** Add File: path' with " +
		"+lines, '*** Update File: path' with '@@ context' hunks (space/+/- " +
		"bodies, optional '*** Move to: newpath'), '*** Delete File: path'. " +
		"Each file is written atomically only after every hunk is located."
}

func (t *Tool) Operations() []string { return operations }

func (t *Tool) Schema() map[string]any {
	return agent.OperationSchema(operations, map[string]any{
		"patch": map[string]any{
			"type":        "string",
			"description": "Patch text in the lightweight diff format",
		},
	}, "patch")
}

func (t *Tool) Execute(ctx context.Context, tc *agent.ToolContext, args map[string]any) (*agent.ToolResult, error) {
	if _, fail := agent.RequireOperation(t, args); fail != nil {
		return fail, nil
	}
	text := agent.StringArg(args, "patch")
	if strings.TrimSpace(text) == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "missing required argument 'patch'"), nil
	}

	patches, err := parsePatch(text)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "parse patch: %v", err), nil
	}

	workdir := tc.WorkDir()
	summaries := make([]map[string]any, 0, len(patches))
	for _, fp := range patches {
		summary, err := t.applyFile(workdir, fp)
		if err != nil {
			var mismatch *mismatchError
			if errors.As(err, &mismatch) {
				return agent.Fail(toolName, agent.ToolErrorPatchMismatch, "%v", mismatch), nil
			}
			if os.IsNotExist(err) {
				return agent.Fail(toolName, agent.ToolErrorNotFound, "%s: %v", fp.Path, err), nil
			}
			return agent.Fail(toolName, agent.ToolErrorExecution, "%s: %v", fp.Path, err), nil
		}
		summaries = append(summaries, summary)
	}

	result := agent.Ok(toolName, "").MarshalOutput(map[string]any{"applied": summaries})
	result.WithAction("applied patch to %d file(s)", len(summaries))
	return result, nil
}

// applyFile commits one directive. Updates locate every hunk in memory
// first; the file on disk changes only via a temp-file rename.
func (t *Tool) applyFile(workdir string, fp filePatch) (map[string]any, error) {
	path := resolvePath(workdir, fp.Path)

	switch fp.Action {
	case actionAdd:
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("already exists; use Update File")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		content := strings.Join(fp.Content, "\n")
		if content != "" {
			content += "\n"
		}
		if err := writeAtomic(path, content, 0o644); err != nil {
			return nil, err
		}
		return map[string]any{"path": fp.Path, "action": "added", "lines": len(fp.Content)}, nil

	case actionDelete:
		if err := os.Remove(path); err != nil {
			return nil, err
		}
		return map[string]any{"path": fp.Path, "action": "deleted"}, nil

	case actionUpdate:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		mode := fileMode(path)
		lines, trailing := splitLines(string(data))
		edit, err := applyHunks(fp.Path, lines, fp.Hunks)
		if err != nil {
			return nil, err
		}

		dest := path
		if fp.MoveTo != "" {
			dest = resolvePath(workdir, fp.MoveTo)
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return nil, err
			}
		}
		if err := writeAtomic(dest, joinLines(edit.Lines, trailing), mode); err != nil {
			return nil, err
		}
		if dest != path {
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("remove original after move: %w", err)
			}
		}
		summary := map[string]any{
			"path":          fp.Path,
			"action":        "updated",
			"hunks":         len(fp.Hunks),
			"lines_added":   edit.Added,
			"lines_removed": edit.Removed,
		}
		if fp.MoveTo != "" {
			summary["moved_to"] = fp.MoveTo
		}
		return summary, nil
	}
	return nil, fmt.Errorf("unknown action %q", fp.Action)
}

// writeAtomic writes via a temp file in the destination directory and
// renames over the target, so readers never see a half-written file.
func writeAtomic(path, content string, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".patch-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func fileMode(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}

func resolvePath(workdir, path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(workdir, path)
}
