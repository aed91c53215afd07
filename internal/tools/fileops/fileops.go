// Package fileops implements the file_operations tool: reading, writing,
// and searching files under the session working directory.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/results"
)

const toolName = "file_operations"

var operations = []string{
	"read_file", "write_file", "create_file", "append_file",
	"replace_string", "insert_at_line", "delete_file", "rename_file",
	"create_directory", "list_dir", "file_search", "grep_search",
	"get_file_info", "file_exists", "get_errors", "read_tool_result",
}

// Tool is the file_operations implementation.
type Tool struct{}

// New returns the file operations tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Name() string { return toolName }

func (t *Tool) Description() string {
	return "Read, write, and search files in the workspace. Covers single-file " +
		"edits (read_file, write_file, replace_string, insert_at_line), tree " +
		"operations (list_dir, file_search, grep_search), metadata " +
		"(get_file_info, file_exists), project diagnostics (get_errors), and " +
		"paging stored oversized tool outputs (read_tool_result)."
}

func (t *Tool) Operations() []string { return operations }

func (t *Tool) Schema() map[string]any {
	return agent.OperationSchema(operations, map[string]any{
		"path":          map[string]any{"type": "string", "description": "File or directory path, absolute or relative to the working directory"},
		"content":       map[string]any{"type": "string", "description": "Content for write/append/insert operations"},
		"start_line":    map[string]any{"type": "integer", "description": "1-indexed inclusive first line for read_file"},
		"end_line":      map[string]any{"type": "integer", "description": "1-indexed inclusive last line for read_file"},
		"old_string":    map[string]any{"type": "string", "description": "Text to replace (replace_string)"},
		"new_string":    map[string]any{"type": "string", "description": "Replacement text (replace_string)"},
		"line":          map[string]any{"type": "integer", "description": "1-indexed insertion line (insert_at_line)"},
		"new_path":      map[string]any{"type": "string", "description": "Destination path (rename_file)"},
		"recursive":     map[string]any{"type": "boolean", "description": "Recurse into directories (delete_file, list_dir)"},
		"pattern":       map[string]any{"type": "string", "description": "Glob pattern (file_search) or file filter (grep_search)"},
		"base":          map[string]any{"type": "string", "description": "Directory to search from (file_search)"},
		"query":         map[string]any{"type": "string", "description": "Text or regex to find (grep_search)"},
		"is_regex":      map[string]any{"type": "boolean", "description": "Treat query as a regular expression"},
		"context_lines": map[string]any{"type": "integer", "description": "Context lines around each grep match"},
		"tool_call_id":  map[string]any{"type": "string", "description": "Stored result id (read_tool_result)"},
		"offset":        map[string]any{"type": "integer", "description": "Byte offset into the stored result"},
		"length":        map[string]any{"type": "integer", "description": "Bytes to read, capped at the chunk maximum"},
	})
}

func (t *Tool) Execute(ctx context.Context, tc *agent.ToolContext, args map[string]any) (*agent.ToolResult, error) {
	op, fail := agent.RequireOperation(t, args)
	if fail != nil {
		return fail, nil
	}

	switch op {
	case "read_file":
		return t.readFile(tc, args), nil
	case "write_file", "create_file":
		return t.writeFile(tc, args), nil
	case "append_file":
		return t.appendFile(tc, args), nil
	case "replace_string":
		return t.replaceString(tc, args), nil
	case "insert_at_line":
		return t.insertAtLine(tc, args), nil
	case "delete_file":
		return t.deleteFile(tc, args), nil
	case "rename_file":
		return t.renameFile(tc, args), nil
	case "create_directory":
		return t.createDirectory(tc, args), nil
	case "list_dir":
		return t.listDir(tc, args), nil
	case "file_search":
		return t.fileSearch(tc, args), nil
	case "grep_search":
		return t.grepSearch(tc, args), nil
	case "get_file_info":
		return t.fileInfo(tc, args), nil
	case "file_exists":
		return t.fileExists(tc, args), nil
	case "get_errors":
		return t.getErrors(ctx, tc), nil
	case "read_tool_result":
		return t.readToolResult(tc, args), nil
	}
	return agent.UnknownOperation(t, op), nil
}

// resolvePath anchors relative paths at the working directory and
// expands a leading tilde.
func resolvePath(tc *agent.ToolContext, p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(tc.WorkDir(), p)
}

// requirePath pulls and resolves the path argument.
func requirePath(tc *agent.ToolContext, args map[string]any) (string, *agent.ToolResult) {
	p := agent.StringArg(args, "path")
	if p == "" {
		return "", agent.Fail(toolName, agent.ToolErrorInvalidInput, "missing required argument 'path'")
	}
	return resolvePath(tc, p), nil
}

// failFromOS maps filesystem errors to the right error type.
func failFromOS(op string, err error) *agent.ToolResult {
	switch {
	case os.IsNotExist(err):
		return agent.Fail(toolName, agent.ToolErrorNotFound, "%s: %v", op, err)
	case os.IsPermission(err):
		return agent.Fail(toolName, agent.ToolErrorPermission, "%s: %v", op, err)
	default:
		return agent.Fail(toolName, agent.ToolErrorExecution, "%s: %v", op, err)
	}
}

func (t *Tool) readFile(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	path, fail := requirePath(tc, args)
	if fail != nil {
		return fail
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failFromOS("read_file", err)
	}

	content := string(data)
	start := agent.IntArg(args, "start_line", 0)
	end := agent.IntArg(args, "end_line", 0)
	if start > 0 || end > 0 {
		lines := strings.Split(content, "\n")
		if start <= 0 {
			start = 1
		}
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) {
			return agent.Fail(toolName, agent.ToolErrorInvalidInput,
				"start_line %d beyond end of file (%d lines)", start, len(lines))
		}
		if end < start {
			return agent.Fail(toolName, agent.ToolErrorInvalidInput,
				"end_line %d before start_line %d", end, start)
		}
		content = strings.Join(lines[start-1:end], "\n")
	}
	return agent.Ok(toolName, content).
		WithAction("Read %s", agent.StringArg(args, "path")).
		WithMeta("path", path)
}

func (t *Tool) writeFile(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	path, fail := requirePath(tc, args)
	if fail != nil {
		return fail
	}
	content, ok := args["content"].(string)
	if !ok {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "missing required argument 'content'")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failFromOS("write_file", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return failFromOS("write_file", err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Wrote %d bytes to %s", len(content), path)).
		WithAction("Wrote %s", agent.StringArg(args, "path")).
		WithMeta("bytes", len(content))
}

func (t *Tool) appendFile(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	path, fail := requirePath(tc, args)
	if fail != nil {
		return fail
	}
	content, ok := args["content"].(string)
	if !ok {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "missing required argument 'content'")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return failFromOS("append_file", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return failFromOS("append_file", err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Appended %d bytes to %s", len(content), path)).
		WithAction("Appended to %s", agent.StringArg(args, "path"))
}

func (t *Tool) replaceString(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	path, fail := requirePath(tc, args)
	if fail != nil {
		return fail
	}
	oldStr := agent.StringArg(args, "old_string")
	newStr, _ := args["new_string"].(string)
	if oldStr == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "old_string must not be empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return failFromOS("replace_string", err)
	}
	content := string(data)
	count := strings.Count(content, oldStr)
	if count == 0 {
		return agent.Fail(toolName, agent.ToolErrorNotFound,
			"old_string not found in %s", path)
	}
	content = strings.ReplaceAll(content, oldStr, newStr)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return failFromOS("replace_string", err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path)).
		WithAction("Edited %s (%d replacements)", agent.StringArg(args, "path"), count).
		WithMeta("count", count)
}

func (t *Tool) insertAtLine(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	path, fail := requirePath(tc, args)
	if fail != nil {
		return fail
	}
	line := agent.IntArg(args, "line", 0)
	content, ok := args["content"].(string)
	if !ok {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "missing required argument 'content'")
	}
	if line < 1 {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "line must be >= 1")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return failFromOS("insert_at_line", err)
	}
	lines := strings.Split(string(data), "\n")
	// Inserting at len+1 appends.
	if line > len(lines)+1 {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput,
			"line %d beyond end of file (%d lines)", line, len(lines))
	}
	inserted := strings.Split(content, "\n")
	out := make([]string, 0, len(lines)+len(inserted))
	out = append(out, lines[:line-1]...)
	out = append(out, inserted...)
	out = append(out, lines[line-1:]...)

	if err := os.WriteFile(path, []byte(strings.Join(out, "\n")), 0o644); err != nil {
		return failFromOS("insert_at_line", err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Inserted %d line(s) at line %d of %s", len(inserted), line, path)).
		WithAction("Edited %s", agent.StringArg(args, "path"))
}

func (t *Tool) deleteFile(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	path, fail := requirePath(tc, args)
	if fail != nil {
		return fail
	}
	info, err := os.Stat(path)
	if err != nil {
		return failFromOS("delete_file", err)
	}
	if info.IsDir() && !agent.BoolArg(args, "recursive", false) {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput,
			"%s is a directory; pass recursive=true to remove it", path)
	}
	if err := os.RemoveAll(path); err != nil {
		return failFromOS("delete_file", err)
	}
	return agent.Ok(toolName, "Deleted "+path).
		WithAction("Deleted %s", agent.StringArg(args, "path"))
}

func (t *Tool) renameFile(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	path, fail := requirePath(tc, args)
	if fail != nil {
		return fail
	}
	newPath := agent.StringArg(args, "new_path")
	if newPath == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "missing required argument 'new_path'")
	}
	dst := resolvePath(tc, newPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return failFromOS("rename_file", err)
	}
	if err := os.Rename(path, dst); err != nil {
		return failFromOS("rename_file", err)
	}
	return agent.Ok(toolName, fmt.Sprintf("Renamed %s to %s", path, dst)).
		WithAction("Renamed %s -> %s", agent.StringArg(args, "path"), newPath)
}

func (t *Tool) createDirectory(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	path, fail := requirePath(tc, args)
	if fail != nil {
		return fail
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return failFromOS("create_directory", err)
	}
	return agent.Ok(toolName, "Created directory "+path).
		WithAction("Created directory %s", agent.StringArg(args, "path"))
}

func (t *Tool) fileInfo(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	path, fail := requirePath(tc, args)
	if fail != nil {
		return fail
	}
	info, err := os.Stat(path)
	if err != nil {
		return failFromOS("get_file_info", err)
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	return agent.Ok(toolName, "").MarshalOutput(map[string]any{
		"path":     path,
		"type":     kind,
		"size":     info.Size(),
		"mode":     info.Mode().String(),
		"modified": info.ModTime().UTC(),
	})
}

func (t *Tool) fileExists(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	path, fail := requirePath(tc, args)
	if fail != nil {
		return fail
	}
	_, err := os.Stat(path)
	exists := err == nil
	return agent.Ok(toolName, "").MarshalOutput(map[string]any{
		"path":   path,
		"exists": exists,
	})
}

func (t *Tool) readToolResult(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	if tc.Results == nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "no result store configured")
	}
	callID := agent.StringArg(args, "tool_call_id")
	if callID == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "missing required argument 'tool_call_id'")
	}
	sessionID := ""
	if tc.Session != nil {
		sessionID = tc.Session.ID
	}
	offset := agent.IntArg(args, "offset", 0)
	length := agent.IntArg(args, "length", 0)

	chunk, err := tc.Results.RetrieveChunk(callID, sessionID, offset, length)
	if err != nil {
		switch {
		case errors.Is(err, results.ErrResultNotFound):
			return agent.Fail(toolName, agent.ToolErrorNotFound, "%v", err)
		case errors.Is(err, results.ErrInvalidOffset):
			return agent.Fail(toolName, agent.ToolErrorInvalidInput, "%v", err)
		default:
			return agent.Fail(toolName, agent.ToolErrorExecution, "%v", err)
		}
	}
	return agent.Ok(toolName, "").MarshalOutput(chunk)
}
