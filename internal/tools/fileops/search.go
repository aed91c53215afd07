package fileops

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/anvil/internal/agent"
)

const (
	// maxGrepMatches bounds a single grep_search result set.
	maxGrepMatches = 200

	// maxSearchFiles bounds how many files a tree walk will open.
	maxSearchFiles = 20000
)

// skipDirs are never descended into during searches.
var skipDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true, ".anvil": true,
	"node_modules": true, "vendor": true,
}

type dirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (t *Tool) listDir(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	path, fail := requirePath(tc, args)
	if fail != nil {
		return fail
	}
	recursive := agent.BoolArg(args, "recursive", false)

	var entries []dirEntry
	if recursive {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == path {
				return nil
			}
			rel, _ := filepath.Rel(path, p)
			kind := "file"
			if d.IsDir() {
				kind = "directory"
				if skipDirs[d.Name()] {
					entries = append(entries, dirEntry{Name: rel, Type: kind})
					return filepath.SkipDir
				}
			}
			entries = append(entries, dirEntry{Name: rel, Type: kind})
			return nil
		})
		if err != nil {
			return failFromOS("list_dir", err)
		}
	} else {
		dirEntries, err := os.ReadDir(path)
		if err != nil {
			return failFromOS("list_dir", err)
		}
		for _, d := range dirEntries {
			kind := "file"
			if d.IsDir() {
				kind = "directory"
			}
			entries = append(entries, dirEntry{Name: d.Name(), Type: kind})
		}
	}
	return agent.Ok(toolName, "").MarshalOutput(entries)
}

func (t *Tool) fileSearch(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	pattern := agent.StringArg(args, "pattern")
	if pattern == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "missing required argument 'pattern'")
	}
	base := agent.StringArg(args, "base")
	if base == "" {
		base = tc.WorkDir()
	} else {
		base = resolvePath(tc, base)
	}

	var matches []string
	if strings.Contains(pattern, string(filepath.Separator)) && !strings.Contains(pattern, "**") {
		// A path-shaped pattern maps straight onto filepath.Glob.
		globbed, err := filepath.Glob(filepath.Join(base, pattern))
		if err != nil {
			return agent.Fail(toolName, agent.ToolErrorInvalidInput, "bad glob pattern %q: %v", pattern, err)
		}
		matches = globbed
	} else {
		// Bare name patterns (and **-prefixed ones) match basenames
		// anywhere in the tree.
		name := pattern
		if i := strings.LastIndex(name, "**/"); i >= 0 {
			name = name[i+3:]
		}
		if _, err := filepath.Match(name, "probe"); err != nil {
			return agent.Fail(toolName, agent.ToolErrorInvalidInput, "bad glob pattern %q: %v", pattern, err)
		}
		seen := 0
		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if seen++; seen > maxSearchFiles {
				return filepath.SkipAll
			}
			if ok, _ := filepath.Match(name, d.Name()); ok {
				matches = append(matches, p)
			}
			return nil
		})
		if err != nil {
			return failFromOS("file_search", err)
		}
	}

	for i, m := range matches {
		if rel, err := filepath.Rel(base, m); err == nil && !strings.HasPrefix(rel, "..") {
			matches[i] = rel
		}
	}
	return agent.Ok(toolName, "").MarshalOutput(map[string]any{
		"pattern": pattern,
		"base":    base,
		"matches": matches,
	})
}

type grepMatch struct {
	File          string   `json:"file"`
	LineNumber    int      `json:"line_number"`
	Line          string   `json:"line"`
	ContextBefore []string `json:"context_before,omitempty"`
	ContextAfter  []string `json:"context_after,omitempty"`
}

func (t *Tool) grepSearch(tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	query := agent.StringArg(args, "query")
	if query == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "missing required argument 'query'")
	}

	var matcher func(string) bool
	if agent.BoolArg(args, "is_regex", false) {
		re, err := regexp.Compile(query)
		if err != nil {
			return agent.Fail(toolName, agent.ToolErrorInvalidInput, "bad regex %q: %v", query, err)
		}
		matcher = re.MatchString
	} else {
		matcher = func(line string) bool { return strings.Contains(line, query) }
	}

	root := tc.WorkDir()
	var filePattern string
	if p := agent.StringArg(args, "path"); p != "" {
		resolved := resolvePath(tc, p)
		if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
			return t.grepFiles([]string{resolved}, root, matcher, agent.IntArg(args, "context_lines", 0))
		} else if err == nil {
			root = resolved
		} else {
			return failFromOS("grep_search", err)
		}
	}
	filePattern = agent.StringArg(args, "pattern")

	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if filePattern != "" {
			if ok, _ := filepath.Match(filePattern, d.Name()); !ok {
				return nil
			}
		}
		if len(files) >= maxSearchFiles {
			return filepath.SkipAll
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return failFromOS("grep_search", err)
	}
	return t.grepFiles(files, root, matcher, agent.IntArg(args, "context_lines", 0))
}

func (t *Tool) grepFiles(files []string, root string, matcher func(string) bool, contextLines int) *agent.ToolResult {
	var matches []grepMatch
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil || isBinary(data) {
			continue
		}
		rel := file
		if r, err := filepath.Rel(root, file); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
		lines := strings.Split(string(data), "\n")
		for i, line := range lines {
			if !matcher(line) {
				continue
			}
			m := grepMatch{File: rel, LineNumber: i + 1, Line: line}
			if contextLines > 0 {
				lo := max(0, i-contextLines)
				hi := min(len(lines), i+1+contextLines)
				m.ContextBefore = append([]string(nil), lines[lo:i]...)
				m.ContextAfter = append([]string(nil), lines[i+1:hi]...)
			}
			matches = append(matches, m)
			if len(matches) >= maxGrepMatches {
				return agent.Ok(toolName, "").MarshalOutput(map[string]any{
					"matches":   matches,
					"truncated": true,
				})
			}
		}
	}
	return agent.Ok(toolName, "").MarshalOutput(map[string]any{
		"matches": matches,
	})
}

// isBinary applies the classic NUL-byte sniff to the first 8000 bytes.
func isBinary(data []byte) bool {
	n := min(len(data), 8000)
	for i := 0; i < n; i++ {
		if data[i] == 0 {
			return true
		}
	}
	return false
}

// getErrors runs the project's native static check when one is
// recognized. Go projects get `go vet ./...`; anything else reports that
// no diagnostics provider applies.
func (t *Tool) getErrors(ctx context.Context, tc *agent.ToolContext) *agent.ToolResult {
	workdir := tc.WorkDir()
	if _, err := os.Stat(filepath.Join(workdir, "go.mod")); err != nil {
		return agent.Ok(toolName, "No diagnostics provider for this project type.")
	}

	cmd := exec.CommandContext(ctx, "go", "vet", "./...")
	cmd.Dir = workdir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err == nil {
		return agent.Ok(toolName, "No errors found.").WithAction("Ran go vet: clean")
	}
	if text == "" {
		return agent.Fail(toolName, agent.ToolErrorExecution, "go vet failed: %v", err)
	}
	return agent.Ok(toolName, fmt.Sprintf("go vet reported issues:\n%s", text)).
		WithAction("Ran go vet: issues found").
		WithMeta("clean", false)
}
