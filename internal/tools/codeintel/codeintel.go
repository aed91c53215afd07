// Package codeintel implements the code_intelligence tool: symbol usage
// lookup and scored git-history search.
package codeintel

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/haasonsaas/anvil/internal/agent"
)

const (
	toolName = "code_intelligence"

	maxUsageMatches = 200
	maxWalkFiles    = 20000
)

var operations = []string{"list_usages", "search_history"}

var skipDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true,
	".anvil": true, "node_modules": true, "vendor": true,
}

// Tool is the code_intelligence implementation.
type Tool struct {
	runner gitRunner
}

// New returns the code_intelligence tool.
func New() *Tool { return &Tool{runner: osGitRunner{}} }

func (t *Tool) Name() string { return toolName }

func (t *Tool) Description() string {
	return "Code navigation: list_usages finds where a symbol appears " +
		"(git grep inside repositories, a tree walk elsewhere); " +
		"search_history scores past commits against keywords and returns " +
		"the most relevant ones."
}

func (t *Tool) Operations() []string { return operations }

func (t *Tool) Schema() map[string]any {
	return agent.OperationSchema(operations, map[string]any{
		"symbol":        map[string]any{"type": "string", "description": "Identifier to find usages of"},
		"paths":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Restrict the search to these paths"},
		"context_lines": map[string]any{"type": "integer", "description": "Lines of context around each usage"},
		"query":         map[string]any{"type": "string", "description": "Keywords to score commits against"},
		"max_results":   map[string]any{"type": "integer", "description": "Commits to return, default 10"},
		"since":         map[string]any{"type": "string", "description": "Only commits after this date"},
		"author":        map[string]any{"type": "string", "description": "Only commits by this author"},
	})
}

func (t *Tool) Execute(ctx context.Context, tc *agent.ToolContext, args map[string]any) (*agent.ToolResult, error) {
	op, fail := agent.RequireOperation(t, args)
	if fail != nil {
		return fail, nil
	}
	switch op {
	case "list_usages":
		return t.listUsages(ctx, tc, args), nil
	case "search_history":
		return t.searchHistory(ctx, tc, args), nil
	}
	return agent.UnknownOperation(t, op), nil
}

// usage is one symbol occurrence.
type usage struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *Tool) listUsages(ctx context.Context, tc *agent.ToolContext, args map[string]any) *agent.ToolResult {
	symbol := strings.TrimSpace(agent.StringArg(args, "symbol"))
	if symbol == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "list_usages requires a 'symbol'")
	}
	contextLines := agent.IntArg(args, "context_lines", 0)
	paths := stringSliceArg(args, "paths")
	root := tc.WorkDir()

	var usages []usage
	var truncated bool
	var err error
	if insideGitRepo(root) {
		usages, truncated, err = t.gitGrep(ctx, root, symbol, paths, contextLines)
	} else {
		usages, truncated, err = walkGrep(root, symbol, paths)
	}
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "list usages: %v", err)
	}
	if len(usages) == 0 {
		return agent.Ok(toolName, fmt.Sprintf("No usages of %q found.", symbol))
	}

	result := agent.Ok(toolName, "").MarshalOutput(map[string]any{
		"symbol":    symbol,
		"usages":    usages,
		"truncated": truncated,
	})
	return result.WithAction("%d usage(s) of %s", len(usages), symbol)
}

// gitGrep shells out to git grep, which respects .gitignore and is far
// faster than a walk on large repositories.
func (t *Tool) gitGrep(ctx context.Context, root, symbol string, paths []string, contextLines int) ([]usage, bool, error) {
	gitArgs := []string{"grep", "-n", "--no-color", "-w"}
	if contextLines > 0 {
		gitArgs = append(gitArgs, "-C", strconv.Itoa(contextLines))
	}
	gitArgs = append(gitArgs, "-e", symbol)
	if len(paths) > 0 {
		gitArgs = append(gitArgs, "--")
		gitArgs = append(gitArgs, paths...)
	}

	out, err := t.runner.Run(ctx, root, gitArgs...)
	if err != nil {
		return nil, false, err
	}
	// Exit 1 with empty output means no matches.
	if out.ExitCode != 0 && strings.TrimSpace(out.Stdout) == "" {
		if strings.TrimSpace(out.Stderr) != "" {
			return nil, false, fmt.Errorf("git grep: %s", strings.TrimSpace(out.Stderr))
		}
		return nil, false, nil
	}

	var usages []usage
	scanner := bufio.NewScanner(strings.NewReader(out.Stdout))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "--" {
			continue
		}
		// file:line:text for matches, file-line-text for context.
		u, ok := parseGrepLine(line)
		if !ok {
			continue
		}
		usages = append(usages, u)
		if len(usages) >= maxUsageMatches {
			return usages, true, nil
		}
	}
	return usages, false, nil
}

func parseGrepLine(line string) (usage, bool) {
	for _, sep := range []byte{':', '-'} {
		i := strings.IndexByte(line, sep)
		if i <= 0 {
			continue
		}
		rest := line[i+1:]
		j := strings.IndexByte(rest, sep)
		if j <= 0 {
			continue
		}
		n, err := strconv.Atoi(rest[:j])
		if err != nil {
			continue
		}
		return usage{File: line[:i], Line: n, Text: rest[j+1:]}, true
	}
	return usage{}, false
}

// walkGrep is the fallback outside a repository: a bounded tree walk
// with a word-boundary match.
func walkGrep(root, symbol string, paths []string) ([]usage, bool, error) {
	pattern, err := regexp.Compile(`\b` + regexp.QuoteMeta(symbol) + `\b`)
	if err != nil {
		return nil, false, err
	}

	roots := []string{root}
	if len(paths) > 0 {
		roots = roots[:0]
		for _, p := range paths {
			if !filepath.IsAbs(p) {
				p = filepath.Join(root, p)
			}
			roots = append(roots, p)
		}
	}

	var usages []usage
	seen := 0
	for _, r := range roots {
		err := filepath.WalkDir(r, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			seen++
			if seen > maxWalkFiles || len(usages) >= maxUsageMatches {
				return filepath.SkipAll
			}
			data, err := os.ReadFile(path)
			if err != nil || isBinary(data) {
				return nil
			}
			rel, rerr := filepath.Rel(root, path)
			if rerr != nil {
				rel = path
			}
			for i, line := range strings.Split(string(data), "\n") {
				if pattern.MatchString(line) {
					usages = append(usages, usage{File: rel, Line: i + 1, Text: line})
					if len(usages) >= maxUsageMatches {
						return filepath.SkipAll
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, false, err
		}
	}
	return usages, len(usages) >= maxUsageMatches, nil
}

func isBinary(data []byte) bool {
	sniff := data
	if len(sniff) > 8000 {
		sniff = sniff[:8000]
	}
	return bytes.IndexByte(sniff, 0) >= 0
}

func insideGitRepo(dir string) bool {
	for d := dir; ; {
		if info, err := os.Stat(filepath.Join(d, ".git")); err == nil && (info.IsDir() || info.Mode().IsRegular()) {
			return true
		}
		parent := filepath.Dir(d)
		if parent == d {
			return false
		}
		d = parent
	}
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// gitRunner mirrors the argv-only invocation style used elsewhere; no
// shell is involved.
type gitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (*execResult, error)
}

type execResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type osGitRunner struct{}

func (osGitRunner) Run(ctx context.Context, dir string, args ...string) (*execResult, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := &execResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
