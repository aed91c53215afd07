package patch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

func testContext(t *testing.T) (*agent.ToolContext, string) {
	t.Helper()
	dir := t.TempDir()
	return &agent.ToolContext{Session: &models.Session{WorkingDirectory: dir}}, dir
}

func apply(t *testing.T, tc *agent.ToolContext, patchText string) *agent.ToolResult {
	t.Helper()
	res, err := New().Execute(context.Background(), tc, map[string]any{
		"operation": "apply",
		"patch":     patchText,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestAddFile(t *testing.T) {
	tc, dir := testContext(t)

	res := apply(t, tc, `*** Begin Patch
*** Add File: cmd/tool/main.go
+package main
+
+func main() {}
*** End Patch`)
	if !res.Success {
		t.Fatalf("apply failed: %s", res.Error)
	}
	got := readFile(t, filepath.Join(dir, "cmd/tool/main.go"))
	want := "package main\n\nfunc main() {}\n"
	if got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestAddFileRefusesExisting(t *testing.T) {
	tc, dir := testContext(t)
	mustWrite(t, filepath.Join(dir, "a.txt"), "old\n")

	res := apply(t, tc, "*** Add File: a.txt\n+new")
	if res.Success {
		t.Fatal("overwrote existing file via Add File")
	}
	if got := readFile(t, filepath.Join(dir, "a.txt")); got != "old\n" {
		t.Errorf("existing file modified: %q", got)
	}
}

func TestTrailingNewlineAddsNoPhantomContext(t *testing.T) {
	// Patch text ends in a newline, as emitted text always does; the
	// parser must not read the split artifact as an empty context line.
	patches, err := parsePatch("*** Update File: a.go\n@@ anchor\n-old\n+new\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(patches) != 1 || len(patches[0].Hunks) != 1 {
		t.Fatalf("patches = %+v", patches)
	}
	lines := patches[0].Hunks[0].Lines
	if len(lines) != 2 || lines[0] != "-old" || lines[1] != "+new" {
		t.Fatalf("hunk lines = %q", lines)
	}
}

func TestEndMarkerClosesHunk(t *testing.T) {
	patches, err := parsePatch(strings.Join([]string{
		"*** Begin Patch",
		"*** Update File: a.go",
		"@@ anchor",
		"-old",
		"+new",
		"*** End Patch",
		"",
	}, "\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(patches[0].Hunks) != 1 || len(patches[0].Hunks[0].Lines) != 2 {
		t.Fatalf("hunks = %+v", patches[0].Hunks)
	}
}

func TestUpdateFileSplicesHunk(t *testing.T) {
	tc, dir := testContext(t)
	mustWrite(t, filepath.Join(dir, "greet.go"), strings.Join([]string{
		"package greet",
		"",
		"func Hello() string {",
		"\treturn \"hello\"",
		"}",
		"",
	}, "\n"))

	res := apply(t, tc, `*** Update File: greet.go
@@ func Hello() string {
-	return "hello"
+	return "hello, world"
`)
	if !res.Success {
		t.Fatalf("apply failed: %s", res.Error)
	}
	got := readFile(t, filepath.Join(dir, "greet.go"))
	if !strings.Contains(got, `return "hello, world"`) {
		t.Errorf("splice missing: %q", got)
	}
	if strings.Contains(got, "return \"hello\"\n") {
		t.Errorf("old line survived: %q", got)
	}
}

func TestUpdateMultipleHunksProgressMonotonically(t *testing.T) {
	tc, dir := testContext(t)
	// Identical "return nil" lines in two functions; the second hunk
	// must land after the first hunk's position, not rematch the first.
	mustWrite(t, filepath.Join(dir, "ops.go"), strings.Join([]string{
		"func First() error {",
		"\treturn nil",
		"}",
		"func Second() error {",
		"\treturn nil",
		"}",
		"",
	}, "\n"))

	res := apply(t, tc, `*** Update File: ops.go
@@ func First() error {
-	return nil
+	return firstErr
@@ func Second() error {
-	return nil
+	return secondErr
`)
	if !res.Success {
		t.Fatalf("apply failed: %s", res.Error)
	}
	got := readFile(t, filepath.Join(dir, "ops.go"))
	if !strings.Contains(got, "firstErr") || !strings.Contains(got, "secondErr") {
		t.Errorf("hunks not both applied: %q", got)
	}
	if strings.Contains(got, "return nil") {
		t.Errorf("a return nil survived: %q", got)
	}
}

func TestUpdateFuzzyWhitespaceFallback(t *testing.T) {
	tc, dir := testContext(t)
	// File uses spaces; patch context uses a tab.
	mustWrite(t, filepath.Join(dir, "w.py"), "def f():\n    return  1\n")

	res := apply(t, tc, "*** Update File: w.py\n@@ def f():\n-\treturn 1\n+\treturn 2\n")
	if !res.Success {
		t.Fatalf("fuzzy match failed: %s", res.Error)
	}
	if got := readFile(t, filepath.Join(dir, "w.py")); !strings.Contains(got, "return 2") {
		t.Errorf("content = %q", got)
	}
}

func TestMismatchNamesHunkAndLeavesFileUntouched(t *testing.T) {
	tc, dir := testContext(t)
	original := "alpha\nbeta\ngamma\n"
	mustWrite(t, filepath.Join(dir, "m.txt"), original)

	res := apply(t, tc, `*** Update File: m.txt
@@
-alpha
+ALPHA
@@
-does not exist
+never
`)
	if res.Success {
		t.Fatal("mismatched patch applied")
	}
	if res.ErrorType != agent.ToolErrorPatchMismatch {
		t.Errorf("error type = %s, want %s", res.ErrorType, agent.ToolErrorPatchMismatch)
	}
	if !strings.Contains(res.Error, "hunk 2") {
		t.Errorf("error does not name the failing hunk: %s", res.Error)
	}
	// Hunk 1 matched but hunk 2 did not: nothing may be written.
	if got := readFile(t, filepath.Join(dir, "m.txt")); got != original {
		t.Errorf("file modified despite mismatch: %q", got)
	}
}

func TestUnrelatedFilesUntouched(t *testing.T) {
	tc, dir := testContext(t)
	mustWrite(t, filepath.Join(dir, "target.txt"), "one\ntwo\n")
	mustWrite(t, filepath.Join(dir, "bystander.txt"), "untouched\n")
	before, _ := os.Stat(filepath.Join(dir, "bystander.txt"))

	res := apply(t, tc, "*** Update File: target.txt\n@@\n-one\n+uno\n")
	if !res.Success {
		t.Fatalf("apply failed: %s", res.Error)
	}
	after, _ := os.Stat(filepath.Join(dir, "bystander.txt"))
	if !after.ModTime().Equal(before.ModTime()) || readFile(t, filepath.Join(dir, "bystander.txt")) != "untouched\n" {
		t.Error("bystander file was touched")
	}
}

func TestDeleteFile(t *testing.T) {
	tc, dir := testContext(t)
	mustWrite(t, filepath.Join(dir, "gone.txt"), "x\n")

	res := apply(t, tc, "*** Delete File: gone.txt")
	if !res.Success {
		t.Fatalf("delete failed: %s", res.Error)
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.txt")); !os.IsNotExist(err) {
		t.Error("file still exists")
	}

	res = apply(t, tc, "*** Delete File: gone.txt")
	if res.Success || res.ErrorType != agent.ToolErrorNotFound {
		t.Errorf("double delete: success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestMoveTo(t *testing.T) {
	tc, dir := testContext(t)
	mustWrite(t, filepath.Join(dir, "old/name.go"), "package old\n")

	res := apply(t, tc, `*** Update File: old/name.go
*** Move to: new/name.go
@@
-package old
+package new
`)
	if !res.Success {
		t.Fatalf("move failed: %s", res.Error)
	}
	if _, err := os.Stat(filepath.Join(dir, "old/name.go")); !os.IsNotExist(err) {
		t.Error("original still exists after move")
	}
	if got := readFile(t, filepath.Join(dir, "new/name.go")); got != "package new\n" {
		t.Errorf("moved content = %q", got)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	tc, _ := testContext(t)

	res := apply(t, tc, "this is not a patch")
	if res.Success || res.ErrorType != agent.ToolErrorInvalidInput {
		t.Errorf("got success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestParseSections(t *testing.T) {
	patches, err := parsePatch(`*** Begin Patch
*** Update File: a.go
@@ func A() {
-old
+new
*** Move to: b.go
*** Delete File: c.go
*** End Patch`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(patches) != 2 {
		t.Fatalf("got %d patches", len(patches))
	}
	up := patches[0]
	if up.Action != actionUpdate || up.Path != "a.go" || up.MoveTo != "b.go" {
		t.Errorf("update = %+v", up)
	}
	if len(up.Hunks) != 1 || up.Hunks[0].Anchor != "func A() {" {
		t.Errorf("hunks = %+v", up.Hunks)
	}
	if patches[1].Action != actionDelete || patches[1].Path != "c.go" {
		t.Errorf("delete = %+v", patches[1])
	}
}
