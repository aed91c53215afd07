package patch

import (
	"fmt"
	"strings"
)

// mismatchError reports the hunk that could not be located, before any
// write happens to the target file.
type mismatchError struct {
	Path   string
	Hunk   int // 1-based
	Anchor string
	Reason string
}

func (e *mismatchError) Error() string {
	if e.Anchor != "" {
		return fmt.Sprintf("%s: hunk %d (@@ %s): %s", e.Path, e.Hunk, e.Anchor, e.Reason)
	}
	return fmt.Sprintf("%s: hunk %d: %s", e.Path, e.Hunk, e.Reason)
}

// editResult is the in-memory outcome of applying every hunk.
type editResult struct {
	Lines   []string
	Added   int
	Removed int
}

// applyHunks applies a file's hunks to its current lines. Hunks
// progress monotonically: each search starts where the previous hunk
// ended. Any failure returns before the caller writes anything.
func applyHunks(path string, lines []string, hunks []hunk) (*editResult, error) {
	out := &editResult{Lines: append([]string(nil), lines...)}
	cursor := 0

	for i, h := range hunks {
		start := cursor
		if h.Anchor != "" {
			pos := findLine(out.Lines, h.Anchor, cursor)
			if pos < 0 {
				return nil, &mismatchError{Path: path, Hunk: i + 1, Anchor: h.Anchor,
					Reason: "anchor line not found"}
			}
			// The anchor names a line above the hunk body; matching
			// begins just past it.
			start = pos + 1
		}

		oldLines := hunkOldLines(h)
		pos := start
		if len(oldLines) > 0 {
			pos = findSequence(out.Lines, oldLines, start, exactEqual)
			if pos < 0 {
				pos = findSequence(out.Lines, oldLines, start, looseEqual)
			}
			if pos < 0 {
				return nil, &mismatchError{Path: path, Hunk: i + 1, Anchor: h.Anchor,
					Reason: fmt.Sprintf("could not locate %d old lines at or after line %d", len(oldLines), start+1)}
			}
		}

		newLines := hunkNewLines(h)
		spliced := make([]string, 0, len(out.Lines)-len(oldLines)+len(newLines))
		spliced = append(spliced, out.Lines[:pos]...)
		spliced = append(spliced, newLines...)
		spliced = append(spliced, out.Lines[pos+len(oldLines):]...)
		out.Lines = spliced

		for _, l := range h.Lines {
			switch l[0] {
			case '+':
				out.Added++
			case '-':
				out.Removed++
			}
		}
		cursor = pos + len(newLines)
	}
	return out, nil
}

// hunkOldLines is the pre-image: context plus deletions.
func hunkOldLines(h hunk) []string {
	var out []string
	for _, l := range h.Lines {
		if l[0] == ' ' || l[0] == '-' {
			out = append(out, l[1:])
		}
	}
	return out
}

// hunkNewLines is the post-image: context plus additions.
func hunkNewLines(h hunk) []string {
	var out []string
	for _, l := range h.Lines {
		if l[0] == ' ' || l[0] == '+' {
			out = append(out, l[1:])
		}
	}
	return out
}

func exactEqual(a, b string) bool { return a == b }

// looseEqual ignores leading/trailing whitespace and collapses interior
// runs, the usual casualties of models retyping code.
func looseEqual(a, b string) bool {
	return strings.Join(strings.Fields(a), " ") == strings.Join(strings.Fields(b), " ")
}

func findLine(lines []string, want string, from int) int {
	for i := from; i < len(lines); i++ {
		if exactEqual(strings.TrimSpace(lines[i]), strings.TrimSpace(want)) {
			return i
		}
	}
	return -1
}

func findSequence(lines, seq []string, from int, eq func(a, b string) bool) int {
	if from < 0 {
		from = 0
	}
	for i := from; i+len(seq) <= len(lines); i++ {
		match := true
		for j := range seq {
			if !eq(lines[i+j], seq[j]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// splitLines breaks file content into lines, remembering whether the
// file ended with a newline so the write can restore it.
func splitLines(content string) (lines []string, trailingNewline bool) {
	trailingNewline = strings.HasSuffix(content, "\n")
	trimmed := strings.TrimSuffix(content, "\n")
	if trimmed == "" {
		return []string{}, trailingNewline
	}
	return strings.Split(trimmed, "\n"), trailingNewline
}

func joinLines(lines []string, trailingNewline bool) string {
	out := strings.Join(lines, "\n")
	if trailingNewline && out != "" {
		out += "\n"
	}
	return out
}
