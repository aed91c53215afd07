package patch

import (
	"fmt"
	"strings"
)

type fileAction string

const (
	actionAdd    fileAction = "add"
	actionUpdate fileAction = "update"
	actionDelete fileAction = "delete"
)

// filePatch is one file-level directive with its hunks.
type filePatch struct {
	Action  fileAction
	Path    string
	MoveTo  string   // update only, optional
	Content []string // add only
	Hunks   []hunk
}

// hunk is one @@-anchored chunk of an update.
type hunk struct {
	Anchor string   // context line named on the @@ line, may be empty
	Lines  []string // " ", "+", "-" prefixed
}

const (
	beginMarker  = "*** Begin Patch"
	endMarker    = "*** End Patch"
	addMarker    = "*** Add File: "
	updateMarker = "*** Update File: "
	deleteMarker = "*** Delete File: "
	moveMarker   = "*** Move to: "
)

// parsePatch reads the lightweight patch format: file-level directives
// (Add/Update/Delete File, optional Move to) followed by hunks anchored
// by "@@ context" lines with space/plus/minus bodies.
func parsePatch(text string) ([]filePatch, error) {
	lines := strings.Split(text, "\n")
	// Split leaves a trailing "" for text ending in a newline; keeping it
	// would append a phantom empty context line to the last hunk.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	var patches []filePatch
	var current *filePatch
	var currentHunk *hunk

	flushHunk := func() {
		if current != nil && currentHunk != nil {
			current.Hunks = append(current.Hunks, *currentHunk)
		}
		currentHunk = nil
	}

	for _, line := range lines {
		switch {
		case strings.TrimSpace(line) == beginMarker:
			continue
		case strings.TrimSpace(line) == endMarker:
			flushHunk()
			continue
		case strings.HasPrefix(line, addMarker):
			flushHunk()
			patches = append(patches, filePatch{Action: actionAdd, Path: strings.TrimSpace(line[len(addMarker):])})
			current = &patches[len(patches)-1]
		case strings.HasPrefix(line, updateMarker):
			flushHunk()
			patches = append(patches, filePatch{Action: actionUpdate, Path: strings.TrimSpace(line[len(updateMarker):])})
			current = &patches[len(patches)-1]
		case strings.HasPrefix(line, deleteMarker):
			flushHunk()
			patches = append(patches, filePatch{Action: actionDelete, Path: strings.TrimSpace(line[len(deleteMarker):])})
			current = &patches[len(patches)-1]
		case strings.HasPrefix(line, moveMarker):
			if current == nil || current.Action != actionUpdate {
				return nil, fmt.Errorf("'Move to' outside an Update File section")
			}
			current.MoveTo = strings.TrimSpace(line[len(moveMarker):])
		case strings.HasPrefix(line, "@@"):
			if current == nil || current.Action != actionUpdate {
				return nil, fmt.Errorf("hunk header without an Update File section")
			}
			flushHunk()
			currentHunk = &hunk{Anchor: strings.TrimSpace(strings.TrimPrefix(line, "@@"))}
		default:
			if current == nil {
				if strings.TrimSpace(line) == "" {
					continue
				}
				return nil, fmt.Errorf("patch line outside a file section: %q", line)
			}
			switch current.Action {
			case actionAdd:
				if line == "" {
					continue
				}
				if !strings.HasPrefix(line, "+") {
					return nil, fmt.Errorf("Add File body line must start with '+': %q", line)
				}
				current.Content = append(current.Content, line[1:])
			case actionUpdate:
				if currentHunk == nil {
					if strings.TrimSpace(line) == "" {
						continue
					}
					// Hunk body without a header: treat as an
					// anchorless hunk, the model omits @@ often.
					currentHunk = &hunk{}
				}
				if line == "" {
					currentHunk.Lines = append(currentHunk.Lines, " ")
					continue
				}
				switch line[0] {
				case ' ', '+', '-':
					currentHunk.Lines = append(currentHunk.Lines, line)
				default:
					return nil, fmt.Errorf("invalid hunk line %q: must start with ' ', '+', or '-'", line)
				}
			case actionDelete:
				if strings.TrimSpace(line) != "" {
					return nil, fmt.Errorf("Delete File section takes no body, got %q", line)
				}
			}
		}
	}
	flushHunk()

	if len(patches) == 0 {
		return nil, fmt.Errorf("no file directives found; expected '*** Add File:', '*** Update File:', or '*** Delete File:'")
	}
	for _, p := range patches {
		if p.Path == "" {
			return nil, fmt.Errorf("file directive with empty path")
		}
		if p.Action == actionUpdate && len(p.Hunks) == 0 && p.MoveTo == "" {
			return nil, fmt.Errorf("Update File %s has no hunks", p.Path)
		}
	}
	return patches, nil
}
