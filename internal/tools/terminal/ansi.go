package terminal

import (
	"regexp"
	"strings"
)

// ansiEscape matches CSI sequences, OSC sequences (BEL or ST
// terminated), and single-character escapes.
var ansiEscape = regexp.MustCompile(
	`\x1b\[[0-9;?]*[ -/]*[@-~]` + // CSI ... final byte
		`|\x1b\][^\x07\x1b]*(\x07|\x1b\\)` + // OSC ... BEL/ST
		`|\x1b[@-Z\\-_]`) // two-byte escapes

// StripANSI removes terminal escape sequences from captured output and
// resolves carriage-return overwrites so the model sees final text.
func StripANSI(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if !strings.ContainsRune(s, '\r') {
		return s
	}
	// Progress bars redraw by rewinding with bare CR; only the text
	// after the last CR on each line survives.
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if j := strings.LastIndexByte(line, '\r'); j >= 0 {
			lines[i] = line[j+1:]
		}
	}
	return strings.Join(lines, "\n")
}
