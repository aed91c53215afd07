package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// ParseArguments decodes a model-emitted argument string into a map.
// Models do not reliably emit strict JSON, so a repair ladder runs after a
// failed strict parse: trailing commas, raw control characters inside
// string literals, single-quoted keys, truncated closers, and finally a
// tolerant JSON5 pass. The first successful parse wins.
func ParseArguments(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	firstErr := json.Unmarshal([]byte(trimmed), &args)
	if firstErr == nil {
		return args, nil
	}

	for _, repair := range []func(string) string{
		stripTrailingCommas,
		escapeRawControls,
		doubleQuoteSingles,
		balanceClosers,
	} {
		trimmed = repair(trimmed)
		if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
			return args, nil
		}
	}

	// JSON5 accepts unquoted keys and more; last resort. Comments are
	// stripped first: the json5 package chokes on block comments.
	if err := json5.Unmarshal([]byte(stripComments(trimmed)), &args); err == nil {
		return args, nil
	}

	return nil, fmt.Errorf("arguments are not valid JSON: %w", firstErr)
}

// stripTrailingCommas removes commas that directly precede a closing
// brace or bracket, outside string literals.
func stripTrailingCommas(s string) string {
	var out bytes.Buffer
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the comma
			}
		}
		out.WriteByte(c)
	}
	return out.String()
}

// escapeRawControls escapes literal newlines and tabs that appear inside
// string literals, which models emit when arguments embed file content.
func escapeRawControls(s string) string {
	var out bytes.Buffer
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			out.WriteByte(c)
			continue
		}
		if escaped {
			out.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
			out.WriteByte(c)
		case '"':
			inString = false
			out.WriteByte(c)
		case '\n':
			out.WriteString(`\n`)
		case '\r':
			out.WriteString(`\r`)
		case '\t':
			out.WriteString(`\t`)
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

// doubleQuoteSingles rewrites single-quoted strings to double-quoted,
// escaping any embedded double quotes. Only applied outside double-quoted
// strings so valid JSON passes through untouched.
func doubleQuoteSingles(s string) string {
	var out bytes.Buffer
	inDouble := false
	inSingle := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			out.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\':
			escaped = true
			out.WriteByte(c)
		case inDouble:
			if c == '"' {
				inDouble = false
			}
			out.WriteByte(c)
		case inSingle:
			if c == '\'' {
				inSingle = false
				out.WriteByte('"')
			} else if c == '"' {
				out.WriteString(`\"`)
			} else {
				out.WriteByte(c)
			}
		case c == '"':
			inDouble = true
			out.WriteByte(c)
		case c == '\'':
			inSingle = true
			out.WriteByte('"')
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

// stripComments removes // line comments and /* */ block comments,
// outside string literals.
func stripComments(s string) string {
	var out bytes.Buffer
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out.WriteByte(c)
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				out.WriteByte('\n')
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++ // skip the closing '/'
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

// balanceClosers appends missing closing braces/brackets when the input
// was truncated mid-object. An unterminated string literal is closed
// first.
func balanceClosers(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if !inString && len(stack) == 0 {
		return s
	}
	var out strings.Builder
	out.WriteString(s)
	if inString {
		out.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			out.WriteByte('}')
		} else {
			out.WriteByte(']')
		}
	}
	return out.String()
}
