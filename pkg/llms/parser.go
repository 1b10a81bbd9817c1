package llms

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// toolCallPattern anchors on the marker and the tool name; the JSON
// argument object that follows is scanned with a balanced-brace walk,
// since a regex cannot match nested objects.
var toolCallPattern = regexp.MustCompile(`TOOL:\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*ARGS:\s*`)

// ParseToolCalls recovers tool calls from plain model text for models
// that ignore native tool calling and emit the documented
// "TOOL: name ARGS: {json}" form instead. It returns the parsed calls
// and the text with the call markup stripped. Malformed JSON after a
// marker leaves that marker in place untouched.
func ParseToolCalls(text string) ([]*ToolCall, string) {
	matches := toolCallPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, text
	}

	var calls []*ToolCall
	var remainder strings.Builder
	cursor := 0

	for i, m := range matches {
		start, end := m[0], m[1]
		name := text[m[2]:m[3]]

		argsJSON, consumed := scanJSONObject(text[end:])
		if consumed == 0 {
			continue
		}

		var args map[string]any
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			continue
		}

		calls = append(calls, &ToolCall{
			ID:   fmt.Sprintf("parsed_%d_%s", i, name),
			Name: name,
			Args: args,
		})
		remainder.WriteString(text[cursor:start])
		cursor = end + consumed
	}

	remainder.WriteString(text[cursor:])
	return calls, strings.TrimSpace(remainder.String())
}

// markupPrefix reports whether text could still turn out to be the
// start of a "TOOL: name ARGS: {json}" call. The gateway holds back
// leading tokens while this is true.
func markupPrefix(text string) bool {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if len(trimmed) < len("TOOL:") {
		return strings.HasPrefix("TOOL:", trimmed)
	}
	return strings.HasPrefix(trimmed, "TOOL:")
}

// scanJSONObject walks s for a leading JSON object, respecting nesting
// and string literals, and returns the object text plus the number of
// bytes consumed. Returns 0 when s does not start with a balanced
// object.
func scanJSONObject(s string) (string, int) {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	if i >= len(s) || s[i] != '{' {
		return "", 0
	}

	depth := 0
	inString := false
	escaped := false
	for j := i; j < len(s); j++ {
		c := s[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[i : j+1], j + 1
			}
		}
	}
	return "", 0
}
