package assistant

import (
	"encoding/json"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"deskagent/pkg/types"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Extract finds every balanced top-level JSON object in text, in order, and
// returns them with the text left after removing their spans.
//
// `\_` sequences are unescaped first. Braces inside JSON strings do not count
// toward depth, and a stray `}` at depth zero is ignored. A balanced span that
// does not parse is dropped and stays in the remaining text. If an object is
// still open at the end (often an unterminated quote), that region is scanned
// again counting braces only, so objects after a malformed fragment survive.
func Extract(text string) ([]json.RawMessage, string) {
	text = strings.ReplaceAll(text, `\_`, "_")

	spans, open := scanObjects(text, 0, true)
	if open >= 0 {
		tail, _ := scanObjects(text, open, false)
		spans = append(spans, tail...)
	}

	objects := make([]json.RawMessage, 0, len(spans))
	var remaining strings.Builder
	last := 0
	for _, sp := range spans {
		objects = append(objects, json.RawMessage(text[sp.start:sp.end]))
		remaining.WriteString(text[last:sp.start])
		last = sp.end
	}
	remaining.WriteString(text[last:])
	return objects, strings.TrimSpace(remaining.String())
}

type span struct{ start, end int }

// scanObjects returns the parseable balanced spans in text[from:] and the
// offset of an object left open at the end, or -1.
func scanObjects(text string, from int, quoteAware bool) ([]span, int) {
	var (
		spans    []span
		depth    int
		start    int
		inString bool
		escaped  bool
	)
	for i := from; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			if quoteAware && depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth > 0 {
				continue
			}
			if jsonAPI.Valid([]byte(text[start : i+1])) {
				spans = append(spans, span{start: start, end: i + 1})
			}
		}
	}
	if depth > 0 {
		return spans, start
	}
	return spans, -1
}

// ParseCommands extracts the command objects from model output. Objects
// without a string "command" field are skipped.
func ParseCommands(text string) ([]types.Command, string) {
	raws, rest := Extract(text)
	commands := make([]types.Command, 0, len(raws))
	for _, raw := range raws {
		var cmd types.Command
		if err := jsonAPI.Unmarshal(raw, &cmd); err != nil || cmd.Name == "" {
			continue
		}
		if cmd.Params == nil {
			cmd.Params = map[string]any{}
		}
		commands = append(commands, cmd)
	}
	return commands, rest
}
