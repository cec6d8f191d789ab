package tools

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Tool block markers. Models are prompted to emit BlockOpen followed by a
// JSON object and a closing fence.
const (
	BlockOpen  = "```tool_call"
	BlockClose = "```"

	altBlockOpen = "```tool\n"
	tagOpen      = "<tool_call>"
	tagClose     = "</tool_call>"
)

var (
	nameKeys = []string{"name", "tool", "function.name"}
	argKeys  = []string{"arguments", "parameters", "args", "input", "function.arguments"}
)

// Parse extracts the first complete tool block from text. Every opening
// marker is tried in order, so a malformed block does not hide a later
// valid one. It returns nil when no recognizable block is present.
func Parse(text string) *Call {
	for off := 0; off < len(text); {
		i, open, close := nextOpen(text[off:])
		if i < 0 {
			return nil
		}
		start := off + i + len(open)
		for _, body := range bodies(text[start:], close) {
			if c := parseJSON(body); c != nil {
				return c
			}
		}
		off = start
	}
	return nil
}

// ParseBody parses the content between a block's opening marker and its
// closer.
func ParseBody(body string) *Call {
	return parseJSON(body)
}

// ContainsMarker reports whether text contains any tool block opening.
func ContainsMarker(text string) bool {
	return strings.Contains(text, BlockOpen) ||
		strings.Contains(text, altBlockOpen) ||
		strings.Contains(text, tagOpen)
}

// Block renders a call in the canonical fenced form.
func Block(c Call) string {
	payload := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}{c.Name, c.Arguments}
	if payload.Arguments == nil {
		payload.Arguments = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return BlockOpen + "\n" + string(b) + "\n" + BlockClose
}

// nextOpen finds the earliest opening marker in text and the closer it
// expects.
func nextOpen(text string) (int, string, string) {
	best, open, close := -1, "", ""
	for _, m := range [][2]string{{BlockOpen, BlockClose}, {altBlockOpen, BlockClose}, {tagOpen, tagClose}} {
		if i := strings.Index(text, m[0]); i >= 0 && (best < 0 || i < best) {
			best, open, close = i, m[0], m[1]
		}
	}
	return best, open, close
}

// bodies returns the candidate bodies in rest, one for each closer, shortest
// first.
func bodies(rest, close string) []string {
	var out []string
	off := 0
	for {
		j := strings.Index(rest[off:], close)
		if j < 0 {
			return out
		}
		out = append(out, rest[:off+j])
		off += j + len(close)
	}
}

func parseJSON(body string) *Call {
	body = strings.TrimSpace(body)
	if start := strings.IndexByte(body, '{'); start > 0 {
		body = body[start:]
	}
	if !gjson.Valid(body) {
		return nil
	}
	doc := gjson.Parse(body)
	if !doc.IsObject() {
		return nil
	}

	var name string
	for _, k := range nameKeys {
		if v := doc.Get(k); v.Type == gjson.String && v.Str != "" {
			name = v.Str
			break
		}
	}
	if name == "" {
		return nil
	}

	args := map[string]any{}
	for _, k := range argKeys {
		v := doc.Get(k)
		if !v.Exists() {
			continue
		}
		if v.Type == gjson.String && gjson.Valid(v.Str) {
			v = gjson.Parse(v.Str)
		}
		if m, ok := v.Value().(map[string]any); ok {
			args = m
		}
		break
	}

	id := doc.Get("id").String()
	if id == "" {
		id = uuid.NewString()
	}
	return &Call{ID: id, Name: name, Arguments: args}
}
