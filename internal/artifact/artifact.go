// Package artifact extracts file and shell actions from model answers that
// describe their work as markup instead of discrete tool calls.
package artifact

import (
	"regexp"
	"strings"

	"github.com/kalambet/crucible/internal/tools"
)

// Action kinds.
const (
	KindFile  = "file"
	KindShell = "shell"
)

// Action is one step inside an artifact block.
type Action struct {
	Kind    string
	Path    string
	Content string
}

// Call converts the action into the tool call that performs it.
func (a Action) Call() tools.Call {
	if a.Kind == KindShell {
		return tools.Call{Name: "run_command", Arguments: map[string]any{"command": a.Content}}
	}
	return tools.Call{Name: "write_file", Arguments: map[string]any{"path": a.Path, "content": a.Content}}
}

var (
	artifactRe = regexp.MustCompile(`(?is)<(?:bolt)?artifact\b[^>]*>(.*?)</(?:bolt)?artifact>`)
	actionRe   = regexp.MustCompile(`(?is)<(?:bolt)?action\b([^>]*)>(.*?)</(?:bolt)?action>`)
	attrRe     = regexp.MustCompile(`(?i)([a-z_-]+)\s*=\s*"([^"]*)"`)
	openRe     = regexp.MustCompile(`(?i)<(?:bolt)?artifact\b`)
)

// HasMarker reports whether text contains the start of an artifact block.
func HasMarker(text string) bool {
	return openRe.MatchString(text)
}

// Parse returns every action of every complete artifact block in document
// order. Actions of an unknown type, file actions without a path and empty
// shell actions are dropped.
func Parse(text string) []Action {
	var actions []Action
	for _, block := range artifactRe.FindAllStringSubmatch(text, -1) {
		for _, m := range actionRe.FindAllStringSubmatch(block[1], -1) {
			attrs := parseAttrs(m[1])
			switch strings.ToLower(attrs["type"]) {
			case KindFile:
				p := firstNonEmpty(attrs["path"], attrs["filepath"], attrs["file"])
				if p == "" {
					continue
				}
				actions = append(actions, Action{Kind: KindFile, Path: p, Content: trimContent(m[2])})
			case KindShell:
				cmd := strings.TrimSpace(m[2])
				if cmd == "" {
					continue
				}
				actions = append(actions, Action{Kind: KindShell, Content: cmd})
			}
		}
	}
	return actions
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		attrs[strings.ToLower(m[1])] = m[2]
	}
	return attrs
}

// trimContent drops the blank lines markup leaves around file bodies while
// keeping indentation inside them.
func trimContent(s string) string {
	s = strings.TrimLeft(s, "\r\n")
	return strings.TrimRight(s, " \t\r\n") + "\n"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
