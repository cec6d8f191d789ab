package artifact

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// MinBlockLength is the trimmed size below which a code block is noise.
const MinBlockLength = 10

// File is a fenced code block resolved to a file name.
type File struct {
	Name     string
	Language string
	Content  string
}

var (
	fenceRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)[ \t]*\r?\n(.*?)\r?\n```")

	// First-line comment naming the file: "// index.js", "# main.py",
	// "<!-- index.html -->", "/* styles.css */", optionally "file: x".
	hintRe = regexp.MustCompile(`^\s*(?://|#|<!--|/\*|--)\s*(?:file(?:name)?\s*:\s*)?([\w./-]+\.[a-zA-Z][a-zA-Z0-9]*)\s*(?:-->|\*/)?\s*$`)

	// A file name mentioned in the prose right before a block, like
	// "**index.html**", "`app.js`:" or "Create src/main.go".
	nearbyRe = regexp.MustCompile("([\\w./-]+\\.[a-zA-Z][a-zA-Z0-9]{0,5})[`*]*\\s*:?\\s*$")

	// "save this as game.js", "name it index.html", "call the file x.py".
	directiveRe = regexp.MustCompile(`(?i)(?:save (?:it|this|the file)? ?as|name (?:it|the file)|call (?:it|the file)|file ?name(?: is)?:?)\s+["'` + "`" + `]?([\w./-]+\.[a-zA-Z0-9]+)`)
)

var defaultNames = map[string]string{
	"html":       "index.html",
	"htm":        "index.html",
	"css":        "styles.css",
	"js":         "index.js",
	"javascript": "index.js",
	"jsx":        "App.jsx",
	"ts":         "index.ts",
	"typescript": "index.ts",
	"tsx":        "App.tsx",
	"py":         "main.py",
	"python":     "main.py",
	"go":         "main.go",
	"golang":     "main.go",
	"rs":         "main.rs",
	"rust":       "main.rs",
	"java":       "Main.java",
	"c":          "main.c",
	"cpp":        "main.cpp",
	"c++":        "main.cpp",
	"rb":         "main.rb",
	"ruby":       "main.rb",
	"php":        "index.php",
	"sh":         "script.sh",
	"bash":       "script.sh",
	"shell":      "script.sh",
	"json":       "data.json",
	"yaml":       "config.yaml",
	"yml":        "config.yaml",
	"sql":        "schema.sql",
	"md":         "README.md",
	"markdown":   "README.md",
	"swift":      "main.swift",
	"kotlin":     "Main.kt",
	"kt":         "Main.kt",
}

// ExtractFiles resolves each fenced code block in text to a file. Blocks
// without a recognisable name or language, tool-call blocks and blocks
// shorter than MinBlockLength are skipped. Duplicate names get a numeric
// suffix before the extension.
func ExtractFiles(text string) []File {
	var files []File
	used := make(map[string]int)
	prev := 0
	for _, loc := range fenceRe.FindAllStringSubmatchIndex(text, -1) {
		lang := strings.ToLower(text[loc[2]:loc[3]])
		body := text[loc[4]:loc[5]]
		before := text[prev:loc[0]]
		prev = loc[1]

		if lang == "tool_call" || lang == "tool" {
			continue
		}
		if len(strings.TrimSpace(body)) < MinBlockLength {
			continue
		}

		name, content := resolveName(lang, body, before)
		if name == "" {
			continue
		}
		name = unique(name, used)
		files = append(files, File{Name: name, Language: lang, Content: content})
	}
	return files
}

func resolveName(lang, body, before string) (string, string) {
	first, rest, _ := strings.Cut(body, "\n")
	if m := hintRe.FindStringSubmatch(first); m != nil {
		return clean(m[1]), rest + "\n"
	}
	content := body + "\n"

	lastLine := before
	if i := strings.LastIndex(strings.TrimRight(before, " \t\r\n"), "\n"); i >= 0 {
		lastLine = before[i+1:]
	}
	lastLine = strings.TrimSpace(lastLine)
	if m := nearbyRe.FindStringSubmatch(lastLine); m != nil && !isURL(lastLine, m[1]) {
		return clean(m[1]), content
	}
	if m := directiveRe.FindStringSubmatch(before); m != nil {
		return clean(m[1]), content
	}
	if n, ok := defaultNames[lang]; ok {
		return n, content
	}
	return "", ""
}

func isURL(line, name string) bool {
	if strings.Contains(name, "//") {
		return true
	}
	i := strings.Index(line, name)
	return i > 0 && strings.HasSuffix(line[:i], ":")
}

func clean(name string) string {
	name = strings.Trim(name, "`*\"'")
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

func unique(name string, used map[string]int) string {
	n := used[name]
	used[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for {
		n++
		candidate := fmt.Sprintf("%s_%d%s", base, n, ext)
		if used[candidate] == 0 {
			used[candidate] = 1
			return candidate
		}
	}
}
