package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/spf13/afero"
)

// maxReadBytes caps how much of a file read_file hands back to the model.
const maxReadBytes = 64 * 1024

// Workspace is the filesystem the file tools operate on. Paths are always
// interpreted relative to its root.
type Workspace struct {
	fs afero.Fs
}

// NewWorkspace returns a Workspace rooted at dir on the host filesystem.
func NewWorkspace(dir string) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", dir, err)
	}
	return &Workspace{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}, nil
}

// NewWorkspaceFs wraps an arbitrary afero filesystem, typically a MemMapFs
// in tests.
func NewWorkspaceFs(fs afero.Fs) *Workspace {
	return &Workspace{fs: fs}
}

// Fs exposes the underlying filesystem.
func (w *Workspace) Fs() afero.Fs { return w.fs }

// Tools returns the file tools bound to this workspace.
func (w *Workspace) Tools() []Tool {
	return []Tool{writeFileTool{w}, readFileTool{w}, listFilesTool{w}}
}

func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("path is required")
	}
	clean := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	if clean == "/" {
		return "", fmt.Errorf("invalid path %q", p)
	}
	return clean, nil
}

type writeFileTool struct{ w *Workspace }

func (writeFileTool) Name() string { return "write_file" }

func (writeFileTool) Description() string {
	return `Write a file in the workspace. Arguments: {"path": string, "content": string}.`
}

func (t writeFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := cleanPath(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	content := stringArg(args, "content")
	if dir := path.Dir(p); dir != "/" {
		if err := t.w.fs.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(t.w.fs, p, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", p, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), strings.TrimPrefix(p, "/")), nil
}

type readFileTool struct{ w *Workspace }

func (readFileTool) Name() string { return "read_file" }

func (readFileTool) Description() string {
	return `Read a file from the workspace. PDF files are returned as plain text. Arguments: {"path": string}.`
}

func (t readFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := cleanPath(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	if strings.EqualFold(path.Ext(p), ".pdf") {
		return t.readPDF(p)
	}
	data, err := afero.ReadFile(t.w.fs, p)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", p, err)
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	return string(data), nil
}

func (t readFileTool) readPDF(p string) (string, error) {
	f, err := t.w.fs.Open(p)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", p, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", p, err)
	}
	r, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return "", fmt.Errorf("parsing pdf %s: %w", p, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", p, err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, maxReadBytes)); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

type listFilesTool struct{ w *Workspace }

func (listFilesTool) Name() string { return "list_files" }

func (listFilesTool) Description() string {
	return `List files in a workspace directory. Arguments: {"path": string} (optional, defaults to the root).`
}

func (t listFilesTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := "/"
	if raw := stringArg(args, "path"); strings.TrimSpace(raw) != "" && strings.TrimSpace(raw) != "." {
		p, err := cleanPath(raw)
		if err != nil {
			return "", err
		}
		dir = p
	}
	entries, err := afero.ReadDir(t.w.fs, dir)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() {
			n += "/"
		}
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}

func stringArg(args map[string]any, name string) string {
	return Call{Arguments: args}.StringArg(name)
}
