package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
)

const maxCommandOutput = 32 * 1024

// CommandTool runs an allowlisted program in the workspace directory.
type CommandTool struct {
	dir     string
	allowed map[string]bool
	timeout time.Duration
}

// NewCommandTool creates the run_command tool. Only programs named in
// allowed may be executed; an empty allowlist disables the tool entirely.
func NewCommandTool(dir string, allowed []string, timeout time.Duration) *CommandTool {
	m := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		if a = strings.TrimSpace(a); a != "" {
			m[a] = true
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandTool{dir: dir, allowed: m, timeout: timeout}
}

func (*CommandTool) Name() string { return "run_command" }

func (*CommandTool) Description() string {
	return `Run a shell command in the workspace. Arguments: {"command": string}.`
}

func (t *CommandTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw := strings.TrimSpace(stringArg(args, "command"))
	if raw == "" {
		return "", errors.New("command is required")
	}
	argv, err := shlex.Split(raw)
	if err != nil {
		return "", fmt.Errorf("parsing command: %w", err)
	}
	if len(argv) == 0 {
		return "", errors.New("command is required")
	}
	if !t.allowed[argv[0]] {
		return "", fmt.Errorf("command %q is not allowed", argv[0])
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = t.dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err = cmd.Run()

	text := out.String()
	if len(text) > maxCommandOutput {
		text = text[:maxCommandOutput]
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("command timed out: %w", ctx.Err())
		}
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(text))
	}
	return text, nil
}
