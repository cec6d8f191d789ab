package tools

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspace_WriteReadList(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewRouter(NewWorkspaceFs(fs).Tools())
	ctx := context.Background()

	res := r.Execute(ctx, Call{Name: "write_file", Arguments: map[string]any{
		"path": "src/app.js", "content": "console.log('hi')",
	}})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "src/app.js")

	data, err := afero.ReadFile(fs, "/src/app.js")
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", string(data))

	res = r.Execute(ctx, Call{Name: "read_file", Arguments: map[string]any{"path": "src/app.js"}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "console.log('hi')", res.Output)

	res = r.Execute(ctx, Call{Name: "list_files", Arguments: map[string]any{}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "src/", res.Output)
}

func TestWorkspace_PathEscapeStaysInside(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewRouter(NewWorkspaceFs(fs).Tools())

	res := r.Execute(context.Background(), Call{Name: "write_file", Arguments: map[string]any{
		"path": "../../etc/x", "content": "x",
	}})
	require.True(t, res.Success, res.Error)
	ok, err := afero.Exists(fs, "/etc/x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorkspace_Errors(t *testing.T) {
	r := NewRouter(NewWorkspaceFs(afero.NewMemMapFs()).Tools())
	ctx := context.Background()

	res := r.Execute(ctx, Call{Name: "write_file", Arguments: map[string]any{"content": "x"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "path is required")

	res = r.Execute(ctx, Call{Name: "read_file", Arguments: map[string]any{"path": "missing.txt"}})
	assert.False(t, res.Success)
}

func TestCommandTool_Allowlist(t *testing.T) {
	tool := NewCommandTool(t.TempDir(), []string{"echo"}, 0)

	out, err := tool.Execute(context.Background(), map[string]any{"command": `echo "hello world"`})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)

	_, err = tool.Execute(context.Background(), map[string]any{"command": "rm -rf /"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")

	_, err = tool.Execute(context.Background(), map[string]any{"command": "  "})
	require.Error(t, err)
}
