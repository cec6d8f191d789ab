package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (string, error)
}

func (f funcTool) Name() string        { return f.name }
func (f funcTool) Description() string { return "test tool " + f.name }
func (f funcTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f.fn(ctx, args)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantName string
		wantArg  string
	}{
		{
			name:     "fenced tool_call",
			text:     "Sure.\n```tool_call\n{\"name\": \"write_file\", \"arguments\": {\"path\": \"a.txt\"}}\n```\nDone.",
			wantName: "write_file",
			wantArg:  "a.txt",
		},
		{
			name:     "short tool fence",
			text:     "```tool\n{\"name\": \"read_file\", \"arguments\": {\"path\": \"b.txt\"}}\n```",
			wantName: "read_file",
			wantArg:  "b.txt",
		},
		{
			name:     "xml tag",
			text:     "<tool_call>{\"tool\": \"read_file\", \"parameters\": {\"path\": \"c.txt\"}}</tool_call>",
			wantName: "read_file",
			wantArg:  "c.txt",
		},
		{
			name:     "string encoded arguments",
			text:     "```tool_call\n{\"function\": {\"name\": \"read_file\", \"arguments\": \"{\\\"path\\\": \\\"d.txt\\\"}\"}}\n```",
			wantName: "read_file",
			wantArg:  "d.txt",
		},
		{
			name:     "content containing a fence",
			text:     "```tool_call\n{\"name\": \"write_file\", \"arguments\": {\"path\": \"e.md\", \"content\": \"```go```\"}}\n```",
			wantName: "write_file",
			wantArg:  "e.md",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Parse(tt.text)
			require.NotNil(t, c)
			assert.Equal(t, tt.wantName, c.Name)
			assert.Equal(t, tt.wantArg, c.StringArg("path"))
			assert.NotEmpty(t, c.ID)
		})
	}
}

func TestParse_ReturnsNil(t *testing.T) {
	for _, text := range []string{
		"",
		"just chatting",
		"```tool_call\n{\"name\": \"write_file\", \"argu",
		"```tool_call\nnot json\n```",
		"```tool_call\n{\"arguments\": {}}\n```",
		"```js\nconsole.log(1)\n```",
	} {
		if c := Parse(text); c != nil {
			t.Errorf("Parse(%q) = %+v, want nil", text, c)
		}
	}
}

func TestParse_SkipsMalformedBlock(t *testing.T) {
	text := "```tool_call\n{\"name\": }\n```\nagain:\n<tool_call>{\"name\": \"list_files\", \"arguments\": {\"path\": \"src\"}}</tool_call>"
	c := Parse(text)
	require.NotNil(t, c)
	assert.Equal(t, "list_files", c.Name)
	assert.Equal(t, "src", c.StringArg("path"))
}

func TestBlock_RoundTrip(t *testing.T) {
	in := Call{ID: "x", Name: "list_files", Arguments: map[string]any{"path": "src"}}
	c := Parse(Block(in))
	require.NotNil(t, c)
	assert.Equal(t, "list_files", c.Name)
	assert.Equal(t, "src", c.StringArg("path"))
}

func TestExecute_Success(t *testing.T) {
	r := NewRouter([]Tool{funcTool{name: "echo", fn: func(_ context.Context, args map[string]any) (string, error) {
		return "echo:" + stringArg(args, "v"), nil
	}}})

	res := r.Execute(context.Background(), Call{ID: "1", Name: "echo", Arguments: map[string]any{"v": "hi"}})
	assert.True(t, res.Success)
	assert.Equal(t, "echo:hi", res.Output)
	assert.Equal(t, "1", res.ToolCallID)
	assert.Equal(t, "echo", res.ToolName)
}

func TestExecute_FailuresAreData(t *testing.T) {
	r := NewRouter([]Tool{
		funcTool{name: "fail", fn: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("boom")
		}},
		funcTool{name: "panic", fn: func(context.Context, map[string]any) (string, error) {
			panic("bad")
		}},
		funcTool{name: "slow", fn: func(ctx context.Context, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}},
	}, WithTimeout(20*time.Millisecond))

	tests := []struct {
		call    string
		wantErr string
	}{
		{"fail", "boom"},
		{"panic", "panicked"},
		{"slow", "deadline"},
		{"missing", "unknown tool"},
	}
	for _, tt := range tests {
		res := r.Execute(context.Background(), Call{ID: "id", Name: tt.call})
		assert.False(t, res.Success, tt.call)
		assert.Contains(t, res.Error, tt.wantErr, tt.call)
		assert.True(t, strings.HasPrefix(res.Text(), "Error: "))
	}
}

func TestDescribe(t *testing.T) {
	r := NewRouter(NewWorkspaceFs(afero.NewMemMapFs()).Tools())
	all := r.Describe(nil)
	assert.Contains(t, all, "- list_files:")
	assert.Contains(t, all, "- write_file:")

	one := r.Describe([]string{"read_file", "nope"})
	assert.Equal(t, 1, strings.Count(one, "\n")+1)
	assert.Contains(t, one, "read_file")
	assert.Equal(t, []string{"list_files", "read_file", "write_file"}, r.Names())
}
