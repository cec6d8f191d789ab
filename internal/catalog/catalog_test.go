package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kalambet/crucible/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const gamesYAML = `id: games
name: Games
description: Browser games
primary: true
config:
  trigger_keywords: [snake, tetris]
  trigger_patterns: ['^build\b']
  enabled_tools: [write_file]
  max_tool_iterations: 5
  mode: chat-parody
  inject_conversation: false
steps:
  - id: classify
    type: intent
  - id: answer
    type: generate
    order: 1
    depends_on: [classify]
`

func TestDecode(t *testing.T) {
	d, err := Decode(strings.NewReader(gamesYAML), nil)
	require.NoError(t, err)

	assert.Equal(t, "games", d.ID)
	assert.Equal(t, "1", d.Version)
	assert.Equal(t, pipeline.StatusActive, d.Status)
	assert.True(t, d.Primary)
	assert.Equal(t, []string{"snake", "tetris"}, d.Config.TriggerKeywords)
	assert.Equal(t, []string{`^build\b`}, d.Config.TriggerPatterns)
	assert.Equal(t, 5, d.Config.MaxToolIterations)
	assert.Equal(t, pipeline.ModeChatParody, d.Config.Mode)
	assert.False(t, d.Config.Injects())
	require.Len(t, d.Steps, 2)
	assert.Equal(t, []string{"classify"}, d.Steps[1].DependsOn)
}

func TestDecode_Rejects(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"unknown field":  "id: a\nname: A\ncolour: red\n",
		"missing name":   "id: a\n",
		"bad id":         "id: Not An Id\nname: A\n",
		"bad status":     "id: a\nname: A\nstatus: paused\n",
		"bad mode":       "id: a\nname: A\nconfig:\n  mode: turbo\n",
		"bad step type":  "id: a\nname: A\nsteps:\n  - id: s\n    type: teleport\n",
		"too many iters": "id: a\nname: A\nconfig:\n  max_tool_iterations: 1000\n",
		"not yaml":       "id: [a\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(src), nil)
			assert.Error(t, err)
		})
	}
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/defs/games.yaml", []byte(gamesYAML), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/defs/docs.yml", []byte("id: docs\nname: Docs\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/defs/broken.yaml", []byte("id: broken\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/defs/dup.yaml", []byte("id: docs\nname: Again\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/defs/README.md", []byte("ignored"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/defs/.hidden.yaml", []byte("ignored"), 0o644))

	store := pipeline.NewMemoryStore()
	l := NewLoader("/defs", store, WithFs(fs))

	res, err := l.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "games"}, res.Loaded)
	assert.Contains(t, res.Invalid, "broken.yaml")
	assert.Contains(t, res.Invalid, "dup.yaml")
	assert.Len(t, res.Invalid, 2)

	got, err := store.GetPipeline(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "Docs", got.Name)

	// Removing a file archives its pipeline.
	require.NoError(t, fs.Remove("/defs/games.yaml"))
	res, err = l.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"games"}, res.Archived)

	got, err = store.GetPipeline(ctx, "games")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusArchived, got.Status)
	assert.False(t, got.Primary)
}

func TestSync_MissingDirectory(t *testing.T) {
	l := NewLoader("/nowhere", pipeline.NewMemoryStore(), WithFs(afero.NewMemMapFs()))
	_, err := l.Sync(context.Background())
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	store := pipeline.NewMemoryStore()
	l := NewLoader(dir, store)

	syncs := make(chan Result, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- l.Watch(ctx, 20*time.Millisecond, func(r Result, err error) {
			if err != nil {
				return
			}
			select {
			case syncs <- r:
			default:
			}
		})
	}()

	select {
	case r := <-syncs:
		assert.Empty(t, r.Loaded)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial sync")
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "games.yaml"), []byte(gamesYAML), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		var r Result
		select {
		case r = <-syncs:
		case <-deadline:
			t.Fatal("file change was not picked up")
		}
		if len(r.Loaded) == 1 {
			break
		}
	}
	_, err := store.GetPipeline(context.Background(), "games")
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
