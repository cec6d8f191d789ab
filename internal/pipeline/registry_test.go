package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func active(id, name string, cfg Config) Definition {
	return Definition{ID: id, Name: name, Status: StatusActive, Config: cfg}
}

func TestRegistry_ForMessage(t *testing.T) {
	ctx := context.Background()
	games := active("games", "Games", Config{TriggerKeywords: []string{"Snake", "tetris"}})
	docs := active("docs", "Docs", Config{TriggerPatterns: []string{`^explain\b`}})
	draft := Definition{ID: "draft", Name: "Draft", Status: StatusDraft, Config: Config{TriggerKeywords: []string{"hello"}}}
	plain := active("plain", "Plain", Config{})

	r := NewRegistry(NewMemoryStore(games, docs, draft, plain), nil)

	tests := []struct {
		message string
		want    string
	}{
		{"make a SNAKE game", "games"},
		{"Explain closures", "docs"},
		// No trigger matches and no primary: first Active by name.
		{"please explain closures", "docs"},
		{"hello there", "docs"},
	}
	for _, tt := range tests {
		got, err := r.ForMessage(ctx, tt.message)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.ID, tt.message)
	}
}

func TestRegistry_PrimaryFallback(t *testing.T) {
	ctx := context.Background()
	a := active("a", "Alpha", Config{})
	b := active("b", "Beta", Config{})
	b.Primary = true
	r := NewRegistry(NewMemoryStore(a, b), nil)

	got, err := r.ForMessage(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	list, err := r.Active(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
}

func TestRegistry_DefaultWhenNothingActive(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore(Definition{ID: "x", Name: "X", Status: StatusArchived}), nil)

	got, err := r.ForMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, DefaultPipelineID, got.ID)
	assert.Equal(t, DefaultMaxToolIterations, got.Config.MaxToolIterations)

	d, err := r.Get(ctx, DefaultPipelineID)
	require.NoError(t, err)
	assert.Equal(t, DefaultPipelineID, d.ID)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_MalformedPatternSkipped(t *testing.T) {
	ctx := context.Background()
	bad := active("bad", "Bad", Config{TriggerPatterns: []string{"([unclosed", "build"}})
	other := active("other", "Other", Config{})
	other.Primary = true
	r := NewRegistry(NewMemoryStore(bad, other), nil)

	for range 2 {
		got, err := r.ForMessage(ctx, "build it")
		require.NoError(t, err)
		assert.Equal(t, "bad", got.ID)

		got, err = r.ForMessage(ctx, "([unclosed")
		require.NoError(t, err)
		assert.Equal(t, "other", got.ID)
	}
	assert.True(t, r.invalid["([unclosed"])
}

func TestRegistry_SeesStoreChanges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(active("a", "Alpha", Config{}), active("b", "Beta", Config{}))
	r := NewRegistry(store, nil)

	got, err := r.ForMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	require.NoError(t, store.SetPrimary(ctx, "b"))
	got, err = r.ForMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	require.NoError(t, store.SetStatus(ctx, "b", StatusArchived))
	got, err = r.ForMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
}

func TestMemoryStore_SinglePrimary(t *testing.T) {
	ctx := context.Background()
	a := active("a", "Alpha", Config{})
	a.Primary = true
	b := active("b", "Beta", Config{})
	b.Primary = true
	s := NewMemoryStore(a, b)

	list, err := s.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].Primary)
	assert.True(t, list[1].Primary)

	require.NoError(t, s.SetPrimary(ctx, "a"))
	got, err := s.GetPipeline(ctx, "b")
	require.NoError(t, err)
	assert.False(t, got.Primary)

	assert.ErrorIs(t, s.SetPrimary(ctx, "nope"), ErrNotFound)
	assert.ErrorIs(t, s.SetStatus(ctx, "nope", StatusDraft), ErrNotFound)

	require.NoError(t, s.SetStatus(ctx, "b", StatusDraft))
	assert.ErrorIs(t, s.SetPrimary(ctx, "b"), ErrNotActive)
}

func TestMemoryStore_SaveKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d := active("a", "Alpha", Config{})
	require.NoError(t, s.SavePipeline(ctx, d))
	first, err := s.GetPipeline(ctx, "a")
	require.NoError(t, err)

	d.Description = "changed"
	d.Primary = true
	d.Status = StatusDraft
	require.NoError(t, s.SavePipeline(ctx, d))
	second, err := s.GetPipeline(ctx, "a")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "changed", second.Description)
	assert.False(t, second.Primary, "a draft pipeline cannot be primary")
	assert.Error(t, s.SavePipeline(ctx, Definition{}))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(active("a", "Alpha", Config{TriggerKeywords: []string{"x"}}))
	got, err := s.GetPipeline(ctx, "a")
	require.NoError(t, err)
	got.Config.TriggerKeywords[0] = "mutated"

	again, err := s.GetPipeline(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.Config.TriggerKeywords)
}
