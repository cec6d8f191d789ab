package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
}

func (m *mockEngine) Stream(_ context.Context, _ Request) (<-chan Chunk, error) {
	ch := make(chan Chunk)
	close(ch)
	return ch, nil
}
func (m *mockEngine) Generate(_ context.Context, _ Request) (string, error) { return "", nil }
func (m *mockEngine) IsRunning(_ context.Context) bool                        { return m.isRunning }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) {
	var names []string
	for n := range m.models {
		names = append(names, n)
	}
	return names, nil
}
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_AllModelsPresent(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"qwen2.5-coder": true, "llama3.2": true},
	}
	err := EnsureReady(context.Background(), m, io.Discard, "qwen2.5-coder", "llama3.2")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissingOnce(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"qwen2.5-coder": true},
	}
	var out strings.Builder
	err := EnsureReady(context.Background(), m, &out, "qwen2.5-coder", "llama3.2", "llama3.2", "")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "llama3.2" {
		t.Errorf("expected one pull of llama3.2, got %v", m.pulled)
	}
	if !strings.Contains(out.String(), "model llama3.2: pulling...") {
		t.Errorf("progress output = %q", out.String())
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false, models: map[string]bool{}}
	err := EnsureReady(context.Background(), m, io.Discard, "qwen2.5-coder")
	if err == nil {
		t.Fatal("expected error when engine is down")
	}
	if !strings.Contains(err.Error(), "not running") {
		t.Errorf("error = %q", err)
	}
}

func TestEnsureReady_ProgressOutput(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{}}
	var out strings.Builder
	if err := EnsureReady(context.Background(), m, &out, "phi3.5"); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	want := "model phi3.5: pulling...\n  success\nmodel phi3.5: ready\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestEnsureReady_EngineDownIsSentinel(t *testing.T) {
	m := &mockEngine{}
	if err := EnsureReady(context.Background(), m, io.Discard); !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}
