package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestOllamaEngine_Generate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"response": "hello from ollama", "done": true})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "qwen2.5-coder")
	result, err := e.Generate(context.Background(), Request{Prompt: "hi", MaxTokens: 64, Temperature: Float(0.1)})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result != "hello from ollama" {
		t.Errorf("got %q, want %q", result, "hello from ollama")
	}
	if got["model"] != "qwen2.5-coder" {
		t.Errorf("model = %v, want default model", got["model"])
	}
	opts, _ := got["options"].(map[string]any)
	if opts["num_predict"] != float64(64) {
		t.Errorf("options = %v", opts)
	}
}

func TestOllamaEngine_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		for _, tok := range []string{"a", "b", "c"} {
			enc.Encode(map[string]any{"response": tok})
		}
		enc.Encode(map[string]any{"done": true})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "m")
	ch, err := e.Stream(context.Background(), Request{Prompt: "p", Model: "other"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var text string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		text += c.Text
	}
	if text != "abc" {
		t.Errorf("text = %q, want abc", text)
	}
}

func TestOllamaEngine_StreamConnectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "m")
	if _, err := e.Stream(context.Background(), Request{Prompt: "p"}); err == nil {
		t.Fatal("expected error from Stream when backend rejects the request")
	}
}

func TestOllamaEngine_IsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("qwen2.5-coder:latest"))
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "qwen2.5-coder")
	if !e.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestOllamaEngine_IsRunning_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	e := NewOllamaEngine(srv.URL, "qwen2.5-coder")
	if e.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestOllamaEngine_HasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("qwen2.5-coder:latest", "llama3.2:latest"))
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "qwen2.5-coder")
	if !e.HasModel(context.Background(), "qwen2.5-coder") {
		t.Error("HasModel(qwen2.5-coder) = false, want true")
	}
	if e.HasModel(context.Background(), "mistral") {
		t.Error("HasModel(mistral) = true, want false")
	}
}

func TestOllamaEngine_PullModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"status": "downloading", "total": 1000, "completed": 500})
		enc.Encode(map[string]any{"status": "downloading", "total": 1000, "completed": 1000})
		enc.Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "qwen2.5-coder")
	var progressCount int
	err := e.PullModel(context.Background(), "qwen2.5-coder", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}
