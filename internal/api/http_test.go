package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/crucible/internal/conversation"
	"github.com/kalambet/crucible/internal/engine"
	"github.com/kalambet/crucible/internal/intent"
	"github.com/kalambet/crucible/internal/metrics"
	"github.com/kalambet/crucible/internal/pipeline"
	"github.com/kalambet/crucible/internal/prompt"
	"github.com/kalambet/crucible/internal/storage"
)

const testToken = "secret-token"

// tokenProvider streams the same tokens on every call.
type tokenProvider struct {
	tokens   []string
	startErr error
}

func (p *tokenProvider) Stream(ctx context.Context, _ engine.Request) (<-chan engine.Chunk, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	ch := make(chan engine.Chunk)
	go func() {
		defer close(ch)
		for _, tok := range p.tokens {
			select {
			case ch <- engine.Chunk{Text: tok}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *tokenProvider) Generate(context.Context, engine.Request) (string, error) {
	return "", nil
}

type chatClassifier struct{}

func (chatClassifier) Classify(context.Context, string) (intent.Result, error) {
	return intent.Result{Intent: intent.Chat, Category: intent.CategoryConversation, Confidence: 0.9}, nil
}

type testAPI struct {
	handler  http.Handler
	store    *pipeline.MemoryStore
	executor *pipeline.Executor
	agg      *metrics.Aggregator
}

func newTestAPI(t *testing.T, p engine.Provider, mutate ...func(*Deps)) testAPI {
	t.Helper()
	store := pipeline.NewMemoryStore(
		pipeline.Definition{ID: "general", Name: "General", Status: pipeline.StatusActive, Primary: true},
		pipeline.Definition{ID: "drafty", Name: "Drafty", Status: pipeline.StatusDraft},
	)
	convs, err := conversation.NewManager(conversation.ManagerConfig{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	b, err := prompt.New(nil, nil)
	if err != nil {
		t.Fatalf("prompt.New: %v", err)
	}
	agg := metrics.NewAggregator(10)
	exec, err := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Provider:      p,
		Builder:       b,
		Registry:      pipeline.NewRegistry(store, nil),
		Conversations: convs,
		Classifier:    chatClassifier{},
		Recorder:      agg,
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	deps := Deps{
		Chat:      exec,
		Pipelines: store,
		Summary:   agg,
		Gatherer:  prometheus.NewRegistry(),
		Token:     testToken,
	}
	for _, m := range mutate {
		m(&deps)
	}
	return testAPI{handler: NewHandler(deps), store: store, executor: exec, agg: agg}
}

func (a testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

// sseEvents parses a text/event-stream body into its data payloads.
func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, &tokenProvider{})
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewPrometheus(reg).Record(metrics.Snapshot{PipelineID: "general", Success: true})
	a := newTestAPI(t, &tokenProvider{}, func(d *Deps) { d.Gatherer = reg })

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), "crucible_") {
		t.Errorf("metrics body has no crucible series:\n%s", rr.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t, &tokenProvider{})
	for _, auth := range []string{"", "Bearer wrong", "Basic " + testToken} {
		req := httptest.NewRequest(http.MethodGet, "/v1/pipelines", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rr := httptest.NewRecorder()
		a.handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: status = %d, want %d", auth, rr.Code, http.StatusUnauthorized)
		}
	}
}

func TestBearerAuth_EmptyTokenRejects(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with empty token")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestPostMessage_Streaming(t *testing.T) {
	a := newTestAPI(t, &tokenProvider{tokens: []string{"Hi", " there"}})
	rr := a.do(t, http.MethodPost, "/v1/conversations/c1/messages", `{"message":"hello"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if rr.Header().Get("X-Run-Id") == "" {
		t.Error("missing X-Run-Id header")
	}

	data := sseEvents(t, rr.Body.String())
	if len(data) < 2 || data[len(data)-1] != "[DONE]" {
		t.Fatalf("stream does not end with [DONE]: %q", data)
	}
	var types []string
	var last pipeline.WireEvent
	for _, d := range data[:len(data)-1] {
		var ev pipeline.WireEvent
		if err := json.Unmarshal([]byte(d), &ev); err != nil {
			t.Fatalf("decoding %q: %v", d, err)
		}
		types = append(types, string(ev.Type))
		last = ev
	}
	if got := strings.Join(types, ","); got != "token,token,complete" {
		t.Errorf("event types = %s, want token,token,complete", got)
	}
	if last.Content != "Hi there" {
		t.Errorf("complete content = %q, want %q", last.Content, "Hi there")
	}
	if a.agg.Len() != 1 {
		t.Errorf("recorded runs = %d, want 1", a.agg.Len())
	}
}

func TestPostMessage_NonStreaming(t *testing.T) {
	a := newTestAPI(t, &tokenProvider{tokens: []string{"Hi", " there"}})
	rr := a.do(t, http.MethodPost, "/v1/conversations/c1/messages",
		`{"message":"hello","stream":false,"history":[{"role":"assistant","content":"earlier"}]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp MessageResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Content != "Hi there" {
		t.Errorf("content = %q, want %q", resp.Content, "Hi there")
	}
	if resp.RunID == "" {
		t.Error("empty run id")
	}
	if n := len(resp.Events); n != 3 {
		t.Errorf("events = %d, want 3", n)
	}

	rr = a.do(t, http.MethodGet, "/v1/conversations/c1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("conversation status = %d", rr.Code)
	}
	var conv ConversationResponse
	if err := json.NewDecoder(rr.Body).Decode(&conv); err != nil {
		t.Fatalf("decoding conversation: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Role != conversation.RoleUser || conv.Messages[1].Content != "Hi there" {
		t.Errorf("unexpected messages: %+v", conv.Messages)
	}
}

func TestPostMessage_BadRequests(t *testing.T) {
	a := newTestAPI(t, &tokenProvider{})
	tests := map[string]string{
		"not json":      `{`,
		"empty message": `{"message":""}`,
		"bad role":      `{"message":"hi","history":[{"role":"robot","content":"x"}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rr := a.do(t, http.MethodPost, "/v1/conversations/c1/messages", body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestPostMessage_ProviderFailure(t *testing.T) {
	a := newTestAPI(t, &tokenProvider{startErr: errors.New("backend down")})

	rr := a.do(t, http.MethodPost, "/v1/conversations/c1/messages", `{"message":"hello"}`)
	data := sseEvents(t, rr.Body.String())
	if len(data) != 2 || data[1] != "[DONE]" {
		t.Fatalf("want one error event then [DONE], got %q", data)
	}
	var ev pipeline.WireEvent
	if err := json.Unmarshal([]byte(data[0]), &ev); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if ev.Type != pipeline.KindError || !strings.Contains(ev.Content, "backend down") {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Metadata[pipeline.MetaCode] != codeRunFailed {
		t.Errorf("code = %v, want %s", ev.Metadata[pipeline.MetaCode], codeRunFailed)
	}

	rr = a.do(t, http.MethodPost, "/v1/conversations/c1/messages", `{"message":"hello","stream":false}`)
	if rr.Code != http.StatusBadGateway {
		t.Errorf("non-streamed status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestPostMessage_RateLimited(t *testing.T) {
	a := newTestAPI(t, &tokenProvider{tokens: []string{"ok"}}, func(d *Deps) { d.RequestsPerMinute = 1 })

	first := a.do(t, http.MethodPost, "/v1/conversations/c1/messages", `{"message":"hello","stream":false}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	second := a.do(t, http.MethodPost, "/v1/conversations/c1/messages", `{"message":"hello","stream":false}`)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want %d", second.Code, http.StatusTooManyRequests)
	}

	// Other routes are not limited.
	if rr := a.do(t, http.MethodGet, "/v1/pipelines", ""); rr.Code != http.StatusOK {
		t.Errorf("pipelines status = %d", rr.Code)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	a := newTestAPI(t, &tokenProvider{})
	if rr := a.do(t, http.MethodGet, "/v1/conversations/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestPipelines(t *testing.T) {
	a := newTestAPI(t, &tokenProvider{})

	rr := a.do(t, http.MethodGet, "/v1/pipelines", "")
	var defs []pipeline.Definition
	if err := json.NewDecoder(rr.Body).Decode(&defs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(defs) != 2 || defs[0].ID != "general" {
		t.Fatalf("unexpected pipelines: %+v", defs)
	}

	if rr := a.do(t, http.MethodGet, "/v1/pipelines/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rr.Code)
	}

	// A draft cannot take primary until it is activated.
	if rr := a.do(t, http.MethodPost, "/v1/pipelines/drafty/primary", ""); rr.Code != http.StatusConflict {
		t.Errorf("primary on draft status = %d, want 409", rr.Code)
	}
	if rr := a.do(t, http.MethodPost, "/v1/pipelines/drafty/activate", ""); rr.Code != http.StatusOK {
		t.Fatalf("activate status = %d", rr.Code)
	}
	rr = a.do(t, http.MethodPost, "/v1/pipelines/drafty/primary", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("primary status = %d", rr.Code)
	}
	var d pipeline.Definition
	json.NewDecoder(rr.Body).Decode(&d)
	if !d.Primary || d.Status != pipeline.StatusActive {
		t.Errorf("drafty = %+v, want active primary", d)
	}

	general, _ := a.store.GetPipeline(context.Background(), "general")
	if general.Primary {
		t.Error("general kept primary")
	}

	rr = a.do(t, http.MethodPost, "/v1/pipelines/drafty/archive", "")
	json.NewDecoder(rr.Body).Decode(&d)
	if d.Status != pipeline.StatusArchived || d.Primary {
		t.Errorf("archived drafty = %+v", d)
	}
	if rr := a.do(t, http.MethodPost, "/v1/pipelines/missing/archive", ""); rr.Code != http.StatusNotFound {
		t.Errorf("archive missing status = %d, want 404", rr.Code)
	}
}

func TestMetricsSummary(t *testing.T) {
	a := newTestAPI(t, &tokenProvider{tokens: []string{"ok"}})
	a.do(t, http.MethodPost, "/v1/conversations/c1/messages", `{"message":"hello","stream":false}`)

	rr := a.do(t, http.MethodGet, "/v1/metrics/summary?window=1h", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var sum metrics.Summary
	if err := json.NewDecoder(rr.Body).Decode(&sum); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if sum.Count != 1 || sum.SuccessRate != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Pipelines) != 1 || sum.Pipelines[0].PipelineID != "general" {
		t.Errorf("per-pipeline = %+v", sum.Pipelines)
	}

	if rr := a.do(t, http.MethodGet, "/v1/metrics/summary?window=soon", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad window status = %d, want 400", rr.Code)
	}
}

func TestExecutions(t *testing.T) {
	store, err := storage.Open(storage.MemoryDSN)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := store.SaveExecution(context.Background(), storage.Execution{ID: id, PipelineID: "general", Success: true}); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
	}

	a := newTestAPI(t, &tokenProvider{})
	if rr := a.do(t, http.MethodGet, "/v1/executions", ""); rr.Code != http.StatusNotFound {
		t.Errorf("without log status = %d, want 404", rr.Code)
	}

	a = newTestAPI(t, &tokenProvider{}, func(d *Deps) { d.Executions = store })
	rr := a.do(t, http.MethodGet, "/v1/executions?limit=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var execs []storage.Execution
	if err := json.NewDecoder(rr.Body).Decode(&execs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(execs) != 2 {
		t.Errorf("executions = %d, want 2", len(execs))
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=0", 50},
		{"limit=-3", 50},
		{"limit=abc", 50},
		{"limit=9999", 500},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 50, 500); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
