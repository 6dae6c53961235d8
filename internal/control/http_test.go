package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentcore/engine/internal/agent"
	"github.com/agentcore/engine/internal/sessions"
)

// textOnlyProvider answers with a fixed completion and no tool calls, so a
// run completes in a single step loop iteration.
type textOnlyProvider struct{ text string }

func (p *textOnlyProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	go func() {
		defer close(ch)
		ch <- &agent.CompletionChunk{Text: p.text}
		ch <- &agent.CompletionChunk{Done: true}
	}()
	return ch, nil
}
func (p *textOnlyProvider) Name() string            { return "test" }
func (p *textOnlyProvider) Models() []agent.Model   { return nil }
func (p *textOnlyProvider) SupportsTools() bool     { return true }

func newTestSurface(t *testing.T) *Surface {
	t.Helper()
	provider := &textOnlyProvider{text: "hello"}
	registry := agent.NewToolRegistry()
	store := sessions.NewMemoryStore()
	bus := agent.NewEventBus()
	loop := agent.NewAgenticLoop(provider, registry, store, &agent.LoopConfig{MaxIterations: 5, EventBus: bus})
	return NewSurface(loop, store, sessions.NewMemoryBranchStore(), bus, nil, nil)
}

func waitForOutcome(t *testing.T, srv *httptest.Server, runID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/v1/runs/" + runID)
		if err != nil {
			t.Fatalf("GET run status: %v", err)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		resp.Body.Close()
		if body["outcome"] != string(OutcomeRunning) {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal outcome", runID)
	return nil
}

func TestStartTaskCompletes(t *testing.T) {
	surface := newTestSurface(t)
	srv := httptest.NewServer(surface.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", jsonBody(t, map[string]string{"prompt": "say hello"}))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var started taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if started.RunID == "" || started.SessionID == "" {
		t.Fatalf("expected run and session ids, got %+v", started)
	}

	status := waitForOutcome(t, srv, started.RunID)
	if status["outcome"] != string(OutcomeCompleted) {
		t.Fatalf("expected completed outcome, got %+v", status)
	}
	if status["text"] != "hello" {
		t.Fatalf("expected accumulated text 'hello', got %+v", status["text"])
	}
}

func TestStartTaskRejectsEmptyPrompt(t *testing.T) {
	surface := newTestSurface(t)
	srv := httptest.NewServer(surface.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", jsonBody(t, map[string]string{"prompt": ""}))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	surface := newTestSurface(t)
	srv := httptest.NewServer(surface.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/runs/does-not-exist/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

// TestRawEventsStreamsRunEvents confirms the EventBus wiring actually
// delivers a run's lifecycle events to an SSE subscriber, not just the
// ResponseChunk projection /events serves.
func TestRawEventsStreamsRunEvents(t *testing.T) {
	surface := newTestSurface(t)
	srv := httptest.NewServer(surface.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", jsonBody(t, map[string]string{"prompt": "say hello"}))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	var started taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/runs/"+started.RunID+"/events/raw", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events/raw: %v", err)
	}
	defer streamResp.Body.Close()
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", streamResp.StatusCode)
	}

	reader := bufio.NewReader(streamResp.Body)
	var sawRunStarted bool
	for i := 0; i < 50; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.Contains(line, "run.started") {
			sawRunStarted = true
			break
		}
	}
	if !sawRunStarted {
		t.Fatal("expected to observe a run.started event on the raw event stream")
	}

	waitForOutcome(t, srv, started.RunID)
}

func TestListSessionsEmpty(t *testing.T) {
	surface := newTestSurface(t)
	srv := httptest.NewServer(surface.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET /v1/sessions: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestOperationsCatalogCoversAllCategories(t *testing.T) {
	byCategory := ByCategory()
	for _, cat := range []Category{CategoryTask, CategorySession, CategoryStream} {
		if len(byCategory[cat]) == 0 {
			t.Fatalf("expected at least one operation in category %q", cat)
		}
	}
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(data)
}
