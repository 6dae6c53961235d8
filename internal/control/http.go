package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentcore/engine/internal/agent"
	"github.com/agentcore/engine/internal/auth"
	"github.com/agentcore/engine/internal/sessions"
	"github.com/agentcore/engine/pkg/models"
)

// Outcome mirrors spec.md §4.1's step-loop terminal states, derived from
// the chunk stream a Run produces rather than returned directly by it.
type Outcome string

const (
	OutcomeRunning         Outcome = "running"
	OutcomeCompleted       Outcome = "completed"
	OutcomeFailed          Outcome = "failed"
	OutcomeMaxStepsReached Outcome = "max_steps_reached"
	OutcomeCancelled       Outcome = "cancelled"
)

// run tracks one in-flight or completed step-loop invocation for the
// cancel/status/subscribe operations.
type run struct {
	id        string
	sessionID string
	cancel    context.CancelFunc

	mu          sync.Mutex
	outcome     Outcome
	errorKind   models.ErrorKind
	message     string
	text        strings.Builder
	subscribers []chan *agent.ResponseChunk
	done        chan struct{}
}

func newRun(id, sessionID string, cancel context.CancelFunc) *run {
	return &run{id: id, sessionID: sessionID, cancel: cancel, outcome: OutcomeRunning, done: make(chan struct{})}
}

func (r *run) subscribe() chan *agent.ResponseChunk {
	ch := make(chan *agent.ResponseChunk, 32)
	r.mu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.mu.Unlock()
	return ch
}

func (r *run) publish(chunk *agent.ResponseChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if chunk.Text != "" {
		r.text.WriteString(chunk.Text)
	}
	for _, ch := range r.subscribers {
		select {
		case ch <- chunk:
		default:
		}
	}
}

func (r *run) finish(outcome Outcome, kind models.ErrorKind, message string) {
	r.mu.Lock()
	r.outcome = outcome
	r.errorKind = kind
	r.message = message
	subs := r.subscribers
	r.subscribers = nil
	r.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
	close(r.done)
}

func (r *run) snapshot() (Outcome, models.ErrorKind, string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.errorKind, r.message, r.text.String()
}

// Surface is the optional HTTP control surface over the step loop, session
// store, and branch store: spec.md §6's "exposed operations".
type Surface struct {
	Loop        *agent.AgenticLoop
	Store       sessions.Store
	BranchStore sessions.BranchStore
	// Bus, when set, carries every AgentEvent the step loop emits across all
	// runs; handleRawEvents subscribes a per-connection bridge to it.
	Bus    *agent.EventBus
	Auth   *auth.Service
	Logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// NewSurface builds a control surface over an already-constructed step loop
// and session store.
func NewSurface(loop *agent.AgenticLoop, store sessions.Store, branchStore sessions.BranchStore, bus *agent.EventBus, authSvc *auth.Service, logger *slog.Logger) *Surface {
	return &Surface{Loop: loop, Store: store, BranchStore: branchStore, Bus: bus, Auth: authSvc, Logger: logger, runs: map[string]*run{}}
}

// Handler builds the http.Handler serving every operation in Operations,
// wrapped in the auth middleware.
func (s *Surface) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleStartTask)
	mux.HandleFunc("POST /v1/sessions/{id}/tasks", s.handleContinueTask)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/sessions/{id}/branches", s.handleBranch)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/history", s.handleReplay)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleSubscribe)
	mux.HandleFunc("GET /v1/runs/{id}/events/raw", s.handleRawEvents)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleStatus)
	mux.HandleFunc("GET /v1/operations", s.handleOperations)
	return auth.Middleware(s.Auth, s.Logger)(mux)
}

type startTaskRequest struct {
	Prompt           string `json:"prompt"`
	Model            string `json:"model,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

type taskResponse struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Outcome   Outcome `json:"outcome"`
}

func (s *Surface) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.ValidationError, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, models.ValidationError, "task description must not be empty")
		return
	}

	sess := &models.Session{
		ID:               uuid.NewString(),
		Key:              fmt.Sprintf("api:%s", uuid.NewString()),
		ModelIdentifier:  req.Model,
		WorkingDirectory: req.WorkingDirectory,
	}
	if err := s.Store.Create(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, models.Fatal, "create session: "+err.Error())
		return
	}

	s.startRun(w, r, sess, &models.Message{Role: models.RoleUser, Content: req.Prompt})
}

type continueTaskRequest struct {
	Message string `json:"message"`
}

func (s *Surface) handleContinueTask(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req continueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.ValidationError, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, models.ValidationError, "message must not be empty")
		return
	}

	sess, err := s.Store.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, models.ValidationError, "session not found")
		return
	}

	s.startRun(w, r, sess, &models.Message{Role: models.RoleUser, Content: req.Message})
}

func (s *Surface) startRun(w http.ResponseWriter, r *http.Request, sess *models.Session, msg *models.Message) {
	runCtx, cancel := context.WithCancel(context.Background())
	runID := uuid.NewString()
	runCtx = agent.WithRunID(runCtx, runID)
	rn := newRun(runID, sess.ID, cancel)

	s.mu.Lock()
	s.runs[runID] = rn
	s.mu.Unlock()

	chunks, err := s.Loop.Run(runCtx, sess, msg)
	if err != nil {
		cancel()
		rn.finish(OutcomeFailed, models.Fatal, err.Error())
		writeError(w, http.StatusInternalServerError, models.Fatal, err.Error())
		return
	}

	go func() {
		defer cancel()
		outcome, kind, message := drainChunks(runCtx, rn, chunks)
		rn.finish(outcome, kind, message)
	}()

	writeJSON(w, http.StatusAccepted, taskResponse{SessionID: sess.ID, RunID: runID, Outcome: OutcomeRunning})
}

// drainChunks consumes a Run's chunk stream, classifying the terminal
// outcome per spec.md §4.1: MaxStepsReached on ErrMaxIterations, Cancelled
// on context cancellation, Failed on any other surfaced error, Completed
// otherwise.
func drainChunks(ctx context.Context, rn *run, chunks <-chan *agent.ResponseChunk) (Outcome, models.ErrorKind, string) {
	var lastErr *agent.LoopError
	for chunk := range chunks {
		rn.publish(chunk)
		if chunk.Error != nil {
			if le, ok := chunk.Error.(*agent.LoopError); ok {
				lastErr = le
			}
		}
	}
	if lastErr == nil {
		return OutcomeCompleted, "", ""
	}
	if errors.Is(lastErr.Cause, agent.ErrMaxIterations) {
		return OutcomeMaxStepsReached, "", lastErr.Error()
	}
	if errors.Is(lastErr.Cause, context.Canceled) || ctx.Err() != nil {
		return OutcomeCancelled, models.Cancelled, lastErr.Error()
	}
	return OutcomeFailed, models.Fatal, lastErr.Error()
}

func (s *Surface) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	s.mu.Lock()
	rn, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, models.ValidationError, "run not found")
		return
	}
	rn.cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "outcome": string(OutcomeCancelled)})
}

func (s *Surface) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	s.mu.Lock()
	rn, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, models.ValidationError, "run not found")
		return
	}
	outcome, kind, message, text := rn.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     rn.id,
		"session_id": rn.sessionID,
		"outcome":    outcome,
		"error_kind": kind,
		"message":    message,
		"text":       text,
	})
}

// handleSubscribe streams a run's ResponseChunks as server-sent events
// until the run finishes or the client disconnects — spec.md §6's
// "subscribe to events" operation.
func (s *Surface) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	s.mu.Lock()
	rn, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, models.ValidationError, "run not found")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := rn.subscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, open := <-sub:
			if !open {
				fmt.Fprintf(w, "event: done\ndata: {}\n\n")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			payload, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", payload)
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

// handleRawEvents streams the full AgentEvent timeline for one run as
// server-sent events, for consumers that want more than the ResponseChunk
// projection handleSubscribe serves (e.g. a UI reconstructing the step
// loop's StateTransition history). It bridges the process-wide EventBus
// into a per-connection stream via a BackpressureSink, filtering to this
// run's ID: a slow SSE client can never stall the step loop itself
// (ModelDelta/ToolStdout/ToolStderr are dropped under load) but never
// misses a lifecycle event (run.*, tool.started/finished, state.transition).
// The bridge is unsubscribed once the client disconnects.
func (s *Surface) handleRawEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, models.ValidationError, "run not found")
		return
	}
	if s.Bus == nil {
		writeError(w, http.StatusNotImplemented, models.Fatal, "raw event streaming is not configured")
		return
	}

	sink, events := agent.NewBackpressureSink(agent.DefaultBackpressureConfig())
	defer sink.Close()
	token := s.Bus.Subscribe(agent.PluginFunc(func(ctx context.Context, e models.AgentEvent) {
		if e.RunID == runID {
			sink.Emit(ctx, e)
		}
	}))
	defer s.Bus.Unsubscribe(token)

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			payload, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

type branchRequest struct {
	// BaseBranchID is the branch to fork from; empty forks the session's
	// primary branch.
	BaseBranchID string `json:"base_branch_id"`
	// BranchPoint is the sequence number (spec.md §3's "at_message_id",
	// expressed as a branch-local position) at which the new branch
	// diverges; messages up to and including it are inherited.
	BranchPoint int64  `json:"branch_point"`
	Name        string `json:"name,omitempty"`
}

func (s *Surface) handleBranch(w http.ResponseWriter, r *http.Request) {
	if s.BranchStore == nil {
		writeError(w, http.StatusNotImplemented, models.ValidationError, "branch store not configured")
		return
	}
	sessionID := r.PathValue("id")
	var req branchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.ValidationError, "invalid request body")
		return
	}

	baseBranchID := req.BaseBranchID
	if baseBranchID == "" {
		primary, err := s.BranchStore.GetPrimaryBranch(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusNotFound, models.ValidationError, "session has no primary branch")
			return
		}
		baseBranchID = primary.ID
	}

	branch, err := s.BranchStore.ForkBranch(r.Context(), baseBranchID, req.BranchPoint, req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.Fatal, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

func (s *Surface) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	list, err := s.Store.List(r.Context(), "", sessions.ListOptions{Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.Fatal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Surface) handleReplay(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	history, err := s.Store.GetHistory(r.Context(), sessionID, 0)
	if err != nil {
		writeError(w, http.StatusNotFound, models.ValidationError, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Surface) handleOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ByCategory())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind models.ErrorKind, message string) {
	writeJSON(w, status, map[string]string{"error_kind": string(kind), "message": message})
}
