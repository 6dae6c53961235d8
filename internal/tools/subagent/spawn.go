// Package subagent implements the Parallel Tool Executor's SubagentSpawner
// tool: a nested step loop reporting back as an ordinary tool result,
// rather than a second orchestration subsystem running beside the main one.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/engine/internal/agent"
	"github.com/agentcore/engine/internal/sessions"
	"github.com/agentcore/engine/internal/tools/policy"
	"github.com/agentcore/engine/pkg/models"
)

// Spawn tracks one nested agentic run started by the spawner tool.
type Spawn struct {
	ID          string    `json:"id"`
	ParentSessionID string `json:"parent_session_id"`
	SessionID   string    `json:"session_id"`
	Task        string    `json:"task"`
	Thoroughness string   `json:"thoroughness"` // quick, standard, thorough
	Status      string    `json:"status"`        // running, completed, failed
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

var thoroughnessIterations = map[string]int{
	"quick":    4,
	"standard": 10,
	"thorough": 25,
}

// Spawner is the SubagentSpawner tool: it starts a nested AgenticLoop
// against the same provider and tool registry, scoped to a narrower tool
// policy, and reports the nested run's outcome back as a tool result.
type Spawner struct {
	provider   agent.LLMProvider
	registry   *agent.ToolRegistry
	sessions   sessions.Store
	maxActive  int
	active     int64

	mu     sync.RWMutex
	spawns map[string]*Spawn
}

// NewSpawner returns a Spawner that starts nested loops against the given
// provider, tool registry, and session store. maxActive bounds concurrent
// nested runs; 0 defaults to 3.
func NewSpawner(provider agent.LLMProvider, registry *agent.ToolRegistry, store sessions.Store, maxActive int) *Spawner {
	if maxActive <= 0 {
		maxActive = 3
	}
	return &Spawner{
		provider:  provider,
		registry:  registry,
		sessions:  store,
		maxActive: maxActive,
		spawns:    make(map[string]*Spawn),
	}
}

func (s *Spawner) Name() string { return "spawn_subagent" }

func (s *Spawner) Description() string {
	return "Spawns a nested agent to work on a narrowly-scoped task and returns its final answer, constrained to an allowlist of tools."
}

func (s *Spawner) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"type": "string", "description": "The task for the subagent to complete"},
			"thoroughness": {"type": "string", "enum": ["quick", "standard", "thorough"], "description": "How many iterations to allow the subagent"},
			"allowed_tools": {"type": "array", "items": {"type": "string"}, "description": "Tool names the subagent may call; empty means no tools"}
		},
		"required": ["task"]
	}`)
}

type spawnInput struct {
	Task         string   `json:"task"`
	Thoroughness string   `json:"thoroughness"`
	AllowedTools []string `json:"allowed_tools"`
}

// Execute implements agent.Tool: it runs the nested loop to completion and
// returns the accumulated text as the tool's result content.
func (s *Spawner) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in spawnInput
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("spawn_subagent: invalid params: %w", err)
	}
	if strings.TrimSpace(in.Task) == "" {
		return &agent.ToolResult{Content: "task is required", IsError: true}, nil
	}

	if atomic.LoadInt64(&s.active) >= int64(s.maxActive) {
		return &agent.ToolResult{Content: fmt.Sprintf("max active subagents reached (%d)", s.maxActive), IsError: true}, nil
	}
	atomic.AddInt64(&s.active, 1)
	defer atomic.AddInt64(&s.active, -1)

	thoroughness := in.Thoroughness
	if thoroughness == "" {
		thoroughness = "standard"
	}
	maxIter, ok := thoroughnessIterations[thoroughness]
	if !ok {
		maxIter = thoroughnessIterations["standard"]
	}

	spawnID := uuid.NewString()
	spawn := &Spawn{
		ID:           spawnID,
		Task:         in.Task,
		Thoroughness: thoroughness,
		Status:       "running",
		StartedAt:    time.Now(),
	}
	s.mu.Lock()
	s.spawns[spawnID] = spawn
	s.mu.Unlock()

	nestedCtx := ctx
	if len(in.AllowedTools) > 0 {
		nestedCtx = agent.WithToolPolicy(ctx, policy.NewResolver(), &policy.Policy{
			Profile: policy.ProfileCoding,
			Allow:   in.AllowedTools,
		})
	} else {
		nestedCtx = agent.WithToolPolicy(ctx, policy.NewResolver(), &policy.Policy{
			Profile: policy.ProfileMinimal,
			Deny:    []string{"*"},
		})
	}

	loop := agent.NewAgenticLoop(s.provider, s.registry, s.sessions, &agent.LoopConfig{
		MaxIterations: maxIter,
		MaxWallTime:   5 * time.Minute,
	})

	session := &models.Session{ID: spawnID, AgentID: "subagent:" + spawnID}
	if s.sessions != nil {
		if err := s.sessions.Create(nestedCtx, session); err != nil {
			return s.fail(spawn, fmt.Errorf("create nested session: %w", err))
		}
	}
	spawn.SessionID = session.ID

	msg := &models.Message{Role: models.RoleUser, Content: in.Task}
	chunks, err := loop.Run(nestedCtx, session, msg)
	if err != nil {
		return s.fail(spawn, err)
	}

	var result strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return s.fail(spawn, chunk.Error)
		}
		result.WriteString(chunk.Text)
	}

	spawn.Status = "completed"
	spawn.FinishedAt = time.Now()
	spawn.Result = result.String()

	return &agent.ToolResult{Content: spawn.Result}, nil
}

func (s *Spawner) fail(spawn *Spawn, err error) (*agent.ToolResult, error) {
	spawn.Status = "failed"
	spawn.FinishedAt = time.Now()
	spawn.Error = err.Error()
	return &agent.ToolResult{Content: "subagent failed: " + err.Error(), IsError: true}, nil
}

// Get returns a previously spawned run's status by id.
func (s *Spawner) Get(id string) (*Spawn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spawn, ok := s.spawns[id]
	return spawn, ok
}
