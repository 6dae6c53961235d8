package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/agentcore/engine/pkg/models"
)

// recordKind identifies the shape of one line in a session's append-only
// log. Every observable state change of a session is written as exactly
// one record before the step loop acknowledges it internally.
type recordKind string

const (
	recordMessage         recordKind = "message"
	recordToolCall        recordKind = "tool_call"
	recordToolResult      recordKind = "tool_result"
	recordStateTransition recordKind = "state_transition"
	recordSummaryUpdate   recordKind = "summary_update"
	recordBranch          recordKind = "branch"
)

// logRecord is the on-disk envelope for one line of a session log. It is
// UTF-8, LF-terminated, append-only; a partial trailing line is discarded
// on recovery.
type logRecord struct {
	Kind      recordKind      `json:"kind"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type branchRecordPayload struct {
	BaseMessageID string `json:"base_message_id"`
	NewBranchID   string `json:"new_branch_id"`
	SessionID     string `json:"session_id"`
	Name          string `json:"name"`
	IsPrimary     bool   `json:"is_primary"`
}

type stateTransitionPayload struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

type summaryUpdatePayload struct {
	SessionID            string `json:"session_id"`
	Text                 string `json:"text"`
	CoveredMessageCount  int64  `json:"covered_message_count"`
}

// sessionMeta mirrors the sidecar metadata file described in the external
// interfaces: session id, timestamps, working directory, model, summary,
// last-summary position, current branch pointer, and known branches.
type sessionMeta struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agent_id,omitempty"`
	Key              string         `json:"key,omitempty"`
	Title            string         `json:"title,omitempty"`
	WorkingDirectory string         `json:"working_directory,omitempty"`
	Model            string         `json:"model,omitempty"`
	Summary          string         `json:"summary,omitempty"`
	LastSummaryCount int64          `json:"last_summary_message_count,omitempty"`
	CurrentBranch    string         `json:"current_branch,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// JSONLStore is the append-only, file-backed implementation of Store and
// BranchStore. Every session gets its own directory under root containing
// log.jsonl (the durable record) and meta.json (the sidecar). An in-memory
// MemoryBranchStore is kept as a live projection of the log so that reads
// don't re-parse the file; it is rebuilt by replaying the log whenever a
// session is first touched in a process lifetime.
type JSONLStore struct {
	root string

	mu       sync.Mutex // guards sessionLocks and loaded
	sessionLocks map[string]*sync.Mutex
	loaded       map[string]bool

	index *MemoryBranchStore
	metas sync.Map // sessionID -> *sessionMeta
}

// NewJSONLStore creates (if needed) the root directory and returns a store
// rooted there.
func NewJSONLStore(root string) (*JSONLStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create session store root: %w", err)
	}
	return &JSONLStore{
		root:         root,
		sessionLocks: make(map[string]*sync.Mutex),
		loaded:       make(map[string]bool),
		index:        NewMemoryBranchStore(),
	}, nil
}

func (s *JSONLStore) sessionDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *JSONLStore) logPath(id string) string {
	return filepath.Join(s.sessionDir(id), "log.jsonl")
}

func (s *JSONLStore) metaPath(id string) string {
	return filepath.Join(s.sessionDir(id), "meta.json")
}

func (s *JSONLStore) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.sessionLocks[sessionID] = l
	}
	return l
}

// ensureLoaded replays a session's log into the in-memory index the first
// time it is accessed in this process. Safe to call repeatedly.
func (s *JSONLStore) ensureLoaded(sessionID string) error {
	s.mu.Lock()
	if s.loaded[sessionID] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.replay(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	s.loaded[sessionID] = true
	s.mu.Unlock()
	return nil
}

// replay reconstructs branch and message state from the on-disk log. A
// truncated trailing line (the result of a crash mid-write) is discarded
// rather than treated as an error.
func (s *JSONLStore) replay(sessionID string) error {
	f, err := os.Open(s.logPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	ctx := context.Background()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Partial trailing line from an interrupted write; stop here.
			break
		}
		s.applyRecord(ctx, &rec)
	}
	return nil
}

func (s *JSONLStore) applyRecord(ctx context.Context, rec *logRecord) {
	switch rec.Kind {
	case recordBranch:
		var p branchRecordPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return
		}
		branch := &models.Branch{
			ID:        p.NewBranchID,
			SessionID: p.SessionID,
			Name:      p.Name,
			Status:    models.BranchStatusActive,
			IsPrimary: p.IsPrimary,
			CreatedAt: rec.Timestamp,
			UpdatedAt: rec.Timestamp,
		}
		if p.BaseMessageID != "" {
			parent := p.BaseMessageID
			branch.ParentBranchID = &parent
		}
		_ = s.index.CreateBranch(ctx, branch)
	case recordMessage:
		var msg models.Message
		if err := json.Unmarshal(rec.Payload, &msg); err != nil {
			return
		}
		_ = s.index.AppendMessageToBranch(ctx, msg.SessionID, msg.BranchID, &msg)
	}
}

func (s *JSONLStore) appendRecord(sessionID string, kind recordKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	rec := logRecord{Kind: kind, ID: uuid.NewString(), Timestamp: time.Now(), Payload: raw}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.sessionDir(sessionID), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(s.logPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *JSONLStore) writeMeta(m *sessionMeta) error {
	if err := os.MkdirAll(s.sessionDir(m.ID), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.metaPath(m.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath(m.ID))
}

func (s *JSONLStore) readMeta(sessionID string) (*sessionMeta, error) {
	if cached, ok := s.metas.Load(sessionID); ok {
		return cached.(*sessionMeta), nil
	}
	data, err := os.ReadFile(s.metaPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var m sessionMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	s.metas.Store(sessionID, &m)
	return &m, nil
}

// ErrSessionNotFound is returned when a session id has no metadata file.
var ErrSessionNotFound = errors.New("session not found")

func metaToSession(m *sessionMeta) *models.Session {
	return &models.Session{
		ID:               m.ID,
		AgentID:          m.AgentID,
		Key:              m.Key,
		Title:            m.Title,
		WorkingDirectory: m.WorkingDirectory,
		ModelIdentifier:  m.Model,
		Summary:          m.Summary,
		CurrentBranchID:  m.CurrentBranch,
		LastSummaryAtSeq: m.LastSummaryCount,
		Metadata:         m.Metadata,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func sessionToMeta(sess *models.Session) *sessionMeta {
	return &sessionMeta{
		ID:               sess.ID,
		AgentID:          sess.AgentID,
		Key:              sess.Key,
		Title:            sess.Title,
		WorkingDirectory: sess.WorkingDirectory,
		Model:            sess.ModelIdentifier,
		Summary:          sess.Summary,
		LastSummaryCount: sess.LastSummaryAtSeq,
		CurrentBranch:    sess.CurrentBranchID,
		Metadata:         sess.Metadata,
		CreatedAt:        sess.CreatedAt,
		UpdatedAt:        sess.UpdatedAt,
	}
}

// --- Store ---

func (s *JSONLStore) Create(ctx context.Context, sess *models.Session) error {
	lock := s.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	primary, err := s.index.EnsurePrimaryBranch(ctx, sess.ID)
	if err != nil {
		return err
	}
	if err := s.appendRecord(sess.ID, recordBranch, branchRecordPayload{
		NewBranchID: primary.ID,
		SessionID:   sess.ID,
		Name:        primary.Name,
		IsPrimary:   true,
	}); err != nil {
		return err
	}
	sess.CurrentBranchID = primary.ID

	m := sessionToMeta(sess)
	if err := s.writeMeta(m); err != nil {
		return err
	}
	s.metas.Store(sess.ID, m)

	s.mu.Lock()
	s.loaded[sess.ID] = true
	s.mu.Unlock()
	return nil
}

func (s *JSONLStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m, err := s.readMeta(id)
	if err != nil {
		return nil, err
	}
	return metaToSession(m), nil
}

func (s *JSONLStore) Update(ctx context.Context, sess *models.Session) error {
	lock := s.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	sess.UpdatedAt = time.Now()
	m := sessionToMeta(sess)
	if err := s.writeMeta(m); err != nil {
		return err
	}
	s.metas.Store(sess.ID, m)
	return nil
}

func (s *JSONLStore) Delete(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.metas.Delete(id)
	s.mu.Lock()
	delete(s.loaded, id)
	delete(s.sessionLocks, id)
	s.mu.Unlock()
	return os.RemoveAll(s.sessionDir(id))
}

func (s *JSONLStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.readMeta(e.Name())
		if err != nil {
			continue
		}
		if m.Key == key {
			return metaToSession(m), nil
		}
	}
	return nil, ErrSessionNotFound
}

func (s *JSONLStore) GetOrCreate(ctx context.Context, key string, agentID string) (*models.Session, error) {
	if sess, err := s.GetByKey(ctx, key); err == nil {
		return sess, nil
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	sess := &models.Session{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Key:     key,
	}
	if err := s.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *JSONLStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var result []*models.Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.readMeta(e.Name())
		if err != nil {
			continue
		}
		if agentID != "" && m.AgentID != agentID {
			continue
		}
		result = append(result, metaToSession(m))
	}

	start := opts.Offset
	if start > len(result) {
		return []*models.Session{}, nil
	}
	end := len(result)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return result[start:end], nil
}

func (s *JSONLStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	return s.AppendMessageToBranch(ctx, sessionID, "", msg)
}

func (s *JSONLStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if err := s.ensureLoaded(sessionID); err != nil {
		return nil, err
	}
	primary, err := s.index.GetPrimaryBranch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.index.GetBranchHistory(ctx, primary.ID, limit)
}

// --- BranchStore ---

func (s *JSONLStore) CreateBranch(ctx context.Context, branch *models.Branch) error {
	lock := s.lockFor(branch.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureLoadedLocked(branch.SessionID); err != nil {
		return err
	}
	if err := s.index.CreateBranch(ctx, branch); err != nil {
		return err
	}
	base := ""
	if branch.ParentBranchID != nil {
		base = *branch.ParentBranchID
	}
	return s.appendRecord(branch.SessionID, recordBranch, branchRecordPayload{
		BaseMessageID: base,
		NewBranchID:   branch.ID,
		SessionID:     branch.SessionID,
		Name:          branch.Name,
		IsPrimary:     branch.IsPrimary,
	})
}

// ensureLoadedLocked is ensureLoaded for callers that already hold a
// per-session lock (avoids re-entrant locking on the shared map mutex).
func (s *JSONLStore) ensureLoadedLocked(sessionID string) error {
	s.mu.Lock()
	done := s.loaded[sessionID]
	s.mu.Unlock()
	if done {
		return nil
	}
	if err := s.replay(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	s.loaded[sessionID] = true
	s.mu.Unlock()
	return nil
}

func (s *JSONLStore) GetBranch(ctx context.Context, branchID string) (*models.Branch, error) {
	return s.index.GetBranch(ctx, branchID)
}

func (s *JSONLStore) UpdateBranch(ctx context.Context, branch *models.Branch) error {
	return s.index.UpdateBranch(ctx, branch)
}

func (s *JSONLStore) DeleteBranch(ctx context.Context, branchID string, deleteMessages bool) error {
	return s.index.DeleteBranch(ctx, branchID, deleteMessages)
}

func (s *JSONLStore) GetPrimaryBranch(ctx context.Context, sessionID string) (*models.Branch, error) {
	if err := s.ensureLoaded(sessionID); err != nil {
		return nil, err
	}
	return s.index.GetPrimaryBranch(ctx, sessionID)
}

func (s *JSONLStore) ListBranches(ctx context.Context, sessionID string, opts BranchListOptions) ([]*models.Branch, error) {
	if err := s.ensureLoaded(sessionID); err != nil {
		return nil, err
	}
	return s.index.ListBranches(ctx, sessionID, opts)
}

func (s *JSONLStore) GetBranchTree(ctx context.Context, sessionID string) (*models.BranchTree, error) {
	if err := s.ensureLoaded(sessionID); err != nil {
		return nil, err
	}
	return s.index.GetBranchTree(ctx, sessionID)
}

func (s *JSONLStore) GetFullBranchPath(ctx context.Context, branchID string) (*models.BranchPath, error) {
	return s.index.GetFullBranchPath(ctx, branchID)
}

func (s *JSONLStore) GetBranchStats(ctx context.Context, branchID string) (*models.BranchStats, error) {
	return s.index.GetBranchStats(ctx, branchID)
}

func (s *JSONLStore) ForkBranch(ctx context.Context, parentBranchID string, branchPoint int64, name string) (*models.Branch, error) {
	parent, err := s.index.GetBranch(ctx, parentBranchID)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(parent.SessionID)
	lock.Lock()
	defer lock.Unlock()

	branch, err := s.index.ForkBranch(ctx, parentBranchID, branchPoint, name)
	if err != nil {
		return nil, err
	}
	if err := s.appendRecord(parent.SessionID, recordBranch, branchRecordPayload{
		BaseMessageID: parentBranchID,
		NewBranchID:   branch.ID,
		SessionID:     parent.SessionID,
		Name:          branch.Name,
	}); err != nil {
		return nil, err
	}
	return branch, nil
}

func (s *JSONLStore) MergeBranch(ctx context.Context, sourceBranchID, targetBranchID string, strategy models.MergeStrategy) (*models.BranchMerge, error) {
	source, err := s.index.GetBranch(ctx, sourceBranchID)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(source.SessionID)
	lock.Lock()
	defer lock.Unlock()

	merge, err := s.index.MergeBranch(ctx, sourceBranchID, targetBranchID, strategy)
	if err != nil {
		return nil, err
	}
	_ = s.appendRecord(source.SessionID, recordStateTransition, stateTransitionPayload{
		SessionID: source.SessionID,
		From:      fmt.Sprintf("branch:%s", sourceBranchID),
		To:        fmt.Sprintf("merged-into:%s", targetBranchID),
	})
	return merge, nil
}

func (s *JSONLStore) ArchiveBranch(ctx context.Context, branchID string) error {
	return s.index.ArchiveBranch(ctx, branchID)
}

func (s *JSONLStore) CompareBranches(ctx context.Context, sourceBranchID, targetBranchID string) (*models.BranchCompare, error) {
	return s.index.CompareBranches(ctx, sourceBranchID, targetBranchID)
}

func (s *JSONLStore) AppendMessageToBranch(ctx context.Context, sessionID, branchID string, msg *models.Message) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureLoadedLocked(sessionID); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.SessionID = sessionID

	resolvedBranch := branchID
	if resolvedBranch == "" {
		primary, err := s.index.GetPrimaryBranch(ctx, sessionID)
		if err != nil {
			return err
		}
		resolvedBranch = primary.ID
	}
	msg.BranchID = resolvedBranch

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.appendRecord(sessionID, recordMessage, json.RawMessage(raw)); err != nil {
		return err
	}

	return s.index.AppendMessageToBranch(ctx, sessionID, resolvedBranch, msg)
}

func (s *JSONLStore) GetBranchHistory(ctx context.Context, branchID string, limit int) ([]*models.Message, error) {
	return s.index.GetBranchHistory(ctx, branchID, limit)
}

func (s *JSONLStore) GetBranchHistoryFromSequence(ctx context.Context, branchID string, fromSequence int64, limit int) ([]*models.Message, error) {
	return s.index.GetBranchHistoryFromSequence(ctx, branchID, fromSequence, limit)
}

func (s *JSONLStore) GetBranchOwnMessages(ctx context.Context, branchID string, limit int) ([]*models.Message, error) {
	return s.index.GetBranchOwnMessages(ctx, branchID, limit)
}

func (s *JSONLStore) EnsurePrimaryBranch(ctx context.Context, sessionID string) (*models.Branch, error) {
	if err := s.ensureLoaded(sessionID); err != nil {
		return nil, err
	}
	return s.index.EnsurePrimaryBranch(ctx, sessionID)
}

func (s *JSONLStore) MigrateSessionToBranches(ctx context.Context, sessionID string) error {
	if err := s.ensureLoaded(sessionID); err != nil {
		return err
	}
	return s.index.MigrateSessionToBranches(ctx, sessionID)
}

// RecordStateTransition journals a step-loop state transition for a
// session, satisfying the write-before-ack discipline: the step loop calls
// this before emitting the corresponding event on the event bus.
func (s *JSONLStore) RecordStateTransition(sessionID, from, to string) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.appendRecord(sessionID, recordStateTransition, stateTransitionPayload{
		SessionID: sessionID,
		From:      from,
		To:        to,
	})
}

// RecordSummaryUpdate journals a context-manager summary write so that
// replay reproduces the same last-summary position.
func (s *JSONLStore) RecordSummaryUpdate(sessionID, text string, coveredMessageCount int64) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.appendRecord(sessionID, recordSummaryUpdate, summaryUpdatePayload{
		SessionID:           sessionID,
		Text:                text,
		CoveredMessageCount: coveredMessageCount,
	})
}

var _ Store = (*JSONLStore)(nil)
var _ BranchStore = (*JSONLStore)(nil)
var _ io.Closer = (*JSONLStore)(nil)

// Close is a no-op: the store holds no persistent file handles between
// operations, only per-call os.File instances.
func (s *JSONLStore) Close() error { return nil }
