package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Memory provides an in-memory Store implementation for testing and local
// runs. All returned values are clones; callers never share memory with the
// store's internal state.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	branches    map[string]*models.Branch
	messages    map[string][]*models.Message // branchID -> ordered
	events      []*models.EventEnvelope
	nextEventID int64
	checkpoints map[string][]*models.Checkpoint // branchID -> ordered
	rules       []models.PermissionRule
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:    map[string]*models.Session{},
		branches:    map[string]*models.Branch{},
		messages:    map[string][]*models.Message{},
		checkpoints: map[string][]*models.Checkpoint{},
	}
}

func (m *Memory) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *session
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	// Reflect generated fields back to the caller.
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	m.sessions[clone.ID] = &clone
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *Memory) UpdateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	clone := *session
	clone.UpdatedAt = time.Now()
	session.UpdatedAt = clone.UpdatedAt
	m.sessions[clone.ID] = &clone
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	for branchID, branch := range m.branches {
		if branch.SessionID == id {
			delete(m.branches, branchID)
			delete(m.messages, branchID)
			delete(m.checkpoints, branchID)
		}
	}
	return nil
}

func (m *Memory) ListSessions(ctx context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		clone := *s
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) LastSessionByWorkingDir(ctx context.Context, cwd string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *models.Session
	for _, s := range m.sessions {
		if s.WorkingDir != cwd {
			continue
		}
		if last == nil || s.CreatedAt.After(last.CreatedAt) {
			last = s
		}
	}
	if last == nil {
		return nil, ErrSessionNotFound
	}
	clone := *last
	return &clone, nil
}

func (m *Memory) CreateBranch(ctx context.Context, branch *models.Branch) error {
	if branch == nil {
		return errors.New("branch is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[branch.SessionID]; !ok {
		return ErrSessionNotFound
	}
	clone := *branch
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	branch.ID = clone.ID
	branch.CreatedAt = clone.CreatedAt
	m.branches[clone.ID] = &clone
	return nil
}

func (m *Memory) GetBranch(ctx context.Context, id string) (*models.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	branch, ok := m.branches[id]
	if !ok {
		return nil, ErrBranchNotFound
	}
	clone := *branch
	return &clone, nil
}

func (m *Memory) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Branch
	for _, b := range m.branches {
		if b.SessionID == sessionID {
			clone := *b
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateBranchSummary(ctx context.Context, branchID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	branch, ok := m.branches[branchID]
	if !ok {
		return ErrBranchNotFound
	}
	branch.Summary = summary
	return nil
}

func (m *Memory) UpdateBranchModel(ctx context.Context, branchID, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	branch, ok := m.branches[branchID]
	if !ok {
		return ErrBranchNotFound
	}
	branch.PreferredModel = model
	return nil
}

func (m *Memory) CountMessages(ctx context.Context, branchID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[branchID]), nil
}

func (m *Memory) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[msg.BranchID]; !ok {
		return ErrBranchNotFound
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = models.NewMessageID()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt
	m.messages[msg.BranchID] = append(m.messages[msg.BranchID], clone)
	return nil
}

func (m *Memory) ListMessages(ctx context.Context, branchID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[branchID]
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *Memory) ListMessagesSince(ctx context.Context, branchID string, after time.Time) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Message
	for _, msg := range m.messages[branchID] {
		if msg.CreatedAt.After(after) {
			out = append(out, cloneMessage(msg))
		}
	}
	return out, nil
}

func (m *Memory) ListMessagesFrom(ctx context.Context, branchID, messageID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Message
	found := false
	for _, msg := range m.messages[branchID] {
		if msg.ID == messageID {
			found = true
		}
		if found {
			out = append(out, cloneMessage(msg))
		}
	}
	if !found {
		return nil, ErrMessageNotFound
	}
	return out, nil
}

func (m *Memory) SetTurnDuration(ctx context.Context, messageID string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == messageID {
				msg.TurnDurationMS = d.Milliseconds()
				return nil
			}
		}
	}
	return ErrMessageNotFound
}

func (m *Memory) AppendEvent(ctx context.Context, event models.Event) (*models.EventEnvelope, error) {
	if event == nil {
		return nil, errors.New("event is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	env := &models.EventEnvelope{
		ID:        m.nextEventID,
		CreatedAt: time.Now(),
		Event:     event,
	}
	m.events = append(m.events, env)
	return env, nil
}

func (m *Memory) ListEvents(ctx context.Context, filter EventFilter) ([]*models.EventEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.EventEnvelope
	for _, env := range m.events {
		if !filter.Matches(env) {
			continue
		}
		out = append(out, env)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LatestEventID(ctx context.Context, filter EventFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest int64
	for _, env := range m.events {
		if filter.Matches(env) && env.ID > latest {
			latest = env.ID
		}
	}
	return latest, nil
}

func (m *Memory) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[cp.BranchID]; !ok {
		return ErrBranchNotFound
	}
	clone := *cp
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	cp.ID = clone.ID
	cp.CreatedAt = clone.CreatedAt
	m.checkpoints[cp.BranchID] = append(m.checkpoints[cp.BranchID], &clone)
	return nil
}

func (m *Memory) LatestCheckpoint(ctx context.Context, branchID string) (*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.checkpoints[branchID]
	if len(cps) == 0 {
		return nil, nil
	}
	clone := *cps[len(cps)-1]
	return &clone, nil
}

func (m *Memory) SavePermissionRules(ctx context.Context, rules []models.PermissionRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]models.PermissionRule(nil), rules...)
	return nil
}

func (m *Memory) ListPermissionRules(ctx context.Context) ([]models.PermissionRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.PermissionRule(nil), m.rules...), nil
}

func (m *Memory) Close() error { return nil }

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	clone.Parts = append([]models.Part(nil), msg.Parts...)
	return &clone
}
