// Package core is the harness façade: session and branch lifecycle, message
// submission, steering, checkpoints, and event subscriptions. It owns the
// per-(session, branch) loop instances and routes every operation to the
// right one.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conduit/internal/agents"
	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/internal/checkpoint"
	"github.com/haasonsaas/conduit/internal/engine"
	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/permission"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

// ErrBranchMismatch is returned when a branch does not belong to the named
// session.
var ErrBranchMismatch = errors.New("branch does not belong to session")

// nameLimit truncates generated session names.
const nameLimit = 80

// Options tunes the façade and the loops it creates.
type Options struct {
	SystemPrompt    string
	FollowUpLimit   int
	ToolConcurrency int
	MaxIterations   int
	EmitReasoning   bool
	RetryPolicy     backoff.Policy

	// UtilityModel is the cheap model used for session naming, branch
	// summaries, and compaction. Empty selects the provider default.
	UtilityModel string
}

// Deps collects the façade's collaborators.
type Deps struct {
	Store       store.Store
	Bus         *events.Bus
	Provider    engine.Provider
	Agents      *agents.Registry
	Checkpoints *checkpoint.Service
	Permissions *permission.Engine
	Registry    *engine.ToolRegistry
	Logger      *slog.Logger
}

// Core is the harness entry point. Safe for concurrent use.
type Core struct {
	deps   Deps
	opts   Options
	runner *engine.Runner
	logger *slog.Logger

	mu       sync.Mutex
	loops    map[string]*engine.Loop
	sessions map[string]*models.Session

	naming sync.WaitGroup
}

// New builds the façade.
func New(deps Deps, opts Options) *Core {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.ToolConcurrency <= 0 {
		opts.ToolConcurrency = engine.DefaultToolConcurrency
	}
	if opts.RetryPolicy == (backoff.Policy{}) {
		opts.RetryPolicy = backoff.Provider()
	}
	return &Core{
		deps:     deps,
		opts:     opts,
		runner:   engine.NewRunner(deps.Registry, deps.Permissions, deps.Logger),
		logger:   deps.Logger,
		loops:    map[string]*engine.Loop{},
		sessions: map[string]*models.Session{},
	}
}

// CreateSessionParams configures a new session.
type CreateSessionParams struct {
	Name              string
	WorkingDir        string
	BypassPermissions bool

	// FirstMessage, when set, starts a turn on the main branch without
	// blocking the call.
	FirstMessage string
}

// CreateSession creates a session with a main branch. When FirstMessage is
// set the first turn starts immediately and, absent an explicit name, a
// background task names the session from it.
func (c *Core) CreateSession(ctx context.Context, params CreateSessionParams) (*models.Session, *models.Branch, error) {
	now := time.Now()
	session := &models.Session{
		ID:                uuid.NewString(),
		Name:              params.Name,
		WorkingDir:        params.WorkingDir,
		BypassPermissions: params.BypassPermissions,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.deps.Store.CreateSession(ctx, session); err != nil {
		return nil, nil, err
	}
	branch := &models.Branch{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Name:      "main",
		CreatedAt: now,
	}
	if err := c.deps.Store.CreateBranch(ctx, branch); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	c.sessions[session.ID] = session
	c.mu.Unlock()

	if params.FirstMessage != "" {
		loop, err := c.loopFor(ctx, session.ID, branch.ID)
		if err != nil {
			return nil, nil, err
		}
		if _, err := loop.Submit(ctx, params.FirstMessage); err != nil {
			return nil, nil, err
		}
		if params.Name == "" {
			c.naming.Add(1)
			go func() {
				defer c.naming.Done()
				c.nameSession(session.ID, params.FirstMessage)
			}()
		}
	}
	return session, branch, nil
}

// GetSession returns the session.
func (c *Core) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return c.deps.Store.GetSession(ctx, id)
}

// ListSessions returns all sessions.
func (c *Core) ListSessions(ctx context.Context) ([]*models.Session, error) {
	return c.deps.Store.ListSessions(ctx)
}

// ResumeSession returns the most recent session for a working directory.
func (c *Core) ResumeSession(ctx context.Context, workingDir string) (*models.Session, error) {
	return c.deps.Store.LastSessionByWorkingDir(ctx, workingDir)
}

// DeleteSession stops the session's loops and removes it with all branches,
// messages, and checkpoints.
func (c *Core) DeleteSession(ctx context.Context, id string) error {
	c.mu.Lock()
	var closing []*engine.Loop
	for key, loop := range c.loops {
		if strings.HasPrefix(key, id+"/") {
			closing = append(closing, loop)
			delete(c.loops, key)
		}
	}
	delete(c.sessions, id)
	c.mu.Unlock()

	for _, loop := range closing {
		loop.Close()
	}
	return c.deps.Store.DeleteSession(ctx, id)
}

// UpdateSessionBypass toggles the session's permission bypass.
func (c *Core) UpdateSessionBypass(ctx context.Context, id string, bypass bool) error {
	session, err := c.session(ctx, id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	session.BypassPermissions = bypass
	session.UpdatedAt = time.Now()
	c.mu.Unlock()
	return c.deps.Store.UpdateSession(ctx, session)
}

// CreateBranch adds an empty branch to the session.
func (c *Core) CreateBranch(ctx context.Context, sessionID, name string) (*models.Branch, error) {
	if _, err := c.session(ctx, sessionID); err != nil {
		return nil, err
	}
	branch := &models.Branch{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := c.deps.Store.CreateBranch(ctx, branch); err != nil {
		return nil, err
	}
	return branch, nil
}

// ForkBranch creates a branch rooted at a message of the source branch. The
// shared prefix up to and including the fork message is copied with fresh
// message ids so the new branch owns its history.
func (c *Core) ForkBranch(ctx context.Context, sessionID, sourceBranchID, atMessageID, name string) (*models.Branch, error) {
	source, err := c.branchOf(ctx, sessionID, sourceBranchID)
	if err != nil {
		return nil, err
	}
	history, err := c.deps.Store.ListMessages(ctx, source.ID)
	if err != nil {
		return nil, err
	}
	cut := -1
	for i, msg := range history {
		if msg.ID == atMessageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, fmt.Errorf("fork point %s: %w", atMessageID, store.ErrMessageNotFound)
	}

	branch := &models.Branch{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		ParentBranchID:  source.ID,
		ParentMessageID: atMessageID,
		Name:            name,
		CreatedAt:       time.Now(),
	}
	if err := c.deps.Store.CreateBranch(ctx, branch); err != nil {
		return nil, err
	}
	for _, msg := range history[:cut+1] {
		copied := *msg
		copied.ID = models.NewMessageID()
		copied.BranchID = branch.ID
		copied.Parts = append([]models.Part(nil), msg.Parts...)
		if err := c.deps.Store.CreateMessage(ctx, &copied); err != nil {
			return nil, err
		}
	}
	return branch, nil
}

// SwitchBranch records a branch switch. When summarize is true the branch
// being left gets a short generated summary; summarisation failures degrade
// to a switch without one.
func (c *Core) SwitchBranch(ctx context.Context, sessionID, fromBranchID, toBranchID string, summarize bool) error {
	if _, err := c.branchOf(ctx, sessionID, fromBranchID); err != nil {
		return err
	}
	if _, err := c.branchOf(ctx, sessionID, toBranchID); err != nil {
		return err
	}

	if summarize {
		if summary, err := c.summarizeBranch(ctx, fromBranchID); err != nil {
			c.logger.Warn("branch summary failed", "branch", fromBranchID, "error", err)
		} else if summary != "" {
			if err := c.deps.Store.UpdateBranchSummary(ctx, fromBranchID, summary); err != nil {
				c.logger.Warn("branch summary save failed", "branch", fromBranchID, "error", err)
			}
		}
	}

	_, err := c.deps.Bus.Publish(ctx, &models.BranchSwitched{
		SessionID:    sessionID,
		FromBranchID: fromBranchID,
		ToBranchID:   toBranchID,
	})
	return err
}

// GetBranchTree returns the session's branch hierarchy with message counts.
func (c *Core) GetBranchTree(ctx context.Context, sessionID string) ([]*models.BranchTreeNode, error) {
	branches, err := c.deps.Store.ListBranches(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*models.BranchTreeNode, len(branches))
	for _, branch := range branches {
		count, err := c.deps.Store.CountMessages(ctx, branch.ID)
		if err != nil {
			return nil, err
		}
		nodes[branch.ID] = &models.BranchTreeNode{Branch: branch, MessageCount: count}
	}
	var roots []*models.BranchTreeNode
	for _, branch := range branches {
		node := nodes[branch.ID]
		if parent, ok := nodes[branch.ParentBranchID]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots, nil
}

// SendMessage submits a user message to the branch's loop. A model override
// is recorded on the branch and applies from the next provider call.
func (c *Core) SendMessage(ctx context.Context, sessionID, branchID, text, modelOverride string) (*models.Message, error) {
	loop, err := c.loopFor(ctx, sessionID, branchID)
	if err != nil {
		return nil, err
	}
	if modelOverride != "" {
		if err := c.deps.Store.UpdateBranchModel(ctx, branchID, modelOverride); err != nil {
			return nil, err
		}
		loop.SetPreferredModel(modelOverride)
	}
	return loop.Submit(ctx, text)
}

// ListMessages returns the branch's messages in order.
func (c *Core) ListMessages(ctx context.Context, sessionID, branchID string) ([]*models.Message, error) {
	if _, err := c.branchOf(ctx, sessionID, branchID); err != nil {
		return nil, err
	}
	return c.deps.Store.ListMessages(ctx, branchID)
}

// SessionState is a point-in-time view of one branch's loop.
type SessionState struct {
	SessionID   string       `json:"session_id"`
	BranchID    string       `json:"branch_id"`
	State       engine.State `json:"state"`
	ActiveAgent string       `json:"active_agent"`
	QueueDepth  int          `json:"queue_depth"`
	IsStreaming bool         `json:"is_streaming"`
}

// GetSessionState reports the branch's loop state. IsStreaming is derived
// from the event log: a StreamStarted with no later StreamEnded.
func (c *Core) GetSessionState(ctx context.Context, sessionID, branchID string) (*SessionState, error) {
	if _, err := c.branchOf(ctx, sessionID, branchID); err != nil {
		return nil, err
	}
	state := &SessionState{
		SessionID:   sessionID,
		BranchID:    branchID,
		State:       engine.StateIdle,
		ActiveAgent: models.BaselineAgent,
	}

	c.mu.Lock()
	loop := c.loops[loopKey(sessionID, branchID)]
	c.mu.Unlock()
	if loop != nil {
		state.State = loop.State()
		state.ActiveAgent = loop.Agent()
		state.QueueDepth = loop.QueueDepth()
	}

	streamEvents, err := c.deps.Store.ListEvents(ctx, store.EventFilter{
		SessionID: sessionID,
		BranchID:  branchID,
		Kinds:     []string{(&models.StreamStarted{}).Tag(), (&models.StreamEnded{}).Tag()},
	})
	if err != nil {
		return nil, err
	}
	if len(streamEvents) > 0 {
		_, started := streamEvents[len(streamEvents)-1].Event.(*models.StreamStarted)
		state.IsStreaming = started
	}
	return state, nil
}

// Steer routes a steering command to the target loop.
func (c *Core) Steer(ctx context.Context, cmd models.SteerCommand) error {
	loop, err := c.loopFor(ctx, cmd.SessionID, cmd.BranchID)
	if err != nil {
		return err
	}
	return loop.Steer(ctx, cmd)
}

// ApprovePlan records a plan checkpoint for the branch and announces it.
func (c *Core) ApprovePlan(ctx context.Context, sessionID, branchID, planPath string) (*models.Checkpoint, error) {
	if _, err := c.branchOf(ctx, sessionID, branchID); err != nil {
		return nil, err
	}
	cp, err := c.deps.Checkpoints.ConfirmPlan(ctx, sessionID, branchID, planPath)
	if err != nil {
		return nil, err
	}
	if _, err := c.deps.Bus.Publish(ctx, &models.PlanConfirmed{
		EventScope:   models.BranchScope(sessionID, branchID),
		PlanPath:     planPath,
		CheckpointID: cp.ID,
	}); err != nil {
		return nil, err
	}
	return cp, nil
}

// CompactBranch summarises the history before firstKeptMessageID into a
// compaction checkpoint. Subsequent turns send the summary plus the kept
// suffix instead of the full transcript.
func (c *Core) CompactBranch(ctx context.Context, sessionID, branchID, firstKeptMessageID string) (*models.Checkpoint, error) {
	if _, err := c.branchOf(ctx, sessionID, branchID); err != nil {
		return nil, err
	}
	history, err := c.deps.Store.ListMessages(ctx, branchID)
	if err != nil {
		return nil, err
	}
	cut := -1
	for i, msg := range history {
		if msg.ID == firstKeptMessageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, fmt.Errorf("first kept message %s: %w", firstKeptMessageID, store.ErrMessageNotFound)
	}

	scope := models.BranchScope(sessionID, branchID)
	if _, err := c.deps.Bus.Publish(ctx, &models.CompactionStarted{EventScope: scope}); err != nil {
		return nil, err
	}

	summary, err := c.summarizeMessages(ctx, history[:cut])
	if err != nil {
		return nil, fmt.Errorf("compaction summary: %w", err)
	}
	cp, err := c.deps.Checkpoints.RecordCompaction(ctx, sessionID, branchID, summary, firstKeptMessageID)
	if err != nil {
		return nil, err
	}
	if _, err := c.deps.Bus.Publish(ctx, &models.CompactionCompleted{
		EventScope:         scope,
		CheckpointID:       cp.ID,
		FirstKeptMessageID: firstKeptMessageID,
	}); err != nil {
		return nil, err
	}
	return cp, nil
}

// SubscribeEvents opens an event subscription with catch-up from afterID.
func (c *Core) SubscribeEvents(ctx context.Context, sessionID, branchID string, afterID int64) (<-chan *models.EventEnvelope, func(), error) {
	return c.deps.Bus.Subscribe(ctx, sessionID, branchID, afterID)
}

// Close stops all loops and releases the store.
func (c *Core) Close() error {
	c.mu.Lock()
	loops := make([]*engine.Loop, 0, len(c.loops))
	for _, loop := range c.loops {
		loops = append(loops, loop)
	}
	c.loops = map[string]*engine.Loop{}
	c.mu.Unlock()

	for _, loop := range loops {
		loop.Close()
	}
	c.naming.Wait()
	return c.deps.Store.Close()
}

func loopKey(sessionID, branchID string) string {
	return sessionID + "/" + branchID
}

// loopFor returns the loop for the branch, creating it on first use.
func (c *Core) loopFor(ctx context.Context, sessionID, branchID string) (*engine.Loop, error) {
	c.mu.Lock()
	if loop, ok := c.loops[loopKey(sessionID, branchID)]; ok {
		c.mu.Unlock()
		return loop, nil
	}
	c.mu.Unlock()

	session, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	branch, err := c.branchOf(ctx, sessionID, branchID)
	if err != nil {
		return nil, err
	}

	// Each loop gets its own executor so the per-loop serial lock and the
	// start/done callbacks stay isolated.
	executor := engine.NewExecutor(c.runner, c.deps.Registry, c.opts.ToolConcurrency, c.logger)
	loop, err := engine.NewLoop(ctx, session, branch, engine.LoopDeps{
		Store:       c.deps.Store,
		Bus:         c.deps.Bus,
		Provider:    c.deps.Provider,
		Agents:      c.deps.Agents,
		Checkpoints: c.deps.Checkpoints,
		Executor:    executor,
		Registry:    c.deps.Registry,
		Logger:      c.logger,
	}, engine.LoopConfig{
		SystemPrompt:  c.opts.SystemPrompt,
		MaxIterations: c.opts.MaxIterations,
		FollowUpLimit: c.opts.FollowUpLimit,
		EmitReasoning: c.opts.EmitReasoning,
		RetryPolicy:   c.opts.RetryPolicy,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.loops[loopKey(sessionID, branchID)]; ok {
		// Raced with another creator; theirs wins.
		return existing, nil
	}
	c.loops[loopKey(sessionID, branchID)] = loop
	return loop, nil
}

// session returns the canonical in-process session object so live loops see
// flag updates.
func (c *Core) session(ctx context.Context, id string) (*models.Session, error) {
	c.mu.Lock()
	if session, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		return session, nil
	}
	c.mu.Unlock()

	session, err := c.deps.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sessions[id]; ok {
		return existing, nil
	}
	c.sessions[id] = session
	return session, nil
}

func (c *Core) branchOf(ctx context.Context, sessionID, branchID string) (*models.Branch, error) {
	branch, err := c.deps.Store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if branch.SessionID != sessionID {
		return nil, fmt.Errorf("branch %s: %w", branchID, ErrBranchMismatch)
	}
	return branch, nil
}

// nameSession titles a session from its first message with the utility
// model. Failures only log; the session keeps its empty name.
func (c *Core) nameSession(sessionID, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	name, err := c.complete(ctx,
		"Reply with a short title (at most six words) for a conversation that starts with the following message. Reply with the title only.",
		firstMessage)
	if err != nil {
		c.logger.Warn("session naming failed", "session", sessionID, "error", err)
		return
	}
	name = strings.TrimSpace(strings.Trim(strings.TrimSpace(name), `"`))
	if name == "" {
		return
	}
	if len(name) > nameLimit {
		name = name[:nameLimit]
	}

	session, err := c.session(ctx, sessionID)
	if err != nil {
		return
	}
	c.mu.Lock()
	session.Name = name
	session.UpdatedAt = time.Now()
	c.mu.Unlock()
	if err := c.deps.Store.UpdateSession(ctx, session); err != nil {
		c.logger.Warn("session naming save failed", "session", sessionID, "error", err)
	}
}

// summarizeBranch condenses a branch transcript for the switch summary.
func (c *Core) summarizeBranch(ctx context.Context, branchID string) (string, error) {
	msgs, err := c.deps.Store.ListMessages(ctx, branchID)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return c.summarizeMessages(ctx, msgs)
}

func (c *Core) summarizeMessages(ctx context.Context, msgs []*models.Message) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}
	var transcript strings.Builder
	for _, msg := range msgs {
		text := msg.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, text)
	}
	return c.complete(ctx,
		"Summarise the following conversation in a few sentences, keeping decisions, open questions, and important facts.",
		transcript.String())
}

// complete runs one non-streaming-style utility completion on the cheap
// model and returns the accumulated text.
func (c *Core) complete(ctx context.Context, system, prompt string) (string, error) {
	model := c.opts.UtilityModel
	if model == "" {
		model = c.deps.Provider.DefaultModel()
	}
	req := &engine.ProviderRequest{
		Model:        model,
		SystemPrompt: system,
		Messages: []*models.Message{{
			Role:  models.RoleUser,
			Parts: []models.Part{models.TextPart(prompt)},
		}},
		MaxTokens: 1024,
	}
	stream, err := engine.OpenStream(ctx, c.deps.Provider, req, c.opts.RetryPolicy)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		text.WriteString(chunk.Text)
	}
	return text.String(), nil
}
