package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/agents"
	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/internal/checkpoint"
	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/metrics"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

// State is the loop's lifecycle phase.
type State string

const (
	// StateIdle means no turn is running and the follow-up queue is empty.
	StateIdle State = "idle"

	// StateRunning means a turn is in flight.
	StateRunning State = "running"

	// StateInterrupted is the transient phase between an interrupting steer
	// taking effect and the loop settling on its next turn or idling.
	StateInterrupted State = "interrupted"
)

// ErrFollowUpQueueFull is returned when a message arrives while the loop is
// running and the follow-up queue is at capacity.
var ErrFollowUpQueueFull = errors.New("follow-up queue full")

// DefaultFollowUpLimit bounds the follow-up queue.
const DefaultFollowUpLimit = 100

// defaultMaxIterations bounds provider round-trips within one turn.
const defaultMaxIterations = 50

// toolSummaryLimit truncates tool result summaries in events.
const toolSummaryLimit = 100

// LoopConfig tunes one loop instance.
type LoopConfig struct {
	SystemPrompt string

	// MaxIterations bounds stream/tool cycles per turn; <= 0 selects the
	// default.
	MaxIterations int

	// FollowUpLimit bounds the queue; <= 0 selects the default.
	FollowUpLimit int

	// EmitReasoning requests reasoning chunks from the provider and relays
	// them as flagged StreamChunk events.
	EmitReasoning bool

	// KeepFollowUpsOnCancel preserves queued follow-ups across SteerCancel.
	// The default matches SteerCancel's contract: discard them.
	KeepFollowUpsOnCancel bool

	// RetryPolicy applies to opening provider streams. Zero value selects
	// the provider profile.
	RetryPolicy backoff.Policy
}

// Loop runs the agentic cycle for one (session, branch) pair. A loop owns
// its branch: at most one turn is in flight, additional messages queue as
// follow-ups, and steering commands take effect at chunk boundaries.
type Loop struct {
	session *models.Session
	branch  *models.Branch

	store       store.Store
	bus         *events.Bus
	provider    Provider
	agents      *agents.Registry
	checkpoints *checkpoint.Service
	executor    *Executor
	registry    *ToolRegistry
	logger      *slog.Logger
	cfg         LoopConfig

	steer *SteeringQueue

	mu           sync.Mutex
	state        State
	followUps    []*followUp
	currentAgent string
	runCancel    context.CancelFunc
	wg           sync.WaitGroup
}

// followUp is a queued message and whether it has reached the store. Queued
// messages stay in memory until their turn begins, so a Cancel that discards
// the queue leaves no trace in the transcript. Interjections arrive already
// persisted.
type followUp struct {
	msg       *models.Message
	persisted bool
}

// LoopDeps collects the loop's collaborators.
type LoopDeps struct {
	Store       store.Store
	Bus         *events.Bus
	Provider    Provider
	Agents      *agents.Registry
	Checkpoints *checkpoint.Service
	Executor    *Executor
	Registry    *ToolRegistry
	Logger      *slog.Logger
}

// NewLoop creates an idle loop for the branch. The active agent is recovered
// from the event log so restarts keep agent switches.
func NewLoop(ctx context.Context, session *models.Session, branch *models.Branch, deps LoopDeps, cfg LoopConfig) (*Loop, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.FollowUpLimit <= 0 {
		cfg.FollowUpLimit = DefaultFollowUpLimit
	}
	if cfg.RetryPolicy == (backoff.Policy{}) {
		cfg.RetryPolicy = backoff.Provider()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", session.ID, "branch", branch.ID)

	l := &Loop{
		session:      session,
		branch:       branch,
		store:        deps.Store,
		bus:          deps.Bus,
		provider:     deps.Provider,
		agents:       deps.Agents,
		checkpoints:  deps.Checkpoints,
		executor:     deps.Executor,
		registry:     deps.Registry,
		logger:       logger,
		cfg:          cfg,
		steer:        NewSteeringQueue(),
		state:        StateIdle,
		currentAgent: models.BaselineAgent,
	}

	// Recover the active agent from the last switch on this branch.
	switches, err := deps.Store.ListEvents(ctx, store.EventFilter{
		SessionID: session.ID,
		BranchID:  branch.ID,
		Kinds:     []string{(&models.AgentSwitched{}).Tag()},
	})
	if err != nil {
		return nil, err
	}
	if len(switches) > 0 {
		if sw, ok := switches[len(switches)-1].Event.(*models.AgentSwitched); ok {
			l.currentAgent = sw.ToAgent
		}
	}
	return l, nil
}

// State returns the loop's current phase.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Agent returns the active agent definition name.
func (l *Loop) Agent() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentAgent
}

// SetPreferredModel records a model override for subsequent iterations.
func (l *Loop) SetPreferredModel(model string) {
	l.mu.Lock()
	l.branch.PreferredModel = model
	l.mu.Unlock()
}

// QueueDepth returns the number of queued follow-up messages.
func (l *Loop) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.followUps)
}

// Submit admits a user message. An idle loop persists it and starts a turn;
// a running loop queues it as a follow-up, persisted only when its turn
// begins so a Cancel can discard it without leaving a transcript entry.
func (l *Loop) Submit(ctx context.Context, text string) (*models.Message, error) {
	msg := models.NewUserMessage(l.session.ID, l.branch.ID, text)

	l.mu.Lock()
	if l.state != StateIdle {
		if len(l.followUps) >= l.cfg.FollowUpLimit {
			l.mu.Unlock()
			return nil, ErrFollowUpQueueFull
		}
		l.followUps = append(l.followUps, &followUp{msg: msg})
		metrics.FollowUpQueueDepth.WithLabelValues(l.branch.ID).Set(float64(len(l.followUps)))
		l.mu.Unlock()
		return msg, nil
	}
	l.mu.Unlock()

	if err := l.persistAndAnnounce(ctx, msg); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateIdle {
		l.startLocked(msg)
		return msg, nil
	}
	// Another Submit started a turn while this message was being persisted.
	// It is already durable, so it queues as a persisted follow-up.
	if len(l.followUps) >= l.cfg.FollowUpLimit {
		return nil, ErrFollowUpQueueFull
	}
	l.followUps = append(l.followUps, &followUp{msg: msg, persisted: true})
	metrics.FollowUpQueueDepth.WithLabelValues(l.branch.ID).Set(float64(len(l.followUps)))
	return msg, nil
}

// Steer delivers a steering command to the loop. Steering an idle loop only
// applies agent switches; interrupting commands are dropped with a log line.
func (l *Loop) Steer(ctx context.Context, cmd models.SteerCommand) error {
	l.mu.Lock()
	idle := l.state == StateIdle
	l.mu.Unlock()

	if idle {
		if cmd.Kind == models.SteerSwitchAgent {
			return l.switchAgent(ctx, cmd.AgentName)
		}
		if cmd.Kind == models.SteerInterject {
			// Nothing to interrupt; run it as a regular message.
			_, err := l.Submit(ctx, cmd.Content)
			return err
		}
		l.logger.Debug("steer ignored on idle loop", "kind", cmd.Kind)
		return nil
	}
	l.steer.Push(cmd)
	return nil
}

// Close interrupts any running turn and waits for the loop to stop.
func (l *Loop) Close() {
	l.mu.Lock()
	cancel := l.runCancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

// Wait blocks until the loop is idle. Test helper semantics: it returns when
// the current run goroutine (if any) exits.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// startLocked transitions to running and launches the run goroutine.
// Callers hold l.mu.
func (l *Loop) startLocked(first *models.Message) {
	runCtx, cancel := context.WithCancel(context.Background())
	l.state = StateRunning
	l.runCancel = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		l.run(runCtx, first)
	}()
}

// run processes the first message and then drains follow-ups until the queue
// is empty or a cancel discards it.
func (l *Loop) run(ctx context.Context, first *models.Message) {
	current := &followUp{msg: first, persisted: true}
	for current != nil {
		outcome := turnFailed
		if l.admit(ctx, current) {
			outcome = l.runTurn(ctx, current.msg)
		}

		l.mu.Lock()
		if outcome == turnCancelled && !l.cfg.KeepFollowUpsOnCancel {
			l.followUps = nil
		}
		if ctx.Err() != nil {
			l.followUps = nil
		}
		if len(l.followUps) > 0 {
			current = l.followUps[0]
			l.followUps = l.followUps[1:]
			l.state = StateRunning
		} else {
			current = nil
			l.state = StateIdle
			l.runCancel = nil
		}
		metrics.FollowUpQueueDepth.WithLabelValues(l.branch.ID).Set(float64(len(l.followUps)))
		l.mu.Unlock()
	}
	l.steer.Clear()
}

// admit persists a dequeued follow-up before its turn starts. A message that
// cannot be persisted does not get a turn.
func (l *Loop) admit(ctx context.Context, f *followUp) bool {
	if f.persisted {
		return true
	}
	if err := l.persistAndAnnounce(ctx, f.msg); err != nil {
		l.logger.Error("persist follow-up failed", "error", err)
		l.publish(context.WithoutCancel(ctx), &models.ErrorOccurred{
			EventScope: l.scope(),
			Error:      err.Error(),
		})
		return false
	}
	f.persisted = true
	return true
}

type turnOutcome int

const (
	turnCompleted turnOutcome = iota
	turnFailed
	turnCancelled
	turnInterrupted
	turnInterjected
	turnStopped // loop context cancelled (shutdown)
)

func (l *Loop) scope() models.EventScope {
	return models.BranchScope(l.session.ID, l.branch.ID)
}

func (l *Loop) publish(ctx context.Context, event models.Event) {
	if _, err := l.bus.Publish(ctx, event); err != nil {
		l.logger.Error("event publish failed", "tag", event.Tag(), "error", err)
	}
}

// runTurn drives one turn: stream, persist, run tools, repeat until the
// model stops calling tools or steering ends the turn.
func (l *Loop) runTurn(ctx context.Context, userMsg *models.Message) turnOutcome {
	start := time.Now()

	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		l.applyQueuedSwitches(ctx)

		// An interrupting steer that arrived between iterations ends the
		// turn before the next provider call.
		if cmd, ok := l.steer.PopInterrupting(); ok {
			return l.finishInterrupted(ctx, userMsg, cmd, start)
		}

		req, err := l.buildRequest(ctx)
		if err != nil {
			return l.finishFailed(ctx, userMsg, err)
		}

		streamCtx, cancelStream := context.WithCancel(ctx)
		stream, err := OpenStream(streamCtx, l.provider, req, l.cfg.RetryPolicy)
		if err != nil {
			cancelStream()
			if ctx.Err() != nil {
				return turnStopped
			}
			return l.finishFailed(ctx, userMsg, err)
		}
		l.publish(ctx, &models.StreamStarted{EventScope: l.scope()})

		text, toolCalls, finish, steerCmd, streamErr := l.consumeStream(ctx, stream, cancelStream)
		cancelStream()

		if streamErr != nil && ctx.Err() == nil && steerCmd == nil {
			l.persistPartial(ctx, text)
			return l.finishFailed(ctx, userMsg, streamErr)
		}
		// StreamEnded precedes the partial assistant's MessageReceived.
		if ctx.Err() != nil {
			l.publish(context.Background(), &models.StreamEnded{EventScope: l.scope(), Interrupted: true})
			l.persistPartial(ctx, text)
			return turnStopped
		}
		if steerCmd != nil {
			l.publish(ctx, &models.StreamEnded{EventScope: l.scope(), Interrupted: true})
			l.persistPartial(ctx, text)
			return l.finishInterrupted(ctx, userMsg, *steerCmd, start)
		}

		ended := &models.StreamEnded{EventScope: l.scope()}
		if finish != nil {
			ended.InputTokens = finish.Usage.InputTokens
			ended.OutputTokens = finish.Usage.OutputTokens
			metrics.ProviderTokens.WithLabelValues(l.provider.Name(), "input").Add(float64(finish.Usage.InputTokens))
			metrics.ProviderTokens.WithLabelValues(l.provider.Name(), "output").Add(float64(finish.Usage.OutputTokens))
		}
		l.publish(ctx, ended)

		assistant := l.assistantMessage(text, toolCalls)
		if assistant != nil {
			if err := l.persistAndAnnounce(ctx, assistant); err != nil {
				return l.finishFailed(ctx, userMsg, err)
			}
		}

		if len(toolCalls) == 0 {
			return l.finishCompleted(ctx, userMsg, start)
		}

		interruptCmd := l.runTools(ctx, toolCalls)
		if ctx.Err() != nil {
			return turnStopped
		}
		if interruptCmd != nil {
			return l.finishInterrupted(ctx, userMsg, *interruptCmd, start)
		}
	}

	return l.finishFailed(ctx, userMsg,
		fmt.Errorf("turn exceeded %d iterations", l.cfg.MaxIterations))
}

// consumeStream reads chunks until the stream closes, an interrupting steer
// arrives, or the context ends.
func (l *Loop) consumeStream(ctx context.Context, stream <-chan *StreamChunk, cancelStream context.CancelFunc) (string, []models.ToolCall, *Finish, *models.SteerCommand, error) {
	var (
		text      strings.Builder
		toolCalls []models.ToolCall
		finish    *Finish
	)
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return text.String(), toolCalls, finish, nil, nil
			}
			switch {
			case chunk.Err != nil:
				return text.String(), toolCalls, finish, nil, chunk.Err
			case chunk.Text != "":
				text.WriteString(chunk.Text)
				l.publish(ctx, &models.StreamChunk{EventScope: l.scope(), Text: chunk.Text})
			case chunk.Reasoning != "":
				if l.cfg.EmitReasoning {
					l.publish(ctx, &models.StreamChunk{EventScope: l.scope(), Text: chunk.Reasoning, Reasoning: true})
				}
			case chunk.ToolCall != nil:
				toolCalls = append(toolCalls, *chunk.ToolCall)
			case chunk.Finish != nil:
				finish = chunk.Finish
			}

		case <-l.steer.Signal():
			cmd, ok := l.steer.PopInterrupting()
			if !ok {
				continue
			}
			cancelStream()
			for range stream {
				// Drain so the provider goroutine can exit.
			}
			return text.String(), toolCalls, finish, &cmd, nil

		case <-ctx.Done():
			cancelStream()
			for range stream {
			}
			return text.String(), toolCalls, finish, nil, ctx.Err()
		}
	}
}

// runTools executes the batch and persists the tool results message. It
// returns the interrupting steer that cut execution short, if any.
func (l *Loop) runTools(ctx context.Context, calls []models.ToolCall) *models.SteerCommand {
	// An interrupting steer must not cancel tools already executing; their
	// side effects may be irreversible. It only closes the admission gate so
	// calls that have not started are skipped.
	admitCtx, closeAdmission := context.WithCancel(ctx)
	defer closeAdmission()

	var (
		steerMu  sync.Mutex
		steerCmd *models.SteerCommand
	)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		for {
			select {
			case <-admitCtx.Done():
				return
			case <-l.steer.Signal():
				if cmd, ok := l.steer.PopInterrupting(); ok {
					steerMu.Lock()
					steerCmd = &cmd
					steerMu.Unlock()
					closeAdmission()
					return
				}
			}
		}
	}()

	scope := l.scope()
	l.executor.OnStart = func(call models.ToolCall) {
		l.publish(ctx, &models.ToolCallStarted{
			EventScope: scope,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
	}
	l.executor.OnDone = func(call models.ToolCall, result models.ToolResultPart) {
		l.publish(ctx, &models.ToolCallCompleted{
			EventScope: scope,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			IsError:    result.Output.IsError(),
			Summary:    SummariseOutput(result.Output),
			Output:     result.Output.Value,
		})
	}

	results := l.executor.ExecuteAllGated(ctx, admitCtx, calls, ToolContext{
		SessionID:  l.session.ID,
		BranchID:   l.branch.ID,
		WorkingDir: l.session.WorkingDir,
		Bypass:     l.session.BypassPermissions,
		Agent:      l.Agent(),
	})
	closeAdmission()
	<-watchDone

	parts := make([]models.Part, 0, len(results))
	for _, result := range results {
		parts = append(parts, models.ToolResultPartOf(result))
	}
	toolMsg := &models.Message{
		SessionID: l.session.ID,
		BranchID:  l.branch.ID,
		Role:      models.RoleTool,
		Kind:      models.KindRegular,
		Parts:     parts,
	}
	if err := l.persistAndAnnounce(ctx, toolMsg); err != nil {
		l.logger.Error("persist tool results failed", "error", err)
	}

	steerMu.Lock()
	defer steerMu.Unlock()
	return steerCmd
}

// buildRequest assembles the provider request from the checkpoint-derived
// context window and the active agent definition.
func (l *Loop) buildRequest(ctx context.Context) (*ProviderRequest, error) {
	tc, err := l.checkpoints.MessagesForTurn(ctx, l.branch.ID)
	if err != nil {
		return nil, err
	}

	agentName := l.Agent()
	def, err := l.agents.Get(agentName)
	if err != nil {
		l.logger.Warn("active agent missing, using baseline", "agent", agentName)
		def, _ = l.agents.Get(models.BaselineAgent)
	}

	l.mu.Lock()
	model := l.branch.PreferredModel
	l.mu.Unlock()
	if model == "" {
		model = def.PreferredModel
	}
	if model == "" {
		model = l.provider.DefaultModel()
	}

	system := l.cfg.SystemPrompt
	if def.SystemPromptAddendum != "" {
		if system != "" {
			system += "\n\n"
		}
		system += def.SystemPromptAddendum
	}

	return &ProviderRequest{
		Model:           model,
		SystemPrompt:    system,
		ContextPrefix:   tc.ContextPrefix,
		Messages:        tc.Messages,
		Tools:           l.registry.Descriptors(def.AllowsTool),
		Temperature:     def.Temperature,
		ReasoningEffort: def.ReasoningEffort,
		EmitReasoning:   l.cfg.EmitReasoning,
	}, nil
}

// applyQueuedSwitches processes non-interrupting steers waiting at the
// iteration boundary.
func (l *Loop) applyQueuedSwitches(ctx context.Context) {
	for {
		cmd, ok := l.popSwitch()
		if !ok {
			return
		}
		if err := l.switchAgent(ctx, cmd.AgentName); err != nil {
			l.logger.Warn("agent switch failed", "agent", cmd.AgentName, "error", err)
		}
	}
}

func (l *Loop) popSwitch() (models.SteerCommand, bool) {
	l.steer.mu.Lock()
	defer l.steer.mu.Unlock()
	for i, cmd := range l.steer.pending {
		if cmd.Kind == models.SteerSwitchAgent {
			l.steer.pending = append(l.steer.pending[:i], l.steer.pending[i+1:]...)
			return cmd, true
		}
	}
	return models.SteerCommand{}, false
}

func (l *Loop) switchAgent(ctx context.Context, name string) error {
	if _, err := l.agents.Get(name); err != nil {
		return err
	}
	l.mu.Lock()
	from := l.currentAgent
	l.currentAgent = name
	l.mu.Unlock()
	if from == name {
		return nil
	}
	l.publish(ctx, &models.AgentSwitched{
		EventScope: l.scope(),
		FromAgent:  from,
		ToAgent:    name,
	})
	return nil
}

// persistPartial flushes partial assistant text after an interruption.
func (l *Loop) persistPartial(ctx context.Context, text string) {
	if text == "" {
		return
	}
	msg := &models.Message{
		SessionID: l.session.ID,
		BranchID:  l.branch.ID,
		Role:      models.RoleAssistant,
		Kind:      models.KindRegular,
		Parts:     []models.Part{models.TextPart(text)},
	}
	// The run context may already be cancelled; persistence still matters.
	if err := l.persistAndAnnounce(context.WithoutCancel(ctx), msg); err != nil {
		l.logger.Error("persist partial assistant text failed", "error", err)
	}
}

func (l *Loop) assistantMessage(text string, toolCalls []models.ToolCall) *models.Message {
	if text == "" && len(toolCalls) == 0 {
		return nil
	}
	var parts []models.Part
	if text != "" {
		parts = append(parts, models.TextPart(text))
	}
	for _, call := range toolCalls {
		parts = append(parts, models.ToolCallPart(call))
	}
	return &models.Message{
		SessionID: l.session.ID,
		BranchID:  l.branch.ID,
		Role:      models.RoleAssistant,
		Kind:      models.KindRegular,
		Parts:     parts,
	}
}

func (l *Loop) persistAndAnnounce(ctx context.Context, msg *models.Message) error {
	if err := l.store.CreateMessage(ctx, msg); err != nil {
		return err
	}
	l.publish(ctx, &models.MessageReceived{
		EventScope: l.scope(),
		MessageID:  msg.ID,
		Role:       msg.Role,
	})
	return nil
}

func (l *Loop) finishCompleted(ctx context.Context, userMsg *models.Message, start time.Time) turnOutcome {
	elapsed := time.Since(start)
	if err := l.store.SetTurnDuration(ctx, userMsg.ID, elapsed); err != nil {
		l.logger.Error("record turn duration failed", "error", err)
	}
	l.publish(ctx, &models.TurnCompleted{
		EventScope: l.scope(),
		DurationMS: elapsed.Milliseconds(),
	})
	metrics.TurnsCompleted.WithLabelValues("completed").Inc()
	return turnCompleted
}

func (l *Loop) finishFailed(ctx context.Context, userMsg *models.Message, cause error) turnOutcome {
	l.logger.Error("turn failed", "error", cause)
	l.publish(context.WithoutCancel(ctx), &models.ErrorOccurred{
		EventScope: l.scope(),
		Error:      cause.Error(),
	})
	metrics.TurnsCompleted.WithLabelValues("failed").Inc()
	return turnFailed
}

// finishInterrupted applies the interrupting steer's semantics.
func (l *Loop) finishInterrupted(ctx context.Context, userMsg *models.Message, cmd models.SteerCommand, start time.Time) turnOutcome {
	l.mu.Lock()
	l.state = StateInterrupted
	l.mu.Unlock()

	elapsed := time.Since(start)
	if err := l.store.SetTurnDuration(ctx, userMsg.ID, elapsed); err != nil {
		l.logger.Error("record turn duration failed", "error", err)
	}

	switch cmd.Kind {
	case models.SteerInterject:
		// The interjection becomes the next turn; its completion closes the
		// combined exchange, so no TurnCompleted here.
		msg := models.NewUserMessage(l.session.ID, l.branch.ID, cmd.Content)
		msg.Kind = models.KindInterjection
		if err := l.persistAndAnnounce(ctx, msg); err != nil {
			l.logger.Error("persist interjection failed", "error", err)
			return turnInterrupted
		}
		l.mu.Lock()
		l.followUps = append([]*followUp{{msg: msg, persisted: true}}, l.followUps...)
		l.mu.Unlock()
		return turnInterjected

	case models.SteerCancel:
		l.publish(ctx, &models.TurnCompleted{
			EventScope:  l.scope(),
			DurationMS:  elapsed.Milliseconds(),
			Interrupted: true,
		})
		metrics.TurnsCompleted.WithLabelValues("interrupted").Inc()
		return turnCancelled

	default: // SteerInterrupt
		l.publish(ctx, &models.TurnCompleted{
			EventScope:  l.scope(),
			DurationMS:  elapsed.Milliseconds(),
			Interrupted: true,
		})
		metrics.TurnsCompleted.WithLabelValues("interrupted").Inc()
		return turnInterrupted
	}
}

// SummariseOutput reduces a tool output to its first line, truncated, for
// ToolCallCompleted events.
func SummariseOutput(output models.ToolOutput) string {
	text := string(output.Value)
	if output.IsError() {
		text = output.ErrorMessage()
	}
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if len(text) > toolSummaryLimit {
		text = text[:toolSummaryLimit]
	}
	return text
}
