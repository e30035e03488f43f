package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/agents"
	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/internal/checkpoint"
	"github.com/haasonsaas/conduit/internal/engine"
	"github.com/haasonsaas/conduit/internal/events"
	"github.com/haasonsaas/conduit/internal/permission"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

const utilityModel = "utility-model"

// fakeProvider replays scripted chunk sequences. Requests for the utility
// model consume utility scripts so background naming and summaries do not
// race turn scripts.
type fakeProvider struct {
	mu       sync.Mutex
	scripts  [][]*engine.StreamChunk
	utility  [][]*engine.StreamChunk
	requests []*engine.ProviderRequest
}

func (p *fakeProvider) Name() string         { return "fake" }
func (p *fakeProvider) DefaultModel() string { return "fake-model" }

func (p *fakeProvider) Stream(ctx context.Context, req *engine.ProviderRequest) (<-chan *engine.StreamChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var script []*engine.StreamChunk
	if req.Model == utilityModel {
		if len(p.utility) > 0 {
			script = p.utility[0]
			p.utility = p.utility[1:]
		}
	} else if len(p.scripts) > 0 {
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	p.mu.Unlock()

	out := make(chan *engine.StreamChunk)
	go func() {
		defer close(out)
		for _, chunk := range script {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *fakeProvider) turnRequests() []*engine.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*engine.ProviderRequest
	for _, req := range p.requests {
		if req.Model != utilityModel {
			out = append(out, req)
		}
	}
	return out
}

func say(text string) *engine.StreamChunk { return &engine.StreamChunk{Text: text} }

func finish() *engine.StreamChunk {
	return &engine.StreamChunk{Finish: &engine.Finish{Reason: engine.FinishEndTurn}}
}

func newCore(t *testing.T, provider *fakeProvider) *Core {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus(st, nil)
	allow := permission.HandlerFunc(func(context.Context, permission.Request) (bool, error) {
		return true, nil
	})
	return New(Deps{
		Store:       st,
		Bus:         bus,
		Provider:    provider,
		Agents:      agents.NewRegistry(),
		Checkpoints: checkpoint.NewService(st, nil),
		Permissions: permission.NewEngine(st, allow, nil),
		Registry:    engine.NewToolRegistry(),
	}, Options{
		UtilityModel: utilityModel,
		RetryPolicy: backoff.Policy{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Factor:       2,
			MaxAttempts:  2,
		},
	})
}

// waitIdle blocks until the branch's loop finished its current run.
func waitIdle(t *testing.T, c *Core, sessionID, branchID string) {
	t.Helper()
	c.mu.Lock()
	loop := c.loops[loopKey(sessionID, branchID)]
	c.mu.Unlock()
	if loop != nil {
		loop.Wait()
	}
}

func TestCreateSessionRunsFirstTurnAndNamesSession(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]*engine.StreamChunk{{say("hello there"), finish()}},
		utility: [][]*engine.StreamChunk{{say(`"Greeting Chat"`)}},
	}
	c := newCore(t, provider)

	session, branch, err := c.CreateSession(context.Background(), CreateSessionParams{
		WorkingDir:   "/tmp/project",
		FirstMessage: "hi",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	waitIdle(t, c, session.ID, branch.ID)
	c.naming.Wait()

	msgs, err := c.ListMessages(context.Background(), session.ID, branch.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Role != models.RoleAssistant || msgs[1].Text() != "hello there" {
		t.Fatalf("unexpected transcript: %d messages", len(msgs))
	}

	stored, err := c.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.Name != "Greeting Chat" {
		t.Fatalf("got session name %q", stored.Name)
	}
}

func TestCreateSessionExplicitNameSkipsNaming(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]*engine.StreamChunk{{say("ok"), finish()}},
	}
	c := newCore(t, provider)

	session, branch, err := c.CreateSession(context.Background(), CreateSessionParams{
		Name:         "fixed",
		FirstMessage: "hi",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	waitIdle(t, c, session.ID, branch.ID)
	c.naming.Wait()

	stored, _ := c.GetSession(context.Background(), session.ID)
	if stored.Name != "fixed" {
		t.Fatalf("got name %q", stored.Name)
	}
	if utilCalls := len(provider.requests) - len(provider.turnRequests()); utilCalls != 0 {
		t.Fatalf("naming ran %d utility calls for an explicitly named session", utilCalls)
	}
}

func TestForkBranchCopiesPrefixWithFreshIDs(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*engine.StreamChunk{
		{say("first"), finish()},
		{say("second"), finish()},
	}}
	c := newCore(t, provider)

	session, branch, err := c.CreateSession(context.Background(), CreateSessionParams{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for _, text := range []string{"one", "two"} {
		if _, err := c.SendMessage(context.Background(), session.ID, branch.ID, text, ""); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		waitIdle(t, c, session.ID, branch.ID)
	}
	source, err := c.ListMessages(context.Background(), session.ID, branch.ID)
	if err != nil || len(source) != 4 {
		t.Fatalf("source transcript: %d messages, err %v", len(source), err)
	}

	// Fork at the first assistant message: copies the first exchange only.
	fork, err := c.ForkBranch(context.Background(), session.ID, branch.ID, source[1].ID, "alt")
	if err != nil {
		t.Fatalf("ForkBranch: %v", err)
	}
	copied, err := c.ListMessages(context.Background(), session.ID, fork.ID)
	if err != nil {
		t.Fatalf("ListMessages fork: %v", err)
	}
	if len(copied) != 2 {
		t.Fatalf("fork owns %d messages, want 2", len(copied))
	}
	for i, msg := range copied {
		if msg.ID == source[i].ID {
			t.Fatalf("message %d kept the source id", i)
		}
		if msg.BranchID != fork.ID || msg.Text() != source[i].Text() {
			t.Fatalf("copy %d mismatched: %+v", i, msg)
		}
	}
	if fork.ParentBranchID != branch.ID || fork.ParentMessageID != source[1].ID {
		t.Fatalf("fork point not recorded: %+v", fork)
	}
}

func TestForkBranchUnknownMessage(t *testing.T) {
	c := newCore(t, &fakeProvider{})
	session, branch, _ := c.CreateSession(context.Background(), CreateSessionParams{})
	if _, err := c.ForkBranch(context.Background(), session.ID, branch.ID, "missing", "alt"); err == nil {
		t.Fatal("expected error for unknown fork point")
	}
}

func TestSwitchBranchSummarizesAndPublishes(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]*engine.StreamChunk{{say("answer"), finish()}},
		utility: [][]*engine.StreamChunk{{say("talked about answers")}},
	}
	c := newCore(t, provider)

	session, branch, _ := c.CreateSession(context.Background(), CreateSessionParams{})
	if _, err := c.SendMessage(context.Background(), session.ID, branch.ID, "q", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, c, session.ID, branch.ID)

	other, err := c.CreateBranch(context.Background(), session.ID, "other")
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := c.SwitchBranch(context.Background(), session.ID, branch.ID, other.ID, true); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}

	updated, err := c.deps.Store.GetBranch(context.Background(), branch.ID)
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if updated.Summary != "talked about answers" {
		t.Fatalf("got summary %q", updated.Summary)
	}

	envs, err := c.deps.Store.ListEvents(context.Background(), store.EventFilter{
		SessionID: session.ID,
		Kinds:     []string{"BranchSwitched"},
	})
	if err != nil || len(envs) != 1 {
		t.Fatalf("BranchSwitched events: %d, err %v", len(envs), err)
	}
	sw := envs[0].Event.(*models.BranchSwitched)
	if sw.FromBranchID != branch.ID || sw.ToBranchID != other.ID {
		t.Fatalf("switch scope: %+v", sw)
	}
}

func TestGetBranchTree(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*engine.StreamChunk{{say("a"), finish()}}}
	c := newCore(t, provider)

	session, main, _ := c.CreateSession(context.Background(), CreateSessionParams{})
	if _, err := c.SendMessage(context.Background(), session.ID, main.ID, "hello", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, c, session.ID, main.ID)

	msgs, _ := c.ListMessages(context.Background(), session.ID, main.ID)
	fork, err := c.ForkBranch(context.Background(), session.ID, main.ID, msgs[0].ID, "side")
	if err != nil {
		t.Fatalf("ForkBranch: %v", err)
	}

	tree, err := c.GetBranchTree(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetBranchTree: %v", err)
	}
	if len(tree) != 1 || tree[0].Branch.ID != main.ID {
		t.Fatalf("tree roots: %+v", tree)
	}
	root := tree[0]
	if root.MessageCount != 2 {
		t.Fatalf("main count %d", root.MessageCount)
	}
	if len(root.Children) != 1 || root.Children[0].Branch.ID != fork.ID || root.Children[0].MessageCount != 1 {
		t.Fatalf("children: %+v", root.Children)
	}
}

func TestSendMessageModelOverride(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*engine.StreamChunk{{say("ok"), finish()}}}
	c := newCore(t, provider)

	session, branch, _ := c.CreateSession(context.Background(), CreateSessionParams{})
	if _, err := c.SendMessage(context.Background(), session.ID, branch.ID, "go", "special-model"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, c, session.ID, branch.ID)

	turns := provider.turnRequests()
	if len(turns) != 1 || turns[0].Model != "special-model" {
		t.Fatalf("turn model: %+v", turns)
	}
	stored, _ := c.deps.Store.GetBranch(context.Background(), branch.ID)
	if stored.PreferredModel != "special-model" {
		t.Fatalf("override not persisted: %q", stored.PreferredModel)
	}
}

func TestApprovePlan(t *testing.T) {
	c := newCore(t, &fakeProvider{})
	session, branch, _ := c.CreateSession(context.Background(), CreateSessionParams{})

	cp, err := c.ApprovePlan(context.Background(), session.ID, branch.ID, "/tmp/plan.md")
	if err != nil {
		t.Fatalf("ApprovePlan: %v", err)
	}
	if cp.Type != models.CheckpointPlan || cp.PlanPath != "/tmp/plan.md" {
		t.Fatalf("checkpoint: %+v", cp)
	}
	envs, _ := c.deps.Store.ListEvents(context.Background(), store.EventFilter{
		SessionID: session.ID,
		Kinds:     []string{"PlanConfirmed"},
	})
	if len(envs) != 1 || envs[0].Event.(*models.PlanConfirmed).CheckpointID != cp.ID {
		t.Fatalf("PlanConfirmed events: %+v", envs)
	}
}

func TestCompactBranch(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]*engine.StreamChunk{
			{say("one"), finish()},
			{say("two"), finish()},
		},
		utility: [][]*engine.StreamChunk{{say("early history summary")}},
	}
	c := newCore(t, provider)

	session, branch, _ := c.CreateSession(context.Background(), CreateSessionParams{})
	for _, text := range []string{"first", "second"} {
		if _, err := c.SendMessage(context.Background(), session.ID, branch.ID, text, ""); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		waitIdle(t, c, session.ID, branch.ID)
	}
	msgs, _ := c.ListMessages(context.Background(), session.ID, branch.ID)
	firstKept := msgs[2].ID // second user message

	cp, err := c.CompactBranch(context.Background(), session.ID, branch.ID, firstKept)
	if err != nil {
		t.Fatalf("CompactBranch: %v", err)
	}
	if cp.Summary != "early history summary" || cp.FirstKeptMessageID != firstKept {
		t.Fatalf("checkpoint: %+v", cp)
	}

	tags := []string{}
	envs, _ := c.deps.Store.ListEvents(context.Background(), store.EventFilter{
		SessionID: session.ID,
		BranchID:  branch.ID,
		Kinds:     []string{"CompactionStarted", "CompactionCompleted"},
	})
	for _, env := range envs {
		tags = append(tags, env.Event.Tag())
	}
	if len(tags) != 2 || tags[0] != "CompactionStarted" || tags[1] != "CompactionCompleted" {
		t.Fatalf("compaction events: %v", tags)
	}

	// The next turn window starts at the kept message with the summary prefix.
	tc, err := c.deps.Checkpoints.MessagesForTurn(context.Background(), branch.ID)
	if err != nil {
		t.Fatalf("MessagesForTurn: %v", err)
	}
	if len(tc.Messages) != 2 || tc.Messages[0].ID != firstKept {
		t.Fatalf("window: %d messages", len(tc.Messages))
	}
	if tc.ContextPrefix != "Previous context:\nearly history summary\n\n" {
		t.Fatalf("prefix %q", tc.ContextPrefix)
	}
}

func TestGetSessionState(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*engine.StreamChunk{{say("done"), finish()}}}
	c := newCore(t, provider)

	session, branch, _ := c.CreateSession(context.Background(), CreateSessionParams{})
	state, err := c.GetSessionState(context.Background(), session.ID, branch.ID)
	if err != nil {
		t.Fatalf("GetSessionState: %v", err)
	}
	if state.State != engine.StateIdle || state.IsStreaming {
		t.Fatalf("fresh branch state: %+v", state)
	}

	if _, err := c.SendMessage(context.Background(), session.ID, branch.ID, "hi", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, c, session.ID, branch.ID)

	state, err = c.GetSessionState(context.Background(), session.ID, branch.ID)
	if err != nil {
		t.Fatalf("GetSessionState: %v", err)
	}
	if state.State != engine.StateIdle || state.IsStreaming {
		t.Fatalf("settled state: %+v", state)
	}
	if state.ActiveAgent != models.BaselineAgent {
		t.Fatalf("agent %q", state.ActiveAgent)
	}
}

func TestBranchMismatchRejected(t *testing.T) {
	c := newCore(t, &fakeProvider{})
	sessionA, _, _ := c.CreateSession(context.Background(), CreateSessionParams{})
	_, branchB, _ := c.CreateSession(context.Background(), CreateSessionParams{})

	if _, err := c.ListMessages(context.Background(), sessionA.ID, branchB.ID); err == nil {
		t.Fatal("cross-session branch access must fail")
	}
}

func TestDeleteSessionStopsLoopsAndCascades(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*engine.StreamChunk{{say("x"), finish()}}}
	c := newCore(t, provider)

	session, branch, _ := c.CreateSession(context.Background(), CreateSessionParams{})
	if _, err := c.SendMessage(context.Background(), session.ID, branch.ID, "hi", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitIdle(t, c, session.ID, branch.ID)

	if err := c.DeleteSession(context.Background(), session.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := c.GetSession(context.Background(), session.ID); err == nil {
		t.Fatal("session should be gone")
	}
	c.mu.Lock()
	remaining := len(c.loops)
	c.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("%d loops left after delete", remaining)
	}
}
