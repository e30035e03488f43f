package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/permission"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

func newTestExecutor(t *testing.T, concurrency int, tools ...Tool) (*Executor, *ToolRegistry) {
	t.Helper()
	registry := NewToolRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	allow := permission.HandlerFunc(func(context.Context, permission.Request) (bool, error) {
		return true, nil
	})
	runner := NewRunner(registry, permission.NewEngine(store.NewMemory(), allow, nil), nil)
	return NewExecutor(runner, registry, concurrency, nil), registry
}

func TestExecuteAllPreservesOrder(t *testing.T) {
	tool := &fakeTool{name: "echo", conc: Parallel, fn: func(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error) {
		var in struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		// Later calls finish first.
		time.Sleep(time.Duration(10-in.N) * time.Millisecond)
		return in.N, nil
	}}
	executor, _ := newTestExecutor(t, 4, tool)

	calls := make([]models.ToolCall, 5)
	for i := range calls {
		calls[i] = models.ToolCall{
			ID:    fmt.Sprintf("tc-%d", i),
			Name:  "echo",
			Input: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}
	}
	results := executor.ExecuteAll(context.Background(), calls, ToolContext{})

	if len(results) != 5 {
		t.Fatalf("got %d results", len(results))
	}
	for i, result := range results {
		if result.ToolCallID != calls[i].ID {
			t.Fatalf("slot %d holds %s, want %s", i, result.ToolCallID, calls[i].ID)
		}
		var n int
		if err := json.Unmarshal(result.Output.Value, &n); err != nil || n != i {
			t.Fatalf("slot %d value %s", i, result.Output.Value)
		}
	}
}

func TestExecuteAllConcurrencyLimit(t *testing.T) {
	var active, peak int64
	tool := &fakeTool{name: "busy", conc: Parallel, fn: func(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error) {
		n := atomic.AddInt64(&active, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return nil, nil
	}}
	executor, _ := newTestExecutor(t, 2, tool)

	calls := make([]models.ToolCall, 6)
	for i := range calls {
		calls[i] = models.ToolCall{ID: fmt.Sprintf("tc-%d", i), Name: "busy", Input: json.RawMessage(`{}`)}
	}
	executor.ExecuteAll(context.Background(), calls, ToolContext{})

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Fatalf("peak concurrency %d exceeds limit 2", got)
	}
}

func TestSerialToolsNeverOverlap(t *testing.T) {
	var mu sync.Mutex
	inSerial := false
	overlapped := false
	serial := &fakeTool{name: "serial", conc: Serial, fn: func(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error) {
		mu.Lock()
		if inSerial {
			overlapped = true
		}
		inSerial = true
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inSerial = false
		mu.Unlock()
		return nil, nil
	}}
	executor, _ := newTestExecutor(t, 8, serial)

	calls := make([]models.ToolCall, 4)
	for i := range calls {
		calls[i] = models.ToolCall{ID: fmt.Sprintf("tc-%d", i), Name: "serial", Input: json.RawMessage(`{}`)}
	}
	executor.ExecuteAll(context.Background(), calls, ToolContext{})

	if overlapped {
		t.Fatal("serial tools ran concurrently")
	}
}

func TestExecutorPanicIsolated(t *testing.T) {
	boom := &fakeTool{name: "boom", conc: Parallel, fn: func(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error) {
		panic("kaboom")
	}}
	fine := &fakeTool{name: "fine", conc: Parallel}
	executor, _ := newTestExecutor(t, 4, boom, fine)

	results := executor.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "tc-1", Name: "boom", Input: json.RawMessage(`{}`)},
		{ID: "tc-2", Name: "fine", Input: json.RawMessage(`{}`)},
	}, ToolContext{})

	if !results[0].Output.IsError() {
		t.Fatal("panicking tool must report an error result")
	}
	if results[1].Output.IsError() {
		t.Fatalf("healthy tool affected by sibling panic: %s", results[1].Output.ErrorMessage())
	}
}

func TestExecutorCancellationMarksInterrupted(t *testing.T) {
	started := make(chan struct{})
	slow := &fakeTool{name: "slow", conc: Parallel, fn: func(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	executor, _ := newTestExecutor(t, 4, slow)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	results := executor.ExecuteAll(ctx, []models.ToolCall{
		{ID: "tc-1", Name: "slow", Input: json.RawMessage(`{}`)},
	}, ToolContext{})

	if !results[0].Output.IsError() {
		t.Fatal("cancelled tool must report an error")
	}
	if msg := results[0].Output.ErrorMessage(); msg != "tool execution interrupted" {
		t.Fatalf("got %q", msg)
	}
}

func TestExecuteAllGatedSkipsUnstartedOnly(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs int64
	slow := &fakeTool{name: "slow", conc: Parallel, fn: func(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error) {
		if atomic.AddInt64(&runs, 1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	// Concurrency 1 keeps the second call queued behind the first.
	executor, _ := newTestExecutor(t, 1, slow)

	admit, closeAdmission := context.WithCancel(context.Background())
	go func() {
		<-started
		closeAdmission()
		close(release)
	}()
	results := executor.ExecuteAllGated(context.Background(), admit, []models.ToolCall{
		{ID: "tc-1", Name: "slow", Input: json.RawMessage(`{}`)},
		{ID: "tc-2", Name: "slow", Input: json.RawMessage(`{}`)},
	}, ToolContext{})

	// Either call may have won the semaphore; exactly one ran to completion
	// and the other was skipped without executing.
	var finished, skipped int
	for _, result := range results {
		switch {
		case !result.Output.IsError():
			finished++
		case result.Output.ErrorMessage() == "tool execution interrupted":
			skipped++
		default:
			t.Fatalf("unexpected result: %+v", result)
		}
	}
	if finished != 1 || skipped != 1 {
		t.Fatalf("got %d finished, %d skipped; want 1 and 1", finished, skipped)
	}
	if got := atomic.LoadInt64(&runs); got != 1 {
		t.Fatalf("skipped call must never execute, ran %d times", got)
	}
}

func TestExecutorCallbacks(t *testing.T) {
	tool := &fakeTool{name: "cb", conc: Parallel}
	executor, _ := newTestExecutor(t, 4, tool)

	var mu sync.Mutex
	var started, done []string
	executor.OnStart = func(call models.ToolCall) {
		mu.Lock()
		started = append(started, call.ID)
		mu.Unlock()
	}
	executor.OnDone = func(call models.ToolCall, result models.ToolResultPart) {
		mu.Lock()
		done = append(done, result.ToolCallID)
		mu.Unlock()
	}

	executor.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "tc-1", Name: "cb", Input: json.RawMessage(`{}`)},
		{ID: "tc-2", Name: "cb", Input: json.RawMessage(`{}`)},
	}, ToolContext{})

	if len(started) != 2 || len(done) != 2 {
		t.Fatalf("callbacks fired %d/%d times", len(started), len(done))
	}
}
