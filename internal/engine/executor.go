package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/metrics"
	"github.com/haasonsaas/conduit/pkg/models"
)

// DefaultToolConcurrency bounds how many parallel-class tools of one turn
// iteration run at once.
const DefaultToolConcurrency = 8

// Executor fans a batch of tool calls out to the runner and returns results
// in call order. Parallel tools share a semaphore; serial tools additionally
// hold the loop's serial lock so at most one runs at a time across the
// executor's lifetime.
type Executor struct {
	runner      *Runner
	registry    *ToolRegistry
	concurrency int
	logger      *slog.Logger

	serialMu sync.Mutex

	// OnStart and OnDone, when set, observe each call around execution.
	// They run on the executing goroutine.
	OnStart func(call models.ToolCall)
	OnDone  func(call models.ToolCall, result models.ToolResultPart)
}

// NewExecutor creates an executor. concurrency <= 0 selects the default.
func NewExecutor(runner *Runner, registry *ToolRegistry, concurrency int, logger *slog.Logger) *Executor {
	if concurrency <= 0 {
		concurrency = DefaultToolConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner:      runner,
		registry:    registry,
		concurrency: concurrency,
		logger:      logger,
	}
}

// ExecuteAll runs every call and returns one result per call, in the same
// order. It blocks until all calls finish; cancelling the context makes
// still-running tools report interruption.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall, tc ToolContext) []models.ToolResultPart {
	return e.ExecuteAllGated(ctx, ctx, calls, tc)
}

// ExecuteAllGated is ExecuteAll with a separate admission context. Once admit
// ends, calls that have not begun executing are skipped with an interrupted
// result; calls already executing keep running under ctx and finish normally.
func (e *Executor) ExecuteAllGated(ctx, admit context.Context, calls []models.ToolCall, tc ToolContext) []models.ToolResultPart {
	results := make([]models.ToolResultPart, len(calls))
	if len(calls) == 0 {
		return results
	}

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(slot int, call models.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			serial := false
			if tool := e.registry.Get(call.Name); tool != nil && tool.Concurrency() == Serial {
				serial = true
			}
			if serial {
				e.serialMu.Lock()
				defer e.serialMu.Unlock()
			}

			// Re-check after the semaphore and serial-lock waits: admission
			// may have closed while this call was queued. Skipped calls fire
			// no callbacks.
			if admit.Err() != nil {
				results[slot] = models.ToolResultPart{
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Output:     models.ErrorOutput("tool execution interrupted"),
				}
				return
			}

			results[slot] = e.runOne(ctx, call, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Executor) runOne(ctx context.Context, call models.ToolCall, tc ToolContext) models.ToolResultPart {
	if e.OnStart != nil {
		e.OnStart(call)
	}
	start := time.Now()
	result := e.runner.Run(ctx, call, tc)
	elapsed := time.Since(start)

	outcome := "success"
	if result.Output.IsError() {
		outcome = "error"
	}
	metrics.ToolExecutions.WithLabelValues(call.Name, outcome).Inc()
	metrics.ToolDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
	e.logger.Debug("tool finished",
		"tool", call.Name, "outcome", outcome, "elapsed", elapsed)

	if e.OnDone != nil {
		e.OnDone(call, result)
	}
	return result
}
