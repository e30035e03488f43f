// Package permission gates tool execution. An ordered rule list resolves most
// calls; unresolved calls defer to an external handler ("ask"), and a session
// can bypass the gate entirely.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Request describes a tool call awaiting a permission decision.
type Request struct {
	SessionID string
	BranchID  string
	ToolName  string

	// Input is the serialised tool argument JSON the rules match against.
	Input []byte
}

// Handler resolves "ask" outcomes, typically by prompting a user. Returning
// an error denies the call.
type Handler interface {
	Request(ctx context.Context, req Request) (allowed bool, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (bool, error)

func (f HandlerFunc) Request(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// DenyAll is the handler of last resort: with nobody to ask, the call is
// denied.
var DenyAll Handler = HandlerFunc(func(context.Context, Request) (bool, error) {
	return false, nil
})

// Engine evaluates permission rules in insertion order; the first matching
// rule wins and unmatched calls default to ask.
type Engine struct {
	store   store.Store
	handler Handler
	logger  *slog.Logger

	mu    sync.RWMutex
	rules []models.PermissionRule
	regex map[string]*regexp.Regexp
}

// NewEngine builds an engine with the given rules. A nil handler falls back
// to DenyAll.
func NewEngine(st store.Store, handler Handler, logger *slog.Logger) *Engine {
	if handler == nil {
		handler = DenyAll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		handler: handler,
		logger:  logger,
		regex:   map[string]*regexp.Regexp{},
	}
}

// Load replaces the in-memory rule set with the persisted one.
func (e *Engine) Load(ctx context.Context) error {
	rules, err := e.store.ListPermissionRules(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// Rules returns a copy of the current rule set in evaluation order.
func (e *Engine) Rules() []models.PermissionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.PermissionRule(nil), e.rules...)
}

// AddRule appends a rule and persists the updated set.
func (e *Engine) AddRule(ctx context.Context, rule models.PermissionRule) error {
	if rule.Pattern != "" {
		if _, err := e.compile(rule.Pattern); err != nil {
			return fmt.Errorf("invalid rule pattern %q: %w", rule.Pattern, err)
		}
	}
	e.mu.Lock()
	e.rules = append(e.rules, rule)
	rules := append([]models.PermissionRule(nil), e.rules...)
	e.mu.Unlock()
	return e.store.SavePermissionRules(ctx, rules)
}

// RemoveRule deletes the first rule for the tool and persists the set. A
// non-empty pattern narrows the match to the rule carrying that pattern; an
// empty pattern removes the tool's first rule regardless of its pattern.
func (e *Engine) RemoveRule(ctx context.Context, tool, pattern string) error {
	e.mu.Lock()
	index := -1
	for i, rule := range e.rules {
		if rule.Tool != tool {
			continue
		}
		if pattern != "" && rule.Pattern != pattern {
			continue
		}
		index = i
		break
	}
	if index < 0 {
		e.mu.Unlock()
		return fmt.Errorf("no permission rule for tool %q", tool)
	}
	e.rules = append(e.rules[:index], e.rules[index+1:]...)
	rules := append([]models.PermissionRule(nil), e.rules...)
	e.mu.Unlock()
	return e.store.SavePermissionRules(ctx, rules)
}

// Check decides whether the call may run. Bypass skips rules and handler
// both. Handler errors and cancelled contexts deny.
func (e *Engine) Check(ctx context.Context, req Request, bypass bool) (bool, error) {
	if bypass {
		return true, nil
	}

	action := e.resolve(req)
	switch action {
	case models.PermissionAllow:
		return true, nil
	case models.PermissionDeny:
		return false, nil
	}

	allowed, err := e.handler.Request(ctx, req)
	if err != nil {
		e.logger.Warn("permission handler failed, denying",
			"tool", req.ToolName, "error", err)
		return false, nil
	}
	return allowed, nil
}

func (e *Engine) resolve(req Request) models.PermissionAction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rule := range e.rules {
		if rule.Tool != req.ToolName {
			continue
		}
		if rule.Pattern != "" {
			re, err := e.compileLocked(rule.Pattern)
			if err != nil {
				// An unparseable pattern never matches.
				continue
			}
			if !re.Match(req.Input) {
				continue
			}
		}
		return rule.Action
	}
	return models.PermissionAsk
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	re, err := e.compileLocked(pattern)
	if err == nil {
		e.regex[pattern] = re
	}
	return re, err
}

// compileLocked caches compiled patterns. Callers hold at least a read lock;
// the map write under RLock is avoided by recompiling on the miss path.
func (e *Engine) compileLocked(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.regex[pattern]; ok {
		return re, nil
	}
	return regexp.Compile(pattern)
}
