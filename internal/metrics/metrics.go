// Package metrics registers the harness Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ToolExecutions counts tool runs by tool name and outcome.
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "tools",
		Name:      "executions_total",
		Help:      "Tool executions by tool name and outcome.",
	}, []string{"tool", "outcome"})

	// ToolDuration observes tool run latency.
	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conduit",
		Subsystem: "tools",
		Name:      "duration_seconds",
		Help:      "Tool execution latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"tool"})

	// TurnsCompleted counts finished turns by how they ended.
	TurnsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "loop",
		Name:      "turns_total",
		Help:      "Completed turns by outcome (completed, interrupted, failed).",
	}, []string{"outcome"})

	// ProviderRetries counts retried provider stream openings.
	ProviderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "provider",
		Name:      "retries_total",
		Help:      "Provider call retries by provider name.",
	}, []string{"provider"})

	// ProviderTokens counts tokens reported by provider usage data.
	ProviderTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "provider",
		Name:      "tokens_total",
		Help:      "Token usage by provider and direction (input, output).",
	}, []string{"provider", "direction"})

	// FollowUpQueueDepth tracks queued follow-up messages per branch.
	FollowUpQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conduit",
		Subsystem: "loop",
		Name:      "follow_up_queue_depth",
		Help:      "Messages waiting in the follow-up queue.",
	}, []string{"branch"})

	// EventsPublished counts durable event appends by event tag.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events appended to the log by tag.",
	}, []string{"tag"})

	// SubagentRuns counts sub-agent executions by result.
	SubagentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "subagent",
		Name:      "runs_total",
		Help:      "Sub-agent runs by outcome (success, failure).",
	}, []string{"outcome"})
)
