package engine

import (
	"sync"

	"github.com/haasonsaas/conduit/pkg/models"
)

// SteeringQueue collects steering commands addressed to a running loop. It
// never blocks the sender; the loop drains it at stream chunk boundaries and
// between iterations.
type SteeringQueue struct {
	mu      sync.Mutex
	pending []models.SteerCommand

	// signal wakes the loop without blocking the enqueuer.
	signal chan struct{}
}

// NewSteeringQueue creates an empty queue.
func NewSteeringQueue() *SteeringQueue {
	return &SteeringQueue{signal: make(chan struct{}, 1)}
}

// Push appends a command and wakes the loop.
func (q *SteeringQueue) Push(cmd models.SteerCommand) {
	q.mu.Lock()
	q.pending = append(q.pending, cmd)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest command.
func (q *SteeringQueue) Pop() (models.SteerCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return models.SteerCommand{}, false
	}
	cmd := q.pending[0]
	q.pending = q.pending[1:]
	return cmd, true
}

// PopInterrupting removes and returns the oldest interrupting command,
// leaving non-interrupting ones queued for the next iteration boundary.
func (q *SteeringQueue) PopInterrupting() (models.SteerCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cmd := range q.pending {
		if cmd.Interrupting() {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return cmd, true
		}
	}
	return models.SteerCommand{}, false
}

// Len returns the number of queued commands.
func (q *SteeringQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Signal exposes the wake-up channel for select loops.
func (q *SteeringQueue) Signal() <-chan struct{} {
	return q.signal
}

// Clear drops all queued commands.
func (q *SteeringQueue) Clear() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}
