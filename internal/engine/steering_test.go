package engine

import (
	"testing"

	"github.com/haasonsaas/conduit/pkg/models"
)

func TestSteeringQueueOrder(t *testing.T) {
	q := NewSteeringQueue()
	q.Push(models.SteerCommand{Kind: models.SteerSwitchAgent, AgentName: "a"})
	q.Push(models.SteerCommand{Kind: models.SteerInterrupt})
	q.Push(models.SteerCommand{Kind: models.SteerCancel})

	if q.Len() != 3 {
		t.Fatalf("got len %d", q.Len())
	}
	cmd, ok := q.Pop()
	if !ok || cmd.Kind != models.SteerSwitchAgent {
		t.Fatalf("got %+v", cmd)
	}
}

func TestSteeringQueuePopInterruptingSkipsSwitches(t *testing.T) {
	q := NewSteeringQueue()
	q.Push(models.SteerCommand{Kind: models.SteerSwitchAgent, AgentName: "a"})
	q.Push(models.SteerCommand{Kind: models.SteerInterject, Content: "now"})

	cmd, ok := q.PopInterrupting()
	if !ok || cmd.Kind != models.SteerInterject {
		t.Fatalf("got %+v", cmd)
	}
	// The switch stays queued for the iteration boundary.
	if q.Len() != 1 {
		t.Fatalf("got len %d, want the switch left behind", q.Len())
	}
	if _, ok := q.PopInterrupting(); ok {
		t.Fatal("no interrupting command should remain")
	}
}

func TestSteeringQueueSignalNonBlocking(t *testing.T) {
	q := NewSteeringQueue()
	// Many pushes with nobody draining must not block.
	for i := 0; i < 100; i++ {
		q.Push(models.SteerCommand{Kind: models.SteerInterrupt})
	}
	select {
	case <-q.Signal():
	default:
		t.Fatal("signal should be pending")
	}
	q.Clear()
	if q.Len() != 0 {
		t.Fatal("clear must empty the queue")
	}
}
