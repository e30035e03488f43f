// Package events fans durable harness events out to live subscribers. Every
// event is appended to the store before any subscriber sees it, so a
// subscriber that replays the log from its last seen id never misses one.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/conduit/internal/metrics"
	"github.com/haasonsaas/conduit/internal/store"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Bus publishes events durably and streams them to subscribers.
type Bus struct {
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int64]*subscriber
	nextSub int64
}

// subscriber buffers events between publisher fanout and consumer reads so a
// slow consumer never blocks Publish.
type subscriber struct {
	sessionID string
	branchID  string

	mu      sync.Mutex
	pending []*models.EventEnvelope
	// live is false while the subscriber is still catching up from storage;
	// published envelopes queue in pending until the cut-over.
	live   bool
	signal chan struct{}
	closed bool

	// lastID is the highest id handed to out. An envelope that was appended
	// before the catch-up read but fanned out after the cut-over arrives in
	// pending with an id the read already covered; the pump drops it here.
	lastID int64

	out chan *models.EventEnvelope
}

// NewBus creates a bus backed by the given store.
func NewBus(st store.Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:  st,
		logger: logger,
		subs:   map[int64]*subscriber{},
	}
}

// Publish appends the event to the durable log and fans the envelope out to
// matching subscribers. The envelope is returned with its assigned id.
// Append and fanout form one critical section so envelopes reach subscriber
// queues in id order; the pump's dedup then closes the remaining window
// where a Subscribe catch-up read overlaps an in-flight Publish.
func (b *Bus) Publish(ctx context.Context, event models.Event) (*models.EventEnvelope, error) {
	b.mu.Lock()
	env, err := b.store.AppendEvent(ctx, event)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	metrics.EventsPublished.WithLabelValues(event.Tag()).Inc()
	for _, sub := range b.subs {
		if sub.matches(event) {
			sub.enqueue(env)
		}
	}
	b.mu.Unlock()
	return env, nil
}

// matches reports whether the subscriber should receive the event. Events
// without a branch id are session-wide and reach every branch subscriber of
// the session.
func (s *subscriber) matches(event models.Event) bool {
	if event.EventSessionID() != s.sessionID {
		return false
	}
	if s.branchID == "" {
		return true
	}
	branch := event.EventBranchID()
	return branch == "" || branch == s.branchID
}

func (s *subscriber) enqueue(env *models.EventEnvelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, env)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Subscribe streams events for a (session, branch) pair, starting with every
// stored event whose id exceeds afterID and continuing live with no gap and
// no duplicate. An empty branchID subscribes to the whole session. The
// returned cancel func releases the subscription; the channel closes when the
// context ends or cancel is called.
func (b *Bus) Subscribe(ctx context.Context, sessionID, branchID string, afterID int64) (<-chan *models.EventEnvelope, func(), error) {
	sub := &subscriber{
		sessionID: sessionID,
		branchID:  branchID,
		signal:    make(chan struct{}, 1),
		lastID:    afterID,
		out:       make(chan *models.EventEnvelope, 64),
	}

	// Register before reading the log so nothing published during the
	// catch-up read is lost; those envelopes queue in pending.
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = sub
	b.mu.Unlock()

	stored, err := b.store.ListEvents(ctx, store.EventFilter{
		SessionID: sessionID,
		BranchID:  branchID,
		AfterID:   afterID,
	})
	if err != nil {
		b.remove(id, sub)
		return nil, nil, err
	}

	// Cut over to live delivery: stored events go first, then any queued
	// envelopes newer than the last stored id.
	maxStored := afterID
	if len(stored) > 0 {
		maxStored = stored[len(stored)-1].ID
	}
	sub.mu.Lock()
	queued := sub.pending
	sub.pending = stored
	for _, env := range queued {
		if env.ID > maxStored {
			sub.pending = append(sub.pending, env)
		}
	}
	sub.live = true
	sub.mu.Unlock()
	select {
	case sub.signal <- struct{}{}:
	default:
	}

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.remove(id, sub)
		})
	}

	go sub.pump(ctx, done)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return sub.out, cancel, nil
}

// pump moves queued envelopes to the consumer channel in order.
func (s *subscriber) pump(ctx context.Context, done <-chan struct{}) {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next *models.EventEnvelope
		if s.live && len(s.pending) > 0 {
			next = s.pending[0]
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-s.signal:
				continue
			}
		}
		if next.ID <= s.lastID {
			continue
		}
		s.lastID = next.ID

		select {
		case s.out <- next:
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

func (b *Bus) remove(id int64, sub *subscriber) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}
