package progress

import (
	"context"
	"sync"
	"time"

	"github.com/evolvedtroglodyte/therabridge/internal/types"
)

// Entry is the externally visible progress of one session.
type Entry struct {
	SessionID string              `json:"session_id"`
	Status    types.SessionStatus `json:"status"`
	Progress  int                 `json:"progress"`
	Message   string              `json:"message"`
	// Seconds; zero once a terminal status is reached.
	EstimatedTimeRemaining float64   `json:"estimated_time_remaining"`
	Error                  string    `json:"error,omitempty"`
	UpdatedAt              time.Time `json:"updated_at"`
}

func (e Entry) Terminal() bool {
	return e.Status == types.StatusProcessed || e.Status == types.StatusFailed
}

// subscriber buffers updates so a slow consumer cannot stall the pipeline.
// When the buffer is full the oldest undelivered update is dropped; the
// per-session delivery order of what does arrive is preserved.
type subscriber struct {
	ch     chan Entry
	closed bool
}

const subscriberBuffer = 32

// Tracker is the process-wide progress store: updated by orchestrator runs,
// polled and subscribed to by any number of observers, swept by TTL.
type Tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	sweep   time.Duration
	entries map[string]Entry
	subs    map[string]map[int]*subscriber
	nextSub int

	now func() time.Time
}

func NewTracker(ttl, sweepInterval time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Tracker{
		ttl:     ttl,
		sweep:   sweepInterval,
		entries: map[string]Entry{},
		subs:    map[string]map[int]*subscriber{},
		now:     time.Now,
	}
}

// Update records the session's current stage and fans it out to subscribers.
func (t *Tracker) Update(sessionID string, status types.SessionStatus, progress int, message string, etaSeconds float64) {
	t.publish(Entry{
		SessionID:              sessionID,
		Status:                 status,
		Progress:               progress,
		Message:                message,
		EstimatedTimeRemaining: etaSeconds,
	})
}

// Fail records a terminal failure, keeping the last reported progress value.
func (t *Tracker) Fail(sessionID, errMsg string) {
	t.mu.Lock()
	progress := 0
	if prev, ok := t.entries[sessionID]; ok {
		progress = prev.Progress
	}
	t.mu.Unlock()

	t.publish(Entry{
		SessionID: sessionID,
		Status:    types.StatusFailed,
		Progress:  progress,
		Message:   errMsg,
		Error:     errMsg,
	})
}

func (t *Tracker) publish(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.UpdatedAt = t.now()
	t.entries[e.SessionID] = e

	for _, sub := range t.subs[e.SessionID] {
		if sub.closed {
			continue
		}
		for {
			select {
			case sub.ch <- e:
			default:
				// Full buffer: drop the oldest and retry so the
				// latest state always lands.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Get returns the entry for sessionID, if it exists and has not expired.
func (t *Tracker) Get(sessionID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	if !ok || t.now().Sub(e.UpdatedAt) > t.ttl {
		return Entry{}, false
	}
	return e, true
}

// Subscribe registers for every future update of sessionID. The returned
// cancel func always removes the subscription and closes the channel; it is
// safe to call more than once. The channel is also closed when the entry
// expires or is removed.
func (t *Tracker) Subscribe(sessionID string) (<-chan Entry, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	sub := &subscriber{ch: make(chan Entry, subscriberBuffer)}
	if t.subs[sessionID] == nil {
		t.subs[sessionID] = map[int]*subscriber{}
	}
	t.subs[sessionID][id] = sub

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.closeSubscriber(sessionID, id)
	}
	return sub.ch, cancel
}

// closeSubscriber must be called with t.mu held.
func (t *Tracker) closeSubscriber(sessionID string, id int) {
	subs := t.subs[sessionID]
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(t.subs, sessionID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Remove drops a session's entry and its subscribers immediately, without
// waiting for the TTL sweep. Used once a terminal event has been delivered.
func (t *Tracker) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, sessionID)
	for id := range t.subs[sessionID] {
		t.closeSubscriber(sessionID, id)
	}
}

// Sweep removes entries older than the TTL and returns how many were
// dropped. Exposed for tests; Run calls it periodically.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	removed := 0
	for id, e := range t.entries {
		if e.UpdatedAt.Before(cutoff) {
			delete(t.entries, id)
			for subID := range t.subs[id] {
				t.closeSubscriber(id, subID)
			}
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries until ctx ends. Memory stays bounded even when
// consumers abandon sessions without unsubscribing.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
