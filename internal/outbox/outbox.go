// Package outbox implements the per-session work queue between the
// dispatcher and the workers: FIFO pending lists, a claimed-but-unacked
// processing set, long-poll claims, and stale-claim recovery.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode distinguishes plain text sends from media sends.
type Mode string

const (
	ModeMessage Mode = "message"
	ModeMedia   Mode = "media"
)

// Task is one unit of outbound work for a session's worker.
type Task struct {
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	Mode      Mode      `json:"mode"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
}

type entry struct {
	task Task
	raw  string
}

type claimRecord struct {
	task      Task
	raw       string
	claimedAt time.Time
}

type queue struct {
	pending    []entry
	processing map[string]*claimRecord
	signal     chan struct{}

	// Journal sequence counters, mutated only under the outbox lock so
	// the durable order can never disagree with the in-memory order.
	// Tail appends count up from zero, head requeues count down.
	tailSeq float64
	headSeq float64
}

func newQueue() *queue {
	return &queue{
		processing: make(map[string]*claimRecord),
		signal:     make(chan struct{}, 1),
	}
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// contains reports whether an identical raw form is already queued or
// claimed. Ack and Nack match by exact serialized value, so a second
// copy of the same raw would be indistinguishable from the first.
func (q *queue) contains(raw string) bool {
	if _, ok := q.processing[raw]; ok {
		return true
	}
	for _, e := range q.pending {
		if e.raw == raw {
			return true
		}
	}
	return false
}

// Outbox holds one queue per session. The lock is held only for list
// moves, never across a blocking claim, so a long-poll on one session
// cannot stall work on another.
type Outbox struct {
	mu      sync.Mutex
	queues  map[string]*queue
	stale   time.Duration
	journal *Journal
	now     func() time.Time
}

// New creates an Outbox. journal may be nil for a memory-only queue;
// when set, pending and claimed tasks survive a process restart.
func New(staleClaimThreshold time.Duration, journal *Journal) *Outbox {
	if staleClaimThreshold <= 0 {
		staleClaimThreshold = 2 * time.Minute
	}
	o := &Outbox{
		queues:  make(map[string]*queue),
		stale:   staleClaimThreshold,
		journal: journal,
		now:     time.Now,
	}
	o.restore()
	return o
}

func (o *Outbox) queueFor(sessionID string) *queue {
	q, ok := o.queues[sessionID]
	if !ok {
		q = newQueue()
		o.queues[sessionID] = q
	}
	return q
}

func encode(t Task) string {
	b, _ := json.Marshal(t)
	return string(b)
}

// Enqueue appends a task to the tail of the session's pending queue and
// wakes one blocked claimer. A task whose exact serialized form is
// already queued or claimed is dropped as a duplicate.
func (o *Outbox) Enqueue(sessionID string, t Task) time.Time {
	t.SessionID = sessionID
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = o.now()
	}
	raw := encode(t)

	o.mu.Lock()
	q := o.queueFor(sessionID)
	if q.contains(raw) {
		o.mu.Unlock()
		slog.Warn("Outbox dropped duplicate task", "session", sessionID, "task", t.TaskID)
		return t.CreatedAt
	}
	q.tailSeq++
	seq := q.tailSeq
	q.pending = append(q.pending, entry{task: t, raw: raw})
	q.notify()
	o.mu.Unlock()

	if o.journal != nil {
		if err := o.journal.appendTail(sessionID, raw, seq); err != nil {
			slog.Warn("Outbox journal append failed", "session", sessionID, "error", err)
		}
	}
	return t.CreatedAt
}

// Claim moves the head pending task into the processing set and returns
// it together with its exact serialized form, the handle for Ack/Nack.
// On an empty queue it blocks up to timeout for a new enqueue, then
// returns a nil task. Cancelling ctx before a claim completes changes
// nothing.
func (o *Outbox) Claim(ctx context.Context, sessionID string, timeout time.Duration) (*Task, string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		o.mu.Lock()
		q := o.queueFor(sessionID)
		if len(q.pending) > 0 {
			e := q.pending[0]
			q.pending = q.pending[1:]
			q.processing[e.raw] = &claimRecord{task: e.task, raw: e.raw, claimedAt: o.now()}
			if len(q.pending) > 0 {
				// More work queued: pass the wakeup to the next waiter.
				q.notify()
			}
			o.mu.Unlock()

			if o.journal != nil {
				if err := o.journal.markProcessing(sessionID, e.raw); err != nil {
					slog.Warn("Outbox journal claim failed", "session", sessionID, "error", err)
				}
			}
			t := e.task
			return &t, e.raw, nil
		}
		sig := q.signal
		o.mu.Unlock()

		select {
		case <-sig:
		case <-deadline.C:
			return nil, "", nil
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

// Ack removes the exact raw entry from the processing set. A missing
// entry returns false; under at-least-once delivery duplicate acks are
// expected and benign.
func (o *Outbox) Ack(sessionID, raw string) bool {
	o.mu.Lock()
	q := o.queueFor(sessionID)
	_, ok := q.processing[raw]
	if ok {
		delete(q.processing, raw)
	}
	o.mu.Unlock()

	if ok && o.journal != nil {
		if err := o.journal.remove(sessionID, raw); err != nil {
			slog.Warn("Outbox journal ack failed", "session", sessionID, "error", err)
		}
	}
	return ok
}

// Nack returns a claimed task to the head of pending with its attempt
// counter incremented, so failed work retries before fresh work.
// Unknown raw handles are a no-op.
func (o *Outbox) Nack(sessionID, raw string) bool {
	o.mu.Lock()
	q := o.queueFor(sessionID)
	rec, ok := q.processing[raw]
	var newRaw string
	var seq float64
	if ok {
		delete(q.processing, raw)
		t := rec.task
		t.Attempts++
		newRaw = encode(t)
		q.headSeq--
		seq = q.headSeq
		q.pending = append([]entry{{task: t, raw: newRaw}}, q.pending...)
		q.notify()
	}
	o.mu.Unlock()

	if ok && o.journal != nil {
		if err := o.journal.requeueHead(sessionID, raw, newRaw, seq); err != nil {
			slog.Warn("Outbox journal nack failed", "session", sessionID, "error", err)
		}
	}
	return ok
}

// Sweep treats every claim older than the stale threshold as an implicit
// nack. Returns the number of recovered tasks.
func (o *Outbox) Sweep(now time.Time) int {
	type staleClaim struct {
		sessionID string
		raw       string
	}
	var found []staleClaim

	o.mu.Lock()
	for sessionID, q := range o.queues {
		for raw, rec := range q.processing {
			if now.Sub(rec.claimedAt) >= o.stale {
				found = append(found, staleClaim{sessionID: sessionID, raw: raw})
			}
		}
	}
	o.mu.Unlock()

	for _, s := range found {
		if o.Nack(s.sessionID, s.raw) {
			slog.Warn("Outbox recovered stale claim", "session", s.sessionID)
		}
	}
	return len(found)
}

// Run drives the stale-claim reaper until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			o.Sweep(t)
		}
	}
}

// PendingLen returns the pending depth for a session.
func (o *Outbox) PendingLen(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queueFor(sessionID).pending)
}

// ProcessingLen returns the number of unacked claims for a session.
func (o *Outbox) ProcessingLen(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queueFor(sessionID).processing)
}

// Drop discards all state for a session, used when a session is released.
func (o *Outbox) Drop(sessionID string) {
	o.mu.Lock()
	delete(o.queues, sessionID)
	o.mu.Unlock()
	if o.journal != nil {
		if err := o.journal.dropSession(sessionID); err != nil {
			slog.Warn("Outbox journal drop failed", "session", sessionID, "error", err)
		}
	}
}

// restore reloads journaled tasks after a restart. Tasks that were
// claimed but never acknowledged count as an implicit nack: they return
// to pending with one extra attempt.
func (o *Outbox) restore() {
	if o.journal == nil {
		return
	}
	rows, err := o.journal.load()
	if err != nil {
		slog.Warn("Outbox journal restore failed", "error", err)
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range rows {
		var t Task
		if err := json.Unmarshal([]byte(r.Raw), &t); err != nil {
			slog.Warn("Outbox journal row unreadable, dropping", "session", r.SessionID, "error", err)
			_ = o.journal.remove(r.SessionID, r.Raw)
			continue
		}
		raw := r.Raw
		if r.State == stateProcessing {
			t.Attempts++
			raw = encode(t)
			_ = o.journal.replacePending(r.SessionID, r.Raw, raw)
		}
		q := o.queueFor(r.SessionID)
		q.pending = append(q.pending, entry{task: t, raw: raw})
		if r.Seq > q.tailSeq {
			q.tailSeq = r.Seq
		}
		if r.Seq < q.headSeq {
			q.headSeq = r.Seq
		}
	}
	if len(rows) > 0 {
		slog.Info("Outbox restored journaled tasks", "count", len(rows))
	}
}
