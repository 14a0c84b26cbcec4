// Package queue holds pending deliveries keyed by event id.
//
// Dequeue order is severity first, then enqueue sequence. Only tasks whose
// NextAttemptAt has passed are eligible. The queue is bounded and never blocks
// producers; a full queue either evicts or rejects according to its Policy.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifybot/internal/event"
	logx "notifybot/pkg/logx"
)

var (
	ErrFull     = errors.New("delivery queue full")
	ErrNotFound = errors.New("task not found")
	ErrBadState = errors.New("task in unexpected state")
)

const DefaultCapacity = 1000

// DeliveredChecker is the read half of the delivery ledger.
type DeliveredChecker interface {
	IsDelivered(ctx context.Context, eventID string) (bool, error)
}

type Config struct {
	Capacity int
	Policy   Policy
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Policy == "" {
		c.Policy = PolicyEvictLowest
	}
	return c
}

type Queue struct {
	log    logx.Logger
	ledger DeliveredChecker
	now    func() time.Time

	mu    sync.Mutex
	cfg   Config
	tasks map[string]*Task
	seq   uint64
	stats Stats

	wake chan struct{}
}

// New builds a queue. ledger may be nil, in which case only in-queue
// duplicates are suppressed.
func New(cfg Config, ledger DeliveredChecker, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		log:    log.With(logx.String("comp", "queue")),
		ledger: ledger,
		now:    time.Now,
		cfg:    cfg.withDefaults(),
		tasks:  make(map[string]*Task),
		wake:   make(chan struct{}, 1),
	}
}

// SetClock overrides the time source. Tests only.
func (q *Queue) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Wake fires after any change that may make a task eligible sooner.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue admits t as a Pending task. It never blocks on queue capacity; a
// full queue yields ErrFull. The ledger lookup runs outside the queue lock.
func (q *Queue) Enqueue(ctx context.Context, t Task) (EnqueueResult, error) {
	id := strings.TrimSpace(t.EventID)
	if id == "" {
		return EnqueueResult{}, errors.New("task without event id")
	}
	t.EventID = id

	if q.ledger != nil {
		delivered, err := q.ledger.IsDelivered(ctx, id)
		if err != nil {
			// Fail open: the dispatcher re-checks the ledger before sending.
			q.log.Warn("ledger lookup failed at enqueue", logx.String("event_id", id), logx.Err(err))
		} else if delivered {
			q.mu.Lock()
			q.stats.Skipped++
			q.mu.Unlock()
			q.log.Debug("event already delivered", logx.String("event_id", id))
			return EnqueueResult{Admission: AlreadyDelivered}, nil
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tasks[id]; ok {
		q.stats.Duplicates++
		return EnqueueResult{Admission: Duplicate}, nil
	}

	var res EnqueueResult
	if len(q.tasks) >= q.cfg.Capacity {
		victim := q.victimLocked(t.Severity)
		if victim == nil {
			q.stats.Rejected++
			q.log.Warn("queue full, event rejected",
				logx.String("event_id", id),
				logx.String("severity", t.Severity.String()),
				logx.String("policy", string(q.cfg.Policy)),
				logx.Int("capacity", q.cfg.Capacity),
			)
			return EnqueueResult{}, fmt.Errorf("%w: event %s (%s)", ErrFull, id, t.Severity)
		}
		delete(q.tasks, victim.EventID)
		q.stats.Evicted++
		ev := *victim
		ev.Status = StatusFailed
		ev.LastError = "evicted by higher severity event " + id
		res.Evicted = &ev
		q.log.Warn("queue full, evicted lower severity event",
			logx.String("event_id", victim.EventID),
			logx.String("severity", victim.Severity.String()),
			logx.String("admitted", id),
		)
	}

	now := q.now()
	q.seq++
	t.Seq = q.seq
	t.Status = StatusPending
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.Attempts < 0 {
		t.Attempts = 0
	}
	if t.Deferrals < 0 {
		t.Deferrals = 0
	}
	stored := t
	q.tasks[id] = &stored
	q.stats.Admitted++
	q.signal()

	res.Admission = Admitted
	return res, nil
}

// victimLocked picks the eviction candidate for an incoming task of severity
// sev, or nil if the task must be rejected.
func (q *Queue) victimLocked(sev event.Severity) *Task {
	if q.cfg.Policy != PolicyEvictLowest {
		return nil
	}
	var victim *Task
	for _, t := range q.tasks {
		if t.Status != StatusPending {
			continue
		}
		if victim == nil ||
			t.Severity < victim.Severity ||
			(t.Severity == victim.Severity && t.Seq > victim.Seq) {
			victim = t
		}
	}
	if victim == nil || victim.Severity >= sev {
		return nil
	}
	return victim
}

// Next returns the highest-priority eligible task and marks it InFlight.
func (q *Queue) Next(now time.Time) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Task
	for _, t := range q.tasks {
		if t.Status != StatusPending || t.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || before(t, best) {
			best = t
		}
	}
	if best == nil {
		return Task{}, false
	}
	best.Status = StatusInFlight
	return *best, true
}

func before(a, b *Task) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	return a.Seq < b.Seq
}

// NextDue returns the earliest NextAttemptAt among pending tasks.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		due   time.Time
		found bool
	)
	for _, t := range q.tasks {
		if t.Status != StatusPending {
			continue
		}
		if !found || t.NextAttemptAt.Before(due) {
			due = t.NextAttemptAt
			found = true
		}
	}
	return due, found
}

// Release returns an in-flight task to Pending without touching its counters.
// It does not wake the dispatcher: the task is no more eligible than before.
func (q *Queue) Release(eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[eventID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusInFlight {
		return ErrBadState
	}
	t.Status = StatusPending
	return nil
}

// Reschedule stores the retry state of an in-flight task and returns it to
// Pending. Attempts, Deferrals and NextAttemptAt never move backwards.
func (q *Queue) Reschedule(upd Task) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[upd.EventID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Status != StatusInFlight {
		return Task{}, ErrBadState
	}
	if upd.Attempts > t.Attempts {
		t.Attempts = upd.Attempts
	}
	if upd.Deferrals > t.Deferrals {
		t.Deferrals = upd.Deferrals
	}
	if upd.NextAttemptAt.After(t.NextAttemptAt) {
		t.NextAttemptAt = upd.NextAttemptAt
	}
	t.LastError = upd.LastError
	t.Status = StatusPending
	q.signal()
	return *t, nil
}

// Complete removes a task in a terminal status.
func (q *Queue) Complete(eventID string, status Status) (Task, error) {
	if !status.Terminal() {
		return Task{}, fmt.Errorf("%w: complete with %s", ErrBadState, status)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[eventID]
	if !ok {
		return Task{}, ErrNotFound
	}
	delete(q.tasks, eventID)
	q.stats.Completed++
	out := *t
	out.Status = status
	return out, nil
}

// Get returns a copy of the task for eventID.
func (q *Queue) Get(eventID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[eventID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Resize changes capacity and policy. Shrinking below the current length
// evicts nothing; new tasks are refused until the queue drains.
func (q *Queue) Resize(cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	changed := q.cfg != cfg
	q.cfg = cfg
	n := len(q.tasks)
	q.mu.Unlock()
	if changed {
		q.log.Info("queue resized",
			logx.Int("capacity", cfg.Capacity),
			logx.String("policy", string(cfg.Policy)),
			logx.Int("len", n),
		)
	}
}

func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Capacity = q.cfg.Capacity
	s.Policy = q.cfg.Policy
	s.Len = len(q.tasks)
	s.BySeverity = make(map[string]int, 4)
	for _, t := range q.tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInFlight:
			s.InFlight++
		}
		s.BySeverity[t.Severity.String()]++
	}
	return s
}
