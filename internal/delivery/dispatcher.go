// Package delivery drives queued tasks through the rate limiter and the
// outbound client, and applies each outcome to the task state machine:
//
//	Pending -> InFlight -> Delivered | Pending (retry or deferral) | Failed
//
// A single dispatcher goroutine owns every send.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"notifybot/internal/eventbus"
	"notifybot/internal/queue"
	"notifybot/internal/ratelimit"
	"notifybot/internal/storage"
	"notifybot/internal/transport"
	logx "notifybot/pkg/logx"
)

type Config struct {
	// MaxAttempts is the total number of failed sends before a task fails.
	MaxAttempts    int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	AttemptTimeout time.Duration

	CircuitTripFailures int
	CircuitCooldown     time.Duration
	CircuitMaxCooldown  time.Duration

	DisablePreview bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	return c
}

// Deps are the collaborators a Dispatcher drives. Bus may be nil.
type Deps struct {
	Queue   *queue.Queue
	Limiter *ratelimit.Limiter
	Ledger  storage.Ledger
	Client  transport.Client
	Bus     eventbus.Bus
	Log     logx.Logger
}

// Outcome is the bus payload for lifecycle events.
type Outcome struct {
	EventID       string    `json:"event_id"`
	Severity      string    `json:"severity"`
	Attempts      int       `json:"attempts"`
	Deferrals     int       `json:"deferrals"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	MessageID     int       `json:"message_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Sends         uint64       `json:"sends"`
	Delivered     uint64       `json:"delivered"`
	Skipped       uint64       `json:"skipped"`
	Deferred      uint64       `json:"deferred"`
	Retried       uint64       `json:"retried"`
	Failed        uint64       `json:"failed"`
	LastError     string       `json:"last_error,omitempty"`
	LastErrorAt   time.Time    `json:"last_error_at,omitempty"`
	LastSuccessAt time.Time    `json:"last_success_at,omitempty"`
	Breaker       BreakerState `json:"breaker"`
}

const (
	idleWait        = time.Minute
	ledgerRetries   = 3
	ledgerOpTimeout = 5 * time.Second
)

type Dispatcher struct {
	log     logx.Logger
	q       *queue.Queue
	lim     *ratelimit.Limiter
	ledger  storage.Ledger
	client  transport.Client
	bus     eventbus.Bus
	breaker *Breaker

	now    func() time.Time
	jitter func(base time.Duration) time.Duration

	mu    sync.Mutex
	cfg   Config
	stats Stats
}

func NewDispatcher(deps Deps, cfg Config) *Dispatcher {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	ledger := deps.Ledger
	if ledger == nil {
		ledger = storage.NewMemory()
	}
	return &Dispatcher{
		log:     log.With(logx.String("comp", "dispatcher")),
		q:       deps.Queue,
		lim:     deps.Limiter,
		ledger:  ledger,
		client:  deps.Client,
		bus:     deps.Bus,
		breaker: NewBreaker(cfg.CircuitTripFailures, cfg.CircuitCooldown, cfg.CircuitMaxCooldown),
		now:     time.Now,
		jitter:  func(base time.Duration) time.Duration { return Backoff{Base: base}.Jitter() },
		cfg:     cfg,
	}
}

// SetClock overrides the time source. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// SetJitter overrides the jitter source. Tests only.
func (d *Dispatcher) SetJitter(fn func(base time.Duration) time.Duration) { d.jitter = fn }

// Apply swaps tunables at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.breaker.Apply(cfg.CircuitTripFailures, cfg.CircuitCooldown, cfg.CircuitMaxCooldown)
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Dispatcher) Snapshot() Stats {
	d.mu.Lock()
	st := d.stats
	d.mu.Unlock()
	st.Breaker = d.breaker.State(d.now())
	return st
}

// Run dispatches until ctx is cancelled. A send in progress when ctx ends
// still completes (bounded by the attempt timeout) and its outcome is
// recorded before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started")
	defer d.log.Info("dispatcher stopped")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		wait := d.Step(ctx)
		if wait <= 0 {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-d.q.Wake():
		case <-timer.C:
		}
	}
}

// Step handles at most one task. It returns how long the caller may sleep
// before the next step is useful; 0 means immediately.
func (d *Dispatcher) Step(ctx context.Context) time.Duration {
	now := d.now()

	if ok, until := d.breaker.Allow(now); !ok {
		return until.Sub(now)
	}

	task, ok := d.q.Next(now)
	if !ok {
		due, has := d.q.NextDue()
		if !has {
			return idleWait
		}
		if w := due.Sub(now); w > 0 {
			return w
		}
		return time.Millisecond
	}

	if ok, wait := d.lim.AcquireAt(now, task.Destination); !ok {
		_ = d.q.Release(task.EventID)
		return wait
	}

	if d.alreadyDelivered(ctx, task) {
		return 0
	}

	d.attempt(ctx, task)
	return 0
}

func (d *Dispatcher) alreadyDelivered(ctx context.Context, t queue.Task) bool {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerOpTimeout)
	delivered, err := d.ledger.IsDelivered(lctx, t.EventID)
	cancel()
	if err != nil {
		d.log.Warn("ledger lookup failed before send", logx.String("event_id", t.EventID), logx.Err(err))
		return false
	}
	if !delivered {
		return false
	}
	_, _ = d.q.Complete(t.EventID, queue.StatusDelivered)
	d.mu.Lock()
	d.stats.Skipped++
	d.mu.Unlock()
	d.log.Info("event already delivered, dropping task", logx.String("event_id", t.EventID))
	d.publish(eventbus.TypeSkipped, t, nil, 0)
	return true
}

func (d *Dispatcher) attempt(ctx context.Context, t queue.Task) {
	cfg := d.config()

	// Detached from ctx so shutdown does not abandon a send mid-flight.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.AttemptTimeout)
	res, err := d.client.SendMessage(sendCtx, transport.Message{
		ChatID:         t.Destination,
		ThreadID:       t.ThreadID,
		Text:           t.Text,
		ParseMode:      t.ParseMode,
		DisablePreview: cfg.DisablePreview,
	})
	cancel()

	d.mu.Lock()
	d.stats.Sends++
	d.mu.Unlock()

	d.handleResult(ctx, cfg, t, res, err)
}

func (d *Dispatcher) handleResult(ctx context.Context, cfg Config, t queue.Task, res transport.Result, sendErr error) {
	now := d.now()
	if sendErr == nil {
		d.succeed(ctx, t, res, now)
		return
	}

	classified := Classify(t.EventID, t.Attempts+1, sendErr)
	var (
		rl   *RateLimitedError
		tr   *TransientDeliveryError
		perm *PermanentDeliveryError
	)
	switch {
	case errors.As(classified, &rl):
		t.Deferrals++
		t.NextAttemptAt = now.Add(rl.RetryAfter)
		t.LastError = sendErr.Error()
		d.lim.Penalize(t.Destination, t.NextAttemptAt)
		stored, err := d.q.Reschedule(t)
		if err != nil {
			d.log.Error("reschedule after rate limit failed", logx.String("event_id", t.EventID), logx.Err(err))
			return
		}
		d.noteError(classified, now, func(s *Stats) { s.Deferred++ })
		d.log.Warn("rate limited, deferring",
			logx.String("event_id", t.EventID),
			logx.Duration("retry_after", rl.RetryAfter),
			logx.Int("deferrals", stored.Deferrals),
		)
		d.publish(eventbus.TypeDeferred, stored, classified, 0)

	case errors.As(classified, &tr):
		t.Attempts++
		d.tripBreaker(now)
		if t.Attempts >= cfg.MaxAttempts {
			d.fail(t, &PermanentDeliveryError{EventID: t.EventID, Attempts: t.Attempts, Reason: "retry budget exhausted", Err: sendErr}, now)
			return
		}
		b := Backoff{Base: cfg.RetryBase, Max: cfg.RetryMaxDelay}
		t.NextAttemptAt = now.Add(b.Delay(t.Attempts) + d.jitter(cfg.RetryBase))
		t.LastError = sendErr.Error()
		stored, err := d.q.Reschedule(t)
		if err != nil {
			d.log.Error("reschedule after failure failed", logx.String("event_id", t.EventID), logx.Err(err))
			return
		}
		d.noteError(classified, now, func(s *Stats) { s.Retried++ })
		d.log.Warn("send failed, will retry",
			logx.String("event_id", t.EventID),
			logx.Int("attempts", stored.Attempts),
			logx.Time("next_attempt_at", stored.NextAttemptAt),
			logx.Err(sendErr),
		)
		d.publish(eventbus.TypeRetrying, stored, classified, 0)

	case errors.As(classified, &perm):
		t.Attempts++
		d.tripBreaker(now)
		perm.Attempts = t.Attempts
		d.fail(t, perm, now)
	}
}

func (d *Dispatcher) succeed(ctx context.Context, t queue.Task, res transport.Result, now time.Time) {
	// The ledger write must land before the task leaves the queue.
	var err error
	for i := 0; i < ledgerRetries; i++ {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerOpTimeout)
		err = d.ledger.RecordDelivered(lctx, t.EventID, now)
		cancel()
		if err == nil || i == ledgerRetries-1 {
			break
		}
		pause(ctx, time.Duration(i+1)*100*time.Millisecond)
	}
	if err != nil {
		d.log.Error("ledger write failed after delivery; event may be resent after restart",
			logx.String("event_id", t.EventID), logx.Err(err))
	}

	done, cerr := d.q.Complete(t.EventID, queue.StatusDelivered)
	if cerr != nil {
		d.log.Warn("complete delivered task", logx.String("event_id", t.EventID), logx.Err(cerr))
		done = t
	}
	d.breaker.Success()

	d.mu.Lock()
	d.stats.Delivered++
	d.stats.LastSuccessAt = now
	d.mu.Unlock()

	d.log.Info("event delivered",
		logx.String("event_id", t.EventID),
		logx.String("severity", t.Severity.String()),
		logx.Int("message_id", res.MessageID),
		logx.Int("attempts", t.Attempts+1),
	)
	d.publish(eventbus.TypeDelivered, done, nil, res.MessageID)
}

func (d *Dispatcher) fail(t queue.Task, perr *PermanentDeliveryError, now time.Time) {
	t.LastError = perr.Error()
	done, err := d.q.Complete(t.EventID, queue.StatusFailed)
	if err != nil {
		done = t
	}
	d.noteError(perr, now, func(s *Stats) { s.Failed++ })
	d.log.Error("delivery failed",
		logx.String("event_id", t.EventID),
		logx.String("severity", t.Severity.String()),
		logx.Int("attempts", t.Attempts),
		logx.String("reason", perr.Reason),
		logx.Err(perr.Err),
	)
	d.publish(eventbus.TypeFailed, done, perr, 0)
}

func (d *Dispatcher) tripBreaker(now time.Time) {
	if !d.breaker.Failure(now) {
		return
	}
	st := d.breaker.State(now)
	d.log.Warn("circuit open, suspending sends",
		logx.Int("failures", st.Failures),
		logx.Time("until", st.OpenUntil),
	)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeCircuit, Time: now, Data: st})
	}
}

func (d *Dispatcher) noteError(err error, now time.Time, bump func(*Stats)) {
	d.mu.Lock()
	bump(&d.stats)
	d.stats.LastError = err.Error()
	d.stats.LastErrorAt = now
	d.mu.Unlock()
}

func (d *Dispatcher) publish(typ string, t queue.Task, err error, messageID int) {
	if d.bus == nil {
		return
	}
	o := Outcome{
		EventID:       t.EventID,
		Severity:      t.Severity.String(),
		Attempts:      t.Attempts,
		Deferrals:     t.Deferrals,
		NextAttemptAt: t.NextAttemptAt,
		MessageID:     messageID,
	}
	if err != nil {
		o.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: o})
}

// pause waits for d. Once ctx has ended it returns at once, so the remaining
// ledger retries run back to back inside the shutdown grace period.
func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
