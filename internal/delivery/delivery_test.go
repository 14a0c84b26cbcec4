package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notifybot/internal/event"
	"notifybot/internal/eventbus"
	"notifybot/internal/format"
	"notifybot/internal/queue"
	"notifybot/internal/ratelimit"
	"notifybot/internal/storage"
	"notifybot/internal/transport"
	logx "notifybot/pkg/logx"
)

type fakeClient struct {
	mu      sync.Mutex
	sent    []transport.Message
	results []error

	started chan struct{}
	block   chan struct{}
	ctxErr  error
}

func (f *fakeClient) SendMessage(ctx context.Context, msg transport.Message) (transport.Result, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErr = ctx.Err()
	f.sent = append(f.sent, msg)
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		if err != nil {
			return transport.Result{}, err
		}
	}
	return transport.Result{MessageID: len(f.sent)}, nil
}

func (f *fakeClient) GetMe(context.Context) (transport.Identity, error) {
	return transport.Identity{ID: 1, IsBot: true}, nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	now    time.Time
	q      *queue.Queue
	ledger storage.Ledger
	client *fakeClient
	lim    *ratelimit.Limiter
	d      *Dispatcher
	p      *Pipeline
	bus    *eventbus.MemBus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithLedger(t, cfg, storage.NewMemory())
}

func newHarnessWithLedger(t *testing.T, cfg Config, ledger storage.Ledger) *harness {
	t.Helper()
	h := &harness{now: time.Unix(1_700_000_000, 0), client: &fakeClient{}, ledger: ledger, bus: eventbus.New()}
	h.q = queue.New(queue.Config{}, h.ledger, logx.Nop())
	h.lim = ratelimit.New(ratelimit.Config{GlobalPerSec: 30, DestinationPerSec: 1})
	h.d = NewDispatcher(Deps{Queue: h.q, Limiter: h.lim, Ledger: h.ledger, Client: h.client, Bus: h.bus, Log: logx.Nop()}, cfg)
	h.d.SetClock(func() time.Time { return h.now })
	h.d.SetJitter(func(time.Duration) time.Duration { return 0 })

	f, err := format.New(format.Config{ParseMode: format.ParseModePlain})
	if err != nil {
		t.Fatalf("format.New: %v", err)
	}
	h.p = NewPipeline(f, h.q, "-100123", h.bus, logx.Nop())
	h.p.now = func() time.Time { return h.now }
	return h
}

func (h *harness) submit(t *testing.T, id string, sev string, payload string) {
	t.Helper()
	res, err := h.p.Submit(context.Background(), event.RawEvent{ID: id, Source: "test", Severity: sev, Payload: payload})
	if err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}
	if res.Admission != queue.Admitted {
		t.Fatalf("submit %s: admission %s", id, res.Status)
	}
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func TestBackoffMonotonicAndCapped(t *testing.T) {
	t.Parallel()
	cases := []Backoff{
		{Base: time.Second, Max: 30 * time.Second},
		{Base: 250 * time.Millisecond, Max: time.Second},
		{Base: 3 * time.Second, Max: 3 * time.Second},
	}
	for _, b := range cases {
		prev := time.Duration(0)
		for k := 1; k <= 64; k++ {
			d := b.Delay(k)
			if d < prev {
				t.Fatalf("%+v: delay(%d)=%v < delay(%d)=%v", b, k, d, k-1, prev)
			}
			if d > b.Max {
				t.Fatalf("%+v: delay(%d)=%v exceeds max", b, k, d)
			}
			prev = d
		}
		if b.Delay(1) != min(b.Base, b.Max) {
			t.Fatalf("%+v: first delay = %v", b, b.Delay(1))
		}
		for i := 0; i < 100; i++ {
			if j := b.Jitter(); j < 0 || j >= b.Base {
				t.Fatalf("jitter %v out of [0, %v)", j, b.Base)
			}
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"429", &transport.APIError{Status: 429, RetryAfter: 5 * time.Second}, "ratelimited"},
		{"500", &transport.APIError{Status: 500}, "transient"},
		{"503", &transport.APIError{Status: 503}, "transient"},
		{"timeout", context.DeadlineExceeded, "transient"},
		{"network", errors.New("connection reset"), "transient"},
		{"400", &transport.APIError{Status: 400, Description: "chat not found"}, "permanent"},
		{"403", &transport.APIError{Status: 403}, "permanent"},
	}
	for _, tc := range cases {
		got := Classify("e", 1, tc.err)
		var (
			rl   *RateLimitedError
			tr   *TransientDeliveryError
			perm *PermanentDeliveryError
		)
		kind := "?"
		switch {
		case errors.As(got, &rl):
			kind = "ratelimited"
		case errors.As(got, &tr):
			kind = "transient"
		case errors.As(got, &perm):
			kind = "permanent"
		}
		if kind != tc.want {
			t.Fatalf("%s: kind = %s, want %s", tc.name, kind, tc.want)
		}
	}
	var rl *RateLimitedError
	if !errors.As(Classify("e", 1, &transport.APIError{Status: 429}), &rl) || rl.RetryAfter != DefaultRetryAfter {
		t.Fatalf("missing retry_after should default to %v", DefaultRetryAfter)
	}
}

func TestBreaker(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	b := NewBreaker(3, 10*time.Second, 25*time.Second)

	b.Failure(now)
	b.Failure(now)
	if ok, _ := b.Allow(now); !ok {
		t.Fatalf("breaker open before trip")
	}
	if !b.Failure(now) {
		t.Fatalf("expected open after third failure")
	}
	ok, until := b.Allow(now)
	if ok || until != now.Add(10*time.Second) {
		t.Fatalf("allow = %v until %v", ok, until)
	}
	b.Failure(now)
	if _, until := b.Allow(now); until != now.Add(20*time.Second) {
		t.Fatalf("cooldown should double, until %v", until)
	}
	b.Failure(now)
	if _, until := b.Allow(now); until != now.Add(25*time.Second) {
		t.Fatalf("cooldown should cap, until %v", until)
	}
	b.Success()
	if ok, _ := b.Allow(now); !ok {
		t.Fatalf("success should close the breaker")
	}
	if st := b.State(now); st.Failures != 0 || st.Trips != 1 {
		t.Fatalf("state = %+v", st)
	}
}

func TestCriticalSentBeforeInfo(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "e1", "critical", "disk full")
	h.submit(t, "e2", "info", "backup ok")

	h.d.Step(context.Background())
	h.advance(time.Second)
	h.d.Step(context.Background())

	if h.client.calls() != 2 {
		t.Fatalf("calls = %d, want 2", h.client.calls())
	}
	if !strings.Contains(h.client.sent[0].Text, "disk full") || !strings.Contains(h.client.sent[1].Text, "backup ok") {
		t.Fatalf("order = %q, %q", h.client.sent[0].Text, h.client.sent[1].Text)
	}
	if h.client.sent[0].ChatID != "-100123" {
		t.Fatalf("chat id = %q", h.client.sent[0].ChatID)
	}
}

func TestRateLimitedDefers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxAttempts: 3})
	h.client.results = []error{&transport.APIError{Method: "sendMessage", Status: 429, Code: 429, RetryAfter: 5 * time.Second}}
	h.submit(t, "e1", "warn", "slow down")
	start := h.now

	h.d.Step(context.Background())
	task, ok := h.q.Get("e1")
	if !ok {
		t.Fatalf("task should remain queued")
	}
	if task.Status != queue.StatusPending || task.Attempts != 0 || task.Deferrals != 1 {
		t.Fatalf("task = %+v", task)
	}
	if !task.NextAttemptAt.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("next attempt = %v, want now+5s", task.NextAttemptAt)
	}

	for _, step := range []time.Duration{time.Second, time.Second, time.Second, 1900 * time.Millisecond} {
		h.advance(step)
		h.d.Step(context.Background())
	}
	if h.client.calls() != 1 {
		t.Fatalf("resent before retry-after elapsed: %d calls", h.client.calls())
	}

	h.now = start.Add(5 * time.Second)
	h.d.Step(context.Background())
	if h.client.calls() != 2 {
		t.Fatalf("calls = %d, want 2 after retry-after", h.client.calls())
	}
	if ok, _ := h.ledger.IsDelivered(context.Background(), "e1"); !ok {
		t.Fatalf("expected delivery recorded")
	}
}

func TestServerErrorsExhaustRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxAttempts: 3, RetryBase: time.Second, RetryMaxDelay: 10 * time.Second, CircuitTripFailures: 10})
	srvErr := &transport.APIError{Status: 502}
	h.client.results = []error{srvErr, srvErr, srvErr, nil}
	h.submit(t, "e1", "error", "flaky")

	var lastNext time.Time
	for i := 1; i <= 2; i++ {
		h.d.Step(context.Background())
		task, ok := h.q.Get("e1")
		if !ok {
			t.Fatalf("attempt %d: task removed early", i)
		}
		if task.Attempts != i {
			t.Fatalf("attempt %d: attempts = %d", i, task.Attempts)
		}
		want := h.now.Add(Backoff{Base: time.Second, Max: 10 * time.Second}.Delay(i))
		if !task.NextAttemptAt.Equal(want) {
			t.Fatalf("attempt %d: next = %v, want %v", i, task.NextAttemptAt, want)
		}
		if task.NextAttemptAt.Before(lastNext) {
			t.Fatalf("next attempt moved backwards")
		}
		lastNext = task.NextAttemptAt
		h.advance(time.Minute)
	}

	h.d.Step(context.Background())
	if _, ok := h.q.Get("e1"); ok {
		t.Fatalf("task should be removed after max attempts")
	}
	if h.client.calls() != 3 {
		t.Fatalf("calls = %d, want 3", h.client.calls())
	}
	h.advance(time.Hour)
	h.d.Step(context.Background())
	if h.client.calls() != 3 {
		t.Fatalf("no further attempts expected, got %d", h.client.calls())
	}
	if ok, _ := h.ledger.IsDelivered(context.Background(), "e1"); ok {
		t.Fatalf("failed event must not be in the ledger")
	}
	if st := h.d.Snapshot(); st.Failed != 1 || st.Retried != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxAttempts: 5})
	h.client.results = []error{&transport.APIError{Status: 400, Description: "Bad Request: chat not found"}}
	h.submit(t, "e1", "info", "hello")

	h.d.Step(context.Background())
	if h.q.Len() != 0 {
		t.Fatalf("task should be failed and removed")
	}
	if h.client.calls() != 1 {
		t.Fatalf("calls = %d", h.client.calls())
	}
}

func TestLedgerWrittenBeforeRemoval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "e1", "critical", "disk full")
	h.d.Step(context.Background())

	if ok, _ := h.ledger.IsDelivered(context.Background(), "e1"); !ok {
		t.Fatalf("ledger should record e1")
	}

	// Restart: fresh queue and pipeline over the same ledger.
	q2 := queue.New(queue.Config{}, h.ledger, logx.Nop())
	f, _ := format.New(format.Config{})
	p2 := NewPipeline(f, q2, "-100123", nil, logx.Nop())
	res, err := p2.Submit(context.Background(), event.RawEvent{ID: "e1", Source: "test", Severity: "critical", Payload: "disk full"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if res.Admission != queue.AlreadyDelivered || q2.Len() != 0 {
		t.Fatalf("resubmit admission = %s, len %d", res.Status, q2.Len())
	}
}

func TestSkipsTaskDeliveredBeforeRemoval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "e1", "info", "already out")
	// Simulates a crash after the ledger write but before queue removal.
	_ = h.ledger.RecordDelivered(context.Background(), "e1", h.now)

	h.d.Step(context.Background())
	if h.client.calls() != 0 {
		t.Fatalf("delivered event must not be resent")
	}
	if h.q.Len() != 0 {
		t.Fatalf("task should be dropped")
	}
}

func TestBreakerSuspendsSends(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxAttempts: 5, CircuitTripFailures: 2, CircuitCooldown: 30 * time.Second})
	srvErr := &transport.APIError{Status: 500}
	h.client.results = []error{srvErr, srvErr}
	h.submit(t, "e1", "critical", "one")
	h.submit(t, "e2", "critical", "two")

	h.d.Step(context.Background())
	h.advance(time.Second)
	h.d.Step(context.Background())
	if h.client.calls() != 2 {
		t.Fatalf("calls = %d", h.client.calls())
	}

	h.advance(10 * time.Second)
	wait := h.d.Step(context.Background())
	if h.client.calls() != 2 {
		t.Fatalf("sent while circuit open")
	}
	if wait <= 0 || wait > 30*time.Second {
		t.Fatalf("wait = %v", wait)
	}

	h.advance(wait)
	h.d.Step(context.Background())
	if h.client.calls() != 3 {
		t.Fatalf("expected send after cooldown, calls = %d", h.client.calls())
	}
	if st := h.d.Snapshot(); st.Breaker.Open || st.Breaker.Failures != 0 {
		t.Fatalf("breaker should close after success: %+v", st.Breaker)
	}
}

func TestShutdownLetsInFlightSendFinish(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AttemptTimeout: 5 * time.Second})
	h.d.SetClock(time.Now)
	h.client.started = make(chan struct{})
	h.client.block = make(chan struct{})
	h.submit(t, "e1", "info", "in flight")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	select {
	case <-h.client.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("send never started")
	}
	cancel()
	close(h.client.block)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
	if h.client.ctxErr != nil {
		t.Fatalf("send context was cancelled: %v", h.client.ctxErr)
	}
	if ok, _ := h.ledger.IsDelivered(context.Background(), "e1"); !ok {
		t.Fatalf("outcome not recorded before exit")
	}
}

func TestPipelineDropsBadInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ch, unsub := h.bus.Subscribe(8)
	defer unsub()

	_, err := h.p.Submit(context.Background(), event.RawEvent{Source: "test"})
	var mal *event.MalformedEventError
	if !errors.As(err, &mal) {
		t.Fatalf("err = %v, want MalformedEventError", err)
	}
	_, err = h.p.Submit(context.Background(), event.RawEvent{Source: "test", Payload: "\x00\x01"})
	var fe *format.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError", err)
	}
	if h.q.Len() != 0 {
		t.Fatalf("bad input reached the queue")
	}
	for i := 0; i < 2; i++ {
		if e := <-ch; e.Type != eventbus.TypeDropped {
			t.Fatalf("event %d type = %s", i, e.Type)
		}
	}
}

func TestPenalizedDestinationDoesNotSpin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	var reads atomic.Int64
	h.d.SetClock(func() time.Time {
		reads.Add(1)
		return time.Now()
	})
	h.lim.Penalize("-100123", time.Now().Add(10*time.Second))
	h.submit(t, "e1", "critical", "held back")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := h.d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.client.calls() != 0 {
		t.Fatalf("sent during penalty")
	}
	if n := reads.Load(); n > 20 {
		t.Fatalf("dispatcher looped %d times while the only task waited on a penalty", n)
	}
	if task, ok := h.q.Get("e1"); !ok || task.Status != queue.StatusPending {
		t.Fatalf("task = %+v, %v", task, ok)
	}
}

// flakyLedger fails the first n writes.
type flakyLedger struct {
	storage.Ledger
	mu   sync.Mutex
	fail int
}

func (f *flakyLedger) RecordDelivered(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	if f.fail > 0 {
		f.fail--
		f.mu.Unlock()
		return errors.New("disk busy")
	}
	f.mu.Unlock()
	return f.Ledger.RecordDelivered(ctx, id, at)
}

func TestLedgerRetryDoesNotSleepAfterShutdown(t *testing.T) {
	t.Parallel()
	led := &flakyLedger{Ledger: storage.NewMemory(), fail: 2}
	h := newHarnessWithLedger(t, Config{}, led)
	h.submit(t, "e1", "info", "late write")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	h.d.Step(ctx)

	if took := time.Since(start); took >= 250*time.Millisecond {
		t.Fatalf("ledger retries took %v after shutdown", took)
	}
	if h.client.calls() != 1 {
		t.Fatalf("calls = %d", h.client.calls())
	}
	if ok, _ := led.IsDelivered(context.Background(), "e1"); !ok {
		t.Fatalf("third ledger try should have recorded e1")
	}
	if h.q.Len() != 0 {
		t.Fatalf("task should be complete")
	}
}
