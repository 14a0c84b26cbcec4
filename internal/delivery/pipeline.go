package delivery

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"notifybot/internal/event"
	"notifybot/internal/eventbus"
	"notifybot/internal/format"
	"notifybot/internal/queue"
	logx "notifybot/pkg/logx"
)

// Pipeline is the intake half: normalize, format, enqueue. It never blocks
// on delivery and is safe for concurrent use by every event source.
type Pipeline struct {
	log  logx.Logger
	q    *queue.Queue
	bus  eventbus.Bus
	dest string
	now  func() time.Time

	formatter atomic.Pointer[format.Formatter]
}

// SubmitResult reports what happened to an accepted event.
type SubmitResult struct {
	EventID   string          `json:"event_id"`
	Admission queue.Admission `json:"-"`
	Status    string          `json:"status"`
	Rule      string          `json:"rule,omitempty"`
}

func NewPipeline(f *format.Formatter, q *queue.Queue, destination string, bus eventbus.Bus, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pipeline{
		log:  log.With(logx.String("comp", "pipeline")),
		q:    q,
		bus:  bus,
		dest: destination,
		now:  time.Now,
	}
	p.formatter.Store(f)
	return p
}

// SetFormatter swaps the formatter after a rules or parse-mode reload.
func (p *Pipeline) SetFormatter(f *format.Formatter) {
	if f != nil {
		p.formatter.Store(f)
	}
}

// Submit normalizes raw and hands it on. Malformed and unformattable events
// are logged and returned as errors; they never reach the queue.
func (p *Pipeline) Submit(ctx context.Context, raw event.RawEvent) (SubmitResult, error) {
	ev, err := event.Normalize(raw, p.now())
	if err != nil {
		p.log.Warn("malformed event dropped",
			logx.String("event_id", raw.ID),
			logx.String("source", raw.Source),
			logx.Err(err),
		)
		p.publishDrop(raw.ID, "", err)
		return SubmitResult{}, err
	}
	return p.SubmitEvent(ctx, ev)
}

func (p *Pipeline) SubmitEvent(ctx context.Context, ev event.Event) (SubmitResult, error) {
	r, err := p.formatter.Load().Format(ev)
	if err != nil {
		if errors.Is(err, format.ErrNoRule) {
			p.log.Debug("event matched no rule", logx.String("event_id", ev.ID), logx.String("source", ev.Source))
		} else {
			p.log.Warn("unformattable event dropped",
				logx.String("event_id", ev.ID),
				logx.String("severity", ev.Severity.String()),
				logx.Err(err),
			)
		}
		p.publishDrop(ev.ID, ev.Severity.String(), err)
		return SubmitResult{}, err
	}

	res, err := p.q.Enqueue(ctx, queue.Task{
		EventID:     ev.ID,
		Source:      ev.Source,
		Destination: p.dest,
		ThreadID:    r.ThreadID,
		Text:        r.Text,
		ParseMode:   r.ParseMode,
		Severity:    r.Severity,
	})
	if err != nil {
		p.publishDrop(ev.ID, r.Severity.String(), err)
		return SubmitResult{}, err
	}
	if res.Evicted != nil {
		p.publishEvicted(*res.Evicted)
	}

	out := SubmitResult{EventID: ev.ID, Admission: res.Admission, Status: res.Admission.String(), Rule: r.Rule}
	if res.Admission == queue.Admitted {
		p.log.Debug("event queued",
			logx.String("event_id", ev.ID),
			logx.String("severity", r.Severity.String()),
			logx.String("rule", r.Rule),
		)
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeQueued, Data: Outcome{EventID: ev.ID, Severity: r.Severity.String()}})
		}
	}
	return out, nil
}

func (p *Pipeline) publishDrop(id, sev string, err error) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeDropped, Data: Outcome{EventID: id, Severity: sev, Error: err.Error()}})
}

func (p *Pipeline) publishEvicted(t queue.Task) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeEvicted, Data: Outcome{
		EventID: t.EventID, Severity: t.Severity.String(), Attempts: t.Attempts, Error: t.LastError,
	}})
}
