package queue

import (
	"strings"
	"time"

	"notifybot/internal/event"
)

type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further processing happens in this status.
func (s Status) Terminal() bool { return s == StatusDelivered || s == StatusFailed }

// Task is one pending delivery. Values handed out by the Queue are copies;
// mutations go back through Reschedule, Release or Complete.
type Task struct {
	EventID     string
	Source      string
	Destination string
	ThreadID    int
	Text        string
	ParseMode   string
	Severity    event.Severity

	// Attempts counts failed sends charged against max_attempts.
	Attempts int
	// Deferrals counts rate-limit deferrals. Not charged against max_attempts.
	Deferrals int

	NextAttemptAt time.Time
	EnqueuedAt    time.Time
	Seq           uint64
	Status        Status
	LastError     string
}

// Policy selects what happens when Enqueue finds the queue full.
type Policy string

const (
	// PolicyEvictLowest drops the newest pending task of the lowest severity
	// tier, but only for an incoming task of strictly higher severity.
	PolicyEvictLowest Policy = "evict_lowest"
	// PolicyRejectNew rejects every task while full.
	PolicyRejectNew Policy = "reject_new"
)

// ParsePolicy accepts the config spelling of a Policy. Empty means PolicyEvictLowest.
func ParsePolicy(raw string) (Policy, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "evict_lowest", "evict-lowest", "drop_lowest":
		return PolicyEvictLowest, true
	case "reject_new", "reject-new", "reject":
		return PolicyRejectNew, true
	default:
		return "", false
	}
}

// Admission is the non-error outcome of Enqueue.
type Admission int

const (
	Admitted Admission = iota
	// Duplicate: a pending or in-flight task already exists for the event.
	Duplicate
	// AlreadyDelivered: the ledger has a record for the event.
	AlreadyDelivered
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	case AlreadyDelivered:
		return "already_delivered"
	default:
		return "unknown"
	}
}

type EnqueueResult struct {
	Admission Admission
	// Evicted is set when admitting the task pushed another one out.
	Evicted *Task
}

// Stats is a point-in-time view for status endpoints and logs.
type Stats struct {
	Capacity int    `json:"capacity"`
	Policy   Policy `json:"policy"`
	Len      int    `json:"len"`
	Pending  int    `json:"pending"`
	InFlight int    `json:"in_flight"`

	BySeverity map[string]int `json:"by_severity"`

	Admitted   uint64 `json:"admitted"`
	Duplicates uint64 `json:"duplicates"`
	Skipped    uint64 `json:"skipped"` // already delivered
	Rejected   uint64 `json:"rejected"`
	Evicted    uint64 `json:"evicted"`
	Completed  uint64 `json:"completed"`
}
