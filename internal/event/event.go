// Package event normalizes raw notification requests into canonical events.
//
// A RawEvent is whatever the host process (HTTP intake, Kafka, channel relay,
// heartbeat) hands us. Normalize turns it into an immutable Event or rejects
// it with a MalformedEventError; rejected events never reach the queue.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity orders events for dispatch. Higher values preempt lower ones.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity accepts the canonical names plus a few common aliases.
// An empty string maps to info.
func ParseSeverity(raw string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info", "information", "notice":
		return SeverityInfo, true
	case "warn", "warning":
		return SeverityWarn, true
	case "error", "err":
		return SeverityError, true
	case "critical", "crit", "fatal", "emergency":
		return SeverityCritical, true
	default:
		return SeverityInfo, false
	}
}

// RawEvent is the loosely-typed request accepted from the host process.
type RawEvent struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Source    string    `json:"source"`
	Severity  string    `json:"severity,omitempty"`
	Payload   string    `json:"payload"`
}

// Event is the canonical notification record. Treat it as immutable.
type Event struct {
	ID        string
	Timestamp time.Time
	Source    string
	Severity  Severity
	Payload   string
}

// idSpace namespaces derived event ids so they never collide with other UUIDv5 users.
var idSpace = uuid.MustParse("6f3c2d1e-9a4b-5c7d-8e0f-1a2b3c4d5e6f")

// Normalize validates raw and builds an Event. now is used when raw carries no timestamp.
func Normalize(raw RawEvent, now time.Time) (Event, error) {
	source := strings.TrimSpace(raw.Source)
	if source == "" {
		return Event{}, &MalformedEventError{ID: raw.ID, Field: "source", Reason: "required"}
	}
	if raw.Payload == "" {
		return Event{}, &MalformedEventError{ID: raw.ID, Field: "payload", Reason: "required"}
	}
	if strings.TrimSpace(raw.Payload) == "" {
		return Event{}, &MalformedEventError{ID: raw.ID, Field: "payload", Reason: "blank"}
	}
	sev, ok := ParseSeverity(raw.Severity)
	if !ok {
		return Event{}, &MalformedEventError{ID: raw.ID, Field: "severity", Reason: fmt.Sprintf("unknown level %q", raw.Severity)}
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = now
	}
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		id = DeriveID(source, ts, raw.Payload)
	}

	return Event{
		ID:        id,
		Timestamp: ts.UTC(),
		Source:    source,
		Severity:  sev,
		Payload:   raw.Payload,
	}, nil
}

// DeriveID returns a deterministic id for events submitted without one, so a
// retried submission of the same event deduplicates.
func DeriveID(source string, ts time.Time, payload string) string {
	name := source + "\x00" + ts.UTC().Format(time.RFC3339Nano) + "\x00" + payload
	return uuid.NewSHA1(idSpace, []byte(name)).String()
}

// MalformedEventError reports an event that cannot be normalized.
type MalformedEventError struct {
	ID     string
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("malformed event %s: %s %s", e.ID, e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed event: %s %s", e.Field, e.Reason)
}
