package event

import (
	"errors"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		raw     RawEvent
		field   string
		wantSev Severity
	}{
		{name: "ok default severity", raw: RawEvent{ID: "e1", Source: "disk", Payload: "disk full"}, wantSev: SeverityInfo},
		{name: "ok alias", raw: RawEvent{ID: "e2", Source: "disk", Severity: "CRIT", Payload: "x"}, wantSev: SeverityCritical},
		{name: "warning alias", raw: RawEvent{ID: "e3", Source: "disk", Severity: "warning", Payload: "x"}, wantSev: SeverityWarn},
		{name: "missing source", raw: RawEvent{ID: "e4", Payload: "x"}, field: "source"},
		{name: "blank source", raw: RawEvent{ID: "e5", Source: "  ", Payload: "x"}, field: "source"},
		{name: "missing payload", raw: RawEvent{ID: "e6", Source: "disk"}, field: "payload"},
		{name: "blank payload", raw: RawEvent{ID: "e7", Source: "disk", Payload: " \n\t"}, field: "payload"},
		{name: "unknown severity", raw: RawEvent{ID: "e8", Source: "disk", Severity: "loud", Payload: "x"}, field: "severity"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(tt.raw, now)
			if tt.field != "" {
				var me *MalformedEventError
				if !errors.As(err, &me) {
					t.Fatalf("err = %v, want MalformedEventError", err)
				}
				if me.Field != tt.field {
					t.Fatalf("Field = %q, want %q", me.Field, tt.field)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize error: %v", err)
			}
			if ev.Severity != tt.wantSev {
				t.Fatalf("Severity = %v, want %v", ev.Severity, tt.wantSev)
			}
			if !ev.Timestamp.Equal(now) {
				t.Fatalf("Timestamp = %v, want %v", ev.Timestamp, now)
			}
		})
	}
}

func TestNormalizeDerivesStableID(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw := RawEvent{Source: "backup", Payload: "backup ok", Timestamp: ts}

	a, err := Normalize(raw, time.Now())
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	b, err := Normalize(raw, time.Now())
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if a.ID == "" || a.ID != b.ID {
		t.Fatalf("derived ids differ: %q vs %q", a.ID, b.ID)
	}

	raw.Payload = "backup failed"
	c, _ := Normalize(raw, time.Now())
	if c.ID == a.ID {
		t.Fatalf("different payloads produced the same id %q", c.ID)
	}
}

func TestSeverityOrder(t *testing.T) {
	t.Parallel()
	if !(SeverityCritical > SeverityError && SeverityError > SeverityWarn && SeverityWarn > SeverityInfo) {
		t.Fatal("severity levels are not ordered")
	}
	if SeverityCritical.String() != "critical" {
		t.Fatalf("String() = %q", SeverityCritical.String())
	}
}
