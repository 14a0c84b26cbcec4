package format

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notifybot/internal/event"
)

func mustFormatter(t *testing.T, cfg Config) *Formatter {
	t.Helper()
	f, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return f
}

func ev(id string, sev event.Severity, payload string) event.Event {
	return event.Event{ID: id, Timestamp: time.Now(), Source: "test", Severity: sev, Payload: payload}
}

func TestFormatEscapesAndTags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mode string
		sev  event.Severity
		in   string
		want string
	}{
		{name: "html", mode: ParseModeHTML, sev: event.SeverityInfo, in: "a<b & c", want: "a&lt;b &amp; c"},
		{name: "markdown", mode: ParseModeMarkdownV2, sev: event.SeverityCritical, in: "1.5 - ok!", want: "1\\.5 \\- ok\\!"},
		{name: "plain", mode: ParseModePlain, sev: event.SeverityWarn, in: "  hi <there>\r\n", want: "hi <there>"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := mustFormatter(t, Config{ParseMode: tt.mode})
			out, err := f.Format(ev("e1", tt.sev, tt.in))
			if err != nil {
				t.Fatalf("Format error: %v", err)
			}
			if want := severityTag(tt.sev, tt.mode) + tt.want; out.Text != want {
				t.Fatalf("Text = %q, want %q", out.Text, want)
			}
			if out.ParseMode != tt.mode {
				t.Fatalf("ParseMode = %q, want %q", out.ParseMode, tt.mode)
			}
		})
	}
}

func TestFormatTruncatesWithEllipsis(t *testing.T) {
	t.Parallel()
	f := mustFormatter(t, Config{ParseMode: ParseModePlain, MaxLen: 30})
	out, err := f.Format(ev("e1", event.SeverityInfo, "abcdefghijklmnopqrstuvwxyz"))
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	prefix := severityTag(event.SeverityInfo, ParseModePlain)
	keep := 30 - textLen(prefix) - textLen(Ellipsis)
	want := prefix + "abcdefghijklmnopqrstuvwxyz"[:keep] + Ellipsis
	if out.Text != want {
		t.Fatalf("Text = %q, want %q", out.Text, want)
	}
	if n := textLen(out.Text); n > 30 {
		t.Fatalf("len = %d, want <= 30", n)
	}
}

func TestFormatTruncationKeepsEntitiesWhole(t *testing.T) {
	t.Parallel()
	prefix := severityTag(event.SeverityInfo, ParseModeHTML)
	f := mustFormatter(t, Config{ParseMode: ParseModeHTML, MaxLen: textLen(prefix) + 10})
	out, err := f.Format(ev("e1", event.SeverityInfo, "aaaaaaa&bbbb"))
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	if out.Text != prefix+"aaaaaaa…" {
		t.Fatalf("Text = %q", out.Text)
	}
}

func TestFormatFitsTelegramLimit(t *testing.T) {
	t.Parallel()
	f := mustFormatter(t, Config{ParseMode: ParseModeHTML})
	out, err := f.Format(ev("e1", event.SeverityError, strings.Repeat("<&>", 5000)))
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	if n := textLen(out.Text); n > MaxMessageLen {
		t.Fatalf("len = %d, want <= %d", n, MaxMessageLen)
	}
	if !strings.HasSuffix(out.Text, Ellipsis) {
		t.Fatalf("expected ellipsis suffix")
	}
}

func TestFormatRejectsUnrepresentablePayload(t *testing.T) {
	t.Parallel()
	f := mustFormatter(t, Config{ParseMode: ParseModeHTML})
	_, err := f.Format(ev("e9", event.SeverityInfo, "\x00\x01\u200b\xff"))
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FormatError", err)
	}
	if fe.EventID != "e9" {
		t.Fatalf("EventID = %q", fe.EventID)
	}
}

func TestFormatAppliesFirstMatchingRule(t *testing.T) {
	t.Parallel()
	rules, err := CompileRules([]RuleSpec{
		{Name: "backup", Pattern: `(?P<host>\S+) backup (?P<status>failed)`, TopicID: 12, Severity: "error", Template: "{{.host}}: backup {{.status}} ({{.Source}})"},
		{Name: "catchall", Pattern: `.*`, TopicID: 99},
	})
	if err != nil {
		t.Fatalf("CompileRules error: %v", err)
	}
	f := mustFormatter(t, Config{ParseMode: ParseModePlain, ThreadID: 3, Rules: rules})

	out, err := f.Format(ev("e1", event.SeverityInfo, "db1 backup failed"))
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	if out.Text != severityTag(event.SeverityError, ParseModePlain)+"db1: backup failed (test)" {
		t.Fatalf("Text = %q", out.Text)
	}
	if out.ThreadID != 12 || out.Severity != event.SeverityError || out.Rule != "backup" {
		t.Fatalf("unexpected routing: %+v", out)
	}

	out, err = f.Format(ev("e2", event.SeverityWarn, "something else"))
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	if out.ThreadID != 99 || out.Rule != "catchall" || out.Severity != event.SeverityWarn {
		t.Fatalf("unexpected routing: %+v", out)
	}
}

func TestFormatDropUnmatched(t *testing.T) {
	t.Parallel()
	rules, err := CompileRules([]RuleSpec{{Pattern: `^ALERT`}})
	if err != nil {
		t.Fatalf("CompileRules error: %v", err)
	}
	f := mustFormatter(t, Config{Rules: rules, DropUnmatched: true})
	if _, err := f.Format(ev("e1", event.SeverityInfo, "hello")); !errors.Is(err, ErrNoRule) {
		t.Fatalf("err = %v, want ErrNoRule", err)
	}
	out, err := f.Format(ev("e2", event.SeverityInfo, "status\nALERT: down"))
	if err != nil {
		t.Fatalf("multiline match failed: %v", err)
	}
	if !strings.Contains(out.Text, "ALERT: down") {
		t.Fatalf("Text = %q", out.Text)
	}
}

func TestLoadRulesYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rules.yml")
	data := "- pattern: 'deploy (?P<svc>\\w+)'\n  topic_id: 7\n  template: 'deployed {{.svc}} / {{._raw}}'\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules error: %v", err)
	}
	if len(rules) != 1 || rules[0].TopicID != 7 || rules[0].Name != "rule0" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
	f := mustFormatter(t, Config{Rules: rules})
	out, err := f.Format(ev("e1", event.SeverityInfo, "deploy api"))
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	if out.Text != severityTag(event.SeverityInfo, ParseModePlain)+"deployed api / deploy api" {
		t.Fatalf("Text = %q", out.Text)
	}
}

func TestCompileRulesInvalid(t *testing.T) {
	t.Parallel()
	bad := [][]RuleSpec{
		{{Pattern: ""}},
		{{Pattern: "("}},
		{{Pattern: "x", Severity: "loud"}},
		{{Pattern: "x", Template: "{{"}},
	}
	for i, specs := range bad {
		if _, err := CompileRules(specs); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestNewRejectsUnknownParseMode(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ParseMode: "Markdown"}); err == nil {
		t.Fatal("expected error for legacy Markdown mode")
	}
}
