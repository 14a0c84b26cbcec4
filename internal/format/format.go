// Package format renders events into Telegram-safe message text.
//
// Rendering runs in a fixed order: routing rule (template + topic), text
// normalization, markup escaping, severity tag, truncation. Truncation counts
// UTF-16 code units, the unit Telegram uses for its 4096 limit.
package format

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode"
	"unicode/utf16"

	"notifybot/internal/event"
)

// MaxMessageLen is Telegram's sendMessage text limit.
const MaxMessageLen = 4096

// Ellipsis marks truncated output. It needs no escaping in any parse mode.
const Ellipsis = "…"

const (
	ParseModeHTML       = "HTML"
	ParseModeMarkdownV2 = "MarkdownV2"
	ParseModePlain      = ""
)

// ErrNoRule is returned when DropUnmatched is set and no rule matched.
var ErrNoRule = errors.New("no routing rule matched")

// FormatError reports an event whose payload cannot be rendered. Not retryable.
type FormatError struct {
	EventID string
	Reason  string
	Err     error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("format event %s: %s: %v", e.EventID, e.Reason, e.Err)
	}
	return fmt.Sprintf("format event %s: %s", e.EventID, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Config controls a Formatter.
type Config struct {
	ParseMode string
	// MaxLen overrides MaxMessageLen (tests use small values). <=0 means MaxMessageLen.
	MaxLen int
	// ThreadID is the default forum topic when no rule sets one.
	ThreadID      int
	Rules         []Rule
	DropUnmatched bool
}

// Rendered is the formatter output consumed by the queue.
type Rendered struct {
	Text      string
	ParseMode string
	ThreadID  int
	Severity  event.Severity
	Rule      string
}

// Formatter is immutable after construction and safe for concurrent use.
type Formatter struct {
	cfg Config
}

func New(cfg Config) (*Formatter, error) {
	switch cfg.ParseMode {
	case ParseModeHTML, ParseModeMarkdownV2, ParseModePlain:
	default:
		return nil, fmt.Errorf("unsupported parse mode %q", cfg.ParseMode)
	}
	if cfg.MaxLen <= 0 || cfg.MaxLen > MaxMessageLen {
		cfg.MaxLen = MaxMessageLen
	}
	return &Formatter{cfg: cfg}, nil
}

func (f *Formatter) ParseMode() string { return f.cfg.ParseMode }

// Format renders ev. Errors are *FormatError or ErrNoRule (wrapped in a FormatError).
func (f *Formatter) Format(ev event.Event) (Rendered, error) {
	out := Rendered{ParseMode: f.cfg.ParseMode, ThreadID: f.cfg.ThreadID, Severity: ev.Severity}

	body := ev.Payload
	if r, data, ok := matchRules(f.cfg.Rules, ev); ok {
		text, err := r.render(data)
		if err != nil {
			return Rendered{}, &FormatError{EventID: ev.ID, Reason: "rule " + r.Name + " template", Err: err}
		}
		body = text
		out.Rule = r.Name
		if r.TopicID != 0 {
			out.ThreadID = r.TopicID
		}
		if r.Severity != nil {
			out.Severity = *r.Severity
		}
	} else if f.cfg.DropUnmatched && len(f.cfg.Rules) > 0 {
		return Rendered{}, &FormatError{EventID: ev.ID, Reason: "unrouted", Err: ErrNoRule}
	}

	body = Normalize(body)
	if body == "" {
		return Rendered{}, &FormatError{EventID: ev.ID, Reason: "no representable content"}
	}

	prefix := severityTag(out.Severity, f.cfg.ParseMode)
	budget := f.cfg.MaxLen - textLen(prefix)
	if budget <= textLen(Ellipsis) {
		return Rendered{}, &FormatError{EventID: ev.ID, Reason: "message limit too small for severity tag"}
	}
	out.Text = prefix + escapeTruncate(body, f.cfg.ParseMode, budget)
	return out, nil
}

// Normalize drops invalid UTF-8 and control characters (except newline and
// tab), folds CRLF to LF and trims surrounding whitespace.
func Normalize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			continue
		}
		if unicode.Is(unicode.Cf, r) && r != '\u200d' {
			// format chars (bidi overrides, zero-width) except the emoji joiner
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// escapeTruncate escapes body rune by rune so that truncation never splits an
// escape sequence. budget is in UTF-16 units and includes the ellipsis when truncating.
func escapeTruncate(body, mode string, budget int) string {
	if n := escapedLen(body, mode); n <= budget {
		return escape(body, mode)
	}
	limit := budget - textLen(Ellipsis)
	var b strings.Builder
	used := 0
	for _, r := range body {
		piece := escapeRune(r, mode)
		n := textLen(piece)
		if used+n > limit {
			break
		}
		b.WriteString(piece)
		used += n
	}
	return strings.TrimRight(b.String(), " \n\t") + Ellipsis
}

func escape(s, mode string) string {
	switch mode {
	case ParseModeHTML:
		return html.EscapeString(s)
	case ParseModeMarkdownV2:
		var b strings.Builder
		for _, r := range s {
			b.WriteString(escapeRune(r, mode))
		}
		return b.String()
	default:
		return s
	}
}

func escapedLen(s, mode string) int {
	n := 0
	for _, r := range s {
		n += textLen(escapeRune(r, mode))
	}
	return n
}

const markdownV2Reserved = "_*[]()~`>#+-=|{}.!\\"

func escapeRune(r rune, mode string) string {
	switch mode {
	case ParseModeHTML:
		switch r {
		case '&', '<', '>', '"', '\'':
			return html.EscapeString(string(r))
		}
	case ParseModeMarkdownV2:
		if strings.ContainsRune(markdownV2Reserved, r) {
			return "\\" + string(r)
		}
	}
	return string(r)
}

// textLen counts UTF-16 code units.
func textLen(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

func severityTag(sev event.Severity, mode string) string {
	var icon, label string
	switch sev {
	case event.SeverityCritical:
		icon, label = "🚨", "CRITICAL"
	case event.SeverityError:
		icon, label = "❗", "ERROR"
	case event.SeverityWarn:
		icon, label = "⚠️", "WARN"
	default:
		icon, label = "ℹ️", "INFO"
	}
	switch mode {
	case ParseModeHTML:
		return icon + " <b>" + label + "</b> "
	case ParseModeMarkdownV2:
		return icon + " *" + label + "* "
	default:
		return icon + " [" + label + "] "
	}
}
