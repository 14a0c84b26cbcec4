package format

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"

	yaml "go.yaml.in/yaml/v3"

	"notifybot/internal/event"
)

// RuleSpec is the on-disk form of a routing rule.
//
// Example rules.yml:
//
//	- name: backup-failed
//	  pattern: '(?P<host>\S+) backup (?P<status>failed)'
//	  topic_id: 12
//	  severity: error
//	  template: '{{.host}}: backup {{.status}}'
type RuleSpec struct {
	Name     string `yaml:"name" json:"name"`
	Pattern  string `yaml:"pattern" json:"pattern"`
	TopicID  int    `yaml:"topic_id" json:"topic_id"`
	Severity string `yaml:"severity,omitempty" json:"severity,omitempty"`
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
}

// Rule routes matching events to a topic and rewrites their text.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	TopicID  int
	Severity *event.Severity
	Template *template.Template
}

// LoadRules reads a YAML list of rules. A missing or empty file yields no rules.
func LoadRules(path string) ([]Rule, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	var specs []RuleSpec
	if err := yaml.Unmarshal(b, &specs); err != nil {
		return nil, fmt.Errorf("rules: yaml unmarshal %s: %w", path, err)
	}
	return CompileRules(specs)
}

// CompileRules validates specs in order. Patterns are compiled in multiline mode.
func CompileRules(specs []RuleSpec) ([]Rule, error) {
	out := make([]Rule, 0, len(specs))
	for i, sp := range specs {
		name := strings.TrimSpace(sp.Name)
		if name == "" {
			name = fmt.Sprintf("rule%d", i)
		}
		if strings.TrimSpace(sp.Pattern) == "" {
			return nil, fmt.Errorf("rules[%d] %s: pattern required", i, name)
		}
		re, err := regexp.Compile("(?m)" + sp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rules[%d] %s: %w", i, name, err)
		}
		if sp.TopicID < 0 {
			return nil, fmt.Errorf("rules[%d] %s: topic_id must be >= 0", i, name)
		}
		r := Rule{Name: name, Pattern: re, TopicID: sp.TopicID}
		if strings.TrimSpace(sp.Severity) != "" {
			sev, ok := event.ParseSeverity(sp.Severity)
			if !ok {
				return nil, fmt.Errorf("rules[%d] %s: unknown severity %q", i, name, sp.Severity)
			}
			r.Severity = &sev
		}
		if sp.Template != "" {
			tpl, err := template.New(name).Option("missingkey=zero").Parse(sp.Template)
			if err != nil {
				return nil, fmt.Errorf("rules[%d] %s: template: %w", i, name, err)
			}
			r.Template = tpl
		}
		out = append(out, r)
	}
	return out, nil
}

// matchRules returns the first rule whose pattern matches the payload, along
// with its template data (named groups plus Raw/_raw, Source and Severity).
func matchRules(rules []Rule, ev event.Event) (Rule, map[string]any, bool) {
	for _, r := range rules {
		m := r.Pattern.FindStringSubmatch(ev.Payload)
		if m == nil {
			continue
		}
		data := map[string]any{
			"Raw":      ev.Payload,
			"_raw":     ev.Payload,
			"Source":   ev.Source,
			"Severity": ev.Severity.String(),
		}
		for i, n := range r.Pattern.SubexpNames() {
			if i == 0 || n == "" {
				continue
			}
			data[n] = m[i]
		}
		return r, data, true
	}
	return Rule{}, nil, false
}

func (r Rule) render(data map[string]any) (string, error) {
	if r.Template == nil {
		raw, _ := data["Raw"].(string)
		return raw, nil
	}
	var b strings.Builder
	if err := r.Template.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
