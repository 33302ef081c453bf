// Package redact scrubs transcript text before it is persisted.
package redact

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Rule rewrites matches in a line of transcript text.
type Rule interface {
	Apply(input string) (output string, hits int)
}

// Redactor applies an ordered rule list once. Each rule sees the output of
// the rules before it.
type Redactor struct {
	rules []Rule
}

// Options selects where rules come from. File rules run first, then inline
// rules, each in declaration order.
type Options struct {
	RulesFile string
	Rules     []string
}

func New(opts Options) (*Redactor, error) {
	var lines []numberedLine

	if path := strings.TrimSpace(opts.RulesFile); path != "" {
		contents, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read redaction rules %q: %w", path, err)
		default:
			for i, line := range strings.Split(string(contents), "\n") {
				lines = append(lines, numberedLine{source: path, number: i + 1, text: line})
			}
		}
	}
	for i, line := range opts.Rules {
		lines = append(lines, numberedLine{source: "config", number: i + 1, text: line})
	}

	rules, err := parseRules(lines)
	if err != nil {
		return nil, err
	}
	return &Redactor{rules: rules}, nil
}

func (r *Redactor) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

func (r *Redactor) Apply(text string) string {
	out, _ := r.ApplyCount(text)
	return out
}

// ApplyCount also reports how many substitutions were made.
func (r *Redactor) ApplyCount(text string) (string, int) {
	if r == nil {
		return text, 0
	}
	total := 0
	for _, rule := range r.rules {
		var hits int
		text, hits = rule.Apply(text)
		total += hits
	}
	return text, total
}
