// Package redact scrubs sensitive substrings from text before it leaves the
// process. A Pipeline is compiled once per policy load and applied at the
// gateway exit.
package redact

import (
	"fmt"
	"regexp"

	"custodian-mesh/pkg/model"
)

type rule struct {
	re          *regexp.Regexp
	replacement string
}

// Pipeline is an ordered, compiled list of redaction rules. The zero value
// and a nil *Pipeline are valid no-ops.
type Pipeline struct {
	rules []rule
}

// Compile validates and compiles rules in order. A rule is rejected when its
// pattern can match empty text or when running the pipeline over its
// replacement changes it, since redacted output must survive a second pass.
func Compile(rules []model.RedactionRule) (*Pipeline, error) {
	p := &Pipeline{rules: make([]rule, 0, len(rules))}
	for i, r := range rules {
		expr := r.Pattern
		if expr == "" {
			return nil, fmt.Errorf("redaction rule %d: empty pattern", i)
		}
		if !r.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("redaction rule %d: %w", i, err)
		}
		if re.MatchString("") {
			return nil, fmt.Errorf("redaction rule %d: pattern %q matches empty text", i, r.Pattern)
		}
		p.rules = append(p.rules, rule{re: re, replacement: r.ReplacementText()})
	}
	for i, r := range p.rules {
		if got := p.pass(r.replacement); got != r.replacement {
			return nil, fmt.Errorf("redaction rule %d: replacement %q is rewritten to %q", i, r.replacement, got)
		}
	}
	return p, nil
}

// Len is the number of compiled rules.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}

func (p *Pipeline) pass(text string) string {
	for _, r := range p.rules {
		text = r.re.ReplaceAllLiteralString(text, r.replacement)
	}
	return text
}

// Apply runs every rule in order, each on the previous rule's output, and
// repeats the ordered pass until the text stops changing. A rule that eats
// its own match shortens the text on every pass, so len(text)+1 passes reach
// the fixpoint for those; if the bound is still hit the whole text is
// withheld.
func (p *Pipeline) Apply(text string) string {
	if p.Len() == 0 || text == "" {
		return text
	}
	out := text
	for n := 0; n <= len(text); n++ {
		next := p.pass(out)
		if next == out {
			return out
		}
		out = next
	}
	return model.DefaultRedactionReplacement
}

// Apply compiles rules and applies them to text.
func Apply(text string, rules []model.RedactionRule) (string, error) {
	p, err := Compile(rules)
	if err != nil {
		return "", err
	}
	return p.Apply(text), nil
}
