package redact

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodian-mesh/pkg/model"
)

var sampleRules = []model.RedactionRule{
	{Pattern: `[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`, Replacement: "[EMAIL]"},
	{Pattern: `\b\d{3}-\d{2}-\d{4}\b`},
	{Pattern: `password:\s*[^\s\[]\S*`, Replacement: "password: [REDACTED]"},
}

func mustCompile(t *testing.T, rules []model.RedactionRule) *Pipeline {
	t.Helper()
	p, err := Compile(rules)
	require.NoError(t, err)
	return p
}

func TestCompileRejectsFeedingRules(t *testing.T) {
	rules := []model.RedactionRule{
		{Pattern: `alice`, Replacement: "bob"},
		{Pattern: `bob`, Replacement: "[NAME]"},
	}
	_, err := Compile(rules)
	require.Error(t, err, "replacement of rule 0 is matched by rule 1")

	rules = []model.RedactionRule{
		{Pattern: `secret project \w+`, Replacement: "secret project"},
		{Pattern: `secret project`, Replacement: "[PROJECT]"},
	}
	_, err = Compile(rules)
	require.Error(t, err)

	rules = []model.RedactionRule{
		{Pattern: `acct-\d+`, Replacement: "acct-#"},
		{Pattern: `acct-#`, Replacement: "[ACCOUNT]", CaseSensitive: true},
	}
	_, err = Compile(rules)
	require.Error(t, err)
}

func TestApplyChained(t *testing.T) {
	// the second rule only matches text produced by the first
	rules := []model.RedactionRule{
		{Pattern: `\d{4}-\d{4}-\d{4}-\d{4}`, Replacement: "<card>"},
		{Pattern: `visa <card>`, Replacement: "[PAYMENT]"},
	}
	p, err := Compile(rules)
	require.NoError(t, err)
	assert.Equal(t, "paid with [PAYMENT] today", p.Apply("paid with visa 1234-5678-9012-3456 today"))
	assert.Equal(t, "ending <card>", p.Apply("ending 1234-5678-9012-3456"))
}

func TestApplyDefaultsAndCase(t *testing.T) {
	got, err := Apply("Mail ALICE@Example.COM, ssn 123-45-6789, Password: hunter2", sampleRules)
	require.NoError(t, err)
	assert.Equal(t, "Mail [EMAIL], ssn [REDACTED], password: [REDACTED]", got)

	sensitive := []model.RedactionRule{{Pattern: `Secret`, CaseSensitive: true}}
	got, err = Apply("Secret secret", sensitive)
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED] secret", got)
}

func TestApplyNoRules(t *testing.T) {
	var nilPipeline *Pipeline
	assert.Equal(t, "unchanged", nilPipeline.Apply("unchanged"))

	got, err := Apply("unchanged", nil)
	require.NoError(t, err)
	assert.Equal(t, "unchanged", got)
}

func TestApplyIdempotent(t *testing.T) {
	tests := map[string]struct {
		rules []model.RedactionRule
		texts []string
	}{
		"sample": {
			rules: sampleRules,
			texts: []string{
				"",
				"nothing to hide here",
				"contact bob@corp.io or carol@corp.io",
				"ssn 123-45-6789 and 987-65-4321",
				"password: a password: b",
				"[EMAIL] [REDACTED] already scrubbed",
			},
		},
		"shrinking": {
			rules: []model.RedactionRule{{Pattern: `ZA`, Replacement: "Z"}},
			texts: []string{"ZAAAAAAAA", "zaaaaaaaaaaaaaaaaaaaaaaaaa tail"},
		},
		"value eating": {
			rules: []model.RedactionRule{{Pattern: `key=\w`, Replacement: "key="}},
			texts: []string{"key=supersecretvalue;next", "a key=x b key=longer"},
		},
		"replacement matches its own pattern": {
			rules: []model.RedactionRule{{Pattern: `password:\s*\S+`, Replacement: "password: [REDACTED]"}},
			texts: []string{"password: hunter2 and password:abc", "password: [REDACTED]"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p := mustCompile(t, tc.rules)
			for _, text := range tc.texts {
				once := p.Apply(text)
				assert.Equal(t, once, p.Apply(once), "text %q", text)
			}
		})
	}
}

func TestApplyReachesFixpoint(t *testing.T) {
	p := mustCompile(t, []model.RedactionRule{{Pattern: `ZA`, Replacement: "Z"}})
	assert.Equal(t, "Z", p.Apply("ZAAAAAAAA"))

	p = mustCompile(t, []model.RedactionRule{{Pattern: `key=\w`, Replacement: "key="}})
	assert.Equal(t, "key=;next", p.Apply("key=supersecretvalue;next"))

	p = mustCompile(t, []model.RedactionRule{{Pattern: `password:\s*\S+`, Replacement: "password: [REDACTED]"}})
	assert.Equal(t, "password: [REDACTED] ok", p.Apply("password: hunter2 ok"))
}

func TestApplyWithholdsTextThatNeverSettles(t *testing.T) {
	// Compile refuses growing rules, so build the pipeline by hand.
	p := &Pipeline{rules: []rule{{re: regexp.MustCompile(`a`), replacement: "aa"}}}
	assert.Equal(t, model.DefaultRedactionReplacement, p.Apply("a secret"))
}

func TestCompileRejectsBadRules(t *testing.T) {
	tests := map[string]model.RedactionRule{
		"invalid regex": {Pattern: `(unclosed`},
		"empty pattern": {Pattern: ""},
		"empty match":   {Pattern: `x*`},
		"self feeding":  {Pattern: `token`, Replacement: "token-hidden"},
		"growing":       {Pattern: `x`, Replacement: "yx"},
	}
	for name, r := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Compile([]model.RedactionRule{r})
			assert.Error(t, err)
		})
	}
}
