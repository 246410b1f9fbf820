package model

// DefaultRedactionReplacement is used when a rule leaves Replacement empty.
const DefaultRedactionReplacement = "[REDACTED]"

// Policy is the access-control policy applied to every inbound mesh request.
// The YAML layout follows the custodian policy.yaml file.
type Policy struct {
	Guardrails Guardrails  `yaml:"guardrails" json:"guardrails"`
	Security   Security    `yaml:"security" json:"security"`
	Privacy    Privacy     `yaml:"privacy" json:"privacy"`
	Share      SharePolicy `yaml:"share" json:"share"`
}

type Guardrails struct {
	AllowedOrigins            []string `yaml:"allowed_request_origins" json:"allowedOrigins"` // CIDR blocks; empty admits everyone
	RefuseIfKnowledgeNotReady bool     `yaml:"refuse_external_if_index_empty" json:"refuseIfKnowledgeNotReady"`
}

type Security struct {
	RequireSignedRequests bool `yaml:"require_signed_requests" json:"requireSignedRequests"`
}

type Privacy struct {
	Redactions []RedactionRule `yaml:"redactions" json:"redactions"`
}

// RedactionRule replaces every match of Pattern. Rules run in list order.
type RedactionRule struct {
	Pattern       string `yaml:"pattern" json:"pattern"`
	Replacement   string `yaml:"replacement,omitempty" json:"replacement,omitempty"`
	CaseSensitive bool   `yaml:"case_sensitive,omitempty" json:"caseSensitive,omitempty"`
}

// ReplacementText returns the literal substituted for a match.
func (r RedactionRule) ReplacementText() string {
	if r.Replacement == "" {
		return DefaultRedactionReplacement
	}
	return r.Replacement
}

// SharePolicy limits how much retrieved context leaves the process.
type SharePolicy struct {
	RawText            bool `yaml:"raw_text" json:"rawText"`
	MaxSnippets        int  `yaml:"max_snippets" json:"maxSnippets"`
	MaxCharsPerSnippet int  `yaml:"max_chars_per_snippet" json:"maxCharsPerSnippet"`
	IncludeProvenance  bool `yaml:"include_provenance" json:"includeProvenance"`
}

// DefaultPolicy mirrors the shipped policy.yaml: signed requests, readiness
// gating and abstractive sharing.
func DefaultPolicy() Policy {
	return Policy{
		Guardrails: Guardrails{RefuseIfKnowledgeNotReady: true},
		Security:   Security{RequireSignedRequests: true},
		Share: SharePolicy{
			MaxSnippets:        3,
			MaxCharsPerSnippet: 800,
			IncludeProvenance:  true,
		},
	}
}
