package report

import (
	"regexp"
	"strings"
)

// Placeholder replaces every redacted substring. Only the count of
// substitutions is recorded, never the matched content.
const Placeholder = "[REDACTED]"

// Redactor strips known secret shapes from text sourced from build logs,
// diffs, and test output. It must run before any such content is journaled
// or emitted.
type Redactor struct {
	patterns []*regexp.Regexp
}

// DefaultSecretPatterns is the fixed pattern set: bearer tokens, private-key
// blocks, provider access keys, credentialed URLs, and env assignments of
// sensitive names.
func DefaultSecretPatterns() []string {
	return []string{
		`(?i)bearer\s+[a-z0-9._~+/=\-]{8,}`,
		`-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)-----END [A-Z ]*PRIVATE KEY-----`,
		`\bAKIA[0-9A-Z]{16}\b`,
		`\bgh[pousr]_[A-Za-z0-9]{20,}\b`,
		`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`,
		`[a-z][a-z0-9+.\-]*://[^/\s:@]+:[^@\s]+@`,
		`(?im)^\s*(?:export\s+)?[A-Z0-9_]*(?:TOKEN|SECRET|PASSWORD|PASSWD|API_KEY|APIKEY|PRIVATE_KEY|CREDENTIALS?|AUTH)[A-Z0-9_]*\s*=\s*\S+`,
	}
}

// NewRedactor compiles the given patterns; nil or empty falls back to the
// default set.
func NewRedactor(patterns []string) (*Redactor, error) {
	if len(patterns) == 0 {
		patterns = DefaultSecretPatterns()
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return &Redactor{patterns: out}, nil
}

// Redact returns the scrubbed text and the number of substitutions made.
func (r *Redactor) Redact(s string) (string, int) {
	if s == "" {
		return "", 0
	}
	total := 0
	for _, re := range r.patterns {
		s = re.ReplaceAllStringFunc(s, func(string) string {
			total++
			return Placeholder
		})
	}
	return s, total
}

// sensitiveEnvName matches environment variable names whose values must
// never leave the process, regardless of shape.
var sensitiveEnvName = regexp.MustCompile(`(?i)(TOKEN|SECRET|PASSWORD|PASSWD|API_?KEY|PRIVATE_?KEY|CREDENTIALS?|AUTH)`)

// RedactEnv scrubs an environment map: sensitive names have their values
// replaced wholesale; remaining values go through pattern redaction.
func (r *Redactor) RedactEnv(env map[string]string) (map[string]string, int) {
	if len(env) == 0 {
		return nil, 0
	}
	out := make(map[string]string, len(env))
	total := 0
	for k, v := range env {
		if sensitiveEnvName.MatchString(k) {
			out[k] = Placeholder
			total++
			continue
		}
		scrubbed, n := r.Redact(v)
		out[k] = scrubbed
		total += n
	}
	return out, total
}

// EstimateTokens is the configured size heuristic: one token per four bytes.
func EstimateTokens(s string) int {
	return len(s) / 4
}

func trimToTokens(s string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	max := tokens * 4
	if len(s) <= max {
		return s
	}
	// Cut on a line boundary where possible so logs stay readable.
	cut := s[:max]
	if i := strings.LastIndexByte(cut, '\n'); i > max/2 {
		cut = cut[:i]
	}
	return cut
}
