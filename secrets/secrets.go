// Package secrets scans text for credential material and redacts it before
// it crosses an agent boundary. Filtering is a hard gate: when a filter
// cannot run, the hand-off is blocked rather than passed through unscanned.
package secrets

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrFilterUnavailable means the filter could not scan the text. Callers
// must treat the text as unfiltered and refuse to hand it off.
var ErrFilterUnavailable = errors.New("secret filter unavailable")

// Result reports what a scan found and the redacted text.
type Result struct {
	Redacted string   `json:"redacted"`
	Matches  int      `json:"matches"`
	Patterns []string `json:"patterns,omitempty"`
}

// Clean reports whether nothing was redacted.
func (r Result) Clean() bool { return r.Matches == 0 }

// Filter scans text for secrets. Implementations must be safe for
// concurrent use.
type Filter interface {
	Scan(text string) (Result, error)
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

// Detector is the built-in regex Filter. Redacted values are replaced with
// [REDACTED:<pattern name>].
type Detector struct {
	patterns []pattern
}

// defaultPatterns covers the credential shapes agents most commonly leak:
// cloud keys, VCS tokens, bearer headers, private key blocks, and
// credentials embedded in URLs.
var defaultPatterns = []struct{ name, expr string }{
	{"aws_access_key", `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`},
	{"aws_secret_key", `(?i)aws[_\-]?secret[_\-]?(?:access[_\-]?)?key['"]?\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}`},
	{"github_token", `\bgh[pousr]_[A-Za-z0-9]{36,}\b`},
	{"gitlab_token", `\bglpat-[A-Za-z0-9\-_]{20,}\b`},
	{"slack_token", `\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`},
	{"openai_key", `\bsk-[A-Za-z0-9\-_]{32,}\b`},
	{"bearer_token", `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{20,}=*`},
	{"api_key_assignment", `(?i)\b(?:api[_\-]?key|apikey|auth[_\-]?token|access[_\-]?token)['"]?\s*[:=]\s*['"]?[A-Za-z0-9\-._]{16,}`},
	{"password_assignment", `(?i)\bpassword['"]?\s*[:=]\s*['"][^'"\s]{6,}['"]`},
	{"url_credentials", `\b[a-z][a-z0-9+\-.]*://[^/\s:@]+:[^/\s:@]+@`},
	{"private_key_block", `-----BEGIN (?:RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY(?: BLOCK)?-----`},
}

// NewDetector builds a Detector with the default pattern table plus any
// extra named patterns from the configuration.
func NewDetector(extra map[string]string) (*Detector, error) {
	d := &Detector{}
	for _, p := range defaultPatterns {
		d.patterns = append(d.patterns, pattern{name: p.name, re: regexp.MustCompile(p.expr)})
	}
	for name, expr := range extra {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile secret pattern %q: %w", name, err)
		}
		d.patterns = append(d.patterns, pattern{name: name, re: re})
	}
	return d, nil
}

// Scan redacts every pattern match in text. The original text is never
// returned alongside a non-clean result.
func (d *Detector) Scan(text string) (Result, error) {
	res := Result{Redacted: text}
	for _, p := range d.patterns {
		n := len(p.re.FindAllStringIndex(res.Redacted, -1))
		if n == 0 {
			continue
		}
		res.Redacted = p.re.ReplaceAllString(res.Redacted, "[REDACTED:"+p.name+"]")
		res.Matches += n
		res.Patterns = append(res.Patterns, p.name)
	}
	return res, nil
}

// Unavailable is a Filter that always fails. It stands in when the real
// filter cannot be constructed, so hand-offs are blocked instead of
// silently unfiltered.
type Unavailable struct{ Reason string }

func (u Unavailable) Scan(string) (Result, error) {
	return Result{}, fmt.Errorf("%w: %s", ErrFilterUnavailable, u.Reason)
}
