// Package sanitize redacts secrets from text destined for artifacts and logs.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// minEnvValueLen guards against replacing trivially short env values that
// would shred unrelated text.
const minEnvValueLen = 8

type pattern struct {
	label string
	re    *regexp.Regexp
}

var catalogue = []pattern{
	{"anthropic_key", regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{20,}`)},
	{"openai_key", regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`)},
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"pem_block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"generic_credential", regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*['"]?[A-Za-z0-9\-_./+]{8,}['"]?`)},
}

// Sanitizer masks secrets in text. Zero value redacts only the built-in
// catalogue; WithEnvValues adds the values of configured sensitive env vars.
type Sanitizer struct {
	envValues map[string]string // var name -> value
}

// New builds a sanitizer over the given sensitive env var name/value pairs.
// Empty and short values are dropped.
func New(envValues map[string]string) *Sanitizer {
	kept := make(map[string]string, len(envValues))
	for name, value := range envValues {
		if len(value) >= minEnvValueLen {
			kept[name] = value
		}
	}
	return &Sanitizer{envValues: kept}
}

// Redact returns text with all catalogue matches and sensitive env values
// replaced by stable markers.
func (s *Sanitizer) Redact(text string) string {
	if text == "" {
		return text
	}
	for _, p := range catalogue {
		text = p.re.ReplaceAllString(text, fmt.Sprintf("[REDACTED:%s]", p.label))
	}
	if s == nil {
		return text
	}
	for name, value := range s.envValues {
		text = strings.ReplaceAll(text, value, fmt.Sprintf("[REDACTED:env:%s]", name))
	}
	return text
}
