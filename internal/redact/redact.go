// Package redact masks credentials in text before it is persisted.
package redact

import (
	"math"
	"regexp"
)

const Placeholder = "[REDACTED]"

// DefaultEntropyThreshold separates random-looking values from words for
// the key=value heuristic.
const DefaultEntropyThreshold = 3.5

// Pattern is a credential format matched anywhere in the text.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
}

var defaultPatterns = []Pattern{
	{"AWS Access Key ID", regexp.MustCompile(`(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`)},
	{"Anthropic API Key", regexp.MustCompile(`sk-ant-api03-[a-zA-Z0-9_\-]{20,}`)},
	{"OpenAI Project Key", regexp.MustCompile(`sk-proj-[a-zA-Z0-9_\-]{32,}`)},
	{"OpenAI API Key", regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`)},
	{"Google API Key", regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`)},
	{"GitHub Token", regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36}`)},
	{"Slack Token", regexp.MustCompile(`xox[bp]-[0-9]{10,12}-[0-9]{10,12}(-[0-9]{10,12})?-[a-zA-Z0-9]{24,32}`)},
	{"Private Key", regexp.MustCompile(`(?s)-----BEGIN ([A-Z]+ )?PRIVATE KEY( BLOCK)?-----.*?(-----END ([A-Z]+ )?PRIVATE KEY( BLOCK)?-----|\z)`)},
}

var assignmentRegex = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key)(["']?\s*[:=]\s*["']?)([^\s"',;]{8,})`)

// Redactor replaces known credential formats and high-entropy values
// assigned to secret-looking keys.
type Redactor struct {
	patterns  []Pattern
	threshold float64
}

func New() *Redactor {
	return &Redactor{patterns: append([]Pattern(nil), defaultPatterns...), threshold: DefaultEntropyThreshold}
}

// AddPattern registers an extra credential format.
func (r *Redactor) AddPattern(p Pattern) {
	r.patterns = append(r.patterns, p)
}

// Matches names the patterns found in s, in pattern order.
func (r *Redactor) Matches(s string) []string {
	var names []string
	for _, p := range r.patterns {
		if p.Regex.MatchString(s) {
			names = append(names, p.Name)
		}
	}
	if r.assignments(s) > 0 {
		names = append(names, "Secret Assignment")
	}
	return names
}

// String returns s with every detected secret replaced by Placeholder.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	for _, p := range r.patterns {
		s = p.Regex.ReplaceAllString(s, Placeholder)
	}
	return assignmentRegex.ReplaceAllStringFunc(s, func(m string) string {
		sub := assignmentRegex.FindStringSubmatch(m)
		value := sub[3]
		if value == Placeholder || Entropy(value) < r.threshold {
			return m
		}
		return sub[1] + sub[2] + Placeholder
	})
}

func (r *Redactor) assignments(s string) int {
	n := 0
	for _, sub := range assignmentRegex.FindAllStringSubmatch(s, -1) {
		if Entropy(sub[3]) >= r.threshold {
			n++
		}
	}
	return n
}

// Entropy is the Shannon entropy of s in bits per rune.
func Entropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, c := range s {
		counts[c]++
		total++
	}
	var e float64
	for _, n := range counts {
		f := float64(n) / float64(total)
		e -= f * math.Log2(f)
	}
	return e
}

// Contains reports whether s holds anything String would replace.
func (r *Redactor) Contains(s string) bool {
	return len(r.Matches(s)) > 0
}
