// Package pattern extracts export variables from process output lines and
// vets the configured regular expressions before they are allowed near a
// byte stream.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	maxPatternLen = 500
	probeLen      = 100
	probeBudget   = 50 * time.Millisecond
)

// SafetyError is raised at construction time when a configured pattern is too
// long, structurally dangerous, or empirically slow.
type SafetyError struct {
	Name   string
	Reason string
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("unsafe pattern %q: %s", e.Name, e.Reason)
}

// Validate compiles expr after checking the safety rules: a length cap, a
// structural check for nested quantifiers such as (x+)+, and a timing probe
// against a fixed 100-character input.
func Validate(name, expr string) (*regexp.Regexp, error) {
	if len(expr) > maxPatternLen {
		return nil, &SafetyError{Name: name, Reason: fmt.Sprintf("pattern exceeds %d characters", maxPatternLen)}
	}
	if hasNestedQuantifier(expr) {
		return nil, &SafetyError{Name: name, Reason: "nested quantifiers are not allowed"}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &SafetyError{Name: name, Reason: err.Error()}
	}
	probe := strings.Repeat("a", probeLen)
	start := time.Now()
	re.MatchString(probe)
	if d := time.Since(start); d > probeBudget {
		return nil, &SafetyError{Name: name, Reason: fmt.Sprintf("probe match took %v (budget %v)", d, probeBudget)}
	}
	return re, nil
}

// hasNestedQuantifier reports whether a quantified group is itself followed by
// a quantifier, e.g. (a+)+ or (\d*){2}. Escapes and character classes are
// skipped; this is a structural heuristic, not a full parse.
func hasNestedQuantifier(expr string) bool {
	var stack []bool // per open group: quantifier seen inside
	inClass := false
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		if ch == '\\' {
			i++
			continue
		}
		if inClass {
			if ch == ']' {
				inClass = false
			}
			continue
		}
		switch ch {
		case '[':
			inClass = true
		case '(':
			stack = append(stack, false)
		case '+', '*', '{':
			if len(stack) > 0 {
				stack[len(stack)-1] = true
			}
		case ')':
			if len(stack) == 0 {
				continue
			}
			sawQuant := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if sawQuant && i+1 < len(expr) {
				switch expr[i+1] {
				case '+', '*', '{':
					return true
				}
			}
			// the group still counts as content of its parent
			if sawQuant && len(stack) > 0 {
				stack[len(stack)-1] = true
			}
		}
	}
	return false
}

// Match is one extracted variable from an output line.
type Match struct {
	Name  string
	Value string
}

// Scanner scans output lines for configured named patterns plus fallback
// "listening on port/url" detection when no explicit port or url pattern is
// configured.
type Scanner struct {
	named   map[string]*regexp.Regexp
	hasPort bool
	hasURL  bool
}

// Fallback patterns for common server startup lines. Used only when the
// process declares no explicit port/url pattern of its own.
var (
	fallbackPortRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)listening on(?: port)?[ :]+(\d{2,5})\b`),
		regexp.MustCompile(`(?i)(?:started|running|serving|ready|available).{0,40}?port[ :]+(\d{2,5})\b`),
		regexp.MustCompile(`(?i)\blistening (?:at|on) [^ ]*:(\d{2,5})\b`),
	}
	fallbackURLRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:listening|running|serving|available|ready)(?: on| at)?[ :]+(https?://[^\s"']+)`),
	}
)

// NewScanner validates every configured pattern; any violation fails the
// whole scanner with a SafetyError.
func NewScanner(vars map[string]string) (*Scanner, error) {
	s := &Scanner{named: make(map[string]*regexp.Regexp, len(vars))}
	for name, expr := range vars {
		re, err := Validate(name, expr)
		if err != nil {
			return nil, err
		}
		s.named[name] = re
		switch name {
		case "port":
			s.hasPort = true
		case "url":
			s.hasURL = true
		}
	}
	return s, nil
}

// HasPortPattern reports whether an explicit port pattern is configured.
func (s *Scanner) HasPortPattern() bool { return s.hasPort }

// HasURLPattern reports whether an explicit url pattern is configured.
func (s *Scanner) HasURLPattern() bool { return s.hasURL }

// Scan applies every pattern to one output line. For patterns with a capture
// group the first group is the value; otherwise the full match is.
func (s *Scanner) Scan(line string) []Match {
	var out []Match
	for name, re := range s.named {
		if v, ok := firstValue(re, line); ok {
			out = append(out, Match{Name: name, Value: v})
		}
	}
	if !s.hasPort {
		for _, re := range fallbackPortRes {
			if v, ok := firstValue(re, line); ok {
				out = append(out, Match{Name: "port", Value: v})
				break
			}
		}
	}
	if !s.hasURL {
		for _, re := range fallbackURLRes {
			if v, ok := firstValue(re, line); ok {
				out = append(out, Match{Name: "url", Value: strings.TrimRight(v, ".,;")})
				break
			}
		}
	}
	return out
}

func firstValue(re *regexp.Regexp, line string) (string, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	if len(m) > 1 && m[1] != "" {
		return m[1], true
	}
	return m[0], true
}
