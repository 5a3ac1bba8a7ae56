// Package llmprovider defines the narrow LLM-completion contract used by
// the decomposer, synthesizer, and completeness checker, plus the tolerant
// JSON extraction helper described in spec.md §6/§9.
package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON is returned by ParseJSON when no parseable JSON could be found
// in the completion text by any of the three tiers.
var ErrNoJSON = errors.New("llmprovider: no parseable JSON in completion")

// CompleteOptions configures a single LLM completion call.
type CompleteOptions struct {
	System      string
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// LLMProvider is the narrow interface every LLM-backed component depends
// on (§6).
type LLMProvider interface {
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)
}

// JSONComplete calls Complete and tolerantly parses the response into out,
// implementing the three-tier parser of §9: strict JSON, then a fenced
// ```json block, then the first balanced {...} substring.
func JSONComplete(ctx context.Context, llm LLMProvider, prompt string, opts CompleteOptions, out any) error {
	text, err := llm.Complete(ctx, prompt, opts)
	if err != nil {
		return err
	}
	return ParseJSON(text, out)
}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ParseJSON implements the tolerant three-tier JSON extraction from free-form
// LLM output: strict parse first, then a fenced code block, then the first
// balanced-brace substring.
func ParseJSON(text string, out any) error {
	trimmed := strings.TrimSpace(text)

	if err := json.Unmarshal([]byte(trimmed), out); err == nil {
		return nil
	}

	if m := fencedJSONPattern.FindStringSubmatch(trimmed); m != nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), out); err == nil {
			return nil
		}
	}

	if balanced := firstBalancedObject(trimmed); balanced != "" {
		if err := json.Unmarshal([]byte(balanced), out); err == nil {
			return nil
		}
	}

	return ErrNoJSON
}

// firstBalancedObject scans for the first top-level balanced {...} span,
// respecting string literals and escapes so braces inside strings don't
// throw off the depth count.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
