// Package llm adapts raw LLM responses to the analysis schema the pipeline
// consumes: sanitizing malformed JSON, validating the contract, and building
// the prompts sent through the domain.LLMClient port.
package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// Sanitizer repairs the common ways models violate the JSON-only contract:
// markdown fences, trailing commas, and truncated output.
type Sanitizer struct{}

// NewSanitizer creates a sanitizer.
func NewSanitizer() *Sanitizer { return &Sanitizer{} }

// Sanitize returns a parseable JSON document or the best-effort repair of one.
// The stages run in order: strip fences, extract the object, drop trailing
// commas, close unterminated strings/braces.
func (s *Sanitizer) Sanitize(response string) string {
	response = stripFences(response)
	response = extractObject(response)
	response = trailingCommaRe.ReplaceAllString(response, "$1")
	if json.Valid([]byte(response)) {
		return response
	}
	return completeDelimiters(response)
}

func stripFences(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}

// extractObject drops prose surrounding the outermost JSON object. Truncated
// responses keep everything from the first brace on.
func extractObject(response string) string {
	start := strings.Index(response, "{")
	if start < 0 {
		return response
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return response[start:]
}

// completeDelimiters appends the closing delimiters a truncated response is
// missing, counting unescaped braces and brackets outside string literals.
func completeDelimiters(response string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(response); i++ {
		c := response[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			stack = append(stack, c)
		case c == '}' || c == ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var b strings.Builder
	b.WriteString(response)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	out := b.String()
	// A truncated document may end mid-value; retry once with the dangling
	// token trimmed back to the last complete element.
	if !json.Valid([]byte(out)) {
		out = trailingCommaRe.ReplaceAllString(out, "$1")
	}
	return out
}
