// Package remote is the boundary to the text-generation service. The service
// is treated as an untrusted, non-deterministic black box: the only contract
// is that a response should contain one well-formed JSON block, and that
// safety filtering (empty responses, block signals, silently altered content)
// is surfaced as typed errors instead of being passed off as success.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBlocked means the service refused the request on content-policy
	// grounds. Never retried against the same request.
	ErrBlocked = errors.New("generation blocked by content policy")

	// ErrEmptyResponse means the service returned no usable candidate.
	// Retryable up to the caller's cap.
	ErrEmptyResponse = errors.New("empty response from text service")
)

// Service generates a text blob from a prompt under a token budget.
type Service interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// PayloadError is a typed parse failure at the service boundary: the response
// arrived but did not contain the expected structured payload.
type PayloadError struct {
	Reason string
	Raw    string
}

func (e *PayloadError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return fmt.Sprintf("malformed payload: %s (raw: %q)", e.Reason, raw)
}

// IsPayloadError reports whether err is a malformed-payload error.
func IsPayloadError(err error) bool {
	var pe *PayloadError
	return errors.As(err, &pe)
}

// ExtractJSON returns the first well-formed JSON object or array embedded in a
// text blob, tolerating markdown fences, preamble, and trailing commentary the
// service wraps around its payload.
func ExtractJSON(blob string) (string, error) {
	s := stripFences(blob)

	start := -1
	for i, c := range s {
		if c == '{' || c == '[' {
			start = i
			break
		}
	}
	if start < 0 {
		return "", &PayloadError{Reason: "no JSON block found", Raw: blob}
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
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", &PayloadError{Reason: "unterminated JSON block", Raw: blob}
}

// stripFences removes a wrapping markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
