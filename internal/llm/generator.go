// Package llm wraps the hosted and local text models behind one interface.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when the model produced no text
var ErrEmptyResponse = errors.New("empty response from model")

// Generator produces free text for a prompt. It makes no promise about the
// shape of the text; callers recover structure themselves.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	// Close releases the underlying client
	Close() error
}

// StripCodeFences removes a surrounding markdown code fence, if any
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
