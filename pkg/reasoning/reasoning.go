// Package reasoning abstracts the language models used for pricing decisions
// and work estimation behind a single completion interface, with adapters for
// the official Anthropic and OpenAI clients.
package reasoning

import (
	"context"
	"strings"
)

// Model produces a single completion for a system/user prompt pair. Adapters
// return the raw assistant text; callers parse it themselves.
type Model interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ModelFunc adapts a plain function to the Model interface, mainly for tests.
type ModelFunc func(ctx context.Context, system, user string) (string, error)

func (f ModelFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// ExtractJSON pulls the first JSON object out of a completion. Models often
// wrap their answer in markdown fences or surround it with prose.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
