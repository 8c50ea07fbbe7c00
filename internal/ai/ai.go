// Package ai talks to an OpenAI-compatible chat completion endpoint and turns
// a conversation into a single reply.
package ai

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrUnconfigured is returned by the responder built without an API key.
var ErrUnconfigured = errors.New("ai client not configured")

// Turn roles accepted in history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior message of the conversation, oldest first.
type Turn struct {
	Role    string
	Content string
}

// Responder produces a reply for message given the prior turns.
type Responder interface {
	Respond(ctx context.Context, message string, history []Turn) (string, error)
}

// Unconfigured is the responder used when no AI credentials exist.
type Unconfigured struct{}

// Respond always fails with ErrUnconfigured.
func (Unconfigured) Respond(context.Context, string, []Turn) (string, error) {
	return "", ErrUnconfigured
}

var (
	disclaimerPattern = regexp.MustCompile(`(?i)\bas an? (ai|artificial intelligence)( language)? model[^,.]*,?\s*`)
	selfIDPattern     = regexp.MustCompile(`(?i)\b(i am|i'm)\s+(chatgpt|gpt-[\w.]+|an? (large )?language model|an ai (model|assistant))(,?\s+(developed|created|trained|made|built) by (openai|google|meta|anthropic))?`)
	makerPattern      = regexp.MustCompile(`(?i)\b(developed|created|trained|made|built|powered) by (openai|google|meta|anthropic)\b`)
	providerPattern   = regexp.MustCompile(`(?i)\b(chatgpt|openai)\b`)
	spacePattern      = regexp.MustCompile(`[ \t]{2,}`)
)

// Sanitize strips model and provider self-identification from a reply and
// presents the assistant under name instead.
func Sanitize(reply, name string) string {
	if name == "" {
		name = "your assistant"
	}
	out := disclaimerPattern.ReplaceAllString(reply, "")
	out = selfIDPattern.ReplaceAllStringFunc(out, func(match string) string {
		if strings.HasPrefix(strings.ToLower(match), "i am") {
			return "I am " + name
		}
		return "I'm " + name
	})
	out = makerPattern.ReplaceAllString(out, "${1} for this service")
	out = providerPattern.ReplaceAllString(out, name)
	out = spacePattern.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)
	if out == "" {
		return out
	}
	// A stripped disclaimer can leave the sentence starting lowercase.
	r, size := utf8.DecodeRuneInString(out)
	return string(unicode.ToUpper(r)) + out[size:]
}
