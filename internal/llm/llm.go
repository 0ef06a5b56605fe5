// Package llm is the narrow language-model boundary the supervisor consumes:
// one single-shot completion and one streaming chat.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable is returned by the disabled client.
var ErrUnavailable = errors.New("language model unavailable")

// Message is one turn of a chat.
type Message struct {
	Role    string `json:"role"` // system, user or assistant
	Content string `json:"content"`
}

// Client is a language-model collaborator. Retries and backoff are its own concern.
type Client interface {
	// Complete sends a single prompt with an optional system instruction.
	Complete(ctx context.Context, system, prompt string) (string, error)
	// StreamChat sends messages and calls onChunk for every text delta. It
	// returns the concatenated reply.
	StreamChat(ctx context.Context, messages []Message, onChunk func(string)) (string, error)
}

// Disabled is the client used when no provider is configured.
type Disabled struct{}

func (Disabled) Complete(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}

func (Disabled) StreamChat(context.Context, []Message, func(string)) (string, error) {
	return "", ErrUnavailable
}

// ExtractSection returns the trimmed text between <tag> and </tag>, or "".
func ExtractSection(text, tag string) string {
	open, closing := "<"+tag+">", "</"+tag+">"
	start := strings.Index(text, open)
	if start < 0 {
		return ""
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, closing)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
