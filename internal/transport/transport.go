// Package transport is the chat boundary: inbound message events,
// admin command parsing, and the Telegram adapter. The scheduler owns
// the outbound notification channel; transport only consumes it.
package transport

import "time"

// Inbound is one user message event.
type Inbound struct {
	UserID       string
	ChatID       int64
	Timestamp    time.Time
	Text         string
	LanguageHint string
}

// Outbound is one message to deliver.
type Outbound struct {
	UserID    string
	Text      string
	ReplyMode string
}

// Sender delivers outbound messages; the Telegram adapter satisfies
// it, and tests substitute fakes.
type Sender interface {
	Send(userID, text string) error
}
