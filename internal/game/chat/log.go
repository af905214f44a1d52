// Package chat provides the bounded, ordered chat log replayed to joining players.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ErrEmptyMessage is returned when a message has no visible text.
var ErrEmptyMessage = errors.New("chat message is empty")

// ErrMessageTooLong is returned when a message exceeds the configured length.
var ErrMessageTooLong = errors.New("chat message too long")

// Message is one entry of the chat log.
type Message struct {
	SenderConnectionID string    `json:"senderConnectionId"`
	SenderName         string    `json:"senderName,omitempty"`
	Text               string    `json:"text"`
	SentAt             time.Time `json:"sentAt"`
}

// Log is an append-only chat history that keeps at most limit messages,
// evicting the oldest first. All methods are safe for concurrent use.
type Log struct {
	mu        sync.Mutex
	limit     int
	maxLength int
	messages  []Message
	now       func() time.Time
}

// NewLog creates a Log.
//
// Precondition: limit >= 1; maxLength >= 1.
// Postcondition: Returns an empty Log.
func NewLog(limit, maxLength int) *Log {
	if limit < 1 {
		limit = 1
	}
	if maxLength < 1 {
		maxLength = 1
	}
	return &Log{
		limit:     limit,
		maxLength: maxLength,
		messages:  make([]Message, 0, limit),
		now:       time.Now,
	}
}

// Validate trims text and checks it against the log's length rules.
//
// Postcondition: Returns the trimmed text, or ErrEmptyMessage / ErrMessageTooLong.
func (l *Log) Validate(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(text); n > l.maxLength {
		return "", fmt.Errorf("%w: %d > %d", ErrMessageTooLong, n, l.maxLength)
	}
	return text, nil
}

// Append validates and stores a message.
//
// Postcondition: Returns the stored Message, or a validation error with nothing stored.
func (l *Log) Append(senderConnID, senderName, text string) (Message, error) {
	text, err := l.Validate(text)
	if err != nil {
		return Message{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msg := Message{
		SenderConnectionID: senderConnID,
		SenderName:         senderName,
		Text:               text,
		SentAt:             l.now().UTC(),
	}
	if len(l.messages) == l.limit {
		copy(l.messages, l.messages[1:])
		l.messages = l.messages[:len(l.messages)-1]
	}
	l.messages = append(l.messages, msg)
	return msg, nil
}

// History returns a copy of the retained messages, oldest first.
func (l *Log) History() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of retained messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
