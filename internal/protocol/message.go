package protocol

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// Sender id used for server-generated notices
	SystemSender = "system"

	// Upper bound on a message body, counted in runes
	MaxBodyRunes = 500
)

var (
	ErrEmptyBody   = errors.New("message body is empty")
	ErrBodyTooLong = errors.New("message body exceeds 500 characters")
)

// A chat message as stored by the server and replayed to clients
type Message struct {
	ID        string         `json:"id"`
	Room      string         `json:"room"`
	Sender    string         `json:"sender"`
	Body      string         `json:"body"`
	CreatedAt time.Time      `json:"created_at"`
	ReplyTo   *ReplySnapshot `json:"reply_to"`
}

// Frozen copy of the message being replied to
type ReplySnapshot struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

func (m Message) IsSystem() bool {
	return m.Sender == SystemSender
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		m.ReplyTo = &ref
	}
	return m
}

// ValidateBody trims surrounding whitespace and enforces the body limits.
func ValidateBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(trimmed) > MaxBodyRunes {
		return "", ErrBodyTooLong
	}
	return trimmed, nil
}
