// Package reply turns reply references into display summaries.
package reply

import (
	"github.com/manpreetbhatti/chatsync/internal/protocol"
)

const (
	// Runes kept when a reply is frozen into a message
	SnapshotRunes = 120
	// Runes shown when a reply is rendered
	SummaryRunes = 60

	ellipsis = "…"
)

// What a caller shows above a reply
type Summary struct {
	Label string
	Text  string
}

// Label returns the display name for a sender id.
func Label(sender string) string {
	if sender == protocol.SystemSender {
		return "System"
	}
	r := []rune(sender)
	if len(r) > 4 {
		r = r[len(r)-4:]
	}
	return "User " + string(r)
}

// Truncate cuts s to at most n runes, ellipsis included.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return ellipsis
	}
	return string(r[:n-1]) + ellipsis
}

// Snapshot freezes msg into the reference stored on a reply.
func Snapshot(msg protocol.Message) protocol.ReplySnapshot {
	return protocol.ReplySnapshot{
		Sender: msg.Sender,
		Body:   Truncate(msg.Body, SnapshotRunes),
	}
}

// Summarize renders a stored reference. A nil reference yields the zero Summary.
func Summarize(ref *protocol.ReplySnapshot) Summary {
	if ref == nil {
		return Summary{}
	}
	return Summary{
		Label: Label(ref.Sender),
		Text:  Truncate(ref.Body, SummaryRunes),
	}
}

// Preview summarizes a message that is about to be replied to.
func Preview(msg protocol.Message) Summary {
	ref := Snapshot(msg)
	return Summarize(&ref)
}
