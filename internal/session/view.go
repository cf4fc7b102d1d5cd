package session

import (
	"github.com/manpreetbhatti/chatsync/internal/conn"
	"github.com/manpreetbhatti/chatsync/internal/protocol"
	"github.com/manpreetbhatti/chatsync/internal/reply"
)

// View is a consistent copy of the session taken under one lock.
type View struct {
	State        State
	Room         string
	Pending      string
	Connectivity conn.State
	Self         string

	// Messages belong to MessagesRoom, which differs from Room only
	// while a disconnected room is cached or a rejoin is pending.
	Messages     []protocol.Message
	MessagesRoom string

	Members      int
	MembersKnown bool

	ReplyToID string
	ReplyTo   *reply.Summary

	LastError string
	// Errors counts server errors, so a repeated LastError still shows.
	Errors    uint64
	Discarded uint64
}

func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		State:        s.state,
		Room:         s.current,
		Pending:      s.pending,
		Connectivity: s.connectivity,
		Self:         s.self,
		Messages:     s.store.Messages(),
		MessagesRoom: s.store.Room(),
		ReplyToID:    s.replyTo,
		LastError:    s.lastError,
		Errors:       s.errorCount,
		Discarded:    s.discarded,
	}
	v.Members, v.MembersKnown = s.presence.Count()
	if s.replyTo != "" {
		if msg, ok := s.store.Find(s.replyTo); ok {
			summary := reply.Preview(msg)
			v.ReplyTo = &summary
		}
	}
	return v
}

// IsOwn reports whether msg was sent on this connection.
func (v View) IsOwn(msg protocol.Message) bool {
	return v.Self != "" && msg.Sender == v.Self
}
