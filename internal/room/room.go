package room

import (
	"sync"

	"github.com/manpreetbhatti/chatsync/internal/protocol"
)

// Ordered message log for the room currently shown
type MessageStore struct {
	room     string
	messages []protocol.Message
	mu       sync.RWMutex
}

// Creates an empty store bound to no room
func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages: make([]protocol.Message, 0),
	}
}

// Returns the room the store currently holds
func (s *MessageStore) Room() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Swaps in a full log for room
func (s *MessageStore) Replace(room string, messages []protocol.Message) {
	next := make([]protocol.Message, 0, len(messages))
	for _, m := range messages {
		next = append(next, m.Clone())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = room
	s.messages = next
}

// Adds a live message; ignored unless it belongs to the store's room
func (s *MessageStore) Append(msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == "" || msg.Room != s.room {
		return false
	}
	s.messages = append(s.messages, msg.Clone())
	return true
}

// Empties the log but keeps the room
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]protocol.Message, 0)
}

// Empties the log and forgets the room
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = ""
	s.messages = make([]protocol.Message, 0)
}

// Returns a copy of the log in arrival order
func (s *MessageStore) Messages() []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

func (s *MessageStore) Find(id string) (protocol.Message, bool) {
	if id == "" {
		return protocol.Message{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return protocol.Message{}, false
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
