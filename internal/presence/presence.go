package presence

import "sync"

// Member count for the joined room, as last pushed by the server
type Tracker struct {
	mu    sync.RWMutex
	room  string
	count int
	known bool
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Reset binds the tracker to room and forgets the count.
func (t *Tracker) Reset(room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.room = room
	t.count = 0
	t.known = false
}

// Set records n for room. Updates for another room or negative counts are dropped.
func (t *Tracker) Set(room string, n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room == "" || room != t.room || n < 0 {
		return false
	}
	t.count = n
	t.known = true
	return true
}

func (t *Tracker) Count() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count, t.known
}

func (t *Tracker) Room() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.room
}
