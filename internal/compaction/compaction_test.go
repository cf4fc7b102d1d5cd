package compaction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/chatsync/internal/db"
	"github.com/manpreetbhatti/chatsync/internal/protocol"
)

type fakeStore struct {
	mu      sync.Mutex
	counts  map[string]int
	trimmed map[string]int
	failOn  string
}

func (f *fakeStore) Count(_ context.Context, room string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[room], nil
}

func (f *fakeStore) Trim(_ context.Context, room string, keep int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if room == f.failOn {
		return 0, errors.New("boom")
	}
	removed := f.counts[room] - keep
	if removed < 0 {
		removed = 0
	}
	f.counts[room] -= removed
	f.trimmed[room] += removed
	return int64(removed), nil
}

func TestCompactOnlyRoomsOverThreshold(t *testing.T) {
	store := &fakeStore{
		counts:  map[string]int{"lobby": 150, "hall": 20, "dev": 300},
		trimmed: map[string]int{},
		failOn:  "dev",
	}
	s := New(store, []string{"lobby", "hall", "dev"}, Config{Interval: time.Hour, MessageThreshold: 100, KeepRecentMessages: 50}, zerolog.Nop())

	assert.Equal(t, 1, s.compactAllRooms(context.Background()))
	assert.Equal(t, map[string]int{"lobby": 100}, store.trimmed)
	assert.Equal(t, 50, store.counts["lobby"])
	assert.Equal(t, 20, store.counts["hall"])
}

func TestStartRunsImmediately(t *testing.T) {
	store := &fakeStore{counts: map[string]int{"lobby": 10}, trimmed: map[string]int{}}
	s := New(store, []string{"lobby"}, Config{Interval: time.Hour, MessageThreshold: 5, KeepRecentMessages: 2}, zerolog.Nop())

	s.Start()
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.counts["lobby"] == 2
	}, time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestCompactNowAgainstSQLite(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "compaction.db"), zerolog.Nop())
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		msg := protocol.Message{ID: fmt.Sprintf("m%02d", i), Room: "lobby", Sender: "abcd", Body: "x", CreatedAt: time.Now()}
		require.NoError(t, database.Append(ctx, msg))
	}

	s := New(database, []string{"lobby"}, Config{Interval: time.Hour, MessageThreshold: 10, KeepRecentMessages: 4}, zerolog.Nop())
	removed, err := s.CompactNow(ctx, "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 8, removed)

	left, err := database.Recent(ctx, "lobby", 100)
	require.NoError(t, err)
	require.Len(t, left, 4)
	assert.Equal(t, "m08", left[0].ID)
}
