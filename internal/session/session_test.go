package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/chatsync/internal/conn"
	"github.com/manpreetbhatti/chatsync/internal/protocol"
)

type fakeConn struct {
	events chan conn.Event

	mu   sync.Mutex
	sent []protocol.Action
	err  error
}

func (f *fakeConn) Events() <-chan conn.Event { return f.events }

func (f *fakeConn) Submit(a protocol.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeConn) Sent() []protocol.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Action(nil), f.sent...)
}

func (f *fakeConn) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	conn    *fakeConn
	s       *Session
	flushes int
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	fc := &fakeConn{events: make(chan conn.Event, 64)}
	s := New(fc, Options{
		Catalog:     []string{"lobby", "hall", "dev"},
		GracePeriod: grace,
		Logger:      zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	h := &harness{t: t, ctx: context.Background(), conn: fc, s: s}
	h.transition(conn.Connecting)
	h.transition(conn.Connected)
	h.flush()
	return h
}

func (h *harness) push(p protocol.Event) {
	h.conn.events <- conn.Event{Packet: p}
}

func (h *harness) transition(state conn.State) {
	h.conn.events <- conn.Event{State: state}
}

// flush waits until every event pushed so far has been applied
func (h *harness) flush() {
	h.t.Helper()
	h.flushes++
	id := fmt.Sprintf("flush-%d", h.flushes)
	h.push(protocol.Hello{ConnectionID: id})
	require.Eventually(h.t, func() bool { return h.s.View().Self == id }, time.Second, time.Millisecond)
}

func (h *harness) join(room string) {
	h.t.Helper()
	require.NoError(h.t, h.s.JoinRoom(h.ctx, room))
}

// joinWith joins room and settles it with the given snapshot
func (h *harness) joinWith(room string, messages ...protocol.Message) {
	h.t.Helper()
	h.join(room)
	h.push(protocol.HistorySnapshot{Room: room, Messages: messages})
	h.flush()
	require.Equal(h.t, Joined, h.s.View().State)
}

func msg(room, id, body string) protocol.Message {
	return protocol.Message{ID: id, Room: room, Sender: "conn-" + id, Body: body}
}

func ids(messages []protocol.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestLobbyScenario(t *testing.T) {
	h := newHarness(t, time.Second)

	h.join("lobby")
	assert.Equal(t, []protocol.Action{protocol.JoinRoom{Room: "lobby"}}, h.conn.Sent())
	v := h.s.View()
	assert.Equal(t, Joining, v.State)
	assert.Equal(t, "lobby", v.Pending)

	h.push(protocol.HistorySnapshot{Room: "lobby", Messages: []protocol.Message{
		msg("lobby", "A", "first"), msg("lobby", "B", "second"),
	}})
	h.push(protocol.PresenceUpdate{Room: "lobby", Count: 2})
	h.flush()

	v = h.s.View()
	assert.Equal(t, Joined, v.State)
	assert.Equal(t, "lobby", v.Room)
	assert.Equal(t, []string{"A", "B"}, ids(v.Messages))
	assert.True(t, v.MembersKnown)
	assert.Equal(t, 2, v.Members)

	h.push(protocol.MessageDelivered{Room: "lobby", Message: msg("lobby", "C", "third")})
	h.flush()
	assert.Equal(t, []string{"A", "B", "C"}, ids(h.s.View().Messages))

	h.push(protocol.RoomCleared{Room: "lobby"})
	h.flush()
	assert.Empty(t, h.s.View().Messages)
	assert.Equal(t, Joined, h.s.View().State)
}

func TestBackToBackJoinDiscardsAbandonedSnapshot(t *testing.T) {
	h := newHarness(t, time.Second)

	h.join("lobby")
	h.join("hall")
	assert.Equal(t, []protocol.Action{
		protocol.JoinRoom{Room: "lobby"},
		protocol.JoinRoom{Room: "hall"},
	}, h.conn.Sent(), "no leave or cancel goes out for an abandoned join")

	h.push(protocol.HistorySnapshot{Room: "lobby", Messages: []protocol.Message{msg("lobby", "L1", "old")}})
	h.push(protocol.PresenceUpdate{Room: "lobby", Count: 7})
	h.flush()

	v := h.s.View()
	assert.Equal(t, Joining, v.State)
	assert.Equal(t, "hall", v.Pending)
	assert.Empty(t, v.Messages)
	assert.False(t, v.MembersKnown)
	assert.Equal(t, uint64(2), v.Discarded)

	h.push(protocol.HistorySnapshot{Room: "hall", Messages: []protocol.Message{msg("hall", "H1", "new")}})
	h.push(protocol.HistorySnapshot{Room: "lobby", Messages: []protocol.Message{msg("lobby", "L2", "later")}})
	h.push(protocol.MessageDelivered{Room: "lobby", Message: msg("lobby", "L3", "live")})
	h.flush()

	v = h.s.View()
	assert.Equal(t, Joined, v.State)
	assert.Equal(t, "hall", v.Room)
	assert.Equal(t, []string{"H1"}, ids(v.Messages))
}

func TestSwitchFromJoinedLeavesFirst(t *testing.T) {
	h := newHarness(t, time.Second)
	h.joinWith("lobby", msg("lobby", "A", "a"))
	h.push(protocol.PresenceUpdate{Room: "lobby", Count: 3})
	h.flush()

	h.join("hall")
	assert.Equal(t, []protocol.Action{
		protocol.JoinRoom{Room: "lobby"},
		protocol.LeaveRoom{Room: "lobby"},
		protocol.JoinRoom{Room: "hall"},
	}, h.conn.Sent())

	v := h.s.View()
	assert.Empty(t, v.Messages, "store is cleared on switch")
	assert.False(t, v.MembersKnown, "presence resets on switch")

	h.push(protocol.HistorySnapshot{Room: "lobby", Messages: []protocol.Message{msg("lobby", "A", "a"), msg("lobby", "B", "b")}})
	h.flush()
	v = h.s.View()
	assert.Equal(t, Joining, v.State)
	assert.Empty(t, v.Messages, "late lobby snapshot is ignored")
}

func TestRejoinSameRoomIsNoop(t *testing.T) {
	h := newHarness(t, time.Second)
	h.joinWith("lobby", msg("lobby", "A", "a"))
	before := h.conn.Sent()

	h.join("lobby")
	assert.Equal(t, before, h.conn.Sent())
	v := h.s.View()
	assert.Equal(t, Joined, v.State)
	assert.Equal(t, []string{"A"}, ids(v.Messages))

	h.join("hall")
	sent := len(h.conn.Sent())
	h.join("hall")
	assert.Len(t, h.conn.Sent(), sent, "pending room is also a no-op")
}

func TestJoinRejections(t *testing.T) {
	h := newHarness(t, time.Second)

	err := h.s.JoinRoom(h.ctx, "nowhere")
	assert.ErrorIs(t, err, ErrUnknownRoom)

	h.transition(conn.Disconnected)
	h.flush()
	assert.ErrorIs(t, h.s.JoinRoom(h.ctx, "lobby"), ErrNotConnected)
	assert.Empty(t, h.conn.Sent())
}

func TestSendRules(t *testing.T) {
	h := newHarness(t, time.Second)

	assert.ErrorIs(t, h.s.Send(h.ctx, "hello"), ErrNoRoom)

	h.joinWith("lobby")
	assert.ErrorIs(t, h.s.Send(h.ctx, "   \n\t"), ErrEmptyBody)
	assert.ErrorIs(t, h.s.Send(h.ctx, strings.Repeat("a", 501)), ErrBodyTooLong)

	require.NoError(t, h.s.Send(h.ctx, "  hi there  "))
	sent := h.conn.Sent()
	assert.Equal(t, protocol.SendMessage{Room: "lobby", Body: "hi there"}, sent[len(sent)-1])
	for _, a := range sent {
		if sm, ok := a.(protocol.SendMessage); ok {
			assert.NotEmpty(t, sm.Body)
		}
	}
}

func TestSendFailureSurfaces(t *testing.T) {
	h := newHarness(t, time.Second)
	h.joinWith("lobby")

	h.conn.fail(conn.ErrSendQueueFull)
	err := h.s.Send(h.ctx, "hello")
	assert.ErrorIs(t, err, conn.ErrSendQueueFull)
}

func TestReplyFlow(t *testing.T) {
	h := newHarness(t, time.Second)
	sys := protocol.Message{ID: "S", Room: "lobby", Sender: protocol.SystemSender, Body: "User abcd joined the room"}
	h.joinWith("lobby", msg("lobby", "A", "original text"), sys)

	assert.ErrorIs(t, h.s.ReplyTo(h.ctx, "missing"), ErrUnknownMessage)
	assert.ErrorIs(t, h.s.ReplyTo(h.ctx, "S"), ErrReplyToSystem)

	require.NoError(t, h.s.ReplyTo(h.ctx, "A"))
	v := h.s.View()
	assert.Equal(t, "A", v.ReplyToID)
	require.NotNil(t, v.ReplyTo)
	assert.Equal(t, "User nn-A", v.ReplyTo.Label)
	assert.Equal(t, "original text", v.ReplyTo.Text)

	require.NoError(t, h.s.Send(h.ctx, "answer"))
	sent := h.conn.Sent()
	assert.Equal(t, protocol.SendMessage{Room: "lobby", Body: "answer", ReplyToID: "A"}, sent[len(sent)-1])
	assert.Empty(t, h.s.View().ReplyToID, "sending clears the pending reply")

	require.NoError(t, h.s.ReplyTo(h.ctx, "A"))
	require.NoError(t, h.s.CancelReply(h.ctx))
	assert.Empty(t, h.s.View().ReplyToID)

	require.NoError(t, h.s.ReplyTo(h.ctx, "A"))
	h.join("hall")
	assert.Empty(t, h.s.View().ReplyToID, "switching rooms drops the pending reply")
}

func TestClearWaitsForServer(t *testing.T) {
	h := newHarness(t, time.Second)
	assert.ErrorIs(t, h.s.Clear(h.ctx), ErrNoRoom)

	h.joinWith("lobby", msg("lobby", "A", "a"))
	require.NoError(t, h.s.Clear(h.ctx))
	sent := h.conn.Sent()
	assert.Equal(t, protocol.ClearRoom{Room: "lobby"}, sent[len(sent)-1])
	assert.Len(t, h.s.View().Messages, 1, "local log survives until room_cleared")

	h.push(protocol.RoomCleared{Room: "hall"})
	h.flush()
	assert.Len(t, h.s.View().Messages, 1)

	h.push(protocol.RoomCleared{Room: "lobby"})
	h.flush()
	assert.Empty(t, h.s.View().Messages)
}

func TestRoomClearedFromAnotherClient(t *testing.T) {
	h := newHarness(t, time.Second)
	h.joinWith("lobby", msg("lobby", "A", "a"), msg("lobby", "B", "b"))

	h.push(protocol.RoomCleared{Room: "lobby"})
	h.push(protocol.MessageDelivered{Room: "lobby", Message: msg("lobby", "C", "c")})
	h.flush()
	assert.Equal(t, []string{"C"}, ids(h.s.View().Messages))
}

func TestLeaveRoom(t *testing.T) {
	h := newHarness(t, time.Second)
	assert.ErrorIs(t, h.s.LeaveRoom(h.ctx), ErrNoRoom)

	h.joinWith("lobby", msg("lobby", "A", "a"))
	require.NoError(t, h.s.LeaveRoom(h.ctx))

	sent := h.conn.Sent()
	assert.Equal(t, protocol.LeaveRoom{Room: "lobby"}, sent[len(sent)-1])
	v := h.s.View()
	assert.Equal(t, Idle, v.State)
	assert.Empty(t, v.Messages)
	assert.False(t, v.MembersKnown)

	h.push(protocol.MessageDelivered{Room: "lobby", Message: msg("lobby", "B", "b")})
	h.flush()
	assert.Empty(t, h.s.View().Messages)

	h.join("hall")
	require.NoError(t, h.s.LeaveRoom(h.ctx))
	sent = h.conn.Sent()
	assert.Equal(t, protocol.LeaveRoom{Room: "hall"}, sent[len(sent)-1], "leaving a pending join names the pending room")
}

func TestDisconnectGraceRejoinKeepsCache(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.joinWith("lobby", msg("lobby", "A", "a"), msg("lobby", "B", "b"))

	h.transition(conn.Disconnected)
	h.flush()
	v := h.s.View()
	assert.Equal(t, Idle, v.State)
	assert.Equal(t, conn.Disconnected, v.Connectivity)
	assert.Equal(t, "lobby", v.MessagesRoom)
	assert.Equal(t, []string{"A", "B"}, ids(v.Messages), "content is cached during grace")

	assert.ErrorIs(t, h.s.Send(h.ctx, "hi"), ErrNoRoom)

	h.transition(conn.Connected)
	h.flush()
	h.join("lobby")
	v = h.s.View()
	assert.Equal(t, Joining, v.State)
	assert.Equal(t, []string{"A", "B"}, ids(v.Messages), "rejoin keeps cache until the snapshot")

	h.push(protocol.HistorySnapshot{Room: "lobby", Messages: []protocol.Message{msg("lobby", "B", "b"), msg("lobby", "C", "c")}})
	h.flush()
	assert.Equal(t, []string{"B", "C"}, ids(h.s.View().Messages))
}

func TestDisconnectJoinOtherRoomDropsCache(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.joinWith("lobby", msg("lobby", "A", "a"))

	h.transition(conn.Disconnected)
	h.transition(conn.Connected)
	h.flush()
	h.join("hall")

	v := h.s.View()
	assert.Empty(t, v.Messages)
	assert.Equal(t, "", v.MessagesRoom)
}

func TestGraceExpiryDropsCache(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.joinWith("lobby", msg("lobby", "A", "a"))
	h.push(protocol.PresenceUpdate{Room: "lobby", Count: 4})

	h.transition(conn.Disconnected)
	h.flush()

	require.Eventually(t, func() bool {
		v := h.s.View()
		return len(v.Messages) == 0 && v.MessagesRoom == "" && !v.MembersKnown
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectWhileJoining(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.join("lobby")

	h.transition(conn.Disconnected)
	h.push(protocol.HistorySnapshot{Room: "lobby", Messages: []protocol.Message{msg("lobby", "A", "a")}})
	h.flush()

	v := h.s.View()
	assert.Equal(t, Idle, v.State)
	assert.Empty(t, v.Messages)
}

func TestServerErrorRecorded(t *testing.T) {
	h := newHarness(t, time.Second)
	h.push(protocol.Error{Code: "rate_limited", Message: "slow down"})
	h.flush()
	assert.Equal(t, "slow down", h.s.View().LastError)
	assert.EqualValues(t, 1, h.s.View().Errors)

	h.push(protocol.Error{Code: "rate_limited", Message: "slow down"})
	h.flush()
	assert.EqualValues(t, 2, h.s.View().Errors, "a repeated error is counted again")
}

func TestUpdatesNotify(t *testing.T) {
	h := newHarness(t, time.Second)
	for len(h.s.Updates()) > 0 {
		<-h.s.Updates()
	}
	h.join("lobby")
	select {
	case <-h.s.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update after join")
	}
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, time.Second)
	assert.ErrorIs(t, h.s.Run(context.Background()), ErrRunning)
}

func TestCommandAfterStop(t *testing.T) {
	fc := &fakeConn{events: make(chan conn.Event)}
	s := New(fc, Options{Catalog: []string{"lobby"}, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.ErrorIs(t, s.JoinRoom(context.Background(), "lobby"), ErrClosed)
}
