// Package session coordinates the joined room: it sequences joins and
// leaves, routes server events into the message store and presence
// tracker, and drops anything addressed to a room that is no longer
// current.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/chatsync/internal/conn"
	"github.com/manpreetbhatti/chatsync/internal/presence"
	"github.com/manpreetbhatti/chatsync/internal/protocol"
	"github.com/manpreetbhatti/chatsync/internal/room"
)

const DefaultGracePeriod = 5 * time.Second

var (
	ErrUnknownRoom    = errors.New("unknown room")
	ErrNoRoom         = errors.New("no room joined")
	ErrNotConnected   = conn.ErrNotConnected
	ErrUnknownMessage = errors.New("unknown message")
	ErrReplyToSystem  = errors.New("cannot reply to a system message")
	ErrClosed         = errors.New("session closed")
	ErrRunning        = errors.New("session already running")

	ErrEmptyBody   = protocol.ErrEmptyBody
	ErrBodyTooLong = protocol.ErrBodyTooLong
)

// State of the room state machine
type State int

const (
	Idle State = iota
	Joining
	Joined
	// Leaving only lasts inside leave; views never see it.
	Leaving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Connection is the part of conn.Manager the session drives.
type Connection interface {
	Events() <-chan conn.Event
	Submit(protocol.Action) error
}

type Options struct {
	// Rooms that may be joined
	Catalog []string
	// How long cached content survives a disconnect. Zero means DefaultGracePeriod.
	GracePeriod time.Duration
	Logger      zerolog.Logger
}

type command struct {
	fn    func() error
	reply chan error
}

type Session struct {
	conn     Connection
	catalog  []string
	grace    time.Duration
	log      zerolog.Logger
	commands chan command
	updates  chan struct{}
	done     chan struct{}
	running  atomic.Bool

	// Owned by the Run goroutine
	graceTimer *time.Timer
	graceC     <-chan time.Time

	mu           sync.RWMutex
	state        State
	current      string
	pending      string
	connectivity conn.State
	self         string
	replyTo      string
	lastError    string
	errorCount   uint64
	discarded    uint64
	store        *room.MessageStore
	presence     *presence.Tracker
}

func New(c Connection, opts Options) *Session {
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Session{
		conn:         c,
		catalog:      slices.Clone(opts.Catalog),
		grace:        grace,
		log:          opts.Logger.With().Str("component", "session").Logger(),
		commands:     make(chan command),
		updates:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		connectivity: conn.Disconnected,
		store:        room.NewMessageStore(),
		presence:     presence.NewTracker(),
	}
}

// Rooms returns the catalog of joinable rooms.
func (s *Session) Rooms() []string {
	return slices.Clone(s.catalog)
}

// Updates fires after every change to View. Notifications coalesce.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Run processes connection events and caller commands until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(s.done)
	defer s.stopGrace()

	events := s.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)

		case cmd := <-s.commands:
			s.mu.Lock()
			err := cmd.fn()
			s.mu.Unlock()
			cmd.reply <- err
			if err == nil {
				s.notify()
			}

		case <-s.graceC:
			s.expireGrace()
		}
	}
}

func (s *Session) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	return <-cmd.reply
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// JoinRoom makes room the target. Joining the joined or pending room does nothing.
func (s *Session) JoinRoom(ctx context.Context, name string) error {
	if !slices.Contains(s.catalog, name) {
		return fmt.Errorf("%w: %q", ErrUnknownRoom, name)
	}
	return s.do(ctx, func() error { return s.join(name) })
}

// LeaveRoom abandons the joined or pending room.
func (s *Session) LeaveRoom(ctx context.Context) error {
	return s.do(ctx, s.leave)
}

// Send posts body to the joined room, replying to the pending target if any.
func (s *Session) Send(ctx context.Context, body string) error {
	trimmed, err := protocol.ValidateBody(body)
	if err != nil {
		return err
	}
	return s.do(ctx, func() error { return s.send(trimmed) })
}

// Clear asks the server to purge the joined room. The local log is
// emptied when the server confirms.
func (s *Session) Clear(ctx context.Context) error {
	return s.do(ctx, s.clear)
}

// ReplyTo selects a message in the joined room as the reply target.
func (s *Session) ReplyTo(ctx context.Context, messageID string) error {
	return s.do(ctx, func() error { return s.selectReply(messageID) })
}

func (s *Session) CancelReply(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.replyTo = ""
		return nil
	})
}

func (s *Session) join(name string) error {
	if (s.state == Joined && s.current == name) || (s.state == Joining && s.pending == name) {
		return nil
	}
	if s.connectivity != conn.Connected {
		return ErrNotConnected
	}

	left := false
	if s.state == Joined {
		if err := s.conn.Submit(protocol.LeaveRoom{Room: s.current}); err != nil {
			return fmt.Errorf("leave %s: %w", s.current, err)
		}
		left = true
	}
	if err := s.conn.Submit(protocol.JoinRoom{Room: name}); err != nil {
		if left {
			s.goIdle()
		}
		return fmt.Errorf("join %s: %w", name, err)
	}

	s.stopGrace()
	if s.store.Room() != name {
		s.store.Reset()
	}
	if s.presence.Room() != name {
		s.presence.Reset(name)
	}
	if s.state == Joining {
		s.log.Debug().Str("abandoned", s.pending).Str("room", name).Msg("join superseded")
	}
	s.replyTo = ""
	s.state = Joining
	s.pending = name
	s.current = ""
	return nil
}

func (s *Session) leave() error {
	var target string
	switch s.state {
	case Joined:
		target = s.current
	case Joining:
		target = s.pending
	default:
		return ErrNoRoom
	}

	// leave_room is fire-and-forget, so Leaving ends as soon as it is sent.
	s.state = Leaving
	if err := s.conn.Submit(protocol.LeaveRoom{Room: target}); err != nil {
		s.log.Debug().Err(err).Str("room", target).Msg("leave not sent")
	}
	s.stopGrace()
	s.goIdle()
	return nil
}

func (s *Session) goIdle() {
	s.store.Reset()
	s.presence.Reset("")
	s.replyTo = ""
	s.state = Idle
	s.current = ""
	s.pending = ""
}

func (s *Session) send(body string) error {
	if s.state != Joined {
		return ErrNoRoom
	}
	if s.connectivity != conn.Connected {
		return ErrNotConnected
	}
	action := protocol.SendMessage{Room: s.current, Body: body, ReplyToID: s.replyTo}
	if err := s.conn.Submit(action); err != nil {
		return fmt.Errorf("send to %s: %w", s.current, err)
	}
	s.replyTo = ""
	return nil
}

func (s *Session) clear() error {
	if s.state != Joined {
		return ErrNoRoom
	}
	if err := s.conn.Submit(protocol.ClearRoom{Room: s.current}); err != nil {
		return fmt.Errorf("clear %s: %w", s.current, err)
	}
	return nil
}

func (s *Session) selectReply(id string) error {
	if s.state != Joined {
		return ErrNoRoom
	}
	msg, ok := s.store.Find(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, id)
	}
	if msg.IsSystem() {
		return ErrReplyToSystem
	}
	s.replyTo = id
	return nil
}

// Room whose events are currently accepted
func (s *Session) activeRoom() string {
	switch s.state {
	case Joined:
		return s.current
	case Joining:
		return s.pending
	default:
		return ""
	}
}

func (s *Session) handleEvent(ev conn.Event) {
	s.mu.Lock()
	changed := s.apply(ev)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Session) apply(ev conn.Event) bool {
	if ev.IsTransition() {
		return s.applyConnectivity(ev.State)
	}

	switch p := ev.Packet.(type) {
	case protocol.HistorySnapshot:
		switch {
		case s.state == Joining && p.Room == s.pending:
			s.store.Replace(p.Room, p.Messages)
			s.presence.Reset(p.Room)
			s.state = Joined
			s.current = p.Room
			s.pending = ""
			return true
		case s.state == Joined && p.Room == s.current:
			s.store.Replace(p.Room, p.Messages)
			return true
		}

	case protocol.MessageDelivered:
		msg := p.Message
		if msg.Room == "" {
			msg.Room = p.Room
		}
		if s.state == Joined && p.Room == s.current && s.store.Append(msg) {
			return true
		}

	case protocol.PresenceUpdate:
		if active := s.activeRoom(); active != "" && p.Room == active && s.presence.Set(p.Room, p.Count) {
			return true
		}

	case protocol.RoomCleared:
		// join resets the store on a room change, so it holds active or nothing.
		if active := s.activeRoom(); active != "" && p.Room == active {
			s.store.Clear()
			return true
		}

	case protocol.Hello:
		s.self = p.ConnectionID
		return true

	case protocol.Error:
		s.lastError = p.Message
		s.errorCount++
		s.log.Warn().Str("code", p.Code).Msg(p.Message)
		return true
	}

	s.discarded++
	s.log.Debug().
		Str("type", string(ev.Packet.PacketType())).
		Str("active", s.activeRoom()).
		Uint64("discarded", s.discarded).
		Msg("discarding stale event")
	return false
}

func (s *Session) applyConnectivity(state conn.State) bool {
	prev := s.connectivity
	s.connectivity = state
	if state != conn.Disconnected || prev == conn.Disconnected {
		return prev != state
	}

	s.self = ""
	if s.state != Idle {
		s.log.Info().Str("room", s.activeRoom()).Msg("connection lost, keeping cached room")
	}
	s.state = Idle
	s.current = ""
	s.pending = ""
	s.replyTo = ""
	s.startGrace()
	return true
}

func (s *Session) startGrace() {
	s.stopGrace()
	if s.store.Room() == "" && s.presence.Room() == "" {
		return
	}
	s.graceTimer = time.NewTimer(s.grace)
	s.graceC = s.graceTimer.C
}

func (s *Session) stopGrace() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = nil
	s.graceC = nil
}

func (s *Session) expireGrace() {
	s.graceTimer = nil
	s.graceC = nil

	s.mu.Lock()
	s.store.Reset()
	s.presence.Reset("")
	s.mu.Unlock()
	s.log.Debug().Msg("grace period expired, cache dropped")
	s.notify()
}
