package ws

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/chatsync/internal/metrics"
	"github.com/manpreetbhatti/chatsync/internal/protocol"
	"github.com/manpreetbhatti/chatsync/internal/ratelimit"
	"github.com/manpreetbhatti/chatsync/internal/reply"
)

const (
	DefaultHistoryLimit = 100

	messagesPerSecond = 10
	messageBurst      = 20
)

var (
	ErrUnknownRoom = errors.New("unknown room")
	ErrHubStopped  = errors.New("hub stopped")
)

// Error codes carried in error frames
const (
	CodeBadRequest   = "bad_request"
	CodeRateLimited  = "rate_limited"
	CodeUnknownRoom  = "unknown_room"
	CodeNotJoined    = "not_joined"
	CodeInvalidBody  = "invalid_body"
	CodeUnknownReply = "unknown_reply"
	CodeUnavailable  = "unavailable"
)

// History is the persistent message log of every room.
type History interface {
	Append(ctx context.Context, msg protocol.Message) error
	Recent(ctx context.Context, room string, limit int) ([]protocol.Message, error)
	Get(ctx context.Context, room, id string) (protocol.Message, bool, error)
	Clear(ctx context.Context, room string) error
}

// Presence counts room members across instances.
type Presence interface {
	Join(ctx context.Context, room, connID string) (int, error)
	Leave(ctx context.Context, room, connID string) (int, error)
}

// Stamper is implemented by histories that can allocate creation stamps
// atomically for every instance sharing them. NextStamp returns a time no
// earlier than floor and after every stamp it returned before for room.
type Stamper interface {
	NextStamp(ctx context.Context, room string, floor time.Time) (time.Time, error)
}

// Broker relays encoded frames to other instances.
type Broker interface {
	Publish(room string, frame []byte) error
	Subscribe(handle func(room string, frame []byte)) error
}

type Options struct {
	Catalog      []string
	HistoryLimit int
	History      History
	// Nil counts local subscribers only
	Presence Presence
	// Nil runs a single instance
	Broker Broker
	Logger zerolog.Logger

	MessagesPerSecond float64
	MessageBurst      int
	Now               func() time.Time
}

type inbound struct {
	client *Client
	action protocol.Action
	err    error
}

type remoteFrame struct {
	room string
	data []byte
}

type clearRequest struct {
	room string
	done chan error
}

// The set of active clients and the rooms they are subscribed to
type Hub struct {
	opts Options
	log  zerolog.Logger

	// Subscribed clients by room
	rooms map[string]map[*Client]bool

	// Every registered client
	clients map[*Client]bool

	// Last creation stamp handed out per room
	stamps map[string]time.Time

	limiters *ratelimit.ClientLimiters

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	remote     chan remoteFrame
	clears     chan clearRequest
	done       chan struct{}

	mu sync.RWMutex
}

func NewHub(opts Options) *Hub {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = messagesPerSecond
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = messageBurst
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Catalog = slices.Clone(opts.Catalog)

	return &Hub{
		opts:       opts,
		log:        opts.Logger.With().Str("component", "hub").Logger(),
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
		stamps:     make(map[string]time.Time),
		limiters:   ratelimit.NewClientLimiters(opts.MessagesPerSecond, opts.MessageBurst),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		remote:     make(chan remoteFrame, 256),
		clears:     make(chan clearRequest),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Catalog() []string {
	return slices.Clone(h.opts.Catalog)
}

func (h *Hub) inCatalog(room string) bool {
	return slices.Contains(h.opts.Catalog, room)
}

// Run serves the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	defer h.limiters.Stop()

	if h.opts.Broker != nil {
		err := h.opts.Broker.Subscribe(func(room string, frame []byte) {
			select {
			case h.remote <- remoteFrame{room: room, data: frame}:
			case <-h.done:
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe broker: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			metrics.ConnectedClients.Inc()

			h.sendTo(client, protocol.Hello{ConnectionID: client.id})
			h.log.Info().Str("client", client.id).Int("total", clientCount).Msg("client connected")

		case client := <-h.unregister:
			h.mu.RLock()
			_, ok := h.clients[client]
			h.mu.RUnlock()
			if !ok {
				continue
			}
			h.leave(ctx, client)
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			close(client.send)
			h.limiters.Remove(client.id)
			metrics.ConnectedClients.Dec()
			h.log.Info().Str("client", client.id).Msg("client disconnected")

		case in := <-h.inbound:
			h.handle(ctx, in)

		case rf := <-h.remote:
			metrics.RemoteFrames.Inc()
			h.deliver(rf.room, rf.data)

		case req := <-h.clears:
			req.done <- h.clearRoom(ctx, req.room)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.conn.Close()
	}
}

// ClearRoom purges a room's history and notifies its subscribers.
func (h *Hub) ClearRoom(ctx context.Context, room string) error {
	if !h.inCatalog(room) {
		return fmt.Errorf("%w: %q", ErrUnknownRoom, room)
	}
	req := clearRequest{room: room, done: make(chan error, 1)}
	select {
	case h.clears <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) handle(ctx context.Context, in inbound) {
	c := in.client
	h.mu.RLock()
	_, registered := h.clients[c]
	h.mu.RUnlock()
	// Frames still queued from a connection that already unregistered
	if !registered {
		return
	}
	if in.err != nil {
		code := CodeBadRequest
		if errors.Is(in.err, errRateLimited) {
			code = CodeRateLimited
		}
		h.reject(c, code, in.err.Error())
		return
	}

	metrics.ActionsReceived.WithLabelValues(string(in.action.PacketType())).Inc()

	switch a := in.action.(type) {
	case protocol.JoinRoom:
		h.join(ctx, c, a.Room)

	case protocol.LeaveRoom:
		if c.room != "" && c.room == a.Room {
			h.leave(ctx, c)
		}

	case protocol.SendMessage:
		h.post(ctx, c, a)

	case protocol.ClearRoom:
		if c.room == "" || c.room != a.Room {
			h.reject(c, CodeNotJoined, "join the room before clearing it")
			return
		}
		if err := h.clearRoom(ctx, a.Room); err != nil {
			h.reject(c, CodeUnavailable, "room could not be cleared")
		}
	}
}

func (h *Hub) join(ctx context.Context, c *Client, room string) {
	if !h.inCatalog(room) {
		h.reject(c, CodeUnknownRoom, fmt.Sprintf("unknown room %q", room))
		return
	}

	moved := c.room != room
	if moved {
		h.leave(ctx, c)
		h.mu.Lock()
		if _, ok := h.rooms[room]; !ok {
			h.rooms[room] = make(map[*Client]bool)
		}
		h.rooms[room][c] = true
		metrics.ActiveRooms.Set(float64(len(h.rooms)))
		h.mu.Unlock()
		c.room = room
	}

	messages, err := h.opts.History.Recent(ctx, room, h.opts.HistoryLimit)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("failed to load history")
		h.reject(c, CodeUnavailable, "history unavailable")
		messages = []protocol.Message{}
	}
	h.sendTo(c, protocol.HistorySnapshot{Room: room, Messages: messages})

	if !moved {
		return
	}
	count := h.presenceJoin(ctx, room, c.id)
	h.broadcast(room, protocol.PresenceUpdate{Room: room, Count: count})
	h.broadcast(room, protocol.MessageDelivered{Room: room, Message: h.notice(ctx, room, reply.Label(c.id)+" joined the room")})
	h.log.Debug().Str("client", c.id).Str("room", room).Int("members", count).Msg("client joined room")
}

// leave unsubscribes c from its room, if any.
func (h *Hub) leave(ctx context.Context, c *Client) {
	room := c.room
	if room == "" {
		return
	}

	h.mu.Lock()
	if clients, ok := h.rooms[room]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
	h.mu.Unlock()
	c.room = ""

	count := h.presenceLeave(ctx, room, c.id)
	h.broadcast(room, protocol.PresenceUpdate{Room: room, Count: count})
	h.broadcast(room, protocol.MessageDelivered{Room: room, Message: h.notice(ctx, room, reply.Label(c.id)+" left the room")})
	h.log.Debug().Str("client", c.id).Str("room", room).Int("members", count).Msg("client left room")
}

func (h *Hub) post(ctx context.Context, c *Client, a protocol.SendMessage) {
	if c.room == "" || c.room != a.Room {
		h.reject(c, CodeNotJoined, "join the room before sending")
		return
	}
	body, err := protocol.ValidateBody(a.Body)
	if err != nil {
		h.reject(c, CodeInvalidBody, err.Error())
		return
	}

	var ref *protocol.ReplySnapshot
	if a.ReplyToID != "" {
		target, ok, err := h.opts.History.Get(ctx, a.Room, a.ReplyToID)
		if err != nil {
			h.log.Error().Err(err).Str("room", a.Room).Msg("failed to resolve reply")
			h.reject(c, CodeUnavailable, "history unavailable")
			return
		}
		if !ok || target.IsSystem() {
			h.reject(c, CodeUnknownReply, fmt.Sprintf("message %q not found in %s", a.ReplyToID, a.Room))
			return
		}
		snapshot := reply.Snapshot(target)
		ref = &snapshot
	}

	msg := protocol.Message{
		ID:        ulid.Make().String(),
		Room:      a.Room,
		Sender:    c.id,
		Body:      body,
		CreatedAt: h.stamp(ctx, a.Room),
		ReplyTo:   ref,
	}
	if err := h.opts.History.Append(ctx, msg); err != nil {
		h.log.Error().Err(err).Str("room", a.Room).Msg("failed to store message")
		h.reject(c, CodeUnavailable, "message could not be stored")
		return
	}

	metrics.MessagesPosted.WithLabelValues(a.Room).Inc()
	h.broadcast(a.Room, protocol.MessageDelivered{Room: a.Room, Message: msg})
}

func (h *Hub) clearRoom(ctx context.Context, room string) error {
	if err := h.opts.History.Clear(ctx, room); err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("failed to clear room")
		return err
	}
	metrics.RoomsCleared.Inc()
	h.broadcast(room, protocol.RoomCleared{Room: room})
	h.log.Info().Str("room", room).Msg("room cleared")
	return nil
}

// notice builds an unstored system message.
func (h *Hub) notice(ctx context.Context, room, body string) protocol.Message {
	return protocol.Message{
		ID:        ulid.Make().String(),
		Room:      room,
		Sender:    protocol.SystemSender,
		Body:      body,
		CreatedAt: h.stamp(ctx, room),
	}
}

// stamp returns a creation time strictly after every earlier one in room,
// including stamps handed out by other instances sharing the history.
func (h *Hub) stamp(ctx context.Context, room string) time.Time {
	next := h.opts.Now().UTC().Truncate(time.Microsecond)
	if last, ok := h.stamps[room]; ok && !next.After(last) {
		next = last.Add(time.Microsecond)
	}

	if s, ok := h.opts.History.(Stamper); ok {
		stamped, err := s.NextStamp(ctx, room, next)
		if err == nil {
			h.stamps[room] = stamped
			return stamped
		}
		h.log.Warn().Err(err).Str("room", room).Msg("shared stamp failed, using stored history")
	}

	// Read on every call: another hub may have appended since ours.
	if recent, err := h.opts.History.Recent(ctx, room, 1); err == nil && len(recent) == 1 && !next.After(recent[0].CreatedAt) {
		next = recent[0].CreatedAt.UTC().Add(time.Microsecond)
	}
	h.stamps[room] = next
	return next
}

func (h *Hub) presenceJoin(ctx context.Context, room, connID string) int {
	if h.opts.Presence != nil {
		n, err := h.opts.Presence.Join(ctx, room, connID)
		if err == nil {
			return n
		}
		h.log.Warn().Err(err).Str("room", room).Msg("presence join failed, using local count")
	}
	return h.localCount(room)
}

func (h *Hub) presenceLeave(ctx context.Context, room, connID string) int {
	if h.opts.Presence != nil {
		n, err := h.opts.Presence.Leave(ctx, room, connID)
		if err == nil {
			return n
		}
		h.log.Warn().Err(err).Str("room", room).Msg("presence leave failed, using local count")
	}
	return h.localCount(room)
}

func (h *Hub) localCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) reject(c *Client, code, message string) {
	metrics.ActionsRejected.WithLabelValues(code).Inc()
	h.sendTo(c, protocol.Error{Code: code, Message: message})
}

// broadcast delivers p to local subscribers of room and publishes it to
// other instances.
func (h *Hub) broadcast(room string, p protocol.Packet) {
	data, err := protocol.Encode(p)
	if err != nil {
		h.log.Error().Err(err).Msg("encode failed")
		return
	}
	h.deliver(room, data)

	if h.opts.Broker != nil {
		if err := h.opts.Broker.Publish(room, data); err != nil {
			h.log.Warn().Err(err).Str("room", room).Msg("broker publish failed")
		}
	}
}

func (h *Hub) deliver(room string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[room] {
		client.enqueue(data)
	}
}

func (h *Hub) sendTo(c *Client, p protocol.Packet) {
	data, err := protocol.Encode(p)
	if err != nil {
		h.log.Error().Err(err).Msg("encode failed")
		return
	}
	c.enqueue(data)
}

// Stats

func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetActiveRooms returns local subscriber counts by room.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make(map[string]int, len(h.rooms))
	for id, clients := range h.rooms {
		rooms[id] = len(clients)
	}
	return rooms
}
