package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Identifies a packet on the wire
type Type string

const (
	// Client to server actions
	TypeJoinRoom    Type = "join_room"
	TypeLeaveRoom   Type = "leave_room"
	TypeSendMessage Type = "send_message"
	TypeClearRoom   Type = "clear_room"

	// Server to client events
	TypeHistorySnapshot  Type = "history_snapshot"
	TypeMessageDelivered Type = "message_delivered"
	TypePresenceUpdate   Type = "presence_update"
	TypeRoomCleared      Type = "room_cleared"
	TypeHello            Type = "hello"
	TypeError            Type = "error"
)

var ErrUnknownType = errors.New("protocol: unknown packet type")

// Frame is the JSON envelope every packet travels in.
type Frame struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Packet is anything that can be carried in a Frame.
type Packet interface {
	PacketType() Type
}

// Action is a packet sent by a client.
type Action interface {
	Packet
	TargetRoom() string
}

// Event is a packet pushed by the server.
type Event interface {
	Packet
	isEvent()
}

type JoinRoom struct {
	Room string `json:"room"`
}

type LeaveRoom struct {
	Room string `json:"room"`
}

type SendMessage struct {
	Room      string `json:"room"`
	Body      string `json:"body"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

type ClearRoom struct {
	Room string `json:"room"`
}

type HistorySnapshot struct {
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
}

type MessageDelivered struct {
	Room    string  `json:"room"`
	Message Message `json:"message"`
}

type PresenceUpdate struct {
	Room  string `json:"room"`
	Count int    `json:"count"`
}

type RoomCleared struct {
	Room string `json:"room"`
}

// Hello tells a client the opaque identifier the server gave its connection.
type Hello struct {
	ConnectionID string `json:"connection_id"`
}

// Error reports an action the server refused.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (JoinRoom) PacketType() Type    { return TypeJoinRoom }
func (LeaveRoom) PacketType() Type   { return TypeLeaveRoom }
func (SendMessage) PacketType() Type { return TypeSendMessage }
func (ClearRoom) PacketType() Type   { return TypeClearRoom }

func (a JoinRoom) TargetRoom() string    { return a.Room }
func (a LeaveRoom) TargetRoom() string   { return a.Room }
func (a SendMessage) TargetRoom() string { return a.Room }
func (a ClearRoom) TargetRoom() string   { return a.Room }

func (HistorySnapshot) PacketType() Type  { return TypeHistorySnapshot }
func (MessageDelivered) PacketType() Type { return TypeMessageDelivered }
func (PresenceUpdate) PacketType() Type   { return TypePresenceUpdate }
func (RoomCleared) PacketType() Type      { return TypeRoomCleared }
func (Hello) PacketType() Type            { return TypeHello }
func (Error) PacketType() Type            { return TypeError }

func (HistorySnapshot) isEvent()  {}
func (MessageDelivered) isEvent() {}
func (PresenceUpdate) isEvent()   {}
func (RoomCleared) isEvent()      {}
func (Hello) isEvent()            {}
func (Error) isEvent()            {}

var decoders = map[Type]func(json.RawMessage) (Packet, error){
	TypeJoinRoom:    decodeAs[JoinRoom],
	TypeLeaveRoom:   decodeAs[LeaveRoom],
	TypeSendMessage: decodeAs[SendMessage],
	TypeClearRoom:   decodeAs[ClearRoom],

	TypeHistorySnapshot:  decodeAs[HistorySnapshot],
	TypeMessageDelivered: decodeAs[MessageDelivered],
	TypePresenceUpdate:   decodeAs[PresenceUpdate],
	TypeRoomCleared:      decodeAs[RoomCleared],
	TypeHello:            decodeAs[Hello],
	TypeError:            decodeAs[Error],
}

func decodeAs[T Packet](raw json.RawMessage) (Packet, error) {
	var p T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Encode wraps a packet in its frame.
func Encode(p Packet) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.PacketType(), err)
	}
	return json.Marshal(Frame{Type: p.PacketType(), Payload: payload})
}

// Decode parses a frame and its payload into the registered packet type.
func Decode(data []byte) (Packet, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	decode, ok := decoders[frame.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}
	p, err := decode(frame.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", frame.Type, err)
	}
	return p, nil
}

// DecodeAction is Decode restricted to client actions.
func DecodeAction(data []byte) (Action, error) {
	p, err := Decode(data)
	if err != nil {
		return nil, err
	}
	a, ok := p.(Action)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an action", ErrUnknownType, p.PacketType())
	}
	return a, nil
}

// DecodeEvent is Decode restricted to server events.
func DecodeEvent(data []byte) (Event, error) {
	p, err := Decode(data)
	if err != nil {
		return nil, err
	}
	e, ok := p.(Event)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an event", ErrUnknownType, p.PacketType())
	}
	return e, nil
}
