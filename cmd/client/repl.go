package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/manpreetbhatti/chatsync/internal/protocol"
	"github.com/manpreetbhatti/chatsync/internal/reply"
	"github.com/manpreetbhatti/chatsync/internal/session"
)

const shortIDLen = 6

var errQuit = errors.New("quit")

const helpText = `commands:
  /join <room>    switch to room
  /leave          leave the current room
  /reply <id>     reply to a message (full id or its last characters)
  /unreply        cancel the pending reply
  /clear          clear the room for everyone
  /rooms          list rooms
  /connect        reconnect after the connection dropped
  /quit           exit
anything else is sent to the room; start with // to send a leading slash`

type chatSession interface {
	View() session.View
	Rooms() []string
	JoinRoom(ctx context.Context, name string) error
	LeaveRoom(ctx context.Context) error
	Send(ctx context.Context, body string) error
	Clear(ctx context.Context) error
	ReplyTo(ctx context.Context, messageID string) error
	CancelReply(ctx context.Context) error
}

type connector interface {
	Connect(ctx context.Context) error
}

type repl struct {
	sess chatSession
	mgr  connector
	out  io.Writer
}

func (r *repl) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "//") {
		return r.sess.Send(ctx, line[1:])
	}
	if !strings.HasPrefix(line, "/") {
		return r.sess.Send(ctx, line)
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "join":
		if arg == "" {
			return errors.New("usage: /join <room>")
		}
		return r.sess.JoinRoom(ctx, arg)
	case "leave":
		return r.sess.LeaveRoom(ctx)
	case "reply":
		if arg == "" {
			return errors.New("usage: /reply <id>")
		}
		return r.sess.ReplyTo(ctx, resolveID(r.sess.View(), arg))
	case "unreply":
		return r.sess.CancelReply(ctx)
	case "clear":
		return r.sess.Clear(ctx)
	case "rooms":
		current := r.sess.View().Room
		for _, room := range r.sess.Rooms() {
			marker := " "
			if room == current {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s\n", marker, room)
		}
		return nil
	case "connect":
		return r.mgr.Connect(ctx)
	case "help":
		fmt.Fprintln(r.out, helpText)
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command /%s (try /help)", name)
	}
}

// resolveID expands a unique id suffix shown by the printer.
func resolveID(v session.View, arg string) string {
	match := ""
	for _, msg := range v.Messages {
		if msg.ID == arg {
			return arg
		}
		if strings.HasSuffix(msg.ID, arg) {
			if match != "" {
				return arg
			}
			match = msg.ID
		}
	}
	if match == "" {
		return arg
	}
	return match
}

func shortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}
	return id[len(id)-shortIDLen:]
}

func formatMessage(v session.View, msg protocol.Message) string {
	label := reply.Label(msg.Sender)
	if v.IsOwn(msg) {
		label += " (you)"
	}

	var b strings.Builder
	if msg.ReplyTo != nil {
		s := reply.Summarize(msg.ReplyTo)
		fmt.Fprintf(&b, "         re %s: %s\n", s.Label, s.Text)
	}
	fmt.Fprintf(&b, "%s %s %s: %s",
		msg.CreatedAt.Local().Format("15:04:05"), shortID(msg.ID), label, msg.Body)
	return b.String()
}

// printer writes the difference between successive views as plain lines.
type printer struct {
	out io.Writer

	connectivity string
	room         string
	msgRoom      string
	seen         map[string]bool
	members      int
	membersKnown bool
	replyID      string
	errorCount   uint64
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]bool)}
}

func (p *printer) render(v session.View) {
	if c := v.Connectivity.String(); c != p.connectivity {
		if p.connectivity != "" || c != "disconnected" {
			fmt.Fprintf(p.out, "* %s\n", c)
		}
		p.connectivity = c
	}

	if v.Room != p.room {
		if v.Room != "" {
			fmt.Fprintf(p.out, "* joined %s\n", v.Room)
		} else if v.State == session.Idle {
			fmt.Fprintf(p.out, "* left %s\n", p.room)
		}
		p.room = v.Room
	}

	if v.MessagesRoom != p.msgRoom {
		p.msgRoom = v.MessagesRoom
		p.seen = make(map[string]bool)
	} else if len(v.Messages) == 0 && len(p.seen) > 0 {
		fmt.Fprintln(p.out, "* room cleared")
		p.seen = make(map[string]bool)
	}
	for _, msg := range v.Messages {
		if p.seen[msg.ID] {
			continue
		}
		p.seen[msg.ID] = true
		fmt.Fprintln(p.out, formatMessage(v, msg))
	}

	if v.MembersKnown && (!p.membersKnown || v.Members != p.members) {
		fmt.Fprintf(p.out, "* %d in %s\n", v.Members, v.Room)
	}
	p.members, p.membersKnown = v.Members, v.MembersKnown

	if v.ReplyToID != p.replyID {
		if v.ReplyTo != nil {
			fmt.Fprintf(p.out, "* replying to %s: %s\n", v.ReplyTo.Label, v.ReplyTo.Text)
		}
		p.replyID = v.ReplyToID
	}

	if v.Errors != p.errorCount && v.LastError != "" {
		fmt.Fprintf(p.out, "! %s\n", v.LastError)
	}
	p.errorCount = v.Errors
}
