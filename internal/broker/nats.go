// Package broker relays room frames between server instances over NATS.
package broker

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	subjectPrefix = "chat.room."

	// Header naming the instance that published a frame
	OriginHeader = "Chatsync-Origin"
)

// Subject returns the NATS subject for a room (e.g., "chat.room.general").
func Subject(room string) string {
	return fmt.Sprintf("chat.room.%s", room)
}

type NATSBroker struct {
	conn   *nats.Conn
	origin string
	log    zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSBroker connects to url. origin identifies this instance so its own
// frames are not delivered back to it.
func NewNATSBroker(url, origin string, logger zerolog.Logger) (*NATSBroker, error) {
	nc, err := nats.Connect(url,
		nats.Name("chatsync-"+origin),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSBroker{
		conn:   nc,
		origin: origin,
		log:    logger.With().Str("component", "broker").Str("origin", origin).Logger(),
	}, nil
}

func (b *NATSBroker) Publish(room string, frame []byte) error {
	msg := nats.NewMsg(Subject(room))
	msg.Header.Set(OriginHeader, b.origin)
	msg.Data = frame
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe delivers frames published for any room by other instances.
func (b *NATSBroker) Subscribe(handle func(room string, frame []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Prevent duplicate subscriptions
	if b.sub != nil {
		return nil
	}

	sub, err := b.conn.Subscribe(subjectPrefix+"*", func(msg *nats.Msg) {
		if msg.Header.Get(OriginHeader) == b.origin {
			return
		}
		room := strings.TrimPrefix(msg.Subject, subjectPrefix)
		handle(room, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to rooms: %w", err)
	}
	b.sub = sub
	b.log.Info().Str("subject", sub.Subject).Msg("subscribed")
	return nil
}

func (b *NATSBroker) Close() {
	b.mu.Lock()
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.log.Warn().Err(err).Msg("unsubscribe failed")
		}
		b.sub = nil
	}
	b.mu.Unlock()
	b.conn.Close()
}
