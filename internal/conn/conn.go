// Package conn owns the client's single live WebSocket session.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/chatsync/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
	eventQueueSize = 512
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrSendQueueFull = errors.New("send queue full")
	ErrDialAborted   = errors.New("dial aborted by disconnect")
)

// Connectivity of the manager
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is one entry of the inbound stream. Packet is nil for a
// connectivity transition, in which case State holds the new state.
type Event struct {
	Packet protocol.Event
	State  State
}

func (e Event) IsTransition() bool {
	return e.Packet == nil
}

type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	log    zerolog.Logger
	events chan Event

	// transition serializes a state change with its emission on events
	transition sync.Mutex

	mu          sync.Mutex
	state       State
	sess        *session
	cancelDial  context.CancelFunc
	dialAborted bool
}

// One dialed socket and its pumps
type session struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config) *Manager {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		log:    cfg.Logger.With().Str("component", "conn").Logger(),
		events: make(chan Event, eventQueueSize),
	}
}

// Events is the ordered stream of packets and transitions for the
// manager's whole lifetime. It must be drained.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials the server. It returns nil without dialing when a
// session is already connecting or connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.transition.Lock()
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		m.transition.Unlock()
		return nil
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.state = Connecting
	m.cancelDial = cancel
	m.dialAborted = false
	m.mu.Unlock()
	m.emit(Event{State: Connecting})
	m.transition.Unlock()

	ws, _, err := m.dialer.DialContext(dialCtx, m.cfg.URL, m.cfg.Header)

	m.transition.Lock()
	defer m.transition.Unlock()
	m.mu.Lock()
	m.cancelDial = nil
	if err == nil && m.dialAborted {
		ws.Close()
		err = ErrDialAborted
	}
	if err != nil {
		m.state = Disconnected
		m.mu.Unlock()
		m.emit(Event{State: Disconnected})
		m.log.Warn().Err(err).Str("url", m.cfg.URL).Msg("dial failed")
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	s := &session{
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	m.sess = s
	m.state = Connected
	m.mu.Unlock()
	m.emit(Event{State: Connected})
	m.log.Info().Str("url", m.cfg.URL).Msg("connected")

	s.wg.Add(2)
	go m.writePump(s)
	go m.readPump(s)
	return nil
}

// Disconnect closes the live session, or aborts an in-flight dial, and
// waits for both pumps to exit.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancelDial
	if m.state == Connecting {
		m.dialAborted = true
	}
	s := m.sess
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s == nil {
		return
	}
	s.close()
	s.wg.Wait()
}

// Submit queues an action for the write pump without blocking.
func (m *Manager) Submit(a protocol.Action) error {
	data, err := protocol.Encode(a)
	if err != nil {
		return err
	}

	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (m *Manager) emit(ev Event) {
	m.events <- ev
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		s.ws.Close()
	})
}

func (m *Manager) readPump(s *session) {
	defer func() {
		s.close()
		m.transition.Lock()
		m.mu.Lock()
		current := m.sess == s
		if current {
			m.sess = nil
			m.state = Disconnected
		}
		m.mu.Unlock()
		if current {
			m.emit(Event{State: Disconnected})
			m.log.Info().Msg("disconnected")
		}
		m.transition.Unlock()
		s.wg.Done()
	}()

	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				m.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			m.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		m.emit(Event{Packet: ev})
	}
}

func (m *Manager) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
		s.wg.Done()
	}()

	for {
		select {
		case <-s.done:
			return

		case message := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				m.log.Warn().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
