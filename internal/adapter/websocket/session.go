package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/nksrentas/carbonpulse/internal/domain"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 64
	maxMessageSize    = 64 * 1024
)

// session is the transport side of one registered connection.
// Only the writer goroutine writes to the socket; Send and Close hand work to it through channels.
type session struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	closing     chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	closeReason string
}

func newSession(connection *websocket.Conn, clock clockwork.Clock) *session {
	s := &session{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.connection.SetReadLimit(maxMessageSize)
	s.configurePongHandler()
	go s.run()
	return s
}

// Send queues frame for the writer without blocking.
func (s *session) Send(frame []byte) error {
	select {
	case <-s.closing:
		return domain.ErrSessionClosed
	default:
	}

	select {
	case s.sendChannel <- frame:
		return nil
	default:
		return domain.ErrSlowConsumer
	}
}

// Close asks the writer to send a close frame carrying reason and shut the socket.
// It returns immediately and is safe to call more than once.
func (s *session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.closing)
	})
}

// wait blocks until the writer goroutine has exited and the socket is closed.
func (s *session) wait() {
	<-s.done
}

func (s *session) run() {
	ticker := s.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer close(s.done)
	defer func() { _ = s.connection.Close() }()

	for {
		select {
		case msg := <-s.sendChannel:
			s.updateWriteDeadline()
			if err := s.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			s.updateWriteDeadline()
			if err := s.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closing:
			s.flush()
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.closeReason)
			s.updateWriteDeadline()
			_ = s.connection.WriteMessage(websocket.CloseMessage, closeMsg)
			return
		}
	}
}

// flush writes frames already queued when Close was called, so acks sent just before
// a server-initiated close still reach the client.
func (s *session) flush() {
	for {
		select {
		case msg := <-s.sendChannel:
			s.updateWriteDeadline()
			if err := s.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) configurePongHandler() {
	s.updateReadDeadline()
	s.connection.SetPongHandler(func(string) error {
		s.updateReadDeadline()
		return nil
	})
}

func (s *session) updateWriteDeadline() {
	_ = s.connection.SetWriteDeadline(s.clock.Now().Add(writeDeadline))
}

func (s *session) updateReadDeadline() {
	_ = s.connection.SetReadDeadline(s.clock.Now().Add(pongDeadline))
}
