package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/OCAP2/basewars/pkg/streaming"
)

const (
	outboxSize   = 4096
	ackBuffer    = 8
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
)

var errClosed = errors.New("spectator stream closed")

// stream owns one spectator connection. All frames go through a single
// write goroutine; the read goroutine only routes acks.
type stream struct {
	mu     sync.Mutex
	conn   *ws.Conn
	gone   chan struct{} // closed when conn is replaced
	closed bool

	outbox chan []byte
	acks   chan streaming.AckMessage
	done   chan struct{}

	target string
	secret string
	dialer *ws.Dialer

	// replayed first on every reconnect
	hello []byte

	backoff time.Duration
	dropped atomic.Int64
	logger  *slog.Logger
}

func newStream(target, secret string, logger *slog.Logger) *stream {
	return &stream{
		outbox: make(chan []byte, outboxSize),
		acks:   make(chan streaming.AckMessage, ackBuffer),
		done:   make(chan struct{}),
		target: target,
		secret: secret,
		dialer: ws.DefaultDialer,
		logger: logger,
	}
}

func (s *stream) open() error {
	conn, err := s.dial()
	if err != nil {
		return err
	}
	s.attach(conn)
	return nil
}

func (s *stream) dial() (*ws.Conn, error) {
	u, err := url.Parse(s.target)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if s.secret != "" {
		q := u.Query()
		q.Set("secret", s.secret)
		u.RawQuery = q.Encode()
	}
	conn, _, err := s.dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (s *stream) attach(conn *ws.Conn) {
	gone := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.gone = gone
	s.mu.Unlock()
	go s.writeLoop(conn, gone)
	go s.readLoop(conn)
}

func (s *stream) writeLoop(conn *ws.Conn, gone <-chan struct{}) {
	for {
		select {
		case <-s.done:
			return
		case <-gone:
			return
		case frame := <-s.outbox:
			if err := writeFrame(conn, frame); err != nil {
				s.logger.Warn("Spectator write failed", "error", err)
				go s.reconnect(conn)
				return
			}
		}
	}
}

func (s *stream) readLoop(conn *ws.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("Spectator read failed", "error", err)
				go s.reconnect(conn)
			}
			return
		}

		var ack streaming.AckMessage
		if err := json.Unmarshal(raw, &ack); err != nil || ack.Type != streaming.TypeAck {
			s.logger.Debug("Ignoring spectator message", "raw", string(raw))
			continue
		}
		select {
		case s.acks <- ack:
		default:
			s.logger.Debug("Ack buffer full", "for", ack.For)
		}
	}
}

func writeFrame(conn *ws.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, frame)
}

// reconnect replaces broken. The read and write loops both report the same
// failure, so only the first caller for a given connection proceeds.
func (s *stream) reconnect(broken *ws.Conn) {
	s.mu.Lock()
	if s.closed || s.conn != broken {
		s.mu.Unlock()
		return
	}
	_ = broken.Close()
	close(s.gone)
	s.conn = nil
	hello := s.hello
	s.mu.Unlock()

	wait := s.backoff
	if wait <= 0 {
		wait = time.Second
	}
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		select {
		case <-s.done:
			return
		case <-time.After(wait):
		}

		conn, err := s.dial()
		if err != nil {
			s.logger.Warn("Spectator reconnect failed", "attempt", attempt, "error", err)
			wait = min(wait*2, maxBackoff)
			continue
		}
		if hello != nil {
			if err := writeFrame(conn, hello); err != nil {
				s.logger.Warn("Spectator hello replay failed", "error", err)
				_ = conn.Close()
				continue
			}
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.mu.Unlock()

		s.logger.Info("Spectator stream reconnected", "attempt", attempt)
		s.attach(conn)
		return
	}
	s.logger.Error("Spectator stream gave up", "attempts", maxReconnect)
}

// send queues a frame without blocking. Frames are dropped when the outbox
// is full.
func (s *stream) send(frame []byte) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}
	select {
	case s.outbox <- frame:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("spectator outbox full")
	}
}

func (s *stream) sendAndWait(frame []byte, ackFor string, timeout time.Duration) error {
	if err := s.send(frame); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-s.acks:
			if ack.For == ackFor {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for ack of %q", ackFor)
		case <-s.done:
			return errClosed
		}
	}
}

func (s *stream) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return conn.Close()
}
