// Package websocket streams journal entries to a spectator server.
package websocket

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OCAP2/basewars/internal/journal"
	"github.com/OCAP2/basewars/pkg/streaming"
)

const defaultAckTimeout = 10 * time.Second

// Config configures the spectator sink.
type Config struct {
	URL        string
	Secret     string
	AckTimeout time.Duration
}

// Sink implements journal.Sink. Init blocks until the server acknowledges
// the hello; Record never blocks.
type Sink struct {
	cfg    Config
	hello  streaming.HelloPayload
	logger *slog.Logger

	mu     sync.Mutex
	stream *stream

	// first reconnect delay, doubled per failed attempt
	backoff time.Duration
}

var _ journal.Sink = (*Sink)(nil)

// New creates a spectator sink. hello identifies this client to the server.
func New(cfg Config, hello streaming.HelloPayload, logger *slog.Logger) *Sink {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{cfg: cfg, hello: hello, logger: logger}
}

// Init connects and performs the hello handshake.
func (s *Sink) Init() error {
	if s.cfg.URL == "" {
		return fmt.Errorf("websocket journal: url not set")
	}
	frame, err := streaming.Marshal(streaming.TypeHello, s.hello)
	if err != nil {
		return fmt.Errorf("websocket journal: %w", err)
	}

	st := newStream(s.cfg.URL, s.cfg.Secret, s.logger)
	st.hello = frame
	st.backoff = s.backoff
	if err := st.open(); err != nil {
		return fmt.Errorf("websocket journal: %w", err)
	}
	if err := st.sendAndWait(frame, streaming.TypeHello, s.cfg.AckTimeout); err != nil {
		_ = st.close()
		return fmt.Errorf("websocket journal: hello: %w", err)
	}

	s.mu.Lock()
	s.stream = st
	s.mu.Unlock()
	s.logger.Info("Spectator stream connected", "url", s.cfg.URL)
	return nil
}

// Record queues one entry.
func (s *Sink) Record(e journal.Entry) error {
	st := s.current()
	if st == nil {
		return errClosed
	}
	frame, err := streaming.Marshal(streaming.TypeEntry, e)
	if err != nil {
		return err
	}
	return st.send(frame)
}

// Dropped reports how many entries were discarded because the outbox was full.
func (s *Sink) Dropped() int64 {
	if st := s.current(); st != nil {
		return st.dropped.Load()
	}
	return 0
}

// Close says goodbye, waiting briefly for the server's ack, and disconnects.
func (s *Sink) Close() error {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()
	if st == nil {
		return nil
	}

	frame, err := streaming.Marshal(streaming.TypeBye, s.hello)
	if err == nil {
		err = st.sendAndWait(frame, streaming.TypeBye, s.cfg.AckTimeout)
	}
	if err != nil {
		s.logger.Warn("Spectator bye not acknowledged", "error", err)
	}
	return st.close()
}

func (s *Sink) current() *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}
