// Package monitor publishes the client status to a file, the journal and an
// optional read-only HTTP surface.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/OCAP2/basewars/internal/directory"
	"github.com/OCAP2/basewars/internal/game"
	"github.com/OCAP2/basewars/internal/journal"
	"github.com/OCAP2/basewars/internal/troop"
)

const statusFileName = "status.json"

// Source is the engine as seen by the monitor. Every method must be safe
// from any goroutine.
type Source interface {
	Status() game.Status
	Bases() []directory.Entry
	Lookup(id string) (directory.Entry, bool)
	Troops() []troop.View
}

var _ Source = (*game.Engine)(nil)

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Source  Source
	Journal *journal.Journal
	Logger  *slog.Logger
	DataDir string
}

// Config holds the monitor.* settings.
type Config struct {
	Interval time.Duration
	// Listen is the HTTP address. Empty disables the HTTP surface.
	Listen string
}

// Service manages status monitoring
type Service struct {
	deps Dependencies
	cfg  Config
	log  *slog.Logger

	mu        sync.RWMutex
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	server    *http.Server
	addr      string
}

// NewService creates a new monitor service
func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{deps: deps, cfg: cfg, log: log.With("component", "monitor")}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the bound HTTP address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Start begins the snapshot loop and, when configured, the HTTP server.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}

	if s.cfg.Listen != "" {
		ln, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("monitor listen: %w", err)
		}
		s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
		s.addr = ln.Addr().String()
		s.wg.Add(1)
		go func(srv *http.Server) {
			defer s.wg.Done()
			s.log.Info("Monitor listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("Monitor server error", "error", err)
			}
		}(s.server)
	}

	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.stopChan)
	return nil
}

// Stop stops the loop and the HTTP server and writes a final snapshot.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	srv := s.server
	s.server = nil
	s.addr = ""
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warn("Monitor shutdown", "error", err)
		}
	}
	s.wg.Wait()
	if err := s.Snapshot(); err != nil {
		s.log.Warn("Final status snapshot failed", "error", err)
	}
}

func (s *Service) loop(stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Snapshot(); err != nil {
				s.log.Error("Error writing status", "error", err)
			}
		}
	}
}

// Snapshot writes the current status to status.json and the journal.
func (s *Service) Snapshot() error {
	st := s.deps.Source.Status()
	s.deps.Journal.Record(journal.Entry{
		Kind:     journal.KindStatus,
		PlayerID: st.PlayerID,
		Amount:   st.Score,
		Details: map[string]any{
			"state":  st.State,
			"troops": st.Troops,
			"bases":  st.Bases,
		},
	})
	if s.deps.DataDir == "" {
		return nil
	}
	return writeJSONFile(filepath.Join(s.deps.DataDir, statusFileName), st)
}

// writeJSONFile replaces path atomically so readers never see a partial file.
func writeJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadStatus reads the last snapshot written to dataDir.
func ReadStatus(dataDir string) (game.Status, error) {
	var st game.Status
	raw, err := os.ReadFile(filepath.Join(dataDir, statusFileName))
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(raw, &st)
	return st, err
}
