// Package zstdfile writes the journal as hourly zstd-compressed JSONL files.
package zstdfile

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/OCAP2/basewars/internal/journal"
)

const hourLayout = "2006-01-02-15"

// Sink appends entries to <dir>/<prefix>-<hour>.jsonl.zst, rotating when the
// UTC hour of an entry changes.
type Sink struct {
	dir    string
	prefix string

	mu   sync.Mutex
	hour string
	f    *os.File
	enc  *zstd.Encoder
	w    *bufio.Writer
}

var _ journal.Sink = (*Sink)(nil)

func New(dir, prefix string) *Sink {
	if prefix == "" {
		prefix = "journal"
	}
	return &Sink{dir: dir, prefix: prefix}
}

func (s *Sink) Init() error {
	if s.dir == "" {
		return fmt.Errorf("zstd journal: directory not set")
	}
	return os.MkdirAll(s.dir, 0o755)
}

func (s *Sink) Record(e journal.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := e.Time
	if stamp.IsZero() {
		stamp = time.Now()
	}
	if hour := stamp.UTC().Format(hourLayout); hour != s.hour {
		if err := s.rotateLocked(hour); err != nil {
			return err
		}
	}

	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.enc.Flush()
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

// Path returns the file that holds entries for the hour of t.
func (s *Sink) Path(t time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.jsonl.zst", s.prefix, t.UTC().Format(hourLayout)))
}

func (s *Sink) rotateLocked(hour string) error {
	if err := s.closeLocked(); err != nil {
		return err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%s.jsonl.zst", s.prefix, hour))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("zstd journal: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("zstd journal: %w", err)
	}
	s.f = f
	s.enc = enc
	s.w = bufio.NewWriterSize(enc, 64*1024)
	s.hour = hour
	return nil
}

func (s *Sink) closeLocked() error {
	var errs []error
	if s.w != nil {
		errs = append(errs, s.w.Flush())
		s.w = nil
	}
	if s.enc != nil {
		errs = append(errs, s.enc.Close())
		s.enc = nil
	}
	if s.f != nil {
		errs = append(errs, s.f.Close())
		s.f = nil
	}
	s.hour = ""
	return errors.Join(errs...)
}

// ReadFile decodes every entry in one journal file. Appended sessions are
// separate zstd frames, which the decoder reads back to back.
func ReadFile(path string) ([]journal.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []journal.Entry
	jd := json.NewDecoder(dec)
	for {
		var e journal.Entry
		if err := jd.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, e)
	}
}

// ReadDir decodes every journal file with the given prefix in dir, oldest
// hour first.
func ReadDir(dir, prefix string) ([]journal.Entry, error) {
	if prefix == "" {
		prefix = "journal"
	}
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []journal.Entry
	for _, p := range paths {
		entries, err := ReadFile(p)
		if err != nil {
			return out, err
		}
		out = append(out, entries...)
	}
	return out, nil
}
