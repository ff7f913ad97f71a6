// Package gormjournal stores journal entries in a SQL table through gorm.
// Entries are queued and written in batches by a background writer.
package gormjournal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/OCAP2/basewars/internal/database"
	"github.com/OCAP2/basewars/internal/journal"
	"github.com/OCAP2/basewars/internal/queue"
)

// Row is one journal entry.
type Row struct {
	ID       uint      `gorm:"primaryKey;autoIncrement"`
	Time     time.Time `gorm:"index"`
	Kind     string    `gorm:"size:32;index"`
	PlayerID string    `gorm:"size:64;index"`
	TargetID string    `gorm:"size:64"`
	TroopID  string    `gorm:"size:64"`
	Class    string    `gorm:"size:32"`
	Amount   int64
	Lat      float64
	Lon      float64
	Details  datatypes.JSON
}

func (Row) TableName() string { return "journal_entries" }

// Config holds writer settings.
type Config struct {
	FlushInterval time.Duration
	DumpPath      string // VACUUM INTO target for in-memory sqlite
	DumpInterval  time.Duration
}

// Dependencies holds the collaborators of the sink.
type Dependencies struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

// Sink implements journal.Sink.
type Sink struct {
	db  *gorm.DB
	cfg Config
	log *slog.Logger

	q        *queue.Queue[Row]
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

var _ journal.Sink = (*Sink)(nil)

func New(deps Dependencies, cfg Config) *Sink {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		db:       deps.DB,
		cfg:      cfg,
		log:      log.With("component", "gormjournal"),
		q:        queue.New[Row](),
		stopChan: make(chan struct{}),
	}
}

// Init migrates the table and starts the writer.
func (s *Sink) Init() error {
	if s.db == nil {
		return fmt.Errorf("gorm journal: no database")
	}
	if err := s.db.AutoMigrate(&Row{}); err != nil {
		return fmt.Errorf("gorm journal: migrate: %w", err)
	}

	s.wg.Add(1)
	go s.writeLoop()

	if s.cfg.DumpPath != "" && s.cfg.DumpInterval > 0 && s.db.Dialector.Name() == "sqlite" {
		s.wg.Add(1)
		go s.dumpLoop()
	}
	return nil
}

// Record queues e for the next batch.
func (s *Sink) Record(e journal.Entry) error {
	row := Row{
		Time:     e.Time,
		Kind:     string(e.Kind),
		PlayerID: e.PlayerID,
		TargetID: e.TargetID,
		TroopID:  e.TroopID,
		Class:    e.Class,
		Amount:   e.Amount,
		Lat:      e.Lat,
		Lon:      e.Lon,
	}
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("gorm journal: details: %w", err)
		}
		row.Details = datatypes.JSON(raw)
	}
	s.q.Push(row)
	return nil
}

// Close stops the writer after flushing what is queued. The database handle
// is owned by the caller.
func (s *Sink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		err = s.flush()
		if err == nil && s.cfg.DumpPath != "" && s.db.Dialector.Name() == "sqlite" {
			err = database.DumpMemoryDBToDisk(s.db, s.cfg.DumpPath)
		}
	})
	return err
}

// Pending returns how many entries wait for the writer.
func (s *Sink) Pending() int {
	return s.q.Len()
}

// Recent returns up to limit entries, newest first. An empty kind matches
// every entry.
func (s *Sink) Recent(kind journal.Kind, limit int) ([]journal.Entry, error) {
	q := s.db.Order("id DESC")
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Row
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]journal.Entry, 0, len(rows))
	for _, r := range rows {
		e := journal.Entry{
			Time:     r.Time,
			Kind:     journal.Kind(r.Kind),
			PlayerID: r.PlayerID,
			TargetID: r.TargetID,
			TroopID:  r.TroopID,
			Class:    r.Class,
			Amount:   r.Amount,
			Lat:      r.Lat,
			Lon:      r.Lon,
		}
		if len(r.Details) > 0 {
			if err := json.Unmarshal(r.Details, &e.Details); err != nil {
				return nil, fmt.Errorf("row %d details: %w", r.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// flush writes everything queued in one transaction. Failed batches are
// requeued for the next cycle.
func (s *Sink) flush() error {
	if s.q.Empty() {
		return nil
	}
	rows := s.q.GetAndEmpty()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&rows, 500).Error
	})
	if err != nil {
		s.q.Push(rows...)
		return fmt.Errorf("gorm journal: write %d entries: %w", len(rows), err)
	}
	return nil
}

func (s *Sink) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			n := s.q.Len()
			if err := s.flush(); err != nil {
				s.log.Error("Error writing journal", "error", err)
			} else if n > 0 {
				s.log.Debug("Wrote journal batch", "entries", n, "duration", time.Since(start))
			}
		}
	}
}

func (s *Sink) dumpLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if err := database.DumpMemoryDBToDisk(s.db, s.cfg.DumpPath); err != nil {
				s.log.Error("Error dumping journal to disk", "error", err)
			}
		}
	}
}
