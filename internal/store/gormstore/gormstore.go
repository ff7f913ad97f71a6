// Package gormstore keeps the remote tree in a SQL table with one row per leaf.
// SQLite runs in memory with periodic VACUUM INTO dumps; Postgres is shared
// between clients, so subscriptions poll to pick up foreign writes.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OCAP2/basewars/internal/database"
	"github.com/OCAP2/basewars/internal/store"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	_ store.Store  = (*Store)(nil)
	_ store.Atomic = (*Store)(nil)
)

var errAlreadyExists = errors.New("already exists")

// Leaf is one stored value.
type Leaf struct {
	Path      string `gorm:"primaryKey;size:512"`
	Value     datatypes.JSON
	UpdatedAt time.Time
}

func (Leaf) TableName() string { return "nodes" }

// Config holds backend settings.
type Config struct {
	PollInterval time.Duration
	DumpPath     string // VACUUM INTO target for in-memory sqlite
	DumpInterval time.Duration
}

// Dependencies holds the collaborators of the backend.
type Dependencies struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

// Store implements store.Store on top of gorm.
type Store struct {
	db     *gorm.DB
	cfg    Config
	log    *slog.Logger
	poller *store.Poller

	ready    atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// New creates the backend. Call Init before use.
func New(deps Dependencies, cfg Config) *Store {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		db:       deps.DB,
		cfg:      cfg,
		log:      log.With("component", "gormstore"),
		stopChan: make(chan struct{}),
	}
	s.poller = store.NewPoller(s.Get, cfg.PollInterval)
	return s
}

// Init migrates the schema and starts the poller and dump goroutines.
func (s *Store) Init() error {
	if err := s.db.AutoMigrate(&Leaf{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	s.poller.Start()
	s.ready.Store(true)

	if s.isSqlite() && s.cfg.DumpPath != "" && s.cfg.DumpInterval > 0 {
		s.wg.Add(1)
		go s.dumpLoop()
	}
	s.wg.Add(1)
	go s.healthLoop()
	return nil
}

func (s *Store) Ready() bool {
	return s.ready.Load()
}

func (s *Store) Get(ctx context.Context, path string) (store.Node, error) {
	p, err := store.Clean(path)
	if err != nil {
		return store.Node{}, err
	}
	tree, err := readTree(s.db.WithContext(ctx), p)
	if err != nil {
		return store.Node{}, err
	}
	return store.NewNode(tree), nil
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	p, err := store.Clean(path)
	if err != nil {
		return err
	}
	v, err := store.Normalize(value)
	if err != nil {
		return err
	}
	if !s.Ready() {
		return store.ErrNotReady
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return writeTree(tx, p, v)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}
	s.poller.Kick()
	return nil
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	p, err := store.Clean(path)
	if err != nil {
		return err
	}
	writes := make(map[string]any, len(fields))
	for k, raw := range fields {
		rel, err := store.Clean(k)
		if err != nil {
			return fmt.Errorf("update %s: %w", k, err)
		}
		v, err := store.Normalize(raw)
		if err != nil {
			return fmt.Errorf("update %s: %w", k, err)
		}
		writes[store.Join(p, rel)] = v
	}
	if !s.Ready() {
		return store.ErrNotReady
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for fp, v := range writes {
			if err := writeTree(tx, fp, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", p, err)
	}
	s.poller.Kick()
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *Store) Subscribe(path string) (*store.Subscription, error) {
	p, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	return s.poller.Subscribe(p)
}

// CreateIfAbsent inserts the leaves of value unless any of them exists.
// Concurrent creators conflict on the primary key, so only one succeeds.
func (s *Store) CreateIfAbsent(ctx context.Context, path string, value any) (bool, error) {
	p, err := store.Clean(path)
	if err != nil {
		return false, err
	}
	v, err := store.Normalize(value)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, fmt.Errorf("create %s: %w", p, store.ErrUnsupportedValue)
	}
	if !s.Ready() {
		return false, store.ErrNotReady
	}

	leaves, err := toLeaves(p, v)
	if err != nil {
		return false, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := subtree(tx.Model(&Leaf{}), p).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return errAlreadyExists
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&leaves)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected < int64(len(leaves)) {
			return errAlreadyExists
		}
		return nil
	})
	if errors.Is(err, errAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", p, err)
	}
	s.poller.Kick()
	return true, nil
}

// Add increments the integer leaf at path under a row lock.
func (s *Store) Add(ctx context.Context, path string, delta int64) (int64, bool, error) {
	p, err := store.Clean(path)
	if err != nil {
		return 0, false, err
	}
	if !s.Ready() {
		return 0, false, store.ErrNotReady
	}

	var (
		next    int64
		existed bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if !s.isSqlite() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var leaf Leaf
		res := q.Where("path = ?", p).Limit(1).Find(&leaf)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		existed = true

		var raw any
		if err := json.Unmarshal(leaf.Value, &raw); err != nil {
			return fmt.Errorf("%w: %v", store.ErrMalformed, err)
		}
		cur, err := store.NewNode(raw).Int()
		if err != nil {
			return err
		}
		next = cur + delta
		enc, err := json.Marshal(float64(next))
		if err != nil {
			return err
		}
		return tx.Model(&Leaf{}).Where("path = ?", p).
			Updates(map[string]any{"value": datatypes.JSON(enc), "updated_at": time.Now()}).Error
	})
	if err != nil {
		return 0, existed, fmt.Errorf("add %s: %w", p, err)
	}
	if existed {
		s.poller.Kick()
	}
	return next, existed, nil
}

// Close stops background work. The database handle is owned by the caller.
func (s *Store) Close() error {
	s.once.Do(func() {
		s.ready.Store(false)
		close(s.stopChan)
		s.poller.Stop()
		s.wg.Wait()
	})
	return nil
}

func (s *Store) isSqlite() bool {
	return s.db.Dialector.Name() == "sqlite"
}

// healthLoop pings the database so Ready follows the connection state.
func (s *Store) healthLoop() {
	defer s.wg.Done()
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			sqlDB, err := s.db.DB()
			if err == nil {
				err = sqlDB.Ping()
			}
			ready := err == nil
			if s.ready.Swap(ready) != ready {
				s.log.Warn("store connection changed", "ready", ready, "error", err)
			}
		}
	}
}

// dumpLoop periodically dumps the in-memory SQLite database to disk via VACUUM INTO.
func (s *Store) dumpLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			if err := database.DumpMemoryDBToDisk(s.db, s.cfg.DumpPath); err != nil {
				s.log.Error("Error dumping to disk", "error", err)
			} else {
				s.log.Debug("Dumped to disk", "duration", time.Since(start))
			}
		}
	}
}
