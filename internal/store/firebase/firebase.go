// Package firebase stores the tree in a Firebase Realtime Database through
// the Admin SDK. The SDK has no streaming listeners, so subscriptions poll;
// conditional writes use ETag compare-and-set.
package firebase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	fb "firebase.google.com/go"
	"firebase.google.com/go/db"
	"google.golang.org/api/option"

	"github.com/OCAP2/basewars/internal/store"
)

var (
	_ store.Store  = (*Store)(nil)
	_ store.Atomic = (*Store)(nil)
)

// ErrContention is returned when a compare-and-set keeps losing.
var ErrContention = errors.New("too many concurrent writers")

const maxCASAttempts = 25

// Ref is the subset of *db.Ref used by the store.
type Ref interface {
	Get(ctx context.Context, v interface{}) error
	Set(ctx context.Context, v interface{}) error
	Update(ctx context.Context, v map[string]interface{}) error
	Delete(ctx context.Context) error
	GetWithETag(ctx context.Context, v interface{}) (string, error)
	SetIfUnchanged(ctx context.Context, etag string, v interface{}) (bool, error)
}

// Database hands out refs.
type Database interface {
	NewRef(path string) Ref
}

type clientDB struct {
	c *db.Client
}

func (d clientDB) NewRef(path string) Ref { return d.c.NewRef(path) }

// Config holds connection settings.
type Config struct {
	CredentialsFile string
	DatabaseURL     string
	PollInterval    time.Duration
}

// Dial connects to the Realtime Database described by cfg.
func Dial(ctx context.Context, cfg Config) (Database, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := fb.NewApp(ctx, &fb.Config{DatabaseURL: cfg.DatabaseURL}, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error initializing database client: %w", err)
	}
	return clientDB{c: client}, nil
}

// Store implements store.Store on a Realtime Database.
type Store struct {
	db     Database
	log    *slog.Logger
	poller *store.Poller
	probe  time.Duration

	ready    atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// New creates the store. Call Init before use.
func New(database Database, cfg Config, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		db:       database,
		log:      log.With("component", "firebase"),
		probe:    cfg.PollInterval,
		stopChan: make(chan struct{}),
	}
	if s.probe <= 0 {
		s.probe = 2 * time.Second
	}
	s.poller = store.NewPoller(s.Get, cfg.PollInterval)
	return s
}

// Init probes the connection once and starts background polling.
func (s *Store) Init(ctx context.Context) error {
	s.ready.Store(s.ping(ctx) == nil)
	s.poller.Start()
	s.wg.Add(1)
	go s.probeLoop()
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
	var v interface{}
	if err := s.db.NewRef(p).Get(ctx, &v); err != nil {
		return store.Node{}, fmt.Errorf("get %s: %w", p, err)
	}
	return store.NewNode(v), nil
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
	ref := s.db.NewRef(p)
	if v == nil {
		err = ref.Delete(ctx)
	} else {
		err = ref.Set(ctx, v)
	}
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
	payload := make(map[string]interface{}, len(fields))
	for k, raw := range fields {
		rel, err := store.Clean(k)
		if err != nil {
			return fmt.Errorf("update %s: %w", k, err)
		}
		v, err := store.Normalize(raw)
		if err != nil {
			return fmt.Errorf("update %s: %w", k, err)
		}
		// null deletes the child
		payload[rel] = v
	}
	if !s.Ready() {
		return store.ErrNotReady
	}
	if len(payload) == 0 {
		return nil
	}
	if err := s.db.NewRef(p).Update(ctx, payload); err != nil {
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

// CreateIfAbsent writes value with an ETag guard taken while the path was empty.
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

	ref := s.db.NewRef(p)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var cur interface{}
		etag, err := ref.GetWithETag(ctx, &cur)
		if err != nil {
			return false, fmt.Errorf("create %s: %w", p, err)
		}
		if cur != nil {
			return false, nil
		}
		ok, err := ref.SetIfUnchanged(ctx, etag, v)
		if err != nil {
			return false, fmt.Errorf("create %s: %w", p, err)
		}
		if ok {
			s.poller.Kick()
			return true, nil
		}
	}
	return false, fmt.Errorf("create %s: %w", p, ErrContention)
}

// Add increments the integer at path with an ETag compare-and-set loop.
func (s *Store) Add(ctx context.Context, path string, delta int64) (int64, bool, error) {
	p, err := store.Clean(path)
	if err != nil {
		return 0, false, err
	}
	if !s.Ready() {
		return 0, false, store.ErrNotReady
	}

	ref := s.db.NewRef(p)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var raw interface{}
		etag, err := ref.GetWithETag(ctx, &raw)
		if err != nil {
			return 0, false, fmt.Errorf("add %s: %w", p, err)
		}
		cur := store.NewNode(raw)
		if !cur.Exists() {
			return 0, false, nil
		}
		n, err := cur.Int()
		if err != nil {
			return 0, true, fmt.Errorf("add %s: %w", p, err)
		}
		next := n + delta
		ok, err := ref.SetIfUnchanged(ctx, etag, float64(next))
		if err != nil {
			return 0, true, fmt.Errorf("add %s: %w", p, err)
		}
		if ok {
			s.poller.Kick()
			return next, true, nil
		}
	}
	return 0, true, fmt.Errorf("add %s: %w", p, ErrContention)
}

func (s *Store) Close() error {
	s.once.Do(func() {
		s.ready.Store(false)
		close(s.stopChan)
		s.poller.Stop()
		s.wg.Wait()
	})
	return nil
}

func (s *Store) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.probe)
	defer cancel()
	var v interface{}
	return s.db.NewRef("_ping").Get(ctx, &v)
}

func (s *Store) probeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.probe)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			err := s.ping(context.Background())
			ready := err == nil
			if s.ready.Swap(ready) != ready {
				s.log.Warn("store connection changed", "ready", ready, "error", err)
			}
		}
	}
}
