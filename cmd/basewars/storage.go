package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/OCAP2/basewars/internal/config"
	"github.com/OCAP2/basewars/internal/database"
	"github.com/OCAP2/basewars/internal/journal"
	"github.com/OCAP2/basewars/internal/journal/gormjournal"
	influxjournal "github.com/OCAP2/basewars/internal/journal/influx"
	memjournal "github.com/OCAP2/basewars/internal/journal/memory"
	wsjournal "github.com/OCAP2/basewars/internal/journal/websocket"
	"github.com/OCAP2/basewars/internal/journal/zstdfile"
	"github.com/OCAP2/basewars/internal/logging"
	"github.com/OCAP2/basewars/internal/store"
	"github.com/OCAP2/basewars/internal/store/firebase"
	"github.com/OCAP2/basewars/internal/store/gormstore"
	memstore "github.com/OCAP2/basewars/internal/store/memory"
	"github.com/OCAP2/basewars/pkg/streaming"
)

const memoryJournalLimit = 1000

func (a *app) createStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "sqlite":
		// a configured path is a persistent file; otherwise the database
		// lives in memory and is dumped to the data dir
		dsn := cfg.SQLite.Path
		gormCfg := gormstore.Config{PollInterval: cfg.PollInterval}
		if dsn == "" {
			dsn = database.MemoryDSN("store-" + a.SessionID)
			gormCfg.DumpPath = filepath.Join(a.DataDir, fmt.Sprintf("%s_store_%s.db", AppName, a.StartTime.Format("20060102_150405")))
			gormCfg.DumpInterval = cfg.SQLite.DumpInterval
		}
		db, err := database.OpenSqlite(dsn, a.DBLogger)
		if err != nil {
			return nil, err
		}
		s := gormstore.New(gormstore.Dependencies{DB: db, Logger: a.Logger}, gormCfg)
		if err := s.Init(); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		a.Logger.Info("SQLite store backend initialized", "path", cfg.SQLite.Path)
		return s, nil

	case "postgres":
		db, err := database.OpenPostgres(postgresConfig(cfg.Postgres), a.DBLogger)
		if err != nil {
			return nil, err
		}
		s := gormstore.New(gormstore.Dependencies{DB: db, Logger: a.Logger}, gormstore.Config{PollInterval: cfg.PollInterval})
		if err := s.Init(); err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres store: %w", err)
		}
		a.Logger.Info("Postgres store backend initialized", "host", cfg.Postgres.Host)
		return s, nil

	case "firebase":
		fbCfg := firebase.Config{
			CredentialsFile: cfg.Firebase.CredentialsFile,
			DatabaseURL:     cfg.Firebase.DatabaseURL,
			PollInterval:    cfg.PollInterval,
		}
		db, err := firebase.Dial(ctx, fbCfg)
		if err != nil {
			return nil, err
		}
		s := firebase.New(db, fbCfg, a.Logger)
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase store: %w", err)
		}
		a.Logger.Info("Firebase store backend initialized", "url", cfg.Firebase.DatabaseURL)
		return s, nil

	case "", "memory":
		a.Logger.Info("Memory store backend initialized")
		return memstore.New(), nil

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// createJournal initializes every configured sink. A sink that fails to
// initialize is skipped with a warning.
func (a *app) createJournal(cfg config.JournalConfig) journal.Sink {
	var sinks journal.Multi
	for _, name := range cfg.Sinks {
		sink, err := a.createSink(name, cfg)
		if err != nil {
			a.Logger.Warn("Skipping journal sink", "sink", name, "error", err)
			continue
		}
		if err := sink.Init(); err != nil {
			a.Logger.Warn("Skipping journal sink", "sink", name, "error", err)
			_ = sink.Close()
			continue
		}
		a.Logger.Info("Journal sink initialized", "sink", name)
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return journal.Nop{}
	}
	return sinks
}

func (a *app) createSink(name string, cfg config.JournalConfig) (journal.Sink, error) {
	switch name {
	case "memory":
		return memjournal.New(memoryJournalLimit), nil

	case "file":
		return zstdfile.New(a.journalDir(cfg), "journal"), nil

	case "sqlite":
		db, err := database.OpenSqlite(database.MemoryDSN("journal-"+a.SessionID), a.DBLogger)
		if err != nil {
			return nil, err
		}
		dumpPath := cfg.SQLiteDumpPath
		if dumpPath == "" {
			dumpPath = filepath.Join(a.DataDir, fmt.Sprintf("%s_journal_%s.db", AppName, a.StartTime.Format("20060102_150405")))
		}
		return gormjournal.New(gormjournal.Dependencies{DB: db, Logger: a.Logger}, gormjournal.Config{
			DumpPath:     dumpPath,
			DumpInterval: cfg.SQLiteDumpPeriod,
		}), nil

	case "postgres":
		db, err := database.OpenPostgres(postgresConfig(config.GetStoreConfig().Postgres), a.DBLogger)
		if err != nil {
			return nil, err
		}
		return gormjournal.New(gormjournal.Dependencies{DB: db, Logger: a.Logger}, gormjournal.Config{}), nil

	case "websocket":
		return wsjournal.New(wsjournal.Config{
			URL:    cfg.WebsocketURL,
			Secret: cfg.WebsocketSecret,
		}, streaming.HelloPayload{
			PlayerID:  a.Profile.PlayerID,
			Username:  a.Profile.Username,
			SessionID: a.SessionID,
		}, a.Logger), nil

	case "influx":
		backup := cfg.Influx.BackupPath
		if backup == "" {
			backup = filepath.Join(a.DataDir, fmt.Sprintf("%s_influx_%s.lp.gz", AppName, a.StartTime.Format("20060102_150405")))
		}
		return influxjournal.New(influxjournal.Config{
			URL:           cfg.Influx.URL,
			Token:         cfg.Influx.Token,
			Org:           cfg.Influx.Org,
			Bucket:        cfg.Influx.Bucket,
			BackupPath:    backup,
			ManageBuckets: cfg.Influx.ManageBuckets,
		}, logging.NewZerolog(a.logWriter, config.GetString("logLevel"), "influx")), nil

	default:
		return nil, fmt.Errorf("unknown journal sink %q", name)
	}
}

func postgresConfig(c config.PostgresConfig) database.PostgresConfig {
	return database.PostgresConfig{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Database: c.Database,
	}
}
