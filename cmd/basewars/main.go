package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/OCAP2/basewars/internal/catalog"
	"github.com/OCAP2/basewars/internal/config"
	"github.com/OCAP2/basewars/internal/dispatcher"
	"github.com/OCAP2/basewars/internal/game"
	"github.com/OCAP2/basewars/internal/identity"
	"github.com/OCAP2/basewars/internal/journal"
	"github.com/OCAP2/basewars/internal/logging"
	"github.com/OCAP2/basewars/internal/monitor"
	intOtel "github.com/OCAP2/basewars/internal/otel"
	"github.com/OCAP2/basewars/internal/poi"
	"github.com/OCAP2/basewars/internal/store"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	CurrentVersion string = "0.1.0"
	BuildDate      string = "unknown"

	AppName string = "basewars"
)

const shutdownTimeout = 10 * time.Second

// app holds everything a command needs. Fields are filled by setup in
// dependency order and released in reverse by shutdown.
type app struct {
	SessionID string
	StartTime time.Time
	DataDir   string

	SlogManager  *logging.SlogManager
	Logger       *slog.Logger
	DBLogger     zerolog.Logger
	OTelProvider *intOtel.Provider

	Profile    identity.Profile
	Rules      *catalog.Catalog
	Store      store.Store
	Journal    *journal.Journal
	Dispatcher *dispatcher.Dispatcher
	Engine     *game.Engine
	Monitor    *monitor.Service

	logWriter io.Writer
	closers   []io.Closer
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)
	configDir := fs.String("config", ".", "directory containing "+config.FileName)
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		usage(fs)
		return 2
	}
	cmd, ok := findCommand(fs.Arg(0))
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", fs.Arg(0))
		usage(fs)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{StartTime: time.Now(), SessionID: uuid.NewString()}
	if err := a.setup(ctx, *configDir, cmd.offline); err != nil {
		fmt.Fprintln(os.Stderr, err)
		a.shutdown()
		return 1
	}
	defer a.shutdown()

	a.Logger.Debug("running command", "command", cmd.name, "version", CurrentVersion, "build", BuildDate)
	if err := cmd.run(ctx, a, fs.Args()[1:]); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "usage: %s %s %s\n", AppName, cmd.name, cmd.args)
			return 2
		}
		a.Logger.Error("command failed", "command", cmd.name, "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// setup loads config and builds the logging stack. Unless offline, it also
// builds the store, journal, dispatcher and engine.
func (a *app) setup(ctx context.Context, configDir string, offline bool) error {
	a.SlogManager = logging.NewSlogManager()
	a.SlogManager.Setup(nil, viper.GetString("logLevel"), nil)
	a.Logger = a.SlogManager.Logger()

	if err := config.Load(configDir); err != nil {
		a.Logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		a.Logger.Debug("Loaded config", "file", viper.ConfigFileUsed())
	}

	if err := a.setupLogging(); err != nil {
		return err
	}

	a.DataDir = config.GetString("dataDir")
	if err := os.MkdirAll(a.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if offline {
		return nil
	}

	profile, err := identity.Load(a.DataDir)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	a.Profile = profile
	a.SlogManager.SetContext(slog.String("player", profile.PlayerID), slog.String("session", a.SessionID))

	gameCfg := config.GetGameConfig()
	a.Rules = catalog.Default()
	if gameCfg.TuningFile != "" {
		if a.Rules, err = catalog.Load(gameCfg.TuningFile); err != nil {
			return fmt.Errorf("load tuning: %w", err)
		}
	}
	mode, err := catalog.ParseMode(gameCfg.Resolution)
	if err != nil {
		return err
	}
	var pois []poi.POI
	if gameCfg.POIFile != "" {
		if pois, err = poi.Load(gameCfg.POIFile); err != nil {
			return fmt.Errorf("load points of interest: %w", err)
		}
		a.Logger.Info("Loaded points of interest", "count", len(pois), "file", gameCfg.POIFile)
	}

	storeCfg := config.GetStoreConfig()
	if a.Store, err = a.createStore(ctx, storeCfg); err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	a.Journal = journal.New(a.createJournal(config.GetJournalConfig()), a.Logger, nil)

	if a.Dispatcher, err = dispatcher.New(logging.NewDispatcherLogger(a.Logger)); err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	a.Engine, err = game.New(game.Config{
		TickInterval:  gameCfg.TickInterval,
		BatchInterval: gameCfg.BatchInterval,
		ReadyPoll:     storeCfg.ReadyPoll,
		Resolution:    mode,
		ClaimTTL:      gameCfg.ClaimTTL,
		DataDir:       a.DataDir,
	}, game.Dependencies{
		Store:      a.Store,
		Dispatcher: a.Dispatcher,
		Rules:      a.Rules,
		Journal:    a.Journal,
		Logger:     a.Logger,
		Profile:    profile,
		POIs:       pois,
	})
	if err != nil {
		return err
	}

	a.Logger.Info("Client ready",
		"version", CurrentVersion,
		"player", profile.PlayerID,
		"username", profile.Username,
		"store", storeCfg.Type,
		"resolution", mode,
	)
	return nil
}

// setupLogging re-creates the logger with the log file, Graylog and the OTel
// bridge as configured.
func (a *app) setupLogging() error {
	logsDir := config.GetString("logsDir")
	level := config.GetString("logLevel")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}

	logPath := logging.LogFilePath(logsDir, AppName, a.StartTime)
	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", logPath, err)
	}
	a.closers = append(a.closers, logFile)
	a.logWriter = logFile
	a.DBLogger = logging.NewZerolog(logFile, level, "database")

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		provider, err := intOtel.New(intOtel.Config{
			Enabled:      otelCfg.Enabled,
			ServiceName:  otelCfg.ServiceName,
			BatchTimeout: otelCfg.BatchTimeout,
			LogWriter:    logFile,
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,
		})
		if err != nil {
			a.Logger.Error("Failed to initialize OTel provider", "error", err)
		} else {
			a.OTelProvider = provider
			a.Logger.Info("OTel provider initialized", "file", logPath, "endpoint", otelCfg.Endpoint)
		}
	}

	var extra []slog.Handler
	if config.GetBool("graylog.enabled") {
		addr := config.GetString("graylog.address")
		h, closer, err := logging.NewGelfHandler(addr, level)
		if err != nil {
			a.Logger.Warn("Failed to connect to Graylog", "address", addr, "error", err)
		} else {
			extra = append(extra, h)
			a.closers = append(a.closers, closer)
		}
	}

	var otelLogProvider *sdklog.LoggerProvider
	if a.OTelProvider != nil {
		otelLogProvider = a.OTelProvider.LoggerProvider()
	}
	a.SlogManager.Setup(logFile, level, otelLogProvider, extra...)
	a.Logger = a.SlogManager.Logger()
	a.Logger.Info("Logging to file", "path", logPath)
	return nil
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}
	if a.Journal != nil {
		if err := a.Journal.Sink().Close(); err != nil {
			a.Logger.Warn("Failed to close journal", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("Failed to close store", "error", err)
		}
	}
	if a.SlogManager != nil {
		if err := a.SlogManager.Flush(ctx); err != nil {
			a.Logger.Warn("Failed to flush logs", "error", err)
		}
	}
	if a.OTelProvider != nil {
		if err := a.OTelProvider.Shutdown(ctx); err != nil {
			a.Logger.Warn("Failed to shut down OTel provider", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// journalDir is where the file sink writes when journal.file.dir is unset.
func (a *app) journalDir(cfg config.JournalConfig) string {
	if cfg.FileDir != "" {
		return cfg.FileDir
	}
	return filepath.Join(a.DataDir, "journal")
}
