package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "basewars.cfg.json"

// SQLiteConfig holds the in-memory sqlite settings shared by the store and
// the journal.
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// PostgresConfig holds the db.* connection settings.
type PostgresConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// FirebaseConfig holds the Realtime Database settings.
type FirebaseConfig struct {
	CredentialsFile string `json:"credentialsFile" mapstructure:"credentialsFile"`
	DatabaseURL     string `json:"databaseUrl" mapstructure:"databaseUrl"`
}

// StoreConfig selects and configures the remote store backend.
type StoreConfig struct {
	Type         string
	ReadyPoll    time.Duration
	PollInterval time.Duration
	SQLite       SQLiteConfig
	Postgres     PostgresConfig
	Firebase     FirebaseConfig
}

// GameConfig holds the simulation settings.
type GameConfig struct {
	TuningFile    string
	TickInterval  time.Duration
	BatchInterval time.Duration
	Resolution    string
	ClaimTTL      time.Duration
	POIFile       string
}

// InfluxConfig holds the influx.* settings.
type InfluxConfig struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BackupPath    string
	ManageBuckets bool
}

// JournalConfig lists the journal sinks and their settings.
type JournalConfig struct {
	Sinks            []string
	FileDir          string
	SQLiteDumpPath   string
	SQLiteDumpPeriod time.Duration
	WebsocketURL     string
	WebsocketSecret  string
	Influx           InfluxConfig
}

// OTelConfig holds the otel.* settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// MonitorConfig holds the monitor.* settings.
type MonitorConfig struct {
	Enabled  bool
	Interval time.Duration
	Listen   string
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("dataDir", "./basewars-data")
	viper.SetDefault("logsDir", "./basewars-logs")

	viper.SetDefault("store.type", "memory")
	viper.SetDefault("store.readyPoll", "500ms")
	viper.SetDefault("store.pollInterval", "2s")
	viper.SetDefault("store.sqlite.path", "")
	viper.SetDefault("store.sqlite.dumpInterval", "3m")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "basewars")

	viper.SetDefault("firebase.credentialsFile", "")
	viper.SetDefault("firebase.databaseUrl", "")

	viper.SetDefault("game.tuningFile", "")
	viper.SetDefault("game.tickInterval", "100ms")
	viper.SetDefault("game.batchInterval", "0s")
	viper.SetDefault("game.resolution", "faithful")
	viper.SetDefault("game.claimTTL", "1h")

	viper.SetDefault("poi.file", "")

	viper.SetDefault("journal.sinks", []string{"memory"})
	viper.SetDefault("journal.file.dir", "")
	viper.SetDefault("journal.sqlite.dumpPath", "")
	viper.SetDefault("journal.sqlite.dumpInterval", "3m")
	viper.SetDefault("journal.websocket.url", "")
	viper.SetDefault("journal.websocket.secret", "")

	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "basewars")
	viper.SetDefault("influx.bucket", "basewars")
	viper.SetDefault("influx.backupPath", "")
	viper.SetDefault("influx.manageBuckets", true)

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "basewars")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("monitor.enabled", true)
	viper.SetDefault("monitor.interval", "1s")
	viper.SetDefault("monitor.listen", "")
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetStoreConfig returns the store.*, db.* and firebase.* settings.
func GetStoreConfig() StoreConfig {
	return StoreConfig{
		Type:         viper.GetString("store.type"),
		ReadyPoll:    viper.GetDuration("store.readyPoll"),
		PollInterval: viper.GetDuration("store.pollInterval"),
		SQLite: SQLiteConfig{
			Path:         viper.GetString("store.sqlite.path"),
			DumpInterval: viper.GetDuration("store.sqlite.dumpInterval"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: viper.GetString("firebase.credentialsFile"),
			DatabaseURL:     viper.GetString("firebase.databaseUrl"),
		},
	}
}

// GetGameConfig returns the game.* and poi.* settings.
func GetGameConfig() GameConfig {
	return GameConfig{
		TuningFile:    viper.GetString("game.tuningFile"),
		TickInterval:  viper.GetDuration("game.tickInterval"),
		BatchInterval: viper.GetDuration("game.batchInterval"),
		Resolution:    viper.GetString("game.resolution"),
		ClaimTTL:      viper.GetDuration("game.claimTTL"),
		POIFile:       viper.GetString("poi.file"),
	}
}

// GetJournalConfig returns the journal.* and influx.* settings.
func GetJournalConfig() JournalConfig {
	return JournalConfig{
		Sinks:            viper.GetStringSlice("journal.sinks"),
		FileDir:          viper.GetString("journal.file.dir"),
		SQLiteDumpPath:   viper.GetString("journal.sqlite.dumpPath"),
		SQLiteDumpPeriod: viper.GetDuration("journal.sqlite.dumpInterval"),
		WebsocketURL:     viper.GetString("journal.websocket.url"),
		WebsocketSecret:  viper.GetString("journal.websocket.secret"),
		Influx: InfluxConfig{
			URL: fmt.Sprintf("%s://%s:%s",
				viper.GetString("influx.protocol"),
				viper.GetString("influx.host"),
				viper.GetString("influx.port")),
			Token:         viper.GetString("influx.token"),
			Org:           viper.GetString("influx.org"),
			Bucket:        viper.GetString("influx.bucket"),
			BackupPath:    viper.GetString("influx.backupPath"),
			ManageBuckets: viper.GetBool("influx.manageBuckets"),
		},
	}
}

// GetOTelConfig returns the otel.* settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetMonitorConfig returns the monitor.* settings.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:  viper.GetBool("monitor.enabled"),
		Interval: viper.GetDuration("monitor.interval"),
		Listen:   viper.GetString("monitor.listen"),
	}
}
