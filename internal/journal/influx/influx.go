// Package influx writes journal entries as InfluxDB points. When the server
// cannot be reached at Init, points go to a gzip line-protocol backup file
// instead.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/OCAP2/basewars/internal/journal"
)

const retentionSeconds = 60 * 60 * 24 * 90

// Config holds connection settings read from the influx.* config keys.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BackupPath    string
	ManageBuckets bool // create the org and bucket when missing
	PingTimeout   time.Duration
}

// Sink implements journal.Sink.
type Sink struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	client     influxdb2.Client
	writer     influxdb2_api.WriteAPI
	backupFile *os.File
	backup     *gzip.Writer
	online     bool
}

var _ journal.Sink = (*Sink)(nil)

func New(cfg Config, log zerolog.Logger) *Sink {
	if cfg.Bucket == "" {
		cfg.Bucket = "basewars"
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	return &Sink{cfg: cfg, log: log}
}

// Init connects to the server or opens the backup file.
func (s *Sink) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client = influxdb2.NewClientWithOptions(s.cfg.URL, s.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PingTimeout)
	defer cancel()
	running, err := s.client.Ping(ctx)
	if err != nil || !running {
		s.log.Warn().Err(err).Str("backupPath", s.cfg.BackupPath).
			Msg("InfluxDB unreachable, writing journal to backup file")
		s.client.Close()
		s.client = nil
		return s.openBackupLocked()
	}

	if s.cfg.ManageBuckets {
		if err := s.ensureBucket(context.Background()); err != nil {
			return err
		}
	}

	s.writer = s.client.WriteAPI(s.cfg.Org, s.cfg.Bucket)
	go func(errs <-chan error) {
		for err := range errs {
			s.log.Error().Err(err).Str("bucket", s.cfg.Bucket).Msg("Error sending journal to InfluxDB")
		}
	}(s.writer.Errors())
	s.online = true
	s.log.Info().Str("bucket", s.cfg.Bucket).Msg("InfluxDB journal initialized")
	return nil
}

func (s *Sink) openBackupLocked() error {
	if s.cfg.BackupPath == "" {
		return errors.New("influx journal: server unreachable and no backup path")
	}
	f, err := os.OpenFile(s.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	s.backupFile = f
	s.backup = gzip.NewWriter(f)
	return nil
}

func (s *Sink) ensureBucket(ctx context.Context) error {
	orgs := s.client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, s.cfg.Org)
	if err != nil {
		s.log.Info().Str("org", s.cfg.Org).Msg("Organization not found, creating")
		if org, err = orgs.CreateOrganizationWithName(ctx, s.cfg.Org); err != nil {
			return fmt.Errorf("create organization %q: %w", s.cfg.Org, err)
		}
	}

	buckets := s.client.BucketsAPI()
	if _, err := buckets.FindBucketByName(ctx, s.cfg.Bucket); err == nil {
		return nil
	}
	s.log.Info().Str("bucket", s.cfg.Bucket).Msg("Bucket not found, creating")
	rule := domain.RetentionRuleTypeExpire
	_, err = buckets.CreateBucketWithName(ctx, org, s.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: retentionSeconds,
	})
	if err != nil {
		return fmt.Errorf("create bucket %q: %w", s.cfg.Bucket, err)
	}
	return nil
}

// Online reports whether points go to the server.
func (s *Sink) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Sink) Record(e journal.Entry) error {
	p := Point(e)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.online:
		s.writer.WritePoint(p)
		return nil
	case s.backup != nil:
		line := strings.TrimRight(influxdb2_write.PointToLineProtocol(p, time.Nanosecond), "\n")
		if _, err := s.backup.Write([]byte(line + "\n")); err != nil {
			return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
		}
		return nil
	default:
		return errors.New("influx journal: not initialized")
	}
}

// Close flushes pending points and releases the client or backup file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.writer != nil {
		s.writer.Flush()
		s.writer = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	if s.backup != nil {
		errs = append(errs, s.backup.Close())
		s.backup = nil
	}
	if s.backupFile != nil {
		errs = append(errs, s.backupFile.Close())
		s.backupFile = nil
	}
	s.online = false
	return errors.Join(errs...)
}

// Point converts an entry. The kind is the measurement, identities are tags
// and quantities are fields.
func Point(e journal.Entry) *influxdb2_write.Point {
	stamp := e.Time
	if stamp.IsZero() {
		stamp = time.Now()
	}
	p := influxdb2_write.NewPointWithMeasurement(string(e.Kind)).SetTime(stamp)

	if e.PlayerID != "" {
		p.AddTag("player", e.PlayerID)
	}
	if e.TargetID != "" {
		p.AddTag("target", e.TargetID)
	}
	if e.Class != "" {
		p.AddTag("class", e.Class)
	}

	p.AddField("amount", e.Amount)
	if e.TroopID != "" {
		p.AddField("troop", e.TroopID)
	}
	if e.Lat != 0 || e.Lon != 0 {
		p.AddField("lat", e.Lat)
		p.AddField("lon", e.Lon)
	}
	for k, v := range e.Details {
		switch v.(type) {
		case string, bool, int, int64, float64:
			p.AddField(k, v)
		default:
			p.AddField(k, fmt.Sprint(v))
		}
	}
	return p
}
