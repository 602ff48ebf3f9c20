package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// SmartPiXL ingest pipeline configuration, with environment overrides
// =============================================================================

// Config is the root configuration for both the Edge and Forge processes.
// A single file is shared by both; each process reads only the sections it
// needs.
type Config struct {
	Edge EdgeConfig `yaml:"edge"`
	Forge ForgeConfig `yaml:"forge"`
	Capture CaptureConfig `yaml:"capture"`

	Cidr CidrConfig `yaml:"cidr"`
	Behaviour BehaviourConfig `yaml:"behaviour"`
	GeoCache GeoCacheConfig `yaml:"geocache"`

	Handoff HandoffConfig `yaml:"handoff"`
	Pipe PipeConfig `yaml:"pipe"`
	Writer WriterConfig `yaml:"writer"`
	Failover FailoverConfig `yaml:"failover"`
	Health HealthConfig `yaml:"health"`

	Database DatabaseConfig `yaml:"database"`
}

// EdgeConfig controls the hot-path capture process.
type EdgeConfig struct {
	Port string `yaml:"port"`
	Env string `yaml:"env"`
	ReadTimeoutSec int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	IdleTimeoutSec int `yaml:"idle_timeout_sec"`
	ShutdownSec int `yaml:"shutdown_timeout_sec"`
}

// ForgeConfig controls the background persistence/replay process.
type ForgeConfig struct {
	Env string `yaml:"env"`
	ShutdownSec int `yaml:"shutdown_timeout_sec"`
}

// CaptureConfig controls the pixel capture handler.
type CaptureConfig struct {
	TrustedProxies []string `yaml:"trusted_proxies"`
	HandoffDeadlineMS int `yaml:"handoff_deadline_ms"`
}

// CidrConfig controls datacenter/CDN CIDR classification.
type CidrConfig struct {
	// Ranges is an inline list of CIDRs to tag as datacenter traffic
	// (provider name -> list of CIDR strings), merged with RangesFile if
	// both are set.
	Ranges map[string][]string `yaml:"ranges"`
	// RangesFile optionally points at a newline-delimited "provider,cidr"
	// file for larger range lists than are comfortable inline in YAML.
	RangesFile string `yaml:"ranges_file"`
}

// BehaviourConfig controls the sliding-window rapid-fire/velocity/stability
// detector.
type BehaviourConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	RingCapacity int `yaml:"ring_capacity"`
	RapidFireCount int `yaml:"rapid_fire_count"`
	RapidFireMillis int64 `yaml:"rapid_fire_millis"`
	VelocityThreshold int `yaml:"velocity_threshold"`
	StabilityHours int `yaml:"stability_window_hours"`
	StabilityCapacity int `yaml:"stability_capacity"`
	StabilityShards int `yaml:"stability_shards"`
}

// GeoCacheConfig controls the hot-tier LRU and cold-tier backfill.
type GeoCacheConfig struct {
	HotCapacity int `yaml:"hot_capacity"`
	BackfillQueueSize int `yaml:"backfill_queue_size"`
	StaleAfterDays int `yaml:"stale_after_days"`
	ColdStoreDriver string `yaml:"cold_store_driver"` // "sql" or "redis"
	RedisAddr string `yaml:"redis_addr"`
	RedisInvalidateChan string `yaml:"redis_invalidate_channel"`
}

// HandoffConfig sets the bounded-channel capacities of Forge's internal
// handoff stages (pipe-listener->enrichment, enrichment->writer).
// StagingCapacity is only defaulted, never used: the Edge sizes its
// capture->pipe-client staging buffer from Pipe.StagingCapacity.
type HandoffConfig struct {
	StagingCapacity int `yaml:"staging_capacity"`
	EnrichmentCapacity int `yaml:"enrichment_capacity"`
	WriterCapacity int `yaml:"writer_capacity"`
}

// PipeConfig controls the Edge<->Forge local transport.
type PipeConfig struct {
	Addr string `yaml:"addr"` // unix socket path
	StagingCapacity int `yaml:"staging_capacity"`
	StagingDeadlineMS int `yaml:"staging_deadline_ms"`
	BackoffMinMS int `yaml:"backoff_min_ms"`
	BackoffMaxMS int `yaml:"backoff_max_ms"`
}

// WriterConfig controls the bulk Postgres writer and its circuit breaker.
type WriterConfig struct {
	BatchSize int `yaml:"batch_size"`
	FlushIntervalMS int `yaml:"flush_interval_ms"`
	TableBucketing bool `yaml:"table_bucketing"`
	BucketWidthMin int `yaml:"bucket_width_minutes"`

	BreakerConsecutiveToTrip int `yaml:"breaker_consecutive_to_trip"`
	BreakerCooldownSec int `yaml:"breaker_cooldown_sec"`
	BreakerRetries int `yaml:"breaker_retries"`
	BreakerBackoffMinMS int `yaml:"breaker_backoff_min_ms"`
	BreakerBackoffMaxMS int `yaml:"breaker_backoff_max_ms"`
}

// FailoverConfig controls the on-disk JSONL overflow path and its
// catch-up reader.
type FailoverConfig struct {
	Dir string `yaml:"dir"`
	ScanIntervalSec int `yaml:"scan_interval_sec"`

	PubSubEnabled bool `yaml:"pubsub_enabled"`
	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopicID string `yaml:"pubsub_topic_id"`
}

// HealthConfig controls the self-healing probe cadence and thresholds.
type HealthConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	DedupeWindowHours int `yaml:"dedupe_window_hours"`
	SaturatedTicksBeforeStuck int `yaml:"saturated_ticks_before_stuck"`

	// EventsTopicID is the Pub/Sub topic health snapshots are published to
	// when Failover.PubSubEnabled is set; the probe reuses that project ID
	// so a single pubsub_enabled flag turns on both durable fan-outs.
	EventsTopicID string `yaml:"events_topic_id"`
}

// DatabaseConfig is the Postgres DSN the bulk writer connects with.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime_sec"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once sync.Once
)

// Get returns the process-wide singleton config instance, loading it from
// CONFIG_PATH (default "config.yaml") on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := Load(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load file, using defaults", "error", err)
			cfg = &Config{}
			cfg.applyEnvOverrides()
		}
		instance = cfg
	})
	return instance
}

// Load reads and decodes the YAML config file at path, applies environment
// overrides and defaults, and validates the result. It fails fast (a
// non-nil error, mapped by callers to exit code 1) on a missing/invalid
// file or an invalid CIDR/DSN value, matching the exit-code contract.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &cfg, nil
}

// validate rejects configuration that would otherwise fail far later and
// less legibly (a bad CIDR half-way through a request, a DSN rejected by
// the driver on the first write).
func (c *Config) validate() error {
	for provider, cidrs := range c.Cidr.Ranges {
		for _, raw := range cidrs {
			if _, _, err := net.ParseCIDR(raw); err != nil {
				return fmt.Errorf("cidr range %q for provider %q: %w", raw, provider, err)
			}
		}
	}
	if c.Database.DSN != "" {
		if _, err := pqParseDSN(c.Database.DSN); err != nil {
			return fmt.Errorf("database dsn: %w", err)
		}
	}
	return nil
}

// pqParseDSN performs a minimal sanity check on the DSN shape (the lib/pq
// driver itself does the authoritative parse at connection time); a DSN
// must at least look like a URL or libpq key=value string.
func pqParseDSN(dsn string) (string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return "", fmt.Errorf("empty dsn")
	}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return trimmed, nil
	}
	if !strings.Contains(trimmed, "=") {
		return "", fmt.Errorf("dsn %q is neither a postgres:// URL nor a key=value string", trimmed)
	}
	return trimmed, nil
}

// applyEnvOverrides applies a short allow-list of hot operator knobs —
// ports, the database DSN, the failover directory — so they can be
// overridden without a redeploy.
func (c *Config) applyEnvOverrides() {
	c.Edge.Port = getEnv("EDGE_PORT", c.Edge.Port)
	c.Edge.Env = getEnv("SMARTPIXL_ENV", c.Edge.Env)
	c.Forge.Env = getEnv("SMARTPIXL_ENV", c.Forge.Env)

	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	if v := getEnvInt("DATABASE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Database.MaxOpenConns = v
	}

	c.Pipe.Addr = getEnv("PIPE_ADDR", c.Pipe.Addr)
	c.Failover.Dir = getEnv("FAILOVER_DIR", c.Failover.Dir)

	c.Writer.TableBucketing = getEnvBool("WRITER_TABLE_BUCKETING", c.Writer.TableBucketing)
	if v := getEnvInt("WRITER_BATCH_SIZE", 0); v > 0 {
		c.Writer.BatchSize = v
	}

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.Failover.PubSubProjectID = projectID
	}
	c.Failover.PubSubEnabled = getEnvBool("FAILOVER_PUBSUB_ENABLED", c.Failover.PubSubEnabled)

	c.GeoCache.RedisAddr = getEnv("GEOCACHE_REDIS_ADDR", c.GeoCache.RedisAddr)

	c.applyDefaults()
}

// applyDefaults fills zero-valued fields with the same defaults each
// component's own withDefaults would pick, so the YAML file only needs to
// name the knobs an operator actually wants to change.
func (c *Config) applyDefaults() {
	if c.Edge.Port == "" {
		c.Edge.Port = "8080"
	}
	if c.Edge.ReadTimeoutSec == 0 {
		c.Edge.ReadTimeoutSec = 5
	}
	if c.Edge.WriteTimeoutSec == 0 {
		c.Edge.WriteTimeoutSec = 5
	}
	if c.Edge.IdleTimeoutSec == 0 {
		c.Edge.IdleTimeoutSec = 60
	}
	if c.Edge.ShutdownSec == 0 {
		c.Edge.ShutdownSec = 10
	}
	if c.Forge.ShutdownSec == 0 {
		c.Forge.ShutdownSec = 30
	}
	if c.Capture.HandoffDeadlineMS == 0 {
		c.Capture.HandoffDeadlineMS = 5
	}

	if c.Behaviour.WindowSeconds == 0 {
		c.Behaviour.WindowSeconds = 300
	}
	if c.Behaviour.RingCapacity == 0 {
		c.Behaviour.RingCapacity = 64
	}
	if c.Behaviour.StabilityHours == 0 {
		c.Behaviour.StabilityHours = 24
	}
	if c.Behaviour.StabilityCapacity == 0 {
		c.Behaviour.StabilityCapacity = 32
	}
	if c.Behaviour.StabilityShards == 0 {
		c.Behaviour.StabilityShards = 32
	}

	if c.GeoCache.HotCapacity == 0 {
		c.GeoCache.HotCapacity = 50_000
	}
	if c.GeoCache.BackfillQueueSize == 0 {
		c.GeoCache.BackfillQueueSize = 2_000
	}
	if c.GeoCache.StaleAfterDays == 0 {
		c.GeoCache.StaleAfterDays = 30
	}
	if c.GeoCache.ColdStoreDriver == "" {
		c.GeoCache.ColdStoreDriver = "sql"
	}
	if c.GeoCache.RedisInvalidateChan == "" {
		c.GeoCache.RedisInvalidateChan = "geocache:invalidate"
	}

	if c.Handoff.StagingCapacity == 0 {
		c.Handoff.StagingCapacity = 4096
	}
	if c.Handoff.EnrichmentCapacity == 0 {
		c.Handoff.EnrichmentCapacity = 4096
	}
	if c.Handoff.WriterCapacity == 0 {
		c.Handoff.WriterCapacity = 8192
	}

	if c.Pipe.Addr == "" {
		c.Pipe.Addr = "/tmp/smartpixl-pipe.sock"
	}
	if c.Pipe.StagingCapacity == 0 {
		c.Pipe.StagingCapacity = 4096
	}
	if c.Pipe.StagingDeadlineMS == 0 {
		c.Pipe.StagingDeadlineMS = 5
	}
	if c.Pipe.BackoffMinMS == 0 {
		c.Pipe.BackoffMinMS = 100
	}
	if c.Pipe.BackoffMaxMS == 0 {
		c.Pipe.BackoffMaxMS = 5000
	}

	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = 5000
	}
	if c.Writer.FlushIntervalMS == 0 {
		c.Writer.FlushIntervalMS = 250
	}
	if c.Writer.BucketWidthMin == 0 {
		c.Writer.BucketWidthMin = 5
	}
	if c.Writer.BreakerConsecutiveToTrip == 0 {
		c.Writer.BreakerConsecutiveToTrip = 3
	}
	if c.Writer.BreakerCooldownSec == 0 {
		c.Writer.BreakerCooldownSec = 30
	}
	if c.Writer.BreakerRetries == 0 {
		c.Writer.BreakerRetries = 2
	}
	if c.Writer.BreakerBackoffMinMS == 0 {
		c.Writer.BreakerBackoffMinMS = 50
	}
	if c.Writer.BreakerBackoffMaxMS == 0 {
		c.Writer.BreakerBackoffMaxMS = 200
	}

	if c.Failover.Dir == "" {
		c.Failover.Dir = "failover"
	}
	if c.Failover.ScanIntervalSec == 0 {
		c.Failover.ScanIntervalSec = 10
	}
	if c.Failover.PubSubTopicID == "" {
		c.Failover.PubSubTopicID = "smartpixl-catchup"
	}

	if c.Health.IntervalSec == 0 {
		c.Health.IntervalSec = 60
	}
	if c.Health.DedupeWindowHours == 0 {
		c.Health.DedupeWindowHours = 2
	}
	if c.Health.EventsTopicID == "" {
		c.Health.EventsTopicID = "smartpixl-health"
	}
	if c.Health.SaturatedTicksBeforeStuck == 0 {
		c.Health.SaturatedTicksBeforeStuck = 3
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 300
	}
}

// =============================================================================
// Duration conversions — the YAML file and env overrides use a plain
// scalar-int-plus-unit-suffix convention rather than Go duration strings,
// so callers convert at the point of use.
// =============================================================================

func (c EdgeConfig) ReadTimeout() time.Duration { return time.Duration(c.ReadTimeoutSec) * time.Second }
func (c EdgeConfig) WriteTimeout() time.Duration { return time.Duration(c.WriteTimeoutSec) * time.Second }
func (c EdgeConfig) IdleTimeout() time.Duration { return time.Duration(c.IdleTimeoutSec) * time.Second }
func (c EdgeConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSec) * time.Second
}

func (c ForgeConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSec) * time.Second
}

func (c CaptureConfig) HandoffDeadline() time.Duration {
	return time.Duration(c.HandoffDeadlineMS) * time.Millisecond
}

func (c BehaviourConfig) StabilityWindow() time.Duration {
	return time.Duration(c.StabilityHours) * time.Hour
}

func (c GeoCacheConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterDays) * 24 * time.Hour
}

func (c PipeConfig) StagingDeadline() time.Duration {
	return time.Duration(c.StagingDeadlineMS) * time.Millisecond
}
func (c PipeConfig) BackoffMin() time.Duration { return time.Duration(c.BackoffMinMS) * time.Millisecond }
func (c PipeConfig) BackoffMax() time.Duration { return time.Duration(c.BackoffMaxMS) * time.Millisecond }

func (c WriterConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}
func (c WriterConfig) BucketWidth() time.Duration {
	return time.Duration(c.BucketWidthMin) * time.Minute
}
func (c WriterConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSec) * time.Second
}
func (c WriterConfig) BreakerBackoffMin() time.Duration {
	return time.Duration(c.BreakerBackoffMinMS) * time.Millisecond
}
func (c WriterConfig) BreakerBackoffMax() time.Duration {
	return time.Duration(c.BreakerBackoffMaxMS) * time.Millisecond
}

func (c FailoverConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}

func (c HealthConfig) Interval() time.Duration { return time.Duration(c.IntervalSec) * time.Second }
func (c HealthConfig) DedupeWindow() time.Duration {
	return time.Duration(c.DedupeWindowHours) * time.Hour
}
func (c DatabaseConfig) ConnMaxLifeTime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Edge.Env == "production"
}
