package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/10printhello/trim-telemetry/pkg/analyzer"
	"github.com/10printhello/trim-telemetry/pkg/netpolicy"
	"github.com/10printhello/trim-telemetry/pkg/stats"
	"github.com/10printhello/trim-telemetry/pkg/telemetry"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// TRIMTEL_TELEMETRY_NETWORK_MODE.
	EnvPrefix = "TRIMTEL"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultOutputPath is where the telemetry stream is written.
	DefaultOutputPath = "./trimtel.ndjson"

	// DefaultSQLitePath is the default index database file.
	DefaultSQLitePath = "./trimtel.db"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultUploadPrefix is the default S3 key prefix.
	DefaultUploadPrefix = "telemetry/runs"

	// DefaultUploadConcurrency bounds parallel S3 uploads.
	DefaultUploadConcurrency = 4

	// DefaultRequestsPerMinute is the default per-IP API budget.
	DefaultRequestsPerMinute = 300
)

// Config is the root configuration for trimtel.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
	Store     DatabaseConfig  `yaml:"store" mapstructure:"store"`
	Upload    UploadConfig    `yaml:"upload" mapstructure:"upload"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// TelemetryConfig tunes attribution and analysis.
type TelemetryConfig struct {
	SlowQueryThreshold time.Duration    `yaml:"slow_query_threshold" mapstructure:"slow_query_threshold"`
	DuplicateMode      string           `yaml:"duplicate_mode" mapstructure:"duplicate_mode"`
	SampleCap          int              `yaml:"sample_cap" mapstructure:"sample_cap"`
	SampleSeed         int64            `yaml:"sample_seed" mapstructure:"sample_seed"`
	NetworkMode        string           `yaml:"network_mode" mapstructure:"network_mode"`
	NetworkAllowHosts  []string         `yaml:"network_allow_hosts,omitempty" mapstructure:"network_allow_hosts"`
	HostInfo           bool             `yaml:"host_info" mapstructure:"host_info"`
	Thresholds         ThresholdsConfig `yaml:"thresholds" mapstructure:"thresholds"`
}

// ThresholdsConfig holds the per-test flag thresholds. A test is flagged
// when it strictly exceeds a threshold.
type ThresholdsConfig struct {
	Slow            time.Duration `yaml:"slow" mapstructure:"slow"`
	VerySlow        time.Duration `yaml:"very_slow" mapstructure:"very_slow"`
	DBHeavyQueries  int           `yaml:"db_heavy_queries" mapstructure:"db_heavy_queries"`
	HighDBQueries   int           `yaml:"high_db_queries" mapstructure:"high_db_queries"`
	NPlusOneSelects int           `yaml:"n_plus_one_selects" mapstructure:"n_plus_one_selects"`
}

// OutputConfig controls where the telemetry stream goes.
type OutputConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	Prefixed bool   `yaml:"prefixed" mapstructure:"prefixed"`
	Stdout   bool   `yaml:"stdout" mapstructure:"stdout"`
	// Owner is an optional "uid:gid" applied to created files.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// DatabaseConfig contains index database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// UploadConfig contains remote upload settings.
type UploadConfig struct {
	S3 S3UploadConfig `yaml:"s3" mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible storage settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
	Concurrency     int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
}

// APIConfig contains HTTP API settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	th := stats.DefaultThresholds()

	return &Config{
		Global: GlobalConfig{LogLevel: DefaultLogLevel},
		Telemetry: TelemetryConfig{
			SlowQueryThreshold: analyzer.DefaultSlowQueryThreshold,
			DuplicateMode:      string(analyzer.DuplicateExact),
			SampleCap:          stats.DefaultSampleCap,
			SampleSeed:         stats.DefaultSampleSeed,
			NetworkMode:        string(netpolicy.ModePassthrough),
			Thresholds: ThresholdsConfig{
				Slow:            th.Slow,
				VerySlow:        th.VerySlow,
				DBHeavyQueries:  th.DBHeavy,
				HighDBQueries:   th.HighDBQueries,
				NPlusOneSelects: th.NPlusOne,
			},
		},
		Output: OutputConfig{Path: DefaultOutputPath},
		Store: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteDatabaseConfig{Path: DefaultSQLitePath},
			Postgres: PostgresConfig{
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Upload: UploadConfig{S3: S3UploadConfig{
			Region:      "us-east-1",
			Prefix:      DefaultUploadPrefix,
			Concurrency: DefaultUploadConcurrency,
		}},
		API: APIConfig{
			Listen: DefaultListen,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: DefaultRequestsPerMinute,
			},
		},
	}
}

// Load reads the given configuration files, merging them in order, then
// applies TRIMTEL_* environment overrides. With no paths only defaults and
// the environment are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key of def so that environment overrides
// apply to keys no file mentions.
func setDefaults(v *viper.Viper, def *Config) error {
	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("encoding defaults: %w", err)
	}

	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("decoding defaults: %w", err)
	}

	walkDefaults(v, "", tree)

	// Keys omitted from the encoded defaults still need to be bindable.
	for _, key := range []string{
		"telemetry.network_allow_hosts",
		"output.owner",
		"upload.s3.endpoint_url",
		"upload.s3.access_key_id",
		"upload.s3.secret_access_key",
		"upload.s3.storage_class",
		"upload.s3.acl",
		"api.cors_origins",
	} {
		v.SetDefault(key, nil)
	}

	return nil
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if sub, ok := val.(map[string]any); ok {
			walkDefaults(v, key, sub)

			continue
		}

		v.SetDefault(key, val)
	}
}

// applyDefaults fills values a file explicitly blanked.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Global.LogLevel == "" {
		c.Global.LogLevel = def.Global.LogLevel
	}

	if c.Telemetry.SampleCap <= 0 {
		c.Telemetry.SampleCap = def.Telemetry.SampleCap
	}

	if c.Store.Driver == "" {
		c.Store.Driver = def.Store.Driver
	}

	if c.Store.Driver == "sqlite" && c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = def.Store.SQLite.Path
	}

	if c.Upload.S3.Concurrency <= 0 {
		c.Upload.S3.Concurrency = def.Upload.S3.Concurrency
	}

	if c.API.Listen == "" {
		c.API.Listen = def.API.Listen
	}

	if c.API.RateLimit.RequestsPerMinute <= 0 {
		c.API.RateLimit.RequestsPerMinute = def.API.RateLimit.RequestsPerMinute
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("global.log_level: %w", err)
	}

	if c.Telemetry.SlowQueryThreshold < 0 {
		return fmt.Errorf("telemetry.slow_query_threshold must not be negative")
	}

	if _, err := analyzer.ParseDuplicateMode(c.Telemetry.DuplicateMode); err != nil {
		return fmt.Errorf("telemetry.duplicate_mode: %w", err)
	}

	if _, err := netpolicy.ParseMode(c.Telemetry.NetworkMode); err != nil {
		return fmt.Errorf("telemetry.network_mode: %w", err)
	}

	th := c.Telemetry.Thresholds
	if th.Slow < 0 || th.VerySlow < 0 || th.DBHeavyQueries < 0 ||
		th.HighDBQueries < 0 || th.NPlusOneSelects < 0 {
		return fmt.Errorf("telemetry.thresholds must not be negative")
	}

	if th.VerySlow > 0 && th.VerySlow < th.Slow {
		return fmt.Errorf("telemetry.thresholds.very_slow must be at least thresholds.slow")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required")
		}
	case "postgres":
		if c.Store.Postgres.Host == "" || c.Store.Postgres.Database == "" {
			return fmt.Errorf("store.postgres requires host and database")
		}
	default:
		return fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver)
	}

	if c.Upload.S3.Enabled && c.Upload.S3.Bucket == "" {
		return fmt.Errorf("upload.s3.bucket is required when upload is enabled")
	}

	return nil
}

// SessionConfig maps the telemetry and output sections onto a session
// configuration. Validate must have succeeded.
func (c *Config) SessionConfig() telemetry.Config {
	mode, _ := analyzer.ParseDuplicateMode(c.Telemetry.DuplicateMode)
	netMode, _ := netpolicy.ParseMode(c.Telemetry.NetworkMode)

	th := c.Telemetry.Thresholds

	return telemetry.Config{
		SlowQueryThreshold: c.Telemetry.SlowQueryThreshold,
		DuplicateMode:      mode,
		Thresholds: stats.Thresholds{
			Slow:          th.Slow,
			VerySlow:      th.VerySlow,
			DBHeavy:       th.DBHeavyQueries,
			HighDBQueries: th.HighDBQueries,
			NPlusOne:      th.NPlusOneSelects,
		},
		SampleCap:         c.Telemetry.SampleCap,
		SampleSeed:        c.Telemetry.SampleSeed,
		NetworkMode:       netMode,
		NetworkAllowHosts: c.Telemetry.NetworkAllowHosts,
		Prefixed:          c.Output.Prefixed,
		HostInfo:          c.Telemetry.HostInfo,
	}
}

// Dump renders the effective configuration as YAML with secrets masked.
func (c *Config) Dump() ([]byte, error) {
	masked := *c
	if masked.Store.Postgres.Password != "" {
		masked.Store.Postgres.Password = "********"
	}

	if masked.Upload.S3.SecretAccessKey != "" {
		masked.Upload.S3.SecretAccessKey = "********"
	}

	data, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return data, nil
}
