package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultWorkers is the default size of the step worker pool.
	DefaultWorkers = 32

	// DefaultTickInterval is the default maintainer tick interval.
	DefaultTickInterval = 10 * time.Second

	// DefaultJobTimeout is how long a run may stay active before it is aborted.
	DefaultJobTimeout = 24 * time.Hour

	// DefaultGCInterval is the default garbage collection interval.
	DefaultGCInterval = time.Hour

	// DefaultLockTimeout is the default wall-clock timeout for lock acquisition.
	DefaultLockTimeout = 2 * time.Second

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"
)

// Config is the root configuration for deployoor.
type Config struct {
	Global       GlobalConfig   `yaml:"global"`
	Store        StoreConfig    `yaml:"store"`
	Artifact     ArtifactConfig `yaml:"artifact"`
	Runner       RunnerConfig   `yaml:"runner"`
	ConfigServer EndpointConfig `yaml:"config_server"`
	TesterCloud  EndpointConfig `yaml:"tester_cloud"`
	Routing      EndpointConfig `yaml:"routing"`
	Mailer       MailerConfig   `yaml:"mailer"`
	API          APIConfig      `yaml:"api"`
	Zones        []ZoneConfig   `yaml:"zones"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`

	// System is the hosting system this controller serves: main or public.
	System string `yaml:"system"`
}

// StoreConfig configures the durable store backend.
type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig configures the sqlite store driver.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig configures the postgres store driver.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ArtifactConfig configures the application package store.
type ArtifactConfig struct {
	Backend string              `yaml:"backend"`
	Local   LocalArtifactConfig `yaml:"local"`
	S3      S3ArtifactConfig    `yaml:"s3"`
}

// LocalArtifactConfig configures the filesystem artifact backend.
type LocalArtifactConfig struct {
	Dir string `yaml:"dir"`
}

// S3ArtifactConfig configures the S3 artifact backend.
type S3ArtifactConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// RunnerConfig configures the maintainer loop and worker pool.
type RunnerConfig struct {
	Workers      int           `yaml:"workers"`
	TickInterval time.Duration `yaml:"tick_interval"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	GCInterval   time.Duration `yaml:"gc_interval"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
}

// EndpointConfig points at an external collaborator.
type EndpointConfig struct {
	URL string `yaml:"url"`
}

// MailerConfig configures failure notification mail.
type MailerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// APIConfig configures the controller HTTP API.
type APIConfig struct {
	Listen    string          `yaml:"listen"`
	Auth      APIAuthConfig   `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
}

// APIAuthConfig configures basic auth for the API.
type APIAuthConfig struct {
	Enabled bool            `yaml:"enabled"`
	Users   []BasicAuthUser `yaml:"users"`
}

// BasicAuthUser is one configured API user. The password is a bcrypt hash.
type BasicAuthUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// RateLimitConfig configures API rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CORSConfig configures cross-origin access to the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ZoneConfig declares per-zone metadata.
type ZoneConfig struct {
	Environment   string        `yaml:"environment"`
	Region        string        `yaml:"region"`
	DeploymentTTL time.Duration `yaml:"deployment_ttl"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.System == "" {
		c.Global.System = "main"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}

	if c.Store.Driver == "sqlite" && c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "./deployoor.db"
	}

	if c.Store.Postgres.SSLMode == "" {
		c.Store.Postgres.SSLMode = "disable"
	}

	if c.Artifact.Backend == "" {
		c.Artifact.Backend = "local"
	}

	if c.Artifact.Backend == "local" && c.Artifact.Local.Dir == "" {
		c.Artifact.Local.Dir = "./artifacts"
	}

	if c.Runner.Workers == 0 {
		c.Runner.Workers = DefaultWorkers
	}

	if c.Runner.TickInterval == 0 {
		c.Runner.TickInterval = DefaultTickInterval
	}

	if c.Runner.JobTimeout == 0 {
		c.Runner.JobTimeout = DefaultJobTimeout
	}

	if c.Runner.GCInterval == 0 {
		c.Runner.GCInterval = DefaultGCInterval
	}

	if c.Runner.LockTimeout == 0 {
		c.Runner.LockTimeout = DefaultLockTimeout
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}

	if c.API.RateLimit.Enabled {
		if c.API.RateLimit.RequestsPerSecond == 0 {
			c.API.RateLimit.RequestsPerSecond = 10
		}

		if c.API.RateLimit.Burst == 0 {
			c.API.RateLimit.Burst = 20
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Global.System != "main" && c.Global.System != "public" {
		return fmt.Errorf("unknown system %q", c.Global.System)
	}

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.Postgres.Host == "" {
			return fmt.Errorf("postgres store requires a host")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Artifact.Backend {
	case "local":
	case "s3":
		if c.Artifact.S3.Bucket == "" {
			return fmt.Errorf("s3 artifact backend requires a bucket")
		}
	default:
		return fmt.Errorf("unknown artifact backend %q", c.Artifact.Backend)
	}

	if c.Runner.Workers < 1 {
		return fmt.Errorf("runner workers must be positive")
	}

	if c.API.Auth.Enabled && len(c.API.Auth.Users) == 0 {
		return fmt.Errorf("api auth is enabled but no users are configured")
	}

	seen := make(map[string]struct{}, len(c.API.Auth.Users))

	for i, user := range c.API.Auth.Users {
		if user.Username == "" {
			return fmt.Errorf("api user %d: username is required", i)
		}

		if user.PasswordHash == "" {
			return fmt.Errorf("api user %q: password_hash is required", user.Username)
		}

		if _, exists := seen[user.Username]; exists {
			return fmt.Errorf("api user %d: duplicate username %q", i, user.Username)
		}

		seen[user.Username] = struct{}{}
	}

	return nil
}
