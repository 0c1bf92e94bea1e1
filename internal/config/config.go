package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/pantry/internal/types"
)

// DefaultPath is the config file read when neither a flag nor
// PANTRY_CONFIG_PATH names one.
const DefaultPath = "~/.pantry/config.yaml"

// Config is the root configuration structure shared by pantry and pantryd.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Remote          RemoteConfig          `yaml:"remote"`
	Replication     ReplicationConfig     `yaml:"replication"`
	Local           LocalConfig           `yaml:"local"`
	Server          ServerConfig          `yaml:"server"`
	Snapshot        SnapshotConfig        `yaml:"snapshot"`
	SnapshotStorage SnapshotStorageConfig `yaml:"snapshot_storage"`
	Log             LogConfig             `yaml:"log"`
}

// RemoteConfig locates the remote document service.
type RemoteConfig struct {
	Endpoint          string   `yaml:"endpoint"`
	ProjectID         string   `yaml:"project_id"`
	DatabaseID        string   `yaml:"database_id"`
	RecipesCollection string   `yaml:"recipes_collection"`
	ListsCollection   string   `yaml:"lists_collection"`
	RequestTimeout    Duration `yaml:"request_timeout"`
}

// ReplicationConfig tunes the client replication engine.
type ReplicationConfig struct {
	Live              bool     `yaml:"live"`
	PullBatchSize     int      `yaml:"pull_batch_size"`
	PushBatchSize     int      `yaml:"push_batch_size"`
	RetryBaseDelay    Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     Duration `yaml:"retry_max_delay"`
	PullInterval      Duration `yaml:"pull_interval"`
	DegradedThreshold int      `yaml:"degraded_threshold"`
	ProbeInterval     Duration `yaml:"probe_interval"`
	ProbeTimeout      Duration `yaml:"probe_timeout"`
}

// LocalConfig contains client-side storage settings.
type LocalConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig contains pantryd HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	DatabasePath    string   `yaml:"database_path"`
	ProjectID       string   `yaml:"project_id"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	SessionTTL      Duration `yaml:"session_ttl"`
	JWTSecret       string   `yaml:"-"` // env-only, never in YAML
}

// SnapshotConfig contains backend snapshot worker settings.
type SnapshotConfig struct {
	Interval Duration `yaml:"interval"`
	Path     string   `yaml:"path"`
}

// SnapshotStorageConfig contains S3-compatible storage settings for
// snapshot upload. An empty Bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// An empty path falls back to PANTRY_CONFIG_PATH, then DefaultPath. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := newDefaults()

	if path == "" {
		path = getEnv("PANTRY_CONFIG_PATH", DefaultPath)
	}
	if err := loadYAMLFile(cfg, ExpandHome(path)); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	useSSL := true
	return &Config{
		Remote: RemoteConfig{
			Endpoint:          "http://localhost:8080",
			ProjectID:         "pantry",
			DatabaseID:        "main",
			RecipesCollection: "recipes",
			ListsCollection:   "shopping_lists",
			RequestTimeout:    Duration(10 * time.Second),
		},
		Replication: ReplicationConfig{
			Live:              true,
			PullBatchSize:     50,
			PushBatchSize:     10,
			RetryBaseDelay:    Duration(5 * time.Second),
			RetryMaxDelay:     Duration(5 * time.Minute),
			PullInterval:      Duration(30 * time.Second),
			DegradedThreshold: 3,
			ProbeInterval:     Duration(15 * time.Second),
			ProbeTimeout:      Duration(5 * time.Second),
		},
		Local: LocalConfig{
			Path: "~/.pantry/pantry.db",
		},
		Server: ServerConfig{
			Port:            8080,
			DatabasePath:    "data/pantryd.db",
			ProjectID:       "pantry",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			SessionTTL:      Duration(30 * 24 * time.Hour),
		},
		Snapshot: SnapshotConfig{
			Interval: Duration(1 * time.Hour),
			Path:     "data/snapshots",
		},
		SnapshotStorage: SnapshotStorageConfig{
			Region:    "us-east-1",
			UseSSL:    &useSSL,
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Remote
	envString("PANTRY_REMOTE_ENDPOINT", &cfg.Remote.Endpoint)
	envString("PANTRY_PROJECT_ID", &cfg.Remote.ProjectID)
	envString("PANTRY_DATABASE_ID", &cfg.Remote.DatabaseID)
	envString("PANTRY_RECIPES_COLLECTION", &cfg.Remote.RecipesCollection)
	envString("PANTRY_LISTS_COLLECTION", &cfg.Remote.ListsCollection)
	envDuration("PANTRY_REQUEST_TIMEOUT", &cfg.Remote.RequestTimeout)

	// Replication
	if v := os.Getenv("PANTRY_LIVE"); v != "" {
		cfg.Replication.Live = v == "true" || v == "1"
	}
	envInt("PANTRY_PULL_BATCH_SIZE", &cfg.Replication.PullBatchSize)
	envInt("PANTRY_PUSH_BATCH_SIZE", &cfg.Replication.PushBatchSize)
	envDuration("PANTRY_RETRY_BASE_DELAY", &cfg.Replication.RetryBaseDelay)
	envDuration("PANTRY_RETRY_MAX_DELAY", &cfg.Replication.RetryMaxDelay)
	envDuration("PANTRY_PULL_INTERVAL", &cfg.Replication.PullInterval)
	envInt("PANTRY_DEGRADED_THRESHOLD", &cfg.Replication.DegradedThreshold)
	envDuration("PANTRY_PROBE_INTERVAL", &cfg.Replication.ProbeInterval)

	// Local
	envString("PANTRY_LOCAL_PATH", &cfg.Local.Path)

	// Server
	envInt("PANTRY_PORT", &cfg.Server.Port)
	envString("PANTRY_DB_PATH", &cfg.Server.DatabasePath)
	envString("PANTRY_SERVER_PROJECT_ID", &cfg.Server.ProjectID)
	envDuration("PANTRY_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("PANTRY_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("PANTRY_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envDuration("PANTRY_SESSION_TTL", &cfg.Server.SessionTTL)
	envString("PANTRY_JWT_SECRET", &cfg.Server.JWTSecret)

	// Snapshot
	envDuration("PANTRY_SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	envString("PANTRY_SNAPSHOT_PATH", &cfg.Snapshot.Path)
	envString("PANTRY_SNAPSHOT_BUCKET", &cfg.SnapshotStorage.Bucket)
	envString("PANTRY_S3_ENDPOINT", &cfg.SnapshotStorage.Endpoint)
	envString("PANTRY_S3_REGION", &cfg.SnapshotStorage.Region)
	envString("PANTRY_S3_ACCESS_KEY", &cfg.SnapshotStorage.AccessKey)
	envString("PANTRY_S3_SECRET_KEY", &cfg.SnapshotStorage.SecretKey)
	if v := os.Getenv("PANTRY_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.SnapshotStorage.UseSSL = &useSSL
	}
	envDuration("PANTRY_S3_URL_EXPIRY", &cfg.SnapshotStorage.URLExpiry)

	// Log
	envString("PANTRY_LOG_LEVEL", &cfg.Log.Level)
	envString("PANTRY_LOG_FORMAT", &cfg.Log.Format)
	envString("PANTRY_LOG_FILE", &cfg.Log.File)
}

func (c *Config) expandPaths() {
	c.Local.Path = ExpandHome(c.Local.Path)
	c.Server.DatabasePath = ExpandHome(c.Server.DatabasePath)
	c.Snapshot.Path = ExpandHome(c.Snapshot.Path)
	c.Log.File = ExpandHome(c.Log.File)
}

// validate checks values shared by both binaries. Server-only requirements
// are checked by ValidateServer.
func (c *Config) validate() error {
	var errs []error
	if c.Remote.DatabaseID == "" {
		errs = append(errs, errors.New("remote.database_id is required"))
	}
	if c.Remote.RecipesCollection == "" || c.Remote.ListsCollection == "" {
		errs = append(errs, errors.New("remote collection ids must not be empty"))
	}
	if c.Remote.RecipesCollection != "" && c.Remote.RecipesCollection == c.Remote.ListsCollection {
		errs = append(errs, errors.New("remote.recipes_collection and remote.lists_collection must differ"))
	}
	if c.Replication.PullBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("replication.pull_batch_size must be positive, got %d", c.Replication.PullBatchSize))
	}
	if c.Replication.PushBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("replication.push_batch_size must be positive, got %d", c.Replication.PushBatchSize))
	}
	if c.Replication.RetryBaseDelay <= 0 {
		errs = append(errs, errors.New("replication.retry_base_delay must be positive"))
	}
	if c.Replication.RetryMaxDelay < c.Replication.RetryBaseDelay {
		errs = append(errs, errors.New("replication.retry_max_delay must not be below retry_base_delay"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ValidateServer checks the settings pantryd cannot start without.
// In dev mode (PANTRY_DEV_MODE=true) a missing JWT secret is tolerated.
func (c *Config) ValidateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.DatabasePath == "" {
		return errors.New("server.database_path is required")
	}
	if c.Server.JWTSecret == "" && os.Getenv("PANTRY_DEV_MODE") != "true" {
		return errors.New("PANTRY_JWT_SECRET is required")
	}
	return nil
}

// Collections maps local collection names to their configured remote ids.
func (c *Config) Collections() map[string]string {
	return map[string]string{
		types.CollectionRecipes:       c.Remote.RecipesCollection,
		types.CollectionShoppingLists: c.Remote.ListsCollection,
	}
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
