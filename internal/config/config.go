package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendBolt  = "bolt"
	BackendRedis = "redis"
)

// Probe modes.
const (
	ProbeDial = "dial"
	ProbeHTTP = "http"
)

// Config holds all environment-based configuration for keysync.
type Config struct {
	// Identity of the local account and device.
	UserID   string   `env:"KEYSYNC_USER_ID" yaml:"user_id"`
	DeviceID string   `env:"KEYSYNC_DEVICE_ID" yaml:"device_id"`
	GroupIDs []string `env:"KEYSYNC_GROUP_IDS" envSeparator:"," yaml:"group_ids"`

	// Remote key directory.
	DirectoryURL     string        `env:"KEYSYNC_DIRECTORY_URL" yaml:"directory_url"`
	DirectoryToken   string        `env:"KEYSYNC_DIRECTORY_TOKEN" yaml:"-"`
	DirectoryTimeout time.Duration `env:"KEYSYNC_DIRECTORY_TIMEOUT" envDefault:"15s" yaml:"directory_timeout"`
	DirectoryRPS     float64       `env:"KEYSYNC_DIRECTORY_RPS" envDefault:"10" yaml:"directory_rps"`

	// Connectivity probing.
	ProbeMode     string        `env:"KEYSYNC_PROBE_MODE" envDefault:"dial" yaml:"probe_mode"`
	ProbeTarget   string        `env:"KEYSYNC_PROBE_TARGET" envDefault:"1.1.1.1:443" yaml:"probe_target"`
	ProbeInterval time.Duration `env:"KEYSYNC_PROBE_INTERVAL" envDefault:"30s" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `env:"KEYSYNC_PROBE_TIMEOUT" envDefault:"5s" yaml:"probe_timeout"`

	// ProbeMinSpacing rate limits explicit checks on top of the interval.
	ProbeMinSpacing time.Duration `env:"KEYSYNC_PROBE_MIN_SPACING" envDefault:"1s" yaml:"probe_min_spacing"`

	// Offline queue.
	QueueMaxRetries       int           `env:"KEYSYNC_QUEUE_MAX_RETRIES" envDefault:"5" yaml:"queue_max_retries"`
	QueueBaseBackoff      time.Duration `env:"KEYSYNC_QUEUE_BASE_BACKOFF" envDefault:"1m" yaml:"queue_base_backoff"`
	QueueOperationTimeout time.Duration `env:"KEYSYNC_QUEUE_OPERATION_TIMEOUT" envDefault:"30s" yaml:"queue_operation_timeout"`
	QueueMaxSize          int           `env:"KEYSYNC_QUEUE_MAX_SIZE" envDefault:"1000" yaml:"queue_max_size"`
	QueueCleanupInterval  time.Duration `env:"KEYSYNC_QUEUE_CLEANUP_INTERVAL" envDefault:"10m" yaml:"queue_cleanup_interval"`

	// Durable store. Key records always live in the bbolt file at
	// StatePath (default ~/.keysync/<user>/state.db); StoreBackend picks
	// where the offline queue lives.
	StoreBackend  string `env:"KEYSYNC_STORE_BACKEND" envDefault:"bolt" yaml:"store_backend"`
	StatePath     string `env:"KEYSYNC_STATE_PATH" yaml:"state_path"`
	RedisAddr     string `env:"KEYSYNC_REDIS_ADDR" yaml:"redis_addr"`
	RedisPassword string `env:"KEYSYNC_REDIS_PASSWORD" yaml:"-"`
	RedisDB       int    `env:"KEYSYNC_REDIS_DB" envDefault:"0" yaml:"redis_db"`

	// Cache capacities per category.
	CacheIdentityKeys  int `env:"KEYSYNC_CACHE_IDENTITY_KEYS" envDefault:"100" yaml:"cache_identity_keys"`
	CachePreKeyBundles int `env:"KEYSYNC_CACHE_PREKEY_BUNDLES" envDefault:"200" yaml:"cache_prekey_bundles"`
	CacheSessions      int `env:"KEYSYNC_CACHE_SESSIONS" envDefault:"500" yaml:"cache_sessions"`
	CacheRemoteBundles int `env:"KEYSYNC_CACHE_REMOTE_BUNDLES" envDefault:"200" yaml:"cache_remote_bundles"`
	CacheCryptoResults int `env:"KEYSYNC_CACHE_CRYPTO_RESULTS" envDefault:"1000" yaml:"cache_crypto_results"`

	// Diagnostics MCP server.
	EnableDiagnostics     bool   `env:"ENABLE_DIAGNOSTICS" envDefault:"false" yaml:"enable_diagnostics"`
	DiagnosticsListenAddr string `env:"DIAGNOSTICS_LISTEN_ADDR" envDefault:"127.0.0.1:8091" yaml:"diagnostics_listen_addr"`
	DiagnosticsAPIKeys    string `env:"DIAGNOSTICS_API_KEYS" yaml:"-"`

	// Optional YAML file overlaid on top of the environment.
	ConfigFile string `env:"KEYSYNC_CONFIG_FILE" yaml:"-"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development" yaml:"environment"`
	LogLevel    string `env:"LOG_LEVEL" yaml:"log_level"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The directory token lives there.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars,
// then overlays KEYSYNC_CONFIG_FILE when set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := cfg.overlayFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if cfg.DeviceID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "keysync"
		}

		cfg.DeviceID = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath(cfg.UserID)
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	return cfg, nil
}

// overlayFile decodes a YAML file over the already parsed config. Keys
// absent from the file keep their environment values.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decoding config file %s: %w", path, err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("KEYSYNC_USER_ID is required")
	}

	if c.DirectoryURL == "" {
		return fmt.Errorf("KEYSYNC_DIRECTORY_URL is required")
	}

	u, err := url.Parse(c.DirectoryURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("KEYSYNC_DIRECTORY_URL must be an absolute http(s) URL")
	}

	if c.ProbeMode != ProbeDial && c.ProbeMode != ProbeHTTP {
		return fmt.Errorf("KEYSYNC_PROBE_MODE must be %q or %q", ProbeDial, ProbeHTTP)
	}

	if c.ProbeTarget == "" {
		return fmt.Errorf("KEYSYNC_PROBE_TARGET is required")
	}

	if c.ProbeInterval <= 0 || c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe interval and timeout must be positive")
	}

	if c.ProbeMinSpacing < 0 {
		return fmt.Errorf("KEYSYNC_PROBE_MIN_SPACING must not be negative")
	}

	if c.QueueMaxRetries < 1 {
		return fmt.Errorf("KEYSYNC_QUEUE_MAX_RETRIES must be at least 1")
	}

	if c.QueueBaseBackoff <= 0 || c.QueueOperationTimeout <= 0 {
		return fmt.Errorf("queue backoff and operation timeout must be positive")
	}

	if c.QueueMaxSize < 1 {
		return fmt.Errorf("KEYSYNC_QUEUE_MAX_SIZE must be at least 1")
	}

	switch c.StoreBackend {
	case BackendBolt:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("KEYSYNC_REDIS_ADDR is required when the redis backend is selected")
		}
	default:
		return fmt.Errorf("KEYSYNC_STORE_BACKEND must be %q or %q", BackendBolt, BackendRedis)
	}

	for name, n := range c.CacheCapacities() {
		if n < 1 {
			return fmt.Errorf("cache capacity for %s must be at least 1", name)
		}
	}

	if c.EnableDiagnostics && c.DiagnosticsAPIKeys == "" {
		return fmt.Errorf("DIAGNOSTICS_API_KEYS is required when diagnostics are enabled")
	}

	return nil
}

// CacheCapacities returns the configured capacity per cache category name.
func (c *Config) CacheCapacities() map[string]int {
	return map[string]int{
		"identity":      c.CacheIdentityKeys,
		"prekey_bundle": c.CachePreKeyBundles,
		"session":       c.CacheSessions,
		"remote_bundle": c.CacheRemoteBundles,
		"crypto_result": c.CacheCryptoResults,
	}
}

// DefaultStatePath returns the default state database path for a user:
// ~/.keysync/<userID>/state.db
func DefaultStatePath(userID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".keysync", sanitizePathSegment(userID), "state.db"), nil
}

func sanitizePathSegment(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == 0 {
			return '_'
		}

		return r
	}, s)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DiagnosticsKey is a named bcrypt hash parsed from DIAGNOSTICS_API_KEYS.
type DiagnosticsKey struct {
	Name string
	Hash string
}

// ParseDiagnosticsKeys parses the DIAGNOSTICS_API_KEYS string.
// Format: "name1:$2a$10$hash1,name2:$2a$10$hash2"
func (c *Config) ParseDiagnosticsKeys() ([]DiagnosticsKey, error) {
	if c.DiagnosticsAPIKeys == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var keys []DiagnosticsKey

	for _, pair := range strings.Split(c.DiagnosticsAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid diagnostics key entry (missing ':')")
		}

		name := pair[:idx]

		hash := pair[idx+1:]
		if name == "" || hash == "" {
			return nil, fmt.Errorf("empty name or hash in entry %d", len(keys)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("diagnostics key %q is not a bcrypt hash", name)
		}

		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate name %q in DIAGNOSTICS_API_KEYS", name)
		}

		seen[name] = struct{}{}
		keys = append(keys, DiagnosticsKey{Name: name, Hash: hash})
	}

	return keys, nil
}
