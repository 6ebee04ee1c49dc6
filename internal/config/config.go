package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete strand configuration
type Config struct {
	Identity     Identity     `yaml:"identity"`
	Relays       Relays       `yaml:"relays"`
	Profiles     Profiles     `yaml:"profiles"`
	Mining       Mining       `yaml:"mining"`
	Verification Verification `yaml:"verification"`
	Storage      Storage      `yaml:"storage"`
	Logging      Logging      `yaml:"logging"`
}

// Identity contains the locally-controlled Nostr identity
type Identity struct {
	Npub string `yaml:"npub"`
	Nsec string `yaml:"-"` // Only loaded from STRAND_NSEC
}

// Relays contains relay configuration
type Relays struct {
	Seeds         []string    `yaml:"seeds"`
	Recommended   string      `yaml:"recommended"`    // Relay hint put into outgoing tags; first seed when empty
	AutoDiscovery bool        `yaml:"auto_discovery"` // Follow kind 2 relay recommendations
	Policy        RelayPolicy `yaml:"policy"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
	PublishTimeoutMs int `yaml:"publish_timeout_ms"`
	BatchWindowMs    int `yaml:"batch_window_ms"` // Events arriving within this window are delivered as one batch
	BatchMaxEvents   int `yaml:"batch_max_events"`
}

// Profiles controls the background profile-details refresher
type Profiles struct {
	PollSeconds     int `yaml:"poll_seconds"`
	TTLSeconds      int `yaml:"ttl_seconds"`
	ValidityMinutes int `yaml:"validity_minutes"`
	BatchSize       int `yaml:"batch_size"` // Authors per details filter
}

// Mining contains NIP-13 proof-of-work settings
type Mining struct {
	Difficulty int `yaml:"difficulty"` // Leading zero bits; 0 disables mining
	Workers    int `yaml:"workers"`    // 0 = one per CPU
}

// Verification contains NIP-05 identity verification settings
type Verification struct {
	Enabled   bool              `yaml:"enabled"`
	TimeoutMs int               `yaml:"timeout_ms"`
	Cache     VerificationCache `yaml:"cache"`
}

// VerificationCache configures where verification results are cached
type VerificationCache struct {
	Engine   string `yaml:"engine"` // memory|redis
	RedisURL string `yaml:"redis_url"`
	TTLHours int    `yaml:"ttl_hours"`
}

// Storage contains storage backend settings
type Storage struct {
	Driver     string `yaml:"driver"` // sqlite
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// applyDefaults fills in missing configuration fields with sensible defaults
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Relays.Policy.ConnectTimeoutMs == 0 {
		cfg.Relays.Policy.ConnectTimeoutMs = defaults.Relays.Policy.ConnectTimeoutMs
	}
	if cfg.Relays.Policy.PublishTimeoutMs == 0 {
		cfg.Relays.Policy.PublishTimeoutMs = defaults.Relays.Policy.PublishTimeoutMs
	}
	if cfg.Relays.Policy.BatchWindowMs == 0 {
		cfg.Relays.Policy.BatchWindowMs = defaults.Relays.Policy.BatchWindowMs
	}
	if cfg.Relays.Policy.BatchMaxEvents == 0 {
		cfg.Relays.Policy.BatchMaxEvents = defaults.Relays.Policy.BatchMaxEvents
	}

	if cfg.Profiles.PollSeconds == 0 {
		cfg.Profiles.PollSeconds = defaults.Profiles.PollSeconds
	}
	if cfg.Profiles.TTLSeconds == 0 {
		cfg.Profiles.TTLSeconds = defaults.Profiles.TTLSeconds
	}
	if cfg.Profiles.ValidityMinutes == 0 {
		cfg.Profiles.ValidityMinutes = defaults.Profiles.ValidityMinutes
	}
	if cfg.Profiles.BatchSize == 0 {
		cfg.Profiles.BatchSize = defaults.Profiles.BatchSize
	}

	if cfg.Verification.TimeoutMs == 0 {
		cfg.Verification.TimeoutMs = defaults.Verification.TimeoutMs
	}
	if cfg.Verification.Cache.Engine == "" {
		cfg.Verification.Cache.Engine = defaults.Verification.Cache.Engine
	}
	if cfg.Verification.Cache.TTLHours == 0 {
		cfg.Verification.Cache.TTLHours = defaults.Verification.Cache.TTLHours
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing fields
	applyDefaults(&cfg)

	// Apply environment variable overrides
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	// The secret key never lives in the config file
	if nsec := os.Getenv("STRAND_NSEC"); nsec != "" {
		if !strings.HasPrefix(nsec, "nsec1") {
			return fmt.Errorf("STRAND_NSEC must start with 'nsec1'")
		}
		cfg.Identity.Nsec = nsec
	}

	if redisURL := os.Getenv("STRAND_REDIS_URL"); redisURL != "" {
		cfg.Verification.Cache.RedisURL = redisURL
	}

	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Relays: Relays{
			Seeds: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
			},
			AutoDiscovery: false,
			Policy: RelayPolicy{
				ConnectTimeoutMs: 5000,
				PublishTimeoutMs: 10000,
				BatchWindowMs:    250,
				BatchMaxEvents:   500,
			},
		},
		Profiles: Profiles{
			PollSeconds:     5,
			TTLSeconds:      60,
			ValidityMinutes: 30,
			BatchSize:       100,
		},
		Mining: Mining{
			Difficulty: 0,
			Workers:    0,
		},
		Verification: Verification{
			Enabled:   true,
			TimeoutMs: 5000,
			Cache: VerificationCache{
				Engine:   "memory",
				TTLHours: 24,
			},
		},
		Storage: Storage{
			Driver:     "sqlite",
			SQLitePath: "./data/strand.db",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// validStorageDrivers defines allowed storage drivers
var validStorageDrivers = map[string]bool{
	"sqlite": true,
}

// validLogLevels defines allowed log levels
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validCacheEngines defines allowed verification cache engines
var validCacheEngines = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Validate checks if a configuration is valid
func Validate(cfg *Config) error {
	// Validate identity
	if cfg.Identity.Npub == "" {
		return fmt.Errorf("identity.npub is required")
	}
	if !strings.HasPrefix(cfg.Identity.Npub, "npub1") {
		return fmt.Errorf("identity.npub must start with 'npub1'")
	}

	// Validate relay seeds
	if len(cfg.Relays.Seeds) == 0 {
		return fmt.Errorf("at least one relay seed is required")
	}
	for _, seed := range cfg.Relays.Seeds {
		if !strings.HasPrefix(seed, "wss://") && !strings.HasPrefix(seed, "ws://") {
			return fmt.Errorf("relay seed must start with ws:// or wss://: %s", seed)
		}
	}
	if cfg.Relays.Recommended != "" &&
		!strings.HasPrefix(cfg.Relays.Recommended, "wss://") && !strings.HasPrefix(cfg.Relays.Recommended, "ws://") {
		return fmt.Errorf("relays.recommended must start with ws:// or wss://")
	}

	// Validate profile refresher timing
	if cfg.Profiles.PollSeconds < 1 {
		return fmt.Errorf("profiles.poll_seconds must be at least 1")
	}
	if cfg.Profiles.TTLSeconds < cfg.Profiles.PollSeconds {
		return fmt.Errorf("profiles.ttl_seconds must not be shorter than profiles.poll_seconds")
	}
	if cfg.Profiles.BatchSize < 1 || cfg.Profiles.BatchSize > 1000 {
		return fmt.Errorf("profiles.batch_size must be between 1 and 1000")
	}

	// Validate mining
	if cfg.Mining.Difficulty < 0 || cfg.Mining.Difficulty > 64 {
		return fmt.Errorf("mining.difficulty must be between 0 and 64")
	}
	if cfg.Mining.Workers < 0 {
		return fmt.Errorf("mining.workers must not be negative")
	}

	// Validate verification cache
	if cfg.Verification.Enabled && !validCacheEngines[cfg.Verification.Cache.Engine] {
		return fmt.Errorf("invalid verification cache engine: %s (must be one of: memory, redis)", cfg.Verification.Cache.Engine)
	}
	if cfg.Verification.Enabled && cfg.Verification.Cache.Engine == "redis" && cfg.Verification.Cache.RedisURL == "" {
		return fmt.Errorf("verification.cache.redis_url is required when the redis engine is used")
	}

	// Validate storage driver
	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be: sqlite)", cfg.Storage.Driver)
	}

	// Validate log level
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}

	return nil
}
