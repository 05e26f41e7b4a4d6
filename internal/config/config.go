// ABOUTME: Configuration loading and parsing for courier.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultHubPort is the loopback port the hub binds when none is configured.
const DefaultHubPort = 7600

// DefaultMaxMessageSize caps routed message payloads at 1 MiB.
const DefaultMaxMessageSize = 1 << 20

// Config represents the complete courier configuration. Every field has a
// default; a missing config file is not an error.
type Config struct {
	Hub      HubConfig      `yaml:"hub"`
	Storage  StorageConfig  `yaml:"storage"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Messages MessagesConfig `yaml:"messages"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HubConfig holds hub addressing configuration.
type HubConfig struct {
	Port int `yaml:"port"`
}

// StorageConfig holds the root data directory for mailboxes, PID files,
// daemon logs, and the delivery journal.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// TimeoutsConfig holds the bounded-wait settings for client operations
// and daemon startup.
type TimeoutsConfig struct {
	Lock    time.Duration `yaml:"-"`
	Send    time.Duration `yaml:"-"`
	Startup time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	LockRaw    string `yaml:"lock"`
	SendRaw    string `yaml:"send"`
	StartupRaw string `yaml:"startup"`
}

// MessagesConfig holds message payload policy.
type MessagesConfig struct {
	MaxSize       int64 `yaml:"max_size"`
	AllowSelfSend *bool `yaml:"allow_self_send"`
}

// LoggingConfig holds logging configuration for daemon processes.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the config file path.
// Priority: COURIER_CONFIG env var > XDG_CONFIG_HOME/courier/courier.yaml > ~/.config/courier/courier.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COURIER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "courier.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "courier", "courier.yaml")
}

// defaultDataDir returns the data directory.
// Priority: XDG_DATA_HOME/courier > ~/.local/share/courier
func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "courier")
}

// Load reads the configuration file at path and returns a parsed Config.
// A missing file yields the defaults. Environment variables in the format
// ${VAR_NAME} are expanded, and duration strings are parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in any unset field.
func (c *Config) applyDefaults() {
	if c.Hub.Port == 0 {
		c.Hub.Port = DefaultHubPort
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir()
	}
	if c.Timeouts.Lock == 0 {
		c.Timeouts.Lock = 10 * time.Second
	}
	if c.Timeouts.Send == 0 {
		c.Timeouts.Send = 10 * time.Second
	}
	if c.Timeouts.Startup == 0 {
		c.Timeouts.Startup = 10 * time.Second
	}
	if c.Messages.MaxSize == 0 {
		c.Messages.MaxSize = DefaultMaxMessageSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// applyEnvOverrides lets COURIER_HUB_PORT and COURIER_DATA_DIR override
// the file, so short-lived commands can target a non-default hub without
// editing configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("COURIER_HUB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Hub.Port = port
		}
	}
	if v := os.Getenv("COURIER_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Hub.Port < 1 || c.Hub.Port > 65535 {
		return fmt.Errorf("hub.port %d out of range", c.Hub.Port)
	}
	if c.Messages.MaxSize < 1 {
		return fmt.Errorf("messages.max_size must be positive")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Timeouts.LockRaw != "" {
		cfg.Timeouts.Lock, err = time.ParseDuration(cfg.Timeouts.LockRaw)
		if err != nil {
			return fmt.Errorf("parsing timeouts.lock %q: %w", cfg.Timeouts.LockRaw, err)
		}
	}

	if cfg.Timeouts.SendRaw != "" {
		cfg.Timeouts.Send, err = time.ParseDuration(cfg.Timeouts.SendRaw)
		if err != nil {
			return fmt.Errorf("parsing timeouts.send %q: %w", cfg.Timeouts.SendRaw, err)
		}
	}

	if cfg.Timeouts.StartupRaw != "" {
		cfg.Timeouts.Startup, err = time.ParseDuration(cfg.Timeouts.StartupRaw)
		if err != nil {
			return fmt.Errorf("parsing timeouts.startup %q: %w", cfg.Timeouts.StartupRaw, err)
		}
	}

	return nil
}

// AllowSelfSend reports whether an identity may send to itself.
// Defaults to true; useful for reminders and tests.
func (c *Config) AllowSelfSend() bool {
	if c.Messages.AllowSelfSend == nil {
		return true
	}
	return *c.Messages.AllowSelfSend
}

// HubAddr returns the loopback dial/bind address for the hub.
func (c *Config) HubAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.Hub.Port)
}

// MailboxDir returns the directory holding per-identity mailbox files.
func (c *Config) MailboxDir() string {
	return filepath.Join(c.Storage.DataDir, "mail")
}

// RunDir returns the directory holding PID files, one subdirectory per role.
func (c *Config) RunDir() string {
	return filepath.Join(c.Storage.DataDir, "run")
}

// LogDir returns the directory holding daemon log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.Storage.DataDir, "log")
}

// JournalPath returns the hub's SQLite delivery journal path.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Storage.DataDir, "journal.db")
}
