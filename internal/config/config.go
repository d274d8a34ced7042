package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// EnvPrefix prefixes every environment override, e.g. TASMOTA_DEVICE_TIMEOUT
const EnvPrefix = "TASMOTA"

// Config is the tasmotactl configuration
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Device    DeviceConfig    `mapstructure:"device"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Health    HealthConfig    `mapstructure:"health"`
	Inventory InventoryConfig `mapstructure:"inventory"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File enables rotated file output in addition to stderr
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DeviceConfig holds the defaults for every device the CLI talks to
type DeviceConfig struct {
	Port       int           `mapstructure:"port"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	UseHTTPS   bool          `mapstructure:"use_https"`
}

type DiscoveryConfig struct {
	Network     string        `mapstructure:"network"`
	StartIP     int           `mapstructure:"start_ip"`
	EndIP       int           `mapstructure:"end_ip"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// InventoryConfig locates the device manifest and its git repository
type InventoryConfig struct {
	Path        string `mapstructure:"path"`
	AuthorName  string `mapstructure:"author_name"`
	AuthorEmail string `mapstructure:"author_email"`
}

// DefaultDir returns ~/.tasmotactl
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tasmotactl"), nil
}

// DefaultConfigPath returns ~/.tasmotactl/config.yaml
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("device.port", tasmota.DefaultPort)
	v.SetDefault("device.timeout", tasmota.DefaultTimeout)
	v.SetDefault("device.retries", 3)
	v.SetDefault("device.retry_delay", time.Second)
	v.SetDefault("device.username", "")
	v.SetDefault("device.password", "")
	v.SetDefault("device.use_https", false)

	v.SetDefault("discovery.network", "")
	v.SetDefault("discovery.start_ip", tasmota.DefaultRangeStart)
	v.SetDefault("discovery.end_ip", tasmota.DefaultRangeEnd)
	v.SetDefault("discovery.concurrency", 50)
	v.SetDefault("discovery.timeout", 2*time.Second)

	v.SetDefault("health.interval", time.Minute)

	v.SetDefault("inventory.path", "")
	v.SetDefault("inventory.author_name", "tasmotactl")
	v.SetDefault("inventory.author_email", "tasmotactl@localhost")
}

// LoadOptions tells Load where to look
type LoadOptions struct {
	// ConfigFile must exist when set. When empty the default path is
	// used if present.
	ConfigFile string
	// EnvFile is loaded into the environment first; a missing file is
	// ignored. Defaults to .env in the working directory.
	EnvFile string
}

// Load reads .env, the optional YAML config file and TASMOTA_* environment
// variables, in increasing order of precedence, then validates the result
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgFile := opts.ConfigFile
	if cfgFile == "" {
		if def, err := DefaultConfigPath(); err == nil {
			if _, err := os.Stat(def); err == nil {
				cfgFile = def
			}
		}
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Inventory.Path == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		cfg.Inventory.Path = filepath.Join(dir, "inventory")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config param log.level must be one of debug, info, warn, error (got %q)", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config param log.format must be console or json (got %q)", c.Log.Format)
	}

	if c.Device.Port < 1 || c.Device.Port > 65535 {
		return fmt.Errorf("config param device.port must be within 1-65535 (got %d)", c.Device.Port)
	}
	if c.Device.Timeout < tasmota.MinTimeout || c.Device.Timeout > tasmota.MaxTimeout {
		return fmt.Errorf("config param device.timeout must be within %s-%s (got %s)",
			tasmota.MinTimeout, tasmota.MaxTimeout, c.Device.Timeout)
	}
	if c.Device.Retries < 1 {
		return errors.New("config param device.retries should be >= 1")
	}
	if c.Device.RetryDelay < 0 {
		return errors.New("config param device.retry_delay should be >= 0")
	}

	if c.Discovery.Concurrency < 1 || c.Discovery.Concurrency > 100 {
		return fmt.Errorf("config param discovery.concurrency must be within 1-100 (got %d)", c.Discovery.Concurrency)
	}
	if c.Discovery.StartIP < 1 || c.Discovery.EndIP > 254 || c.Discovery.StartIP > c.Discovery.EndIP {
		return fmt.Errorf("config param discovery.start_ip/end_ip must satisfy 1 <= start <= end <= 254 (got %d-%d)",
			c.Discovery.StartIP, c.Discovery.EndIP)
	}
	if c.Discovery.Timeout <= 0 {
		return errors.New("config param discovery.timeout should be > 0")
	}

	if c.Health.Interval < time.Second {
		return errors.New("config param health.interval should be >= 1s")
	}
	return nil
}

// DeviceFor builds the device configuration for host from the configured
// defaults and any saved credentials. Configured credentials win over
// saved ones.
func (c *Config) DeviceFor(host string, creds *Credentials) tasmota.DeviceConfig {
	username, password := creds.For(host)
	if c.Device.Username != "" {
		username, password = c.Device.Username, c.Device.Password
	}
	return tasmota.DeviceConfig{
		Host:     host,
		Port:     c.Device.Port,
		Timeout:  c.Device.Timeout,
		Username: username,
		Password: password,
		UseHTTPS: c.Device.UseHTTPS,
	}
}

// RetryPolicy returns the configured retry policy
func (c *Config) RetryPolicy() tasmota.RetryPolicy {
	p := tasmota.DefaultRetryPolicy()
	p.MaxAttempts = c.Device.Retries
	p.Delay = c.Device.RetryDelay
	return p
}
