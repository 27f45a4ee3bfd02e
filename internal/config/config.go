package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when CONFIG_PATH is not set
	DefaultConfigPath = "config.json"
	// DefaultAmazonCookiePath is the default session snapshot file for Amazon
	DefaultAmazonCookiePath = "cookie-amazon.json"
	// DefaultBooklogCookiePath is the default session snapshot file for Booklog
	DefaultBooklogCookiePath = "cookie-booklog.json"
)

// Config holds all configuration for the application.
// The file is JSON; YAML is accepted as well.
type Config struct {
	Amazon    AmazonConfig           `yaml:"amazon"`
	Booklog   BooklogConfig          `yaml:"booklog"`
	Discord   DiscordConfig          `yaml:"discord"`
	Proxy     ProxyConfig            `yaml:"proxy"`
	Puppeteer map[string]interface{} `yaml:"puppeteer"`
	Browser   BrowserConfig          `yaml:"browser"`
	Sync      SyncConfig             `yaml:"sync"`
	Logging   LoggingConfig          `yaml:"logging"`
	Paths     PathsConfig            `yaml:"paths"`
	Server    ServerConfig           `yaml:"server"`
}

// AmazonConfig holds the Kindle (source catalog) account
type AmazonConfig struct {
	Username    string `yaml:"username" validate:"required"`
	Password    string `yaml:"password" validate:"required"`
	OTPSecret   string `yaml:"otpSecret"`
	CatalogMode string `yaml:"catalogMode" validate:"oneof=api scroll"`
	CookiePath  string `yaml:"cookiePath"`
}

// BooklogConfig holds the Booklog (shelf) account
type BooklogConfig struct {
	Username   string `yaml:"username" validate:"required"`
	Password   string `yaml:"password" validate:"required"`
	CookiePath string `yaml:"cookiePath"`
}

// DiscordConfig configures the notification webhook. Empty disables notifications.
type DiscordConfig struct {
	WebhookURL string `yaml:"webhookUrl" validate:"omitempty,url"`
	Username   string `yaml:"username"`
}

// ProxyConfig configures an outbound proxy for the browser
type ProxyConfig struct {
	Server   string `yaml:"server"`
	Username string `yaml:"username"`
	Password string `yaml:"password" validate:"required_with=Username"`
}

// BrowserConfig holds browser settings that are not part of the passthrough options
type BrowserConfig struct {
	WindowWidth  int           `yaml:"windowWidth" validate:"gte=0"`
	WindowHeight int           `yaml:"windowHeight" validate:"gte=0"`
	Headless     bool          `yaml:"headless"`
	WaitTimeout  time.Duration `yaml:"waitTimeout"`
}

// SyncConfig controls the reconciliation run
type SyncConfig struct {
	DryRun                  bool          `yaml:"dryRun"`
	SkipPreviouslyAdded     bool          `yaml:"skipPreviouslyAdded"`
	PromotableResourceTypes []string      `yaml:"promotableResourceTypes"`
	Interval                time.Duration `yaml:"interval"`
}

// LoggingConfig configures the global logger
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error fatal panic"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console auto"`
}

// PathsConfig holds file system locations
type PathsConfig struct {
	DebugDir     string `yaml:"debugDir"`
	Database     string `yaml:"database"`
	MismatchFile string `yaml:"mismatchFile"`
	LockFile     string `yaml:"lockFile"`
}

// ServerConfig configures serve mode
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Default returns a configuration populated with default values
func Default() *Config {
	cfg := &Config{}
	cfg.Amazon.CatalogMode = "api"
	cfg.Amazon.CookiePath = DefaultAmazonCookiePath
	cfg.Booklog.CookiePath = DefaultBooklogCookiePath
	cfg.Discord.Username = "kindle-booklog"
	cfg.Browser.WindowWidth = 1280
	cfg.Browser.WindowHeight = 1024
	cfg.Browser.Headless = true
	cfg.Browser.WaitTimeout = 10 * time.Second
	cfg.Sync.SkipPreviouslyAdded = true
	cfg.Sync.PromotableResourceTypes = []string{"EBOOK"}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "auto"
	cfg.Paths.DebugDir = "debug"
	cfg.Paths.Database = "./data/kindle-booklog.db"
	cfg.Paths.MismatchFile = "./data/unresolved_books.json"
	cfg.Paths.LockFile = "./data/sync.lock"
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	return cfg
}

// Load loads configuration from a file (if specified) and environment variables.
// Configuration priority: 1) Environment variables, 2) Config file, 3) Defaults
func Load(configFile string) (*Config, error) {
	cfg := Default()

	// DISPLAY decides the headless default; the file and env may still override it
	cfg.Browser.Headless = os.Getenv("DISPLAY") == ""

	if configFile != "" {
		if !filepath.IsAbs(configFile) {
			if abs, err := filepath.Abs(configFile); err == nil {
				configFile = abs
			}
		}

		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Decoding into the defaulted struct only overwrites keys present in the file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the config path from CONFIG_PATH or the default
func Path() string {
	return getEnv("CONFIG_PATH", DefaultConfigPath)
}

// loadFromEnv applies environment variable overrides
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("AMAZON_USERNAME"); v != "" {
		cfg.Amazon.Username = v
	}
	if v := os.Getenv("AMAZON_PASSWORD"); v != "" {
		cfg.Amazon.Password = v
	}
	if v := os.Getenv("AMAZON_OTP_SECRET"); v != "" {
		cfg.Amazon.OTPSecret = v
	}
	if v := os.Getenv("BOOKLOG_USERNAME"); v != "" {
		cfg.Booklog.Username = v
	}
	if v := os.Getenv("BOOKLOG_PASSWORD"); v != "" {
		cfg.Booklog.Password = v
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Discord.WebhookURL = v
	}

	// Session snapshot files
	if v := os.Getenv("COOKIE_AMAZON"); v != "" {
		cfg.Amazon.CookiePath = v
	}
	if v := os.Getenv("COOKIE_BOOKLOG"); v != "" {
		cfg.Booklog.CookiePath = v
	}

	// Browser
	cfg.Browser.WindowWidth = getIntFromEnv("WINDOW_WIDTH", cfg.Browser.WindowWidth)
	cfg.Browser.WindowHeight = getIntFromEnv("WINDOW_HEIGHT", cfg.Browser.WindowHeight)
	cfg.Browser.Headless = getBoolFromEnv("HEADLESS", cfg.Browser.Headless)
	cfg.Proxy.Server = getEnv("PROXY_SERVER", cfg.Proxy.Server)

	// Sync
	cfg.Sync.DryRun = getBoolFromEnv("DRY_RUN", cfg.Sync.DryRun)
	cfg.Sync.Interval = getDurationFromEnv("SYNC_INTERVAL", cfg.Sync.Interval)

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}

	// Paths
	cfg.Paths.DebugDir = getEnv("DEBUG_DIR", cfg.Paths.DebugDir)
	cfg.Paths.Database = getEnv("DATABASE_PATH", cfg.Paths.Database)
	cfg.Paths.MismatchFile = getEnv("MISMATCH_JSON_FILE", cfg.Paths.MismatchFile)
	cfg.Paths.LockFile = getEnv("LOCK_FILE", cfg.Paths.LockFile)

	// Server
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.ShutdownTimeout = getDurationFromEnv("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
}

// Validate checks that all required configuration is present and well-formed
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	var missing, invalid []string
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required", "required_with":
			missing = append(missing, field)
		default:
			invalid = append(invalid, field)
		}
	}

	if len(missing) > 0 {
		return &ConfigError{
			Field: strings.Join(missing, ", "),
			Msg:   "required configuration values are missing",
		}
	}
	return &ConfigError{
		Field: strings.Join(invalid, ", "),
		Msg:   "configuration values are invalid",
	}
}

// OTPEnabled reports whether an Amazon one-time-password secret is configured
func (c *Config) OTPEnabled() bool {
	return strings.TrimSpace(c.Amazon.OTPSecret) != ""
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Msg
}

// Helper functions for environment variable parsing
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getBoolFromEnv(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func getIntFromEnv(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		i, err := strconv.Atoi(value)
		if err != nil {
			return fallback
		}
		return i
	}
	return fallback
}

func getDurationFromEnv(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fallback
		}
		return d
	}
	return fallback
}
