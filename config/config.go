// Package config loads relay configuration from an optional YAML file,
// applies environment overrides, and fills defaults. Precedence is
// env > file > default.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults for the hosted portal and downstream endpoint.
const (
	DefaultLoginURL        = "https://txc.qq.com/login.html"
	DefaultListURL         = "https://txc.qq.com/api/v2/330701/dashboard/posts/list"
	DefaultDashboardPrefix = "https://txc.qq.com/dashboard"
	DefaultListReferer     = "https://txc.qq.com/dashboard/all-posts"
	DefaultDeliveryURL     = "http://ifeedback.woa.com/feedback_backend/post_data"

	defaultIntervalMinutes = 15
	defaultAppName         = "qqvip"
	defaultDataDir         = "./data"
	defaultLogLevel        = "info"
)

// Config is the full relay configuration, shared by the worker and the
// monitor binaries.
type Config struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	// LookbackMinutes sizes the query window independently of the cycle
	// interval; 0 means "same as interval".
	LookbackMinutes int `yaml:"lookback_minutes"`

	LoginURL        string `yaml:"login_url"`
	ListURL         string `yaml:"list_url"`
	// ListReferer is sent as the Referer header on read requests,
	// mirroring the page the browser issues them from.
	ListReferer     string `yaml:"list_referer"`
	DashboardPrefix string `yaml:"dashboard_prefix"`
	Account         string `yaml:"account"`
	Password        string `yaml:"password"`
	Headless        *bool  `yaml:"headless"`

	DeliveryURL string `yaml:"delivery_url"`
	AppName     string `yaml:"app_name"`

	WebhookURL string   `yaml:"webhook_url"`
	Mentioned  []string `yaml:"mentioned"`

	DataDir string `yaml:"data_dir"`
	Bucket  string `yaml:"bucket"`

	LogLevel string `yaml:"log_level"`

	WorkerCommand string   `yaml:"worker_command"`
	WorkerArgs    []string `yaml:"worker_args"`
}

// Load reads the YAML file at path if it exists, then layers environment
// overrides and defaults on top. A missing file is not an error; an
// unreadable or malformed one is.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// fall through to env + defaults
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
			}
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TASK_INTERVAL_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TASK_INTERVAL_MINUTES: %w", err)
		}
		c.IntervalMinutes = n
	}
	if v := os.Getenv("QUERY_TIME_RANGE_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QUERY_TIME_RANGE_MINUTES: %w", err)
		}
		c.LookbackMinutes = n
	}
	if v := os.Getenv("WEWORK_WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if v := os.Getenv("TEST_QQ_NUMBER"); v != "" {
		c.Account = v
	}
	if v := os.Getenv("TEST_QQ_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		c.Bucket = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate fills defaults and rejects values the pipeline cannot run
// with.
func (c *Config) Validate() error {
	if c.IntervalMinutes < 0 {
		return errors.New("interval_minutes must be >= 0")
	}
	if c.IntervalMinutes == 0 {
		c.IntervalMinutes = defaultIntervalMinutes
	}
	if c.LookbackMinutes < 0 {
		return errors.New("lookback_minutes must be >= 0")
	}
	if c.LoginURL == "" {
		c.LoginURL = DefaultLoginURL
	}
	if c.ListURL == "" {
		c.ListURL = DefaultListURL
	}
	if c.ListReferer == "" {
		c.ListReferer = DefaultListReferer
	}
	if c.DashboardPrefix == "" {
		c.DashboardPrefix = DefaultDashboardPrefix
	}
	if c.DeliveryURL == "" {
		c.DeliveryURL = DefaultDeliveryURL
	}
	if c.AppName == "" {
		c.AppName = defaultAppName
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Headless == nil {
		headless := true
		c.Headless = &headless
	}
	return nil
}

// RequireAccount checks the fields only the interactive login needs. The
// monitor binary never calls this.
func (c *Config) RequireAccount() error {
	if c.Account == "" {
		return errors.New("portal account is required (set TEST_QQ_NUMBER)")
	}
	if c.Password == "" {
		return errors.New("portal password is required (set TEST_QQ_PASSWORD)")
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Print logs the effective configuration with secrets masked.
func (c *Config) Print(logger *slog.Logger) {
	logger.Info("Effective configuration",
		"interval_minutes", c.IntervalMinutes,
		"lookback_minutes", c.LookbackMinutes,
		"login_url", c.LoginURL,
		"list_url", c.ListURL,
		"delivery_url", c.DeliveryURL,
		"app_name", c.AppName,
		"account", mask(c.Account),
		"password", mask(c.Password),
		"webhook_url", mask(c.WebhookURL),
		"data_dir", c.DataDir,
		"bucket", c.Bucket,
		"headless", *c.Headless,
		"log_level", c.LogLevel,
	)
}

// mask hides all but a short prefix of a secret, and hides short
// secrets entirely.
func mask(s string) string {
	if s == "" {
		return "(unset)"
	}
	if len(s) <= 6 {
		return "***"
	}
	return s[:3] + "***"
}
