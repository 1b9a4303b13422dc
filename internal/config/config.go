// Package config loads pricewatch settings from an optional YAML file,
// PRICEWATCH_* environment variables and built-in defaults, in increasing
// order of precedence: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PRICEWATCH_STORE_PATH.
const EnvPrefix = "PRICEWATCH"

// Config is the full application configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Target  TargetConfig  `mapstructure:"target"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Images  ImagesConfig  `mapstructure:"images"`
	Store   StoreConfig   `mapstructure:"store"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Debug   DebugConfig   `mapstructure:"debug"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TargetConfig describes the listing being scraped.
type TargetConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Pagination is "path" (base/page/N/) or "query" (base?param=N).
	Pagination string `mapstructure:"pagination"`
	PageParam  string `mapstructure:"page_param"`
	// PageLimit caps pages per run when the trigger gives none. Zero is
	// unlimited.
	PageLimit     int             `mapstructure:"page_limit"`
	RespectRobots bool            `mapstructure:"respect_robots"`
	RobotsAgent   string          `mapstructure:"robots_agent"`
	Selectors     SelectorsConfig `mapstructure:"selectors"`
}

type SelectorsConfig struct {
	Item  string `mapstructure:"item"`
	Title string `mapstructure:"title"`
	Price string `mapstructure:"price"`
	Image string `mapstructure:"image"`
}

type FetchConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	MaxRedirects      int           `mapstructure:"max_redirects"`
	CookieJar         bool          `mapstructure:"cookie_jar"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Jitter            float64       `mapstructure:"jitter"`
	Fingerprint       string        `mapstructure:"fingerprint"`
	Referer           string        `mapstructure:"referer"`
	UserAgents        []string      `mapstructure:"user_agents"`
	ProxyFile         string        `mapstructure:"proxy_file"`
	ProxyMaxFailures  int           `mapstructure:"proxy_max_failures"`
	ProxyCooldown     time.Duration `mapstructure:"proxy_cooldown"`
}

type ImagesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	Ext     string `mapstructure:"ext"`
	Workers int    `mapstructure:"workers"`
}

// StoreConfig selects the persistence backend. Path is used by the file and
// sqlite backends, DSN by postgres.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

type NotifyConfig struct {
	Log          bool          `mapstructure:"log"`
	WebhookURL   string        `mapstructure:"webhook_url"`
	WebhookToken string        `mapstructure:"webhook_token"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Token           string        `mapstructure:"token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	// Addr serves /metrics during CLI scrapes. The HTTP server always
	// exposes /metrics on its own address.
	Addr string `mapstructure:"addr"`
}

type DebugConfig struct {
	DumpPagePath string `mapstructure:"dump_page_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("target.base_url", "")
	v.SetDefault("target.pagination", "path")
	v.SetDefault("target.page_param", "page")
	v.SetDefault("target.page_limit", 0)
	v.SetDefault("target.respect_robots", false)
	v.SetDefault("target.robots_agent", "pricewatch")
	v.SetDefault("target.selectors.item", "li.product")
	v.SetDefault("target.selectors.title", "h2.woo-loop-product__title")
	v.SetDefault("target.selectors.price", "span.woocommerce-Price-amount")
	v.SetDefault("target.selectors.image", "img")

	v.SetDefault("fetch.timeout", 10*time.Second)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.retry_delay", 2*time.Second)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.cookie_jar", true)
	v.SetDefault("fetch.max_body_bytes", 32<<20)
	v.SetDefault("fetch.requests_per_second", 0)
	v.SetDefault("fetch.jitter", 0)
	v.SetDefault("fetch.fingerprint", "chrome")
	v.SetDefault("fetch.referer", "https://www.google.com")
	v.SetDefault("fetch.user_agents", []string{})
	v.SetDefault("fetch.proxy_file", "")
	v.SetDefault("fetch.proxy_max_failures", 3)
	v.SetDefault("fetch.proxy_cooldown", 5*time.Minute)

	v.SetDefault("images.enabled", true)
	v.SetDefault("images.dir", "images")
	v.SetDefault("images.ext", ".jpg")
	v.SetDefault("images.workers", 4)

	v.SetDefault("store.backend", "json")
	v.SetDefault("store.path", "data/products.json")
	v.SetDefault("store.dsn", "")

	v.SetDefault("notify.log", true)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_token", "")
	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.token", "")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("debug.dump_page_path", "")
}

// Load builds a Config. An empty path skips the file; a named file that
// cannot be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// Backends lists the accepted store.backend values.
var Backends = []string{"json", "csv", "sqlite", "postgres"}

// Validate reports every setting that would prevent a scrape run.
func (c *Config) Validate() error {
	var errs []error

	if c.Target.BaseURL == "" {
		errs = append(errs, errors.New("target.base_url is required"))
	} else if u, err := url.Parse(c.Target.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("target.base_url %q must be an absolute http(s) URL", c.Target.BaseURL))
	}
	switch c.Target.Pagination {
	case "path", "query":
	default:
		errs = append(errs, fmt.Errorf("target.pagination %q must be path or query", c.Target.Pagination))
	}
	if c.Target.PageLimit < 0 {
		errs = append(errs, errors.New("target.page_limit must not be negative"))
	}

	if c.Fetch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("fetch.max_attempts must be positive"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be positive"))
	}
	if c.Fetch.RetryDelay < 0 {
		errs = append(errs, errors.New("fetch.retry_delay must not be negative"))
	}

	if c.Images.Enabled && c.Images.Dir == "" {
		errs = append(errs, errors.New("images.dir is required when images are enabled"))
	}

	switch c.Store.Backend {
	case "json", "csv", "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be one of %s", c.Store.Backend, strings.Join(Backends, ", ")))
	}

	return errors.Join(errs...)
}

// ValidateServer additionally checks the settings needed by `serve`.
func (c *Config) ValidateServer() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Token == "" {
		errs = append(errs, errors.New("server.token is required"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	return errors.Join(errs...)
}
