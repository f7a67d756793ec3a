// Package config loads the daemon configuration from YAML and TASKGUARD_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/periodic"
	"github.com/psantana5/taskguard/pkg/store"
)

const EnvPrefix = "TASKGUARD"

// Config represents the complete daemon configuration
type Config struct {
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Host    HostConfig    `mapstructure:"host" yaml:"host"`
	API     APIConfig     `mapstructure:"api" yaml:"api"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Tasks   []TaskConfig  `mapstructure:"tasks" yaml:"tasks"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	JSON   bool   `mapstructure:"json" yaml:"json"`
	ToFile bool   `mapstructure:"to_file" yaml:"to_file"` // also write /var/log/taskguard/<component>.log
}

type HostConfig struct {
	ShutdownTimeout string `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"` // e.g. "30s"
	ExitCode        int    `mapstructure:"exit_code" yaml:"exit_code"`               // used when a task escalates
}

type APIConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	Listen       string  `mapstructure:"listen" yaml:"listen"`
	APIKeyHash   string  `mapstructure:"api_key_hash" yaml:"api_key_hash,omitempty"`
	RateLimitRPS float64 `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	Burst        int     `mapstructure:"burst" yaml:"burst"`
	TLSCert      string  `mapstructure:"tls_cert" yaml:"tls_cert,omitempty"`
	TLSKey       string  `mapstructure:"tls_key" yaml:"tls_key,omitempty"`
	ClientCA     string  `mapstructure:"client_ca" yaml:"client_ca,omitempty"`
	TrustProxy   bool    `mapstructure:"trust_proxy" yaml:"trust_proxy"` // key rate limits on X-Forwarded-For
	LimiterTTL   string  `mapstructure:"limiter_ttl" yaml:"limiter_ttl"` // idle rate-limit buckets are dropped after this
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // memory, sqlite or postgres
	DSN    string `mapstructure:"dsn" yaml:"dsn,omitempty"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	Environment string  `mapstructure:"environment" yaml:"environment"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
}

// TaskConfig describes one periodic task. Interval and policy are read once
// when the scheduler is built.
type TaskConfig struct {
	Name     string            `mapstructure:"name" yaml:"name" json:"name"`
	Kind     string            `mapstructure:"kind" yaml:"kind" json:"kind"`
	Interval string            `mapstructure:"interval" yaml:"interval" json:"interval"` // e.g. "10s", "1m"
	Policy   string            `mapstructure:"policy" yaml:"policy" json:"policy"`       // crash_application or retry_later
	Options  map[string]string `mapstructure:"options" yaml:"options,omitempty" json:"options,omitempty"`
}

var defaults = map[string]interface{}{
	"log.level":             "info",
	"log.json":              false,
	"log.to_file":           false,
	"host.shutdown_timeout": "30s",
	"host.exit_code":        3400,
	"api.enabled":           true,
	"api.listen":            ":9400",
	"api.rate_limit_rps":    10.0,
	"api.burst":             20,
	"api.trust_proxy":       false,
	"api.limiter_ttl":       "10m",
	"store.driver":          "memory",
	"tracing.enabled":       false,
	"tracing.endpoint":      "localhost:4318",
	"tracing.service_name":  "taskguard",
	"tracing.environment":   "production",
	"tracing.sample_ratio":  1.0,
}

// NewViper returns a viper instance with defaults and environment binding.
// TASKGUARD_API_LISTEN overrides api.listen, and so on.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or taskguard.yaml from the working directory and
// /etc/taskguard when path is empty. A missing default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/taskguard")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills task fields viper cannot default inside a list.
func (c *Config) applyDefaults() {
	for i := range c.Tasks {
		if c.Tasks[i].Interval == "" {
			c.Tasks[i].Interval = "1m"
		}
		if c.Tasks[i].Policy == "" {
			c.Tasks[i].Policy = periodic.CrashApplication.String()
		}
	}
}

// Validate reports every problem it finds.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.ShutdownTimeout(); err != nil {
		errs = append(errs, err)
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required when the API is enabled"))
	}
	if (c.API.TLSCert == "") != (c.API.TLSKey == "") {
		errs = append(errs, errors.New("api.tls_cert and api.tls_key must be set together"))
	}
	if c.API.ClientCA != "" && c.API.TLSCert == "" {
		errs = append(errs, errors.New("api.client_ca requires api.tls_cert and api.tls_key"))
	}
	if c.API.RateLimitRPS < 0 || c.API.Burst < 0 {
		errs = append(errs, errors.New("api.rate_limit_rps and api.burst must not be negative"))
	}
	if _, err := c.API.LimiterTimeout(); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverSQLite, store.DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		label := t.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Errorf("tasks[%d]: name is required", i))
		} else if seen[t.Name] {
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate name %s", i, t.Name))
		}
		seen[t.Name] = true

		if t.Kind == "" {
			errs = append(errs, fmt.Errorf("task %s: kind is required", label))
		}
		if _, err := t.Schedule(); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", label, err))
		}
	}

	return errors.Join(errs...)
}

// ShutdownTimeout parses host.shutdown_timeout.
func (c *Config) ShutdownTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Host.ShutdownTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid host.shutdown_timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("host.shutdown_timeout must be positive, got %v", d)
	}
	return d, nil
}

// LimiterTimeout parses api.limiter_ttl. An empty value means the server default.
func (a APIConfig) LimiterTimeout() (time.Duration, error) {
	if a.LimiterTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(a.LimiterTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid api.limiter_ttl: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("api.limiter_ttl must be positive, got %v", d)
	}
	return d, nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}

// Schedule converts interval and policy into a periodic.Schedule.
func (t TaskConfig) Schedule() (periodic.Schedule, error) {
	interval, err := time.ParseDuration(t.Interval)
	if err != nil {
		return periodic.Schedule{}, fmt.Errorf("invalid interval: %w", err)
	}
	policy, err := periodic.ParseFailurePolicy(t.Policy)
	if err != nil {
		return periodic.Schedule{}, err
	}
	s := periodic.Schedule{Interval: interval, Policy: policy}
	if err := s.Validate(); err != nil {
		return periodic.Schedule{}, err
	}
	return s, nil
}

// YAML renders the effective configuration. The API key hash is redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if redacted.API.APIKeyHash != "" {
		redacted.API.APIKeyHash = "<redacted>"
	}
	return yaml.Marshal(&redacted)
}
