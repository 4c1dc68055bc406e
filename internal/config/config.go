package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/tailscale/hujson"

	"github.com/codefionn/etp/internal/daemon"
	"github.com/codefionn/etp/internal/influx"
	"github.com/codefionn/etp/internal/logger"
)

const appName = "etp"

// FramingConfig controls how connection streams are split into lines
type FramingConfig struct {
	// Delimiters are single-byte strings, e.g. "\n" and "\u0000".
	Delimiters []string `json:"delimiters"`
	MaxLine    int      `json:"max_line"`
}

// InfluxConfig selects and configures the InfluxDB write endpoint
type InfluxConfig struct {
	Version              string  `json:"version"` // "v2" or "v3"
	BaseURL              string  `json:"base_url"`
	Token                string  `json:"token,omitempty"`
	Org                  string  `json:"org,omitempty"`
	Bucket               string  `json:"bucket,omitempty"`
	Precision            string  `json:"precision,omitempty"`
	DB                   string  `json:"db,omitempty"`
	BatchMaxPoints       int     `json:"batch_max_points"`
	FlushIntervalSeconds float64 `json:"flush_interval_seconds"`
	MaxRetries           int     `json:"max_retries"`
}

// StoreConfig configures the local SQLite sink
type StoreConfig struct {
	Path string `json:"path"`
}

// DeviceConfig configures the synthetic sensor device
type DeviceConfig struct {
	Name   string            `json:"name"`
	Rate   float64           `json:"rate"`
	Metric string            `json:"metric"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// Config represents application configuration
type Config struct {
	LogLevel  string `json:"log_level"` // debug, info, warn, error, none
	LogPath   string `json:"log_path,omitempty"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	AdminAddr string `json:"admin_addr,omitempty"` // empty disables the admin endpoint
	PIDFile   string `json:"pid_file,omitempty"`

	// AdminPprof exposes /debug/pprof/ on the admin endpoint
	AdminPprof bool `json:"admin_pprof,omitempty"`

	GracePeriodSeconds  float64 `json:"grace_period_seconds"`
	MaxClients          int     `json:"max_clients"`
	ReadTimeoutSeconds  float64 `json:"read_timeout_seconds,omitempty"`
	WriteTimeoutSeconds float64 `json:"write_timeout_seconds,omitempty"`

	Framing FramingConfig `json:"framing"`
	Influx  InfluxConfig  `json:"influx"`
	Store   StoreConfig   `json:"store"`
	Device  DeviceConfig  `json:"device"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel:           "info",
		Host:               "127.0.0.1",
		Port:               7000,
		GracePeriodSeconds: daemon.DefaultGracePeriod.Seconds(),
		Framing: FramingConfig{
			Delimiters: []string{"\n", "\x00"},
			MaxLine:    daemon.DefaultMaxLine,
		},
		Influx: InfluxConfig{
			Version:              "v2",
			BaseURL:              "http://localhost:8086",
			Precision:            "ns",
			BatchMaxPoints:       10_000,
			FlushIntervalSeconds: 1,
			MaxRetries:           8,
		},
		Store: StoreConfig{
			Path: filepath.Join(xdg.DataHome, appName, "lines.db"),
		},
		Device: DeviceConfig{
			Name:   "dummy",
			Rate:   1,
			Metric: "temperature",
		},
	}
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.json")
}

// RuntimeDir returns the directory for PID files and other runtime state
func RuntimeDir() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(xdg.StateHome, appName, "run")
}

// DefaultPIDFile returns the PID file path for a named daemon
func DefaultPIDFile(name string) string {
	return filepath.Join(RuntimeDir(), name+".pid")
}

// Load reads the config at path on top of the defaults and applies
// environment overrides. A missing file yields the defaults. Comments and
// trailing commas are allowed.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		if err := json.Unmarshal(standardized, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("ETP_LOG_LEVEL", &c.LogLevel)
	str("ETP_LOG_PATH", &c.LogPath)
	str("ETP_HOST", &c.Host)
	str("ETP_ADMIN_ADDR", &c.AdminAddr)
	if v, ok := lookup("ETP_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("ETP_PORT: %w", err)
		}
		c.Port = port
	}

	str("INFLUX_VERSION", &c.Influx.Version)
	str("INFLUX_BASE_URL", &c.Influx.BaseURL)
	str("INFLUX_TOKEN", &c.Influx.Token)
	str("INFLUX_ORG", &c.Influx.Org)
	str("INFLUX_BUCKET", &c.Influx.Bucket)
	str("INFLUX_PRECISION", &c.Influx.Precision)
	str("INFLUX_DB", &c.Influx.DB)
	return nil
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.LogLevel != "" && !logger.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if c.GracePeriodSeconds < 0 {
		errs = append(errs, errors.New("grace_period_seconds must not be negative"))
	}
	if c.MaxClients < 0 {
		errs = append(errs, errors.New("max_clients must not be negative"))
	}
	if len(c.Framing.Delimiters) == 0 {
		errs = append(errs, errors.New("framing.delimiters must not be empty"))
	}
	for _, d := range c.Framing.Delimiters {
		if len(d) != 1 {
			errs = append(errs, fmt.Errorf("framing delimiter %q must be a single byte", d))
		}
	}
	if _, err := c.Influx.normalizedVersion(); err != nil {
		errs = append(errs, err)
	}
	if c.Device.Rate <= 0 {
		errs = append(errs, fmt.Errorf("device.rate must be positive, got %v", c.Device.Rate))
	}
	if strings.TrimSpace(c.Device.Metric) == "" {
		errs = append(errs, errors.New("device.metric must not be empty"))
	}

	return errors.Join(errs...)
}

// DaemonOptions translates connection settings into daemon options
func (c *Config) DaemonOptions() []daemon.Option {
	delims := make([]byte, 0, len(c.Framing.Delimiters))
	for _, d := range c.Framing.Delimiters {
		if len(d) == 1 {
			delims = append(delims, d[0])
		}
	}

	return []daemon.Option{
		daemon.WithGracePeriod(seconds(c.GracePeriodSeconds)),
		daemon.WithMaxClients(c.MaxClients),
		daemon.WithReadTimeout(seconds(c.ReadTimeoutSeconds)),
		daemon.WithWriteTimeout(seconds(c.WriteTimeoutSeconds)),
		daemon.WithFraming(daemon.Framing{Delimiters: delims, MaxLine: c.Framing.MaxLine}),
	}
}

func (ic InfluxConfig) normalizedVersion() (string, error) {
	switch strings.ToLower(strings.TrimSpace(ic.Version)) {
	case "v2", "2", "":
		return "v2", nil
	case "v3", "3":
		return "v3", nil
	default:
		return "", fmt.Errorf("influx version must be v2 or v3, got %q", ic.Version)
	}
}

// Target builds the write endpoint for the configured version
func (ic InfluxConfig) Target() (influx.Target, error) {
	version, err := ic.normalizedVersion()
	if err != nil {
		return nil, err
	}
	if ic.BaseURL == "" {
		return nil, errors.New("influx base_url is required")
	}

	if version == "v3" {
		if ic.DB == "" {
			return nil, errors.New("influx db is required for v3")
		}
		return influx.TargetV3{BaseURL: ic.BaseURL, DB: ic.DB, Token: ic.Token}, nil
	}
	if ic.Org == "" || ic.Bucket == "" {
		return nil, errors.New("influx org and bucket are required for v2")
	}
	return influx.TargetV2{
		BaseURL:   ic.BaseURL,
		Org:       ic.Org,
		Bucket:    ic.Bucket,
		Token:     ic.Token,
		Precision: ic.Precision,
	}, nil
}

// WriterOptions returns batching options for influx.NewWriter
func (ic InfluxConfig) WriterOptions() influx.Options {
	retries := ic.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return influx.Options{
		BatchMaxPoints: ic.BatchMaxPoints,
		FlushInterval:  seconds(ic.FlushIntervalSeconds),
		MaxRetries:     retries,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
