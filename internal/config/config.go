package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/logger"
	"github.com/loykin/simpool/internal/pool"
)

// EnvPrefix prefixes environment overrides: SIMPOOL_POOL_CAPACITY=4 sets pool.capacity.
const EnvPrefix = "SIMPOOL"

// Config represents the top-level TOML structure.
type Config struct {
	Pool     PoolConfig      `mapstructure:"pool"`
	Platform PlatformConfig  `mapstructure:"platform"`
	Log      logger.Config   `mapstructure:"log"`
	Store    StoreConfig     `mapstructure:"store"`
	History  HistoryConfig   `mapstructure:"history"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Server   ServerConfig    `mapstructure:"server"`
	Prewarm  []PrewarmConfig `mapstructure:"prewarm"`
}

type PoolConfig struct {
	Name               string        `mapstructure:"name"`
	Capacity           int           `mapstructure:"capacity"`
	Match              string        `mapstructure:"match"`
	Disposition        string        `mapstructure:"disposition"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BootTimeout        time.Duration `mapstructure:"boot_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
	UDIDEnv            string        `mapstructure:"udid_env"`
	RetainDevices      bool          `mapstructure:"retain_devices"`
	PrewarmParallelism int           `mapstructure:"prewarm_parallelism"`
	ReconcileOnStart   bool          `mapstructure:"reconcile_on_start"`
}

// PlatformConfig selects the device layer. Only the in-process "virtual"
// platform ships with simpool.
type PlatformConfig struct {
	Kind          string        `mapstructure:"kind"`
	Root          string        `mapstructure:"root"`
	CreateDelay   time.Duration `mapstructure:"create_delay"`
	BootDelay     time.Duration `mapstructure:"boot_delay"`
	ShutdownDelay time.Duration `mapstructure:"shutdown_delay"`
	// ProcessQuery is "platform" to query the device layer's own process
	// table, or "host" to fall back to the host process table for processes
	// the device layer does not know, such as launched agents.
	ProcessQuery string `mapstructure:"process_query"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Sinks   []string      `mapstructure:"sinks"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ServerConfig struct {
	Enabled       bool       `mapstructure:"enabled"`
	Listen        string     `mapstructure:"listen"`
	BasePath      string     `mapstructure:"base_path"`
	TLSMinVersion string     `mapstructure:"tls_min_version"`
	TLSMaxVersion string     `mapstructure:"tls_max_version"`
	TLS           *TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// PrewarmConfig asks for Count free simulators of one configuration at startup.
type PrewarmConfig struct {
	DeviceType string `mapstructure:"device_type"`
	Family     string `mapstructure:"family"`
	OSVersion  string `mapstructure:"os_version"`
	Locale     string `mapstructure:"locale"`
	Scale      string `mapstructure:"scale"`
	Count      int    `mapstructure:"count"`
}

func (p PrewarmConfig) Configuration() (device.Configuration, error) {
	fam, err := device.ParseFamily(p.Family)
	if err != nil {
		return device.Configuration{}, err
	}
	return device.Configuration{
		DeviceType: p.DeviceType,
		Family:     fam,
		OSVersion:  p.OSVersion,
		Locale:     p.Locale,
		Scale:      p.Scale,
	}, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			Name:               "default",
			Match:              "exact",
			Disposition:        "erase",
			PollInterval:       250 * time.Millisecond,
			BootTimeout:        2 * time.Minute,
			ShutdownTimeout:    time.Minute,
			DrainTimeout:       30 * time.Second,
			UDIDEnv:            "SIMULATOR_UDID",
			PrewarmParallelism: 4,
		},
		Platform: PlatformConfig{
			Kind:          "virtual",
			CreateDelay:   200 * time.Millisecond,
			BootDelay:     time.Second,
			ShutdownDelay: 500 * time.Millisecond,
			ProcessQuery:  "platform",
		},
		Log: logger.Config{
			Slog: logger.SlogConfig{Level: logger.LevelInfo, Format: logger.FormatText, TimeStamps: true},
		},
		History: HistoryConfig{Timeout: 3 * time.Second},
		Metrics: MetricsConfig{Path: "/metrics"},
		Server:  ServerConfig{Enabled: true, Listen: "127.0.0.1:8085", BasePath: "/api"},
	}
}

// defaults registers every scalar key so that environment overrides apply
// even when the key is absent from the file.
func defaults(v *viper.Viper) {
	d := Default()
	set := map[string]any{
		"pool.name":                d.Pool.Name,
		"pool.capacity":            d.Pool.Capacity,
		"pool.match":               d.Pool.Match,
		"pool.disposition":         d.Pool.Disposition,
		"pool.poll_interval":       d.Pool.PollInterval,
		"pool.boot_timeout":        d.Pool.BootTimeout,
		"pool.shutdown_timeout":    d.Pool.ShutdownTimeout,
		"pool.drain_timeout":       d.Pool.DrainTimeout,
		"pool.udid_env":            d.Pool.UDIDEnv,
		"pool.retain_devices":      d.Pool.RetainDevices,
		"pool.prewarm_parallelism": d.Pool.PrewarmParallelism,
		"pool.reconcile_on_start":  d.Pool.ReconcileOnStart,
		"platform.kind":            d.Platform.Kind,
		"platform.root":            d.Platform.Root,
		"platform.create_delay":    d.Platform.CreateDelay,
		"platform.boot_delay":      d.Platform.BootDelay,
		"platform.shutdown_delay":  d.Platform.ShutdownDelay,
		"platform.process_query":   d.Platform.ProcessQuery,
		"log.slog.level":           string(d.Log.Slog.Level),
		"log.slog.format":          string(d.Log.Slog.Format),
		"log.slog.color":           d.Log.Slog.Color,
		"log.slog.timestamps":      d.Log.Slog.TimeStamps,
		"log.slog.source":          d.Log.Slog.Source,
		"log.file.dir":             "",
		"log.file.filename":        "",
		"log.file.max_size_mb":     0,
		"log.file.max_backups":     0,
		"log.file.max_age_days":    0,
		"log.file.compress":        false,
		"store.enabled":            d.Store.Enabled,
		"store.dsn":                d.Store.DSN,
		"history.enabled":          d.History.Enabled,
		"history.timeout":          d.History.Timeout,
		"metrics.enabled":          d.Metrics.Enabled,
		"metrics.path":             d.Metrics.Path,
		"server.enabled":           d.Server.Enabled,
		"server.listen":            d.Server.Listen,
		"server.base_path":         d.Server.BasePath,
		"server.tls_min_version":   "",
		"server.tls_max_version":   "",
	}
	for k, val := range set {
		v.SetDefault(k, val)
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)
	return v
}

// Load reads a TOML file, applies SIMPOOL_* environment overrides and
// validates the result. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late, at pool or server startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Pool.Capacity < 0 {
		errs = append(errs, fmt.Errorf("pool.capacity must not be negative"))
	}
	if _, err := pool.ParseMatchPolicy(c.Pool.Match); err != nil {
		errs = append(errs, fmt.Errorf("pool.match: %w", err))
	}
	if _, err := pool.ParseDisposition(c.Pool.Disposition); err != nil {
		errs = append(errs, fmt.Errorf("pool.disposition: %w", err))
	}
	if c.Platform.Kind != "virtual" {
		errs = append(errs, fmt.Errorf("platform.kind: unsupported platform %q", c.Platform.Kind))
	}
	if c.Platform.Root != "" && !filepath.IsAbs(c.Platform.Root) {
		errs = append(errs, fmt.Errorf("platform.root must be an absolute path: %s", c.Platform.Root))
	}
	switch c.Platform.ProcessQuery {
	case "", "platform", "host":
	default:
		errs = append(errs, fmt.Errorf("platform.process_query: unknown value %q", c.Platform.ProcessQuery))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Store.Enabled && c.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn required when store is enabled"))
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, fmt.Errorf("history.sinks required when history is enabled"))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen required when server is enabled"))
	}
	if t := c.Server.TLS; t != nil && t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, fmt.Errorf("server.tls: cert_file and key_file must be set together"))
		}
		if t.CertFile == "" && t.Dir == "" {
			errs = append(errs, fmt.Errorf("server.tls: cert_file/key_file or dir required"))
		}
	}
	for i, p := range c.Prewarm {
		cfg, err := p.Configuration()
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("prewarm[%d]: %w", i, err))
		}
		if p.Count <= 0 {
			errs = append(errs, fmt.Errorf("prewarm[%d]: count must be positive", i))
		}
	}
	return errors.Join(errs...)
}

// PoolOptions converts the [pool] section. Store, Logger and Listeners are
// wired by the caller.
func (c *Config) PoolOptions() (pool.Options, error) {
	match, err := pool.ParseMatchPolicy(c.Pool.Match)
	if err != nil {
		return pool.Options{}, err
	}
	disp, err := pool.ParseDisposition(c.Pool.Disposition)
	if err != nil {
		return pool.Options{}, err
	}
	return pool.Options{
		Name:               c.Pool.Name,
		Capacity:           c.Pool.Capacity,
		Match:              match,
		Disposition:        disp,
		PollInterval:       c.Pool.PollInterval,
		BootTimeout:        c.Pool.BootTimeout,
		ShutdownTimeout:    c.Pool.ShutdownTimeout,
		UDIDEnv:            c.Pool.UDIDEnv,
		RetainDevices:      c.Pool.RetainDevices,
		PrewarmParallelism: c.Pool.PrewarmParallelism,
	}, nil
}

// PrewarmTarget is one validated [[prewarm]] entry.
type PrewarmTarget struct {
	Configuration device.Configuration
	Count         int
}

func (c *Config) PrewarmConfigs() ([]PrewarmTarget, error) {
	out := make([]PrewarmTarget, 0, len(c.Prewarm))
	for i, p := range c.Prewarm {
		cfg, err := p.Configuration()
		if err != nil {
			return nil, fmt.Errorf("prewarm[%d]: %w", i, err)
		}
		out = append(out, PrewarmTarget{Configuration: cfg, Count: p.Count})
	}
	return out, nil
}
