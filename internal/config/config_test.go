package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/logger"
	"github.com/loykin/simpool/internal/pool"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "simpool.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := Default()
	if cfg.Pool != d.Pool {
		t.Fatalf("unexpected pool defaults: %+v", cfg.Pool)
	}
	if cfg.Platform != d.Platform {
		t.Fatalf("unexpected platform defaults: %+v", cfg.Platform)
	}
	if cfg.Server.Listen != "127.0.0.1:8085" || cfg.Server.BasePath != "/api" || !cfg.Server.Enabled {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Log.Slog.Level != logger.LevelInfo || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("unexpected log/metrics defaults: %+v %+v", cfg.Log, cfg.Metrics)
	}
}

func TestLoadFull(t *testing.T) {
	file := writeTOML(t, `
[pool]
name = "ci"
capacity = 6
match = "compatible"
disposition = "delete"
poll_interval = "100ms"
boot_timeout = "90s"
retain_devices = true
reconcile_on_start = true

[platform]
kind = "virtual"
root = "/var/lib/simpool"
boot_delay = "2s"
process_query = "host"

[log.slog]
level = "debug"
format = "json"

[log.file]
dir = "/var/log/simpool"
max_backups = 5

[store]
enabled = true
dsn = "sqlite:///var/lib/simpool/inventory.db"

[history]
enabled = true
sinks = ["clickhouse://localhost:9000/default?table=simulator_history", "opensearch://localhost:9200/sims"]
timeout = "5s"

[metrics]
enabled = true

[server]
listen = "0.0.0.0:9443"
base_path = "/v1"
tls_min_version = "1.2"

[server.tls]
enabled = true
dir = "/etc/simpool/tls"
auto_generate = true

[[prewarm]]
device_type = "iPhone 6s"
family = "phone"
os_version = "iOS 9.3"
count = 2

[[prewarm]]
device_type = "iPad Air 2"
family = "ipad"
os_version = "iOS 9.3"
count = 1
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.Name != "ci" || cfg.Pool.Capacity != 6 || cfg.Pool.PollInterval != 100*time.Millisecond || cfg.Pool.BootTimeout != 90*time.Second {
		t.Fatalf("unexpected pool: %+v", cfg.Pool)
	}
	// untouched keys keep their defaults
	if cfg.Pool.ShutdownTimeout != time.Minute || cfg.Pool.PrewarmParallelism != 4 {
		t.Fatalf("defaults lost: %+v", cfg.Pool)
	}
	if !cfg.Pool.RetainDevices || !cfg.Pool.ReconcileOnStart {
		t.Fatalf("flags not decoded: %+v", cfg.Pool)
	}
	if cfg.Platform.Root != "/var/lib/simpool" || cfg.Platform.BootDelay != 2*time.Second || cfg.Platform.ProcessQuery != "host" {
		t.Fatalf("unexpected platform: %+v", cfg.Platform)
	}
	if cfg.Log.Slog.Format != logger.FormatJSON || cfg.Log.File.MaxBackups != 5 {
		t.Fatalf("unexpected log: %+v", cfg.Log)
	}
	if len(cfg.History.Sinks) != 2 || cfg.History.Timeout != 5*time.Second {
		t.Fatalf("unexpected history: %+v", cfg.History)
	}
	if cfg.Server.TLS == nil || !cfg.Server.TLS.AutoGenerate || cfg.Server.TLSMinVersion != "1.2" {
		t.Fatalf("unexpected server: %+v", cfg.Server)
	}

	opts, err := cfg.PoolOptions()
	if err != nil {
		t.Fatalf("pool options: %v", err)
	}
	if opts.Match != pool.MatchCompatible || opts.Disposition != pool.DispositionDelete || opts.Capacity != 6 {
		t.Fatalf("unexpected pool options: %+v", opts)
	}

	targets, err := cfg.PrewarmConfigs()
	if err != nil {
		t.Fatalf("prewarm: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 prewarm targets, got %d", len(targets))
	}
	if targets[1].Configuration.Family != device.FamilyTablet || targets[0].Count != 2 {
		t.Fatalf("unexpected prewarm targets: %+v", targets)
	}
}

func TestEnvOverrides(t *testing.T) {
	file := writeTOML(t, `
[pool]
capacity = 2
`)
	t.Setenv("SIMPOOL_POOL_CAPACITY", "8")
	t.Setenv("SIMPOOL_SERVER_LISTEN", "127.0.0.1:9999")
	t.Setenv("SIMPOOL_PLATFORM_BOOT_DELAY", "3s")
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.Capacity != 8 {
		t.Fatalf("env did not override capacity: %d", cfg.Pool.Capacity)
	}
	if cfg.Server.Listen != "127.0.0.1:9999" {
		t.Fatalf("env did not set listen: %s", cfg.Server.Listen)
	}
	if cfg.Platform.BootDelay != 3*time.Second {
		t.Fatalf("env did not set boot delay: %s", cfg.Platform.BootDelay)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"match", "[pool]\nmatch = \"fuzzy\"\n", "pool.match"},
		{"disposition", "[pool]\ndisposition = \"burn\"\n", "pool.disposition"},
		{"capacity", "[pool]\ncapacity = -1\n", "pool.capacity"},
		{"platform", "[platform]\nkind = \"xcode\"\n", "platform.kind"},
		{"relative root", "[platform]\nroot = \"sims\"\n", "platform.root"},
		{"store dsn", "[store]\nenabled = true\n", "store.dsn"},
		{"history sinks", "[history]\nenabled = true\n", "history.sinks"},
		{"log level", "[log.slog]\nlevel = \"loud\"\n", "log: unknown level"},
		{"tls pair", "[server.tls]\nenabled = true\ncert_file = \"/c.pem\"\n", "server.tls"},
		{"prewarm family", "[[prewarm]]\ndevice_type = \"x\"\nos_version = \"iOS 9\"\nfamily = \"car\"\ncount = 1\n", "prewarm[0]"},
		{"prewarm count", "[[prewarm]]\ndevice_type = \"x\"\nos_version = \"iOS 9\"\n", "count must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTOML(t, tt.data))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
