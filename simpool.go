package simpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/simpool/internal/config"
	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/device/virtual"
	"github.com/loykin/simpool/internal/event"
	"github.com/loykin/simpool/internal/history"
	hfactory "github.com/loykin/simpool/internal/history/factory"
	"github.com/loykin/simpool/internal/logger"
	"github.com/loykin/simpool/internal/metrics"
	"github.com/loykin/simpool/internal/pool"
	"github.com/loykin/simpool/internal/process"
	"github.com/loykin/simpool/internal/server"
	"github.com/loykin/simpool/internal/simulator"
	"github.com/loykin/simpool/internal/state"
	"github.com/loykin/simpool/internal/store"
	sfactory "github.com/loykin/simpool/internal/store/factory"
)

// Public aliases so embedders do not reach into internal packages.
type (
	Config        = config.Config
	Configuration = device.Configuration
	Family        = device.Family
	State         = state.State
	Simulator     = simulator.Simulator
	Snapshot      = simulator.Snapshot
	Pool          = pool.Pool
	PoolOptions   = pool.Options
	AllocOptions  = pool.AllocOptions
	Release       = pool.Release
	Stats         = pool.Stats
	Event         = event.Event
	Listener      = event.Listener
)

const (
	FamilyPhone  = device.FamilyPhone
	FamilyTablet = device.FamilyTablet
	FamilyTV     = device.FamilyTV
	FamilyWatch  = device.FamilyWatch

	Reuse        = pool.Reuse
	Create       = pool.Create
	EraseOnFree  = pool.EraseOnFree
	DeleteOnFree = pool.DeleteOnFree
)

var (
	ErrAllocation   = pool.ErrAllocation
	ErrNotAllocated = pool.ErrNotAllocated
	ErrLeaseToken   = pool.ErrLeaseToken
	ErrNotFound     = pool.ErrNotFound
	ErrTimeout      = simulator.ErrTimeout
	ErrTransition   = simulator.ErrTransition
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config { return config.Default() }

// NewPool builds a pool over any device set and process query.
func NewPool(set device.Set, query process.Query, opts PoolOptions) *Pool {
	return pool.New(set, query, opts)
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// Service is a pool assembled from a Config together with its device layer,
// inventory store, event logger and history exporters.
type Service struct {
	cfg    *Config
	logger *slog.Logger
	pool   *pool.Pool
	store  store.Store
	events *logger.EventLogger
	// closers release history sinks on Close.
	closers []io.Closer
}

// NewService wires a Service from cfg. The pool is ready for use but Start
// has not run yet. A nil logger uses the one described by cfg.Log.
func NewService(cfg *Config, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = cfg.Log.NewSlogger()
	}
	s := &Service{cfg: cfg, logger: log}

	root := cfg.Platform.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "simpool")
	}
	set, err := virtual.New(virtual.Options{
		Root:          root,
		CreateDelay:   cfg.Platform.CreateDelay,
		BootDelay:     cfg.Platform.BootDelay,
		ShutdownDelay: cfg.Platform.ShutdownDelay,
		Logger:        log.With("component", "virtual"),
	})
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}

	var query process.Query = set
	if cfg.Platform.ProcessQuery == "host" {
		// runtimes stay visible through the set
		query = process.Chain{set, process.HostQuery{}}
	}

	opts, err := cfg.PoolOptions()
	if err != nil {
		return nil, err
	}
	opts.Logger = log

	if cfg.Store.Enabled {
		st, err := sfactory.NewFromDSN(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		if err := st.EnsureSchema(context.Background()); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("store schema: %w", err)
		}
		s.store = st
		opts.Store = st
	}

	s.events = logger.NewEventLogger(cfg.Log, log.With("component", "events"))
	opts.Listeners = append(opts.Listeners, s.events)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = s.closeBackends()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		opts.Listeners = append(opts.Listeners, metrics.NewListener())
	}

	if cfg.History.Enabled {
		var sinks []history.NamedSink
		for _, dsn := range cfg.History.Sinks {
			sink, err := hfactory.NewSinkFromDSN(dsn)
			if err != nil {
				_ = s.closeBackends()
				return nil, fmt.Errorf("history sink %s: %w", hfactory.SinkName(dsn), err)
			}
			if c, ok := sink.(io.Closer); ok {
				s.closers = append(s.closers, c)
			}
			sinks = append(sinks, history.NamedSink{Name: hfactory.SinkName(dsn), Sink: sink})
		}
		opts.Listeners = append(opts.Listeners, history.NewExporter(opts.Name, cfg.History.Timeout, log.With("component", "history"), sinks...))
	}

	s.pool = pool.New(set, query, opts)
	return s, nil
}

func (s *Service) Pool() *Pool         { return s.pool }
func (s *Service) Config() *Config     { return s.cfg }
func (s *Service) Logger() *slog.Logger { return s.logger }

// Start reconciles leftovers of an earlier run when configured and creates
// the configured prewarm simulators. Prewarm shortfalls are logged, not fatal.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Pool.ReconcileOnStart {
		rep, err := s.pool.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		s.logger.Info("reconciled inventory",
			"deleted_devices", len(rep.DeletedDevices),
			"dropped_records", len(rep.DroppedRecords),
			"missing", len(rep.Missing))
	}
	targets, err := s.cfg.PrewarmConfigs()
	if err != nil {
		return err
	}
	for _, t := range targets {
		n, err := s.pool.Prewarm(ctx, t.Configuration, t.Count)
		if err != nil {
			return fmt.Errorf("prewarm %s: %w", t.Configuration, err)
		}
		if n < t.Count {
			s.logger.Warn("prewarm fell short", "configuration", t.Configuration.String(), "want", t.Count, "created", n)
		} else {
			s.logger.Info("prewarmed simulators", "configuration", t.Configuration.String(), "count", n)
		}
	}
	return nil
}

// NewHTTPServer starts the API server described by the [server] section.
func (s *Service) NewHTTPServer() (*http.Server, error) {
	return server.NewServer(s.cfg.Server, s.cfg.Metrics, s.pool, s.logger.With("component", "http"))
}

// Close drains the pool for at most the configured drain timeout, then closes
// it and every backend.
func (s *Service) Close(ctx context.Context) error {
	if d := s.cfg.Pool.DrainTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	err := s.pool.Close(ctx)
	return errors.Join(err, s.closeBackends())
}

func (s *Service) closeBackends() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	if s.events != nil {
		errs = append(errs, s.events.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	return errors.Join(errs...)
}
