package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/simpool"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command; client commands print to out
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: out}

	root := &cobra.Command{
		Use:   "simpool",
		Short: "Simulator pool daemon and client",
		Long: `simpool keeps a pool of device simulators, hands them out to test runs
and tracks every lifecycle event of each simulator.

Examples:
  simpool serve --config=simpool.toml
  simpool allocate --device-type="iPhone 6s" --os-version="iOS 9.3" --boot
  simpool list --set=allocated
  simpool history <udid>
  simpool free <udid> --token=<lease_token>`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(
		createServeCommand(globalFlags),
		createAllocateCommand(c),
		createUDIDCommand(c, "free", "Release a leased simulator", c.Free),
		createUDIDCommand(c, "boot", "Boot a leased simulator and wait until it is booted", c.Boot),
		createUDIDCommand(c, "shutdown", "Shut a leased simulator down and wait until it is shut down", c.Shutdown),
		createResyncCommand(c),
		createListCommand(c),
		createHistoryCommand(c),
		createStatsCommand(c),
		createPrewarmCommand(c),
		createReconcileCommand(c),
	)
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default "+defaultAPIUrl+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 5*time.Minute, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for a TLS daemon")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the simpool daemon",
		Long: `Start the simpool daemon: the pool, its HTTP API and metrics.
Without a config file the defaults apply, overridable by SIMPOOL_* variables.

Examples:
  simpool serve
  simpool serve simpool.toml
  simpool serve --config=simpool.toml --daemonize --pidfile=/run/simpool.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			if flags.Daemonize {
				return daemonize(flags.PidFile, flags.LogFile)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

// runServe runs the daemon until ctx is done.
func runServe(ctx context.Context, flags ServeFlags, out io.Writer) error {
	cfg, err := simpool.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log := cfg.Log.NewSlogger()

	svc, err := simpool.NewService(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = removePidFile(flags.PidFile) }()

	if err := svc.Start(ctx); err != nil {
		_ = svc.Close(context.Background())
		return err
	}

	var srv *http.Server
	if cfg.Server.Enabled {
		srv, err = svc.NewHTTPServer()
		if err != nil {
			_ = svc.Close(context.Background())
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
		protocol := "HTTP"
		if srv.TLSConfig != nil {
			protocol = "HTTPS"
		}
		_, _ = fmt.Fprintf(out, "Starting simpool %s server on %s%s\n", protocol, cfg.Server.Listen, cfg.Server.BasePath)
	}

	<-ctx.Done()
	log.Info("shutting down", "pool", cfg.Pool.Name)

	var errs []error
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		errs = append(errs, srv.Shutdown(sctx))
		cancel()
	}
	if err := svc.Close(context.Background()); err != nil {
		// leases still held by clients are left for the next reconcile
		log.Warn("pool closed with outstanding leases", "error", err)
		if !errors.Is(err, simpool.ErrTimeout) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func createAllocateCommand(c command) *cobra.Command {
	f := &AllocateFlags{}
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Lease a simulator matching a configuration",
		Long: `Lease a simulator. By default a free matching simulator is reused and a new
one is created otherwise.

Examples:
  simpool allocate --device-type="iPhone 6s" --family=phone --os-version="iOS 9.3"
  simpool allocate --device-type="iPad Air 2" --family=tablet --os-version="iOS 9.3" --options=create,delete_on_free --boot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Allocate(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.DeviceType, "device-type", "", "device type, e.g. \"iPhone 6s\" (required)")
	cmd.Flags().StringVar(&f.Family, "family", "phone", "product family: phone, tablet, tv, watch")
	cmd.Flags().StringVar(&f.OSVersion, "os-version", "", "OS version, e.g. \"iOS 9.3\" (required)")
	cmd.Flags().StringVar(&f.Locale, "locale", "", "locale")
	cmd.Flags().StringVar(&f.Scale, "scale", "", "display scale")
	cmd.Flags().StringVar(&f.Options, "options", "", "reuse, create, erase_on_free, delete_on_free joined by '|' or ','")
	cmd.Flags().BoolVar(&f.Boot, "boot", false, "boot the simulator after allocation")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createUDIDCommand(c command, name, short string, run func(context.Context, UDIDFlags) error) *cobra.Command {
	f := &UDIDFlags{}
	cmd := &cobra.Command{
		Use:   name + " <udid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.UDID = args[0]
			return run(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv("SIMPOOL_LEASE_TOKEN"), "lease token returned by allocate (env SIMPOOL_LEASE_TOKEN)")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createResyncCommand(c command) *cobra.Command {
	f := &UDIDFlags{}
	cmd := &cobra.Command{
		Use:   "resync <udid>",
		Short: "Re-read the platform state of a simulator stuck in unknown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.UDID = args[0]
			return c.Resync(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createListCommand(c command) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list [udid]",
		Short: "List pooled simulators, or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			udid := ""
			if len(args) > 0 {
				udid = args[0]
			}
			return c.List(cmd.Context(), *f, udid)
		},
	}
	cmd.Flags().StringVar(&f.Set, "set", "", "free or allocated (default all)")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createHistoryCommand(c command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history <udid>",
		Short: "Show the lifecycle events of a simulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.UDID = args[0]
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().Uint64Var(&f.Since, "since", 0, "only events after this sequence number")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createStatsCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pool counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stats(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createPrewarmCommand(c command) *cobra.Command {
	f := &PrewarmFlags{}
	cmd := &cobra.Command{
		Use:   "prewarm",
		Short: "Create free simulators ahead of demand",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Prewarm(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.DeviceType, "device-type", "", "device type (required)")
	cmd.Flags().StringVar(&f.Family, "family", "phone", "product family")
	cmd.Flags().StringVar(&f.OSVersion, "os-version", "", "OS version (required)")
	cmd.Flags().IntVar(&f.Count, "count", 1, "number of simulators")
	addAPIFlags(cmd, &f.APIFlags)
	if err := cmd.MarkFlagRequired("device-type"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("os-version"); err != nil {
		panic(err)
	}
	return cmd
}

func createReconcileCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Delete devices and records left behind by an earlier daemon run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reconcile(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}
