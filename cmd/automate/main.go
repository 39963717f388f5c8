// Command automate runs the traffic interception and cookie extraction
// engine.
//
// Usage:
//
//	automate run -c automate.yaml            # daemon (chain-proxy mode)
//	automate run -c automate.yaml --once     # exit once every service extracted
//	automate run -c automate.yaml --inject   # process-inject mode
//	automate status -c automate.yaml         # show per-service state
//	automate cleanup -c automate.yaml        # run a retention pass now
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/JaggerH/automate/admin"
	"github.com/JaggerH/automate/capture"
	"github.com/JaggerH/automate/config"
	"github.com/JaggerH/automate/flow"
	"github.com/JaggerH/automate/govern"
	"github.com/JaggerH/automate/intercept"
	"github.com/JaggerH/automate/state"
	"github.com/JaggerH/automate/upstream"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var (
	configPath string
	logLevel   string
	runOnce    bool
	runInject  bool
	statusJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "automate",
	Short: "HTTP(S) interception proxy with governed cookie extraction",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the intercepting proxy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runEngine(cmd.Context(), newLogger())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-service extraction state and recent sessions",
	RunE: func(*cobra.Command, []string) error {
		return runStatus(os.Stdout)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove state older than the retention horizon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCleanup(cmd.Context(), newLogger(), os.Stdout)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(*cobra.Command, []string) {
		fmt.Println("automate " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "automate.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "exit once every enabled service has extracted")
	runCmd.Flags().BoolVar(&runInject, "inject", false, "process-inject mode: extract only from configured processes")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit JSON instead of a table")
	rootCmd.AddCommand(runCmd, statusCmd, cleanupCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "automate:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runEngine(ctx context.Context, logger *slog.Logger) error {
	mgr, err := config.NewManager(configPath, logger)
	if err != nil {
		return err
	}
	cfg := mgr.Current()

	statuses, sessions, err := openStores(cfg)
	if err != nil {
		return err
	}

	governor := govern.New(statuses, govern.WithLogger(logger))
	registry := flow.NewRegistry()
	for _, name := range cfg.EnabledServices() {
		svc := cfg.Services[name]
		ex := flow.NewCookieExtractor(name, svc.Domains, svc.ExtractInterval.Std(),
			svc.OutputFile, svc.KeyCookies, svc.CookiePrefixes)
		registry.Register(ex)
		governor.Register(govern.Spec{
			Service:    name,
			Interval:   svc.ExtractInterval.Std(),
			OutputFile: svc.OutputFile,
		})
		logger.Info("service registered", "service", name,
			"domains", len(svc.Domains), "interval", svc.ExtractInterval.Std())
	}
	if len(registry.Extractors()) == 0 {
		return fmt.Errorf("no enabled services in %s", configPath)
	}

	db, err := sql.Open("sqlite", filepath.Join(cfg.Proxy.DataDir, "captures.db"))
	if err != nil {
		return fmt.Errorf("open capture db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err := capture.Init(db); err != nil {
		return err
	}
	captures, err := capture.NewStore(db, 256, logger)
	if err != nil {
		return err
	}
	defer captures.Close()

	detector := upstream.New(cfg.Proxy.Upstream, logger)

	var filter intercept.SourceFilter
	if runInject {
		var names []string
		for _, name := range cfg.EnabledServices() {
			names = append(names, cfg.Services[name].Processes...)
		}
		if len(names) == 0 {
			return fmt.Errorf("inject mode needs at least one process name in the config")
		}
		pf := intercept.NewProcessFilter(names, logger, 0)
		go pf.Watch(ctx)
		filter = pf
	}

	engine, err := intercept.New(cfg.Proxy, intercept.Deps{
		Registry: registry,
		Governor: governor,
		Detector: detector,
		Sessions: sessions,
		Captures: captures,
		Filter:   filter,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	cleanup := cleanupFunc(cfg, statuses, sessions, captures, logger)

	if cfg.Proxy.Admin.Enabled {
		adminSrv := admin.NewServer(cfg.Proxy.Admin.Addr, admin.Deps{
			Statuses: statuses,
			Sessions: sessions,
			Captures: captures,
			Engine:   engine,
			Cleanup:  cleanup,
			Logger:   logger,
		})
		go func() {
			if err := adminSrv.Run(ctx); err != nil {
				logger.Error("admin server failed", "error", err)
			}
		}()
	}

	if !runOnce {
		// Daemon extras: scheduled retention cleanup and config reload.
		if spec := cfg.Proxy.CleanupSpec; spec != "" {
			sched := cron.New()
			if _, err := sched.AddFunc(spec, func() {
				if res, err := cleanup(context.Background()); err != nil {
					logger.Error("scheduled cleanup failed", "error", err)
				} else {
					logger.Info("scheduled cleanup done",
						"statuses", res.Statuses, "sessions", res.Sessions, "captures", res.Captures)
				}
			}); err != nil {
				return fmt.Errorf("cleanup schedule %q: %w", spec, err)
			}
			sched.Start()
			defer sched.Stop()
		}

		// Structural changes (services, listeners) need a restart; the
		// watcher keeps validation feedback immediate while editing.
		mgr.OnReload = func(*config.Config) {
			logger.Warn("config changed on disk; service and listener changes apply on restart")
		}
		go func() {
			if err := mgr.Watch(ctx, 500*time.Millisecond); err != nil {
				logger.Warn("config watcher failed", "error", err)
			}
		}()
	}

	logger.Info("automate starting", "version", version,
		"config", configPath, "once", runOnce, "inject", runInject)
	return engine.Run(ctx, runOnce)
}

func openStores(cfg *config.Config) (*state.StatusStore, *state.SessionLog, error) {
	statuses, err := state.OpenStatusStore(cfg.Proxy.DataDir)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := state.OpenSessionLog(cfg.Proxy.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return statuses, sessions, nil
}

// cleanupFunc builds one retention pass over all three stores, shared
// by the admin endpoint, the cron schedule, and the cleanup command.
func cleanupFunc(cfg *config.Config, statuses *state.StatusStore, sessions *state.SessionLog,
	captures *capture.Store, logger *slog.Logger) func(context.Context) (admin.CleanupResult, error) {
	return func(ctx context.Context) (admin.CleanupResult, error) {
		cutoff := time.Now().Add(-cfg.Proxy.Retention.Std())
		var res admin.CleanupResult
		var err error
		if res.Statuses, err = statuses.CleanupBefore(cutoff); err != nil {
			return res, err
		}
		if res.Sessions, err = sessions.CleanupBefore(cutoff); err != nil {
			return res, err
		}
		if captures != nil {
			if res.Captures, err = captures.Cleanup(ctx, cutoff); err != nil {
				return res, err
			}
		}
		logger.Debug("retention pass", "cutoff", cutoff,
			"statuses", res.Statuses, "sessions", res.Sessions, "captures", res.Captures)
		return res, nil
	}
}

func runStatus(out *os.File) error {
	cfg, warnings, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	statuses, sessions, err := openStores(cfg)
	if err != nil {
		return err
	}

	if statusJSON {
		view := struct {
			Services []state.ServiceStatus `json:"services"`
			Sessions []state.Session       `json:"sessions"`
		}{statuses.All(), sessions.All()}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATUS\tCOUNT\tLAST EXTRACT\tOUTPUT")
	for _, st := range statuses.All() {
		last := "never"
		if !st.LastExtract.IsZero() {
			last = st.LastExtract.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", st.Service, st.Status, st.Count, last, st.OutputFile)
	}
	if active, ok := sessions.Active(); ok {
		fmt.Fprintf(w, "\nactive session\t%s\tupstream=%s\trequests=%d\textractions=%d\n",
			active.ID, orDirect(active.Upstream), active.Requests, active.Extractions)
	}
	return w.Flush()
}

func runCleanup(ctx context.Context, logger *slog.Logger, out *os.File) error {
	cfg, _, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	statuses, sessions, err := openStores(cfg)
	if err != nil {
		return err
	}

	// Captures live in sqlite next to the CSV stores; skip if absent.
	var captures *capture.Store
	dbPath := filepath.Join(cfg.Proxy.DataDir, "captures.db")
	if _, statErr := os.Stat(dbPath); statErr == nil {
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return fmt.Errorf("open capture db: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(1)
		if captures, err = capture.NewStore(db, 1, logger); err != nil {
			return err
		}
		defer captures.Close()
	}

	res, err := cleanupFunc(cfg, statuses, sessions, captures, logger)(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed: %d service records, %d sessions, %d captures\n",
		res.Statuses, res.Sessions, res.Captures)
	return nil
}

func orDirect(s string) string {
	if s == "" {
		return "direct"
	}
	return s
}
