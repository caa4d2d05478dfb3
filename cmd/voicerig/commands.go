package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicerig"
	"voicerig/pkg/client"
)

const (
	defaultConfigFile = "voicerig.toml"
	defaultAPIURL     = "http://127.0.0.1:8790"

	// restartSettle lets ports and container names free up between the
	// stop and start passes of a restart.
	restartSettle = 3 * time.Second
)

type command struct {
	flags *GlobalFlags
	out   io.Writer
}

// loadConfig resolves the stack configuration: the --config flag first,
// then voicerig.toml in the working directory, then the built-in stack.
func (c *command) loadConfig() (*voicerig.Config, error) {
	path := c.flags.ConfigPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	if path == "" {
		cfg := voicerig.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := voicerig.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the configured slog logger, honoring --log-level.
func (c *command) setupLogging(cfg *voicerig.Config) {
	if c.flags.LogLevel != "" {
		if cfg.Log == nil {
			cfg.Log = &voicerig.LogConfig{}
		}
		cfg.Log.Level = c.flags.LogLevel
	}
	slog.SetDefault(cfg.Logger().NewSlogger())
}

// Start brings the stack up and monitors it until a signal arrives.
func (c *command) Start(f StartFlags) error {
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	c.setupLogging(cfg)

	st, err := voicerig.NewStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return c.runStack(ctx, cfg, st)
}

// runStack is the shared daemon body of start and restart: bring every
// service up, expose the control API, monitor until the context is
// canceled, then tear the stack down. The returned error reflects whether
// startup and teardown were clean.
func (c *command) runStack(ctx context.Context, cfg *voicerig.Config, st *voicerig.Stack) error {
	if cfg.Metrics.Enabled {
		if err := voicerig.RegisterMetricsDefault(); err != nil {
			slog.Warn("Failed to register metrics", "error", err)
		}
	}

	if err := st.StartAll(ctx); err != nil {
		return err
	}

	var api *http.Server
	if cfg.Server.Enabled {
		mountMetrics := cfg.Metrics.Enabled && cfg.Metrics.Listen == ""
		srv, err := voicerig.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, st, mountMetrics)
		if err != nil {
			_ = st.StopAll(context.Background())
			return fmt.Errorf("failed to create API server: %w", err)
		}
		api = srv
		slog.Info("Control API listening", "addr", cfg.Server.Listen)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		go func() {
			if err := voicerig.ServeMetrics(cfg.Metrics.Listen); err != nil {
				slog.Warn("Metrics server error", "error", err)
			}
		}()
		slog.Info("Metrics listening", "addr", cfg.Metrics.Listen)
	}

	_ = st.MonitorLoop(ctx)

	slog.Info("Shutting down")
	if api != nil {
		_ = api.Close()
	}
	return st.StopAll(context.Background())
}

// Stop tears the whole stack down. Safe to run when nothing is up.
func (c *command) Stop() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	c.setupLogging(cfg)

	st, err := voicerig.NewStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return st.StopAll(ctx)
}

// Restart tears the stack down, waits for ports and containers to settle,
// then runs the start path.
func (c *command) Restart(f StartFlags) error {
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	c.setupLogging(cfg)

	st, err := voicerig.NewStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.StopAll(ctx); err != nil {
		slog.Warn("Stop pass finished with errors", "error", err)
	}
	slog.Info("Waiting for services to settle", "pause", restartSettle)
	if err := sleepCtx(ctx, restartSettle); err != nil {
		return nil
	}
	return c.runStack(ctx, cfg, st)
}

// Status prints per-service health. It queries the daemon API when one is
// reachable and falls back to probing directly. Read-only either way.
func (c *command) Status(f StatusFlags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiURL := c.flags.APIUrl
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	cl := client.New(client.Config{BaseURL: apiURL, Timeout: f.APITimeout})
	if cl.IsReachable(ctx) {
		return c.statusViaAPI(ctx, cl, f)
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	c.setupLogging(cfg)

	st, err := voicerig.NewStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if f.Name != "" {
		sts, err := st.StatusOf(ctx, f.Name)
		if err != nil {
			return err
		}
		return c.printStatus(f.JSON, []statusRow{orchRow(sts)}, sts)
	}
	all := st.Status(ctx)
	rows := make([]statusRow, 0, len(all))
	for _, s := range all {
		rows = append(rows, orchRow(s))
	}
	return c.printStatus(f.JSON, rows, all)
}

// statusViaAPI fetches status from the daemon.
func (c *command) statusViaAPI(ctx context.Context, cl *client.Client, f StatusFlags) error {
	if f.Name != "" {
		st, err := cl.ServiceStatus(ctx, f.Name)
		if err != nil {
			return err
		}
		return c.printStatus(f.JSON, []statusRow{clientRow(st)}, st)
	}
	all, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	rows := make([]statusRow, 0, len(all))
	for _, s := range all {
		rows = append(rows, clientRow(s))
	}
	return c.printStatus(f.JSON, rows, all)
}

func (c *command) printStatus(asJSON bool, rows []statusRow, raw any) error {
	if asJSON {
		printJSON(c.out, raw)
		return nil
	}
	printStatusTable(c.out, rows)
	return nil
}

// Supervise runs the agent worker under restart supervision until a signal
// arrives, the restart budget is spent, or the initial start fails.
func (c *command) Supervise(f SuperviseFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	c.setupLogging(cfg)
	if f.Listen != "" {
		cfg.Supervisor.Listen = f.Listen
	}

	rec, err := voicerig.NewRecorder(cfg.Journal)
	if err != nil {
		return err
	}
	defer func() { _ = rec.Close() }()

	reg := voicerig.NewRegistry(cfg)

	sup, err := voicerig.NewSupervisor(cfg, reg, rec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sampler := voicerig.NewWorkerSampler(cfg.Metrics.Worker)
	if cfg.Metrics.Enabled {
		if err := voicerig.RegisterMetricsDefault(); err != nil {
			slog.Warn("Failed to register metrics", "error", err)
		}
		if err := voicerig.RegisterWorkerMetricsDefault(sampler); err != nil {
			slog.Warn("Failed to register worker metrics", "error", err)
		}
	}
	sampler.Start(ctx, func() int32 { return int32(sup.Status().PID) })
	defer sampler.Stop()

	var api *http.Server
	if cfg.Supervisor.Listen != "" {
		srv, err := voicerig.NewSupervisorHTTPServer(cfg.Supervisor.Listen, cfg.Server.BasePath, sup, reg)
		if err != nil {
			return fmt.Errorf("failed to create supervisor API server: %w", err)
		}
		api = srv
		slog.Info("Supervisor API listening", "addr", cfg.Supervisor.Listen)
	}

	runErr := sup.Run(ctx)

	slog.Info("Shutting down supervisor")
	if api != nil {
		_ = api.Close()
	}
	if err := sup.Stop(); err != nil {
		slog.Warn("Worker stop returned error", "error", err)
	}
	if n := reg.EmergencyCleanup(context.Background()); n > 0 {
		slog.Info("Cleaned up sessions on shutdown", "count", n)
	}
	return runErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
