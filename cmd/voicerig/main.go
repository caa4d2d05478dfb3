package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	startFlags := &StartFlags{}
	restartFlags := &StartFlags{}
	statusFlags := &StatusFlags{}
	superviseFlags := &SuperviseFlags{}
	fileserverFlags := &FileserverFlags{}

	rig := &command{flags: globalFlags, out: os.Stdout}

	root := createRootCommand(rig, globalFlags)
	root.AddCommand(
		createStartCommand(rig, startFlags),
		createStopCommand(rig),
		createRestartCommand(rig, restartFlags),
		createStatusCommand(rig, statusFlags),
		createSuperviseCommand(rig, superviseFlags),
		createFileserverCommand(rig, fileserverFlags),
	)

	return root
}

// createRootCommand creates the root command with the persistent flags.
// A bare invocation runs the orchestrator daemon, same as `voicerig start`.
func createRootCommand(rig *command, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "voicerig",
		Short: "Voice agent stack orchestrator",
		Long: `Voicerig brings up and supervises the voice agent stack: redis and the
media server as compose containers, the web client and the agent worker
as local processes.

Examples:
  voicerig                          # Start the stack and monitor it
  voicerig status                   # Per-service health report
  voicerig restart                  # Stop everything, settle, start again
  voicerig status --api-url=http://remote:8790  # Remote status`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rig.Start(StartFlags{})
		},
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL for status queries (e.g. http://host:8790)")

	return root
}

// createStartCommand creates the start subcommand
func createStartCommand(rig *command, startFlags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the service stack and monitor it",
		Long: `Start every configured service in dependency order, then keep probing
and restarting unhealthy services until interrupted.

Examples:
  voicerig start
  voicerig start --config=voicerig.toml
  voicerig start --daemonize --pidfile=/tmp/voicerig.pid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rig.Start(*startFlags)
		},
	}

	cmd.Flags().BoolVar(&startFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&startFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&startFlags.LogFile, "logfile", "", "redirect daemon output to this file")

	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(rig *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop every service in the stack",
		Long: `Stop all services in reverse dependency order and tear down the compose
project. Safe to run when nothing is up.

Examples:
  voicerig stop
  voicerig stop --config=voicerig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rig.Stop()
		},
	}
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(rig *command, restartFlags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the stack, wait for it to settle, start it again",
		Long: `Restart the whole stack: stop everything, pause so ports and containers
settle, then run the start path with monitoring.

Examples:
  voicerig restart
  voicerig restart --config=voicerig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rig.Restart(*restartFlags)
		},
	}

	cmd.Flags().BoolVar(&restartFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&restartFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&restartFlags.LogFile, "logfile", "", "redirect daemon output to this file")

	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(rig *command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report per-service health",
		Long: `Report the state and health of every service. Queries the running
daemon API when one is reachable, otherwise probes the services
directly. Read-only: never starts or stops anything.

Examples:
  voicerig status
  voicerig status --name=media
  voicerig status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rig.Status(*statusFlags)
		},
	}

	cmd.Flags().StringVar(&statusFlags.Name, "name", "", "report a single service")
	cmd.Flags().BoolVar(&statusFlags.JSON, "json", false, "print JSON instead of a table")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	return cmd
}

// createSuperviseCommand creates the supervise subcommand
func createSuperviseCommand(rig *command, superviseFlags *SuperviseFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run the agent worker under restart supervision",
		Long: `Run the agent worker and keep it alive: health checks on a fixed
cadence, restarts with exponential backoff, and a hard lifetime restart
budget. The orchestrator launches this as the agent service; it also
runs standalone.

Examples:
  voicerig supervise
  voicerig supervise --listen=127.0.0.1:8791`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rig.Supervise(*superviseFlags)
		},
	}

	cmd.Flags().StringVar(&superviseFlags.Listen, "listen", "", "supervisor API address (overrides [supervisor].listen)")

	return cmd
}

// createFileserverCommand creates the fileserver subcommand
func createFileserverCommand(rig *command, fileserverFlags *FileserverFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fileserver",
		Short: "Serve the web client assets",
		Long: `Serve a directory of static web client assets over HTTP. This is the
webclient service's command.

Examples:
  voicerig fileserver --dir client --listen :8000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rig.Fileserver(*fileserverFlags)
		},
	}

	cmd.Flags().StringVar(&fileserverFlags.Dir, "dir", "client", "directory to serve")
	cmd.Flags().StringVar(&fileserverFlags.Listen, "listen", ":8000", "listen address")

	return cmd
}
