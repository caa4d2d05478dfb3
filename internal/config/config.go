package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"voicerig/internal/compose"
	"voicerig/internal/env"
	"voicerig/internal/logger"
	"voicerig/internal/metrics"
	"voicerig/internal/orchestrator"
	"voicerig/internal/proc"
	"voicerig/internal/registry"
	"voicerig/internal/supervisor"
)

// Config represents the top-level TOML structure.
type Config struct {
	// Env entries are "KEY=VALUE" applied last, over OS env and env files.
	Env         []string `toml:"env" mapstructure:"env"`
	EnvFiles    []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv    bool     `toml:"use_os_env" mapstructure:"use_os_env"`
	RequiredEnv []string `toml:"required_env" mapstructure:"required_env"`

	Log          *LogConfig         `toml:"log" mapstructure:"log"`
	Server       ServerConfig       `toml:"server" mapstructure:"server"`
	Metrics      MetricsConfig      `toml:"metrics" mapstructure:"metrics"`
	Journal      JournalConfig      `toml:"journal" mapstructure:"journal"`
	Registry     RegistryConfig     `toml:"registry" mapstructure:"registry"`
	Compose      compose.Options    `toml:"compose" mapstructure:"compose"`
	Orchestrator OrchestratorConfig `toml:"orchestrator" mapstructure:"orchestrator"`
	Supervisor   SupervisorConfig   `toml:"supervisor" mapstructure:"supervisor"`
	Services     []ServiceConfig    `toml:"services" mapstructure:"services"`
}

// LogConfig controls the application logger and the rotating files that
// capture spawned process output.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// ServerConfig controls the control API listener.
type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// MetricsConfig controls Prometheus exposure. An empty Listen mounts
// /metrics on the control API server instead of a dedicated listener.
// Worker tunes the resource sampler the supervisor runs alongside the
// agent worker.
type MetricsConfig struct {
	Enabled bool                        `toml:"enabled" mapstructure:"enabled"`
	Listen  string                      `toml:"listen" mapstructure:"listen"`
	Worker  metrics.WorkerSamplerConfig `toml:"worker" mapstructure:"worker"`
}

// JournalConfig selects the lifecycle event store and optional mirror
// sinks. DSN accepts sqlite://, postgres://, or a bare file path; sink
// DSNs accept clickhouse://. An empty DSN disables persistence.
type JournalConfig struct {
	DSN   string   `toml:"dsn" mapstructure:"dsn"`
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

// RegistryConfig tunes the session registry. Zero values pick the
// registry defaults.
type RegistryConfig struct {
	HistoryLimit   int    `toml:"history_limit" mapstructure:"history_limit"`
	IdentityPrefix string `toml:"identity_prefix" mapstructure:"identity_prefix"`
}

// OrchestratorConfig tunes stack supervision timing. Zero values pick
// the orchestrator defaults.
type OrchestratorConfig struct {
	Settle        time.Duration `toml:"settle" mapstructure:"settle"`
	CheckInterval time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	ErrorPause    time.Duration `toml:"error_pause" mapstructure:"error_pause"`
	StopGrace     time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
}

// SupervisorConfig describes the agent worker and its restart policy.
type SupervisorConfig struct {
	Name          string        `toml:"name" mapstructure:"name"`
	Command       string        `toml:"command" mapstructure:"command"`
	WorkDir       string        `toml:"workdir" mapstructure:"workdir"`
	Env           []string      `toml:"env" mapstructure:"env"`
	Listen        string        `toml:"listen" mapstructure:"listen"`
	MaxRestarts   int           `toml:"max_restarts" mapstructure:"max_restarts"`
	BackoffBase   time.Duration `toml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax    time.Duration `toml:"backoff_max" mapstructure:"backoff_max"`
	CheckInterval time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	ErrorPause    time.Duration `toml:"error_pause" mapstructure:"error_pause"`
	StopGrace     time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	MemoryLimitMB int           `toml:"memory_limit_mb" mapstructure:"memory_limit_mb"`
	LogSilence    time.Duration `toml:"log_silence" mapstructure:"log_silence"`
	WorkerLog     string        `toml:"worker_log" mapstructure:"worker_log"`
	KillSignature string        `toml:"kill_signature" mapstructure:"kill_signature"`
}

// ServiceConfig describes one managed service.
type ServiceConfig struct {
	Name           string        `toml:"name" mapstructure:"name"`
	Kind           string        `toml:"kind" mapstructure:"kind"`
	ComposeService string        `toml:"compose_service" mapstructure:"compose_service"`
	ContainerName  string        `toml:"container_name" mapstructure:"container_name"`
	Command        string        `toml:"command" mapstructure:"command"`
	WorkDir        string        `toml:"workdir" mapstructure:"workdir"`
	Env            []string      `toml:"env" mapstructure:"env"`
	DependsOn      []string      `toml:"depends_on" mapstructure:"depends_on"`
	StartupGrace   time.Duration `toml:"startup_grace" mapstructure:"startup_grace"`
	Port           int           `toml:"port" mapstructure:"port"`
	Probe          ProbeConfig   `toml:"probe" mapstructure:"probe"`
}

// ProbeConfig describes the health probe of a service. An empty type
// picks the kind default: container inspection or process liveness.
type ProbeConfig struct {
	Type           string        `toml:"type" mapstructure:"type"`
	URL            string        `toml:"url" mapstructure:"url"`
	AcceptNotFound bool          `toml:"accept_not_found" mapstructure:"accept_not_found"`
	Address        string        `toml:"address" mapstructure:"address"`
	Container      string        `toml:"container" mapstructure:"container"`
	Path           string        `toml:"path" mapstructure:"path"`
	MaxAge         time.Duration `toml:"max_age" mapstructure:"max_age"`
	Command        string        `toml:"command" mapstructure:"command"`
	Timeout        time.Duration `toml:"timeout" mapstructure:"timeout"`
}

// Load parses a TOML config file and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the structural constraints the mapping functions rely
// on. Probe field requirements and dependency cycles are rechecked when
// the orchestrator is constructed.
func (c *Config) Validate() error {
	if _, err := c.Descriptors(); err != nil {
		return err
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("invalid env entry %q, want KEY=VALUE", kv)
		}
	}
	for i := range c.Services {
		sc := &c.Services[i]
		if sc.Kind == "process" && strings.Contains(sc.Command, "supervise") &&
			strings.TrimSpace(c.Supervisor.Command) == "" {
			return fmt.Errorf("service %s runs the supervisor but [supervisor] has no worker command", sc.Name)
		}
	}
	return nil
}

// Descriptors maps the [[services]] tables onto orchestrator descriptors.
func (c *Config) Descriptors() ([]orchestrator.Descriptor, error) {
	seen := make(map[string]struct{}, len(c.Services))
	out := make([]orchestrator.Descriptor, 0, len(c.Services))
	for i := range c.Services {
		sc := &c.Services[i]
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return nil, fmt.Errorf("service #%d has no name", i+1)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", name)
		}
		seen[name] = struct{}{}
		switch sc.Kind {
		case "container", "process":
		case "":
			return nil, fmt.Errorf("service %s has no kind", name)
		default:
			return nil, fmt.Errorf("unknown kind %q for service %s", sc.Kind, name)
		}
		switch sc.Probe.Type {
		case "", "http", "tcp", "container", "logfile", "command", "process":
		default:
			return nil, fmt.Errorf("unknown probe type %q for service %s", sc.Probe.Type, name)
		}
		out = append(out, orchestrator.Descriptor{
			Name:           name,
			Kind:           orchestrator.Kind(sc.Kind),
			ComposeService: sc.ComposeService,
			ContainerName:  sc.ContainerName,
			Command:        sc.Command,
			WorkDir:        sc.WorkDir,
			Env:            sc.Env,
			DependsOn:      sc.DependsOn,
			StartupGrace:   sc.StartupGrace,
			Port:           sc.Port,
			Probe: orchestrator.ProbeSpec{
				Type:           sc.Probe.Type,
				URL:            sc.Probe.URL,
				AcceptNotFound: sc.Probe.AcceptNotFound,
				Address:        sc.Probe.Address,
				Container:      sc.Probe.Container,
				Path:           sc.Probe.Path,
				MaxAge:         sc.Probe.MaxAge,
				Command:        sc.Probe.Command,
				Timeout:        sc.Probe.Timeout,
			},
		})
	}
	return out, nil
}

// BuildEnv assembles the base environment. Precedence: OS env (when
// enabled) provides the base, then explicit env entries override. Env
// files are loaded later, at service start time.
func (c *Config) BuildEnv() *env.Env {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.ExcludeOS()
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(k, v)
		}
	}
	return e
}

// Logger maps the [log] table onto a logger config.
func (c *Config) Logger() logger.Config {
	lc := c.Log
	if lc == nil {
		return logger.Config{}
	}
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:  lc.Level,
			Format: logger.Format(lc.Format),
			Color:  lc.Color,
			File:   lc.File,
		},
		File: logger.FileConfig{
			Dir:        lc.Dir,
			MaxSizeMB:  lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAgeDays: lc.MaxAgeDays,
			Compress:   lc.Compress,
		},
	}
}

// RegistryOptions maps the [registry] table.
func (c *Config) RegistryOptions() registry.Options {
	return registry.Options{
		HistoryLimit: c.Registry.HistoryLimit,
		Prefix:       c.Registry.IdentityPrefix,
	}
}

// SupervisorOptions maps the [supervisor] table. The caller wires the
// registry and recorder.
func (c *Config) SupervisorOptions() (supervisor.Options, error) {
	sc := c.Supervisor
	if strings.TrimSpace(sc.Command) == "" {
		return supervisor.Options{}, fmt.Errorf("[supervisor] requires a worker command")
	}
	name := sc.Name
	if name == "" {
		name = "agent-worker"
	}
	return supervisor.Options{
		Worker: proc.Spec{
			Name:          name,
			Command:       sc.Command,
			WorkDir:       sc.WorkDir,
			Env:           sc.Env,
			CombineOutput: true,
			Log:           c.Logger(),
		},
		MaxRestarts:   sc.MaxRestarts,
		BackoffBase:   sc.BackoffBase,
		BackoffMax:    sc.BackoffMax,
		CheckInterval: sc.CheckInterval,
		ErrorPause:    sc.ErrorPause,
		StopGrace:     sc.StopGrace,
		MemoryLimitMB: sc.MemoryLimitMB,
		LogSilence:    sc.LogSilence,
		WorkerLogPath: sc.WorkerLog,
		KillSignature: sc.KillSignature,
		EnvFiles:      c.EnvFiles,
	}, nil
}

// Default returns the built-in stack description: redis and the media
// server run as compose containers, the web client and the agent
// supervisor as local processes. Ports and startup grace follow the
// stock docker-compose layout.
func Default() *Config {
	return &Config{
		EnvFiles:    []string{".env"},
		UseOSEnv:    true,
		RequiredEnv: []string{"OPENAI_API_KEY"},
		Log:         &LogConfig{Level: "info", Dir: "logs"},
		Server:      ServerConfig{Enabled: true, Listen: "127.0.0.1:8790"},
		Metrics:     MetricsConfig{Enabled: true, Worker: metrics.WorkerSamplerConfig{Enabled: true}},
		Journal:     JournalConfig{DSN: "sqlite://logs/journal.db"},
		Supervisor: SupervisorConfig{
			Name:          "agent-worker",
			Command:       "python3 spawn_agent.py",
			WorkDir:       "agent",
			Listen:        "127.0.0.1:8791",
			KillSignature: "spawn_agent.py",
		},
		Services: []ServiceConfig{
			{
				Name:          "redis",
				Kind:          "container",
				ContainerName: "voicerig-redis-1",
				Port:          6379,
				StartupGrace:  2 * time.Second,
				Probe:         ProbeConfig{Type: "container"},
			},
			{
				Name:          "media",
				Kind:          "container",
				ContainerName: "voicerig-media-1",
				Port:          7880,
				StartupGrace:  5 * time.Second,
				Probe: ProbeConfig{
					Type:           "http",
					URL:            "http://localhost:7880",
					AcceptNotFound: true,
				},
			},
			{
				Name:         "webclient",
				Kind:         "process",
				Command:      "voicerig fileserver --dir client --listen :8000",
				Port:         8000,
				StartupGrace: 2 * time.Second,
				Probe:        ProbeConfig{Type: "http", URL: "http://localhost:8000"},
			},
			{
				Name:         "agent",
				Kind:         "process",
				Command:      "voicerig supervise",
				DependsOn:    []string{"media", "redis"},
				StartupGrace: 5 * time.Second,
				Probe: ProbeConfig{
					Type:   "process",
					Path:   "logs/agent-worker.stdout.log",
					MaxAge: 5 * time.Minute,
				},
			},
		},
	}
}
