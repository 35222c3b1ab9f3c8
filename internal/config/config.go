// Package config holds the cluster configuration: yaml file, PUMA_*
// environment overrides, validation and defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/toregeschliman/puma/pkg/consts"
	puerr "github.com/toregeschliman/puma/pkg/errors"
)

// Config represents the root configuration.
type Config struct {
	Version       string              `yaml:"version"`
	Service       ServiceConfig       `yaml:"service"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Observability ObservabilityConfig `yaml:"observability"`

	// Hooks are in-process callbacks registered by embedders before
	// the CLI dispatches; they never come from yaml.
	Hooks Hooks `yaml:"-" ignored:"true"`

	// Path the config was loaded from; forwarded to spawned workers.
	Path string `yaml:"-" ignored:"true"`
}

type ServiceConfig struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"` // the command each worker's engine hosts
	Env     []string `yaml:"env"`
	Dir     string   `yaml:"dir"` // chdir target on phased restart, optional
	Tag     string   `yaml:"tag"`
}

type ClusterConfig struct {
	Workers                    int       `yaml:"workers"`
	WorkerTimeout              string    `yaml:"worker_timeout"`          // e.g. "60s"
	WorkerBootTimeout          string    `yaml:"worker_boot_timeout"`     // defaults to worker_timeout
	WorkerCheckInterval        string    `yaml:"worker_check_interval"`   // e.g. "5s"
	CullingStrategy            string    `yaml:"worker_culling_strategy"` // oldest | youngest
	ForkWorker                 Threshold `yaml:"fork_worker"`
	MoldWorker                 bool      `yaml:"mold_worker"`
	PreloadApp                 bool      `yaml:"preload_app"`
	IdleTimeout                string    `yaml:"idle_timeout"` // empty disables
	RaiseOnSigterm             bool      `yaml:"raise_exception_on_sigterm"`
	SilenceSingleWorkerWarning bool      `yaml:"silence_single_worker_warning"`
}

// Threshold is a yaml option accepting either a bool (enable with no
// request threshold) or an integer request count.
type Threshold struct {
	Enabled  bool
	Requests int
}

func (t *Threshold) UnmarshalYAML(node *yaml.Node) error {
	var b bool
	if err := node.Decode(&b); err == nil {
		t.Enabled = b
		t.Requests = 0
		return nil
	}
	var n int
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("fork_worker accepts a bool or an integer threshold: %w", err)
	}
	t.Enabled = n > 0
	t.Requests = n
	return nil
}

// Hook is an external command hook, executed with a timeout.
type Hook struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
	Timeout string   `yaml:"timeout"`
}

type OrchestrationConfig struct {
	BeforeRefork []Hook `yaml:"before_refork"`
	AfterRefork  []Hook `yaml:"after_refork"`
}

type ObservabilityConfig struct {
	MetricsPort string `yaml:"metrics_port"` // e.g. ":9090", empty disables
	LogLevel    string `yaml:"log_level"`
	StatsSocket string `yaml:"stats_socket"` // unix socket path, empty disables
	Pidfile     string `yaml:"pidfile"`
}

// Load reads the yaml file at path, applies PUMA_* environment
// overrides, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, puerr.New(puerr.ErrCodeConfigInvalid, "config.load", "reading config", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, puerr.New(puerr.ErrCodeConfigInvalid, "config.load", "parsing config", err)
	}
	if err := envconfig.Process("puma", &cfg); err != nil {
		return nil, puerr.New(puerr.ErrCodeConfigInvalid, "config.load", "environment overrides", err)
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and rejects unusable configurations.
func (c *Config) Validate() error {
	if len(c.Service.Command) == 0 {
		return puerr.New(puerr.ErrCodeConfigInvalid, "config.validate", "service.command is required", nil)
	}
	if c.Service.Name == "" {
		c.Service.Name = "puma"
	}
	if c.Cluster.Workers == 0 {
		c.Cluster.Workers = consts.DefaultWorkers
	}
	if c.Cluster.Workers < 1 {
		return puerr.New(puerr.ErrCodeConfigInvalid, "config.validate", "cluster.workers must be >= 1", nil)
	}
	switch c.Cluster.CullingStrategy {
	case "":
		c.Cluster.CullingStrategy = "youngest"
	case "oldest", "youngest":
	default:
		return puerr.New(puerr.ErrCodeConfigInvalid, "config.validate",
			fmt.Sprintf("unknown worker_culling_strategy %q", c.Cluster.CullingStrategy), nil)
	}
	if _, err := parseDuration(c.Cluster.WorkerTimeout, consts.DefaultWorkerTimeout); err != nil {
		return puerr.New(puerr.ErrCodeConfigInvalid, "config.validate", "worker_timeout", err)
	}
	if _, err := parseDuration(c.Cluster.WorkerBootTimeout, 0); err != nil {
		return puerr.New(puerr.ErrCodeConfigInvalid, "config.validate", "worker_boot_timeout", err)
	}
	if _, err := parseDuration(c.Cluster.WorkerCheckInterval, consts.DefaultWorkerCheckInterval); err != nil {
		return puerr.New(puerr.ErrCodeConfigInvalid, "config.validate", "worker_check_interval", err)
	}
	if _, err := parseDuration(c.Cluster.IdleTimeout, 0); err != nil {
		return puerr.New(puerr.ErrCodeConfigInvalid, "config.validate", "idle_timeout", err)
	}
	if c.Cluster.CheckInterval() >= c.Cluster.Timeout() {
		return puerr.New(puerr.ErrCodeConfigInvalid, "config.validate",
			"worker_check_interval must be shorter than worker_timeout", nil)
	}
	if c.Cluster.PreloadApp && c.Cluster.ForkWorker.Enabled {
		return puerr.New(puerr.ErrCodeConfigInvalid, "config.validate",
			"preload_app and fork_worker are mutually exclusive", nil)
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func mustDuration(s string, def time.Duration) time.Duration {
	d, err := parseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// Timeout is the worker check-in timeout.
func (c ClusterConfig) Timeout() time.Duration {
	return mustDuration(c.WorkerTimeout, consts.DefaultWorkerTimeout)
}

// BootTimeout is the pre-BOOT liveness budget; it defaults to the
// check-in timeout.
func (c ClusterConfig) BootTimeout() time.Duration {
	return mustDuration(c.WorkerBootTimeout, c.Timeout())
}

// CheckInterval is the worker ping cadence.
func (c ClusterConfig) CheckInterval() time.Duration {
	return mustDuration(c.WorkerCheckInterval, consts.DefaultWorkerCheckInterval)
}

// IdleStop returns the all-workers-idle stop window, zero if disabled.
func (c ClusterConfig) IdleStop() time.Duration {
	return mustDuration(c.IdleTimeout, 0)
}

// MoldEnabled reports whether workers may be promoted to molds.
func (c ClusterConfig) MoldEnabled() bool {
	return c.MoldWorker || c.ForkWorker.Enabled
}
