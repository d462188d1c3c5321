package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fleetroll/pkg/api"
)

// Config is the fleetroll configuration file.
type Config struct {
	Environment string `yaml:"environment"`
	Catalog     string `yaml:"catalog"`
	Executor    string `yaml:"executor"`
	Concurrency int    `yaml:"concurrency"`

	Poll struct {
		Interval       time.Duration `yaml:"interval"`
		DefaultTimeout time.Duration `yaml:"default_timeout"`
	} `yaml:"poll"`

	SSH struct {
		User        string        `yaml:"user"`
		Port        int           `yaml:"port"`
		KeyPath     string        `yaml:"key_path"`
		KnownHosts  string        `yaml:"known_hosts"`
		AcceptNew   bool          `yaml:"accept_new"`
		UseAgent    bool          `yaml:"use_agent"`
		DialTimeout time.Duration `yaml:"dial_timeout"`
		Retries     int           `yaml:"retries"`
		WorkDir     string        `yaml:"work_dir"`
	} `yaml:"ssh"`

	SSM struct {
		Region            string        `yaml:"region"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		CommandTimeout    time.Duration `yaml:"command_timeout"`
	} `yaml:"ssm"`

	Agent struct {
		Port           int           `yaml:"port"`
		Token          string        `yaml:"token"`
		CACert         string        `yaml:"ca_cert"`
		ClientCert     string        `yaml:"client_cert"`
		ClientKey      string        `yaml:"client_key"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"agent"`

	Health struct {
		Registry         string              `yaml:"registry"`
		Interval         time.Duration       `yaml:"interval"`
		Timeout          time.Duration       `yaml:"timeout"`
		FailureThreshold int                 `yaml:"failure_threshold"`
		Groups           map[string][]string `yaml:"groups"`
	} `yaml:"health"`

	History struct {
		Path     string `yaml:"path"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"history"`

	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// ConfigDir resolves $XDG_CONFIG_HOME/fleetroll or ~/.config/fleetroll.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fleetroll")
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	var cfg Config
	cfg.Environment = "dev"
	cfg.Executor = "ssm"
	cfg.Concurrency = 1
	cfg.Poll.Interval = 2 * time.Second
	cfg.Poll.DefaultTimeout = 2 * time.Minute
	cfg.SSH.User = "ubuntu"
	cfg.SSH.Port = 22
	cfg.SSH.KeyPath = filepath.Join(ConfigDir(), "ssh", "id_ed25519")
	cfg.SSH.KnownHosts = filepath.Join(ConfigDir(), "known_hosts")
	cfg.SSH.AcceptNew = true
	cfg.SSH.UseAgent = true
	cfg.SSH.DialTimeout = 15 * time.Second
	cfg.SSH.Retries = 2
	cfg.SSM.Region = "us-east-1"
	cfg.SSM.RequestsPerSecond = 5
	cfg.Agent.Port = 8088
	cfg.Agent.RequestTimeout = 30 * time.Second
	cfg.Health.Registry = "elbv2"
	cfg.Health.Interval = 5 * time.Second
	cfg.Health.Timeout = 5 * time.Minute
	cfg.Health.FailureThreshold = 3
	cfg.History.Path = filepath.Join(ConfigDir(), "history.db")
	return cfg
}

// LoadConfig reads YAML configuration from path over the defaults. If path is
// empty it resolves $XDG_CONFIG_HOME/fleetroll/config.yaml or
// ~/.config/fleetroll/config.yaml, and a missing file there is not an error.
// secrets.env and the environment override the agent token and AWS region.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Tokens live in secrets.env rather than in the YAML file.
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("FLEETROLL_AGENT_TOKEN"); v != "" {
		secrets["FLEETROLL_AGENT_TOKEN"] = v
	}
	if t := secrets["FLEETROLL_AGENT_TOKEN"]; t != "" {
		cfg.Agent.Token = t
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.SSM.Region = v
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the orchestrator cannot run with.
func (c Config) Validate() error {
	var errs []error
	if !api.ValidEnvironment(c.Environment) {
		errs = append(errs, fmt.Errorf("environment: must be one of %s, got %q", strings.Join(api.Environments, ", "), c.Environment))
	}
	switch c.Executor {
	case "ssh", "ssm", "agent":
	default:
		errs = append(errs, fmt.Errorf("executor: unknown transport %q", c.Executor))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency: must be at least 1, got %d", c.Concurrency))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval: must be positive"))
	}
	if c.Poll.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("poll.default_timeout: must be positive"))
	}
	switch c.Health.Registry {
	case "elbv2", "http":
	default:
		errs = append(errs, fmt.Errorf("health.registry: unknown registry %q", c.Health.Registry))
	}
	return errors.Join(errs...)
}
