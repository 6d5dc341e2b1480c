package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate for out-of-range settings.
var ErrInvalid = errors.New("config: invalid value")

// PortEnv names the environment variable that overrides server.port.
const PortEnv = "PORT"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Liveness LivenessConfig `yaml:"liveness"`
	Status   StatusConfig   `yaml:"status"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// LivenessConfig holds the sweep timings. They are read once at startup.
type LivenessConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	VisitExpiry     time.Duration `yaml:"visit_expiry"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ProbeWorkers    int           `yaml:"probe_workers"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

type StatusConfig struct {
	RecentEvents int `yaml:"recent_events"`
}

type LogConfig struct {
	Level  string        `yaml:"level"`
	Format string        `yaml:"format"`
	Stdout bool          `yaml:"stdout"`
	File   LogFileConfig `yaml:"file"`
}

type LogFileConfig struct {
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Liveness: LivenessConfig{
			SweepInterval:   5 * time.Second,
			VisitExpiry:     2 * time.Second,
			WriteTimeout:    5 * time.Second,
			ProbeWorkers:    64,
			MaxMessageBytes: 4096,
		},
		Status: StatusConfig{
			RecentEvents: 50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Stdout: true,
			File: LogFileConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     7,
			},
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(PortEnv); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "%s=%q is not a port", PortEnv, v)
		}
		c.Server.Port = port
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Wrapf(ErrInvalid, "server.port %d out of range", c.Server.Port)
	}
	if c.Liveness.SweepInterval <= 0 {
		return errors.Wrapf(ErrInvalid, "liveness.sweep_interval must be positive, got %s", c.Liveness.SweepInterval)
	}
	if c.Liveness.VisitExpiry <= 0 {
		return errors.Wrapf(ErrInvalid, "liveness.visit_expiry must be positive, got %s", c.Liveness.VisitExpiry)
	}
	if c.Liveness.WriteTimeout <= 0 {
		return errors.Wrapf(ErrInvalid, "liveness.write_timeout must be positive, got %s", c.Liveness.WriteTimeout)
	}
	if c.Liveness.ProbeWorkers <= 0 {
		return errors.Wrapf(ErrInvalid, "liveness.probe_workers must be positive, got %d", c.Liveness.ProbeWorkers)
	}
	return nil
}
