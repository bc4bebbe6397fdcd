// Package config holds the runtime tuning of the paravisor process. It is
// separate from the guest settings document: nothing here changes what the
// guest sees.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "PARAVISOR"

// Config holds process-wide paravisor configuration.
type Config struct {
	// SocketPath is the control-plane unix socket.
	// Env: PARAVISOR_SOCKET_PATH. Default: /run/paravisor/control.sock.
	SocketPath string `json:"socket_path" mapstructure:"socket_path"`
	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `json:"log_level" mapstructure:"log_level"`
	// LogBufferSize is the size in bytes of the in-memory log ring served
	// by the logs command. Default: 4096.
	LogBufferSize int `json:"log_buffer_size" mapstructure:"log_buffer_size"`
	// SidecarTimeout bounds the wait for one offloaded VP iteration before
	// the command is cancelled and the VP runs locally. Default: 2ms.
	SidecarTimeout time.Duration `json:"sidecar_timeout" mapstructure:"sidecar_timeout"`
	// SidecarRetries is how many times a full offload ring is retried
	// before falling back. Default: 3.
	SidecarRetries int `json:"sidecar_retries" mapstructure:"sidecar_retries"`
	// HypercallRepBudget is the number of reps processed before a pending
	// interrupt can preempt a rep hypercall. The settings document may
	// override it per partition. Default: 16.
	HypercallRepBudget int `json:"hypercall_rep_budget" mapstructure:"hypercall_rep_budget"`
	// TeardownTimeout bounds the wait for VPs to stop. Default: 5s.
	TeardownTimeout time.Duration `json:"teardown_timeout" mapstructure:"teardown_timeout"`
	// MaxControlConns caps concurrent control-plane connections. Default: 4.
	MaxControlConns int `json:"max_control_conns" mapstructure:"max_control_conns"`
	// Substrate names the virtualization backend partitions run on.
	// Default: sim.
	Substrate string `json:"substrate" mapstructure:"substrate"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		SocketPath:         "/run/paravisor/control.sock",
		LogLevel:           "info",
		LogBufferSize:      4096,
		SidecarTimeout:     2 * time.Millisecond,
		SidecarRetries:     3,
		HypercallRepBudget: 16,
		TeardownTimeout:    5 * time.Second,
		MaxControlConns:    4,
		Substrate:          "sim",
	}
}

// Load reads the optional config file and PARAVISOR_* environment
// overrides into a Config seeded with the defaults. Values already set on
// v (bound flags) take precedence over both. A missing file is not an
// error when file is empty.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	conf := DefaultConfig()
	setDefaults(v, conf)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	} else {
		v.SetConfigName("paravisor")
		v.AddConfigPath("/etc/paravisor")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setDefaults registers every key so AutomaticEnv can see it during
// Unmarshal.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("socket_path", c.SocketPath)
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("log_buffer_size", c.LogBufferSize)
	v.SetDefault("sidecar_timeout", c.SidecarTimeout)
	v.SetDefault("sidecar_retries", c.SidecarRetries)
	v.SetDefault("hypercall_rep_budget", c.HypercallRepBudget)
	v.SetDefault("teardown_timeout", c.TeardownTimeout)
	v.SetDefault("max_control_conns", c.MaxControlConns)
	v.SetDefault("substrate", c.Substrate)
}

func (c *Config) Validate() error {
	var errs []error
	if c.SocketPath == "" {
		errs = append(errs, fmt.Errorf("config: socket_path is empty"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("config: log_buffer_size must be positive, got %d", c.LogBufferSize))
	}
	if c.SidecarTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: sidecar_timeout must be positive, got %v", c.SidecarTimeout))
	}
	if c.SidecarRetries < 0 {
		errs = append(errs, fmt.Errorf("config: sidecar_retries must not be negative, got %d", c.SidecarRetries))
	}
	if c.HypercallRepBudget <= 0 {
		errs = append(errs, fmt.Errorf("config: hypercall_rep_budget must be positive, got %d", c.HypercallRepBudget))
	}
	if c.TeardownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: teardown_timeout must be positive, got %v", c.TeardownTimeout))
	}
	if c.MaxControlConns <= 0 {
		errs = append(errs, fmt.Errorf("config: max_control_conns must be positive, got %d", c.MaxControlConns))
	}
	if c.Substrate == "" {
		errs = append(errs, fmt.Errorf("config: substrate is empty"))
	}
	return errors.Join(errs...)
}

// Level returns the slog level of c.LogLevel. Validate has checked it.
func (c *Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
}
