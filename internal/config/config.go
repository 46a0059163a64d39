package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig describes one statically configured worker node
type WorkerConfig struct {
	ID           string   `mapstructure:"id"`
	Address      string   `mapstructure:"address"`
	TLS          bool     `mapstructure:"tls"`
	Token        string   `mapstructure:"token"`
	Capabilities []string `mapstructure:"capabilities"`
	MaxJobs      int      `mapstructure:"max_jobs"`
	Region       string   `mapstructure:"region"`
}

// ScheduleConfig describes one recurring job submission
type ScheduleConfig struct {
	Name     string `mapstructure:"name"`
	Cron     string `mapstructure:"cron"`
	TaskType string `mapstructure:"task_type"`
	Payload  string `mapstructure:"payload"`
	Priority string `mapstructure:"priority"`
}

// Config is the full scheduler configuration surface
type Config struct {
	// Mode is "coordinator" (always offload) or "hybrid"
	Mode string `mapstructure:"mode"`

	Workers []WorkerConfig `mapstructure:"workers"`

	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`

	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	QueueHighWater   int           `mapstructure:"queue_high_water"`

	LocalMaxJobs int      `mapstructure:"local_max_jobs"`
	HeavyTypes   []string `mapstructure:"heavy_types"`

	MetricsFineInterval   time.Duration `mapstructure:"metrics_fine_interval"`
	MetricsCoarseInterval time.Duration `mapstructure:"metrics_coarse_interval"`

	// HistoryPath enables the SQLite attempt log when non-empty
	HistoryPath string `mapstructure:"history_path"`

	// NATSURL enables the JetStream event bus when non-empty
	NATSURL string `mapstructure:"nats_url"`

	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "hybrid")
	v.SetDefault("probe_interval", 30*time.Second)
	v.SetDefault("probe_timeout", 5*time.Second)
	v.SetDefault("failure_threshold", 3)
	v.SetDefault("dispatch_interval", 2*time.Second)
	v.SetDefault("default_timeout", 60*time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("queue_high_water", 10)
	v.SetDefault("local_max_jobs", 1)
	v.SetDefault("metrics_fine_interval", 5*time.Second)
	v.SetDefault("metrics_coarse_interval", 30*time.Second)
}

// Load reads configuration from the given YAML file (optional) with
// SCHED_* environment variable overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Env-and-defaults operation is fine without a file
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.Mode != "coordinator" && c.Mode != "hybrid" {
		return fmt.Errorf("invalid mode %q: must be coordinator or hybrid", c.Mode)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Workers))
	for i, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("worker %d: id is required", i)
		}
		if w.Address == "" {
			return fmt.Errorf("worker %q: address is required", w.ID)
		}
		if _, dup := seen[w.ID]; dup {
			return fmt.Errorf("worker %q: duplicate id", w.ID)
		}
		seen[w.ID] = struct{}{}
	}
	for i, s := range c.Schedules {
		if s.Cron == "" || s.TaskType == "" {
			return fmt.Errorf("schedule %d: cron and task_type are required", i)
		}
	}
	return nil
}
