package config

import "time"

// Config represents the complete plughost configuration.
type Config struct {
	Service ServiceConfig `koanf:"service" yaml:"service"`
	State   StateConfig   `koanf:"state" yaml:"state"`
	API     APIConfig     `koanf:"api" yaml:"api"`
	Plugins PluginsConfig `koanf:"plugins" yaml:"plugins"`
	Runs    RunsConfig    `koanf:"runs" yaml:"runs"`
	Hosts   HostsConfig   `koanf:"hosts" yaml:"hosts"`
	Queues  QueuesConfig  `koanf:"queues" yaml:"queues"`

	// SourcePath and Digest describe the file the config was loaded from.
	SourcePath string `koanf:"-" yaml:"-"`
	Digest     string `koanf:"-" yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `koanf:"name" yaml:"name"`
	LogLevel string `koanf:"log_level" yaml:"log_level"`
}

// StateConfig defines run journal storage.
type StateConfig struct {
	Path string `koanf:"path" yaml:"path"`
	// Retention bounds how long completed runs stay in the journal.
	// Zero keeps them forever.
	Retention time.Duration `koanf:"retention" yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Listen  string `koanf:"listen" yaml:"listen"`
}

// PluginsConfig defines where manifests are discovered.
type PluginsConfig struct {
	Roots         []string      `koanf:"roots" yaml:"roots"`
	Watch         bool          `koanf:"watch" yaml:"watch"`
	WatchDebounce time.Duration `koanf:"watch_debounce" yaml:"watch_debounce"`
}

// RunsConfig defines run tracker behaviour.
type RunsConfig struct {
	DefaultTimeout time.Duration `koanf:"default_timeout" yaml:"default_timeout"`
	Retention      time.Duration `koanf:"retention" yaml:"retention"`
	SweepInterval  time.Duration `koanf:"sweep_interval" yaml:"sweep_interval"`
}

// HostsConfig defines plugin process shutdown timing.
type HostsConfig struct {
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	GracePeriod      time.Duration `koanf:"grace_period" yaml:"grace_period"`
	ShutdownDeadline time.Duration `koanf:"shutdown_deadline" yaml:"shutdown_deadline"`
}

// QueuesConfig sizes the event and message queues.
type QueuesConfig struct {
	EventCapacity   int           `koanf:"event_capacity" yaml:"event_capacity"`
	MessageCapacity int           `koanf:"message_capacity" yaml:"message_capacity"`
	DrainInterval   time.Duration `koanf:"drain_interval" yaml:"drain_interval"`
	DrainBatch      int           `koanf:"drain_batch" yaml:"drain_batch"`
}

// Defaults returns a Config with the values used when a key is absent.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "plughost",
			LogLevel: "info",
		},
		State: StateConfig{
			Path:      "./data/journal.db",
			Retention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Plugins: PluginsConfig{
			Watch:         true,
			WatchDebounce: 500 * time.Millisecond,
		},
		Runs: RunsConfig{
			DefaultTimeout: 30 * time.Second,
			Retention:      time.Hour,
			SweepInterval:  time.Minute,
		},
		Hosts: HostsConfig{
			ShutdownTimeout:  5 * time.Second,
			GracePeriod:      2 * time.Second,
			ShutdownDeadline: 15 * time.Second,
		},
		Queues: QueuesConfig{
			EventCapacity:   100,
			MessageCapacity: 100,
			DrainInterval:   250 * time.Millisecond,
			DrainBatch:      50,
		},
	}
}

// DefaultPluginRoot is used when plugins.roots is empty.
const DefaultPluginRoot = "./plugins"
