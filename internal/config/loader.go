package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// FlagKeys maps CLI flag names to config keys. Only flags the user set
// override the file.
var FlagKeys = map[string]string{
	"log-level":    "service.log_level",
	"state-path":   "state.path",
	"listen":       "api.listen",
	"plugins-root": "plugins.roots",
	"watch":        "plugins.watch",
}

// Load reads configuration from configPath, then layers any changed flags
// from fs on top. An empty configPath loads defaults plus flags.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		if info.IsDir() {
			absPath = filepath.Join(absPath, "config.yaml")
		}

		if err := k.Load(file.Provider(absPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", absPath, err)
		}
		digest, err := ComputeBlake3Hash(absPath)
		if err != nil {
			return nil, err
		}
		if err := verifyPinnedHash(absPath, digest); err != nil {
			return nil, err
		}
		cfg.SourcePath = absPath
		cfg.Digest = digest
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, changedFlag(fs)), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func changedFlag(fs *pflag.FlagSet) func(*pflag.Flag) (string, any) {
	return func(f *pflag.Flag) (string, any) {
		key, ok := FlagKeys[f.Name]
		if !ok || !f.Changed {
			return "", nil
		}
		return key, posflag.FlagVal(fs, f)
	}
}

// applyConfigDefaults fills values a file can leave empty, expands ${VAR}
// references, and resolves relative paths against the config directory.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if len(cfg.Plugins.Roots) == 0 {
		cfg.Plugins.Roots = []string{DefaultPluginRoot}
	}

	baseDir := ""
	if cfg.SourcePath != "" {
		baseDir = filepath.Dir(cfg.SourcePath)
	}
	cfg.State.Path = resolvePath(baseDir, interpolateEnv(cfg.State.Path))
	cfg.API.Listen = interpolateEnv(cfg.API.Listen)
	for i, root := range cfg.Plugins.Roots {
		cfg.Plugins.Roots[i] = resolvePath(baseDir, interpolateEnv(root))
	}
}

func resolvePath(baseDir, p string) string {
	if p == "" || p == ":memory:" || baseDir == "" || filepath.IsAbs(p) || envVarPattern.MatchString(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so Validate can name the missing variable.
		return match
	})
}

// Validate checks required fields and positive durations.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", c.Service.LogLevel)
	}

	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if err := checkUnresolved("state.path", c.State.Path); err != nil {
		return err
	}
	if c.State.Retention < 0 {
		return fmt.Errorf("state.retention must not be negative")
	}

	if c.API.Enabled {
		if c.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if err := checkUnresolved("api.listen", c.API.Listen); err != nil {
			return err
		}
	}

	if len(c.Plugins.Roots) == 0 {
		return fmt.Errorf("plugins.roots must list at least one directory")
	}
	for i, root := range c.Plugins.Roots {
		if strings.TrimSpace(root) == "" {
			return fmt.Errorf("plugins.roots[%d] is empty", i)
		}
		if err := checkUnresolved(fmt.Sprintf("plugins.roots[%d]", i), root); err != nil {
			return err
		}
	}

	positive := []struct {
		key string
		ok  bool
	}{
		{"plugins.watch_debounce", c.Plugins.WatchDebounce > 0},
		{"runs.default_timeout", c.Runs.DefaultTimeout > 0},
		{"runs.retention", c.Runs.Retention > 0},
		{"runs.sweep_interval", c.Runs.SweepInterval > 0},
		{"hosts.shutdown_timeout", c.Hosts.ShutdownTimeout > 0},
		{"hosts.grace_period", c.Hosts.GracePeriod > 0},
		{"hosts.shutdown_deadline", c.Hosts.ShutdownDeadline > 0},
		{"queues.event_capacity", c.Queues.EventCapacity > 0},
		{"queues.message_capacity", c.Queues.MessageCapacity > 0},
		{"queues.drain_interval", c.Queues.DrainInterval > 0},
		{"queues.drain_batch", c.Queues.DrainBatch > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%s must be positive", p.key)
		}
	}

	if c.Hosts.ShutdownDeadline < c.Hosts.ShutdownTimeout {
		return fmt.Errorf("hosts.shutdown_deadline (%s) must be at least hosts.shutdown_timeout (%s)",
			c.Hosts.ShutdownDeadline, c.Hosts.ShutdownTimeout)
	}
	return nil
}

func checkUnresolved(key, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", key, m[1])
	}
	return nil
}
