// Package doctor checks a plughost configuration and its plugin roots
// without starting anything.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/plughost/internal/config"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/storage"
)

const minWatchDebounce = 50 * time.Millisecond

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool     `json:"valid"`
	Plugins  []string `json:"plugins,omitempty"`
	Errors   []Issue  `json:"errors,omitempty"`
	Warnings []Issue  `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered plugins.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateState(r)
	d.validateAPIConfig(r)
	d.validatePlugins(r)
	d.warnTimings(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateConfig(r *Result) {
	if err := d.cfg.Validate(); err != nil {
		d.addError(r, "config", "", err.Error())
	}
}

// validateState checks the journal location is usable by SQLite.
func (d *Doctor) validateState(r *Result) {
	path := d.cfg.State.Path
	if path == "" || path == ":memory:" {
		return
	}
	if err := storage.ValidateFilesystem(path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
	if d.cfg.State.Retention == 0 {
		d.addWarning(r, "state", "state.retention", "retention is 0; the run journal grows without bound")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if !isLoopback(host) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on %q without authentication; prefer a loopback address", d.cfg.API.Listen))
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validatePlugins scans the roots and reports every plugin discovery would skip.
func (d *Doctor) validatePlugins(r *Result) {
	found, skipped, err := plugin.Scan(d.cfg.Plugins.Roots)
	if err != nil {
		d.addError(r, "plugins", "plugins.roots", err.Error())
		return
	}

	for _, sk := range skipped {
		if sk.KeptPath != "" {
			d.addWarning(r, "plugins", sk.Path, fmt.Sprintf("%s; keeping %s", sk.Reason, sk.KeptPath))
			continue
		}
		d.addError(r, "plugins", sk.Path, sk.Reason)
	}

	if len(found) == 0 {
		d.addWarning(r, "plugins", "plugins.roots", "no plugins discovered")
		return
	}

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.Plugins = ids

	for _, id := range ids {
		desc := found[id]
		keys := make([]string, 0, len(desc.Env))
		for k := range desc.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, m := range envVarRe.FindAllStringSubmatch(desc.Env[k], -1) {
				if _, ok := os.LookupEnv(m[1]); !ok {
					d.addWarning(r, "env_vars", fmt.Sprintf("%s.env.%s", id, k),
						fmt.Sprintf("environment variable ${%s} not set", m[1]))
				}
			}
		}
	}
}

// warnTimings flags combinations that validate but behave poorly.
func (d *Doctor) warnTimings(r *Result) {
	runs, hosts := d.cfg.Runs, d.cfg.Hosts
	if runs.Retention > 0 && runs.Retention < runs.DefaultTimeout {
		d.addWarning(r, "runs", "runs.retention",
			fmt.Sprintf("retention %s is shorter than default_timeout %s; results may expire before clients poll", runs.Retention, runs.DefaultTimeout))
	}
	if hosts.GracePeriod > hosts.ShutdownTimeout {
		d.addWarning(r, "hosts", "hosts.grace_period",
			fmt.Sprintf("grace_period %s exceeds shutdown_timeout %s", hosts.GracePeriod, hosts.ShutdownTimeout))
	}
	if d.cfg.Plugins.Watch && d.cfg.Plugins.WatchDebounce < minWatchDebounce {
		d.addWarning(r, "plugins", "plugins.watch_debounce",
			fmt.Sprintf("watch_debounce %s is very short (< %s)", d.cfg.Plugins.WatchDebounce, minWatchDebounce))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		fmt.Fprintf(&b, "Configuration valid. %d plugin(s): %s\n", len(r.Plugins), strings.Join(r.Plugins, ", "))
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
