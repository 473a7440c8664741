package plugin

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Skipped is a plugin directory discovery could not use.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	// KeptPath is set when the plugin id was already taken by an earlier root.
	KeptPath string `json:"kept_path,omitempty"`
}

// Discover scans plugin roots for manifest.yaml files and returns the valid
// descriptors keyed by plugin id. Invalid plugins are logged and skipped.
// Roots are processed in input order; duplicate ids keep the first plugin found.
func Discover(pluginRoots []string, logger *slog.Logger) (map[string]*Descriptor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	found, skipped, err := Scan(pluginRoots)
	if err != nil {
		return nil, err
	}
	for _, sk := range skipped {
		if sk.KeptPath != "" {
			logger.Warn("duplicate plugin ignored (keeping first discovered)",
				"ignored_path", sk.Path,
				"kept_path", sk.KeptPath,
			)
			continue
		}
		logger.Warn("failed to load plugin", "path", sk.Path, "error", sk.Reason)
	}
	for _, id := range sortedIDs(found) {
		desc := found[id]
		logger.Info("loaded plugin", "plugin", desc.ID, "path", desc.Path, "version", desc.Version, "entries", len(desc.Entries))
	}
	return found, nil
}

// Scan is Discover without logging: it also reports what was skipped and why.
func Scan(pluginRoots []string) (map[string]*Descriptor, []Skipped, error) {
	absRoots, err := resolveRoots(pluginRoots)
	if err != nil {
		return nil, nil, err
	}

	found := make(map[string]*Descriptor)
	var skipped []Skipped
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			pluginPath := filepath.Dir(path)
			desc, err := loadPlugin(pluginPath, absRoots)
			if err != nil {
				skipped = append(skipped, Skipped{Path: pluginPath, Reason: err.Error()})
				return nil
			}

			if existing, ok := found[desc.ID]; ok {
				skipped = append(skipped, Skipped{
					Path:     desc.Path,
					Reason:   fmt.Sprintf("duplicate plugin id %q", desc.ID),
					KeptPath: existing.Path,
				})
				return nil
			}
			found[desc.ID] = desc
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan plugin root %s: %w", root, err)
		}
	}

	return found, skipped, nil
}

func resolveRoots(pluginRoots []string) ([]string, error) {
	absRoots := make([]string, 0, len(pluginRoots))
	seen := make(map[string]struct{}, len(pluginRoots))
	for _, root := range pluginRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve plugin root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("plugin root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat plugin root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("plugin root is not a directory: %s", absRoot)
		}
		if _, ok := seen[absRoot]; ok {
			continue
		}
		seen[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}
	if len(absRoots) == 0 {
		return nil, fmt.Errorf("at least one plugin root is required")
	}
	return absRoots, nil
}

// LoadManifest parses and validates a single manifest file.
func LoadManifest(manifestPath string) (*Manifest, []byte, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := ValidateSchema(data); err != nil {
		return nil, data, err
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, data, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, data, fmt.Errorf("invalid manifest: %w", err)
	}
	return &manifest, data, nil
}

// loadPlugin reads, validates and trust-checks a single plugin directory.
func loadPlugin(pluginPath string, roots []string) (*Descriptor, error) {
	manifest, data, err := LoadManifest(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, err
	}

	executable := filepath.Join(pluginPath, manifest.Executable)
	if err := validateTrustInRoots(executable, pluginPath, roots); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	sum := blake3.Sum256(data)
	return &Descriptor{
		ID:          manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		Path:        pluginPath,
		Executable:  executable,
		Args:        manifest.Args,
		Env:         manifest.Env,
		AutoConnect: manifest.AutoConnect,
		Entries:     manifest.Entries,
		Digest:      hex.EncodeToString(sum[:]),
	}, nil
}

// validateManifest covers what the schema cannot express.
func validateManifest(m *Manifest) error {
	if m.ManifestVersion != SupportedManifestVersion {
		return fmt.Errorf("unsupported manifest_version %d (supported: %d)", m.ManifestVersion, SupportedManifestVersion)
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Executable == "" {
		return fmt.Errorf("executable is required")
	}
	if filepath.IsAbs(m.Executable) || strings.Contains(m.Executable, "..") {
		return fmt.Errorf("executable must be a relative path inside the plugin directory: %s", m.Executable)
	}
	if len(m.Entries) == 0 {
		return fmt.Errorf("at least one entry must be declared")
	}

	seen := make(map[string]struct{}, len(m.Entries))
	for _, e := range m.Entries {
		if e.ID == "" {
			return fmt.Errorf("entry id is required")
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("duplicate entry %q", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

func validateTrustInRoots(executable, pluginPath string, pluginRoots []string) error {
	if len(pluginRoots) == 0 {
		return fmt.Errorf("no plugin roots configured")
	}

	resolvedExecutable, err := filepath.EvalSymlinks(executable)
	if err != nil {
		return fmt.Errorf("failed to resolve executable symlink: %w", err)
	}
	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}

	inApprovedRoot := false
	for _, root := range pluginRoots {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return fmt.Errorf("failed to resolve plugin root symlink %s: %w", root, err)
		}
		if strings.HasPrefix(resolvedExecutable, resolvedRoot+string(os.PathSeparator)) {
			inApprovedRoot = true
			break
		}
	}
	if !inApprovedRoot {
		return fmt.Errorf("executable %s is not under any configured plugin root", resolvedExecutable)
	}

	if !strings.HasPrefix(resolvedExecutable, resolvedPluginPath+string(os.PathSeparator)) {
		return fmt.Errorf("executable %s is not under plugin directory %s", resolvedExecutable, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedExecutable)
	if err != nil {
		return fmt.Errorf("executable not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("executable is not executable: %s", resolvedExecutable)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}

	return nil
}

func sortedIDs(m map[string]*Descriptor) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
