package plugin

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/log"
)

const validManifest = `manifest_version: 1
name: %s
version: 0.1.0
executable: run.sh
entries:
  - echo
  - id: status
    description: report status
`

func writePlugin(t *testing.T, root, name, manifest string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if strings.Contains(manifest, "%s") {
		manifest = strings.ReplaceAll(manifest, "%s", name)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFilename), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return dir
}

func TestDiscoverValidPlugin(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echo", validManifest)

	found, err := Discover([]string{root}, log.Discard())
	require.NoError(t, err)
	require.Contains(t, found, "echo")

	d := found["echo"]
	assert.Equal(t, "0.1.0", d.Version)
	assert.Equal(t, []string{"echo", "status"}, d.EntryIDs())
	assert.Equal(t, "echo", d.Entries[0].Name, "legacy string entries get a name")
	assert.Equal(t, "report status", d.Entries[1].Description)
	assert.True(t, filepath.IsAbs(d.Executable))
	assert.Len(t, d.Digest, 64)

	spec := d.HostSpec()
	assert.Equal(t, "echo", spec.PluginID)
	assert.Equal(t, d.Path, spec.Dir)
	assert.Equal(t, []string{"echo", "status"}, spec.Entries)
}

func TestDiscoverSkipsInvalidPlugins(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		mutate   func(t *testing.T, dir string)
	}{
		{
			name:     "wrong manifest version",
			manifest: strings.Replace(validManifest, "manifest_version: 1", "manifest_version: 2", 1),
		},
		{
			name:     "unknown field",
			manifest: validManifest + "bogus: true\n",
		},
		{
			name:     "no entries",
			manifest: "manifest_version: 1\nname: %s\nexecutable: run.sh\nentries: []\n",
		},
		{
			name:     "missing executable",
			manifest: "manifest_version: 1\nname: %s\nentries: [echo]\n",
		},
		{
			name:     "path traversal",
			manifest: "manifest_version: 1\nname: %s\nexecutable: ../run.sh\nentries: [echo]\n",
		},
		{
			name:     "bad name",
			manifest: strings.Replace(validManifest, "name: %s", "name: Not_Valid", 1),
		},
		{
			name:     "duplicate entry",
			manifest: "manifest_version: 1\nname: %s\nexecutable: run.sh\nentries: [echo, echo]\n",
		},
		{
			name:     "not executable",
			manifest: validManifest,
			mutate: func(t *testing.T, dir string) {
				require.NoError(t, os.Chmod(filepath.Join(dir, "run.sh"), 0o644))
			},
		},
		{
			name:     "world writable directory",
			manifest: validManifest,
			mutate: func(t *testing.T, dir string) {
				require.NoError(t, os.Chmod(dir, 0o777))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			dir := writePlugin(t, root, "broken", tt.manifest)
			if tt.mutate != nil {
				tt.mutate(t, dir)
			}

			found, err := Discover([]string{root}, log.Discard())
			require.NoError(t, err)
			assert.Empty(t, found)
		})
	}
}

func TestDiscoverDuplicateKeepsFirstRoot(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	keep := writePlugin(t, first, "echo", validManifest)
	writePlugin(t, second, "echo", validManifest)

	found, err := Discover([]string{first, second}, log.Discard())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, keep, found["echo"].Path)
}

func TestScanReportsSkipped(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	keep := writePlugin(t, first, "echo", validManifest)
	dup := writePlugin(t, second, "echo", validManifest)
	bad := writePlugin(t, second, "bad", "name: bad\n")

	found, skipped, err := Scan([]string{first, second})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Len(t, skipped, 2)

	byPath := map[string]Skipped{}
	for _, sk := range skipped {
		byPath[sk.Path] = sk
	}
	assert.Equal(t, keep, byPath[dup].KeptPath)
	assert.Contains(t, byPath[dup].Reason, "duplicate")
	assert.Empty(t, byPath[bad].KeptPath)
	assert.NotEmpty(t, byPath[bad].Reason)
}

func TestDiscoverRootErrors(t *testing.T) {
	_, err := Discover(nil, log.Discard())
	assert.Error(t, err)

	_, err = Discover([]string{filepath.Join(t.TempDir(), "missing")}, log.Discard())
	assert.Error(t, err)
}

func TestGenerateSchemaIsVersioned(t *testing.T) {
	raw, err := GenerateSchema()
	require.NoError(t, err)
	assert.Contains(t, string(raw), schemaID)
	assert.Contains(t, string(raw), "manifest_version")
}

func TestValidateSchemaAcceptsBothEntryForms(t *testing.T) {
	require.NoError(t, ValidateSchema([]byte(strings.ReplaceAll(validManifest, "%s", "echo"))))
	assert.Error(t, ValidateSchema([]byte("manifest_version: 1\nname: echo\nexecutable: run.sh\nentries: [{name: x}]\n")))
	assert.Error(t, ValidateSchema(nil))
}
