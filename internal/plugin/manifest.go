package plugin

import (
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/plughost/internal/host"
)

const (
	// SupportedManifestVersion is the only manifest schema version accepted.
	SupportedManifestVersion = 1
	manifestFilename         = "manifest.yaml"
)

// Entry declares an invokable entry point.
type Entry struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Entries is the list of entry points a plugin exposes.
//
// Backward-compatible formats:
//   - legacy string array: entries: [echo, status]
//   - object array: entries: [{id: echo, description: "..."}]
type Entries []Entry

func (e *Entries) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*e = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("entries must be a sequence")
	}

	out := make([]Entry, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			id := strings.TrimSpace(item.Value)
			out = append(out, Entry{ID: id, Name: id})
		case yaml.MappingNode:
			var tmp Entry
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid entry object: %w", err)
			}
			tmp.ID = strings.TrimSpace(tmp.ID)
			if tmp.Name == "" {
				tmp.Name = tmp.ID
			}
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid entry (must be string or object)")
		}
	}

	*e = out
	return nil
}

// JSONSchema describes both accepted entry forms.
func (Entries) JSONSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("id", &jsonschema.Schema{Type: "string"})
	props.Set("name", &jsonschema.Schema{Type: "string"})
	props.Set("description", &jsonschema.Schema{Type: "string"})

	return &jsonschema.Schema{
		Type: "array",
		Items: &jsonschema.Schema{
			OneOf: []*jsonschema.Schema{
				{Type: "string"},
				{
					Type:                 "object",
					Properties:           props,
					Required:             []string{"id"},
					AdditionalProperties: jsonschema.FalseSchema,
				},
			},
		},
	}
}

// Manifest is the on-disk description of a plugin (manifest.yaml).
type Manifest struct {
	ManifestVersion int               `yaml:"manifest_version" json:"manifest_version" jsonschema:"enum=1"`
	Name            string            `yaml:"name" json:"name" jsonschema:"pattern=^[a-z][a-z0-9_-]*$"`
	Version         string            `yaml:"version,omitempty" json:"version,omitempty"`
	Description     string            `yaml:"description,omitempty" json:"description,omitempty"`
	Executable      string            `yaml:"executable" json:"executable"`
	Args            []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env             map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	AutoConnect     bool              `yaml:"auto_connect,omitempty" json:"auto_connect,omitempty"`
	Entries         Entries           `yaml:"entries" json:"entries"`
}

// Descriptor is a discovered, validated plugin. Descriptors are immutable
// once loaded; a reload replaces them wholesale.
type Descriptor struct {
	ID          string            `json:"plugin_id"`
	Version     string            `json:"version,omitempty"`
	Description string            `json:"description,omitempty"`
	Path        string            `json:"path"`
	Executable  string            `json:"executable"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"-"`
	AutoConnect bool              `json:"auto_connect"`
	Entries     []Entry           `json:"entries"`
	Digest      string            `json:"digest"`
}

// HasEntry checks if the plugin declares entryID.
func (d *Descriptor) HasEntry(entryID string) bool {
	for _, e := range d.Entries {
		if e.ID == entryID {
			return true
		}
	}
	return false
}

// EntryIDs returns the declared entry ids in manifest order.
func (d *Descriptor) EntryIDs() []string {
	out := make([]string, 0, len(d.Entries))
	for _, e := range d.Entries {
		out = append(out, e.ID)
	}
	return out
}

// HostSpec converts the descriptor into what a process host needs.
func (d *Descriptor) HostSpec() host.Spec {
	return host.Spec{
		PluginID:   d.ID,
		Executable: d.Executable,
		Args:       append([]string(nil), d.Args...),
		Env:        d.Env,
		Dir:        d.Path,
		Entries:    d.EntryIDs(),
	}
}
