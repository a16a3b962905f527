package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the manifest file name inside a plugin version directory
	FileName = "manifest.yaml"

	// MigrationExt is the only accepted migration file extension
	MigrationExt = ".db"
)

// ErrNotFound is returned when no manifest exists for a plugin version
var ErrNotFound = errors.New("manifest not found")

// Manifest describes one plugin version
type Manifest struct {
	Name        string    `yaml:"name"`
	Version     string    `yaml:"version"`
	Description string    `yaml:"description"`
	Services    []Service `yaml:"services"`
	Migrations  []string  `yaml:"migration"`

	// Dir is the directory the manifest was loaded from
	Dir string `yaml:"-"`
}

// Service is a service entry of a manifest
type Service struct {
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description"`
	DefaultConfig map[string]any `yaml:"default_configuration"`
	ConfigSchema  map[string]any `yaml:"config_schema"`
}

// Path returns the manifest location of a plugin version under pluginDir
func Path(pluginDir, name, version string) string {
	return filepath.Join(pluginDir, name, version, FileName)
}

// Discover loads and validates the manifest of name:version
func Discover(pluginDir, name, version string) (*Manifest, error) {
	key := types.PluginKey{Name: name, Version: version}
	path := Path(pluginDir, name, version)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Error while discovering manifest for plugin `%s`: %w: %s", key, ErrNotFound, path)
		}
		return nil, fmt.Errorf("Error while discovering manifest for plugin `%s`: %w", key, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if m.Name != name || m.Version != version {
		return nil, fmt.Errorf("manifest at %s describes `%s:%s`, expected `%s`", path, m.Name, m.Version, key)
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

// Parse decodes and validates a manifest
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields, the version, migration file names and
// default configurations
func (m *Manifest) Validate() error {
	switch {
	case m.Name == "":
		return errors.New("missing field `name`")
	case m.Version == "":
		return errors.New("missing field `version`")
	case len(m.Services) == 0:
		return errors.New("missing field `services`")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("invalid version `%s`: %v", m.Version, err)
	}

	seen := make(map[string]bool, len(m.Services))
	for _, svc := range m.Services {
		if svc.Name == "" {
			return errors.New("missing field `name` in service definition")
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service `%s`", svc.Name)
		}
		seen[svc.Name] = true

		if svc.ConfigSchema == nil {
			continue
		}
		schema, err := json.Marshal(svc.ConfigSchema)
		if err != nil {
			return fmt.Errorf("invalid config schema of service `%s`: %v", svc.Name, err)
		}
		if err := ValidateConfig(schema, svc.DefaultConfig); err != nil {
			return fmt.Errorf("invalid default configuration of service `%s`: %w", svc.Name, err)
		}
	}

	files := make(map[string]bool, len(m.Migrations))
	for _, file := range m.Migrations {
		if filepath.Ext(file) != MigrationExt {
			return fmt.Errorf("invalid extension of migration file `%s`, expected `%s`", file, MigrationExt)
		}
		if files[file] {
			return fmt.Errorf("duplicate migration file `%s`", file)
		}
		files[file] = true
	}
	return nil
}

// Key returns the plugin key
func (m *Manifest) Key() types.PluginKey {
	return types.PluginKey{Name: m.Name, Version: m.Version}
}

// Plugin converts the manifest into a catalog entry
func (m *Manifest) Plugin() types.Plugin {
	p := types.Plugin{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Migrations:  append([]string(nil), m.Migrations...),
	}
	for _, svc := range m.Services {
		p.Services = append(p.Services, svc.Name)
	}
	return p
}

// ServiceDefs converts the service entries into service definitions
func (m *Manifest) ServiceDefs() ([]*types.ServiceDef, error) {
	defs := make([]*types.ServiceDef, 0, len(m.Services))
	for _, svc := range m.Services {
		def := &types.ServiceDef{
			Plugin:      m.Name,
			Version:     m.Version,
			Name:        svc.Name,
			Description: svc.Description,
		}
		if svc.ConfigSchema != nil {
			schema, err := json.Marshal(svc.ConfigSchema)
			if err != nil {
				return nil, fmt.Errorf("invalid config schema of service `%s`: %v", svc.Name, err)
			}
			def.Schema = schema
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Defaults returns the default configuration per service, normalized to
// JSON value types
func (m *Manifest) Defaults() (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(m.Services))
	for _, svc := range m.Services {
		values, err := NormalizeValues(svc.DefaultConfig)
		if err != nil {
			return nil, fmt.Errorf("invalid default configuration of service `%s`: %w", svc.Name, err)
		}
		out[svc.Name] = values
	}
	return out, nil
}

// MigrationPath returns the absolute path of a migration file. Paths are
// relative to the manifest directory and may not escape it.
func (m *Manifest) MigrationPath(file string) (string, error) {
	path := filepath.Join(m.Dir, file)
	if rel, err := filepath.Rel(m.Dir, path); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("migration file `%s` is outside of plugin directory", file)
	}
	return path, nil
}

// ValidateConfig validates values against a JSON schema document
func ValidateConfig(schema []byte, values map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("failed to parse config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.json", doc); err != nil {
		return fmt.Errorf("failed to load config schema: %w", err)
	}
	compiled, err := c.Compile("config.json")
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	// Validate the JSON form so YAML and Go numeric types agree
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return compiled.Validate(inst)
}

// NormalizeValues converts a configuration map to the value types produced
// by decoding JSON, which is how configurations are stored
func NormalizeValues(values map[string]any) (map[string]any, error) {
	if values == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CompareVersions orders two versions semantically. Unparsable versions
// compare as strings after all valid ones.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}
