// Package extensions describes the monitors and actions that can be deployed
// to agents and routes agent telemetry and action results to the Go handler
// owning each plugin.
package extensions

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is one plugin.yaml file.
type Manifest struct {
	ID       string      `yaml:"id"`
	Name     string      `yaml:"name"`
	Version  string      `yaml:"version"`
	Monitors []Extension `yaml:"monitors"`
	Actions  []Extension `yaml:"actions"`
}

// Extension is a single monitor or action script.
type Extension struct {
	ID string `yaml:"id"`
	// Script is the inline script body. ScriptFile, relative to the manifest,
	// is read into Script at load time.
	Script     string         `yaml:"script"`
	ScriptFile string         `yaml:"script_file"`
	Platforms  []string       `yaml:"platforms"`
	Config     map[string]any `yaml:"config"`
}

// SupportsPlatform reports whether the extension can run on platform. An
// empty platform list means every platform.
func (e Extension) SupportsPlatform(platform string) bool {
	if len(e.Platforms) == 0 {
		return true
	}
	return slices.ContainsFunc(e.Platforms, func(p string) bool {
		return strings.EqualFold(p, platform)
	})
}

func (m Manifest) Monitor(id string) (Extension, bool) {
	return find(m.Monitors, id)
}

func (m Manifest) Action(id string) (Extension, bool) {
	return find(m.Actions, id)
}

func find(exts []Extension, id string) (Extension, bool) {
	for _, e := range exts {
		if e.ID == id {
			return e, true
		}
	}
	return Extension{}, false
}

// ParseManifest decodes and validates a manifest. baseDir resolves
// script_file entries.
func ParseManifest(data []byte, baseDir string) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.ID == "" {
		return Manifest{}, fmt.Errorf("manifest missing id")
	}
	if err := resolveScripts(m.ID, "monitor", m.Monitors, baseDir); err != nil {
		return Manifest{}, err
	}
	if err := resolveScripts(m.ID, "action", m.Actions, baseDir); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func resolveScripts(pluginID, kind string, exts []Extension, baseDir string) error {
	seen := make(map[string]bool, len(exts))
	for i := range exts {
		e := &exts[i]
		if e.ID == "" {
			return fmt.Errorf("plugin %s: %s missing id", pluginID, kind)
		}
		if seen[e.ID] {
			return fmt.Errorf("plugin %s: duplicate %s %q", pluginID, kind, e.ID)
		}
		seen[e.ID] = true

		if e.Script == "" && e.ScriptFile != "" {
			path := e.ScriptFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("plugin %s: read %s script %s: %w", pluginID, kind, path, err)
			}
			e.Script = string(data)
		}
		if strings.TrimSpace(e.Script) == "" {
			return fmt.Errorf("plugin %s: %s %q has no script", pluginID, kind, e.ID)
		}
	}
	return nil
}

// LoadManifests reads every *.yaml / *.yml file in dir and one level of
// subdirectories (dir/<plugin>/plugin.yaml).
func LoadManifests(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read extensions dir %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if !entry.IsDir() {
			if isYAML(entry.Name()) {
				paths = append(paths, path)
			}
			continue
		}
		for _, name := range []string{"plugin.yaml", "plugin.yml"} {
			candidate := filepath.Join(path, name)
			if _, err := os.Stat(candidate); err == nil {
				paths = append(paths, candidate)
				break
			}
		}
	}
	sort.Strings(paths)

	manifests := make([]Manifest, 0, len(paths))
	ids := make(map[string]string, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", path, err)
		}
		m, err := ParseManifest(data, filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if prev, exists := ids[m.ID]; exists {
			return nil, fmt.Errorf("duplicate plugin id %q in %s and %s", m.ID, prev, path)
		}
		ids[m.ID] = path
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func isYAML(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
