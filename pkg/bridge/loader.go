package bridge

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const loaderLogPrefix = "bridge:loader"

// ManifestEnv names the environment variable consulted after explicit paths.
const ManifestEnv = "MANIFEST_FILE"

// LoadManifest loads the first readable, valid manifest. It tries the given
// paths, then MANIFEST_FILE, then config/manifest.yaml and manifest.yaml,
// and falls back to DefaultManifest.
func LoadManifest(paths ...string) (*Manifest, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(ManifestEnv); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/manifest.yaml", "manifest.yaml")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		m, err := ParseManifest(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to load manifest %s: %v", loaderLogPrefix, p, err))
			continue
		}
		slog.Info(fmt.Sprintf("%s - Loaded manifest %q from %s (%d handlers)", loaderLogPrefix, m.Name, p, len(m.Handlers)))
		return m, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default manifest", loaderLogPrefix))
	return DefaultManifest(), nil
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s - failed to parse manifest: %w", loaderLogPrefix, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DefaultManifest answers "framebus.ping" from any of the usual app contexts.
func DefaultManifest() *Manifest {
	return &Manifest{
		Name:    "framebus-default",
		Version: "1.0.0",
		Handlers: []HandlerSpec{
			{
				MessageID: "framebus.ping",
				Contexts:  []string{"app://main"},
				Reply:     map[string]any{"pong": true},
			},
		},
	}
}
