package registry

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"
)

// manifest is one handler declaration file. Each file contributes exactly one
// named handler; a manifest is accepted iff name is non-empty and a factory
// exists for its executor key (defaulting to the name).
type manifest struct {
	Name        string                 `yaml:"name"`
	Executor    string                 `yaml:"executor"`
	Description string                 `yaml:"description"`
	Version     string                 `yaml:"version"`
	Params      map[string]interface{} `yaml:"params"`

	path string
}

// scanManifests loads every *.yaml / *.yml manifest under the given
// directories. Load failure of one file is isolated: log and continue.
func scanManifests(dirs []string, logger arbor.ILogger) []manifest {
	var manifests []manifest

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if logger != nil && !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("dir", dir).Msg("Failed to read handler directory")
			}
			continue
		}

		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}

			path := filepath.Join(dir, e.Name())
			m, err := loadManifest(path)
			if err != nil {
				if logger != nil {
					logger.Warn().Err(err).Str("path", path).Msg("Failed to load handler manifest")
				}
				continue
			}
			if m.Name == "" {
				if logger != nil {
					logger.Warn().Str("path", path).Msg("Handler manifest missing name, skipping")
				}
				continue
			}
			manifests = append(manifests, *m)
		}
	}

	return manifests
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m.path = path
	return &m, nil
}
