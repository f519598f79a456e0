package preset

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"ragline/internal/domain"

	"gopkg.in/yaml.v3"
)

// LoadFromDirectory loads preset definitions from YAML files in a directory.
// Files must have .yaml or .yml extension and conform to the Preset schema.
func LoadFromDirectory(dir string, logger *slog.Logger) ([]domain.Preset, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("presets directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read presets dir: %w", err)
	}

	var presets []domain.Preset
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read preset file", "path", path, "err", err)
			continue
		}

		var p domain.Preset
		if err := yaml.Unmarshal(data, &p); err != nil {
			logger.Warn("cannot parse preset file", "path", path, "err", err)
			continue
		}

		if p.Name == "" {
			p.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}

		logger.Info("loaded preset", "name", p.Name, "path", path)
		presets = append(presets, p)
	}

	return presets, nil
}
