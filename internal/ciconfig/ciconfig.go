// Package ciconfig reads the per-revision CI configuration a runner finds
// in a freshly cloned working copy.
package ciconfig

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// DefaultImage is used when a config omits the image field.
const DefaultImage = "ubuntu"

// FileName is the config file a runner looks for at the repository root.
const FileName = ".ci.yml"

// Step is a single command to run inside the container, with its
// dependencies installed first.
type Step struct {
	Name         string   `yaml:"name"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Cmd          string   `yaml:"command"`
}

// Config describes the image, environment and steps a runner executes for
// one revision.
type Config struct {
	Name      string            `yaml:"name"`
	ImageName string            `yaml:"image"`
	Env       map[string]string `yaml:"env,omitempty"`
	Steps     []Step            `yaml:"steps"`
}

// Load reads and parses dir/.ci.yml, defaulting ImageName when the file
// omits it.
func Load(dir string) (*Config, error) {
	cfg := &Config{ImageName: DefaultImage}
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, errors.Wrap(err, "read ci config")
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parse ci config")
	}
	if cfg.ImageName == "" {
		cfg.ImageName = DefaultImage
	}
	return cfg, nil
}
