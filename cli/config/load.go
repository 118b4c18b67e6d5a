package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up in the working directory when no
// --config flag is given.
const DefaultFile = "codechat.yaml"

// Load reads a YAML config file, expands environment references and decodes
// it. Unknown keys are rejected so typos surface early.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes config data. name labels errors.
func Parse(data []byte, name string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML in %s: %w", name, err)
	}
	return &cfg, nil
}

// LoadDefault loads DefaultFile from dir if it exists. A missing file yields
// a nil config and no error.
func LoadDefault(dir string) (*Config, error) {
	path := filepath.Join(dir, DefaultFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return Load(path)
}
