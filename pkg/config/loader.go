// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader reads a YAML config file through koanf, expands ${VAR} references
// against the environment, and unmarshals the result into a Config.
type Loader struct {
	path   string
	koanf  *koanf.Koanf
	parser *yaml.YAML
}

// NewLoader builds a Loader for the YAML file at path.
func NewLoader(path string) (*Loader, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return &Loader{
		path:   path,
		koanf:  koanf.New("."),
		parser: yaml.Parser(),
	}, nil
}

// Load reads the file, expands environment references, and returns a
// Config with defaults applied.
func (l *Loader) Load() (*Config, error) {
	if err := l.koanf.Load(file.Provider(l.path), l.parser); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.path, err)
	}

	if err := l.expandEnvVars(); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) expandEnvVars() error {
	expanded := ExpandEnvVarsInData(l.koanf.Raw())
	expandedMap, ok := expanded.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after environment expansion")
	}

	next := koanf.New(".")
	if err := next.Load(confmap.Provider(expandedMap, "."), nil); err != nil {
		return fmt.Errorf("failed to reload expanded config: %w", err)
	}
	l.koanf = next
	return nil
}

// LoadConfig is a convenience wrapper around NewLoader+Load for a single
// one-shot read (no reload support).
func LoadConfig(path string) (*Config, error) {
	loader, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return loader.Load()
}
