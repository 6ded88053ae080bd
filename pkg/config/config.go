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

// Package config provides configuration loading for the orchestrator.
//
// The orchestrator is config-first: providers, per-agent-type resource
// limits, sandbox defaults, and server/observability settings are defined
// in YAML, overridable by environment variables and CLI flags.
//
// Example config:
//
//	projectsRoot: ./projects
//	server:
//	  address: ":8080"
//
//	providers:
//	  anthropic:
//	    model: claude-sonnet-4-20250514
//	    apiKey: ${ANTHROPIC_API_KEY}
//	  planning:
//	    model: claude-3-5-haiku-20241022
//	    apiKey: ${ANTHROPIC_API_KEY}
//
//	sandbox:
//	  mode: workspace
//
//	observability:
//	  tracing:
//	    enabled: true
//	    exporter: stdout
//	  metrics:
//	    enabled: true
package config

import (
	"fmt"
	"strings"

	"github.com/specforge/orchestrator/pkg/observability"
)

// ProviderConfig names the model a provider binds to along with its
// credentials. The orchestrator never constructs an llmprovider.Provider
// itself (spec.md §1: the LLM transport layer is out of scope) — this
// struct is only the injection point a caller uses to build one.
type ProviderConfig struct {
	Type   string `yaml:"type,omitempty"`
	Model  string `yaml:"model,omitempty"`
	APIKey string `yaml:"apiKey,omitempty"`
	BaseURL string `yaml:"baseUrl,omitempty"`
}

// SetDefaults fills in an empty Type from the entry's name, and an empty
// APIKey from that type's own API key env var.
func (c *ProviderConfig) SetDefaults(name string) {
	if c.Type == "" {
		c.Type = name
	}
	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(c.Type)
	}
}

// Validate checks a provider entry for completeness.
func (c *ProviderConfig) Validate(name string) error {
	if c.Model == "" {
		return fmt.Errorf("provider %q: model is required", name)
	}
	return nil
}

// SandboxConfig mirrors project.SecurityPolicy's defaults for projects
// that don't set their own sandbox section.
type SandboxConfig struct {
	Mode                 string   `yaml:"mode,omitempty"`
	AllowedExternalPaths []string `yaml:"allowedExternalPaths,omitempty"`
}

func (c *SandboxConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = "workspace"
	}
}

func (c *SandboxConfig) Validate() error {
	switch c.Mode {
	case "", "workspace", "relaxed", "strict":
		return nil
	default:
		return fmt.Errorf("sandbox.mode %q is not one of workspace, relaxed, strict", c.Mode)
	}
}

// SupervisorConfig mirrors supervisor.Config, the worker tuning knobs
// (spec.md §4.5). Zero values fall back to supervisor.Config's own
// documented defaults, so this type deliberately leaves them unset rather
// than duplicating the defaults here.
type SupervisorConfig struct {
	ReflectEveryNIterations int    `yaml:"reflectEveryNIterations,omitempty"`
	MaxIterations           int    `yaml:"maxIterations,omitempty"`
	MaxIterationsPerStep    int    `yaml:"maxIterationsPerStep,omitempty"`
	LowConfidenceThreshold  int    `yaml:"lowConfidenceThreshold,omitempty"`
	StuckTimeoutMinutes     int    `yaml:"stuckTimeoutMinutes,omitempty"`
	AllowPlanModifications  bool   `yaml:"allowPlanModifications,omitempty"`
	OnSpecificationDrift    string `yaml:"onSpecificationDrift,omitempty"`
	MaxPromptTokens         int    `yaml:"maxPromptTokens,omitempty"`
}

func (c *SupervisorConfig) SetDefaults() {
	if c.OnSpecificationDrift == "" {
		c.OnSpecificationDrift = "reload"
	}
}

func (c *SupervisorConfig) Validate() error {
	switch c.OnSpecificationDrift {
	case "", "reload", "abort":
		return nil
	default:
		return fmt.Errorf("supervisor.onSpecificationDrift %q is not one of reload, abort", c.OnSpecificationDrift)
	}
}

// ServerConfig configures the HTTP/websocket transport (pkg/transport).
type ServerConfig struct {
	Address string `yaml:"address,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
}

func (c *ServerConfig) Validate() error {
	if !strings.HasPrefix(c.Address, ":") && !strings.Contains(c.Address, ":") {
		return fmt.Errorf("server.address %q is not a valid listen address", c.Address)
	}
	return nil
}

// Config is the orchestrator's root configuration.
type Config struct {
	// ProjectsRoot is the directory projects are created under
	// (project.Paths.Root per project, spec.md §8).
	ProjectsRoot string `yaml:"projectsRoot,omitempty"`

	// RegistryPath is where the project registry's index file lives.
	RegistryPath string `yaml:"registryPath,omitempty"`

	// Providers maps a logical provider name (referenced by
	// AgentTypeOverride.Provider, or "default"/"planning" for the
	// process-wide fallbacks) to its binding.
	Providers map[string]*ProviderConfig `yaml:"providers,omitempty"`

	Sandbox       SandboxConfig           `yaml:"sandbox,omitempty"`
	Supervisor    SupervisorConfig        `yaml:"supervisor,omitempty"`
	Server        ServerConfig            `yaml:"server,omitempty"`
	Observability observability.Config    `yaml:"observability,omitempty"`
	Logger        *LoggerConfig           `yaml:"logger,omitempty"`

	// LearningCacheSize bounds planning.LearningCache's capacity.
	LearningCacheSize int `yaml:"learningCacheSize,omitempty"`
}

// SetDefaults fills in every omitted section with its default value.
func (c *Config) SetDefaults() {
	if c.ProjectsRoot == "" {
		c.ProjectsRoot = "./projects"
	}
	if c.RegistryPath == "" {
		c.RegistryPath = c.ProjectsRoot + "/projects.json"
	}
	if c.LearningCacheSize == 0 {
		c.LearningCacheSize = 50
	}
	if c.Providers == nil {
		c.Providers = make(map[string]*ProviderConfig)
	}
	for name, p := range c.Providers {
		if p == nil {
			c.Providers[name] = &ProviderConfig{}
			p = c.Providers[name]
		}
		p.SetDefaults(name)
	}

	c.Sandbox.SetDefaults()
	c.Supervisor.SetDefaults()
	c.Server.SetDefaults()
	c.Observability.SetDefaults()

	if c.Logger == nil {
		c.Logger = &LoggerConfig{}
	}
	c.Logger.SetDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.ProjectsRoot == "" {
		errs = append(errs, "projectsRoot is required")
	}

	for name, p := range c.Providers {
		if p == nil {
			continue
		}
		if err := p.Validate(name); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if err := c.Sandbox.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Supervisor.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Observability.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Logger != nil {
		if err := c.Logger.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("logger: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// GetProvider returns the named provider binding.
func (c *Config) GetProvider(name string) (*ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}
