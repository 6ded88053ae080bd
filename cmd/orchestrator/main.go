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

// Command orchestrator runs the hierarchical multi-agent project
// orchestrator: a Registry of projects, a Supervisor that schedules
// Kobold workers against each project's ready tasks, and a Dragon
// websocket transport for interactive sessions.
//
// Usage:
//
//	orchestrator serve --config orchestrator.yaml
//	orchestrator version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/specforge/orchestrator"
	"github.com/specforge/orchestrator/pkg/analyzer"
	"github.com/specforge/orchestrator/pkg/config"
	"github.com/specforge/orchestrator/pkg/dragon"
	"github.com/specforge/orchestrator/pkg/llmprovider"
	"github.com/specforge/orchestrator/pkg/logger"
	"github.com/specforge/orchestrator/pkg/observability"
	"github.com/specforge/orchestrator/pkg/planning"
	"github.com/specforge/orchestrator/pkg/project"
	"github.com/specforge/orchestrator/pkg/recovery"
	"github.com/specforge/orchestrator/pkg/sandbox"
	"github.com/specforge/orchestrator/pkg/supervisor"
	"github.com/specforge/orchestrator/pkg/task"
	"github.com/specforge/orchestrator/pkg/transport"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd       `cmd:"" help:"Show version information."`
	Serve   ServeCmd         `cmd:"" help:"Start the supervisor and the Dragon transport."`
	Project ProjectCreateCmd `cmd:"" name:"create-project" help:"Register a new project under the configured projects root."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"orchestrator.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or custom)." default:"simple"`
}

// ProjectCreateCmd registers a new project in the registry, applying the
// configured sandbox defaults (pkg/config.SandboxConfig) unless overridden.
type ProjectCreateCmd struct {
	Name string `arg:"" help:"Project name."`
	Root string `arg:"" help:"Project root directory (created if missing)." type:"path"`

	SandboxMode string `name:"sandbox-mode" help:"Override the configured sandbox mode (workspace, relaxed, strict)."`
}

func (c *ProjectCreateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.ProjectsRoot, 0o755); err != nil {
		return fmt.Errorf("create projects root: %w", err)
	}

	registry, err := project.NewRegistry(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	mode := project.SandboxMode(cfg.Sandbox.Mode)
	if c.SandboxMode != "" {
		mode = project.SandboxMode(c.SandboxMode)
	}

	root := c.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(cfg.ProjectsRoot, root)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create project root: %w", err)
	}

	p, err := registry.Create(project.NewProjectInput{
		Name: c.Name,
		Root: root,
		Security: project.SecurityPolicy{
			Mode:                mode,
			AllowedExternalPath: cfg.Sandbox.AllowedExternalPaths,
		},
	})
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}

	fmt.Printf("created project %q (id=%s, root=%s)\n", p.Name, p.ID, p.Paths.Root)
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(orchestrator.GetVersion())
	return nil
}

// ServeCmd starts the supervisor loops and the Dragon transport.
type ServeCmd struct {
	Address string `help:"Override the listen address from config." placeholder:"ADDR"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	output := os.Stderr
	var cleanup func()
	if cli.LogFile != "" {
		f, fn, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		output, cleanup = f, fn
	}
	logger.Init(level, output, cli.LogFormat)
	if cleanup != nil {
		defer cleanup()
	}

	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}

	mgr, err := observability.NewManager(ctx, &cfg.Observability)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer mgr.Shutdown(context.Background())

	if err := os.MkdirAll(cfg.ProjectsRoot, 0o755); err != nil {
		return fmt.Errorf("create projects root: %w", err)
	}

	registry, err := project.NewRegistry(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	registry.SetMetrics(mgr.Metrics())

	driftWatcher, err := project.NewDriftWatcher(registry)
	if err != nil {
		return fmt.Errorf("start drift watcher: %w", err)
	}
	go driftWatcher.Run(ctx)

	tracker := task.NewTracker(func(projectID string) (string, error) {
		p, err := registry.Get(projectID)
		if err != nil {
			return "", err
		}
		return p.Paths.TasksDirectory, nil
	})
	tracker.SetMetrics(mgr.Metrics())
	for _, p := range registry.List() {
		if err := tracker.Load(p.ID); err != nil {
			slog.Error("failed to load persisted tasks", "project", p.ID, "error", err)
		}
	}

	claims := planning.NewClaimStore()
	learning := planning.NewLearningCache(cfg.LearningCacheSize)
	gate := recovery.NewProviderGate()

	providers := buildProviderResolver(cfg, registry)

	sup := supervisor.NewSupervisor(registry, tracker, claims, learning, gate)
	sup.Providers = providers
	sup.Planner = sup.Providers
	sup.SandboxPolicy = func(p *project.Project) sandbox.Policy {
		return sandbox.Policy{
			Mode:                 p.Security.Mode,
			WorkspaceRoot:        p.Paths.WorkspaceDirectory,
			AllowedExternalPaths: p.Security.AllowedExternalPath,
		}
	}
	sup.Config = supervisor.Config{
		ReflectEveryNIterations: cfg.Supervisor.ReflectEveryNIterations,
		MaxIterations:           cfg.Supervisor.MaxIterations,
		MaxIterationsPerStep:    cfg.Supervisor.MaxIterationsPerStep,
		LowConfidenceThreshold:  cfg.Supervisor.LowConfidenceThreshold,
		StuckTimeoutMinutes:     cfg.Supervisor.StuckTimeoutMinutes,
		AllowPlanModifications:  cfg.Supervisor.AllowPlanModifications,
		OnSpecificationDrift:    cfg.Supervisor.OnSpecificationDrift,
		MaxPromptTokens:         cfg.Supervisor.MaxPromptTokens,
	}

	interventions := make(chan supervisor.Intervention, 16)
	go sup.RunReflectionMonitor(ctx, interventions)
	go sup.RunStuckMonitor(ctx)
	go sup.RunScheduler(ctx)
	go logInterventions(ctx, interventions)

	analysisProvider := providers("", analyzer.AgentType(""))
	wyrm := analyzer.NewWyrm(registry, analysisProvider)
	wyvern := analyzer.NewWyvern(registry, tracker, analysisProvider)
	go wyrm.Run(ctx)
	go wyvern.Run(ctx)

	hubs := newHubRegistry(registry, tracker, sup.SandboxPolicy)

	srv := transport.NewServer(transport.Config{
		Address: cfg.Server.Address,
		Hubs:    hubs.resolve,
		Tracer:  mgr.Tracer(),
		Metrics: mgr.Metrics(),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()
	slog.Info("orchestrator listening", "address", cfg.Server.Address)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return srv.StopWithTimeout()
}

// buildProviderResolver is the injection point for llmprovider.Provider
// bindings. No concrete provider is constructed here (the LLM transport
// layer is out of scope): an operator supplies one by replacing this
// function, or by vendoring a provider package and registering it before
// Run is called.
func buildProviderResolver(cfg *config.Config, registry *project.Registry) func(string, analyzer.AgentType) llmprovider.Provider {
	return func(projectID string, agentType analyzer.AgentType) llmprovider.Provider {
		return nil
	}
}

func logInterventions(ctx context.Context, ch <-chan supervisor.Intervention) {
	for {
		select {
		case <-ctx.Done():
			return
		case iv := <-ch:
			slog.Warn("supervisor intervention", "kind", iv.Kind, "project", iv.ProjectID, "task", iv.TaskID, "reason", iv.Reason)
		}
	}
}

// hubRegistry lazily builds and caches a dragon.Hub per project, backed
// by that project's own dragon-history.json (spec.md §6.3), with a
// CouncilResponder wired to the same registry, tracker, and sandbox policy
// the Supervisor uses.
type hubRegistry struct {
	registry      *project.Registry
	tracker       *task.Tracker
	sandboxPolicy func(*project.Project) sandbox.Policy

	mu   sync.Mutex
	hubs map[string]*dragon.Hub
}

func newHubRegistry(registry *project.Registry, tracker *task.Tracker, sandboxPolicy func(*project.Project) sandbox.Policy) *hubRegistry {
	return &hubRegistry{
		registry:      registry,
		tracker:       tracker,
		sandboxPolicy: sandboxPolicy,
		hubs:          make(map[string]*dragon.Hub),
	}
}

func (r *hubRegistry) resolve(projectID string) (*dragon.Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hub, ok := r.hubs[projectID]; ok {
		return hub, true
	}

	p, err := r.registry.Get(projectID)
	if err != nil {
		return nil, false
	}

	store, err := dragon.NewStore(projectID, p.Paths.Root)
	if err != nil {
		slog.Error("failed to open dragon session store", "project", projectID, "error", err)
		return nil, false
	}

	council := dragon.NewCouncil(r.registry,
		&dragon.Sage{},
		&dragon.Seeker{SandboxPolicy: r.sandboxPolicy},
		&dragon.Sentinel{SandboxPolicy: r.sandboxPolicy},
		&dragon.Warden{Registry: r.registry, Tracker: r.tracker},
	)

	hub := dragon.NewHub(store, council)
	r.hubs[projectID] = hub
	return hub, true
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("orchestrator"),
		kong.Description("Hierarchical multi-agent project orchestrator."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(cli); err != nil {
		slog.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
}
