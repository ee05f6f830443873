package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/agent"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/config"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/memory"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/notify"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/observer"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/prompts"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/reaper"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/runstore"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/snapshot"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/store"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/supervisor"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/toolserver"
	"github.com/hochfrequenz/sandbox-orchestrator/web/api"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// app holds the wired services of one process
type app struct {
	cfg       *config.Config
	store     *store.Store
	runs      *runstore.Store
	memory    *memory.Store
	snapshots *snapshot.Engine
	manager   *sandbox.Manager
	tools     *toolserver.Server
	observer  *observer.Observer
	prompts   *prompts.Loader
	sup       *supervisor.Supervisor
}

func newProvider(cfg *config.Config) (sandbox.Provider, error) {
	if cfg.Sandbox.Provider == "docker" {
		p, err := sandbox.NewDockerProvider("sandbox-orch", cfg.Sandbox.PreviewPort)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	p, err := sandbox.NewLocalProvider(cfg.Sandbox.BaseDir, cfg.Sandbox.WorkDir)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newNotifier(cfg *config.Config) notify.Notifier {
	if cfg.Notifications.SlackWebhook == "" {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
}

// openStores opens only the persistent state, for read-only commands
func openStores(cfg *config.Config) (*store.Store, *runstore.Store, error) {
	ds, err := store.New(cfg.General.StorageDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening project store: %w", err)
	}
	runs, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening run database: %w", err)
	}
	return ds, runs, nil
}

func newSnapshotEngine(cfg *config.Config, ds *store.Store) *snapshot.Engine {
	return snapshot.New(ds, snapshot.Options{
		WorkDir: cfg.Sandbox.WorkDir,
		Roots:   cfg.Sandbox.SnapshotPaths,
		Exclude: cfg.Sandbox.ExcludeDirs,
	})
}

func newApp(cfg *config.Config) (*app, error) {
	ds, runs, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	if n, err := runs.MarkInterrupted(); err != nil {
		log.Printf("marking interrupted runs: %v", err)
	} else if n > 0 {
		log.Printf("marked %d interrupted runs as aborted", n)
	}

	provider, err := newProvider(cfg)
	if err != nil {
		runs.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		store:     ds,
		runs:      runs,
		memory:    memory.New(ds),
		snapshots: newSnapshotEngine(cfg, ds),
		observer:  observer.New(2 * time.Hour),
		prompts:   prompts.DefaultLoader(cfg.General.StorageDir),
	}
	a.manager = sandbox.NewManager(provider, a.snapshots, sandbox.ManagerConfig{
		Template:          cfg.Sandbox.Template,
		WorkDir:           cfg.Sandbox.WorkDir,
		CacheCleanCommand: cfg.Sandbox.CacheCleanCommand,
		IdleTimeout:       cfg.IdleTimeout(),
	})
	a.tools = toolserver.New(a.manager, a.memory, toolserver.Options{
		Name:         "sandbox-orch",
		Version:      version,
		WorkDir:      cfg.Sandbox.WorkDir,
		BuildCommand: cfg.Pipeline.ValidateCommand,
		ExcludeDirs:  cfg.Sandbox.ExcludeDirs,
	})

	stages, err := newStages(cfg, a.prompts)
	if err != nil {
		runs.Close()
		return nil, err
	}
	orch := pipeline.New(stages, a.manager, a.memory, pipeline.Config{
		MaxRetries:         cfg.Pipeline.MaxRetries,
		GlobalRetryCeiling: cfg.Pipeline.GlobalRetryCeiling,
		StageTimeout:       cfg.StageTimeout(),
	})

	a.sup = supervisor.New(orch, a.manager, supervisor.Options{
		Snapshots:   a.snapshots,
		History:     a.memory,
		Runs:        runs,
		Observer:    a.observer,
		Notifier:    newNotifier(cfg),
		PreviewPort: cfg.Sandbox.PreviewPort,
	})
	a.manager.SetEmitter(a.sup)
	a.tools.SetEmitter(a.sup)
	return a, nil
}

func newStages(cfg *config.Config, loader *prompts.Loader) (*agent.Stages, error) {
	cli, err := agent.NewCLIExecutor(agent.CLIConfig{
		Command:        cfg.Agent.Command,
		MCPURL:         cfg.Agent.MCPURL,
		WorkDir:        cfg.Sandbox.WorkDir,
		EssentialFiles: cfg.Pipeline.EssentialFiles,
	}, loader, nil)
	if err != nil {
		return nil, err
	}

	validate := &agent.ValidateExecutor{
		Command: cfg.Pipeline.ValidateCommand,
		WorkDir: cfg.Sandbox.WorkDir,
	}
	if cfg.Pipeline.AgentValidation {
		validate.Reviewer = cli
	}
	return &agent.Stages{
		Plan:     cli,
		Build:    cli,
		Validate: validate,
		Check: &agent.CheckExecutor{
			WorkDir:        cfg.Sandbox.WorkDir,
			EssentialFiles: cfg.Pipeline.EssentialFiles,
		},
	}, nil
}

func (a *app) apiServer(addr string) *api.Server {
	return api.NewServer(api.Deps{
		Runs:      a.sup,
		Sessions:  a.manager,
		Context:   a.memory,
		History:   a.runs,
		Snapshots: a.snapshots,
		Metrics:   a.observer,
		Tools:     a.tools,
		Projects:  a.store,
	}, api.Options{
		WorkDir:     a.cfg.Sandbox.WorkDir,
		ExcludeDirs: a.cfg.Sandbox.ExcludeDirs,
		PreviewPort: a.cfg.Sandbox.PreviewPort,
		Version:     version,
	}, addr)
}

func (a *app) newReaper() (*reaper.Reaper, error) {
	return reaper.New(a.cfg.Sandbox.ReapSchedule, a.manager, a.snapshots, a.sup)
}

// close stops runs, then tears down sandboxes after a final snapshot
func (a *app) close(ctx context.Context) {
	if err := a.sup.Close(ctx); err != nil {
		log.Printf("waiting for runs: %v", err)
	}
	for _, s := range a.manager.Sessions() {
		if h, ok := a.manager.Lookup(s.ProjectID); ok {
			if _, err := a.snapshots.Snapshot(ctx, s.ProjectID, h); err != nil {
				log.Printf("final snapshot of %s: %v", s.ProjectID, err)
			}
		}
	}
	a.manager.Close(ctx)
	a.runs.Close()
}
