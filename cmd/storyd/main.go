// Command storyd serves the story agents over HTTP and runs them from the
// command line.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flitsinc/storyforge/internal/agents"
	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/config"
	"github.com/flitsinc/storyforge/internal/engine"
	"github.com/flitsinc/storyforge/internal/eventbus"
	"github.com/flitsinc/storyforge/internal/pipeline"
	"github.com/flitsinc/storyforge/internal/prompt"
	"github.com/flitsinc/storyforge/internal/state"
	"github.com/flitsinc/storyforge/internal/telemetry"
)

func main() {
	root := &cobra.Command{
		Use:           "storyd",
		Short:         "Agent orchestration for collaborative fiction",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildInvokeCmd(), buildCompileCmd(), buildRolesCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is the wired process: storage, providers, agents and the runner.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *sql.DB
	store     *state.Store
	bus       *eventbus.Bus
	metrics   *telemetry.Metrics
	roles     *ai.Roles
	providers *ai.Providers
	suite     *agents.Suite
	runner    *engine.Runner
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		store:     state.NewStore(db),
		bus:       eventbus.NewBus(db),
		metrics:   telemetry.NewMetrics(),
		roles:     ai.DefaultRoles(),
		providers: ai.NewProviders(),
	}
	if err := a.registerProviders(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	roleDefaults := make(map[string]ai.ModelChoice, len(cfg.Roles))
	for role, setting := range cfg.Roles {
		roleDefaults[role] = ai.ModelChoice{Provider: setting.Provider, Model: setting.Model}
	}
	compiler := &prompt.Compiler{
		Registry: agents.Blocks(),
		Configs:  a.store,
		Source:   a.store,
		Scripts:  &prompt.ScriptEvaluator{Timeout: cfg.ScriptTimeout},
		Metrics:  a.metrics,
		Logger:   logger,
	}
	a.suite = agents.NewSuite(pipeline.Deps{
		Store:        a.store,
		Compiler:     compiler,
		Roles:        a.roles,
		Providers:    a.providers,
		Default:      ai.ModelChoice{Provider: cfg.DefaultProvider, Model: cfg.DefaultModel},
		RoleDefaults: roleDefaults,
		Bus:          a.bus,
		Metrics:      a.metrics,
		Logger:       logger,
	})
	a.runner = engine.NewRunner(a.suite.Registry, a.store, logger)
	a.runner.Metrics = a.metrics
	a.runner.Defaults = engine.Options{MaxDepth: cfg.MaxDepth, MaxCalls: cfg.MaxCalls, Timeout: cfg.Timeout}
	return a, nil
}

// registerProviders enables every provider with credentials. Providers
// without them stay unregistered and resolving to them fails.
func (a *app) registerProviders(ctx context.Context) error {
	for name, p := range a.cfg.Providers {
		var provider ai.Provider
		switch name {
		case "anthropic":
			provider = ai.NewAnthropicProvider(p.APIKey, p.BaseURL)
		case "openai":
			provider = ai.NewOpenAIProvider(p.APIKey, p.BaseURL)
		case "google":
			g, err := ai.NewGoogleProvider(ctx, p.APIKey)
			if err != nil {
				return fmt.Errorf("google provider: %w", err)
			}
			provider = g
		default:
			a.logger.Warn("unknown provider in config", "provider", name)
			continue
		}
		a.providers.Register(name, provider, a.cfg.ModelFor(name))
		a.logger.Info("provider enabled", "provider", name, "default_model", a.cfg.ModelFor(name))
	}
	for _, name := range []string{"anthropic", "openai", "google"} {
		if _, ok := a.providers.Get(name); !ok {
			a.logger.Info("provider disabled, no credentials", "provider", name)
		}
	}
	return nil
}

func (a *app) Close() error {
	a.suite.Flush()
	return a.db.Close()
}
