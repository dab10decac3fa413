package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chronoplan/internal/calendar"
	"chronoplan/internal/config"
	"chronoplan/internal/engine"
	"chronoplan/internal/nlu"
	"chronoplan/internal/orchestrator"
	"chronoplan/internal/policy"
	"chronoplan/internal/router"
	"chronoplan/internal/session"
)

type configKey struct{}

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.DefaultConfig()
}

// app bundles the wired subsystems behind one Close.
type app struct {
	cfg      *config.Config
	events   *calendar.Store
	policies *policy.Store
	watcher  *policy.Watcher
	orch     *orchestrator.Orchestrator
}

// buildApp wires stores, model client, engine and orchestrator from
// config.
func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no API key configured; set GEMINI_API_KEY or llm.api_key")
	}

	events, err := calendar.NewStore(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}

	policies, err := policy.NewStore(cfg.Storage.PolicyPath, logger)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("opening policy store: %w", err)
	}

	var watcher *policy.Watcher
	if cfg.Storage.WatchPolicies {
		watcher, err = policy.NewWatcher(policies, logger)
		if err != nil {
			logger.Warn("policy watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(); err != nil {
			logger.Warn("policy watcher failed to start", zap.Error(err))
			watcher = nil
		}
	}

	client, err := nlu.NewGenAIClient(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLMTimeout())
	if err != nil {
		events.Close()
		return nil, err
	}
	planner := nlu.NewPlanner(client, logger, nil)
	eng := engine.New(
		engine.NewCalendarRegistry(events),
		engine.WriteFilter(policy.NewWriteFilter(policies.Enabled)),
		logger,
		nil,
	)

	orch := orchestrator.New(
		session.NewStore(logger),
		router.New(planner, logger),
		planner,
		planner,
		eng,
		logger,
	)

	return &app{
		cfg:      cfg,
		events:   events,
		policies: policies,
		watcher:  watcher,
		orch:     orch,
	}, nil
}

func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.events != nil {
		a.events.Close()
	}
}
