package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/itsneelabh/agentloop/ai"
	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/orchestration"
	"github.com/itsneelabh/agentloop/resilience"
	"github.com/itsneelabh/agentloop/telemetry"
	"github.com/itsneelabh/agentloop/tools"
)

// app bundles the components shared by serve and ask.
type app struct {
	cfg       *core.Config
	logger    *core.ProductionLogger
	telemetry *telemetry.Provider
	registry  *tools.Registry
	agent     *orchestration.OrchestratorAgent
}

func loadConfig(flags *globalFlags, extra ...core.Option) (*core.Config, error) {
	var opts []core.Option
	if flags.configPath != "" {
		opts = append(opts, core.WithConfigFile(flags.configPath))
	}
	if flags.logLevel != "" {
		opts = append(opts, core.WithLogLevel(flags.logLevel))
	}
	if flags.mock {
		opts = append(opts, core.WithMockAI())
	}
	opts = append(opts, extra...)
	return core.NewConfig(opts...)
}

func newApp(ctx context.Context, cfg *core.Config) (*app, error) {
	logger, err := core.NewProductionLogger(cfg.Logging, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tp, err := telemetry.Initialize(ctx, cfg.Name, cfg.Telemetry)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	model, err := buildModel(cfg.AI, logger)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = logger.Sync()
		return nil, err
	}

	registry := tools.NewRegistry(cfg.Orchestration.ToolBreaker, logger)
	if err := tools.RegisterRemoteTools(registry, cfg.Tools); err != nil {
		_ = tp.Shutdown(ctx)
		_ = logger.Sync()
		return nil, err
	}

	agent := orchestration.NewOrchestratorAgent(model, registry,
		orchestration.OrchestratorConfigFromCore(cfg.Orchestration), logger)

	logger.Info("Application initialized", map[string]interface{}{
		"operation": "app_init",
		"provider":  cfg.AI.Provider,
		"model":     cfg.AI.Model,
		"fallback":  cfg.AI.Fallback.Enabled(),
		"tools":     len(cfg.Tools),
	})

	return &app{cfg: cfg, logger: logger, telemetry: tp, registry: registry, agent: agent}, nil
}

// buildModel wires the primary provider behind context-overflow recovery,
// with the configured fallback provider as the last resort.
func buildModel(cfg core.AIConfig, logger core.Logger) (core.ModelProvider, error) {
	tokens := ai.NewTokenCounter()

	pc := ai.ProviderConfigFromCore(cfg, logger)
	pc.Tokens = tokens
	primary, err := ai.NewProvider(pc)
	if err != nil {
		return nil, fmt.Errorf("primary model: %w", err)
	}

	opts := []resilience.RecoveryOption{
		resilience.WithRecoveryLogger(logger),
		resilience.WithTokenEstimator(tokens),
	}
	if fc := ai.FallbackConfigFromCore(cfg, logger); fc != nil {
		fc.Tokens = tokens
		fallback, err := ai.NewProvider(fc)
		if err != nil {
			return nil, fmt.Errorf("fallback model: %w", err)
		}
		opts = append(opts, resilience.WithFallbackProvider(fallback, fc.Model))
	}

	return resilience.NewResilientModel(primary, resilience.NewTokenRecoveryCoordinator(primary, opts...)), nil
}

func newJobRepository(ctx context.Context, cfg core.JobsConfig, logger core.Logger) (orchestration.JobRepository, error) {
	if strings.EqualFold(cfg.Backend, "redis") {
		return orchestration.NewRedisJobRepositoryFromURL(ctx, cfg, orchestration.WithRepositoryLogger(logger))
	}
	return orchestration.NewMemoryJobRepository(cfg, orchestration.WithRepositoryLogger(logger)), nil
}

func (a *app) close(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("Telemetry shutdown failed", map[string]interface{}{
			"operation": "app_close",
			"error":     err.Error(),
		})
	}
	_ = a.logger.Sync()
}
