package main

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/taskforge/internal/capability"
	"github.com/ShayCichocki/taskforge/internal/compose"
	"github.com/ShayCichocki/taskforge/internal/config"
	"github.com/ShayCichocki/taskforge/internal/orchestrator"
	"github.com/ShayCichocki/taskforge/internal/runtime"
	"github.com/ShayCichocki/taskforge/internal/store"
	"github.com/ShayCichocki/taskforge/pkg/models"

	"github.com/anthropics/anthropic-sdk-go"
)

var (
	flagConfig   string
	flagMemory   bool
	flagDryRun   bool
	flagPipeline string
)

// loadConfig loads configuration from the --config path or the default
// search locations.
func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.LoadFromPath(flagConfig)
	}
	return config.Load()
}

// openStore opens the configured store and applies migrations.
func openStore(cfg *config.Config) (store.Store, error) {
	if flagMemory || cfg.Storage.Memory {
		return store.NewMemory(), nil
	}
	path := cfg.Storage.DBPath
	if path == "" {
		path = store.DefaultDBPath()
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// seedFleet registers the configured agents, creating missing ones and
// refreshing the rest without touching their live load counters.
func seedFleet(s store.Store, cfg *config.Config) error {
	cfg.DefaultFleet()
	for _, spec := range cfg.Agents {
		maxTasks := spec.MaxConcurrentTasks
		if maxTasks <= 0 {
			maxTasks = 2
		}
		agent := &models.Agent{
			ID:                 spec.ID,
			Type:               models.AgentType(spec.Type),
			Name:               spec.Name,
			MaxConcurrentTasks: maxTasks,
			IsActive:           true,
		}
		if agent.Name == "" {
			agent.Name = spec.ID
		}
		agent.RecomputeStatus()

		existing, err := s.GetAgent(spec.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := s.CreateAgent(agent); err != nil {
				return fmt.Errorf("register agent %s: %w", spec.ID, err)
			}
		case err != nil:
			return fmt.Errorf("check agent %s: %w", spec.ID, err)
		default:
			existing.Name = agent.Name
			existing.Type = agent.Type
			existing.MaxConcurrentTasks = agent.MaxConcurrentTasks
			existing.IsActive = true
			if err := s.UpdateAgent(existing); err != nil {
				return fmt.Errorf("refresh agent %s: %w", spec.ID, err)
			}
		}
	}
	return nil
}

// buildCapabilities wires agent types to their execution backend:
// scripted canned responses for dry runs, the Anthropic API otherwise.
func buildCapabilities(cfg *config.Config) (*capability.Registry, error) {
	caps := capability.NewRegistry()
	if flagDryRun {
		caps.RegisterAll(capability.NewScripted())
		return caps, nil
	}

	backend, err := capability.NewAnthropic(capability.AnthropicConfig{
		APIKey:    cfg.Anthropic.APIKey,
		Model:     anthropic.Model(cfg.Anthropic.Model),
		MaxTokens: cfg.Anthropic.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	caps.RegisterAll(backend)
	return caps, nil
}

// buildOrchestrator assembles the full engine over an opened store.
func buildOrchestrator(cfg *config.Config, s store.Store) (*orchestrator.Orchestrator, *runtime.Pool, error) {
	pool := runtime.NewPool(cfg.Runtime.Workers, cfg.Runtime.QueueSize)

	caps, err := buildCapabilities(cfg)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	pipeline := compose.DefaultPipeline()
	if flagPipeline != "" {
		pipeline, err = compose.LoadPipeline(flagPipeline)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	orch, err := orchestrator.New(
		orchestrator.RequiredConfig{Store: s, Runtime: pool},
		orchestrator.WithPipeline(pipeline),
		orchestrator.WithCapabilities(caps),
		orchestrator.WithTaskTimeout(cfg.Runtime.TaskTimeout),
		orchestrator.WithRetryDelay(cfg.Retry.Delay),
	)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return orch, pool, nil
}
