package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomhq/loom/internal/chat"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/planner"
	"github.com/loomhq/loom/internal/registry"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/toolcall"
	"github.com/loomhq/loom/pkg/models"
)

// runtime wires the process-wide services: storage, config store, MCP pool,
// tool registry, model client, pipeline, orchestrator, planner, executor.
// They are constructed once and handed to each chat by shared reference.
type runtime struct {
	stores       storage.Stores
	configStore  *config.Store
	pool         *mcp.Pool
	registry     *registry.Registry
	handler      *toolcall.Handler
	modelClient  model.Client
	pipeline     *chat.Pipeline
	orchestrator *chat.Orchestrator
	planner      *planner.Planner
	executor     *planner.Executor
	fileCfg      *config.File
}

// newRuntime assembles the runtime from the config file (or defaults).
func newRuntime() (*runtime, error) {
	var fileCfg *config.File
	var err error
	if configPath != "" {
		fileCfg, err = config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		fileCfg = config.DefaultFile()
	}

	logger := slog.Default()

	sqlite, err := storage.OpenSQLite(fileCfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	stores := sqlite.Stores()

	configStore := config.NewStore(stores.KV, logger)
	seedServers(configStore, fileCfg, logger)

	pool := mcp.NewPool(configStore, logger)
	security := registry.NewSecurityManager(stores.KV, logger)
	reg := registry.New(stores.KV, security, logger)

	native := toolcall.NewNativeTools()
	for _, desc := range native.Descriptors() {
		if err := reg.Register(registry.RegistrationRequest{
			Descriptor: desc,
			Kind:       models.ToolKindNative,
			Source:     toolcall.NativeSource,
			Overwrite:  true,
		}); err != nil {
			logger.Warn("failed to register native tool", "tool", desc.Name, "error", err)
		}
	}

	handler := toolcall.NewHandler(pool, reg, native, logger)

	modelClient := model.NewOpenAIClient(model.OpenAIConfig{
		APIKey:  fileCfg.Model.APIKey,
		BaseURL: fileCfg.Model.BaseURL,
		Model:   fileCfg.Model.Model,
	}, logger)

	pipeline := chat.NewPipeline(modelClient, stores.Messages, logger)
	orchestrator := chat.NewOrchestrator(chat.OrchestratorOptions{
		Pipeline: pipeline,
		Handler:  handler,
		Registry: reg,
		Messages: stores.Messages,
		Logger:   logger,
	})

	plan := planner.NewPlanner(modelClient, reg, pool, logger).
		WithTimeout(fileCfg.PlanningTimeout).
		WithModel(fileCfg.Model.Model)
	exec := planner.NewExecutor(modelClient, handler, logger).
		WithModel(fileCfg.Model.Model)

	return &runtime{
		stores:       stores,
		configStore:  configStore,
		pool:         pool,
		registry:     reg,
		handler:      handler,
		modelClient:  modelClient,
		pipeline:     pipeline,
		orchestrator: orchestrator,
		planner:      plan,
		executor:     exec,
		fileCfg:      fileCfg,
	}, nil
}

// seedServers writes the bootstrap server definitions from the config file
// into the config store.
func seedServers(store *config.Store, fileCfg *config.File, logger *slog.Logger) {
	for _, srv := range fileCfg.MCPServers {
		cfg := &mcp.ServerConfig{
			ID:        srv.ID,
			Name:      srv.Name,
			Transport: mcp.TransportType(srv.Transport),
			IsActive:  true,
		}
		switch cfg.Transport {
		case mcp.TransportPipe:
			cfg.Pipe = &mcp.PipeConfig{Command: srv.Command, Args: srv.Args, Env: srv.Env}
		case mcp.TransportSSE, mcp.TransportHTTP:
			cfg.HTTP = &mcp.HTTPConfig{URL: srv.URL, Headers: srv.Headers}
		}
		if err := store.SaveMCPServer(cfg); err != nil {
			logger.Warn("failed to seed MCP server", "server", srv.ID, "error", err)
		}
	}
}

// connectActiveServers connects every active configured server and refreshes
// the registry's view of its tools.
func (r *runtime) connectActiveServers(ctx context.Context) {
	servers, err := r.configStore.ListMCPServers()
	if err != nil {
		slog.Error("failed to list MCP servers", "error", err)
		return
	}
	for i := range servers {
		srv := servers[i]
		if !srv.IsActive {
			continue
		}
		if err := r.pool.CreateClient(ctx, &srv); err != nil {
			slog.Warn("failed to connect MCP server", "server", srv.ID, "error", err)
			continue
		}
		if client, ok := r.pool.Client(srv.ID); ok {
			tools := client.Tools()
			r.registry.DiscoverServerTools(srv.ID, tools)
			if err := r.configStore.SaveToolsCache(srv.ID, tools); err != nil {
				slog.Warn("failed to cache tools", "server", srv.ID, "error", err)
			}
		}
	}
}

// close tears the runtime down: the MCP pool first, then storage.
func (r *runtime) close() {
	r.pool.StopAll()
	if err := r.stores.Close(); err != nil {
		slog.Warn("failed to close stores", "error", err)
	}
}

// toolTimeout returns the configured per-tool timeout.
func (r *runtime) toolTimeout() time.Duration {
	return r.fileCfg.ToolTimeout
}
