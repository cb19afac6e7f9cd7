package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hodei/pipelines/pkg/api"
	"github.com/hodei/pipelines/pkg/config"
	"github.com/hodei/pipelines/pkg/engine"
	"github.com/hodei/pipelines/pkg/events"
	"github.com/hodei/pipelines/pkg/httpapi"
	"github.com/hodei/pipelines/pkg/log"
	"github.com/hodei/pipelines/pkg/orchestrator"
	"github.com/hodei/pipelines/pkg/provider"
	"github.com/hodei/pipelines/pkg/queue"
	"github.com/hodei/pipelines/pkg/registry"
	"github.com/hodei/pipelines/pkg/scheduler"
	"github.com/hodei/pipelines/pkg/storage"
	"github.com/hodei/pipelines/pkg/types"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator",
	Long: `Run the Hodei orchestrator: job intake, scheduling, the worker
session endpoint and the HTTP API, configured from a YAML file.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringP("config", "c", "", "Configuration file (YAML)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("server")

	var store storage.Store
	if cfg.Server.DataDir != "" {
		bolt, err := storage.NewBoltStore(cfg.Server.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		store = bolt
	} else {
		logger.Warn().Msg("no data dir configured, state is in-memory only")
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	q := queue.New()
	broker := events.NewBroker()
	orch := orchestrator.New(store, q, broker)

	workers := registry.NewWorkerRegistry(registry.WorkerRegistryConfig{
		HeartbeatInterval: cfg.Registry.HeartbeatInterval.Std(),
		MissedBeats:       cfg.Registry.MissedBeats,
	})
	pools := registry.NewPoolRegistry(workers, registry.PoolRegistryConfig{
		PollInterval: cfg.Registry.PollInterval.Std(),
		StaleAfter:   cfg.Registry.StaleAfter.Std(),
	})

	sched, err := scheduler.New(q, pools, scheduler.Config{
		Strategy:     cfg.Scheduler.Strategy,
		TickInterval: cfg.Scheduler.TickInterval.Std(),
		Weights: scheduler.LeastLoadedWeights{
			CPU:     cfg.Scheduler.Weights.CPU,
			Memory:  cfg.Scheduler.Weights.Memory,
			Workers: cfg.Scheduler.Weights.Workers,
		},
	})
	if err != nil {
		return err
	}

	eng := engine.New(store, workers, pools, broker, engine.Config{
		ProvisionTimeout: cfg.Engine.ProvisionTimeout.Std(),
		AcquireInterval:  cfg.Engine.AcquireInterval.Std(),
		CancelGrace:      cfg.Engine.CancelGrace.Std(),
	})
	grpcServer := api.NewServer(workers, pools, eng)
	httpServer := httpapi.NewServer(cfg.Server.HTTPAddr, orch, workers, pools, store)

	if cfg.Server.DataDir != "" {
		artifacts, err := engine.NewFileArtifactStore(cfg.Server.DataDir + "/artifacts")
		if err != nil {
			return err
		}
		eng.SetArtifactSource(artifacts)
	} else {
		eng.SetArtifactSource(engine.NewMemoryArtifactStore())
	}

	// Component wiring: submissions and freed capacity trigger scheduling,
	// placements flow into the engine, cancellations flow back through it.
	orch.SetTickFunc(sched.Tick)
	orch.SetCancelFunc(eng.Cancel)
	sched.SetPlaceFunc(eng.Place)
	sched.SetEvictFunc(orch.HandleEviction)
	sched.SetTemplateFunc(func(poolID string) *types.WorkerTemplate {
		if pool, ok := pools.Get(poolID); ok && pool.TemplateID != "" {
			if tpl, err := store.GetTemplate(pool.TemplateID); err == nil {
				return tpl
			}
		}
		if templates, err := store.ListTemplatesByPool(poolID); err == nil && len(templates) > 0 {
			return templates[0]
		}
		return nil
	})
	eng.SetSender(grpcServer)
	eng.SetTickFunc(sched.Tick)
	workers.OnWorkerLost(eng.HandleWorkerLost)
	workers.OnChange(sched.Tick)
	pools.SetQueuedFunc(func(poolID string) int { return q.Size() })

	if err := registerPools(cfg, store, pools); err != nil {
		return err
	}

	broker.Start()
	workers.Start()
	pools.Start()
	sched.Start()

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Start(cfg.Server.GRPCAddr); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	logger.Info().
		Str("grpc_addr", cfg.Server.GRPCAddr).
		Str("http_addr", cfg.Server.HTTPAddr).
		Int("pools", len(cfg.Pools)).
		Msg("orchestrator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	sched.Stop()
	pools.Stop()
	workers.Stop()
	httpServer.Stop()
	grpcServer.Stop()
	broker.Stop()
	return nil
}

// registerPools materializes the configured pools, providers and templates
func registerPools(cfg *config.Config, store storage.Store, pools *registry.PoolRegistry) error {
	for _, pc := range cfg.Pools {
		var port provider.Port
		switch pc.Provider {
		case "local":
			port = provider.NewLocalProcessProvider(provider.LocalConfig{ServerAddr: cfg.Server.GRPCAddr})
		case "static":
			port = provider.NewStaticProvider("static")
		default:
			return fmt.Errorf("pool %s: unknown provider %q", pc.ID, pc.Provider)
		}

		pool := pc.Pool()
		if err := pools.AddPool(pool, port); err != nil {
			return err
		}
		if err := store.CreatePool(pool); err != nil {
			return err
		}
		for _, tc := range pc.Templates {
			tpl, err := tc.Template(pc.ID)
			if err != nil {
				return err
			}
			if err := store.CreateTemplate(tpl); err != nil {
				return err
			}
		}
	}
	return nil
}
