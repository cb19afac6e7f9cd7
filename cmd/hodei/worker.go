package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hodei/pipelines/pkg/log"
	"github.com/hodei/pipelines/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an execution agent",
	Long: `Run a Hodei worker connected to an orchestrator. The worker
registers into its pool, executes one job at a time and streams events,
logs and results back over its session.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("server", "127.0.0.1:9090", "Orchestrator gRPC address")
	workerCmd.Flags().String("pool", "default", "Resource pool to register into")
	workerCmd.Flags().String("worker-id", "", "Worker id (default: generated)")
	workerCmd.Flags().String("token", "", "Session token issued at provisioning")
	workerCmd.Flags().StringArray("label", nil, "Capability label (repeatable)")
	workerCmd.Flags().String("work-dir", "", "Workspace root (default: ~/.hodei/work)")
	workerCmd.Flags().String("cache-dir", "", "Artifact cache directory (default: <work-dir>/.cache)")
	workerCmd.Flags().Bool("ephemeral", false, "Exit after the first job finishes")
	workerCmd.Flags().Duration("cancel-grace", 30*time.Second, "Grace before cancelled steps are killed")
	workerCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	pool, _ := cmd.Flags().GetString("pool")
	workerID, _ := cmd.Flags().GetString("worker-id")
	token, _ := cmd.Flags().GetString("token")
	labels, _ := cmd.Flags().GetStringArray("label")
	workDir, _ := cmd.Flags().GetString("work-dir")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	ephemeral, _ := cmd.Flags().GetBool("ephemeral")
	grace, _ := cmd.Flags().GetDuration("cancel-grace")
	level, _ := cmd.Flags().GetString("log-level")

	log.Init(log.Config{Level: log.Level(level)})

	if workerID == "" {
		workerID = "worker-" + uuid.New().String()
	}
	if workDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		workDir = filepath.Join(home, ".hodei", "work")
	}

	w, err := worker.New(worker.Config{
		WorkerID:     workerID,
		PoolID:       pool,
		ServerAddr:   server,
		SessionToken: token,
		Labels:       labels,
		WorkDir:      workDir,
		CacheDir:     cacheDir,
		Ephemeral:    ephemeral,
		CancelGrace:  grace,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return w.Run(ctx)
}
