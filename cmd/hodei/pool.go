package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var poolCmd = &cobra.Command{
	Use:   "pools",
	Short: "List resource pools",
	RunE:  runPools,
}

var workerLsCmd = &cobra.Command{
	Use:   "workers",
	Short: "List connected workers",
	RunE:  runWorkers,
}

func init() {
	poolCmd.Flags().String("api", defaultAPIAddr, "Orchestrator HTTP API address")
	workerLsCmd.Flags().String("api", defaultAPIAddr, "Orchestrator HTTP API address")
}

func runPools(cmd *cobra.Command, args []string) error {
	pools, err := apiClient(cmd).ListPools()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tWORKERS\tQUEUED\tCPU%\tMEM%\tLABELS")
	for _, pool := range pools {
		active, queued := "-", "-"
		cpu, mem := "-", "-"
		if u := pool.Utilization; u != nil {
			active = fmt.Sprintf("%d/%d", u.ActiveWorkers, pool.MaxWorkers)
			queued = fmt.Sprintf("%d", u.QueuedJobs)
			cpu = fmt.Sprintf("%.0f", u.CPUPct)
			mem = fmt.Sprintf("%.0f", u.MemoryPct)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			pool.ID, pool.Name, pool.ProviderKind, active, queued, cpu, mem,
			strings.Join(pool.Labels, ","))
	}
	return w.Flush()
}

func runWorkers(cmd *cobra.Command, args []string) error {
	workers, err := apiClient(cmd).ListWorkers()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPOOL\tSTATUS\tJOB\tLABELS\tLAST HEARTBEAT")
	for _, worker := range workers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			worker.ID, worker.PoolID, worker.Status, worker.CurrentJobID,
			strings.Join(worker.Labels, ","),
			worker.LastHeartbeatAt.Format("15:04:05"))
	}
	return w.Flush()
}
