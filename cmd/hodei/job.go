package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hodei/pipelines/pkg/client"
	"github.com/hodei/pipelines/pkg/types"
)

const defaultAPIAddr = "http://127.0.0.1:8080"

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a pipeline for execution",
	RunE:  runJobSubmit,
}

var jobGetCmd = &cobra.Command{
	Use:   "get JOB_ID",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobGet,
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobLs,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs JOB_ID",
	Short: "Print a job's execution events and output",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobLogs,
}

func init() {
	jobCmd.PersistentFlags().String("api", defaultAPIAddr, "Orchestrator HTTP API address")

	jobSubmitCmd.Flags().StringP("file", "f", "", "Pipeline definition file (JSON or YAML)")
	jobSubmitCmd.Flags().String("name", "", "Job name (default: definition file name)")
	jobSubmitCmd.Flags().Int("priority", 0, "Job priority (higher is placed first)")
	jobSubmitCmd.Flags().Bool("follow", false, "Stream events until the job finishes")
	jobSubmitCmd.MarkFlagRequired("file")

	jobLsCmd.Flags().String("status", "", "Filter by status (queued, scheduled, running, completed, failed, cancelled)")
	jobCancelCmd.Flags().String("reason", "cancelled via cli", "Cancellation reason")
	jobLogsCmd.Flags().Bool("follow", false, "Stream events until the job finishes")
	jobLogsCmd.Flags().Uint64("after", 0, "Start after this event sequence number")

	jobCmd.AddCommand(jobSubmitCmd, jobGetCmd, jobLsCmd, jobCancelCmd, jobLogsCmd)
}

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("api")
	return client.New(addr)
}

// loadDefinition reads a pipeline definition from disk. JSON files are
// decoded as-is, anything else goes through YAML.
func loadDefinition(path string) (*types.JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	var def types.JobDefinition
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse definition: %w", err)
		}
		return &def, nil
	}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	return &def, nil
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	name, _ := cmd.Flags().GetString("name")
	priority, _ := cmd.Flags().GetInt("priority")
	follow, _ := cmd.Flags().GetBool("follow")

	def, err := loadDefinition(file)
	if err != nil {
		return err
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}

	c := apiClient(cmd)
	job, err := c.SubmitJob(name, priority, def)
	if err != nil {
		return err
	}
	fmt.Printf("Job %s submitted (%s)\n", job.ID, job.Status)

	if follow {
		return followJob(cmd, c, job.ID, 0)
	}
	return nil
}

func runJobGet(cmd *cobra.Command, args []string) error {
	job, err := apiClient(cmd).GetJob(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:        %s\n", job.ID)
	fmt.Printf("Name:      %s\n", job.Name)
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Priority:  %d\n", job.Priority)
	fmt.Printf("Created:   %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.AssignedPoolID != "" {
		fmt.Printf("Pool:      %s\n", job.AssignedPoolID)
	}
	if job.AssignedWorkerID != "" {
		fmt.Printf("Worker:    %s\n", job.AssignedWorkerID)
	}
	if job.CompletedAt != nil {
		fmt.Printf("Exit code: %d\n", job.ExitCode)
	}
	if job.Failure != nil {
		fmt.Printf("Failure:   [%s] %s\n", job.Failure.Kind, job.Failure.Message)
	}
	if job.CancelReason != "" {
		fmt.Printf("Cancelled: %s\n", job.CancelReason)
	}
	return nil
}

func runJobLs(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	jobs, err := apiClient(cmd).ListJobs(status)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPRIORITY\tPOOL\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			job.ID, job.Name, job.Status, job.Priority,
			job.AssignedPoolID, job.CreatedAt.Format("15:04:05"))
	}
	return w.Flush()
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	if err := apiClient(cmd).CancelJob(args[0], reason); err != nil {
		return err
	}
	fmt.Printf("Job %s cancellation requested\n", args[0])
	return nil
}

func runJobLogs(cmd *cobra.Command, args []string) error {
	follow, _ := cmd.Flags().GetBool("follow")
	after, _ := cmd.Flags().GetUint64("after")
	c := apiClient(cmd)

	if follow {
		return followJob(cmd, c, args[0], after)
	}

	events, err := c.Events(args[0], after, 0)
	if err != nil {
		return err
	}
	for _, ev := range events {
		printEvent(ev)
	}
	return nil
}

func followJob(cmd *cobra.Command, c *client.Client, jobID string, after uint64) error {
	return c.FollowEvents(cmd.Context(), jobID, after, func(ev *types.ExecutionEvent) error {
		printEvent(ev)
		return nil
	})
}

// printEvent writes step output raw and everything else as one summary line
func printEvent(ev *types.ExecutionEvent) {
	if ev.Kind == types.EventStepOutput {
		os.Stdout.Write(ev.Output)
		return
	}
	line := fmt.Sprintf("[%s] %s", ev.Timestamp.Format("15:04:05"), ev.Kind)
	if ev.Stage != "" {
		line += " " + ev.Stage
	}
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	fmt.Println(line)
}
