package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"media-analysis-pipeline/internal/app"
	"media-analysis-pipeline/internal/intake"
	"media-analysis-pipeline/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Show or requeue a processing task",
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Print a task with its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskGet,
}

var taskRequeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Give a failed task a fresh attempt budget and queue it again",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRequeue,
}

var dlqFlags struct {
	limit int64
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead-letter queue operations",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks",
	RunE:  runDLQList,
}

var notifyFlags struct {
	bucket     string
	path       string
	generation string
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Submit an upload notification as if the bucket had sent it",
	RunE:  runNotify,
}

func init() {
	taskCmd.AddCommand(taskGetCmd, taskRequeueCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqListCmd.Flags().Int64Var(&dlqFlags.limit, "limit", 100, "Maximum number of entries")

	f := notifyCmd.Flags()
	f.StringVar(&notifyFlags.bucket, "bucket", "", "Source bucket (required)")
	f.StringVar(&notifyFlags.path, "path", "", "Object path (required)")
	f.StringVar(&notifyFlags.generation, "generation", "", "Object generation")
	_ = notifyCmd.MarkFlagRequired("bucket")
	_ = notifyCmd.MarkFlagRequired("path")
}

func runTaskGet(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
		task, err := rt.Store.GetTask(ctx, args[0])
		if err != nil {
			return err
		}
		audit, err := rt.Store.AuditTrail(ctx, task.ID, 50)
		if err != nil {
			return err
		}
		state, err := rt.Queue.State(ctx, task.ID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), struct {
			Task       models.ProcessingTask `json:"task"`
			QueueState string                `json:"queueState,omitempty"`
			Audit      []models.AuditLog     `json:"audit"`
		}{task, state, audit})
	})
}

func runTaskRequeue(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
		task, err := rt.Intake().Requeue(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (%s)\n", task.ID, task.Source)
		return nil
	})
}

func runDLQList(cmd *cobra.Command, _ []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
		ids, err := rt.Queue.DLQPeek(ctx, dlqFlags.limit)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "dead-letter queue is empty")
			return nil
		}
		tasks, err := rt.Store.ListTasks(ctx, ids)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			lastErr := ""
			if t.LastError != nil {
				lastErr = truncate(*t.LastError, 80)
			}
			rows = append(rows, []string{t.ID, string(t.Status), strconv.Itoa(t.AttemptCount), t.Source.String(), lastErr})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"TASK", "STATUS", "ATTEMPTS", "SOURCE", "LAST ERROR"}, rows, 2))
		return nil
	})
}

func runNotify(cmd *cobra.Command, _ []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
		receipt, err := rt.Intake().HandleUploadNotification(ctx, intake.Notification{
			Bucket:     notifyFlags.bucket,
			ObjectPath: notifyFlags.path,
			Generation: notifyFlags.generation,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), receipt)
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
