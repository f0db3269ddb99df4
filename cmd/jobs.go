package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/job"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage pipeline jobs",
}

var (
	jobsListType   string
	jobsListStatus string
	jobsListLimit  int
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		filter := store.JobFilter{Limit: jobsListLimit}
		if jobsListType != "" {
			t, err := model.ParseJobType(jobsListType)
			if err != nil {
				return err
			}
			filter.Type = t
		}
		if jobsListStatus != "" {
			filter.Status = model.JobStatus(jobsListStatus)
		}

		jobs, err := st.ListJobs(ctx, filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROGRESS\tERROR\tCREATED")
		for _, j := range jobs {
			errMsg := j.ErrorMessage
			if len(errMsg) > 40 {
				errMsg = errMsg[:37] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				j.ID, j.Type, j.Status, j.ProgressCount, j.TotalTargets, errMsg,
				j.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		j, err := st.GetJob(ctx, args[0])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return eris.Errorf("no job with ID %s", args[0])
			}
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or running job",
	Long:  "A pending job is cancelled immediately. A running job stops at its next item boundary; work already committed is kept.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		jobs := job.NewManager(st, time.Duration(cfg.Pipeline.MaxExecutionMinutes)*time.Minute)
		j, err := jobs.Cancel(ctx, args[0])
		if err != nil {
			var terminal *job.AlreadyTerminalError
			if errors.As(err, &terminal) {
				return eris.Errorf("job %s already finished with status %s", args[0], terminal.Status)
			}
			if errors.Is(err, store.ErrNotFound) {
				return eris.Errorf("no job with ID %s", args[0])
			}
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	},
}

var jobsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail jobs stuck past the max execution time",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		jobs := job.NewManager(st, time.Duration(cfg.Pipeline.MaxExecutionMinutes)*time.Minute)
		n, err := jobs.ReapStale(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("reap complete", zap.Int("reaped", n))
		fmt.Printf("reaped %d stale job(s)\n", n)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListType, "type", "", "filter by job type")
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "filter by status")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 20, "max jobs to list")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsReapCmd)
	rootCmd.AddCommand(jobsCmd)
}
