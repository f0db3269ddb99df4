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
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Start and inspect pipeline stage jobs",
}

var (
	runQuery      string
	runMaxResults int
	runBatchSize  int
	runTargets    []string
)

var pipelineRunCmd = &cobra.Command{
	Use:   "run <stage>",
	Short: "Run one stage job and wait for it to finish",
	Long:  "Stages: discovery, scrape, verify, draft, send, follow_up.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s := stage.Stage(args[0])

		mode := "pipeline"
		if s == stage.Discovery {
			mode = "discovery"
		}
		if err := cfg.Validate(mode); err != nil {
			return err
		}

		eng, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		j, err := eng.orch.StartStage(ctx, s, model.JobParams{
			Query:      runQuery,
			MaxResults: runMaxResults,
			BatchSize:  runBatchSize,
			TargetIDs:  runTargets,
		})
		if err != nil {
			var conflict *job.ConflictError
			if errors.As(err, &conflict) {
				return eris.Errorf("stage %s already has an active job (%s); cancel it or wait", s, conflict.ActiveID)
			}
			var nothing *pipeline.NothingEligibleError
			if errors.As(err, &nothing) {
				return eris.Errorf("no prospects are eligible for stage %s", s)
			}
			return err
		}

		zap.L().Info("job started", zap.String("job_id", j.ID), zap.String("stage", string(s)))
		eng.Wait()

		final, err := eng.jobs.Get(ctx, j.ID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(final); err != nil {
			return err
		}

		if final.Status == model.JobStatusFailed {
			return eris.Errorf("job %s failed: %s", final.ID, final.ErrorMessage)
		}
		return nil
	},
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-stage readiness and recent jobs",
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

		params := stage.Params{
			Now:           time.Now().UTC(),
			FollowUpAfter: time.Duration(cfg.Pipeline.FollowUpDays) * 24 * time.Hour,
		}
		counts, err := store.ReadinessCounts(ctx, st, params)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tREADY")
		fmt.Fprintf(w, "discovery\t%d discovered\n", counts.Discovered)
		for _, s := range stage.Stages[1:] {
			fmt.Fprintf(w, "%s\t%d\n", s, counts.Ready(s))
		}
		w.Flush()

		jobs, err := st.ListJobs(ctx, store.JobFilter{Limit: 10})
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tTYPE\tSTATUS\tPROGRESS\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
				shortID(j.ID), j.Type, j.Status, j.ProgressCount, j.TotalTargets,
				j.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	pipelineRunCmd.Flags().StringVar(&runQuery, "query", "", "discovery search query")
	pipelineRunCmd.Flags().IntVar(&runMaxResults, "max-results", 0, "discovery result cap (default from config)")
	pipelineRunCmd.Flags().IntVar(&runBatchSize, "batch-size", 0, "batch size override (default from config)")
	pipelineRunCmd.Flags().StringSliceVar(&runTargets, "targets", nil, "explicit prospect IDs; ineligible ones are skipped")

	pipelineCmd.AddCommand(pipelineRunCmd)
	pipelineCmd.AddCommand(pipelineStatusCmd)
	rootCmd.AddCommand(pipelineCmd)
}
