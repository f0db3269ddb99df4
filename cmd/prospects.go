package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

var prospectsCmd = &cobra.Command{
	Use:   "prospects",
	Short: "Inspect discovered prospects",
}

var (
	prospectsScrapeStatus string
	prospectsVerifyStatus string
	prospectsSendStatus   string
	prospectsLimit        int
	prospectsOffset       int
)

var prospectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prospects with their stage statuses",
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

		prospects, err := st.ListProspects(ctx, store.ProspectFilter{
			ScrapeStatus:       model.ScrapeStatus(prospectsScrapeStatus),
			VerificationStatus: model.VerificationStatus(prospectsVerifyStatus),
			SendStatus:         model.SendStatus(prospectsSendStatus),
			Limit:              prospectsLimit,
			Offset:             prospectsOffset,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDOMAIN\tSCRAPE\tVERIFY\tDRAFT\tSEND\tEMAIL")
		for _, p := range prospects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				shortID(p.ID), p.Name, p.Domain,
				p.ScrapeStatus, p.VerificationStatus, p.DraftStatus, p.SendStatus,
				p.ContactEmail)
		}
		return w.Flush()
	},
}

var prospectsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one prospect and its message history as JSON",
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

		p, err := st.GetProspect(ctx, args[0])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return eris.Errorf("no prospect with ID %s", args[0])
			}
			return err
		}

		messages, err := st.ListMessages(ctx, p.ID)
		if err != nil {
			return err
		}

		out := struct {
			Prospect *model.Prospect    `json:"prospect"`
			Messages []model.MessageLog `json:"messages"`
		}{p, messages}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	prospectsListCmd.Flags().StringVar(&prospectsScrapeStatus, "scrape-status", "", "filter by scrape status")
	prospectsListCmd.Flags().StringVar(&prospectsVerifyStatus, "verify-status", "", "filter by verification status")
	prospectsListCmd.Flags().StringVar(&prospectsSendStatus, "send-status", "", "filter by send status")
	prospectsListCmd.Flags().IntVar(&prospectsLimit, "limit", 50, "max prospects to list")
	prospectsListCmd.Flags().IntVar(&prospectsOffset, "offset", 0, "pagination offset")

	prospectsCmd.AddCommand(prospectsListCmd)
	prospectsCmd.AddCommand(prospectsGetCmd)
	rootCmd.AddCommand(prospectsCmd)
}
