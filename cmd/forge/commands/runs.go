package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/store"
)

var (
	runsLimit  int
	runsOffset int
	runsBoards bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, total, err := db.ListRuns(cmd.Context(), runsLimit, runsOffset)
		if err != nil {
			return err
		}
		writeRunsTable(cmd.OutOrStdout(), runs, total)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show one run and the final state of its samples",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		return showRun(cmd.Context(), cmd.OutOrStdout(), db, args[0], runsBoards)
	},
}

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
	runsListCmd.Flags().IntVar(&runsOffset, "offset", 0, "Number of runs to skip")
	runsShowCmd.Flags().BoolVar(&runsBoards, "boards", false, "Print each sample's final blackboard as JSON")

	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func openStore() (*store.SQLiteStore, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func writeRunsTable(w io.Writer, runs []*model.Run, total int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBODY\tCONDUIT\tSTATUS\tSAMPLES\tFAILED\tSUSPENSIONS\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.Body, r.Conduit, r.Status, r.Samples, r.Failed, r.Suspensions, r.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d of %d runs\n", len(runs), total)
}

func showRun(ctx context.Context, w io.Writer, db store.Store, id string, boards bool) error {
	run, err := db.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	samples, err := db.ListSamples(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run:         %s\n", run.ID)
	fmt.Fprintf(w, "Body:        %s\n", run.Body)
	fmt.Fprintf(w, "Conduit:     %s\n", run.Conduit)
	fmt.Fprintf(w, "Status:      %s\n", run.Status)
	fmt.Fprintf(w, "Seed:        %d\n", run.Seed)
	fmt.Fprintf(w, "Samples:     %d (%d failed)\n", run.Samples, run.Failed)
	fmt.Fprintf(w, "Suspensions: %d\n", run.Suspensions)
	fmt.Fprintf(w, "Created:     %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Fprintf(w, "Finished:    %s\n", run.FinishedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SAMPLE\tSTATUS\tRESOURCE\tSUSPENSIONS\tDURATION\tERROR")
	for _, s := range samples {
		duration := "-"
		if s.DurationMS != nil {
			duration = fmt.Sprintf("%dms", *s.DurationMS)
		}
		errText := "-"
		if s.Error != "" {
			errText = s.ErrorType + ": " + s.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n", s.SampleID, s.Status, s.Resource, s.Suspensions, duration, errText)
	}
	tw.Flush()

	if !boards {
		return nil
	}
	fmt.Fprintln(w)
	for _, s := range samples {
		if len(s.Blackboard) == 0 {
			continue
		}
		bb, err := blackboard.Decode(s.Blackboard)
		if err != nil {
			return fmt.Errorf("sample %d: %w", s.SampleID, err)
		}
		data, err := json.Marshal(bb)
		if err != nil {
			return fmt.Errorf("sample %d: %w", s.SampleID, err)
		}
		fmt.Fprintf(w, "sample %d: %s\n", s.SampleID, data)
	}
	return nil
}
