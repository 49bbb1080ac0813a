package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/forge/internal/api"
	"github.com/seantiz/forge/internal/bodies"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/sample"
)

var (
	runBody    string
	runSamples int
	runSeed    uint64
	runServe   bool
	runOutput  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of a reference body with a random policy",
	Long: `Run a batch of samples of one of the reference bodies and print the
final state of each sample.

Suspensions are answered by a seeded random policy, so the same seed gives
the same result on a single-resource pool.

Bodies:
  rosenbrock - fitness evaluation of random parameters, no suspensions
  cartpole   - cart-pole balancing episode, one suspension per step
  alphabeta  - three-stage allocation problem, three suspensions

Examples:
  # Ten rosenbrock evaluations on the configured conduit
  forge run --body rosenbrock -n 10

  # Cart-pole episodes with the status API available while they run
  forge run --body cartpole -n 4 --serve

  # Machine-readable output
  forge run --body alphabeta --output json | jq '.[] | .reward'`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runBody, "body", "b", "rosenbrock", "Reference body to run")
	runCmd.Flags().IntVarP(&runSamples, "samples", "n", 10, "Number of samples in the batch")
	runCmd.Flags().Uint64Var(&runSeed, "seed", 0, "Batch seed (0 uses the configured seed)")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "Serve the status API while the batch runs")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "table", "Output format: table or json")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	if runOutput != "table" && runOutput != "json" {
		return fmt.Errorf("unknown output format %q (want table or json)", runOutput)
	}
	if runSamples < 0 {
		return fmt.Errorf("--samples must not be negative")
	}
	spec, err := bodies.Lookup(runBody)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	seed := runSeed
	if seed == 0 {
		seed = st.cfg.Seed
	}
	batch := bodies.Batch(spec, runSamples, seed)

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if runServe {
		srv := api.NewServer(st.cfg.ListenAddr, st.store, st.bodies, st.engine, st.logger)
		g.Go(func() error { return srv.Run(srvCtx) })
	}

	var res *engine.Result
	g.Go(func() error {
		defer stopServer()
		var err error
		res, err = st.engine.Run(gctx, batch, bodies.RandomResponder(spec, seed))
		return err
	})

	runErr := g.Wait()
	if res != nil {
		out := cmd.OutOrStdout()
		if runOutput == "json" {
			if err := writeResultJSON(out, res); err != nil {
				return err
			}
		} else {
			writeResultTable(out, res)
		}
	}
	return runErr
}

// sampleRow is the printed summary of one sample.
type sampleRow struct {
	ID          int      `json:"id"`
	Status      string   `json:"status"`
	Resource    int      `json:"resource"`
	Suspensions int      `json:"suspensions"`
	DurationMS  int64    `json:"duration_ms"`
	Fx          *float64 `json:"fx,omitempty"`
	Reward      *float64 `json:"reward,omitempty"`
	Termination string   `json:"termination,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func rows(res *engine.Result) []sampleRow {
	out := make([]sampleRow, 0, len(res.Samples))
	for _, s := range res.Samples {
		row := sampleRow{
			ID:          s.ID,
			Status:      string(s.Status),
			Resource:    s.Resource,
			Suspensions: s.Suspensions,
			DurationMS:  s.Duration.Milliseconds(),
		}
		if s.Blackboard != nil {
			if v, err := s.Blackboard.Scalar(sample.KeyFx); err == nil {
				row.Fx = &v
			}
			if v, err := s.Blackboard.Scalar(sample.KeyReward); err == nil {
				row.Reward = &v
			}
			row.Termination, _ = s.Blackboard.String(sample.KeyTermination)
		}
		if s.Err != nil {
			row.Error = s.Err.Error()
		}
		out = append(out, row)
	}
	return out
}

func writeResultJSON(w io.Writer, res *engine.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows(res))
}

func writeResultTable(w io.Writer, res *engine.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SAMPLE\tSTATUS\tRESOURCE\tSUSPENSIONS\tDURATION\tVALUE\tTERMINATION\tERROR")
	for _, r := range rows(res) {
		value := "-"
		switch {
		case r.Fx != nil:
			value = fmt.Sprintf("F(x)=%.6g", *r.Fx)
		case r.Reward != nil:
			value = fmt.Sprintf("Reward=%.6g", *r.Reward)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%dms\t%s\t%s\t%s\n",
			r.ID, r.Status, r.Resource, r.Suspensions, r.DurationMS, value, dash(r.Termination), dash(r.Error))
	}
	tw.Flush()

	status := "finished"
	if res.Cancelled {
		status = "cancelled"
	}
	fmt.Fprintf(w, "\nrun %s %s: %d samples, %d failed, %d suspensions in %s\n",
		res.RunID, status, len(res.Samples), len(res.Failed()), res.Suspensions(), res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
