package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/forge/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run batches submitted to it",
	Long: `Start the engine and serve the HTTP API until interrupted.

Batches are submitted with POST /v1/runs and driven remotely: clients
long-poll GET /v1/runs/{id}/suspensions/next and answer with
POST /v1/runs/{id}/resume. Progress streams from GET /v1/runs/{id}/events.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := newStack(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		st.logger.Info("forge: starting",
			"listen_addr", st.cfg.ListenAddr,
			"db_path", st.cfg.DBPath,
			"conduit", st.cfg.Conduit,
		)

		srv := api.NewServer(st.cfg.ListenAddr, st.store, st.bodies, st.engine, st.logger)
		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
