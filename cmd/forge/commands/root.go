package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/seantiz/forge/internal/bodies"
	"github.com/seantiz/forge/internal/conduit"
	"github.com/seantiz/forge/internal/conduit/distributed"
	"github.com/seantiz/forge/internal/config"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/notify"
	"github.com/seantiz/forge/internal/sample"
	"github.com/seantiz/forge/internal/store"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Forge - suspendable sample scheduling engine",
	Long: `Forge schedules batches of stochastic samples onto a fixed pool of
compute resources: cooperative in-process slots, local worker goroutines or
remote worker processes.

A sample body may suspend mid-computation to ask for external input (an
action for an environment step, say) and resumes once the input arrives.
Runs and final sample state are kept in SQLite.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (FORGE_* environment variables override it)")
}

// loadConfig reads the configuration and builds the logger it describes.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := config.NewLogger(cfg.Log.LogWriter(os.Stderr), cfg.LogLevel())
	return cfg, logger, nil
}

// stack is everything a command needs to run batches.
type stack struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.SQLiteStore
	bodies  *sample.Registry
	engine  *engine.Engine
	closers []func() error
}

// newStack opens the store, the optional Redis publisher and the engine.
func newStack(ctx context.Context) (*stack, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	rt := &stack{cfg: cfg, logger: logger, bodies: sample.NewRegistry()}
	bodies.Register(rt.bodies)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rt.store = db
	rt.closers = append(rt.closers, db.Close)

	opts := []engine.Option{engine.WithStore(db)}
	if cfg.Redis.Addr != "" {
		pub, err := notify.NewPublisher(&redis.Options{Addr: cfg.Redis.Addr}, cfg.Redis.Instance, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := pub.Ping(ctx); err != nil {
			pub.Close()
			rt.Close()
			return nil, fmt.Errorf("failed to reach Redis at %s: %w", cfg.Redis.Addr, err)
		}
		rt.closers = append(rt.closers, pub.Close)
		opts = append(opts, engine.WithObserver(pub))
		logger.Info("publishing sample events", "channel", pub.Channel())
	}

	conduits := conduit.NewRegistry()
	conduits.Register(conduit.NameDistributed, distributed.New)

	eng, err := engine.New(cfg.EngineConfig(), conduits, rt.bodies, logger, opts...)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	rt.engine = eng
	rt.closers = append(rt.closers, eng.Close)
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *stack) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}
