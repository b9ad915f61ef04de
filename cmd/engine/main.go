package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/process-engine/api"
	"github.com/songzhibin97/process-engine/graph"
	"github.com/songzhibin97/process-engine/internal/log"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

var rootCmd = &cobra.Command{
	Use:           "engine",
	Short:         "Workflow execution engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		format, _ := cmd.Flags().GetString("log-format")
		if level == "" && format == "" {
			return
		}
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		if format == "" {
			format = os.Getenv("LOG_FORMAT")
		}
		log.Configure(level, format)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run queue workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		server := api.NewServer(a.cfg.HTTPAddr, a.engine, a.logger)
		g.Go(func() error {
			return server.Run(ctx)
		})
		w := a.worker()
		g.Go(func() error {
			return w.Run(ctx)
		})
		return g.Wait()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue workers only",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.worker().Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("--db or ENGINE_DATABASE_URL is required")
		}
		if err := storage.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		fmt.Println("Migrations applied successfully")
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a definition file without publishing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := readDefinition(cmd)
		if err != nil {
			return err
		}
		res := graph.Validate(def, rules.NewExprEvaluator())
		pp.Println(res)
		return res.Err()
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a definition file as the next version of its key",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := readDefinition(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		published, err := a.engine.PublishDefinition(cmd.Context(), def)
		if err != nil {
			return err
		}
		fmt.Printf("Published %s version %d with ID %d\n", published.Key, published.Version, published.ID)
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state [instance-id]",
	Short: "Print the state of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid instance id %q: %w", args[0], err)
		}
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		st, err := a.engine.InstanceState(cmd.Context(), id)
		if err != nil {
			return err
		}
		pp.Println(st)
		return nil
	},
}

func readDefinition(cmd *cobra.Command) (types.Definition, error) {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		return types.Definition{}, fmt.Errorf("--file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Definition{}, err
	}
	return graph.Parse(data)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("env-file", "", "Path of a .env file (default .env when present)")
	pf.String("storage", "", "Storage driver: memory, redis or postgres")
	pf.String("db", "", "Postgres connection string")
	pf.String("redis-addr", "", "Redis address")
	pf.String("functions", "", "Path of a function manifest (YAML or JSON)")
	pf.String("log-level", "", "Log level: DEBUG, INFO, WARN or ERROR")
	pf.String("log-format", "", "Log format: text or json")

	serveCmd.Flags().String("addr", "", "HTTP listen address")
	serveCmd.Flags().Int("workers", 0, "Number of queue pollers")
	workerCmd.Flags().Int("workers", 0, "Number of queue pollers")
	validateCmd.Flags().StringP("file", "f", "", "Definition file")
	publishCmd.Flags().StringP("file", "f", "", "Definition file")

	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, validateCmd, publishCmd, stateCmd)
}

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(log.GetLogger().Debugf)); err != nil {
		log.GetLogger().WithError(err).Warn("failed to set GOMAXPROCS")
	}

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
