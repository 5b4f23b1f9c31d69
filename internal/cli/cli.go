package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbitsched/orbit/internal/config"
	"github.com/orbitsched/orbit/internal/log"
	"github.com/orbitsched/orbit/internal/observability"
	"github.com/orbitsched/orbit/internal/scheduler"
	internal_storage "github.com/orbitsched/orbit/internal/storage"
	"github.com/orbitsched/orbit/pkg/service"
	"github.com/orbitsched/orbit/pkg/storage"
)

// RegisterFunc hands the embedding application a registry to fill with its
// workflow definitions before any scheduling pass runs.
type RegisterFunc func(*service.SchedulerService) error

// SetupCLI attaches the orbit commands to rootCmd. A nil register hook
// starts an empty registry, which reconciles every persisted record to
// stale; real deployments embed orbit and register their workflows here.
func SetupCLI(rootCmd *cobra.Command, register RegisterFunc) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduling daemon",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DatabaseURL)
			defer store.Close()

			shutdown, err := observability.InitTracing("orbit", cfg.Tracing.Exporter, cfg.Tracing.Endpoint)
			if err != nil {
				log.GetLogger().Errorf("Failed to initialize tracing: %v", err)
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workflows, runs, pool := buildServices(ctx, store)
			registerWorkflows(workflows, register)
			pool.Start(cfg.Workers)
			defer pool.Stop()

			sch := scheduler.New(workflows, runs, pool, log.GetLogger(), time.Duration(cfg.TickInterval))
			if err := sch.Run(ctx); err != nil {
				log.GetLogger().Errorf("Scheduler failed: %v", err)
				os.Exit(1)
			}
			if err := shutdown(context.Background()); err != nil {
				log.GetLogger().Errorf("Failed to shut tracing down: %v", err)
			}
		},
	}

	tickCmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single scheduling pass",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DatabaseURL)
			defer store.Close()

			ctx := context.Background()
			workflows, runs, pool := buildServices(ctx, store)
			registerWorkflows(workflows, register)
			if err := workflows.SyncStaleRecords(); err != nil {
				log.GetLogger().Errorf("Failed to sync stale workflow records: %v", err)
				os.Exit(1)
			}
			pool.Start(cfg.Workers)
			defer pool.Stop()

			sch := scheduler.New(workflows, runs, pool, log.GetLogger(), time.Duration(cfg.TickInterval))
			results, err := sch.Tick(ctx)
			if err != nil {
				log.GetLogger().Errorf("Tick failed: %v", err)
				os.Exit(1)
			}
			printResults(results)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted workflow records",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DatabaseURL)
			defer store.Close()
			listRecords(store)
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause [workflow-id]",
		Short: "Pause scheduling for a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DatabaseURL)
			defer store.Close()
			setPaused(store, args[0], true)
		},
	}

	unpauseCmd := &cobra.Command{
		Use:   "unpause [workflow-id]",
		Short: "Resume scheduling for a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DatabaseURL)
			defer store.Close()
			setPaused(store, args[0], false)
		},
	}

	for _, cmd := range []*cobra.Command{serveCmd, tickCmd, listCmd, pauseCmd, unpauseCmd} {
		cmd.Flags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
		cmd.Flags().String("config", "", "Path to the YAML config file (defaults to ORBIT_CONFIG)")
	}
	rootCmd.AddCommand(serveCmd, tickCmd, listCmd, pauseCmd, unpauseCmd)
}

func loadConfig(cmd *cobra.Command) config.Config {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving config flag: %v", err)
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		log.SetLevel(cfg.LogLevel)
	}
	db, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if db != "" {
		cfg.DatabaseURL = db
	}
	if cfg.DatabaseURL == "" {
		fmt.Println("Error: --db flag, a config file or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		os.Exit(1)
	}
	return cfg
}

func buildServices(ctx context.Context, store storage.Store) (*service.SchedulerService, *service.RunService, *service.WorkerPool) {
	logger := log.GetLogger()
	workflows := service.NewSchedulerService(store, logger)
	runs := service.NewRunService(store, workflows, logger)
	pool := service.NewWorkerPool(ctx, runs, logger)
	return workflows, runs, pool
}

func registerWorkflows(workflows *service.SchedulerService, register RegisterFunc) {
	if register == nil {
		log.GetLogger().Warnf("No workflows registered; persisted records will be marked stale")
		return
	}
	if err := register(workflows); err != nil {
		log.GetLogger().Errorf("Failed to register workflows: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to register workflows: %v\n", err)
		os.Exit(1)
	}
}

func printResults(results []service.JobResult) {
	if len(results) == 0 {
		fmt.Fprintf(os.Stdout, "Nothing due.\n")
		return
	}
	for _, res := range results {
		switch {
		case res.Err != nil:
			fmt.Fprintf(os.Stdout, "- %s: error: %v\n", res.WorkflowID, res.Err)
		case res.Run == nil:
			fmt.Fprintf(os.Stdout, "- %s: nothing to materialize\n", res.WorkflowID)
		default:
			fmt.Fprintf(os.Stdout, "- %s: created run '%s'\n", res.WorkflowID, res.Run.RunID)
		}
	}
}

func listRecords(store *internal_storage.PostgresStore) {
	records, err := store.ListWorkflowRecords()
	if err != nil {
		log.GetLogger().Errorf("Failed to list workflow records: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list workflow records: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Fprintf(os.Stdout, "No workflow records found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Workflow records:\n")
	for _, rec := range records {
		next := "none"
		if rec.NextRunCreateAfter != nil {
			next = rec.NextRunCreateAfter.Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "- ID: %s, Paused: %t, Stale: %t, NextRunAfter: %s\n",
			rec.WorkflowID, rec.Paused, rec.Stale, next)
	}
}

func setPaused(store *internal_storage.PostgresStore, workflowID string, paused bool) {
	svc := service.NewSchedulerService(store, log.GetLogger())
	if err := svc.PauseWorkflow(workflowID, paused); err != nil {
		log.GetLogger().Errorf("Failed to update workflow '%s': %v", workflowID, err)
		fmt.Fprintf(os.Stderr, "Error: failed to update workflow '%s': %v\n", workflowID, err)
		os.Exit(1)
	}
	if paused {
		fmt.Fprintf(os.Stdout, "Paused workflow '%s'\n", workflowID)
	} else {
		fmt.Fprintf(os.Stdout, "Unpaused workflow '%s'\n", workflowID)
	}
}

func initStore(connStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(connStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to initialize store: %v\n", err)
		os.Exit(1)
	}
	return store
}
