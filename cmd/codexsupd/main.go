// Command codexsupd supervises a Codex worker from the command line: check
// the binary, inspect status, or run a single task through a fully managed
// worker session.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	supervisor "github.com/dominicnunez/codex-supervisor-go"
)

var (
	configPath     string
	checkpointPath string
)

func main() {
	root := &cobra.Command{
		Use:           "codexsupd",
		Short:         "Supervise a Codex worker process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config")
	root.PersistentFlags().StringVar(&checkpointPath, "checkpoints", "", "path to checkpoint database")

	root.AddCommand(checkCmd(), statusCmd(), runCmd(), checkpointsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (supervisor.Config, *zap.Logger, error) {
	var cfg supervisor.Config
	var err error
	if configPath != "" {
		cfg, err = supervisor.LoadConfig(configPath)
		if err != nil {
			return supervisor.Config{}, nil, err
		}
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		logger = zap.NewNop()
	}
	return cfg, logger, nil
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the worker binary is installed and usable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			res, err := supervisor.CheckAvailability(ctx, cfg, supervisor.DefaultTimings(), logger)
			if err != nil {
				return err
			}
			if res.VersionKnown {
				fmt.Printf("worker available, version %d.%d\n", res.Major, res.Minor)
			} else {
				fmt.Println("worker available, version unknown")
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Start the worker and print its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			lc, err := supervisor.NewLifecycle(cfg, supervisor.WithLogger(logger))
			if err != nil {
				return err
			}
			defer lc.Close(context.Background())

			st, err := lc.EnsureStarted(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("state:  %s\n", st.State)
			fmt.Printf("pid:    %d\n", st.ProcessID)
			fmt.Printf("port:   %d\n", st.Port)
			if !st.StartedAt.IsZero() {
				fmt.Printf("uptime: %s\n", st.Uptime.Round(time.Millisecond))
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var model, sandbox, approval string

	cmd := &cobra.Command{
		Use:   "run <instruction>",
		Short: "Run one task through a managed worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			lc, err := supervisor.NewLifecycle(cfg, supervisor.WithLogger(logger))
			if err != nil {
				return err
			}
			defer lc.Close(context.Background())

			opts := []supervisor.ConnectionOption{
				supervisor.WithConnectionLogger(logger),
			}
			if checkpointPath != "" {
				store, serr := supervisor.NewSQLiteCheckpointStore(checkpointPath)
				if serr != nil {
					return serr
				}
				defer store.Close()
				opts = append(opts, supervisor.WithCheckpointStore(store))
			}

			client := supervisor.NewConnectionClient(lc, opts...)
			defer client.Dispose()

			if err := client.Connect(ctx); err != nil {
				return err
			}

			result, err := client.Submit(ctx, supervisor.Task{
				Instruction:    args[0],
				Model:          model,
				Sandbox:        sandbox,
				ApprovalPolicy: approval,
			})
			if err != nil {
				return err
			}
			fmt.Println(result.Output)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().StringVar(&sandbox, "sandbox", "", "sandbox policy")
	cmd.Flags().StringVar(&approval, "approval", "", "approval policy")
	return cmd
}

func checkpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints <session-id>",
		Short: "List saved checkpoints for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkpointPath == "" {
				return fmt.Errorf("--checkpoints is required")
			}
			store, err := supervisor.NewSQLiteCheckpointStore(checkpointPath)
			if err != nil {
				return err
			}
			defer store.Close()

			cps, err := store.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			for _, cp := range cps {
				if err := enc.Encode(cp); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
