package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/robust-eval/go-controller/internal/attack"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/config"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/history"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/report"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/runner"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/state"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/statusapi"
)

// #region main
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	rootCmd := &cobra.Command{
		Use:           "robust-eval",
		Short:         "Resumable multi-attack robustness evaluation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var configPath string
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to run YAML (defaults + ROBUST_EVAL_* env when empty)")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newServeCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// #endregion main

// #region run-cmd
func newRunCmd(configPath *string) *cobra.Command {
	var withStatus, jsonOut, strict bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run (or resume) the evaluation described by the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := runEvaluation(ctx, cfg, withStatus)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printResult(res)
			}
			if strict && !res.Passed {
				return errors.New(res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withStatus, "status", false, "serve the status API while running")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when the report fails its thresholds")
	return cmd
}

func runEvaluation(ctx context.Context, cfg config.Config, withStatus bool) (report.Result, error) {
	sessionID := uuid.NewString()
	warner := state.DefaultWarner()
	opts := []state.Option{state.WithWarner(warner)}

	store, err := openHistory(cfg)
	if err != nil {
		return report.Result{}, err
	}
	if store != nil {
		defer store.Close()
		store.SetSession(sessionID)
		opts = append(opts, state.WithRecorder(store))
	}

	st, resumed, err := runner.Resume(cfg.CheckpointPath, cfg.AttackSet(), cfg.SaveTimeout, opts...)
	if err != nil {
		return report.Result{}, err
	}

	client, err := attack.NewClient(cfg.AttackAddr,
		attack.WithMaxRetries(cfg.MaxRetries),
		attack.WithCallTimeout(cfg.AttackTimeout),
	)
	if err != nil {
		return report.Result{}, fmt.Errorf("failed to connect to attack service at %s: %w", cfg.AttackAddr, err)
	}
	defer client.Close()

	harness := report.NewHarness(cfg.Thresholds)
	runOpts := []runner.Option{runner.WithOrder(cfg.Attacks), runner.WithSessionID(sessionID)}
	if store != nil {
		runOpts = append(runOpts, runner.WithEvents(store.DB()))
	}
	r := runner.New(st, client, harness, runOpts...)

	if resumed {
		r.LogResumed(cfg.CheckpointPath)
		log.Printf("resuming %s: %d/%d attacks done", cfg.CheckpointPath,
			st.AttacksToRun().Len()-st.PendingAttacks().Len(), st.AttacksToRun().Len())
	}
	log.Printf("session %s | attack service %s | checkpoint %s", sessionID, cfg.AttackAddr, cfg.CheckpointPath)

	if !withStatus {
		return r.Run(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.StatusAddr,
		Handler:           statusapi.NewServer(cfg.CheckpointPath, store, harness, warner),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	var res report.Result
	g.Go(func() error {
		defer srv.Close()
		var err error
		res, err = r.Run(gctx)
		return err
	})
	g.Go(func() error {
		log.Printf("status API on http://%s", cfg.StatusAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return report.Result{}, err
	}
	return res, nil
}

// #endregion run-cmd

// #region serve-cmd
func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API for an existing checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openHistory(cfg)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              cfg.StatusAddr,
				Handler:           statusapi.NewServer(cfg.CheckpointPath, store, report.NewHarness(cfg.Thresholds), state.DefaultWarner()),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			log.Printf("status API on http://%s", cfg.StatusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

// #endregion serve-cmd

// #region helpers
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openHistory(cfg config.Config) (*history.Store, error) {
	if cfg.HistoryDriver == "" {
		return nil, nil
	}
	store, err := history.NewStore(cfg.HistoryDriver, cfg.HistoryDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return store, nil
}

func printResult(res report.Result) {
	fmt.Printf("%-18s  %10s  %s\n", "Metric", "Value", "Pass")
	fmt.Printf("%-18s+-%10s+-%s\n", "------------------", "----------", "----")
	for _, m := range res.Metrics {
		fmt.Printf("%-18s  %10.4f  %v\n", m.Name, m.Value, m.Pass)
	}
	fmt.Printf("\nAttacks run: %v\n", res.Snapshot.RunAttacks)
	if len(res.Snapshot.PendingAttacks) > 0 {
		fmt.Printf("Pending:     %v\n", res.Snapshot.PendingAttacks)
	}
	fmt.Printf("Result:      %s\n", res.Reason)
}

// #endregion helpers
