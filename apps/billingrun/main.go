package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/smallbiznis/daycare/internal/app"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/runner"
	"github.com/smallbiznis/daycare/internal/billing/store"
	"github.com/smallbiznis/daycare/internal/clock"
	"github.com/smallbiznis/daycare/internal/config"
	"github.com/smallbiznis/daycare/internal/observability"
	"github.com/smallbiznis/daycare/internal/seed"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	rootCmd = &cobra.Command{
		Use:          "billingrun",
		Short:        "Daycare nightly billing batch",
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run one billing batch and print its summary",
		RunE:  cmdRun,
	}

	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Insert the demo users and reservations into the database",
		RunE:  cmdSeed,
	}

	runFlags struct {
		DryRun bool
	}
)

func cmdRun(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	dryRun := cfg.Run.DefaultDryRun
	if cmd.Flags().Changed("dry-run") {
		dryRun = runFlags.DryRun
	}

	var r *runner.Runner
	fxApp := fx.New(
		fx.NopLogger,
		app.Core(cfg),
		fx.Populate(&r),
	)
	if err := start(cmd.Context(), fxApp); err != nil {
		return err
	}
	defer stop(fxApp)

	summary, runErr := r.Run(cmd.Context(), runner.Options{
		DryRun:  dryRun,
		Trigger: domain.TriggerManualCLI,
	})
	if errors.Is(runErr, runner.ErrRunInProgress) {
		return runErr
	}
	if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
		return err
	}
	return runErr
}

func cmdSeed(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.StoreDriver == config.StoreDriverMemory {
		return errors.New("seed needs the gorm store; the memory store loads demo data on start")
	}

	var (
		conn *gorm.DB
		clk  clock.Clock
		log  *zap.Logger
	)
	fxApp := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		clock.Module,
		store.Module(cfg.StoreDriver),
		fx.Populate(&conn, &clk, &log),
	)
	if err := start(cmd.Context(), fxApp); err != nil {
		return err
	}
	defer stop(fxApp)

	inserted, err := seed.EnsureDemoData(cmd.Context(), conn, clk.Now())
	if err != nil {
		return err
	}
	log.Info("billing.seed.done", zap.Int("inserted", inserted))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d rows\n", inserted)
	return err
}

func start(ctx context.Context, fxApp *fx.App) error {
	startCtx, cancel := context.WithTimeout(ctx, fxApp.StartTimeout())
	defer cancel()
	return fxApp.Start(startCtx)
}

func stop(fxApp *fx.App) {
	stopCtx, cancel := context.WithTimeout(context.Background(), fxApp.StopTimeout())
	defer cancel()
	_ = fxApp.Stop(stopCtx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	runCmd.Flags().BoolVar(&runFlags.DryRun, "dry-run", false, "compute charges without writing anything")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(seedCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
