package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/livability/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the evaluation worker loop until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		w := worker.New(st, newBuilder(), worker.Config{
			StageWorkers:  cfg.Worker.StageWorkers,
			IdleSleep:     time.Duration(cfg.Worker.IdleSleepSecs) * time.Second,
			SweepInterval: time.Duration(cfg.Worker.SweepIntervalSec) * time.Second,
			StaleAfter:    time.Duration(cfg.Worker.StaleAfterMins) * time.Minute,
		})

		zap.L().Info("worker starting",
			zap.Int("stage_workers", cfg.Worker.StageWorkers),
			zap.String("store", cfg.Store.Driver))

		if err := w.Run(ctx); err != nil {
			return eris.Wrap(err, "worker run")
		}

		zap.L().Info("worker stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
