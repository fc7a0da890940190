package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/model"
)

var scanFile string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scrape every task in a YAML task file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		f, err := os.Open(scanFile)
		if err != nil {
			return eris.Wrap(err, "scan: open task file")
		}
		tasks, err := readTaskFile(f)
		f.Close() //nolint:errcheck
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no tasks")
			return nil
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := runScan(ctx, env.Queue, tasks)
		fmt.Fprintf(cmd.OutOrStdout(), "completed: %d\nfailed: %d\nskipped: %d\ntier spend: $%s\n",
			stats.Completed, stats.Failed, stats.Skipped, env.Tiers.TotalCost().StringFixed(4))
		return err
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanFile, "file", "f", "tasks.yaml", "YAML task file")
	rootCmd.AddCommand(scanCmd)
}

type scanQueue interface {
	EnqueueBatch(tasks []model.ScrapeTask) model.EnqueueReport
	Run(ctx context.Context) error
	WaitIdle(ctx context.Context) error
	Stats() model.QueueStats
	Clear() int
}

// runScan enqueues tasks, runs the workers until the queue drains, and
// stops them. Cancelling ctx drops pending work and returns ctx's error once
// the in-flight scrapes have unwound.
func runScan(ctx context.Context, q scanQueue, tasks []model.ScrapeTask) (model.QueueStats, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- q.Run(runCtx) }()

	report := q.EnqueueBatch(tasks)
	zap.L().Info("scan started",
		zap.Int("queued", report.Queued),
		zap.Int("deduped", report.Deduped),
	)

	waitErr := q.WaitIdle(ctx)
	if waitErr != nil {
		dropped := q.Clear()
		zap.L().Warn("scan interrupted", zap.Int("dropped", dropped), zap.Error(waitErr))
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return q.Stats(), err
	}
	return q.Stats(), waitErr
}
