package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"pkt.systems/tccstore"
	"pkt.systems/tccstore/txn"
)

func newSweepCommand(baseLogger pslog.Logger) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Report transaction records that stopped advancing",
		Long: `sweep lists records whose last update is older than --sweep-threshold and
logs each one for recovery. Without --once it repeats every --sweep-interval
until interrupted and serves metrics on --metrics-listen when set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(baseLogger, "cli.sweep")
			st, err := openStore(cmd, logger, !once)
			if err != nil {
				return err
			}
			defer st.Close(context.Background())
			sw, err := st.NewSweeper(newPrintHandler(cmd.OutOrStdout(), logger))
			if err != nil {
				return err
			}
			if once {
				res, err := sw.SweepOnce(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "visited=%d handled=%d failed=%d cutoff=%s elapsed=%s\n",
					res.Visited, res.Handled, res.Failed, res.Cutoff.Format("2006-01-02T15:04:05Z07:00"), res.Elapsed)
				return err
			}
			if addr := st.MetricsAddr(); addr != "" {
				logger.Info("sweep.metrics.listening", "addr", addr)
			}
			if err := sw.Run(cmd.Context()); err != nil {
				return err
			}
			stats := sw.Stats()
			logger.Info("sweep.summary", "sweeps", stats.Sweeps, "visited", stats.Visited, "handled", stats.Handled, "failed", stats.Failed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and print a summary")
	return cmd
}

// newPrintHandler logs each stale record and prints it as a JSON line.
func newPrintHandler(w io.Writer, logger pslog.Logger) tccstore.RecoveryHandler {
	logHandler := tccstore.LogRecoveryHandler(logger)
	var mu sync.Mutex
	return tccstore.RecoveryHandlerFunc(func(ctx context.Context, rec *txn.Record) error {
		if err := logHandler.Recover(ctx, rec); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		return writeRecord(w, rec)
	})
}
