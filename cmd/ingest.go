package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/company-intel/internal/model"
)

var ingestConcurrency int

var ingestCmd = &cobra.Command{
	Use:   "ingest SYMBOL...",
	Short: "Ingest one or more ticker symbols",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		var mu sync.Mutex
		reports := make([]*model.IngestionReport, 0, len(args))
		failed := 0

		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(ingestConcurrency)

		for _, symbol := range args {
			symbol := symbol
			g.Go(func() error {
				report, err := env.Pipeline.Ingest(gCtx, symbol)
				mu.Lock()
				defer mu.Unlock()
				if report != nil {
					reports = append(reports, report)
				}
				if err != nil {
					failed++
					zap.L().Error("ingest failed",
						zap.String("symbol", symbol),
						zap.Error(err),
					)
				}
				// One bad symbol never aborts the rest.
				return nil
			})
		}
		_ = g.Wait()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}

		if failed > 0 {
			return eris.Errorf("%d of %d symbols failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", 2, "max symbols ingested in parallel")
	rootCmd.AddCommand(ingestCmd)
}
