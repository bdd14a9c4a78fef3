package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reenrichLimit int

var reenrichCmd = &cobra.Command{
	Use:   "reenrich [SYMBOL]",
	Short: "Retry enrichment for stored articles that failed analysis",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		symbol := ""
		if len(args) == 1 {
			symbol = args[0]
		}

		articles, err := env.Store.ListUnenrichedArticles(ctx, symbol, reenrichLimit)
		if err != nil {
			return err
		}
		if len(articles) == 0 {
			zap.L().Info("no unenriched articles")
			return nil
		}

		enriched, failed := 0, 0
		touched := make(map[string]struct{})
		for _, art := range articles {
			if err := ctx.Err(); err != nil {
				return err
			}

			enrichment, _, err := env.Enricher.EnrichOne(ctx, art)
			if err != nil {
				failed++
				zap.L().Warn("reenrich: analysis failed again",
					zap.String("symbol", art.Symbol),
					zap.String("fingerprint", art.Fingerprint),
					zap.Error(err),
				)
				continue
			}

			if err := env.Store.UpdateArticleEnrichment(ctx, art.Fingerprint, *enrichment, time.Now().UTC()); err != nil {
				return err
			}
			enriched++
			touched[art.Symbol] = struct{}{}
		}

		for sym := range touched {
			if err := env.Store.MarkEnriched(ctx, sym, time.Now().UTC()); err != nil {
				return err
			}
		}

		zap.L().Info("reenrich complete",
			zap.Int("candidates", len(articles)),
			zap.Int("enriched", enriched),
			zap.Int("failed", failed),
		)
		return nil
	},
}

func init() {
	reenrichCmd.Flags().IntVar(&reenrichLimit, "limit", 50, "max articles to retry")
	rootCmd.AddCommand(reenrichCmd)
}
