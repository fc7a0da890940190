package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/httpcache"
	"github.com/sells-group/pricescout/internal/selectors"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stale selectors and expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sel := selectors.New(selectorsConfig(cfg.Selectors), st)
		cache := httpcache.New(httpcache.Config{
			TTL:       time.Duration(cfg.Cache.TTLHours) * time.Hour,
			L1Entries: cfg.Cache.L1Entries,
		}, st)

		selRemoved, cacheRemoved, err := prune(ctx, sel, cache)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "selectors removed: %d\ncache entries removed: %d\n", selRemoved, cacheRemoved)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}

type selectorCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

type cacheSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// prune drops selectors below the prune rate with no recent success, then
// expired cache entries.
func prune(ctx context.Context, sel selectorCleaner, cache cacheSweeper) (int64, int64, error) {
	selRemoved, err := sel.Cleanup(ctx)
	if err != nil {
		return 0, 0, eris.Wrap(err, "prune selectors")
	}
	cacheRemoved, err := cache.Sweep(ctx)
	if err != nil {
		return selRemoved, 0, eris.Wrap(err, "sweep cache")
	}
	zap.L().Info("prune complete",
		zap.Int64("selectors_removed", selRemoved),
		zap.Int64("cache_removed", cacheRemoved),
	)
	return selRemoved, cacheRemoved, nil
}
