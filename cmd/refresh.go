package main

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/apod-cache/internal/model"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch today's descriptor and update the cached assets",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initCache(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Downloads left over from an earlier run finish before the
		// descriptor is fetched.
		env.Fetcher.Reattach(ctx, "")

		res, err := env.Data.RefreshCachedAssets(ctx)
		printRefreshResult(cmd.OutOrStdout(), res, env.Data)
		if err != nil {
			zap.L().Error("refresh failed", zap.Error(err))
			return eris.Wrap(err, "refresh")
		}
		return nil
	},
}

type slotReader interface {
	Cached(kind model.MediaKind) *model.Asset
}

func printRefreshResult(w io.Writer, res model.RefreshResult, slots slotReader) {
	fmt.Fprintf(w, "status: %s\n", res.Status)
	if len(res.Updated) > 0 {
		kinds := make([]string, len(res.Updated))
		for i, k := range res.Updated {
			kinds[i] = string(k)
		}
		fmt.Fprintf(w, "updated: %s\n", strings.Join(kinds, ", "))
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(w, "skipped: %s\n", s)
	}
	if res.Status == model.RefreshFailed {
		fmt.Fprintf(w, "error: %s\n", res.Error())
		return
	}
	printSlots(w, slots)
}

func printSlots(w io.Writer, slots slotReader) {
	for _, k := range model.MediaKinds {
		if a := slots.Cached(k); a.IsCached() {
			fmt.Fprintf(w, "%s: %q -> %s\n", k, a.Title, a.CachedLocation)
		}
	}
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}
