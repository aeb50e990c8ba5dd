package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reattachCmd = &cobra.Command{
	Use:   "reattach",
	Short: "Finish background downloads from an earlier run",
	Long:  "Restores the background download session, waits for every restored transfer to finish and installs the completed ones into the cache.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initCache(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		select {
		case <-env.Fetcher.Reattach(ctx, ""):
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "reattach interrupted")
		}
		zap.L().Info("reattach complete", zap.String("session_id", env.Fetcher.SessionID()))

		printSlots(cmd.OutOrStdout(), env.Data)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reattachCmd)
}
