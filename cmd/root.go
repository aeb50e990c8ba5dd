package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/apod-cache/internal/config"
)

var cfg *config.Config

// validatedCommands are the commands whose name is a config.Validate mode.
var validatedCommands = map[string]bool{
	"refresh":  true,
	"reattach": true,
	"serve":    true,
	"status":   true,
}

var rootCmd = &cobra.Command{
	Use:   "apod-cache",
	Short: "Daily astronomy media cache",
	Long:  "Fetches the daily media descriptor, downloads the referenced image or video with resumable background transfers, and keeps the latest of each cached locally.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		// Each command checks only the settings it uses, before any store
		// or directory is touched.
		if validatedCommands[cmd.Name()] {
			return cfg.Validate(cmd.Name())
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
