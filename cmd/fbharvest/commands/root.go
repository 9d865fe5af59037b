package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flashback-datasets/lib/configutil"
	"flashback-datasets/lib/serviceutil"
	"flashback-datasets/services/harvest"
)

var rootCmd = &cobra.Command{
	Use:   "fbharvest",
	Short: "fbharvest turns the rulebook site's table images into structured datasets.",
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads config.json5 and applies the credential override
// from the environment.
func loadConfig() harvest.Config {
	cfg, err := configutil.ReadConfig[harvest.Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config.json5", err)
	}
	if key := os.Getenv("FLASHBACK_API_KEY"); key != "" {
		cfg.Vision.APIKey = key
	}
	return cfg
}
