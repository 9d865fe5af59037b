package commands

import (
	"log/slog"
	"net/url"
	"path/filepath"

	"github.com/spf13/cobra"

	"flashback-datasets/lib/crawler"
	"flashback-datasets/lib/dedup"
	"flashback-datasets/lib/serviceutil"
)

func init() {
	rootCmd.AddCommand(crawlCmd)
}

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawls the rulebook and stores deduplicated table images without extracting.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		seed, err := url.Parse(cfg.SeedURL)
		if err != nil {
			serviceutil.Fatal("failed to parse seed url", err)
		}

		store := dedup.NewStore()
		c := crawler.New(
			cfg.Crawler,
			store,
			filepath.Join(cfg.DataDir, "images"),
			seed.Hostname(),
		)

		result, err := c.Run(cmd.Context(), cfg.SeedURL)
		if err != nil {
			serviceutil.Fatal("crawl failed", err)
		}

		duplicates := 0
		for _, asset := range result.Assets {
			if asset.Duplicate {
				duplicates++
			}
		}
		slog.Info(
			"crawl finished",
			"pages", len(result.Pages),
			"images", len(result.Assets),
			"duplicates", duplicates,
			"failures", len(result.Failures),
		)
		for _, failure := range result.Failures {
			slog.Warn("crawl failure", "url", failure.URL, "reason", failure.Reason)
		}
	},
}
