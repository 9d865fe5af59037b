package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"flashback-datasets/lib/serviceutil"
	"flashback-datasets/services/harvest"
)

var runDb *string

func init() {
	runDb = runCmd.Flags().String("db", "harvest.db", "The database to record runs and stored assets to.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--db <path/to/harvest.db>]",
	Short: "Runs the full pipeline: crawl the rulebook, extract records, write datasets.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		database, err := sql.Open("sqlite", *runDb)
		if err != nil {
			serviceutil.Fatal("failed to open database", err)
		}
		defer database.Close()

		service, err := harvest.New(cfg, database)
		if err != nil {
			serviceutil.Fatal("failed to initialize pipeline", err)
		}

		report, err := service.Run(cmd.Context())
		if report != nil {
			fmt.Println(report.Render())
		}
		if err != nil {
			serviceutil.Fatal("pipeline failed", err)
		}
	},
}
