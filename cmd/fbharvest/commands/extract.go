package commands

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"flashback-datasets/lib/serviceutil"
	"flashback-datasets/services/harvest"
)

var extractDb *string

func init() {
	extractDb = extractCmd.Flags().String("db", "harvest.db", "The database holding the stored asset registry.")
	rootCmd.AddCommand(extractCmd)
}

var extractCmd = &cobra.Command{
	Use:   "extract [--db <path/to/harvest.db>]",
	Short: "Extracts records from previously stored images, recrawling only if storage changed.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		database, err := sql.Open("sqlite", *extractDb)
		if err != nil {
			serviceutil.Fatal("failed to open database", err)
		}
		defer database.Close()

		service, err := harvest.New(cfg, database)
		if err != nil {
			serviceutil.Fatal("failed to initialize pipeline", err)
		}
		if !service.HasStoredAssets(cmd.Context()) {
			serviceutil.Fatal(
				"nothing to extract, run `fbharvest crawl` or `fbharvest run` first",
				errors.New("asset registry is empty"),
			)
		}

		report, err := service.Run(cmd.Context())
		if report != nil {
			fmt.Println(report.Render())
		}
		if err != nil {
			serviceutil.Fatal("extraction failed", err)
		}
	},
}
