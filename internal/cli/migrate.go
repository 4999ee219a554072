package cli

import (
	"github.com/spf13/cobra"

	"github.com/licitia/licitia-etl/internal/migration"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		return migration.Run(cfg.DatabaseURL, logger)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
