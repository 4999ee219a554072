package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/licitia/licitia-etl/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check database connectivity and daemon liveness",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		if err := db.Ping(); err != nil {
			fmt.Println("database: unavailable")
			return err
		}
		fmt.Println("database: ok")

		if daemon.NewPIDFile(cfg.Scheduler.PIDFile).IsHeld() {
			fmt.Println("scheduler: running")
		} else {
			fmt.Println("scheduler: stopped")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
