package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move session keys from the legacy local cache to the key server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if statusOnly {
				status, err := acct.MigrationStatus()
				if err != nil {
					return err
				}
				fmt.Println(status)
				return nil
			}
			report, err := acct.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			failures := make([]string, 0, len(report.Failures))
			for _, f := range report.Failures {
				failures = append(failures, fmt.Sprintf("%s: %v", f.Key, f.Err))
			}
			return printJSON(map[string]any{
				"status":   report.Status,
				"total":    report.Total,
				"migrated": report.Migrated,
				"skipped":  report.Skipped,
				"failures": failures,
			})
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "print the migration status and exit")
	return cmd
}
