package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const passwordEnv = "SECURECOMM_BACKUP_PASSWORD"

func backupCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list and restore password-encrypted key backups",
	}
	cmd.PersistentFlags().StringVar(&password, "password", "", "backup password (default $"+passwordEnv+")")
	resolve := func() (string, error) {
		if password == "" {
			password = os.Getenv(passwordEnv)
		}
		if strings.TrimSpace(password) == "" {
			return "", errors.New("backup password required (--password or $" + passwordEnv + ")")
		}
		return password, nil
	}

	var recovery bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Upload an encrypted snapshot of the key and all session keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := resolve()
			if err != nil {
				return err
			}
			if recovery {
				if err := acct.CreateRecovery(cmd.Context(), pw); err != nil {
					return err
				}
				fmt.Println("Recovery key stored.")
				return nil
			}
			b, err := acct.CreateBackup(cmd.Context(), pw)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"id":           b.ID,
				"dek_version":  b.DEKVersion,
				"content_hash": b.ContentHash,
				"created_at":   b.CreatedAt,
			})
		},
	}
	create.Flags().BoolVar(&recovery, "recovery", false, "store only the data encryption key")

	var fromRecovery bool
	restore := &cobra.Command{
		Use:   "restore [backup-id]",
		Short: "Restore keys from a backup (latest when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := resolve()
			if err != nil {
				return err
			}
			if fromRecovery {
				version, err := acct.RestoreRecovery(cmd.Context(), pw)
				if err != nil {
					return err
				}
				fmt.Printf("Data encryption key v%d restored.\n", version)
				return nil
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			report, err := acct.RestoreBackup(cmd.Context(), id, pw)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"backup_id":   report.BackupID,
				"dek_version": report.DEKVersion,
				"restored":    report.Restored,
				"skipped":     report.Skipped,
			})
		},
	}
	restore.Flags().BoolVar(&fromRecovery, "recovery", false, "restore from the recovery key instead")

	list := &cobra.Command{
		Use:   "list",
		Short: "List uploaded backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			backups, err := acct.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]map[string]any, 0, len(backups))
			for _, b := range backups {
				out = append(out, map[string]any{
					"id":          b.ID,
					"device_id":   b.DeviceID,
					"dek_version": b.DEKVersion,
					"created_at":  b.CreatedAt,
				})
			}
			return printJSON(out)
		},
	}

	del := &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete an uploaded backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return acct.DeleteBackup(cmd.Context(), args[0])
		},
	}

	recoveryStatus := &cobra.Command{
		Use:   "recovery-status",
		Short: "Show whether a recovery key is stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := acct.RecoveryStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
	recoveryDelete := &cobra.Command{
		Use:   "recovery-delete",
		Short: "Delete the stored recovery key",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := acct.DeleteRecovery(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d recovery key(s).\n", n)
			return nil
		},
	}

	cmd.AddCommand(create, restore, list, del, recoveryStatus, recoveryDelete)
	return cmd
}
