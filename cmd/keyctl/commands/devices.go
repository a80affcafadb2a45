package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"secure-comm/go-backend/internal/revocation"
)

func devicesCmd() *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices authorized for this account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if history {
				entries, err := acct.RevocationHistory(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(entries)
			}
			devices, err := acct.Devices(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tNAME\tTYPE\tPRIMARY\tACTIVE\tFINGERPRINT")
			for _, d := range devices {
				marker := ""
				if d.DeviceID == acct.DeviceID() {
					marker = " (this)"
				}
				fmt.Fprintf(w, "%s%s\t%s\t%s\t%t\t%t\t%s\n", d.DeviceID, marker, d.Name, d.Type, d.IsPrimary, d.IsActive, d.Fingerprint)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&history, "revocations", false, "show the revocation log instead")
	return cmd
}

func revokeCmd() *cobra.Command {
	var (
		reason   string
		noRotate bool
	)
	cmd := &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a device and rotate the data encryption key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := acct.Revoke(cmd.Context(), args[0], reason, !noRotate)
			if err != nil {
				return err
			}
			if err := printJSON(rotationSummary(res)); err != nil {
				return err
			}
			if len(res.Failures) > 0 {
				return fmt.Errorf("%d session keys still use dek v%d; run `keyctl rotate` to retry", len(res.Failures), res.OldVersion)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the revocation log")
	cmd.Flags().BoolVar(&noRotate, "no-rotate", false, "skip key rotation (the revoked device keeps its cached key)")
	return cmd
}

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the data encryption key and re-wrap all session keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := acct.RotateDEK(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(rotationSummary(res))
		},
	}
}

func rotationSummary(res revocation.Result) map[string]any {
	failures := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		failures = append(failures, fmt.Sprintf("%s (%s): %v", f.EntryID, f.ConversationID, f.Err))
	}
	return map[string]any{
		"revoked_device_id": res.RevokedDeviceID,
		"dek_rotated":       res.DEKRotated,
		"old_version":       res.OldVersion,
		"new_version":       res.NewVersion,
		"rewrapped":         res.Rewrapped,
		"failures":          failures,
		"device_failures":   res.DeviceFailures,
		"old_retired":       res.OldRetired,
	}
}
