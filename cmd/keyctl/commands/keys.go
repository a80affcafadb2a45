package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var mnemonic string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys, or import them from a recovery phrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(mnemonic) != "" {
				if err := acct.ImportMnemonic(mnemonic); err != nil {
					return err
				}
			} else {
				phrase, err := acct.CreateKeys()
				if err != nil {
					return err
				}
				fmt.Printf("Recovery phrase (write it down, it is shown once):\n  %s\n", phrase)
			}
			fp, err := acct.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&mnemonic, "mnemonic", "", "import keys from an existing recovery phrase")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint and id",
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := acct.Fingerprint()
			if err != nil {
				return err
			}
			id, err := acct.IdentityID()
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\nIdentity:    %s\nDevice:      %s\n", fp, id, acct.DeviceID())
			return nil
		},
	}
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register this device with the key server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := acct.Register(cmd.Context())
			if err != nil {
				return err
			}
			version, _ := acct.ActiveDEKVersion()
			return printJSON(map[string]any{
				"device_id":   rec.DeviceID,
				"primary":     rec.IsPrimary,
				"fingerprint": rec.Fingerprint,
				"dek_version": version,
			})
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Fetch and cache this device's data encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			restore, err := acct.Login(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"dek_version":       restore.WrappedDEK.Version,
				"session_key_count": restore.SessionKeyCount,
			})
		},
	}
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Rotate and inspect this device's encryption keys",
	}
	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Replace this device's keys; the data encryption key is kept",
		RunE: func(cmd *cobra.Command, args []string) error {
			phrase, err := acct.RotateKeys(cmd.Context())
			if phrase != "" {
				fmt.Printf("New recovery phrase (write it down, it is shown once):\n  %s\n", phrase)
			}
			if err != nil {
				return err
			}
			fp, err := acct.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", fp)
			return nil
		},
	}
	info := &cobra.Command{
		Use:   "info",
		Short: "Show key versions and rotation count",
		RunE: func(cmd *cobra.Command, args []string) error {
			ki, err := acct.KeyInfo(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(ki)
		},
	}
	history := &cobra.Command{
		Use:   "history",
		Short: "List device key rotations",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := acct.KeyRotationHistory(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	cmd.AddCommand(rotate, info, history)
	return cmd
}
