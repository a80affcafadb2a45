package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func profileCmd() *cobra.Command {
	var metaType string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Store or fetch the encrypted profile and metadata blobs",
	}
	cmd.PersistentFlags().StringVar(&metaType, "type", "", "metadata type (e.g. contacts); profile when empty")

	put := &cobra.Command{
		Use:   "put [file]",
		Short: "Encrypt and upload a file (stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 1 {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			if metaType != "" {
				_, err = acct.PutMetadata(cmd.Context(), metaType, data)
				return err
			}
			_, err = acct.PutProfile(cmd.Context(), data)
			return err
		},
	}
	get := &cobra.Command{
		Use:   "get",
		Short: "Download and decrypt to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if metaType != "" {
				data, err = acct.Metadata(cmd.Context(), metaType)
			} else {
				data, err = acct.Profile(cmd.Context())
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	versions := &cobra.Command{
		Use:   "versions",
		Short: "List stored profile versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := acct.ProfileVersions(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]map[string]any, 0, len(list))
			for _, p := range list {
				out = append(out, map[string]any{
					"version":      p.Version,
					"dek_version":  p.DEKVersion,
					"content_hash": p.ContentHash,
					"created_at":   p.CreatedAt,
				})
			}
			return printJSON(out)
		},
	}
	restore := &cobra.Command{
		Use:   "restore <version>",
		Short: "Make an older profile version current again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			p, err := acct.RestoreProfile(cmd.Context(), v)
			if err != nil {
				return err
			}
			fmt.Printf("Profile v%d restored as v%d.\n", v, p.Version)
			return nil
		},
	}
	cmd.AddCommand(put, get, versions, restore)
	return cmd
}
